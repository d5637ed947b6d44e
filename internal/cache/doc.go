// Package cache 提供具名缓存代（generation）的存储抽象，语义对齐浏览器
// CacheStorage：Storage 管理缓存代的创建、枚举与删除，Cache 是单个缓存代的
// 条目句柄。实现包括磁盘（临时文件 + rename）、进程内与 Redis 三种后端；
// 所有后端单次操作原子，PutAll 批量写入要么全部可见要么全部不可见。
// 上层的 worker 包只借用 Cache 句柄，不持有缓存代的生命周期。
package cache
