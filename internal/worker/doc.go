// Package worker 实现离线缓存层的 service worker 语义：Cache Lifecycle Manager
// （install 原子预缓存 manifest、activate 清理过期缓存代并接管页面）与
// Request Interceptor（文档 network-first + 回退链、静态资源 cache-first）。
//
// 宿主通过 Registration 分发事件。每个事件都是 ExtendableEvent，处理函数
// 发起的异步工作（包括响应之后的写缓存）都必须经 WaitUntil 登记，事件在
// 这些工作完成前不算结束。
package worker
