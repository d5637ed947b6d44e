package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// NewRedisStorage 使用 Redis 保存缓存代，便于多个网关实例共享同一份离线缓存。
// 键布局：
//
//	<prefix>:generations        ZSET，成员为缓存代名称，score 为创建序号
//	<prefix>:seq                INCR 计数器
//	<prefix>:cache:<name>       HASH，field 为条目 key，value 为 msgpack 编码的 redisEntry
//	<prefix>:order:<name>       ZSET，记录条目首次写入顺序
func NewRedisStorage(client redis.UniversalClient, prefix string) (Storage, error) {
	if client == nil {
		return nil, errors.New("redis client required")
	}
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "pulson-offline"
	}
	return &redisStorage{client: client, prefix: prefix}, nil
}

type redisStorage struct {
	client redis.UniversalClient
	prefix string
}

type redisEntry struct {
	Response *Response `msgpack:"response"`
	Body     []byte    `msgpack:"body"`
}

func (s *redisStorage) generationsKey() string { return s.prefix + ":generations" }
func (s *redisStorage) seqKey() string         { return s.prefix + ":seq" }
func (s *redisStorage) hashKey(name string) string {
	return s.prefix + ":cache:" + name
}
func (s *redisStorage) orderKey(name string) string {
	return s.prefix + ":order:" + name
}

func (s *redisStorage) Open(ctx context.Context, name string) (Cache, error) {
	if name == "" {
		return nil, ErrInvalidName
	}
	exists, err := s.Has(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		seq, err := s.client.Incr(ctx, s.seqKey()).Result()
		if err != nil {
			return nil, fmt.Errorf("redis incr: %w", err)
		}
		// NX 保证并发 Open 时只登记一次。
		if err := s.client.ZAddNX(ctx, s.generationsKey(), redis.Z{Score: float64(seq), Member: name}).Err(); err != nil {
			return nil, fmt.Errorf("redis zadd: %w", err)
		}
	}
	return &redisCache{storage: s, name: name}, nil
}

func (s *redisStorage) Has(ctx context.Context, name string) (bool, error) {
	err := s.client.ZScore(ctx, s.generationsKey(), name).Err()
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, redis.Nil):
		return false, nil
	default:
		return false, fmt.Errorf("redis zscore: %w", err)
	}
}

func (s *redisStorage) Delete(ctx context.Context, name string) (bool, error) {
	var removed *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.ZRem(ctx, s.generationsKey(), name)
		pipe.Del(ctx, s.hashKey(name), s.orderKey(name))
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("redis delete cache %s: %w", name, err)
	}
	return removed.Val() > 0, nil
}

func (s *redisStorage) Keys(ctx context.Context) ([]string, error) {
	names, err := s.client.ZRange(ctx, s.generationsKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrange: %w", err)
	}
	return names, nil
}

func (s *redisStorage) Match(ctx context.Context, key string) (*Response, error) {
	names, err := s.Keys(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		resp, err := (&redisCache{storage: s, name: name}).Match(ctx, key)
		switch {
		case err == nil:
			return resp, nil
		case errors.Is(err, ErrNotFound):
			continue
		default:
			return nil, err
		}
	}
	return nil, ErrNotFound
}

type redisCache struct {
	storage *redisStorage
	name    string
}

func (c *redisCache) Name() string {
	return c.name
}

func (c *redisCache) Match(ctx context.Context, key string) (*Response, error) {
	raw, err := c.storage.client.HGet(ctx, c.storage.hashKey(c.name), key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis hget: %w", err)
	}
	var entry redisEntry
	if err := msgpack.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}
	if entry.Response == nil {
		return nil, ErrNotFound
	}
	entry.Response.Body = entry.Body
	return entry.Response, nil
}

func (c *redisCache) Put(ctx context.Context, key string, resp *Response) error {
	return c.PutAll(ctx, []Entry{{Key: key, Response: resp}})
}

// PutAll 在 MULTI/EXEC 中写入所有条目，保证批量可见性。
func (c *redisCache) PutAll(ctx context.Context, entries []Entry) error {
	if err := validateEntries(entries); err != nil {
		return err
	}
	encoded := make(map[string][]byte, len(entries))
	for _, entry := range entries {
		raw, err := msgpack.Marshal(redisEntry{Response: entry.Response, Body: entry.Response.Body})
		if err != nil {
			return fmt.Errorf("encode cache entry: %w", err)
		}
		encoded[entry.Key] = raw
	}
	seq, err := c.storage.client.IncrBy(ctx, c.storage.seqKey(), int64(len(entries))).Result()
	if err != nil {
		return fmt.Errorf("redis incr: %w", err)
	}
	base := seq - int64(len(entries))

	_, err = c.storage.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, entry := range entries {
			pipe.HSet(ctx, c.storage.hashKey(c.name), entry.Key, encoded[entry.Key])
			pipe.ZAddNX(ctx, c.storage.orderKey(c.name), redis.Z{Score: float64(base + int64(i) + 1), Member: entry.Key})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put: %w", err)
	}
	return nil
}

func (c *redisCache) Delete(ctx context.Context, key string) (bool, error) {
	var removed *redis.IntCmd
	_, err := c.storage.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.HDel(ctx, c.storage.hashKey(c.name), key)
		pipe.ZRem(ctx, c.storage.orderKey(c.name), key)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("redis hdel: %w", err)
	}
	return removed.Val() > 0, nil
}

func (c *redisCache) Keys(ctx context.Context) ([]string, error) {
	keys, err := c.storage.client.ZRange(ctx, c.storage.orderKey(c.name), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrange: %w", err)
	}
	return keys, nil
}
