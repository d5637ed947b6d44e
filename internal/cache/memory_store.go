package cache

import (
	"context"
	"sync"

	gocache "github.com/patrickmn/go-cache"
)

// NewMemoryStorage 返回进程内缓存，适用于测试与无持久化需求的部署。
// 条目永不过期，也不做容量淘汰。
func NewMemoryStorage() Storage {
	return &memoryStorage{}
}

type memoryStorage struct {
	mu     sync.RWMutex
	caches []*memoryCache
}

func (s *memoryStorage) Open(ctx context.Context, name string) (Cache, error) {
	if name == "" {
		return nil, ErrInvalidName
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.caches {
		if c.name == name {
			return c, nil
		}
	}
	c := &memoryCache{
		name:  name,
		items: gocache.New(gocache.NoExpiration, 0),
	}
	s.caches = append(s.caches, c)
	return c, nil
}

func (s *memoryStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.caches {
		if c.name == name {
			return true, nil
		}
	}
	return false, nil
}

func (s *memoryStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.caches {
		if c.name == name {
			s.caches = append(s.caches[:i:i], s.caches[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (s *memoryStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, len(s.caches))
	for i, c := range s.caches {
		names[i] = c.name
	}
	return names, nil
}

func (s *memoryStorage) Match(ctx context.Context, key string) (*Response, error) {
	s.mu.RLock()
	caches := append([]*memoryCache(nil), s.caches...)
	s.mu.RUnlock()
	for _, c := range caches {
		if resp, err := c.Match(ctx, key); err == nil {
			return resp, nil
		}
	}
	return nil, ErrNotFound
}

// memoryCache 中 order 记录首次写入顺序，items 保存克隆后的响应。
type memoryCache struct {
	name  string
	mu    sync.Mutex
	order []string
	items *gocache.Cache
}

func (c *memoryCache) Name() string {
	return c.name
}

func (c *memoryCache) Match(ctx context.Context, key string) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	value, ok := c.items.Get(key)
	c.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	resp, ok := value.(*Response)
	if !ok {
		return nil, ErrNotFound
	}
	return resp.Clone(), nil
}

func (c *memoryCache) Put(ctx context.Context, key string, resp *Response) error {
	return c.PutAll(ctx, []Entry{{Key: key, Response: resp}})
}

func (c *memoryCache) PutAll(ctx context.Context, entries []Entry) error {
	if err := validateEntries(entries); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, entry := range entries {
		if _, exists := c.items.Get(entry.Key); !exists {
			c.order = append(c.order, entry.Key)
		}
		c.items.Set(entry.Key, entry.Response.Clone(), gocache.NoExpiration)
	}
	return nil
}

func (c *memoryCache) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.items.Get(key); !exists {
		return false, nil
	}
	c.items.Delete(key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i:i], c.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (c *memoryCache) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.order...), nil
}
