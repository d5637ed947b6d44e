package cache

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
)

// Storage 对应浏览器中的 CacheStorage：管理所有具名缓存代（generation）。
// 所有实现都必须保证单次读写原子，多步骤组合（先查后写）不做事务保证。
type Storage interface {
	// Open 打开指定名称的缓存，不存在时创建。
	Open(ctx context.Context, name string) (Cache, error)

	// Has 判断缓存代是否存在。
	Has(ctx context.Context, name string) (bool, error)

	// Delete 删除整个缓存代，返回该缓存此前是否存在。
	Delete(ctx context.Context, name string) (bool, error)

	// Keys 按创建顺序返回所有缓存代名称。
	Keys(ctx context.Context) ([]string, error)

	// Match 按创建顺序在所有缓存代中查找 key，首个命中即返回。未命中返回 ErrNotFound。
	Match(ctx context.Context, key string) (*Response, error)
}

// Cache 是单个缓存代的读写句柄，请求处理方只借用、不持有。
type Cache interface {
	Name() string

	// Match 精确匹配 key，未命中返回 ErrNotFound。
	Match(ctx context.Context, key string) (*Response, error)

	// Put 覆盖写入单个条目，调用方需传入克隆后的 Response。
	Put(ctx context.Context, key string, resp *Response) error

	// PutAll 批量写入：要么全部可见，要么全部不可见。
	PutAll(ctx context.Context, entries []Entry) error

	// Delete 删除单个条目，返回此前是否存在。
	Delete(ctx context.Context, key string) (bool, error)

	// Keys 按首次写入顺序返回条目 key；覆盖写不改变位置。
	Keys(ctx context.Context) ([]string, error)
}

// Entry 表示一次待写入的 (key, response) 对。
type Entry struct {
	Key      string
	Response *Response
}

// ResponseType 对齐 Fetch 规范中的 Response.type。
type ResponseType string

const (
	ResponseTypeBasic  ResponseType = "basic"
	ResponseTypeCORS   ResponseType = "cors"
	ResponseTypeOpaque ResponseType = "opaque"
	ResponseTypeError  ResponseType = "error"
)

// Response 是按值存储的响应快照。正文只能被消费一次的约束在这里由 Clone 体现：
// 需要同时返回与缓存时，必须先 Clone。
type Response struct {
	Status     int          `msgpack:"status"`
	StatusText string       `msgpack:"status_text"`
	Header     http.Header  `msgpack:"header"`
	Body       []byte       `msgpack:"-"`
	Type       ResponseType `msgpack:"type"`
	URL        string       `msgpack:"url"`
}

// OK 对应 response.ok（2xx）。
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status < 300
}

// Clone 深拷贝正文与头部。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	cloned := *r
	cloned.Header = r.Header.Clone()
	if cloned.Header == nil {
		cloned.Header = http.Header{}
	}
	if r.Body != nil {
		cloned.Body = append([]byte(nil), r.Body...)
	}
	return &cloned
}

// Key 由完整请求 URL 推导：丢弃 fragment，其余保持原样。
func Key(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		if idx := strings.IndexByte(rawURL, '#'); idx >= 0 {
			return rawURL[:idx]
		}
		return rawURL
	}
	parsed.Fragment = ""
	parsed.RawFragment = ""
	return parsed.String()
}

var (
	// ErrNotFound 表示缓存条目不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrInvalidName 表示缓存代名称为空。
	ErrInvalidName = errors.New("cache name required")
	// ErrNilResponse 表示写入了空响应。
	ErrNilResponse = errors.New("cache response required")
)

func validateEntries(entries []Entry) error {
	for _, entry := range entries {
		if entry.Response == nil {
			return ErrNilResponse
		}
		if entry.Key == "" {
			return errors.New("cache key required")
		}
	}
	return nil
}
