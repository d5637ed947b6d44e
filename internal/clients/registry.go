// Package clients 维护受控页面（client）的登记表，实现 worker 需要的 claim 与
// openWindow 能力。页面通过 Cookie 标识，长时间无请求的页面自动过期。
package clients

import (
	"context"
	"errors"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

// DefaultTTL 是页面无请求后被视为关闭的时长。
const DefaultTTL = 30 * time.Minute

// Client 是一个已知页面。
type Client struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	Controller string    `json:"controller,omitempty"`
	Focused    bool      `json:"focused"`
	Navigate   string    `json:"navigate,omitempty"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
}

// Window 记录一次 openWindow 请求；ClientID 为空表示需要新开窗口。
type Window struct {
	ID       string    `json:"id"`
	URL      string    `json:"url"`
	ClientID string    `json:"client_id,omitempty"`
	OpenedAt time.Time `json:"opened_at"`
}

// Registry 是并发安全的页面登记表。
type Registry struct {
	logger *logrus.Logger
	items  *gocache.Cache

	mu         sync.Mutex
	controller string
	windows    []Window
}

// NewRegistry 创建登记表；ttl <= 0 时使用 DefaultTTL。
func NewRegistry(logger *logrus.Logger, ttl time.Duration) *Registry {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{
		logger: logger,
		// 不启动后台清理协程，过期条目在 List 时统一回收。
		items: gocache.New(ttl, 0),
	}
}

// NewID 生成新的页面标识。
func NewID() string {
	return uuid.NewString()
}

// Touch 登记或刷新页面。新页面在已有控制者时立即受控。
func (r *Registry) Touch(id, pageURL string) Client {
	now := time.Now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()

	client := Client{ID: id, URL: pageURL, FirstSeen: now}
	if existing, ok := r.items.Get(id); ok {
		client = existing.(Client)
		if pageURL != "" {
			client.URL = pageURL
		}
	}
	if client.Controller == "" {
		client.Controller = r.controller
	}
	client.LastSeen = now
	r.items.SetDefault(id, client)
	return client
}

// Get 返回指定页面。
func (r *Registry) Get(id string) (Client, bool) {
	value, ok := r.items.Get(id)
	if !ok {
		return Client{}, false
	}
	return value.(Client), true
}

// Claim 让 version 成为所有现存页面的控制者，之后登记的页面同样受控。
func (r *Registry) Claim(ctx context.Context, version string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.controller = version
	claimed := 0
	for id, item := range r.items.Items() {
		client := item.Object.(Client)
		client.Controller = version
		r.items.Set(id, client, remaining(item))
		claimed++
	}
	r.logger.WithFields(logrus.Fields{
		"action":  "claim",
		"version": version,
		"clients": claimed,
	}).Info("clients_claimed")
	return nil
}

// OpenWindow 聚焦最近活跃的页面并让它导航到 target；没有页面时登记一个新窗口。
func (r *Registry) OpenWindow(ctx context.Context, target string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	parsed, err := url.Parse(target)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return errors.New("open window requires an absolute url")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	window := Window{ID: uuid.NewString(), URL: parsed.String(), OpenedAt: time.Now().UTC()}
	var (
		recent gocache.Item
		found  bool
	)
	for id, item := range r.items.Items() {
		client := item.Object.(Client)
		if !found || client.LastSeen.After(recent.Object.(Client).LastSeen) {
			recent, found = item, true
			window.ClientID = id
		}
	}
	if found {
		client := recent.Object.(Client)
		client.Focused = true
		client.Navigate = window.URL
		r.items.Set(client.ID, client, remaining(recent))
	}
	r.windows = append(r.windows, window)
	r.logger.WithFields(logrus.Fields{
		"action":    "open_window",
		"url":       window.URL,
		"client_id": window.ClientID,
	}).Info("window_requested")
	return nil
}

// Controller 返回最近一次 claim 的版本。
func (r *Registry) Controller() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.controller
}

// List 按首次出现时间返回存活页面。
func (r *Registry) List() []Client {
	r.items.DeleteExpired()
	items := r.items.Items()
	out := make([]Client, 0, len(items))
	for _, item := range items {
		out = append(out, item.Object.(Client))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FirstSeen.Equal(out[j].FirstSeen) {
			return out[i].ID < out[j].ID
		}
		return out[i].FirstSeen.Before(out[j].FirstSeen)
	})
	return out
}

// Windows 返回并清空待打开的窗口请求。
func (r *Registry) Windows() []Window {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.windows
	r.windows = nil
	return out
}

// remaining 保留条目原有的过期时间。
func remaining(item gocache.Item) time.Duration {
	if item.Expiration == 0 {
		return gocache.NoExpiration
	}
	if d := time.Until(time.Unix(0, item.Expiration)); d > 0 {
		return d
	}
	return time.Millisecond
}
