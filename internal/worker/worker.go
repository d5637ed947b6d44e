package worker

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/pulson/pulson-offline/internal/cache"
	"github.com/pulson/pulson-offline/internal/metrics"
)

const (
	DefaultRootURL         = "/"
	DefaultOfflinePage     = "/static/offline.html"
	DefaultNotifyTitle     = "Pulson Alert"
	DefaultNotifyBody      = "New update available"
	DefaultNotifyIcon      = "/static/logo.png"
	strategyCacheFirst     = "cache-first"
	strategyNetworkFirst   = "network-first"
	strategyNetworkOnly    = "network-only"
	notificationPrimaryKey = "2"
)

// NotificationConfig 控制推送通知的展示内容。
type NotificationConfig struct {
	Title       string
	Body        string
	Icon        string
	Badge       string
	Vibrate     []int
	ExploreText string
	CloseText   string
}

// Config 描述一个 worker 版本的静态参数，构建期确定、运行期不可变。
type Config struct {
	// Scope 是页面自身的 origin，跨 origin 请求不拦截。
	Scope *url.URL
	// PrecacheName 随每次发布变化，用于触发旧缓存代清理。
	PrecacheName string
	// RuntimeCacheName 跨版本保持不变。
	RuntimeCacheName string
	// Manifest 是安装阶段原子写入的根相对 URL 列表。
	Manifest     []string
	RootURL      string
	OfflinePage  string
	Notification NotificationConfig
}

// Options 汇总 worker 的协作方。
type Options struct {
	Storage  cache.Storage
	Fetcher  Fetcher
	Notifier Notifier
	Clients  Clients
	Logger   *logrus.Logger
	Metrics  *metrics.Metrics
}

// Worker 实现 Hooks：安装/激活管理缓存代，fetch 决定缓存策略，其余钩子是薄胶水。
type Worker struct {
	cfg      Config
	storage  cache.Storage
	fetcher  Fetcher
	notifier Notifier
	clients  Clients
	logger   *logrus.Logger
	metrics  *metrics.Metrics
}

var _ Hooks = (*Worker)(nil)

// New 校验配置并构建 Worker。
func New(cfg Config, opts Options) (*Worker, error) {
	if opts.Storage == nil {
		return nil, errors.New("cache storage is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &Worker{
		cfg:      cfg,
		storage:  opts.Storage,
		fetcher:  opts.Fetcher,
		notifier: opts.Notifier,
		clients:  opts.Clients,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}, nil
}

// Version 返回当前 worker 的版本标识，即 precache 名称。
func (w *Worker) Version() string {
	return w.cfg.PrecacheName
}

// Config 返回配置副本。
func (w *Worker) Config() Config {
	cfg := w.cfg
	cfg.Manifest = append([]string(nil), w.cfg.Manifest...)
	return cfg
}

func (c *Config) normalize() error {
	if c.Scope == nil || c.Scope.Scheme == "" || c.Scope.Host == "" {
		return errors.New("scope origin is required")
	}
	c.Scope = &url.URL{Scheme: strings.ToLower(c.Scope.Scheme), Host: strings.ToLower(c.Scope.Host), Path: "/"}
	if strings.TrimSpace(c.PrecacheName) == "" {
		return errors.New("precache name is required")
	}
	if strings.TrimSpace(c.RuntimeCacheName) == "" {
		return errors.New("runtime cache name is required")
	}
	if c.PrecacheName == c.RuntimeCacheName {
		return fmt.Errorf("precache and runtime cache must differ: %s", c.PrecacheName)
	}
	if c.RootURL == "" {
		c.RootURL = DefaultRootURL
	}
	if c.OfflinePage == "" {
		c.OfflinePage = DefaultOfflinePage
	}
	c.Manifest = append([]string(nil), c.Manifest...)

	n := &c.Notification
	if n.Title == "" {
		n.Title = DefaultNotifyTitle
	}
	if n.Body == "" {
		n.Body = DefaultNotifyBody
	}
	if n.Icon == "" {
		n.Icon = DefaultNotifyIcon
	}
	if n.Badge == "" {
		n.Badge = n.Icon
	}
	if n.Vibrate == nil {
		n.Vibrate = []int{100, 50, 100}
	}
	if n.ExploreText == "" {
		n.ExploreText = "View Dashboard"
	}
	if n.CloseText == "" {
		n.CloseText = "Close notification"
	}
	return nil
}

// resolve 把根相对路径解析为 scope 下的绝对 URL。
func (w *Worker) resolve(ref string) (*url.URL, error) {
	parsed, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", ref, err)
	}
	return w.cfg.Scope.ResolveReference(parsed), nil
}

func (w *Worker) fields(action string) logrus.Fields {
	return logrus.Fields{
		"action":  action,
		"version": w.cfg.PrecacheName,
	}
}
