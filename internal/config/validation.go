package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
		return newFieldError("Global.LogLevel", "无法识别的日志级别")
	}
	switch g.StorageBackend {
	case BackendFS:
		if g.StoragePath == "" {
			return newFieldError("Global.StoragePath", "不能为空")
		}
	case BackendMemory:
	case BackendRedis:
		if strings.TrimSpace(g.RedisAddr) == "" {
			return newFieldError("Global.RedisAddr", "redis 后端必须配置地址")
		}
	default:
		return newFieldError("Global.StorageBackend", "仅支持 fs|memory|redis")
	}
	if err := validateOrigin(g.Origin); err != nil {
		return fmt.Errorf("Global.Origin: %w", err)
	}
	if g.PublicOrigin != "" {
		if err := validateOrigin(g.PublicOrigin); err != nil {
			return fmt.Errorf("Global.PublicOrigin: %w", err)
		}
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}

	return c.Worker.validate()
}

func (w WorkerConfig) validate() error {
	if w.PrecacheName == "" {
		return newFieldError("Worker.PrecacheName", "不能为空")
	}
	if w.RuntimeCacheName == "" {
		return newFieldError("Worker.RuntimeCacheName", "不能为空")
	}
	if w.PrecacheName == w.RuntimeCacheName {
		return newFieldError("Worker.RuntimeCacheName", "不能与 PrecacheName 相同")
	}
	if !strings.HasPrefix(w.RootURL, "/") {
		return newFieldError("Worker.RootURL", "必须是以 / 开头的根相对路径")
	}

	seen := make(map[string]struct{}, len(w.Manifest))
	for i, entry := range w.Manifest {
		if !strings.HasPrefix(entry, "/") || strings.HasPrefix(entry, "//") {
			return newFieldError(manifestField(i), "必须是以 / 开头的根相对路径")
		}
		if _, err := url.Parse(entry); err != nil {
			return newFieldError(manifestField(i), err.Error())
		}
		if _, dup := seen[entry]; dup {
			return newFieldError(manifestField(i), "重复条目: "+entry)
		}
		seen[entry] = struct{}{}
	}
	if _, ok := seen[w.OfflinePage]; !ok {
		return newFieldError("Worker.OfflinePage", "必须包含在 Manifest 中")
	}
	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少源站地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("缺少 Host: %s", raw)
	}
	if parsed.Path != "" && parsed.Path != "/" {
		return fmt.Errorf("origin 不应包含路径: %s", raw)
	}
	return nil
}
