package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 缓存后端。
const (
	BackendFS     = "fs"
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// GlobalConfig 描述进程级运行参数：监听端口、日志、缓存存储与源站。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	StorageBackend  string   `mapstructure:"StorageBackend"`
	RedisAddr       string   `mapstructure:"RedisAddr"`
	RedisPassword   string   `mapstructure:"RedisPassword"`
	RedisDB         int      `mapstructure:"RedisDB"`
	RedisPrefix     string   `mapstructure:"RedisPrefix"`
	Origin          string   `mapstructure:"Origin"`
	PublicOrigin    string   `mapstructure:"PublicOrigin"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	ClientTTL       Duration `mapstructure:"ClientTTL"`
	ShutdownTimeout Duration `mapstructure:"ShutdownTimeout"`
}

// WorkerConfig 对应一次发布的 worker 版本参数。
type WorkerConfig struct {
	PrecacheName     string   `mapstructure:"PrecacheName"`
	RuntimeCacheName string   `mapstructure:"RuntimeCacheName"`
	RootURL          string   `mapstructure:"RootURL"`
	OfflinePage      string   `mapstructure:"OfflinePage"`
	Manifest         []string `mapstructure:"Manifest"`
}

// NotificationConfig 控制推送通知的展示与外部转发。
type NotificationConfig struct {
	Title       string   `mapstructure:"Title"`
	Icon        string   `mapstructure:"Icon"`
	Badge       string   `mapstructure:"Badge"`
	DefaultBody string   `mapstructure:"DefaultBody"`
	RelayURLs   []string `mapstructure:"RelayURLs"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global       GlobalConfig       `mapstructure:",squash"`
	Worker       WorkerConfig       `mapstructure:",squash"`
	Notification NotificationConfig `mapstructure:"Notification"`
}

// PublicOriginOrDefault 返回页面实际访问的 origin，未配置时使用本机监听地址。
func (g GlobalConfig) PublicOriginOrDefault() string {
	if origin := strings.TrimRight(strings.TrimSpace(g.PublicOrigin), "/"); origin != "" {
		return origin
	}
	return fmt.Sprintf("http://localhost:%d", g.ListenPort)
}
