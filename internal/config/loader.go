package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// 默认发布参数。
const (
	DefaultPrecacheName = "pulson-v1"
	DefaultRuntimeName  = "pulson-runtime-v1"
	DefaultOfflinePage  = "/static/offline.html"
	DefaultRedisPrefix  = "pulson-offline"
)

// DefaultManifest 是未配置 Manifest 时预缓存的应用外壳。
var DefaultManifest = []string{
	"/",
	"/static/logo.png",
	"/static/manifest.json",
	DefaultOfflinePage,
}

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyWorkerDefaults(&cfg.Worker)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Global.StorageBackend == BackendFS {
		absStorage, err := filepath.Abs(cfg.Global.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("无法解析缓存目录: %w", err)
		}
		cfg.Global.StoragePath = absStorage
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("StorageBackend", BackendFS)
	v.SetDefault("RedisAddr", "127.0.0.1:6379")
	v.SetDefault("RedisPrefix", DefaultRedisPrefix)
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("ClientTTL", "30m")
	v.SetDefault("ShutdownTimeout", "10s")
	v.SetDefault("PrecacheName", DefaultPrecacheName)
	v.SetDefault("RuntimeCacheName", DefaultRuntimeName)
	v.SetDefault("RootURL", "/")
	v.SetDefault("OfflinePage", DefaultOfflinePage)
	v.SetDefault("Manifest", DefaultManifest)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	g.StorageBackend = strings.ToLower(strings.TrimSpace(g.StorageBackend))
	if g.StorageBackend == "" {
		g.StorageBackend = BackendFS
	}
	if g.RedisPrefix == "" {
		g.RedisPrefix = DefaultRedisPrefix
	}
	g.Origin = strings.TrimRight(strings.TrimSpace(g.Origin), "/")
	g.PublicOrigin = strings.TrimRight(strings.TrimSpace(g.PublicOrigin), "/")
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.ClientTTL.DurationValue() == 0 {
		g.ClientTTL = Duration(30 * time.Minute)
	}
	if g.ShutdownTimeout.DurationValue() == 0 {
		g.ShutdownTimeout = Duration(10 * time.Second)
	}
}

func applyWorkerDefaults(w *WorkerConfig) {
	w.PrecacheName = strings.TrimSpace(w.PrecacheName)
	w.RuntimeCacheName = strings.TrimSpace(w.RuntimeCacheName)
	if w.RootURL == "" {
		w.RootURL = "/"
	}
	if w.OfflinePage == "" {
		w.OfflinePage = DefaultOfflinePage
	}
	manifest := make([]string, 0, len(w.Manifest))
	for _, entry := range w.Manifest {
		if trimmed := strings.TrimSpace(entry); trimmed != "" {
			manifest = append(manifest, trimmed)
		}
	}
	w.Manifest = manifest
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
