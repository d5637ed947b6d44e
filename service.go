package main

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/pulson/pulson-offline/internal/cache"
	"github.com/pulson/pulson-offline/internal/clients"
	"github.com/pulson/pulson-offline/internal/config"
	"github.com/pulson/pulson-offline/internal/metrics"
	"github.com/pulson/pulson-offline/internal/notify"
	"github.com/pulson/pulson-offline/internal/proxy"
	"github.com/pulson/pulson-offline/internal/server"
	"github.com/pulson/pulson-offline/internal/server/routes"
	"github.com/pulson/pulson-offline/internal/worker"
)

// service 持有一个进程内共享的全部组件。
type service struct {
	app          *fiber.App
	registration *worker.Registration
	storage      cache.Storage
	redis        *redis.Client
}

func newService(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*service, error) {
	m := metrics.New()

	storage, redisClient, err := openStorage(ctx, cfg.Global)
	if err != nil {
		return nil, err
	}

	origin, err := url.Parse(cfg.Global.Origin)
	if err != nil {
		return nil, fmt.Errorf("解析 Origin 失败: %w", err)
	}
	publicOrigin := cfg.Global.PublicOriginOrDefault()
	scope, err := url.Parse(publicOrigin)
	if err != nil {
		return nil, fmt.Errorf("解析 PublicOrigin 失败: %w", err)
	}

	network, err := proxy.NewNetworkFetcher(server.NewUpstreamClient(cfg), origin, scope, logger)
	if err != nil {
		return nil, err
	}
	registry := clients.NewRegistry(logger, cfg.Global.ClientTTL.DurationValue())
	center, err := notify.NewCenter(logger, cfg.Notification.RelayURLs)
	if err != nil {
		return nil, err
	}

	registration := worker.NewRegistration(logger, m)
	opts := worker.Options{
		Storage:  storage,
		Fetcher:  network,
		Notifier: center,
		Clients:  registry,
		Logger:   logger,
		Metrics:  m,
	}
	install := newInstaller(registration, workerConfig(cfg, scope), opts)

	if id, err := install(ctx); err != nil {
		logger.WithError(err).WithField("action", "install").Warn("首次安装失败，网关将直接回源")
	} else {
		logger.WithFields(logrus.Fields{"action": "install", "version": id}).Info("worker 已安装")
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:       logger,
		Proxy:        proxy.NewHandler(registration, network, scope, logger, m),
		Clients:      registry,
		PublicOrigin: publicOrigin,
		SecureCookie: scope.Scheme == "https",
	})
	if err != nil {
		return nil, err
	}
	routes.RegisterControlRoutes(app, routes.Deps{
		Registration:  registration,
		Installer:     install,
		Storage:       storage,
		Notifications: center,
		Clients:       registry,
		Metrics:       m,
		Logger:        logger,
	})

	return &service{
		app:          app,
		registration: registration,
		storage:      storage,
		redis:        redisClient,
	}, nil
}

// Close 等待挂起的缓存写入并释放外部连接。
func (s *service) Close(ctx context.Context) error {
	err := s.registration.Close(ctx)
	if s.redis != nil {
		err = multierr.Append(err, s.redis.Close())
	}
	return err
}

func openStorage(ctx context.Context, g config.GlobalConfig) (cache.Storage, *redis.Client, error) {
	switch g.StorageBackend {
	case config.BackendMemory:
		return cache.NewMemoryStorage(), nil, nil
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     g.RedisAddr,
			Password: g.RedisPassword,
			DB:       g.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("连接 Redis 失败: %w", err)
		}
		storage, err := cache.NewRedisStorage(client, g.RedisPrefix)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return storage, client, nil
	default:
		storage, err := cache.NewFileStorage(g.StoragePath)
		if err != nil {
			return nil, nil, fmt.Errorf("初始化缓存目录失败: %w", err)
		}
		return storage, nil, nil
	}
}

func workerConfig(cfg *config.Config, scope *url.URL) worker.Config {
	return worker.Config{
		Scope:            scope,
		PrecacheName:     cfg.Worker.PrecacheName,
		RuntimeCacheName: cfg.Worker.RuntimeCacheName,
		Manifest:         append([]string(nil), cfg.Worker.Manifest...),
		RootURL:          cfg.Worker.RootURL,
		OfflinePage:      cfg.Worker.OfflinePage,
		Notification: worker.NotificationConfig{
			Title: strings.TrimSpace(cfg.Notification.Title),
			Body:  strings.TrimSpace(cfg.Notification.DefaultBody),
			Icon:  cfg.Notification.Icon,
			Badge: cfg.Notification.Badge,
		},
	}
}

// newInstaller 每次调用都构建一个新的 worker 版本并交给注册安装。
func newInstaller(reg *worker.Registration, base worker.Config, opts worker.Options) routes.Installer {
	return func(ctx context.Context) (string, error) {
		w, err := worker.New(base, opts)
		if err != nil {
			return "", err
		}
		if err := reg.Install(ctx, w.Version(), w); err != nil {
			return "", err
		}
		return w.Version(), nil
	}
}
