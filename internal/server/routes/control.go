package routes

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/pulson/pulson-offline/internal/cache"
	"github.com/pulson/pulson-offline/internal/clients"
	"github.com/pulson/pulson-offline/internal/metrics"
	"github.com/pulson/pulson-offline/internal/notify"
	"github.com/pulson/pulson-offline/internal/server"
	"github.com/pulson/pulson-offline/internal/worker"
)

// Installer 构建并安装一个新的 worker 版本，返回版本标识。
type Installer func(ctx context.Context) (string, error)

// Deps 汇总控制接口依赖的组件。
type Deps struct {
	Registration  *worker.Registration
	Installer     Installer
	Storage       cache.Storage
	Notifications *notify.Center
	Clients       *clients.Registry
	Metrics       *metrics.Metrics
	Logger        *logrus.Logger
}

// RegisterControlRoutes 暴露 /-/sw 生命周期控制接口与 /-/ 诊断接口，
// 用于模拟宿主事件（推送、消息、同步）并观察缓存与客户端状态。
func RegisterControlRoutes(app *fiber.App, deps Deps) {
	if app == nil || deps.Registration == nil {
		return
	}
	logger := deps.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	reg := deps.Registration

	app.Post("/-/sw/install", func(c fiber.Ctx) error {
		if deps.Installer == nil {
			return c.Status(fiber.StatusNotImplemented).JSON(fiber.Map{"error": "installer_unavailable"})
		}
		id, err := deps.Installer(c.Context())
		if err != nil {
			logger.WithError(err).WithField("action", "install").Warn("control_install_failed")
			if errors.Is(err, worker.ErrInstallFailed) {
				return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "install_failed", "detail": err.Error()})
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "install_error", "detail": err.Error()})
		}
		return c.JSON(fiber.Map{"version": id, "registration": reg.Snapshot()})
	})

	app.Post("/-/sw/activate", func(c fiber.Ctx) error {
		if err := reg.Activate(c.Context()); err != nil {
			if errors.Is(err, worker.ErrNoWaiting) {
				return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "no_waiting_worker"})
			}
			return eventError(c, err)
		}
		return c.JSON(fiber.Map{"registration": reg.Snapshot()})
	})

	app.Post("/-/sw/message", func(c fiber.Ctx) error {
		raw := json.RawMessage(copyBody(c))
		if err := reg.DispatchMessage(c.Context(), raw, server.ClientID(c)); err != nil {
			return eventError(c, err)
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"registration": reg.Snapshot()})
	})

	app.Post("/-/sw/push", func(c fiber.Ctx) error {
		if err := reg.DispatchPush(c.Context(), copyBody(c)); err != nil {
			return eventError(c, err)
		}
		return c.SendStatus(fiber.StatusAccepted)
	})

	app.Post("/-/sw/notification-click", func(c fiber.Ctx) error {
		var payload struct {
			ID     string `json:"id"`
			Action string `json:"action"`
		}
		if err := json.Unmarshal(c.Body(), &payload); err != nil || strings.TrimSpace(payload.ID) == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "notification_id_required"})
		}
		if deps.Notifications == nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "notification_not_found"})
		}
		rec, ok := deps.Notifications.Get(payload.ID)
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "notification_not_found"})
		}
		if err := reg.DispatchNotificationClick(c.Context(), rec.Notification, payload.Action); err != nil {
			return eventError(c, err)
		}
		return c.SendStatus(fiber.StatusAccepted)
	})

	app.Post("/-/sw/sync", func(c fiber.Ctx) error {
		var payload struct {
			Tag string `json:"tag"`
		}
		if body := c.Body(); len(body) > 0 {
			if err := json.Unmarshal(body, &payload); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_sync_payload"})
			}
		}
		if payload.Tag == "" {
			payload.Tag = worker.SyncTagBackground
		}
		if err := reg.DispatchSync(c.Context(), payload.Tag); err != nil {
			return eventError(c, err)
		}
		return c.SendStatus(fiber.StatusAccepted)
	})

	app.Get("/-/sw/status", func(c fiber.Ctx) error {
		payload := fiber.Map{"registration": reg.Snapshot()}
		if deps.Clients != nil {
			payload["controller"] = deps.Clients.Controller()
		}
		return c.JSON(payload)
	})

	app.Get("/-/caches", func(c fiber.Ctx) error {
		if deps.Storage == nil {
			return c.JSON(fiber.Map{"caches": []cachePayload{}})
		}
		listing, err := listCaches(c.Context(), deps.Storage)
		if err != nil {
			logger.WithError(err).WithField("action", "list_caches").Warn("control_list_caches_failed")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_unavailable"})
		}
		return c.JSON(fiber.Map{"caches": listing})
	})

	app.Get("/-/notifications", func(c fiber.Ctx) error {
		if deps.Notifications == nil {
			return c.JSON(fiber.Map{"notifications": []notify.Record{}})
		}
		openOnly, _ := strconv.ParseBool(c.Query("open", "false"))
		return c.JSON(fiber.Map{"notifications": deps.Notifications.List(openOnly)})
	})

	app.Get("/-/clients", func(c fiber.Ctx) error {
		if deps.Clients == nil {
			return c.JSON(fiber.Map{"clients": []clients.Client{}, "pending_windows": []clients.Window{}})
		}
		return c.JSON(fiber.Map{
			"clients":         deps.Clients.List(),
			"controller":      deps.Clients.Controller(),
			"pending_windows": deps.Clients.Windows(),
		})
	})

	if deps.Metrics != nil {
		app.Get("/-/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(deps.Metrics.Registry(), promhttp.HandlerOpts{})))
	}
}

type cachePayload struct {
	Name string   `json:"name"`
	Keys []string `json:"keys"`
}

func listCaches(ctx context.Context, storage cache.Storage) ([]cachePayload, error) {
	names, err := storage.Keys(ctx)
	if err != nil {
		return nil, err
	}
	result := make([]cachePayload, 0, len(names))
	for _, name := range names {
		handle, err := storage.Open(ctx, name)
		if err != nil {
			return nil, err
		}
		keys, err := handle.Keys(ctx)
		if err != nil {
			return nil, err
		}
		if keys == nil {
			keys = []string{}
		}
		result = append(result, cachePayload{Name: name, Keys: keys})
	}
	return result, nil
}

func eventError(c fiber.Ctx, err error) error {
	if errors.Is(err, worker.ErrNoActiveWorker) {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "no_active_worker"})
	}
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "event_failed", "detail": err.Error()})
}

// copyBody 复制请求体；fasthttp 会在请求结束后复用底层缓冲区。
func copyBody(c fiber.Ctx) []byte {
	body := c.Body()
	if len(body) == 0 {
		return nil
	}
	return append([]byte(nil), body...)
}
