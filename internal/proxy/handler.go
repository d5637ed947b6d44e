package proxy

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/pulson/pulson-offline/internal/cache"
	"github.com/pulson/pulson-offline/internal/logging"
	"github.com/pulson/pulson-offline/internal/metrics"
	"github.com/pulson/pulson-offline/internal/server"
	"github.com/pulson/pulson-offline/internal/worker"
)

// HeaderCache 标记响应来源：hit、miss、network、fallback 或 bypass。
const HeaderCache = "X-Pulson-Cache"

// CacheBypass 表示请求未被 worker 拦截，直接回源。
const CacheBypass = "bypass"

// Dispatcher 是 fetch 网关依赖的注册能力。
type Dispatcher interface {
	DispatchFetch(ctx context.Context, req *worker.Request) (*worker.FetchResult, error)
	ActiveID() string
}

// Handler 把页面请求转换为 worker fetch 事件，并把结果写回 Fiber 响应。
type Handler struct {
	dispatcher Dispatcher
	network    worker.Fetcher
	scope      *url.URL
	logger     *logrus.Logger
	metrics    *metrics.Metrics
}

var _ server.ProxyHandler = (*Handler)(nil)

// NewHandler constructs the fetch gateway. network serves requests the worker
// does not intercept.
func NewHandler(dispatcher Dispatcher, network worker.Fetcher, scope *url.URL, logger *logrus.Logger, m *metrics.Metrics) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{
		dispatcher: dispatcher,
		network:    network,
		scope:      scope,
		logger:     logger,
		metrics:    m,
	}
}

// Handle 执行 fetch 事件分发；handler 内部 panic 会被转换为 500 JSON 响应。
func (h *Handler) Handle(c fiber.Ctx) (err error) {
	started := time.Now()
	requestID := server.RequestID(c)
	defer func() {
		if r := recover(); r != nil {
			err = h.respondPanic(c, r, requestID)
		}
	}()

	req, err := h.buildRequest(c)
	if err != nil {
		h.logResult(c, nil, "", requestID, fiber.StatusBadRequest, started, err)
		return h.writeError(c, fiber.StatusBadRequest, "invalid_request", requestID)
	}

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	result, err := h.dispatcher.DispatchFetch(ctx, req)
	if err != nil {
		h.logResult(c, req, string(worker.SourceStored), requestID, fiber.StatusBadGateway, started, err)
		c.Set(HeaderCache, string(worker.SourceStored))
		return h.writeError(c, fiber.StatusBadGateway, "network_error", requestID)
	}
	if result == nil || result.Response == nil {
		return h.passThrough(ctx, c, req, requestID, started)
	}
	return h.writeResponse(c, req, result.Response, string(result.Source), requestID, started)
}

func (h *Handler) passThrough(ctx context.Context, c fiber.Ctx, req *worker.Request, requestID string, started time.Time) error {
	if h.network == nil {
		return h.writeError(c, fiber.StatusBadGateway, "network_error", requestID)
	}
	resp, err := h.network.Fetch(ctx, req)
	if err != nil {
		h.logResult(c, req, CacheBypass, requestID, fiber.StatusBadGateway, started, err)
		c.Set(HeaderCache, CacheBypass)
		return h.writeError(c, fiber.StatusBadGateway, "network_error", requestID)
	}
	h.metrics.ObserveFetch(CacheBypass, string(worker.SourceNetwork))
	return h.writeResponse(c, req, resp, CacheBypass, requestID, started)
}

func (h *Handler) buildRequest(c fiber.Ctx) (*worker.Request, error) {
	ref, err := url.Parse(c.OriginalURL())
	if err != nil {
		return nil, err
	}
	target := h.scope.ResolveReference(ref)

	header := server.HeadersAsHTTP(c)
	if ip := c.IP(); ip != "" {
		if prior := header.Get("X-Forwarded-For"); prior != "" {
			header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			header.Set("X-Forwarded-For", ip)
		}
	}

	req, err := worker.NewRequest(c.Method(), target.String(), header)
	if err != nil {
		return nil, err
	}
	if body := c.Body(); len(body) > 0 {
		req.Body = append([]byte(nil), body...)
	}
	req.ClientID = server.ClientID(c)
	return req, nil
}

func (h *Handler) writeResponse(c fiber.Ctx, req *worker.Request, resp *cache.Response, source, requestID string, started time.Time) error {
	for key, values := range resp.Header {
		if server.IsHopByHopHeader(key) || strings.EqualFold(key, fiber.HeaderContentLength) {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
	c.Set(HeaderCache, source)
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.Status)
	h.logResult(c, req, source, requestID, resp.Status, started, nil)

	if c.Method() == http.MethodHead {
		return nil
	}
	return c.Send(resp.Body)
}

func (h *Handler) writeError(c fiber.Ctx, status int, code, requestID string) error {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) respondPanic(c fiber.Ctx, recovered interface{}, requestID string) error {
	fields := logging.RequestFields(c.Method(), c.Path(), server.ClientID(c), h.dispatcher.ActiveID(), "")
	fields["action"] = "fetch"
	fields["request_id"] = requestID
	h.logger.WithFields(fields).Error(fmt.Sprintf("fetch_handler_panic: %v", recovered))
	return h.writeError(c, fiber.StatusInternalServerError, "fetch_handler_panic", requestID)
}

func (h *Handler) logResult(c fiber.Ctx, req *worker.Request, source, requestID string, status int, started time.Time, err error) {
	fields := logging.RequestFields(c.Method(), c.Path(), server.ClientID(c), h.dispatcher.ActiveID(), source)
	fields["action"] = "fetch"
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if req != nil {
		fields["destination"] = string(req.Destination)
	}
	if err != nil {
		h.logger.WithError(err).WithFields(fields).Warn("fetch_failed")
		return
	}
	h.logger.WithFields(fields).Info("fetch_served")
}
