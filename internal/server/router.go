package server

import (
	"errors"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pulson/pulson-offline/internal/clients"
	"github.com/pulson/pulson-offline/internal/worker"
)

// ProxyHandler describes the component that answers intercepted page requests.
// It allows injecting fake handlers during tests.
type ProxyHandler interface {
	Handle(fiber.Ctx) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx) error {
	return f(c)
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger  *logrus.Logger
	Proxy   ProxyHandler
	Clients *clients.Registry
	// PublicOrigin is the origin pages are served from; used to record client URLs.
	PublicOrigin string
	SecureCookie bool
}

// ClientCookieName carries the page identifier between requests.
const ClientCookieName = "pulson_client"

const (
	contextKeyRequestID = "_pulson_request_id"
	contextKeyClientID  = "_pulson_client_id"
)

// NewApp builds a Fiber application with request/client ID middleware and
// structured error handling.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts))

	app.All("/*", func(c fiber.Ctx) error {
		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}
		return opts.Proxy.Handle(c)
	})

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID，并通过 Cookie 识别页面、刷新登记表。
func requestContextMiddleware(opts AppOptions) fiber.Handler {
	publicOrigin, _ := url.Parse(strings.TrimRight(opts.PublicOrigin, "/"))
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		clientID := strings.TrimSpace(c.Cookies(ClientCookieName))
		if clientID == "" {
			clientID = clients.NewID()
			c.Cookie(&fiber.Cookie{
				Name:     ClientCookieName,
				Value:    clientID,
				Path:     "/",
				HTTPOnly: true,
				Secure:   opts.SecureCookie,
				SameSite: fiber.CookieSameSiteLaxMode,
			})
		}
		c.Locals(contextKeyClientID, clientID)

		if opts.Clients != nil && !isDiagnosticsPath(string(c.Request().URI().Path())) {
			pageURL := ""
			if worker.DetectDestination(c.Method(), HeadersAsHTTP(c)) == worker.DestinationDocument {
				pageURL = resolvePageURL(publicOrigin, c.OriginalURL())
			}
			opts.Clients.Touch(clientID, pageURL)
		}
		return c.Next()
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

// ClientID returns the page identifier resolved from the client cookie.
func ClientID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyClientID); value != nil {
		if id, ok := value.(string); ok {
			return id
		}
	}
	return ""
}

// resolvePageURL 把请求目标（origin-form 或 absolute-form）换到 origin 下，保留路径与查询。
func resolvePageURL(origin *url.URL, target string) string {
	if origin == nil || origin.Host == "" {
		return ""
	}
	ref, err := url.Parse(target)
	if err != nil {
		return ""
	}
	page := url.URL{
		Scheme:   origin.Scheme,
		Host:     origin.Host,
		Path:     ref.Path,
		RawPath:  ref.RawPath,
		RawQuery: ref.RawQuery,
	}
	if page.Path == "" {
		page.Path = "/"
	}
	return page.String()
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
