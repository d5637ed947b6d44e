package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/sirupsen/logrus"

	"github.com/pulson/pulson-offline/internal/cache"
	"github.com/pulson/pulson-offline/internal/server"
	"github.com/pulson/pulson-offline/internal/worker"
)

// DefaultMaxBody 限制单个回源响应读入内存的大小。
const DefaultMaxBody int64 = 32 << 20

// ErrBodyTooLarge 表示回源响应超过 DefaultMaxBody。
var ErrBodyTooLarge = errors.New("upstream response too large")

// NetworkFetcher 把页面 origin（scope）下的请求改写到真实源站并读回完整响应。
// 跨 origin 的请求按原 URL 直接发出。
type NetworkFetcher struct {
	client  *http.Client
	origin  *url.URL
	scope   *url.URL
	logger  *logrus.Logger
	maxBody int64
}

var _ worker.Fetcher = (*NetworkFetcher)(nil)

// NewNetworkFetcher 使用共享 http.Client 构建回源器。
func NewNetworkFetcher(client *http.Client, origin, scope *url.URL, logger *logrus.Logger) (*NetworkFetcher, error) {
	if client == nil {
		return nil, errors.New("http client is required")
	}
	if origin == nil || origin.Host == "" {
		return nil, errors.New("origin is required")
	}
	if scope == nil || scope.Host == "" {
		return nil, errors.New("scope is required")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &NetworkFetcher{
		client:  client,
		origin:  origin,
		scope:   scope,
		logger:  logger,
		maxBody: DefaultMaxBody,
	}, nil
}

// Fetch 执行一次回源。只有传输层失败才返回 error；任何 HTTP 状态码都视为有效响应。
func (f *NetworkFetcher) Fetch(ctx context.Context, req *worker.Request) (*cache.Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	inScope := worker.SameOrigin(req.URL, f.scope)
	target := req.URL
	if inScope {
		target = rebase(req.URL, f.origin)
	}

	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return nil, err
	}
	server.CopyHeaders(httpReq.Header, req.Header)
	httpReq.Header.Del("Accept-Encoding")
	httpReq.Host = target.Host
	if inScope {
		httpReq.Header.Set("X-Forwarded-Host", f.scope.Host)
		httpReq.Header.Set("X-Forwarded-Proto", f.scope.Scheme)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", target, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", target, err)
	}
	if int64(len(data)) > f.maxBody {
		return nil, fmt.Errorf("%w: %s", ErrBodyTooLarge, target)
	}

	header := http.Header{}
	server.CopyHeaders(header, resp.Header)
	header.Del("Content-Length")

	final := target
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL
	}
	out := &cache.Response{
		Status:     resp.StatusCode,
		StatusText: http.StatusText(resp.StatusCode),
		Header:     header,
		Body:       data,
		Type:       cache.ResponseTypeCORS,
		URL:        final.String(),
	}
	if inScope && worker.SameOrigin(final, f.origin) {
		out.Type = cache.ResponseTypeBasic
		out.URL = rebase(final, f.scope).String()
	}

	f.logger.WithFields(logrus.Fields{
		"action": "network_fetch",
		"url":    target.String(),
		"status": resp.StatusCode,
		"type":   string(out.Type),
	}).Debug("upstream_response")
	return out, nil
}

// rebase 保留路径与查询，把 scheme/host 替换为 base 的值。
func rebase(u, base *url.URL) *url.URL {
	out := *u
	out.Scheme = base.Scheme
	out.Host = base.Host
	out.User = nil
	out.Fragment = ""
	return &out
}
