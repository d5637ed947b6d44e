package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/pulson/pulson-offline/internal/cache"
)

// ErrNetworkUnavailable 表示网络失败且所有缓存回退均未命中。
var ErrNetworkUnavailable = errors.New("network unavailable and no cached fallback")

// OnFetch 按请求类型选择策略：文档走 network-first，其余走 cache-first。
// 跨 origin 请求返回 (nil, nil)，由宿主原样放行。
func (w *Worker) OnFetch(ev *FetchEvent) (*FetchResult, error) {
	req := ev.Request
	if req == nil || !SameOrigin(req.URL, w.cfg.Scope) {
		return nil, nil
	}

	var (
		result *FetchResult
		err    error
	)
	switch {
	case !req.IsGet():
		result, err = w.networkOnly(ev)
	case req.Destination == DestinationDocument:
		result, err = w.networkFirst(ev)
	default:
		result, err = w.cacheFirst(ev)
	}
	if result != nil {
		w.metrics.ObserveFetch(result.Strategy, string(result.Source))
	}
	return result, err
}

// networkFirst 在线时总是取最新文档，并在响应后把副本写入 runtime 缓存；
// 离线时依次回退：精确匹配 → 根 URL → 离线占位页。
func (w *Worker) networkFirst(ev *FetchEvent) (*FetchResult, error) {
	req := ev.Request
	resp, err := w.fetcher.Fetch(ev.Context(), req)
	if err == nil {
		w.putRuntime(ev, req.Key(), resp.Clone())
		return &FetchResult{Response: resp, Source: SourceNetwork, Strategy: strategyNetworkFirst}, nil
	}

	fields := w.fields("fetch")
	fields["url"] = req.URL.String()
	w.logger.WithError(err).WithFields(fields).Warn("document_network_failed")

	fallback, ferr := w.documentFallback(ev.Context(), req.Key())
	if ferr != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNetworkUnavailable, req.URL, err)
	}
	return &FetchResult{Response: fallback, Source: SourceFallback, Strategy: strategyNetworkFirst}, nil
}

func (w *Worker) documentFallback(ctx context.Context, key string) (*cache.Response, error) {
	var candidates []string
	if key != "" {
		candidates = append(candidates, key)
	}
	for _, ref := range []string{w.cfg.RootURL, w.cfg.OfflinePage} {
		u, err := w.resolve(ref)
		if err != nil {
			continue
		}
		candidates = append(candidates, cache.Key(u.String()))
	}
	for _, candidate := range candidates {
		resp, err := w.storage.Match(ctx, candidate)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, cache.ErrNotFound) {
			w.logger.WithError(err).WithFields(w.fields("fetch")).Warn("cache_match_failed")
		}
	}
	return nil, cache.ErrNotFound
}

// cacheFirst 命中即返回；未命中时回源，仅缓存 200 且同源（basic）的响应。
func (w *Worker) cacheFirst(ev *FetchEvent) (*FetchResult, error) {
	req := ev.Request
	cached, err := w.storage.Match(ev.Context(), req.Key())
	switch {
	case err == nil:
		return &FetchResult{Response: cached, Source: SourceCacheHit, Strategy: strategyCacheFirst}, nil
	case errors.Is(err, cache.ErrNotFound):
	default:
		w.logger.WithError(err).WithFields(w.fields("fetch")).Warn("cache_match_failed")
	}

	resp, err := w.fetcher.Fetch(ev.Context(), req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNetworkUnavailable, req.URL, err)
	}
	if !cacheable(resp) {
		return &FetchResult{Response: resp, Source: SourceNetwork, Strategy: strategyCacheFirst}, nil
	}
	w.putRuntime(ev, req.Key(), resp.Clone())
	return &FetchResult{Response: resp, Source: SourceStored, Strategy: strategyCacheFirst}, nil
}

// networkOnly 处理非 GET 请求：不读也不写缓存，文档请求离线时仍走回退页面。
func (w *Worker) networkOnly(ev *FetchEvent) (*FetchResult, error) {
	req := ev.Request
	resp, err := w.fetcher.Fetch(ev.Context(), req)
	if err == nil {
		return &FetchResult{Response: resp, Source: SourceNetwork, Strategy: strategyNetworkOnly}, nil
	}
	if req.Destination != DestinationDocument {
		return nil, fmt.Errorf("%w: %s: %v", ErrNetworkUnavailable, req.URL, err)
	}
	fallback, ferr := w.documentFallback(ev.Context(), "")
	if ferr != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNetworkUnavailable, req.URL, err)
	}
	return &FetchResult{Response: fallback, Source: SourceFallback, Strategy: strategyNetworkOnly}, nil
}

// putRuntime 在响应返回之后写缓存，写入计入事件生命周期。
func (w *Worker) putRuntime(ev *FetchEvent, key string, resp *cache.Response) {
	ev.WaitUntil(func(ctx context.Context) error {
		runtime, err := w.storage.Open(ctx, w.cfg.RuntimeCacheName)
		if err != nil {
			return fmt.Errorf("open runtime cache: %w", err)
		}
		if err := runtime.Put(ctx, key, resp); err != nil {
			fields := w.fields("fetch")
			fields["url"] = key
			w.logger.WithError(err).WithFields(fields).Warn("runtime_cache_put_failed")
			return fmt.Errorf("put %s: %w", key, err)
		}
		return nil
	})
}

func cacheable(resp *cache.Response) bool {
	return resp != nil && resp.Status == http.StatusOK && resp.Type == cache.ResponseTypeBasic
}
