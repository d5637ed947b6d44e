package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/pulson/pulson-offline/internal/cache"
)

// ErrInstallFailed 包装安装阶段的任何失败。
var ErrInstallFailed = errors.New("worker install failed")

// OnInstall 打开 precache 缓存代并原子写入整个 manifest，成功后请求 skip waiting。
func (w *Worker) OnInstall(ev *InstallEvent) error {
	w.logger.WithFields(w.fields("install")).Info("worker_installing")
	ev.WaitUntil(func(ctx context.Context) error {
		precache, err := w.storage.Open(ctx, w.cfg.PrecacheName)
		if err != nil {
			return fmt.Errorf("%w: open %s: %v", ErrInstallFailed, w.cfg.PrecacheName, err)
		}
		count, err := w.addAll(ctx, precache, w.cfg.Manifest)
		if err != nil {
			return err
		}
		w.metrics.AddPrecached(count)
		fields := w.fields("install")
		fields["entries"] = count
		w.logger.WithFields(fields).Info("app_shell_cached")
		ev.SkipWaiting()
		return nil
	})
	return nil
}

// addAll 并发抓取全部 URL，全部成功后一次性写入；任一失败则什么都不写。
func (w *Worker) addAll(ctx context.Context, target cache.Cache, refs []string) (int, error) {
	requests := make([]*Request, len(refs))
	for i, ref := range refs {
		u, err := w.resolve(ref)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInstallFailed, err)
		}
		requests[i] = &Request{Method: http.MethodGet, URL: u, Header: http.Header{}}
	}

	entries := make([]cache.Entry, len(requests))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, req := range requests {
		group.Go(func() error {
			resp, err := w.fetcher.Fetch(groupCtx, req)
			if err != nil {
				return fmt.Errorf("%w: fetch %s: %v", ErrInstallFailed, req.URL, err)
			}
			if !resp.OK() {
				return fmt.Errorf("%w: fetch %s: status %d", ErrInstallFailed, req.URL, resp.Status)
			}
			entries[i] = cache.Entry{Key: req.Key(), Response: resp}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return 0, err
	}
	if err := target.PutAll(ctx, entries); err != nil {
		return 0, fmt.Errorf("%w: store: %v", ErrInstallFailed, err)
	}
	return len(entries), nil
}

// OnActivate 删除既不是当前 precache 也不是 runtime 的缓存代，随后接管所有页面。
// 单个缓存代删除失败不会阻止其他删除，也不会阻止 claim。
func (w *Worker) OnActivate(ev *ActivateEvent) error {
	w.logger.WithFields(w.fields("activate")).Info("worker_activating")
	ev.WaitUntil(func(ctx context.Context) error {
		cleanupErr := w.deleteStaleCaches(ctx)
		if w.clients != nil {
			if err := w.clients.Claim(ctx, w.cfg.PrecacheName); err != nil {
				return multierr.Append(cleanupErr, fmt.Errorf("claim clients: %w", err))
			}
		}
		return cleanupErr
	})
	return nil
}

func (w *Worker) deleteStaleCaches(ctx context.Context) error {
	names, err := w.storage.Keys(ctx)
	if err != nil {
		w.logger.WithError(err).WithFields(w.fields("activate")).Warn("cache_keys_failed")
		return fmt.Errorf("list caches: %w", err)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	for _, name := range names {
		if name == w.cfg.PrecacheName || name == w.cfg.RuntimeCacheName {
			continue
		}
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			fields := w.fields("activate")
			fields["cache"] = name
			if _, err := w.storage.Delete(ctx, name); err != nil {
				w.logger.WithError(err).WithFields(fields).Warn("cache_delete_failed")
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("delete %s: %w", name, err))
				mu.Unlock()
				return
			}
			w.metrics.IncDeleted()
			w.logger.WithFields(fields).Info("old_cache_deleted")
		}(name)
	}
	wg.Wait()
	return errs
}

