package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/pulson/pulson-offline/internal/metrics"
)

// State 对应 ServiceWorker.state。
type State string

const (
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// ErrNoWaiting 表示当前没有待激活的版本。
var ErrNoWaiting = errors.New("no waiting worker")

// Version 是注册中的一个 worker 版本。
type Version struct {
	ID    string
	Hooks Hooks

	state       State
	installedAt time.Time
	activatedAt time.Time
	skipWaiting atomic.Bool
}

// VersionInfo 是 Version 的只读快照。
type VersionInfo struct {
	ID          string     `json:"id"`
	State       State      `json:"state"`
	InstalledAt *time.Time `json:"installed_at,omitempty"`
	ActivatedAt *time.Time `json:"activated_at,omitempty"`
}

// Snapshot 汇总三个槽位，供诊断接口输出。
type Snapshot struct {
	Installing *VersionInfo `json:"installing"`
	Waiting    *VersionInfo `json:"waiting"`
	Active     *VersionInfo `json:"active"`
}

// Registration 持有 installing / waiting / active 三个版本槽位，并负责把宿主事件
// 分发给正确的版本。安装与激活串行执行；fetch 等事件可以并发分发。
type Registration struct {
	logger  *logrus.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	lifecycle sync.Mutex

	mu         sync.RWMutex
	installing *Version
	waiting    *Version
	active     *Version

	inflight sync.WaitGroup
}

// NewRegistration 创建空注册；挂起的 fetch 写缓存任务在 Close 前都会被等待。
func NewRegistration(logger *logrus.Logger, m *metrics.Metrics) *Registration {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registration{
		logger:  logger,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Install 注册新版本并执行 install 事件。失败时新版本作废，旧的 active 版本保持不变。
// 安装成功后若请求了 skip waiting 或当前没有 active 版本，立即激活。
func (r *Registration) Install(ctx context.Context, id string, hooks Hooks) error {
	if hooks == nil {
		return errors.New("worker hooks required")
	}
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	v := &Version{ID: id, Hooks: hooks, state: StateInstalling}
	r.mu.Lock()
	r.installing = v
	r.mu.Unlock()

	ev := &InstallEvent{newExtendableEvent(ctx, ctx, func() { v.skipWaiting.Store(true) })}
	err := hooks.OnInstall(ev)
	err = multierr.Append(err, ev.Wait())
	r.metrics.ObserveEvent("install", err)

	fields := logrus.Fields{"action": "install", "version": id}
	if err != nil {
		r.mu.Lock()
		r.installing = nil
		v.state = StateRedundant
		r.mu.Unlock()
		r.logger.WithError(err).WithFields(fields).Error("worker_install_failed")
		if !errors.Is(err, ErrInstallFailed) {
			err = fmt.Errorf("%w: %v", ErrInstallFailed, err)
		}
		return err
	}

	r.mu.Lock()
	r.installing = nil
	if r.waiting != nil {
		r.waiting.state = StateRedundant
	}
	r.waiting = v
	v.state = StateInstalled
	v.installedAt = time.Now().UTC()
	noActive := r.active == nil
	r.mu.Unlock()
	r.logger.WithFields(fields).Info("worker_installed")

	if v.skipWaiting.Load() || noActive {
		r.activateLocked(ctx, v)
	}
	return nil
}

// Activate 激活等待中的版本。
func (r *Registration) Activate(ctx context.Context) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	r.mu.RLock()
	v := r.waiting
	r.mu.RUnlock()
	if v == nil {
		return ErrNoWaiting
	}
	r.activateLocked(ctx, v)
	return nil
}

// activateLocked 需在持有 lifecycle 锁时调用。activate 事件的失败只记录日志。
func (r *Registration) activateLocked(ctx context.Context, v *Version) {
	r.mu.Lock()
	if r.waiting == v {
		r.waiting = nil
	}
	v.state = StateActivating
	r.mu.Unlock()

	ev := &ActivateEvent{newExtendableEvent(ctx, ctx, nil)}
	err := v.Hooks.OnActivate(ev)
	err = multierr.Append(err, ev.Wait())
	r.metrics.ObserveEvent("activate", err)

	fields := logrus.Fields{"action": "activate", "version": v.ID}
	if err != nil {
		r.logger.WithError(err).WithFields(fields).Warn("worker_activate_incomplete")
	}

	r.mu.Lock()
	prev := r.active
	if prev != nil && prev != v {
		prev.state = StateRedundant
	}
	v.state = StateActivated
	v.activatedAt = time.Now().UTC()
	r.active = v
	r.mu.Unlock()
	r.logger.WithFields(fields).Info("worker_activated")
}

// DispatchFetch 把请求交给 active 版本。没有 active 版本时返回 (nil, nil)。
// 响应立即返回，写缓存等挂起任务在后台完成并计入 Drain。
func (r *Registration) DispatchFetch(ctx context.Context, req *Request) (*FetchResult, error) {
	v := r.current()
	if v == nil {
		return nil, nil
	}
	ev := &FetchEvent{ExtendableEvent: newExtendableEvent(ctx, r.ctx, nil), Request: req}
	result, err := v.Hooks.OnFetch(ev)

	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		if werr := ev.Wait(); werr != nil {
			r.logger.WithError(werr).WithFields(logrus.Fields{
				"action":  "fetch",
				"version": v.ID,
				"url":     req.URL.String(),
			}).Warn("fetch_pending_work_failed")
		}
	}()
	return result, err
}

// DispatchPush 分发推送事件并等待通知展示完成。
func (r *Registration) DispatchPush(ctx context.Context, data []byte) error {
	v := r.current()
	if v == nil {
		return ErrNoActiveWorker
	}
	ev := &PushEvent{ExtendableEvent: newExtendableEvent(ctx, ctx, nil), Data: data}
	return r.finish("push", v, v.Hooks.OnPush(ev), ev.ExtendableEvent)
}

// DispatchNotificationClick 分发通知点击事件。
func (r *Registration) DispatchNotificationClick(ctx context.Context, n Notification, action string) error {
	v := r.current()
	if v == nil {
		return ErrNoActiveWorker
	}
	ev := &NotificationClickEvent{
		ExtendableEvent: newExtendableEvent(ctx, ctx, nil),
		Notification:    n,
		Action:          action,
	}
	return r.finish("notification_click", v, v.Hooks.OnNotificationClick(ev), ev.ExtendableEvent)
}

// DispatchMessage 把控制消息投递给 waiting 版本（不存在时投递给 active 版本）。
// 处理方请求 skip waiting 且目标仍在等待时，立即激活它。
func (r *Registration) DispatchMessage(ctx context.Context, raw json.RawMessage, source string) error {
	r.mu.RLock()
	target := r.waiting
	if target == nil {
		target = r.active
	}
	r.mu.RUnlock()
	if target == nil {
		return ErrNoActiveWorker
	}

	var msg Message
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &msg); err != nil {
			msg = Message{}
		}
	}

	var skip atomic.Bool
	ev := &MessageEvent{
		ExtendableEvent: newExtendableEvent(ctx, ctx, func() { skip.Store(true) }),
		Raw:             raw,
		Data:            msg,
		Source:          source,
	}
	if err := r.finish("message", target, target.Hooks.OnMessage(ev), ev.ExtendableEvent); err != nil {
		return err
	}
	if !skip.Load() {
		return nil
	}

	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	r.mu.RLock()
	stillWaiting := r.waiting == target
	r.mu.RUnlock()
	if stillWaiting {
		r.activateLocked(ctx, target)
	}
	return nil
}

// DispatchSync 分发后台同步事件。
func (r *Registration) DispatchSync(ctx context.Context, tag string) error {
	v := r.current()
	if v == nil {
		return ErrNoActiveWorker
	}
	ev := &SyncEvent{ExtendableEvent: newExtendableEvent(ctx, ctx, nil), Tag: tag}
	return r.finish("sync", v, v.Hooks.OnSync(ev), ev.ExtendableEvent)
}

// ErrNoActiveWorker 表示还没有任何版本被激活。
var ErrNoActiveWorker = errors.New("no active worker")

func (r *Registration) finish(hook string, v *Version, err error, ev *ExtendableEvent) error {
	err = multierr.Append(err, ev.Wait())
	r.metrics.ObserveEvent(hook, err)
	if err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"action":  hook,
			"version": v.ID,
		}).Warn("worker_event_failed")
	}
	return err
}

func (r *Registration) current() *Version {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// ActiveID 返回 active 版本的标识，没有时为空串。
func (r *Registration) ActiveID() string {
	if v := r.current(); v != nil {
		return v.ID
	}
	return ""
}

// Snapshot 返回当前三个槽位的状态。
func (r *Registration) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Snapshot{
		Installing: r.installing.info(),
		Waiting:    r.waiting.info(),
		Active:     r.active.info(),
	}
}

// Drain 等待所有挂起的 fetch 任务完成，或 ctx 结束。
func (r *Registration) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 先 Drain，再取消挂起任务使用的生命周期上下文。
func (r *Registration) Close(ctx context.Context) error {
	err := r.Drain(ctx)
	r.cancel()
	return err
}

func (v *Version) info() *VersionInfo {
	if v == nil {
		return nil
	}
	info := &VersionInfo{ID: v.ID, State: v.state}
	if !v.installedAt.IsZero() {
		t := v.installedAt
		info.InstalledAt = &t
	}
	if !v.activatedAt.IsZero() {
		t := v.activatedAt
		info.ActivatedAt = &t
	}
	return info
}
