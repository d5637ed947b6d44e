package worker

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/multierr"
)

// ExtendableEvent 追踪事件处理过程中发起的所有异步工作。处理函数返回并不代表
// 事件完成，只有 WaitUntil 登记的全部任务结束后 Wait 才会返回。
type ExtendableEvent struct {
	ctx      context.Context
	lifetime context.Context
	skip     func()

	wg  sync.WaitGroup
	mu  sync.Mutex
	err error
}

func newExtendableEvent(ctx, lifetime context.Context, skip func()) *ExtendableEvent {
	if ctx == nil {
		ctx = context.Background()
	}
	if lifetime == nil {
		lifetime = ctx
	}
	return &ExtendableEvent{ctx: ctx, lifetime: lifetime, skip: skip}
}

// Context 是主响应路径使用的上下文。
func (e *ExtendableEvent) Context() context.Context {
	return e.ctx
}

// WaitUntil 在独立 goroutine 中执行 fn 并把它计入事件生命周期。
// fn 收到的是事件生命周期上下文，不随发起请求的连接关闭而取消。
func (e *ExtendableEvent) WaitUntil(fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := fn(e.lifetime); err != nil {
			e.mu.Lock()
			e.err = multierr.Append(e.err, err)
			e.mu.Unlock()
		}
	}()
}

// Wait 阻塞至全部挂起任务完成，返回合并后的错误。
func (e *ExtendableEvent) Wait() error {
	e.wg.Wait()
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// SkipWaiting 请求宿主立即激活当前版本，不等待旧页面关闭。
func (e *ExtendableEvent) SkipWaiting() {
	if e.skip != nil {
		e.skip()
	}
}

// InstallEvent 在新版本首次注册时分发。
type InstallEvent struct {
	*ExtendableEvent
}

// ActivateEvent 在版本成为控制者时分发。
type ActivateEvent struct {
	*ExtendableEvent
}

// FetchEvent 对应一次页面发出的请求。
type FetchEvent struct {
	*ExtendableEvent
	Request *Request
}

// PushEvent 携带可选的推送正文。
type PushEvent struct {
	*ExtendableEvent
	Data []byte
}

// HasData 区分空正文与未携带正文。
func (e *PushEvent) HasData() bool {
	return e.Data != nil
}

// Text 以 UTF-8 文本返回推送正文。
func (e *PushEvent) Text() string {
	return string(e.Data)
}

// NotificationClickEvent 由用户点击通知或其按钮触发。
type NotificationClickEvent struct {
	*ExtendableEvent
	Notification Notification
	Action       string
}

// Message 是页面发往 worker 的控制消息。
type Message struct {
	Type string `json:"type"`
}

// MessageEvent 携带原始消息与解析后的控制字段。
type MessageEvent struct {
	*ExtendableEvent
	Raw    json.RawMessage
	Data   Message
	Source string
}

// SyncEvent 对应 background sync 注册的 tag。
type SyncEvent struct {
	*ExtendableEvent
	Tag string
}
