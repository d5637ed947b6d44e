package worker

import (
	"context"
	"time"

	"github.com/pulson/pulson-offline/internal/cache"
)

// Hooks 是宿主向 worker 分发事件的完整集合，每个事件一个方法。
//
// 约定：
//   - OnInstall 返回错误或挂起任务失败时，安装失败，旧版本继续控制页面。
//   - OnActivate 的错误只记录，不阻止版本成为控制者。
//   - OnFetch 返回 (nil, nil) 表示不拦截，宿主直接走网络；返回错误表示所有
//     回退路径都未命中，宿主向页面呈现网络错误。
//   - 其余钩子的错误只影响事件本身，不向页面传播。
type Hooks interface {
	OnInstall(ev *InstallEvent) error
	OnActivate(ev *ActivateEvent) error
	OnFetch(ev *FetchEvent) (*FetchResult, error)
	OnPush(ev *PushEvent) error
	OnNotificationClick(ev *NotificationClickEvent) error
	OnMessage(ev *MessageEvent) error
	OnSync(ev *SyncEvent) error
}

// Source 描述拦截响应来自何处，用于响应头与指标。
type Source string

const (
	SourceCacheHit Source = "hit"
	SourceNetwork  Source = "network"
	SourceStored   Source = "miss"
	SourceFallback Source = "fallback"
)

// FetchResult 是拦截结果。
type FetchResult struct {
	Response *cache.Response
	Source   Source
	Strategy string
}

// Fetcher 执行真实网络请求。传输层失败（离线、连接被拒）必须返回 error，
// 任意 HTTP 状态码都视为网络成功。
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*cache.Response, error)
}

// NotificationAction 是通知上的按钮。
type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

// Notification 描述一条系统通知。
type Notification struct {
	ID      string               `json:"id"`
	Title   string               `json:"title"`
	Body    string               `json:"body"`
	Icon    string               `json:"icon,omitempty"`
	Badge   string               `json:"badge,omitempty"`
	Vibrate []int                `json:"vibrate,omitempty"`
	Data    map[string]any       `json:"data,omitempty"`
	Actions []NotificationAction `json:"actions,omitempty"`
	ShownAt time.Time            `json:"shown_at"`
}

// Notifier 负责展示与关闭通知。
type Notifier interface {
	Show(ctx context.Context, n Notification) (string, error)
	Close(ctx context.Context, id string) error
}

// Clients 对应 self.clients。
type Clients interface {
	// Claim 让所有已打开页面立即受 version 控制。
	Claim(ctx context.Context, version string) error
	// OpenWindow 打开或聚焦一个指向 url 的页面。
	OpenWindow(ctx context.Context, url string) error
}

const (
	// ActionExplore 打开应用。
	ActionExplore = "explore"
	// ActionClose 仅关闭通知。
	ActionClose = "close"
	// MessageSkipWaiting 是唯一识别的控制消息类型。
	MessageSkipWaiting = "SKIP_WAITING"
	// SyncTagBackground 是唯一识别的后台同步 tag。
	SyncTagBackground = "background-sync"
)
