// Package notify 保存 worker 展示过的通知，并可选地通过 shoutrrr 转发到外部渠道。
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nicholas-fedor/shoutrrr"
	"github.com/nicholas-fedor/shoutrrr/pkg/types"
	"github.com/sirupsen/logrus"

	"github.com/pulson/pulson-offline/internal/worker"
)

// ErrNotFound 表示通知不存在或已关闭。
var ErrNotFound = errors.New("notification not found")

// Sender 抽象 shoutrrr 的 ServiceRouter。
type Sender interface {
	Send(message string, params *types.Params) []error
}

// Record 是一条通知及其生命周期时间。
type Record struct {
	worker.Notification
	ClosedAt *time.Time `json:"closed_at,omitempty"`
}

// Center 实现 worker.Notifier。
type Center struct {
	logger *logrus.Logger
	relay  Sender

	mu    sync.RWMutex
	items map[string]*Record
	order []string
	limit int
}

var _ worker.Notifier = (*Center)(nil)

// DefaultLimit 是保留的历史通知条数上限。
const DefaultLimit = 200

// NewCenter 创建通知中心；relayURLs 非空时构建 shoutrrr 转发器。
func NewCenter(logger *logrus.Logger, relayURLs []string) (*Center, error) {
	var relay Sender
	urls := compact(relayURLs)
	if len(urls) > 0 {
		router, err := shoutrrr.CreateSender(urls...)
		if err != nil {
			return nil, fmt.Errorf("create notification relay: %w", err)
		}
		relay = router
	}
	return NewCenterWithSender(logger, relay), nil
}

// NewCenterWithSender 使用现成的 Sender；relay 为 nil 时不转发。
func NewCenterWithSender(logger *logrus.Logger, relay Sender) *Center {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Center{
		logger: logger,
		relay:  relay,
		items:  make(map[string]*Record),
		limit:  DefaultLimit,
	}
}

// Show 记录通知并返回其 ID。转发失败只记录日志。
func (c *Center) Show(ctx context.Context, n worker.Notification) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(n.Title) == "" {
		return "", errors.New("notification title required")
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.ShownAt.IsZero() {
		n.ShownAt = time.Now().UTC()
	}

	c.mu.Lock()
	if _, exists := c.items[n.ID]; !exists {
		c.order = append(c.order, n.ID)
	}
	c.items[n.ID] = &Record{Notification: n}
	c.evictLocked()
	c.mu.Unlock()

	c.forward(n)
	return n.ID, nil
}

func (c *Center) forward(n worker.Notification) {
	if c.relay == nil {
		return
	}
	params := types.Params{"title": n.Title}
	errs := c.relay.Send(n.Body, &params)
	var failed []string
	for _, err := range errs {
		if err != nil {
			failed = append(failed, err.Error())
		}
	}
	fields := logrus.Fields{"action": "notify", "notification_id": n.ID}
	if len(failed) > 0 {
		fields["errors"] = failed
		c.logger.WithFields(fields).Warn("notification_relay_failed")
		return
	}
	c.logger.WithFields(fields).Debug("notification_relayed")
}

// Close 关闭通知；重复关闭视为成功。
func (c *Center) Close(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.items[id]
	if !ok {
		return ErrNotFound
	}
	if rec.ClosedAt == nil {
		now := time.Now().UTC()
		rec.ClosedAt = &now
	}
	return nil
}

// Get 返回单条通知副本。
func (c *Center) Get(id string) (Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.items[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// List 按展示顺序返回通知；openOnly 时过滤已关闭的。
func (c *Center) List(openOnly bool) []Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Record, 0, len(c.order))
	for _, id := range c.order {
		rec := c.items[id]
		if openOnly && rec.ClosedAt != nil {
			continue
		}
		out = append(out, *rec)
	}
	return out
}

// evictLocked 超过上限时优先丢弃最旧的已关闭通知，其次是最旧的通知。
func (c *Center) evictLocked() {
	for len(c.order) > c.limit {
		victim := 0
		for i, id := range c.order {
			if c.items[id].ClosedAt != nil {
				victim = i
				break
			}
		}
		id := c.order[victim]
		delete(c.items, id)
		c.order = append(c.order[:victim], c.order[victim+1:]...)
	}
}

func compact(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
