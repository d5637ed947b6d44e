package worker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// OnPush 把推送正文（缺省时使用默认文案）渲染为带 explore/close 两个按钮的通知。
func (w *Worker) OnPush(ev *PushEvent) error {
	if w.notifier == nil {
		return errors.New("notifier unavailable")
	}
	body := w.cfg.Notification.Body
	if ev.HasData() {
		body = ev.Text()
	}
	n := w.buildNotification(body)
	ev.WaitUntil(func(ctx context.Context) error {
		id, err := w.notifier.Show(ctx, n)
		if err != nil {
			return fmt.Errorf("show notification: %w", err)
		}
		fields := w.fields("push")
		fields["notification_id"] = id
		w.logger.WithFields(fields).Info("notification_shown")
		return nil
	})
	return nil
}

func (w *Worker) buildNotification(body string) Notification {
	cfg := w.cfg.Notification
	return Notification{
		Title:   cfg.Title,
		Body:    body,
		Icon:    cfg.Icon,
		Badge:   cfg.Badge,
		Vibrate: append([]int(nil), cfg.Vibrate...),
		Data: map[string]any{
			"dateOfArrival": time.Now().UnixMilli(),
			"primaryKey":    notificationPrimaryKey,
		},
		Actions: []NotificationAction{
			{Action: ActionExplore, Title: cfg.ExploreText, Icon: cfg.Icon},
			{Action: ActionClose, Title: cfg.CloseText, Icon: cfg.Icon},
		},
	}
}

// OnNotificationClick 总是先关闭通知；close 只关闭，explore 与其他动作都打开根 URL。
func (w *Worker) OnNotificationClick(ev *NotificationClickEvent) error {
	if w.notifier != nil && ev.Notification.ID != "" {
		if err := w.notifier.Close(ev.Context(), ev.Notification.ID); err != nil {
			w.logger.WithError(err).WithFields(w.fields("notification_click")).Warn("notification_close_failed")
		}
	}
	if ev.Action == ActionClose {
		return nil
	}
	if w.clients == nil {
		return errors.New("clients unavailable")
	}
	target, err := w.resolve(w.cfg.RootURL)
	if err != nil {
		return err
	}
	ev.WaitUntil(func(ctx context.Context) error {
		if err := w.clients.OpenWindow(ctx, target.String()); err != nil {
			return fmt.Errorf("open window: %w", err)
		}
		return nil
	})
	return nil
}

// OnMessage 只识别 SKIP_WAITING，其余消息忽略。
func (w *Worker) OnMessage(ev *MessageEvent) error {
	if ev.Data.Type != MessageSkipWaiting {
		return nil
	}
	fields := w.fields("message")
	fields["source"] = ev.Source
	w.logger.WithFields(fields).Info("skip_waiting_requested")
	ev.SkipWaiting()
	return nil
}

// OnSync 接受 background-sync 事件并立即完成，不做离线操作重放。
func (w *Worker) OnSync(ev *SyncEvent) error {
	if ev.Tag != SyncTagBackground {
		return nil
	}
	ev.WaitUntil(func(context.Context) error {
		return nil
	})
	return nil
}
