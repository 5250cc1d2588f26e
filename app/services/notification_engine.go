package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"agent_sapo/app/storage"
	"agent_sapo/utility/logger"
	"agent_sapo/utility/metrics"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

// DefaultChannels là các kênh mặc định khi EmitParams.Channels rỗng
var DefaultChannels = []string{storage.ChannelInApp, storage.ChannelWebPush}

// EmitParams mô tả một sự kiện cần thông báo: payload, audience và kênh.
// Audience được nhúng nên JSON có các field groups/departments/shops/user_ids ở cùng cấp.
type EmitParams struct {
	Title       string                 `json:"title"`
	Body        string                 `json:"body"`
	Link        string                 `json:"link,omitempty"`
	Action      string                 `json:"action"`
	Sound       *string                `json:"sound,omitempty"`
	Count       *int64                 `json:"count,omitempty"`
	CollapseID  string                 `json:"collapse_id,omitempty"`
	Tag         string                 `json:"tag,omitempty"`
	ScheduledAt *time.Time             `json:"scheduled_at,omitempty"`
	EventType   string                 `json:"event_type,omitempty"`
	Context     map[string]interface{} `json:"context,omitempty"`
	Channels    []string               `json:"channels,omitempty"`
	storage.Audience
}

// EmitResult là kết quả của Emit
type EmitResult struct {
	Notification *storage.Notification `json:"notification"`
	Recipients   int                   `json:"recipients"`
	Deliveries   int                   `json:"deliveries"`
	Cancelled    int64                 `json:"cancelled"` // Số notification cùng collapse_id bị hủy
}

// NotificationEngine biến một sự kiện thành notification + các delivery pending.
// Không gửi gì: việc gửi do DeliveryWorker đảm nhận.
type NotificationEngine struct {
	store *storage.NotificationStore
	users *storage.UserStore
	log   *logrus.Logger
}

// NewNotificationEngine tạo engine trên các store
func NewNotificationEngine(store *storage.NotificationStore, users *storage.UserStore) *NotificationEngine {
	return &NotificationEngine{store: store, users: users, log: logger.GetLogger("notify")}
}

// Emit chạy trong một transaction:
//  1. Hủy các notification pending cùng collapse_id (nếu có)
//  2. Tạo notification pending
//  3. Resolve audience thành tập user active
//  4. Tạo delivery pending cho mỗi (user × channel), bộ trùng bị bỏ qua
//
// Lỗi ở bất kỳ bước nào rollback toàn bộ.
func (e *NotificationEngine) Emit(ctx context.Context, p EmitParams) (*EmitResult, error) {
	channels := p.Channels
	if len(channels) == 0 {
		channels = DefaultChannels
	}
	for _, ch := range channels {
		if ch != storage.ChannelInApp && ch != storage.ChannelWebPush {
			return nil, fmt.Errorf("kênh không hỗ trợ: %q", ch)
		}
	}

	n := &storage.Notification{
		Title:     p.Title,
		Body:      p.Body,
		Link:      p.Link,
		Action:    p.Action,
		Sound:     p.Sound,
		Count:     p.Count,
		EventType: p.EventType,
		Status:    storage.NotificationPending,
		CreatedAt: time.Now().UnixMilli(),
	}
	if p.CollapseID != "" {
		n.CollapseID = &p.CollapseID
	}
	if p.Tag != "" {
		n.Tag = &p.Tag
	}
	if p.ScheduledAt != nil {
		ms := p.ScheduledAt.UnixMilli()
		n.ScheduledAt = &ms
	}
	if p.Context != nil {
		raw, err := json.Marshal(p.Context)
		if err != nil {
			return nil, fmt.Errorf("context không serialize được: %w", err)
		}
		n.Context = raw
	}

	result := &EmitResult{Notification: n}
	err := e.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		if p.CollapseID != "" {
			if err := e.store.LockCollapse(ctx, tx, p.CollapseID); err != nil {
				return fmt.Errorf("khóa collapse_id: %w", err)
			}
			cancelled, err := e.store.CancelPendingByCollapse(ctx, tx, p.CollapseID)
			if err != nil {
				return fmt.Errorf("hủy notification cùng collapse_id: %w", err)
			}
			result.Cancelled = cancelled
		}

		if err := e.store.InsertNotification(ctx, tx, n); err != nil {
			return fmt.Errorf("tạo notification: %w", err)
		}

		recipients, err := e.users.ResolveAudience(ctx, tx, p.Audience)
		if err != nil {
			return fmt.Errorf("resolve audience: %w", err)
		}
		result.Recipients = len(recipients)

		inserted, err := e.store.InsertDeliveries(ctx, tx, n.ID, recipients, channels)
		if err != nil {
			return fmt.Errorf("tạo deliveries: %w", err)
		}
		result.Deliveries = inserted
		return nil
	})
	if err != nil {
		e.log.WithError(err).WithField("action", p.Action).Error("❌ Emit notification thất bại")
		return nil, err
	}
	if len(n.Context) == 0 {
		n.Context = []byte("{}")
	}

	e.log.WithFields(logrus.Fields{
		"notification_id": n.ID,
		"action":          n.Action,
		"collapse_id":     p.CollapseID,
		"cancelled":       result.Cancelled,
		"recipients":      result.Recipients,
		"deliveries":      result.Deliveries,
	}).Info("📣 Đã tạo notification")
	metrics.ObserveEmit()
	return result, nil
}
