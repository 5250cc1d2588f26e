package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
)

// Trạng thái notification
const (
	NotificationPending   = "pending"
	NotificationSent      = "sent"
	NotificationFailed    = "failed"
	NotificationCancelled = "cancelled"
)

// Trạng thái delivery
const (
	DeliveryPending = "pending"
	DeliverySent    = "sent"
	DeliveryFailed  = "failed"
)

// Kênh gửi
const (
	ChannelInApp   = "in_app"
	ChannelWebPush = "web_push"
)

// Notification là một dòng notifications. Thời điểm tính bằng Unix milliseconds.
type Notification struct {
	ID          int64          `db:"id" json:"id"`
	Title       string         `db:"title" json:"title"`
	Body        string         `db:"body" json:"body"`
	Link        string         `db:"link" json:"link"`
	Action      string         `db:"action" json:"action"`
	Sound       *string        `db:"sound" json:"sound,omitempty"`
	Count       *int64         `db:"count" json:"count,omitempty"`
	CollapseID  *string        `db:"collapse_id" json:"collapse_id,omitempty"`
	Tag         *string        `db:"tag" json:"tag,omitempty"`
	ScheduledAt *int64         `db:"scheduled_at" json:"scheduled_at,omitempty"`
	EventType   string         `db:"event_type" json:"event_type"`
	Context     types.JSONText `db:"context" json:"context"`
	Status      string         `db:"status" json:"status"`
	CreatedAt   int64          `db:"created_at" json:"created_at"`
	SentAt      *int64         `db:"sent_at" json:"sent_at,omitempty"`
}

// Delivery là một dòng deliveries: một bộ (notification, user, channel)
type Delivery struct {
	ID             int64          `db:"id" json:"id"`
	NotificationID int64          `db:"notification_id" json:"notification_id"`
	UserID         int64          `db:"user_id" json:"user_id"`
	Channel        string         `db:"channel" json:"channel"`
	Status         string         `db:"status" json:"status"`
	CreatedAt      int64          `db:"created_at" json:"created_at"`
	SentAt         *int64         `db:"sent_at" json:"sent_at,omitempty"`
	Metadata       types.JSONText `db:"metadata" json:"metadata"`
	ErrorMessage   string         `db:"error_message" json:"error_message"`
}

var notificationColumns = []string{
	"id", "title", "body", "link", "action", "sound", "count", "collapse_id", "tag",
	"scheduled_at", "event_type", "context", "status", "created_at", "sent_at",
}

var deliveryColumns = []string{
	"d.id", "d.notification_id", "d.user_id", "d.channel", "d.status",
	"d.created_at", "d.sent_at", "d.metadata", "d.error_message",
}

// NotificationStore đọc/ghi notifications và deliveries
type NotificationStore struct {
	db *DB
}

// NewNotificationStore tạo NotificationStore trên db
func NewNotificationStore(db *DB) *NotificationStore {
	return &NotificationStore{db: db}
}

// WithTx chạy fn trong một transaction
func (s *NotificationStore) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return s.db.WithTx(ctx, fn)
}

// LockCollapse tuần tự hóa các transaction cùng collapseID.
// Postgres: advisory lock theo transaction. SQLite: mọi ghi đã tuần tự.
func (s *NotificationStore) LockCollapse(ctx context.Context, tx *sqlx.Tx, collapseID string) error {
	if s.db.Driver() != DriverPostgres {
		return nil
	}
	_, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, collapseID)
	return err
}

// CancelPendingByCollapse chuyển mọi notification pending cùng collapseID sang cancelled
func (s *NotificationStore) CancelPendingByCollapse(ctx context.Context, tx *sqlx.Tx, collapseID string) (int64, error) {
	query, args, err := s.db.Builder().Update("notifications").
		Set("status", NotificationCancelled).
		Where(sq.Eq{"collapse_id": collapseID, "status": NotificationPending}).
		ToSql()
	if err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// InsertNotification chèn n và gán n.ID
func (s *NotificationStore) InsertNotification(ctx context.Context, tx *sqlx.Tx, n *Notification) error {
	if n.CreatedAt == 0 {
		n.CreatedAt = time.Now().UnixMilli()
	}
	if n.Status == "" {
		n.Status = NotificationPending
	}
	query, args, err := s.db.Builder().Insert("notifications").
		Columns("title", "body", "link", "action", "sound", "count", "collapse_id", "tag",
			"scheduled_at", "event_type", "context", "status", "created_at").
		Values(n.Title, n.Body, n.Link, n.Action, n.Sound, n.Count, n.CollapseID, n.Tag,
			n.ScheduledAt, n.EventType, jsonText(n.Context, "{}"), n.Status, n.CreatedAt).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return err
	}
	return tx.QueryRowxContext(ctx, query, args...).Scan(&n.ID)
}

// InsertDeliveries tạo delivery pending cho mỗi (user × channel).
// Bộ (notification, user, channel) đã tồn tại được bỏ qua. Trả về số dòng thực sự chèn.
func (s *NotificationStore) InsertDeliveries(ctx context.Context, tx *sqlx.Tx, notificationID int64, userIDs []int64, channels []string) (int, error) {
	if len(userIDs) == 0 || len(channels) == 0 {
		return 0, nil
	}
	now := time.Now().UnixMilli()
	stmt, err := tx.PreparexContext(ctx, tx.Rebind(`
		INSERT INTO deliveries (notification_id, user_id, channel, status, created_at, metadata, error_message)
		VALUES (?, ?, ?, ?, ?, '{}', '')
		ON CONFLICT (notification_id, user_id, channel) DO NOTHING`))
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	inserted := 0
	for _, userID := range userIDs {
		for _, channel := range channels {
			res, err := stmt.ExecContext(ctx, notificationID, userID, channel, DeliveryPending, now)
			if err != nil {
				return inserted, err
			}
			if n, _ := res.RowsAffected(); n > 0 {
				inserted++
			}
		}
	}
	return inserted, nil
}

// GetNotification trả về notification theo id, nil nếu không có
func (s *NotificationStore) GetNotification(ctx context.Context, id int64) (*Notification, error) {
	query, args, err := s.db.Builder().Select(notificationColumns...).From("notifications").
		Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, err
	}
	var n Notification
	err = s.db.GetContext(ctx, &n, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// ListByCollapse trả về các notification cùng collapseID theo thứ tự tạo
func (s *NotificationStore) ListByCollapse(ctx context.Context, collapseID string) ([]Notification, error) {
	query, args, err := s.db.Builder().Select(notificationColumns...).From("notifications").
		Where(sq.Eq{"collapse_id": collapseID}).OrderBy("id").ToSql()
	if err != nil {
		return nil, err
	}
	var out []Notification
	err = s.db.SelectContext(ctx, &out, query, args...)
	return out, err
}

// ListDeliveries trả về mọi delivery của một notification
func (s *NotificationStore) ListDeliveries(ctx context.Context, notificationID int64) ([]Delivery, error) {
	query, args, err := s.db.Builder().Select(deliveryColumns...).From("deliveries d").
		Where(sq.Eq{"d.notification_id": notificationID}).OrderBy("d.id").ToSql()
	if err != nil {
		return nil, err
	}
	var out []Delivery
	err = s.db.SelectContext(ctx, &out, query, args...)
	return out, err
}

// PendingFilter lọc delivery cần drain
type PendingFilter struct {
	NotificationID int64     // 0 = mọi notification
	Limit          int       // 0 = không giới hạn
	Now            time.Time // notification hẹn giờ sau Now bị bỏ qua
}

// ListPending trả về delivery pending theo thứ tự tạo (FIFO).
// Bỏ qua delivery của notification đã cancelled hoặc chưa đến giờ hẹn.
func (s *NotificationStore) ListPending(ctx context.Context, f PendingFilter) ([]Delivery, error) {
	now := f.Now
	if now.IsZero() {
		now = time.Now()
	}
	q := s.db.Builder().Select(deliveryColumns...).
		From("deliveries d").
		Join("notifications n ON n.id = d.notification_id").
		Where(sq.Eq{"d.status": DeliveryPending}).
		Where(sq.NotEq{"n.status": NotificationCancelled}).
		Where(sq.Or{sq.Eq{"n.scheduled_at": nil}, sq.LtOrEq{"n.scheduled_at": now.UnixMilli()}}).
		OrderBy("d.id")
	if f.NotificationID != 0 {
		q = q.Where(sq.Eq{"d.notification_id": f.NotificationID})
	}
	if f.Limit > 0 {
		q = q.Limit(uint64(f.Limit))
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	var out []Delivery
	err = s.db.SelectContext(ctx, &out, query, args...)
	return out, err
}

// DeliveryOutcome là kết quả gửi của một delivery
type DeliveryOutcome struct {
	Status       string
	Metadata     []byte
	ErrorMessage string
	SentAt       time.Time
}

// MarkDelivery ghi kết quả cho delivery còn pending.
// Trả về false nếu delivery không còn pending.
func (s *NotificationStore) MarkDelivery(ctx context.Context, id int64, o DeliveryOutcome) (bool, error) {
	var sentAt *int64
	if !o.SentAt.IsZero() {
		ms := o.SentAt.UnixMilli()
		sentAt = &ms
	}
	query, args, err := s.db.Builder().Update("deliveries").
		Set("status", o.Status).
		Set("metadata", jsonText(o.Metadata, "{}")).
		Set("error_message", o.ErrorMessage).
		Set("sent_at", sentAt).
		Where(sq.Eq{"id": id, "status": DeliveryPending}).
		ToSql()
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeliveryCounts đếm delivery của một notification theo trạng thái
func (s *NotificationStore) DeliveryCounts(ctx context.Context, notificationID int64) (map[string]int, error) {
	query, args, err := s.db.Builder().Select("status", "COUNT(*) AS n").From("deliveries").
		Where(sq.Eq{"notification_id": notificationID}).GroupBy("status").ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// FinalizeNotification đặt trạng thái cuối cho notification chưa bị cancel
func (s *NotificationStore) FinalizeNotification(ctx context.Context, id int64, status string, sentAt time.Time) error {
	q := s.db.Builder().Update("notifications").
		Set("status", status).
		Where(sq.Eq{"id": id}).
		Where(sq.NotEq{"status": NotificationCancelled})
	if !sentAt.IsZero() {
		q = q.Set("sent_at", sentAt.UnixMilli())
	}
	query, args, err := q.ToSql()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

// ListDueScheduled trả về id các notification pending có scheduled_at <= now
func (s *NotificationStore) ListDueScheduled(ctx context.Context, now time.Time) ([]int64, error) {
	query, args, err := s.db.Builder().Select("id").From("notifications").
		Where(sq.Eq{"status": NotificationPending}).
		Where(sq.NotEq{"scheduled_at": nil}).
		Where(sq.LtOrEq{"scheduled_at": now.UnixMilli()}).
		OrderBy("scheduled_at", "id").
		ToSql()
	if err != nil {
		return nil, err
	}
	var ids []int64
	err = s.db.SelectContext(ctx, &ids, query, args...)
	return ids, err
}
