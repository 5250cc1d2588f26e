package storage

import (
	"context"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
)

// AllAudience là giá trị đặc biệt trong groups/departments/shops: không lọc theo chiều đó
const AllAudience = "ALL"

// Audience mô tả tập người nhận. Các chiều được giao (intersect) với nhau,
// trong mỗi chiều các giá trị là OR. Rỗng toàn bộ = mọi user đang active.
type Audience struct {
	Groups      []string `json:"groups,omitempty"`
	Departments []string `json:"departments,omitempty"`
	Shops       []string `json:"shops,omitempty"` // Tên group của shop
	UserIDs     []int64  `json:"user_ids,omitempty"`
}

// User là một dòng users
type User struct {
	ID         int64  `db:"id" json:"id"`
	Username   string `db:"username" json:"username"`
	Department string `db:"department" json:"department"`
	IsActive   bool   `db:"is_active" json:"is_active"`
}

// UserStore quản lý users và user_groups
type UserStore struct {
	db *DB
}

// NewUserStore tạo UserStore trên db
func NewUserStore(db *DB) *UserStore {
	return &UserStore{db: db}
}

// CreateUser tạo user mới và trả về id
func (s *UserStore) CreateUser(ctx context.Context, username, department string, active bool) (int64, error) {
	query, args, err := s.db.Builder().Insert("users").
		Columns("username", "department", "is_active").
		Values(username, department, active).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.db.QueryRowxContext(ctx, query, args...).Scan(&id)
	return id, err
}

// AddToGroups gán user vào các group (bỏ qua group đã có)
func (s *UserStore) AddToGroups(ctx context.Context, userID int64, groups ...string) error {
	return s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		for _, g := range groups {
			_, err := tx.ExecContext(ctx,
				tx.Rebind(`INSERT INTO user_groups (user_id, group_name) VALUES (?, ?) ON CONFLICT (user_id, group_name) DO NOTHING`),
				userID, g)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// SetActive bật/tắt user
func (s *UserStore) SetActive(ctx context.Context, userID int64, active bool) error {
	query, args, err := s.db.Builder().Update("users").Set("is_active", active).
		Where(sq.Eq{"id": userID}).ToSql()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

// ResolveAudience trả về id các user active thuộc audience, không trùng, tăng dần.
// q có thể là *sqlx.DB hoặc *sqlx.Tx.
func (s *UserStore) ResolveAudience(ctx context.Context, q sqlx.QueryerContext, a Audience) ([]int64, error) {
	sel := s.db.Builder().Select("u.id").Distinct().From("users u").
		Where(sq.Eq{"u.is_active": true})

	if groups := filterValues(a.Groups); len(groups) > 0 {
		sel = sel.Where(inGroups(groups))
	}
	if deps := filterValues(a.Departments); len(deps) > 0 {
		sel = sel.Where(sq.Eq{"u.department": deps})
	}
	if shops := filterValues(a.Shops); len(shops) > 0 {
		sel = sel.Where(inGroups(shops))
	}
	if len(a.UserIDs) > 0 {
		sel = sel.Where(sq.Eq{"u.id": a.UserIDs})
	}

	query, args, err := sel.OrderBy("u.id").ToSql()
	if err != nil {
		return nil, err
	}
	var ids []int64
	if err := sqlx.SelectContext(ctx, q, &ids, query, args...); err != nil {
		return nil, err
	}
	return ids, nil
}

// filterValues trả về nil nếu danh sách rỗng hoặc chứa ALL
func filterValues(values []string) []string {
	for _, v := range values {
		if v == AllAudience {
			return nil
		}
	}
	return values
}

func inGroups(groups []string) sq.Sqlizer {
	sub, args, _ := sq.Select("user_id").From("user_groups").
		Where(sq.Eq{"group_name": groups}).ToSql()
	return sq.Expr("u.id IN ("+sub+")", args...)
}

// Subscription là một dòng web_push_subscriptions.
// Có FCMToken là thiết bị FCM; có Endpoint+P256dh+Auth là Web Push chuẩn.
type Subscription struct {
	ID         int64  `db:"id" json:"id"`
	UserID     int64  `db:"user_id" json:"user_id"`
	DeviceType string `db:"device_type" json:"device_type"`
	Endpoint   string `db:"endpoint" json:"endpoint"`
	P256dh     string `db:"p256dh" json:"p256dh"`
	Auth       string `db:"auth" json:"auth"`
	FCMToken   string `db:"fcm_token" json:"fcm_token"`
	IsActive   bool   `db:"is_active" json:"is_active"`
	CreatedAt  int64  `db:"created_at" json:"created_at"`
}

// SubscriptionStore quản lý web_push_subscriptions
type SubscriptionStore struct {
	db *DB
}

// NewSubscriptionStore tạo SubscriptionStore trên db
func NewSubscriptionStore(db *DB) *SubscriptionStore {
	return &SubscriptionStore{db: db}
}

// Add lưu subscription mới (active) và trả về id
func (s *SubscriptionStore) Add(ctx context.Context, sub Subscription) (int64, error) {
	query, args, err := s.db.Builder().Insert("web_push_subscriptions").
		Columns("user_id", "device_type", "endpoint", "p256dh", "auth", "fcm_token", "is_active", "created_at").
		Values(sub.UserID, sub.DeviceType, sub.Endpoint, sub.P256dh, sub.Auth, sub.FCMToken, true, time.Now().UnixMilli()).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.db.QueryRowxContext(ctx, query, args...).Scan(&id)
	return id, err
}

// ListActive trả về các subscription active của user theo thứ tự tạo
func (s *SubscriptionStore) ListActive(ctx context.Context, userID int64) ([]Subscription, error) {
	query, args, err := s.db.Builder().
		Select("id", "user_id", "device_type", "endpoint", "p256dh", "auth", "fcm_token", "is_active", "created_at").
		From("web_push_subscriptions").
		Where(sq.Eq{"user_id": userID, "is_active": true}).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, err
	}
	var out []Subscription
	err = s.db.SelectContext(ctx, &out, query, args...)
	return out, err
}

// Deactivate tắt subscription (endpoint đã hết hạn)
func (s *SubscriptionStore) Deactivate(ctx context.Context, id int64) error {
	query, args, err := s.db.Builder().Update("web_push_subscriptions").
		Set("is_active", false).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}
