/*
Package session quản lý vòng đời session của hai scope Sapo (core và marketplace):
nạp token đã lưu, probe xác nhận token còn sống, login lại qua trình duyệt khi cần,
và gắn headers/cookies vào HTTP client của từng scope.

Sapo không có OAuth công khai: token là headers của các request đã xác thực được
bắt lại trong một lần login bằng trình duyệt (xem Driver).
*/
package session

import (
	"errors"
	"fmt"
	"time"
)

// Scope là một bề mặt xác thực độc lập của Sapo
type Scope string

const (
	ScopeCore        Scope = "core"        // Admin API (/admin/*.json)
	ScopeMarketplace Scope = "marketplace" // Market-place API (market-place.sapoapps.vn)
)

// AllScopes liệt kê các scope theo thứ tự cố định
var AllScopes = []Scope{ScopeCore, ScopeMarketplace}

// DefaultTokenLifetime là thời hạn lạc quan của token sau khi login.
// Probe mới là cơ chế kiểm tra thật.
const DefaultTokenLifetime = 6 * time.Hour

// ParseScope chuyển chuỗi thành Scope
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case ScopeCore, ScopeMarketplace:
		return Scope(s), nil
	}
	return "", fmt.Errorf("scope không hợp lệ: %q", s)
}

// Token là headers đã bắt được cho một scope
type Token struct {
	Scope      Scope             `json:"scope" bson:"_id"`
	Headers    map[string]string `json:"headers" bson:"headers"`
	AcquiredAt time.Time         `json:"acquired_at" bson:"acquiredAt"`
	ExpiresAt  time.Time         `json:"expires_at" bson:"expiresAt"`
}

// Expired cho biết token đã hết hạn tại thời điểm now
func (t *Token) Expired(now time.Time) bool {
	return !t.ExpiresAt.After(now)
}

// Validate kiểm tra bất biến ExpiresAt > AcquiredAt
func (t *Token) Validate() error {
	if _, err := ParseScope(string(t.Scope)); err != nil {
		return err
	}
	if !t.ExpiresAt.After(t.AcquiredAt) {
		return fmt.Errorf("token %s: expiresAt phải sau acquiredAt", t.Scope)
	}
	return nil
}

// ErrUnknownScope trả về khi manager không quản lý scope được yêu cầu
var ErrUnknownScope = errors.New("scope chưa được cấu hình")

// AuthExpiredError báo probe thất bại: 4xx, body 200 quá ngắn, thiếu field...
type AuthExpiredError struct {
	Scope  Scope
	Reason string
	Err    error
}

func (e *AuthExpiredError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("session %s hết hạn: %s: %v", e.Scope, e.Reason, e.Err)
	}
	return fmt.Sprintf("session %s hết hạn: %s", e.Scope, e.Reason)
}

func (e *AuthExpiredError) Unwrap() error { return e.Err }

// LoginFailedError báo login bằng trình duyệt không lấy được headers cần thiết
type LoginFailedError struct {
	Reason string
	Err    error
}

func (e *LoginFailedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("login Sapo thất bại: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("login Sapo thất bại: %s", e.Reason)
}

func (e *LoginFailedError) Unwrap() error { return e.Err }
