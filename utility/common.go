/*
Package utility chứa các hàm tiện ích chung được sử dụng trong toàn bộ ứng dụng:
- GoProtect: Bảo vệ hàm khỏi panic
- UnixMilli / FromMilli: Chuyển đổi time.Time <-> Unix milliseconds (định dạng lưu trong DB)
- StartOfDay / DayKey: Chia ngày theo múi giờ local
- TruncateRunes: Cắt chuỗi theo số ký tự
*/
package utility

import (
	"fmt"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"
)

// GoProtect gọi f và bắt lại panic nếu có.
// Tham số:
//   - log: Logger để ghi panic (nil = logrus standard logger)
//   - f: Hàm cần được bảo vệ
//
// Trả về:
//   - error: lỗi mô tả panic, nil nếu f chạy bình thường
func GoProtect(log logrus.FieldLogger, f func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if log == nil {
				log = logrus.StandardLogger()
			}
			err = fmt.Errorf("panic: %v", r)
			log.WithFields(logrus.Fields{
				"panic": r,
				"stack": string(debug.Stack()),
			}).Error("❌ Đã bắt lỗi panic")
		}
	}()
	f()
	return nil
}

// UnixMilli chuyển đổi time.Time sang Unix timestamp tính bằng milliseconds.
// Thời điểm zero trả về 0.
func UnixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromMilli là phép ngược của UnixMilli, 0 trả về time.Time zero
func FromMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// DayKey trả về khóa ngày "2006-01-02" của t theo múi giờ loc
func DayKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}

// TruncateRunes cắt s còn tối đa n ký tự (rune), không làm vỡ ký tự UTF-8
func TruncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
