package utility

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"agent_sapo/utility/httpclient"
	"agent_sapo/utility/logger"

	"github.com/sirupsen/logrus"
)

// AdaptiveRateLimiter quản lý thời gian nghỉ động giữa các lần gọi upstream dựa trên phản ứng của server.
// Chỉ 429 mới làm tăng delay; các lỗi khác không ảnh hưởng.
type AdaptiveRateLimiter struct {
	name               string
	mu                 sync.RWMutex
	currentDelay       time.Duration // Thời gian nghỉ hiện tại
	minDelay           time.Duration // Thời gian nghỉ tối thiểu
	maxDelay           time.Duration // Thời gian nghỉ tối đa
	successCount       int           // Số lần request thành công liên tiếp
	failureCount       int           // Số lần bị 429 liên tiếp
	backoffMultiplier  float64       // Hệ số tăng delay khi bị 429
	recoveryMultiplier float64       // Hệ số giảm delay khi thành công
	successThreshold   int           // Số lần thành công cần để giảm delay
	lastAdjustmentTime time.Time     // Thời gian điều chỉnh lần cuối
	adjustmentCooldown time.Duration // Thời gian chờ giữa các lần giảm delay
	log                *logrus.Logger
}

var (
	globalSapoRateLimiter *AdaptiveRateLimiter
	onceSapo              sync.Once
)

// NewAdaptiveRateLimiter tạo một rate limiter mới
// Tham số:
//   - name: Tên hiển thị trong log
//   - initialDelay: Thời gian nghỉ ban đầu
//   - minDelay: Thời gian nghỉ tối thiểu
//   - maxDelay: Thời gian nghỉ tối đa
func NewAdaptiveRateLimiter(name string, initialDelay, minDelay, maxDelay time.Duration) *AdaptiveRateLimiter {
	if initialDelay < minDelay {
		initialDelay = minDelay
	}
	if initialDelay > maxDelay {
		initialDelay = maxDelay
	}

	return &AdaptiveRateLimiter{
		name:               name,
		currentDelay:       initialDelay,
		minDelay:           minDelay,
		maxDelay:           maxDelay,
		backoffMultiplier:  1.5,              // Tăng 50% mỗi lần bị 429
		recoveryMultiplier: 0.9,              // Giảm 10% khi đủ ngưỡng thành công
		successThreshold:   5,                // Cần 5 lần thành công để giảm delay
		adjustmentCooldown: 10 * time.Second, // Chỉ giảm mỗi 10 giây
		lastAdjustmentTime: time.Now(),
		log:                logger.GetLogger("sync"),
	}
}

// GetSapoRateLimiter trả về rate limiter dùng chung cho các lượt quét trang Sapo
func GetSapoRateLimiter() *AdaptiveRateLimiter {
	onceSapo.Do(func() {
		// Sapo cho phép khoảng 40 request/giây mỗi store, bắt đầu ở 100ms
		globalSapoRateLimiter = NewAdaptiveRateLimiter("Sapo", 100*time.Millisecond, 50*time.Millisecond, 10*time.Second)
		globalSapoRateLimiter.log.WithField("delay", globalSapoRateLimiter.currentDelay).
			Info("[RateLimiter] Đã khởi tạo Sapo Rate Limiter")
	})
	return globalSapoRateLimiter
}

// Wait nghỉ với thời gian hiện tại, dừng sớm khi ctx bị hủy
func (rl *AdaptiveRateLimiter) Wait(ctx context.Context) error {
	delay := rl.GetCurrentDelay()
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// GetCurrentDelay trả về thời gian nghỉ hiện tại
func (rl *AdaptiveRateLimiter) GetCurrentDelay() time.Duration {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.currentDelay
}

// RecordSuccess ghi nhận một request thành công và giảm delay nếu đủ điều kiện
func (rl *AdaptiveRateLimiter) RecordSuccess() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.successCount++
	rl.failureCount = 0

	now := time.Now()
	if now.Sub(rl.lastAdjustmentTime) < rl.adjustmentCooldown {
		return
	}
	if rl.successCount < rl.successThreshold {
		return
	}

	newDelay := time.Duration(float64(rl.currentDelay) * rl.recoveryMultiplier)
	if newDelay < rl.minDelay {
		newDelay = rl.minDelay
	}
	if newDelay != rl.currentDelay {
		oldDelay := rl.currentDelay
		rl.currentDelay = newDelay
		rl.lastAdjustmentTime = now
		rl.successCount = 0
		rl.log.WithFields(logrus.Fields{
			"limiter": rl.name,
			"from":    oldDelay,
			"to":      newDelay,
		}).Debug("[RateLimiter] ✅ Request thành công → Giảm delay")
	}
}

// RecordFailure ghi nhận một request thất bại. Chỉ status 429 làm tăng delay.
func (rl *AdaptiveRateLimiter) RecordFailure(statusCode int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.successCount = 0
	if statusCode != http.StatusTooManyRequests {
		return
	}
	rl.failureCount++

	newDelay := time.Duration(float64(rl.currentDelay) * rl.backoffMultiplier)
	if newDelay > rl.maxDelay {
		newDelay = rl.maxDelay
	}
	if newDelay != rl.currentDelay {
		oldDelay := rl.currentDelay
		rl.currentDelay = newDelay
		rl.lastAdjustmentTime = time.Now()
		rl.log.WithFields(logrus.Fields{
			"limiter":  rl.name,
			"from":     oldDelay,
			"to":       newDelay,
			"failures": rl.failureCount,
		}).Warn("[RateLimiter] ⚠️ RATE LIMIT (429) → Tăng delay")
	}
}

// Observe ghi nhận kết quả của một lần gọi: nil = thành công, HTTPError lấy status
func (rl *AdaptiveRateLimiter) Observe(err error) {
	if err == nil {
		rl.RecordSuccess()
		return
	}
	var httpErr *httpclient.HTTPError
	if errors.As(err, &httpErr) {
		rl.RecordFailure(httpErr.Status)
		return
	}
	rl.RecordFailure(0)
}

// Reset đặt lại rate limiter về delay tối thiểu
func (rl *AdaptiveRateLimiter) Reset() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.currentDelay = rl.minDelay
	rl.successCount = 0
	rl.failureCount = 0
	rl.lastAdjustmentTime = time.Now()
	rl.log.WithField("delay", rl.minDelay).Info("[RateLimiter] 🔄 Đã reset rate limiter")
}

// GetStats trả về thống kê hiện tại của rate limiter
func (rl *AdaptiveRateLimiter) GetStats() map[string]interface{} {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	return map[string]interface{}{
		"name":                 rl.name,
		"current_delay":        rl.currentDelay.String(),
		"min_delay":            rl.minDelay.String(),
		"max_delay":            rl.maxDelay.String(),
		"success_count":        rl.successCount,
		"failure_count":        rl.failureCount,
		"last_adjustment_time": rl.lastAdjustmentTime.Format("2006-01-02 15:04:05"),
	}
}
