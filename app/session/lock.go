package session

import (
	"context"
	"errors"
	"time"

	"agent_sapo/utility/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// LoginLock chặn nhiều process cùng chạy login bằng trình duyệt.
// waited=true nghĩa là đã phải chờ process khác: caller nên nạp lại token từ store
// và probe trước khi tự login.
type LoginLock interface {
	Acquire(ctx context.Context) (release func(), waited bool, err error)
}

// LocalLock dùng khi chỉ có một process: khóa trong process (loginMu) là đủ
type LocalLock struct{}

// Acquire luôn thành công ngay
func (LocalLock) Acquire(context.Context) (func(), bool, error) {
	return func() {}, false, nil
}

const (
	DefaultLoginLockKey  = "sapo_selenium_login_lock"
	DefaultLoginLockTTL  = 300 * time.Second
	DefaultLoginLockPoll = 2 * time.Second
	DefaultLoginLockWait = 120 * time.Second
)

// ErrLoginLockTimeout trả về khi chờ khóa login quá lâu
var ErrLoginLockTimeout = errors.New("hết thời gian chờ khóa login")

// releaseScript chỉ xóa khóa nếu vẫn do mình giữ
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLock là khóa login giữa các process: SET NX với TTL, chờ bằng polling
type RedisLock struct {
	client *redis.Client
	Key    string
	TTL    time.Duration
	Poll   time.Duration
	Wait   time.Duration
	log    *logrus.Logger
}

// NewRedisLock tạo khóa với các giá trị mặc định
func NewRedisLock(client *redis.Client) *RedisLock {
	return &RedisLock{
		client: client,
		Key:    DefaultLoginLockKey,
		TTL:    DefaultLoginLockTTL,
		Poll:   DefaultLoginLockPoll,
		Wait:   DefaultLoginLockWait,
		log:    logger.GetLogger("sapo"),
	}
}

// Acquire giữ khóa. TTL bảo đảm khóa tự nhả nếu process giữ khóa chết giữa chừng.
func (l *RedisLock) Acquire(ctx context.Context) (func(), bool, error) {
	token := uuid.NewString()
	start := time.Now()
	waited := false

	for {
		ok, err := l.client.SetNX(ctx, l.Key, token, l.TTL).Result()
		if err != nil {
			return nil, waited, err
		}
		if ok {
			release := func() {
				// context riêng: vẫn nhả khóa khi ctx của caller đã hủy
				releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := releaseScript.Run(releaseCtx, l.client, []string{l.Key}, token).Err(); err != nil {
					l.log.WithError(err).WithField("key", l.Key).Warn("⚠️ Không nhả được khóa login")
				}
			}
			if waited {
				l.log.WithField("waited_ms", time.Since(start).Milliseconds()).Info("🔓 Đã lấy được khóa login sau khi chờ")
			}
			return release, waited, nil
		}

		if !waited {
			l.log.WithField("key", l.Key).Info("⏳ Process khác đang login, chờ khóa")
		}
		waited = true
		if time.Since(start) >= l.Wait {
			return nil, true, ErrLoginLockTimeout
		}

		timer := time.NewTimer(l.Poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, true, ctx.Err()
		case <-timer.C:
		}
	}
}
