package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"agent_sapo/app/storage"
	"agent_sapo/utility"
	"agent_sapo/utility/logger"
	"agent_sapo/utility/metrics"

	"github.com/sirupsen/logrus"
)

// Giới hạn của drain worker
const (
	DefaultDrainTimeout   = 30 * time.Second
	maxErrorMessageLength = 500
)

// DeliveryQueue là phần của NotificationStore mà worker dùng
type DeliveryQueue interface {
	ListPending(ctx context.Context, f storage.PendingFilter) ([]storage.Delivery, error)
	GetNotification(ctx context.Context, id int64) (*storage.Notification, error)
	MarkDelivery(ctx context.Context, id int64, o storage.DeliveryOutcome) (bool, error)
	DeliveryCounts(ctx context.Context, notificationID int64) (map[string]int, error)
	FinalizeNotification(ctx context.Context, id int64, status string, sentAt time.Time) error
	ListDueScheduled(ctx context.Context, now time.Time) ([]int64, error)
}

// DrainOptions là tham số của một lượt drain
type DrainOptions struct {
	Limit          int           `json:"limit,omitempty"`
	NotificationID int64         `json:"notification_id,omitempty"`
	OverallTimeout time.Duration `json:"-"` // 0 = DefaultDrainTimeout
}

// DrainResult là bộ đếm của một lượt drain
type DrainResult struct {
	Processed int  `json:"processed"`
	Success   int  `json:"success"`
	Failed    int  `json:"failed"`
	Timeout   bool `json:"timeout"`
}

func (r *DrainResult) add(o DrainResult) {
	r.Processed += o.Processed
	r.Success += o.Success
	r.Failed += o.Failed
	r.Timeout = r.Timeout || o.Timeout
}

// ScheduledResult là kết quả của một lượt quét notification hẹn giờ
type ScheduledResult struct {
	Notifications int `json:"notifications"`
	DrainResult
}

// DeliveryWorker gửi các delivery pending qua sender theo kênh.
// Mỗi process chỉ có một lượt drain chạy tại một thời điểm.
type DeliveryWorker struct {
	queue   DeliveryQueue
	senders map[string]ChannelSender
	drainMu sync.Mutex
	now     func() time.Time
	log     *logrus.Logger
}

// NewDeliveryWorker tạo worker với sender cho từng kênh
func NewDeliveryWorker(queue DeliveryQueue, senders map[string]ChannelSender) *DeliveryWorker {
	return &DeliveryWorker{
		queue:   queue,
		senders: senders,
		now:     time.Now,
		log:     logger.GetLogger("notify"),
	}
}

// ProcessPending gửi các delivery pending theo thứ tự tạo.
// Thời hạn tổng được kiểm tra trước mỗi delivery; delivery đã bắt đầu chạy đến hết timeout transport của nó.
// Lỗi hoặc panic của một delivery chỉ làm delivery đó failed.
func (w *DeliveryWorker) ProcessPending(ctx context.Context, opts DrainOptions) (*DrainResult, error) {
	w.drainMu.Lock()
	defer w.drainMu.Unlock()
	return w.drain(ctx, opts, w.now())
}

// ProcessScheduled quét các notification pending đã đến giờ hẹn và drain từng cái một.
// Các lượt drain dùng chung một thời hạn tổng tính từ lúc bắt đầu quét.
func (w *DeliveryWorker) ProcessScheduled(ctx context.Context, overallTimeout time.Duration) (*ScheduledResult, error) {
	w.drainMu.Lock()
	defer w.drainMu.Unlock()

	start := w.now()
	ids, err := w.queue.ListDueScheduled(ctx, start)
	if err != nil {
		return nil, fmt.Errorf("đọc notification hẹn giờ: %w", err)
	}

	result := &ScheduledResult{}
	for _, id := range ids {
		res, err := w.drain(ctx, DrainOptions{NotificationID: id, OverallTimeout: overallTimeout}, start)
		if res != nil {
			result.add(*res)
		}
		if err != nil {
			return result, err
		}
		result.Notifications++
		if res.Timeout {
			break
		}
	}
	if len(ids) > 0 {
		w.log.WithFields(logrus.Fields{
			"notifications": result.Notifications,
			"processed":     result.Processed,
			"success":       result.Success,
			"failed":        result.Failed,
			"timeout":       result.Timeout,
		}).Info("⏰ Đã xử lý notification hẹn giờ")
	}
	return result, nil
}

func (w *DeliveryWorker) drain(ctx context.Context, opts DrainOptions, start time.Time) (*DrainResult, error) {
	timeout := opts.OverallTimeout
	if timeout <= 0 {
		timeout = DefaultDrainTimeout
	}

	pending, err := w.queue.ListPending(ctx, storage.PendingFilter{
		NotificationID: opts.NotificationID,
		Limit:          opts.Limit,
		Now:            w.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("đọc delivery pending: %w", err)
	}

	result := &DrainResult{}
	parents := map[int64]*storage.Notification{}
	var touched []int64

	for _, d := range pending {
		if w.now().Sub(start) >= timeout {
			result.Timeout = true
			w.log.WithFields(logrus.Fields{
				"processed": result.Processed,
				"remaining": len(pending) - result.Processed,
			}).Warn("⏱️ Drain hết thời gian, dừng lượt xử lý")
			break
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}

		n, ok := parents[d.NotificationID]
		if !ok {
			n, err = w.queue.GetNotification(ctx, d.NotificationID)
			if err != nil {
				return result, fmt.Errorf("đọc notification %d: %w", d.NotificationID, err)
			}
			parents[d.NotificationID] = n
			touched = append(touched, d.NotificationID)
		}

		result.Processed++
		if w.deliver(ctx, n, d) {
			result.Success++
		} else {
			result.Failed++
		}
	}

	if !result.Timeout {
		if opts.NotificationID != 0 && len(touched) == 0 {
			touched = append(touched, opts.NotificationID)
		}
		for _, id := range touched {
			if err := w.finalize(ctx, id); err != nil {
				return result, err
			}
		}
	}

	if result.Processed > 0 || result.Timeout {
		w.log.WithFields(logrus.Fields{
			"notification_id": opts.NotificationID,
			"processed":       result.Processed,
			"success":         result.Success,
			"failed":          result.Failed,
			"timeout":         result.Timeout,
		}).Info("📬 Đã drain delivery")
	}
	return result, nil
}

// deliver gửi một delivery và ghi kết quả. Trả về true nếu gửi thành công.
func (w *DeliveryWorker) deliver(ctx context.Context, n *storage.Notification, d storage.Delivery) bool {
	var meta map[string]interface{}
	var sendErr error

	if n == nil {
		sendErr = &DeliveryFailedError{Channel: d.Channel, Reason: "notification không tồn tại"}
	} else if sender, ok := w.senders[d.Channel]; !ok {
		sendErr = &DeliveryFailedError{Channel: d.Channel, Reason: "không có sender cho kênh " + d.Channel}
	} else if perr := utility.GoProtect(w.log, func() {
		meta, sendErr = sender.Send(ctx, n, d)
	}); perr != nil {
		sendErr = perr
	}

	fields := logrus.Fields{
		"delivery_id":     d.ID,
		"notification_id": d.NotificationID,
		"user_id":         d.UserID,
		"channel":         d.Channel,
	}

	outcome := storage.DeliveryOutcome{Status: storage.DeliverySent, SentAt: w.now()}
	if sendErr != nil {
		outcome = storage.DeliveryOutcome{Status: storage.DeliveryFailed, ErrorMessage: errorMessage(sendErr)}
	} else if meta != nil {
		raw, err := json.Marshal(meta)
		if err != nil {
			w.log.WithError(err).WithFields(fields).Warn("⚠️ Metadata không serialize được")
		} else {
			outcome.Metadata = raw
		}
	}

	updated, err := w.queue.MarkDelivery(ctx, d.ID, outcome)
	if err != nil {
		w.log.WithError(err).WithFields(fields).Error("❌ Không thể ghi kết quả delivery")
		return false
	}
	if !updated {
		w.log.WithFields(fields).Debug("Delivery đã được xử lý bởi lượt khác")
	} else {
		metrics.ObserveDelivery(d.Channel, outcome.Status)
	}
	if sendErr != nil {
		w.log.WithError(sendErr).WithFields(fields).Warn("⚠️ Gửi delivery thất bại")
		return false
	}
	return true
}

// finalize đặt trạng thái cuối cho notification khi không còn delivery pending:
// có delivery failed hoặc không có delivery nào thì failed, ngược lại sent.
func (w *DeliveryWorker) finalize(ctx context.Context, id int64) error {
	counts, err := w.queue.DeliveryCounts(ctx, id)
	if err != nil {
		return fmt.Errorf("đếm delivery của notification %d: %w", id, err)
	}
	if counts[storage.DeliveryPending] > 0 {
		return nil
	}
	status, sentAt := storage.NotificationSent, w.now()
	if counts[storage.DeliveryFailed] > 0 || counts[storage.DeliverySent] == 0 {
		status, sentAt = storage.NotificationFailed, time.Time{}
	}
	if counts[storage.DeliverySent] == 0 && counts[storage.DeliveryFailed] == 0 {
		w.log.WithField("notification_id", id).Warn("⚠️ Notification không có người nhận, đánh dấu failed")
	}
	if err := w.queue.FinalizeNotification(ctx, id, status, sentAt); err != nil {
		return fmt.Errorf("cập nhật trạng thái notification %d: %w", id, err)
	}
	return nil
}

// errorMessage lấy lý do ngắn gọn của lỗi gửi, tối đa maxErrorMessageLength ký tự
func errorMessage(err error) string {
	msg := err.Error()
	var dfe *DeliveryFailedError
	if errors.As(err, &dfe) && dfe.Reason != "" {
		msg = dfe.Reason
	}
	return utility.TruncateRunes(msg, maxErrorMessageLength)
}
