package jobs

import (
	"context"
	"errors"
	"time"

	"agent_sapo/app/scheduler"
	"agent_sapo/app/services"
	"agent_sapo/app/session"
	"agent_sapo/utility/logger"

	"github.com/sirupsen/logrus"
)

// Tên các job, dùng cho scheduler và ops API
const (
	ProductSyncJobName   = "product-sync-job"
	CatalogReloadJobName = "catalog-reload-job"
	NotificationJobName  = "notification-job"
	SessionCheckJobName  = "session-check-job"
	LogCleanupJobName    = "log-cleanup-job"
)

// ProductSyncer chạy một lượt sync product
type ProductSyncer interface {
	SyncAll(ctx context.Context, status string) (*services.SyncStats, error)
}

// CatalogReloader nạp lại các map tra cứu
type CatalogReloader interface {
	ForceReload(ctx context.Context) error
	Stats() services.CatalogStats
}

// NotificationProcessor gửi các delivery đến hạn
type NotificationProcessor interface {
	ProcessScheduled(ctx context.Context, overallTimeout time.Duration) (*services.ScheduledResult, error)
	ProcessPending(ctx context.Context, opts services.DrainOptions) (*services.DrainResult, error)
}

// SessionKeeper giữ phiên Sapo còn hiệu lực
type SessionKeeper interface {
	Recheck(ctx context.Context, scope session.Scope) error
}

// NewProductSyncJob mirror products Sapo vào cache, sau đó nạp lại catalog để ảnh variant mới có hiệu lực.
// catalog có thể nil.
func NewProductSyncJob(schedule, status string, syncer ProductSyncer, catalog CatalogReloader) scheduler.Job {
	return newTimedJob(ProductSyncJobName, schedule, time.Hour, func(ctx context.Context) (logrus.Fields, error) {
		stats, err := syncer.SyncAll(ctx, status)
		if err != nil {
			return nil, err
		}
		fields := logrus.Fields{
			"pages":    stats.Pages,
			"products": stats.Products,
			"variants": stats.Variants,
			"errors":   len(stats.Errors),
		}
		if catalog != nil {
			if err := catalog.ForceReload(ctx); err != nil {
				LogJobWarn(ProductSyncJobName, "⚠️ Sync xong nhưng không nạp lại được catalog", logrus.Fields{"error": err.Error()})
			}
		}
		return fields, nil
	})
}

// NewCatalogReloadJob nạp lại nguồn đơn, đơn vị vận chuyển và ảnh variant
func NewCatalogReloadJob(schedule string, catalog CatalogReloader) scheduler.Job {
	return newTimedJob(CatalogReloadJobName, schedule, 10*time.Minute, func(ctx context.Context) (logrus.Fields, error) {
		if err := catalog.ForceReload(ctx); err != nil {
			return nil, err
		}
		st := catalog.Stats()
		return logrus.Fields{"sources": st.Sources, "providers": st.Providers, "variant_images": st.VariantImages}, nil
	})
}

// NewNotificationJob quét notification hẹn giờ đến hạn rồi drain phần delivery còn lại
func NewNotificationJob(schedule string, worker NotificationProcessor, limit int, drainTimeout time.Duration) scheduler.Job {
	return newTimedJob(NotificationJobName, schedule, 3*drainTimeout, func(ctx context.Context) (logrus.Fields, error) {
		scheduled, err := worker.ProcessScheduled(ctx, drainTimeout)
		if err != nil {
			return nil, err
		}
		drained, err := worker.ProcessPending(ctx, services.DrainOptions{Limit: limit, OverallTimeout: drainTimeout})
		if err != nil {
			return nil, err
		}
		return logrus.Fields{
			"scheduled_notifications": scheduled.Notifications,
			"scheduled_processed":     scheduled.Processed,
			"processed":               drained.Processed,
			"success":                 drained.Success,
			"failed":                  drained.Failed,
			"timeout":                 drained.Timeout || scheduled.Timeout,
		}, nil
	})
}

// NewSessionCheckJob probe lại từng scope ở mỗi lượt, kể cả scope đang valid.
// Scope hết hạn hoặc bị Sapo hủy phiên sẽ được đăng nhập lại ở đây thay vì trên đường phục vụ request.
func NewSessionCheckJob(schedule string, keeper SessionKeeper) scheduler.Job {
	return newTimedJob(SessionCheckJobName, schedule, 5*time.Minute, func(ctx context.Context) (logrus.Fields, error) {
		fields := logrus.Fields{}
		var errs []error
		for _, scope := range session.AllScopes {
			if err := keeper.Recheck(ctx, scope); err != nil {
				fields[string(scope)] = "invalid"
				errs = append(errs, err)
				continue
			}
			fields[string(scope)] = "valid"
		}
		return fields, errors.Join(errs...)
	})
}

// NewLogCleanupJob xóa file log đã rotate quá hạn
func NewLogCleanupJob(schedule string) scheduler.Job {
	return newTimedJob(LogCleanupJobName, schedule, time.Minute, func(ctx context.Context) (logrus.Fields, error) {
		removed, err := logger.CleanupOldLogs()
		if err != nil {
			return nil, err
		}
		return logrus.Fields{"removed": removed}, nil
	})
}
