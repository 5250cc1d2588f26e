/*
Package jobs chứa các job cụ thể của ứng dụng.
File này chứa các hàm helper chung được sử dụng bởi nhiều job.
*/
package jobs

import (
	"context"
	"time"

	"agent_sapo/app/scheduler"

	"github.com/sirupsen/logrus"
)

// jobBody là logic của một lần chạy, trả về các field tổng kết để log
type jobBody func(ctx context.Context) (logrus.Fields, error)

// timedJob là khung chung của mọi job: BaseJob + log bắt đầu/kết thúc + timeout cho mỗi lần chạy
type timedJob struct {
	*scheduler.BaseJob
	timeout time.Duration
	body    jobBody
}

func newTimedJob(name, schedule string, timeout time.Duration, body jobBody) *timedJob {
	j := &timedJob{
		BaseJob: scheduler.NewBaseJob(name, schedule),
		timeout: timeout,
		body:    body,
	}
	j.BaseJob.SetExecuteInternalCallback(j.ExecuteInternal)
	return j
}

// ExecuteInternal đặt timeout, chạy body và log kết quả
func (j *timedJob) ExecuteInternal(ctx context.Context) error {
	startTime := time.Now()
	LogJobStart(j.GetName(), j.GetSchedule()).WithField("start_time", startTime.Format("2006-01-02 15:04:05")).Debug("🚀 JOB ĐÃ BẮT ĐẦU CHẠY")

	if j.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}

	fields, err := j.body(ctx)
	duration := time.Since(startTime)
	if err != nil {
		LogJobError(j.GetName(), err, duration.String(), duration.Milliseconds())
		return err
	}
	LogJobEnd(j.GetName(), duration.String(), duration.Milliseconds(), fields)
	return nil
}
