/*
Package scheduler định nghĩa các interface và model cần thiết cho việc quản lý jobs.
File này cung cấp các thành phần cơ bản để xây dựng một job:
- Interface Job định nghĩa các phương thức cần thiết
- Struct JobMetadata lưu trữ thông tin về lần chạy gần nhất của job
- Struct BaseJob cung cấp triển khai cơ bản của interface Job
*/
package scheduler

import (
	"context"
	"sync"
	"time"
)

// ================== INTERFACE ĐỊNH NGHĨA JOB ==================

// Job là interface chuẩn cho mọi job trong hệ thống.
type Job interface {
	// Execute thực thi logic chính của job
	// ctx: context để kiểm soát thời gian thực thi và hủy job
	Execute(ctx context.Context) error

	// GetName trả về tên định danh của job
	GetName() string

	// GetSchedule trả về biểu thức cron (độ chính xác giây) định nghĩa lịch chạy của job
	// Ví dụ: "0 */5 * * * *" - chạy mỗi 5 phút vào giây 0
	GetSchedule() string
}

// ================== BASE JOB ==================

// BaseJob cung cấp sẵn name, schedule và cơ chế chống chạy chồng.
// Các job cụ thể nhúng *BaseJob và gọi SetExecuteInternalCallback trong constructor.
type BaseJob struct {
	name      string
	schedule  string
	mu        sync.Mutex
	isRunning bool

	executeInternalFunc func(ctx context.Context) error
}

// NewBaseJob khởi tạo BaseJob với tên và lịch chạy.
func NewBaseJob(name, schedule string) *BaseJob {
	return &BaseJob{name: name, schedule: schedule}
}

func (j *BaseJob) GetName() string     { return j.name }
func (j *BaseJob) GetSchedule() string { return j.schedule }

// Execute chạy ExecuteInternal của job con. Lần gọi trong lúc job đang chạy
// trả về ErrJobRunning và không làm gì.
func (j *BaseJob) Execute(ctx context.Context) error {
	j.mu.Lock()
	if j.isRunning {
		j.mu.Unlock()
		return ErrJobRunning
	}
	j.isRunning = true
	j.mu.Unlock()

	defer func() {
		j.mu.Lock()
		j.isRunning = false
		j.mu.Unlock()
	}()

	if j.executeInternalFunc != nil {
		return j.executeInternalFunc(ctx)
	}
	return j.ExecuteInternal(ctx)
}

// IsRunning cho biết job có đang chạy không
func (j *BaseJob) IsRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.isRunning
}

// SetExecuteInternalCallback thiết lập callback để BaseJob.Execute gọi đúng ExecuteInternal của job con.
// Tham số:
//   - fn: Function callback có signature func(ctx context.Context) error
func (j *BaseJob) SetExecuteInternalCallback(fn func(ctx context.Context) error) {
	j.executeInternalFunc = fn
}

// ExecuteInternal mặc định không làm gì, job con phải override
func (j *BaseJob) ExecuteInternal(ctx context.Context) error {
	return nil
}

// ================== TRẠNG THÁI & METADATA ==================

// JobStatus là enum trạng thái job.
type JobStatus string

const (
	// JobStatusPending: job đã được lập lịch nhưng chưa chạy lần nào
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning: job đang trong quá trình thực thi
	JobStatusRunning JobStatus = "running"
	// JobStatusCompleted: lần chạy gần nhất thành công
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed: lần chạy gần nhất thất bại
	JobStatusFailed JobStatus = "failed"
)

// JobMetadata lưu thông tin về lần chạy gần nhất của job.
type JobMetadata struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Status   JobStatus `json:"status"`
	// LastRun: thời điểm job bắt đầu chạy lần cuối
	LastRun time.Time `json:"last_run"`
	// NextRun: thời điểm dự kiến chạy lần tiếp theo
	NextRun time.Time `json:"next_run"`
	// Duration: thời gian thực thi của lần chạy cuối (giây)
	Duration float64 `json:"duration"`
	Error    string  `json:"error,omitempty"`
	// Runs: tổng số lần đã chạy kể từ khi process khởi động
	Runs int `json:"runs"`
	// Day, RunsToday: số lần chạy trong ngày Day (múi giờ của cửa hàng)
	Day       string    `json:"day,omitempty"`
	RunsToday int       `json:"runs_today"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
