/*
Package scheduler cung cấp chức năng quản lý và thực thi các tác vụ định kỳ (cron jobs).
Package này sử dụng thư viện robfig/cron để quản lý việc lập lịch các tác vụ.

Các tính năng chính:
- Khởi tạo và quản lý scheduler
- Thêm/xóa/theo dõi các jobs, chạy job ngay theo yêu cầu
- Bắt panic của từng lần chạy để không làm sập process
- Hỗ trợ định dạng cron expression với độ chính xác đến giây
*/
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"agent_sapo/global"
	"agent_sapo/utility"
	"agent_sapo/utility/logger"
	"agent_sapo/utility/metrics"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// ErrJobRunning được trả về khi job đang chạy và lần gọi mới bị bỏ qua
var ErrJobRunning = errors.New("job đang chạy")

// ErrJobNotFound được trả về khi không có job với tên đã cho
var ErrJobNotFound = errors.New("không tìm thấy job")

type entry struct {
	id   cron.EntryID
	job  Job
	meta JobMetadata
}

// Scheduler đại diện cho một scheduler quản lý các cron jobs.
type Scheduler struct {
	cron *cron.Cron
	jobs map[string]*entry
	mu   sync.RWMutex

	// ctx bị hủy khi Stop để các job đang chạy dừng sớm
	ctx    context.Context
	cancel context.CancelFunc
	loc    *time.Location
	log    *logrus.Logger
}

// NewScheduler tạo một instance mới của Scheduler với cron độ chính xác đến giây.
// Biểu thức cron được hiểu theo global.Location tại thời điểm gọi.
func NewScheduler() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	loc := global.Location
	return &Scheduler{
		cron:   cron.New(cron.WithSeconds(), cron.WithLocation(loc)),
		jobs:   make(map[string]*entry),
		ctx:    ctx,
		cancel: cancel,
		loc:    loc,
		log:    logger.GetLogger("scheduler"),
	}
}

// Start khởi động scheduler. Có thể thêm job sau khi đã Start.
func (s *Scheduler) Start() {
	s.mu.RLock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)

	s.log.WithFields(logrus.Fields{"jobs": len(names), "names": names}).Info("🚀 Đang khởi động cron scheduler")
	s.cron.Start()
	s.log.Info("✅ Cron scheduler đã được khởi động")
}

// Stop dừng lập lịch, hủy context của các job đang chạy và trả về context
// được đóng khi mọi job đã kết thúc.
func (s *Scheduler) Stop() context.Context {
	done := s.cron.Stop()
	s.cancel()
	return done
}

// AddJobObject đăng ký job vào cron. Job cùng tên đã có bị thay thế.
// Trả về error nếu biểu thức cron không hợp lệ.
func (s *Scheduler) AddJobObject(job Job) error {
	name := job.GetName()
	spec := job.GetSchedule()

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, exists := s.jobs[name]; exists {
		s.log.WithFields(logrus.Fields{"job_name": name, "entry_id": old.id}).Warn("⚠️ Job đã tồn tại, thay job cũ")
		s.cron.Remove(old.id)
		delete(s.jobs, name)
	}

	id, err := s.cron.AddFunc(spec, func() { _ = s.run(name) })
	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{"job_name": name, "schedule": spec}).Error("❌ Lỗi khi thêm job vào cron")
		return fmt.Errorf("lịch của job %s không hợp lệ: %w", name, err)
	}

	now := time.Now()
	s.jobs[name] = &entry{
		id:  id,
		job: job,
		meta: JobMetadata{
			Name:      name,
			Schedule:  spec,
			Status:    JobStatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
	s.log.WithFields(logrus.Fields{"job_name": name, "schedule": spec, "entry_id": id}).Info("✅ Đã đăng ký job")
	return nil
}

// RunNow chạy job ngay trên goroutine của caller và trả về lỗi của lần chạy
func (s *Scheduler) RunNow(name string) error {
	return s.run(name)
}

// run thực thi job với panic recovery và cập nhật metadata
func (s *Scheduler) run(name string) error {
	s.mu.Lock()
	e, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return ErrJobNotFound
	}
	job := e.job
	start := time.Now()
	e.meta.Status = JobStatusRunning
	e.meta.LastRun = start
	e.meta.UpdatedAt = start
	s.mu.Unlock()

	var runErr error
	if perr := utility.GoProtect(s.log.WithField("job_name", name), func() {
		runErr = job.Execute(s.ctx)
	}); perr != nil {
		runErr = perr
	}
	duration := time.Since(start)

	s.mu.Lock()
	if cur, ok := s.jobs[name]; ok && cur == e {
		e.meta.Duration = duration.Seconds()
		e.meta.UpdatedAt = time.Now()
		switch {
		case errors.Is(runErr, ErrJobRunning):
			// lần chạy trước vẫn đang chạy, giữ nguyên trạng thái running
			e.meta.Status = JobStatusRunning
		case runErr != nil:
			s.countRun(e, start)
			e.meta.Status = JobStatusFailed
			e.meta.Error = runErr.Error()
		default:
			s.countRun(e, start)
			e.meta.Status = JobStatusCompleted
			e.meta.Error = ""
		}
	}
	s.mu.Unlock()

	fields := logrus.Fields{"job_name": name, "duration_ms": duration.Milliseconds()}
	switch {
	case errors.Is(runErr, ErrJobRunning):
		metrics.ObserveJob(name, "skipped", duration)
		s.log.WithFields(fields).Debug("Job đang chạy, bỏ qua lượt này")
	case runErr != nil:
		metrics.ObserveJob(name, string(JobStatusFailed), duration)
		s.log.WithFields(fields).WithError(runErr).Error("❌ Lỗi khi thực thi job")
	default:
		metrics.ObserveJob(name, string(JobStatusCompleted), duration)
		s.log.WithFields(fields).Debug("Job đã hoàn thành")
	}
	return runErr
}

// countRun tăng bộ đếm tổng và bộ đếm theo ngày local; sang ngày mới thì RunsToday về 0
func (s *Scheduler) countRun(e *entry, start time.Time) {
	e.meta.Runs++
	if day := utility.DayKey(start, s.loc); e.meta.Day != day {
		e.meta.Day = day
		e.meta.RunsToday = 0
	}
	e.meta.RunsToday++
}

// RemoveJob xóa job khỏi scheduler. Job không tồn tại thì bỏ qua.
func (s *Scheduler) RemoveJob(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, exists := s.jobs[name]; exists {
		s.cron.Remove(e.id)
		delete(s.jobs, name)
	}
}

// Status trả về bản sao metadata của mọi job, sắp theo tên
func (s *Scheduler) Status() []JobMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]JobMetadata, 0, len(s.jobs))
	for _, e := range s.jobs {
		meta := e.meta
		if next := s.cron.Entry(e.id).Next; !next.IsZero() {
			meta.NextRun = next
		}
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
