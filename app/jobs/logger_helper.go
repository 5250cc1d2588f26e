/*
Package jobs chứa các job cụ thể của ứng dụng.
File này chứa các helper functions để sử dụng logger trong jobs.
*/
package jobs

import (
	"sync"

	"agent_sapo/utility/logger"

	"github.com/sirupsen/logrus"
)

var (
	jobLoggerOnce sync.Once
	jobLogger     *logrus.Logger
)

// JobLogger trả về logger chung cho jobs (file logs/job.log)
func JobLogger() *logrus.Logger {
	jobLoggerOnce.Do(func() { jobLogger = logger.GetJobLogger() })
	return jobLogger
}

// LogJobStart log khi job bắt đầu
func LogJobStart(jobName, schedule string) *logrus.Entry {
	return JobLogger().WithFields(logrus.Fields{
		"job_name": jobName,
		"schedule": schedule,
		"status":   "started",
	})
}

// LogJobEnd log khi job kết thúc thành công
func LogJobEnd(jobName string, duration string, durationMs int64, fields logrus.Fields) {
	JobLogger().WithFields(fields).WithFields(logrus.Fields{
		"job_name":    jobName,
		"status":      "completed",
		"duration":    duration,
		"duration_ms": durationMs,
	}).Info("✅ JOB HOÀN THÀNH")
}

// LogJobError log khi job gặp lỗi
func LogJobError(jobName string, err error, duration string, durationMs int64) {
	JobLogger().WithFields(logrus.Fields{
		"job_name":    jobName,
		"status":      "failed",
		"error":       err.Error(),
		"duration":    duration,
		"duration_ms": durationMs,
	}).Error("❌ JOB THẤT BẠI")
}

// LogJobWarn log cảnh báo của job
func LogJobWarn(jobName string, message string, fields logrus.Fields) {
	JobLogger().WithField("job_name", jobName).WithFields(fields).Warn(message)
}
