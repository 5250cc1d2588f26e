package logger

import (
	"strings"

	"github.com/sirupsen/logrus"
)

// LoggerNameHook gắn logger_name vào mọi entry để lọc log theo thành phần.
// Logger có tên dạng "*-job" được gắn thêm job_name.
type LoggerNameHook struct {
	loggerName string
}

// NewLoggerNameHook tạo hook mới với logger name
func NewLoggerNameHook(loggerName string) *LoggerNameHook {
	return &LoggerNameHook{loggerName: loggerName}
}

// Levels trả về các log levels mà hook này sẽ xử lý
func (h *LoggerNameHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire thêm logger_name (và job_name) nếu entry chưa có
func (h *LoggerNameHook) Fire(entry *logrus.Entry) error {
	if h.loggerName == "" {
		return nil
	}
	if _, ok := entry.Data["logger_name"]; !ok {
		entry.Data["logger_name"] = h.loggerName
	}
	if strings.HasSuffix(h.loggerName, "-job") {
		if _, ok := entry.Data["job_name"]; !ok {
			entry.Data["job_name"] = h.loggerName
		}
	}
	return nil
}
