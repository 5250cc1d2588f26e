/*
Package logger cung cấp các logger logrus theo tên (app, job, http, sapo, notify, sync, api).
Mỗi logger ghi ra console và một file riêng được rotate bởi lumberjack.
Cấu hình đọc từ biến môi trường LOG_*.
*/
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config chứa cấu hình cho logger
type Config struct {
	Level         string `env:"LOG_LEVEL" envDefault:"info"`          // debug, info, warn, error, fatal
	Format        string `env:"LOG_FORMAT" envDefault:"text"`         // json hoặc text
	LogDir        string `env:"LOG_DIR" envDefault:"./logs"`          // Thư mục lưu log files
	EnableConsole bool   `env:"LOG_ENABLE_CONSOLE" envDefault:"true"` // Log ra console
	EnableFile    bool   `env:"LOG_ENABLE_FILE" envDefault:"true"`    // Log ra file
	MaxSize       int    `env:"LOG_MAX_SIZE" envDefault:"100"`        // MB trước khi rotate
	MaxBackups    int    `env:"LOG_MAX_BACKUPS" envDefault:"10"`      // Số file cũ giữ lại
	MaxAge        int    `env:"LOG_MAX_AGE" envDefault:"30"`          // Số ngày giữ file cũ
	Compress      bool   `env:"LOG_COMPRESS" envDefault:"true"`       // Nén file cũ
	EnableCaller  bool   `env:"LOG_ENABLE_CALLER" envDefault:"false"` // Hiển thị file:line
}

// NewConfig đọc cấu hình logger từ biến môi trường
func NewConfig() *Config {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️ Lỗi đọc cấu hình LOG_*: %v, dùng mặc định\n", err)
		return defaultConfig()
	}
	return cfg
}

func defaultConfig() *Config {
	return &Config{
		Level:         "info",
		Format:        "text",
		LogDir:        "./logs",
		EnableConsole: true,
		EnableFile:    true,
		MaxSize:       100,
		MaxBackups:    10,
		MaxAge:        30,
		Compress:      true,
	}
}

var (
	loggers   = make(map[string]*logrus.Logger)
	loggersMu sync.Mutex
	globalCfg *Config
)

// InitLogger đặt cấu hình dùng cho các logger được tạo sau đó
func InitLogger(cfg *Config) error {
	if cfg == nil {
		cfg = defaultConfig()
	}
	if cfg.EnableFile {
		if err := os.MkdirAll(resolveLogDir(cfg), 0755); err != nil {
			return fmt.Errorf("không thể tạo thư mục logs: %w", err)
		}
	}
	loggersMu.Lock()
	globalCfg = cfg
	loggersMu.Unlock()
	return nil
}

func currentConfig() *Config {
	if globalCfg == nil {
		return defaultConfig()
	}
	return globalCfg
}

// resolveLogDir trả về thư mục logs; "./logs" được đặt cạnh file thực thi
func resolveLogDir(cfg *Config) string {
	if cfg.LogDir != "" && cfg.LogDir != "./logs" {
		return cfg.LogDir
	}
	executable, err := os.Executable()
	if err != nil {
		wd, _ := os.Getwd()
		return filepath.Join(wd, "logs")
	}
	return filepath.Join(filepath.Dir(executable), "logs")
}

func parseLogLevel(level string) logrus.Level {
	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// CustomTextFormatter làm nổi bật các dòng WARN, ERROR, FATAL
type CustomTextFormatter struct {
	logrus.TextFormatter
}

// Format thêm prefix theo level, ERROR/FATAL có thêm dòng phân cách
func (f *CustomTextFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	data, err := f.TextFormatter.Format(entry)
	if err != nil {
		return nil, err
	}

	switch entry.Level {
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		prefix := "🚨 [ERROR] "
		if entry.Level != logrus.ErrorLevel {
			prefix = "💀 [FATAL] "
		}
		result := append([]byte(prefix), data...)
		result = []byte(strings.TrimSuffix(string(result), "\n"))
		result = append(result, []byte("\n═══════════════════════════════════════════════════════════\n")...)
		return result, nil
	case logrus.WarnLevel:
		return append([]byte("⚠️  [WARN] "), data...), nil
	}
	return data, nil
}

func createFormatter(format string) logrus.Formatter {
	if strings.EqualFold(format, "json") {
		return &logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
				logrus.FieldKeyFunc:  "caller",
			},
		}
	}
	return &CustomTextFormatter{
		TextFormatter: logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05.000",
			ForceColors:     true,
			CallerPrettyfier: func(f *runtime.Frame) (string, string) {
				s := strings.Split(f.Function, ".")
				return s[len(s)-1], fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
			},
		},
	}
}

// GetLogger trả về logger theo tên, tạo mới nếu chưa có.
// Mỗi logger có file log riêng: <LOG_DIR>/<name>.log
func GetLogger(name string) *logrus.Logger {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	if l, ok := loggers[name]; ok {
		return l
	}

	cfg := currentConfig()
	l := logrus.New()
	l.SetLevel(parseLogLevel(cfg.Level))
	l.SetFormatter(createFormatter(cfg.Format))
	l.SetReportCaller(cfg.EnableCaller)
	l.AddHook(NewLoggerNameHook(name))

	var writers []io.Writer
	if cfg.EnableConsole {
		writers = append(writers, os.Stdout)
	}
	if cfg.EnableFile {
		logDir := resolveLogDir(cfg)
		if err := os.MkdirAll(logDir, 0755); err == nil {
			writers = append(writers, &lumberjack.Logger{
				Filename:   filepath.Join(logDir, name+".log"),
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
				Compress:   cfg.Compress,
				LocalTime:  true,
			})
		} else {
			fmt.Fprintf(os.Stderr, "⚠️ Không thể tạo thư mục logs %s: %v\n", logDir, err)
		}
	}
	switch len(writers) {
	case 0:
		l.SetOutput(io.Discard)
	case 1:
		l.SetOutput(writers[0])
	default:
		l.SetOutput(io.MultiWriter(writers...))
	}

	loggers[name] = l
	return l
}

// GetAppLogger trả về logger cho application
func GetAppLogger() *logrus.Logger { return GetLogger("app") }

// GetJobLogger trả về logger cho jobs
func GetJobLogger() *logrus.Logger { return GetLogger("job") }

// WithRequestID tạo logger entry với request ID
func WithRequestID(l logrus.FieldLogger, requestID string) *logrus.Entry {
	return l.WithField("request_id", requestID)
}

// LogDuration log thời gian thực thi của một thao tác
func LogDuration(entry *logrus.Entry, operation string, startTime time.Time) {
	duration := time.Since(startTime)
	entry.WithFields(logrus.Fields{
		"operation":   operation,
		"duration_ms": duration.Milliseconds(),
	}).Debug("Operation completed")
}

// CleanupOldLogs xóa các file log đã rotate cũ hơn MaxAge ngày.
// lumberjack chỉ dọn khi rotate nên các logger ít ghi cần được dọn định kỳ.
//
// Trả về số file đã xóa.
func CleanupOldLogs() (int, error) {
	cfg := currentConfig()
	if !cfg.EnableFile || cfg.MaxAge <= 0 {
		return 0, nil
	}
	return cleanupDir(resolveLogDir(cfg), time.Now().AddDate(0, 0, -cfg.MaxAge))
}

func cleanupDir(dir string, cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, e := range entries {
		if e.IsDir() || !isRotatedBackup(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err == nil {
			deleted++
		}
	}
	return deleted, nil
}

// isRotatedBackup nhận diện file backup của lumberjack: "<name>-<timestamp>.log[.gz]".
// File đang ghi ("<name>.log") không bao giờ bị xóa.
func isRotatedBackup(fileName string) bool {
	base := strings.TrimSuffix(fileName, ".gz")
	if !strings.HasSuffix(base, ".log") {
		return false
	}
	stem := strings.TrimSuffix(base, ".log")
	n := len(backupTimeFormat)
	if len(stem) <= n+1 || stem[len(stem)-n-1] != '-' {
		return false
	}
	_, err := time.Parse(backupTimeFormat, stem[len(stem)-n:])
	return err == nil
}

// backupTimeFormat là format timestamp lumberjack gắn vào tên file backup
const backupTimeFormat = "2006-01-02T15-04-05.000"
