package logger

import (
	"bytes"
	"io"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

const stdLogLoggerName = "stdlog"

// StdLogBridge là io.Writer chuyển output của package log chuẩn (và của các thư viện
// ghi qua log.Printf, vd net/http server) sang logrus với logger "stdlog".
// Mỗi dòng là một entry; dòng có chữ "error"/"panic" được ghi ở mức Warn.
type StdLogBridge struct {
	mu  sync.Mutex
	buf bytes.Buffer
	log *logrus.Logger
}

// NewStdLogBridge tạo bridge dùng với log.SetOutput hoặc http.Server.ErrorLog
func NewStdLogBridge() *StdLogBridge {
	return &StdLogBridge{log: GetLogger(stdLogLoggerName)}
}

// Write gom dữ liệu theo dòng, phần chưa có "\n" được giữ lại cho lần ghi sau
func (b *StdLogBridge) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Write(p)
	for {
		line, err := b.buf.ReadString('\n')
		if err == io.EOF {
			b.buf.WriteString(line)
			break
		}
		line = strings.TrimRight(line, "\r\n")
		if line != "" {
			b.logLine(line)
		}
	}
	return len(p), nil
}

func (b *StdLogBridge) logLine(line string) {
	entry := b.log.WithField("source", "stdlog")
	lower := strings.ToLower(line)
	if strings.Contains(lower, "error") || strings.Contains(lower, "panic") {
		entry.Warn(line)
		return
	}
	entry.Info(line)
}
