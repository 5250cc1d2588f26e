package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestCustomTextFormatterPrefixes(t *testing.T) {
	f := &CustomTextFormatter{TextFormatter: logrus.TextFormatter{DisableColors: true, DisableTimestamp: true}}
	cases := []struct {
		level  logrus.Level
		prefix string
	}{
		{logrus.ErrorLevel, "🚨 [ERROR] "},
		{logrus.WarnLevel, "⚠️  [WARN] "},
		{logrus.InfoLevel, "level=info"},
	}
	for _, tc := range cases {
		entry := &logrus.Entry{Logger: logrus.New(), Level: tc.level, Message: "xin chào", Data: logrus.Fields{}}
		out, err := f.Format(entry)
		if err != nil {
			t.Fatalf("Format(%v) error = %v", tc.level, err)
		}
		if !strings.HasPrefix(string(out), tc.prefix) {
			t.Fatalf("Format(%v) = %q, want prefix %q", tc.level, out, tc.prefix)
		}
	}
}

func TestLoggerNameHook(t *testing.T) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetFormatter(&logrus.JSONFormatter{})
	l.AddHook(NewLoggerNameHook("sync-job"))

	l.Info("hello")
	out := buf.String()
	if !strings.Contains(out, `"logger_name":"sync-job"`) || !strings.Contains(out, `"job_name":"sync-job"`) {
		t.Fatalf("output = %s, want logger_name and job_name", out)
	}
}

func TestIsRotatedBackup(t *testing.T) {
	cases := map[string]bool{
		"app.log":                                 false,
		"app-2024-01-02T03-04-05.000.log":         true,
		"sync-job-2024-01-02T03-04-05.000.log.gz": true,
		"notes.txt":                               false,
		"app-backup.log":                          false,
	}
	for name, want := range cases {
		if got := isRotatedBackup(name); got != want {
			t.Fatalf("isRotatedBackup(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestCleanupDirRemovesOnlyOldBackups(t *testing.T) {
	dir := t.TempDir()
	old := time.Now().Add(-48 * time.Hour)
	files := map[string]bool{
		"app.log":                         false,
		"app-2024-01-02T03-04-05.000.log": true,
		"app-2099-01-02T03-04-05.000.log": false,
	}
	for name := range files {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
		if name != "app-2099-01-02T03-04-05.000.log" {
			if err := os.Chtimes(path, old, old); err != nil {
				t.Fatal(err)
			}
		}
	}

	deleted, err := cleanupDir(dir, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("cleanupDir() error = %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}
	for name, gone := range files {
		_, err := os.Stat(filepath.Join(dir, name))
		if gone != os.IsNotExist(err) {
			t.Fatalf("%s removed = %v, want %v", name, os.IsNotExist(err), gone)
		}
	}
}

func TestStdLogBridgeBuffersPartialLines(t *testing.T) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetFormatter(&logrus.JSONFormatter{})
	b := &StdLogBridge{log: l}

	b.Write([]byte("http: TLS handshake "))
	if buf.Len() != 0 {
		t.Fatalf("partial line logged early: %s", buf.String())
	}
	b.Write([]byte("error\nnext line\n"))
	out := buf.String()
	if strings.Count(out, "\n") != 2 {
		t.Fatalf("want 2 entries, got %q", out)
	}
	if !strings.Contains(out, `"level":"warning"`) {
		t.Fatalf("error line should be logged at warn level: %s", out)
	}
}
