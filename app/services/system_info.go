package services

import (
	"runtime"
	"time"
)

// SystemInfoCollector thu thập thông tin runtime của process cho /healthz
type SystemInfoCollector struct {
	startTime time.Time
}

// NewSystemInfoCollector tạo collector, uptime tính từ thời điểm gọi
func NewSystemInfoCollector() *SystemInfoCollector {
	return &SystemInfoCollector{startTime: time.Now()}
}

// SystemInfo chứa thông tin hệ thống
type SystemInfo struct {
	OS         string `json:"os"`
	Arch       string `json:"arch"`
	GoVersion  string `json:"go_version"`
	Uptime     int64  `json:"uptime"` // giây
	Goroutines int    `json:"goroutines"`
	HeapAlloc  uint64 `json:"heap_alloc"` // bytes
	NumGC      uint32 `json:"num_gc"`
}

// Collect đọc thông tin hiện tại
func (s *SystemInfoCollector) Collect() SystemInfo {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return SystemInfo{
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
		GoVersion:  runtime.Version(),
		Uptime:     int64(time.Since(s.startTime).Seconds()),
		Goroutines: runtime.NumGoroutine(),
		HeapAlloc:  ms.HeapAlloc,
		NumGC:      ms.NumGC,
	}
}
