/*
Package metrics chứa các Prometheus collector của agent và handler /metrics.
Mọi collector đăng ký vào một registry riêng (không dùng DefaultRegisterer)
để test có thể đọc giá trị mà không bị ảnh hưởng bởi package khác.
*/
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agent_sapo"

// Registry là registry chứa mọi collector của process
var Registry = prometheus.NewRegistry()

var (
	upstreamRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upstream_requests_total",
		Help:      "Số lần thử gọi upstream theo host và kết quả (2xx, 4xx, 5xx, error).",
	}, []string{"host", "outcome"})

	upstreamDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "upstream_request_duration_seconds",
		Help:      "Thời gian của một lần thử gọi upstream.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"host"})

	jobRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "job_runs_total",
		Help:      "Số lần chạy job theo kết quả (completed, failed, skipped).",
	}, []string{"job", "status"})

	jobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "job_duration_seconds",
		Help:      "Thời gian chạy job.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 4, 8),
	}, []string{"job"})

	deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notification_deliveries_total",
		Help:      "Số delivery đã xử lý theo kênh và trạng thái cuối.",
	}, []string{"channel", "status"})

	notificationsEmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_emitted_total",
		Help:      "Số notification đã được tạo.",
	})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		upstreamRequests,
		upstreamDuration,
		jobRuns,
		jobDuration,
		deliveries,
		notificationsEmitted,
	)
}

// Handler trả về http.Handler phục vụ định dạng exposition của Prometheus
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

// ObserveUpstream ghi một lần thử gọi upstream. status = 0 nghĩa là lỗi transport.
func ObserveUpstream(host string, status int, elapsed time.Duration) {
	outcome := "error"
	if status > 0 {
		outcome = strconv.Itoa(status/100) + "xx"
	}
	upstreamRequests.WithLabelValues(host, outcome).Inc()
	upstreamDuration.WithLabelValues(host).Observe(elapsed.Seconds())
}

// ObserveJob ghi kết quả một lần chạy job
func ObserveJob(job, status string, elapsed time.Duration) {
	jobRuns.WithLabelValues(job, status).Inc()
	if status != "skipped" {
		jobDuration.WithLabelValues(job).Observe(elapsed.Seconds())
	}
}

// ObserveDelivery ghi trạng thái cuối của một delivery
func ObserveDelivery(channel, status string) {
	deliveries.WithLabelValues(channel, status).Inc()
}

// ObserveEmit ghi một notification vừa được tạo
func ObserveEmit() {
	notificationsEmitted.Inc()
}
