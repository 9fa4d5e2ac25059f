package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 数据源抓取延迟（秒）
	SourceFetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "openbrief_source_fetch_duration_seconds",
			Help:    "Source fetch duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"source", "status"},
	)

	// 数据源重试计数
	SourceRetryCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openbrief_source_retries_total",
			Help: "Total number of source fetch retries",
		},
		[]string{"source"},
	)

	// 数据源降级计数
	SourceDegradedCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openbrief_source_degraded_total",
			Help: "Total number of runs that degraded a source to empty data",
		},
		[]string{"source"},
	)

	// 分类计数
	ItemsClassified = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openbrief_items_classified_total",
			Help: "Total number of items classified by priority",
		},
		[]string{"kind", "priority"}, // kind: message, event
	)

	// 简报投递计数
	DeliveryCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openbrief_deliveries_total",
			Help: "Total number of briefing delivery attempts",
		},
		[]string{"result"}, // result: success, failed
	)

	// 运行耗时（秒）
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "openbrief_run_duration_seconds",
			Help:    "Briefing run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~100s
		},
		[]string{"status"},
	)

	// 执行中的运行数量
	RunsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "openbrief_runs_in_flight",
			Help: "Number of briefing runs currently executing",
		},
	)
)

// RecordSourceFetch 记录一次数据源抓取
func RecordSourceFetch(source, status string, duration time.Duration) {
	SourceFetchDuration.WithLabelValues(source, status).Observe(duration.Seconds())
}

// IncrementSourceRetry 增加数据源重试计数
func IncrementSourceRetry(source string) {
	SourceRetryCount.WithLabelValues(source).Inc()
}

// IncrementSourceDegraded 增加数据源降级计数
func IncrementSourceDegraded(source string) {
	SourceDegradedCount.WithLabelValues(source).Inc()
}

// IncrementClassified 增加分类计数
func IncrementClassified(kind, priority string) {
	ItemsClassified.WithLabelValues(kind, priority).Inc()
}

// IncrementDelivery 增加投递计数
func IncrementDelivery(result string) {
	DeliveryCount.WithLabelValues(result).Inc()
}
