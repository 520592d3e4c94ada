package monitor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/t77yq/post-scheduler/internal/model"
)

const namespace = "postsched"

// Metrics holds the Prometheus collectors for the scheduler
type Metrics struct {
	Scans           *prometheus.CounterVec
	ScanDuration    prometheus.Histogram
	DuePosts        prometheus.Gauge
	Dispatches      *prometheus.CounterVec
	Attempts        *prometheus.CounterVec
	AttemptDuration *prometheus.HistogramVec
	Alerts          *prometheus.CounterVec
	CPUUsage        prometheus.Gauge
	MemoryUsage     prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_total",
			Help:      "Scan cycles by result.",
		}, []string{"result"}),
		ScanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "Wall time of a scan cycle.",
			Buckets:   prometheus.DefBuckets,
		}),
		DuePosts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "due_posts",
			Help:      "Due posts observed by the last scan.",
		}),
		Dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Post dispatches by outcome.",
		}, []string{"outcome"}),
		Attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "platform_attempts_total",
			Help:      "Publish attempts by platform and result.",
		}, []string{"platform", "result"}),
		AttemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "platform_attempt_duration_seconds",
			Help:      "Latency of publish attempts by platform.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"platform"}),
		Alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_sent_total",
			Help:      "Alert notifications by channel and result.",
		}, []string{"channel", "result"}),
		CPUUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "system_cpu_usage_percent",
			Help:      "Host CPU usage.",
		}),
		MemoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "system_memory_usage_percent",
			Help:      "Host memory usage.",
		}),
	}

	reg.MustRegister(
		m.Scans,
		m.ScanDuration,
		m.DuePosts,
		m.Dispatches,
		m.Attempts,
		m.AttemptDuration,
		m.Alerts,
		m.CPUUsage,
		m.MemoryUsage,
	)
	return m
}

// ObserveScan implements scheduler.MetricsRecorder
func (m *Metrics) ObserveScan(report model.ScanReport, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.Scans.WithLabelValues("error").Inc()
		return
	}
	m.Scans.WithLabelValues("ok").Inc()
	m.ScanDuration.Observe(report.Duration.Seconds())
	m.DuePosts.Set(float64(report.Due))
}

// ObserveDispatch implements scheduler.MetricsRecorder
func (m *Metrics) ObserveDispatch(outcome string) {
	if m == nil {
		return
	}
	m.Dispatches.WithLabelValues(outcome).Inc()
}

// ObserveAttempt implements scheduler.MetricsRecorder
func (m *Metrics) ObserveAttempt(platform model.Platform, success bool, duration time.Duration) {
	if m == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	m.Attempts.WithLabelValues(string(platform), result).Inc()
	m.AttemptDuration.WithLabelValues(string(platform)).Observe(duration.Seconds())
}

// ObserveAlert counts a notification attempt
func (m *Metrics) ObserveAlert(channel string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Alerts.WithLabelValues(channel, result).Inc()
}

// ObserveSystem records a host resource sample
func (m *Metrics) ObserveSystem(stats model.SystemStats) {
	if m == nil {
		return
	}
	m.CPUUsage.Set(stats.CPUUsage)
	m.MemoryUsage.Set(stats.MemoryUsage)
}
