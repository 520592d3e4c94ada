package monitor

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/t77yq/post-scheduler/internal/model"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObserveScan(model.ScanReport{Due: 4, Duration: 30 * time.Millisecond}, nil)
	m.ObserveScan(model.ScanReport{}, errors.New("store unavailable"))
	m.ObserveDispatch("published")
	m.ObserveDispatch("published")
	m.ObserveDispatch("retried")
	m.ObserveAttempt("Twitter", true, 10*time.Millisecond)
	m.ObserveAttempt("Twitter", false, 20*time.Millisecond)
	m.ObserveAttempt("LinkedIn", false, 20*time.Millisecond)
	m.ObserveSystem(model.SystemStats{CPUUsage: 12.5, MemoryUsage: 60})

	assert.Equal(t, 1.0, promtest.ToFloat64(m.Scans.WithLabelValues("ok")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.Scans.WithLabelValues("error")))
	assert.Equal(t, 4.0, promtest.ToFloat64(m.DuePosts))
	assert.Equal(t, 2.0, promtest.ToFloat64(m.Dispatches.WithLabelValues("published")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.Dispatches.WithLabelValues("retried")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.Attempts.WithLabelValues("Twitter", "success")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.Attempts.WithLabelValues("Twitter", "failure")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.Attempts.WithLabelValues("LinkedIn", "failure")))
	assert.Equal(t, 12.5, promtest.ToFloat64(m.CPUUsage))
	assert.Equal(t, 60.0, promtest.ToFloat64(m.MemoryUsage))
	assert.Equal(t, 2, promtest.CollectAndCount(m.AttemptDuration))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveScan(model.ScanReport{}, nil)
		m.ObserveDispatch("published")
		m.ObserveAttempt("Twitter", true, time.Millisecond)
		m.ObserveAlert("slack", nil)
		m.ObserveSystem(model.SystemStats{})
	})
}
