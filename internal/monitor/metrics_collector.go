package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/post-scheduler/internal/model"
)

// SampleFunc reads host resource usage
type SampleFunc func(ctx context.Context) (model.SystemStats, error)

// MetricsCollector periodically samples host resource usage
type MetricsCollector struct {
	logger   *zap.Logger
	metrics  *Metrics
	interval time.Duration
	sample   SampleFunc

	mu      sync.RWMutex
	latest  model.SystemStats
	started bool

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewMetricsCollector creates a new metrics collector. metrics may be nil.
func NewMetricsCollector(metrics *Metrics, interval time.Duration, logger *zap.Logger) *MetricsCollector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &MetricsCollector{
		logger:   logger.Named("metrics-collector"),
		metrics:  metrics,
		interval: interval,
		sample:   SampleSystem,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start takes a first sample and starts the collection loop
func (c *MetricsCollector) Start(ctx context.Context) {
	c.logger.Info("Starting metrics collector", zap.Duration("interval", c.interval))
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()

	c.collect(ctx)
	go c.collectLoop(ctx)
}

// Stop stops the collection loop and waits for it to exit
func (c *MetricsCollector) Stop() {
	c.once.Do(func() {
		c.logger.Info("Stopping metrics collector")
		close(c.stop)
	})

	c.mu.RLock()
	started := c.started
	c.mu.RUnlock()
	if started {
		<-c.done
	}
}

// Latest returns the most recent sample
func (c *MetricsCollector) Latest() model.SystemStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest
}

func (c *MetricsCollector) collectLoop(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

func (c *MetricsCollector) collect(ctx context.Context) {
	stats, err := c.sample(ctx)
	if err != nil {
		c.logger.Error("Failed to collect system metrics", zap.Error(err))
		return
	}

	c.mu.Lock()
	c.latest = stats
	c.mu.Unlock()
	c.metrics.ObserveSystem(stats)

	c.logger.Debug("Metrics collected",
		zap.Float64("cpu_usage", stats.CPUUsage),
		zap.Float64("memory_usage", stats.MemoryUsage))
}

// SampleSystem reads CPU and memory usage through gopsutil. CPU usage is
// measured since the previous call.
func SampleSystem(ctx context.Context) (model.SystemStats, error) {
	cpuPercent, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return model.SystemStats{}, fmt.Errorf("failed to get CPU usage: %w", err)
	}

	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return model.SystemStats{}, fmt.Errorf("failed to get memory usage: %w", err)
	}

	stats := model.SystemStats{
		MemoryUsage: memInfo.UsedPercent,
		CollectedAt: time.Now().UTC(),
	}
	if len(cpuPercent) > 0 {
		stats.CPUUsage = cpuPercent[0]
	}
	return stats, nil
}
