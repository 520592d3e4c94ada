package model

import "time"

// ScanReport summarises one scan-and-dispatch cycle
type ScanReport struct {
	Due       int           `json:"due"`
	Attempted int           `json:"attempted"`
	Published int           `json:"published"`
	Retried   int           `json:"retried"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Errors    int           `json:"errors"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Add accumulates the counters of other into r.
func (r *ScanReport) Add(other ScanReport) {
	r.Due += other.Due
	r.Attempted += other.Attempted
	r.Published += other.Published
	r.Retried += other.Retried
	r.Failed += other.Failed
	r.Skipped += other.Skipped
	r.Errors += other.Errors
	r.Duration += other.Duration
}

// EngineStats represents cumulative scheduling engine statistics
type EngineStats struct {
	Scans         int64       `json:"scans"`
	FailedScans   int64       `json:"failed_scans"`
	LastScan      *ScanReport `json:"last_scan,omitempty"`
	LastScanError string      `json:"last_scan_error,omitempty"`
	Totals        ScanReport  `json:"totals"`
}

// SystemStats represents host resource usage sampled by the metrics collector
type SystemStats struct {
	CPUUsage    float64   `json:"cpu_usage"`
	MemoryUsage float64   `json:"memory_usage"`
	CollectedAt time.Time `json:"collected_at"`
}
