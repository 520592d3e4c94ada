package model

import "time"

// JobStatus reports the health of a recurring trigger job
type JobStatus struct {
	Name      string        `json:"name"`
	Interval  time.Duration `json:"interval"`
	Running   bool          `json:"running"`
	Runs      int64         `json:"runs"`
	LastRun   *time.Time    `json:"last_run,omitempty"`
	LastError string        `json:"last_error,omitempty"`
	NextRun   *time.Time    `json:"next_run,omitempty"`
}
