// internal/models/scheduler.go
package models

import "time"

// SchedulerState is the reconciliation scheduler's process-wide status.
type SchedulerState struct {
	Enabled        bool          `json:"enabled"`
	Running        bool          `json:"running"`
	LastStarted    *time.Time    `json:"last_started"`
	LastFinished   *time.Time    `json:"last_finished"`
	LastError      *string       `json:"last_error"`
	TotalRuns      int64         `json:"total_runs"`
	TotalErrors    int64         `json:"total_errors"`
	CurrentBackoff time.Duration `json:"-"`
	Interval       time.Duration `json:"-"`
	Jitter         time.Duration `json:"-"`
	BackoffMax     time.Duration `json:"-"`
}
