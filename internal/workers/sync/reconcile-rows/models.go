// internal/workers/sync/reconcile-rows/models.go
package reconcilerows

import (
	"time"

	"sheetbridge/internal/models"
)

// Output summarises one reconciliation pass.
type Output struct {
	Synced   int `json:"synced"`
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Skipped  int `json:"skipped"`
}

// Status is the scheduler state as reported to clients. Durations are in
// seconds.
type Status struct {
	Enabled        bool       `json:"enabled"`
	Running        bool       `json:"running"`
	LastStarted    *time.Time `json:"last_started"`
	LastFinished   *time.Time `json:"last_finished"`
	LastError      *string    `json:"last_error"`
	TotalRuns      int64      `json:"total_runs"`
	TotalErrors    int64      `json:"total_errors"`
	CurrentBackoff float64    `json:"current_backoff"`
	Interval       float64    `json:"interval"`
	Jitter         float64    `json:"jitter"`
	BackoffMax     float64    `json:"backoff_max"`
}

func newStatus(s models.SchedulerState) *Status {
	return &Status{
		Enabled:        s.Enabled,
		Running:        s.Running,
		LastStarted:    s.LastStarted,
		LastFinished:   s.LastFinished,
		LastError:      s.LastError,
		TotalRuns:      s.TotalRuns,
		TotalErrors:    s.TotalErrors,
		CurrentBackoff: s.CurrentBackoff.Seconds(),
		Interval:       s.Interval.Seconds(),
		Jitter:         s.Jitter.Seconds(),
		BackoffMax:     s.BackoffMax.Seconds(),
	}
}
