// internal/workers/sync/reconcile-rows/config.go
package reconcilerows

import (
	"time"

	"sheetbridge/internal/common/config"
)

type Config struct {
	Enabled    bool
	Interval   time.Duration
	Jitter     time.Duration
	BackoffMax time.Duration
	// Timeout bounds one remote fetch.
	Timeout time.Duration
}

func LoadConfig(cfg *config.Config) *Config {
	return &Config{
		Enabled:    cfg.Sync.Enabled,
		Interval:   config.Seconds(cfg.Sync.Interval),
		Jitter:     config.Seconds(cfg.Sync.Jitter),
		BackoffMax: config.Seconds(cfg.Sync.BackoffMax),
		Timeout:    config.GetDuration(cfg.Sync.Timeout),
	}
}
