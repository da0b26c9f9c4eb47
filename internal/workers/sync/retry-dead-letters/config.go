// internal/workers/sync/retry-dead-letters/config.go
package retrydeadletters

import (
	"time"

	"sheetbridge/internal/common/config"
)

type Config struct {
	Enabled     bool
	Interval    time.Duration
	Batch       int
	Concurrency int
	// Timeout bounds a single remote write.
	Timeout time.Duration
}

func LoadConfig(cfg *config.Config) *Config {
	c := &Config{
		Enabled:     cfg.DLQ.RetryEnabled,
		Interval:    config.Seconds(cfg.DLQ.Interval),
		Batch:       cfg.DLQ.Batch,
		Concurrency: cfg.DLQ.Concurrency,
		Timeout:     config.GetDuration(cfg.DLQ.Timeout),
	}
	if c.Batch <= 0 {
		c.Batch = 50
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.Interval <= 0 {
		c.Interval = 60 * time.Second
	}
	return c
}
