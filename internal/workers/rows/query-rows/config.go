// internal/workers/rows/query-rows/config.go
package queryrows

import "time"

type Config struct {
	Timeout      time.Duration
	DefaultLimit int
	MaxLimit     int
}

func LoadConfig() *Config {
	return &Config{
		Timeout:      10 * time.Second,
		DefaultLimit: 100,
		MaxLimit:     1000,
	}
}
