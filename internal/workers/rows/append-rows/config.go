// internal/workers/rows/append-rows/config.go
package appendrows

import (
	"time"

	"sheetbridge/internal/common/config"
)

type Config struct {
	// WriteBack enables the synchronous write-through to the remote sheet.
	WriteBack bool
	// Timeout bounds one write-through attempt.
	Timeout time.Duration
	// BulkMaxItems rejects larger bulk payloads outright.
	BulkMaxItems int
}

func LoadConfig(cfg *config.Config) *Config {
	return &Config{
		WriteBack:    cfg.Sheets.WriteBack,
		Timeout:      config.GetDuration(cfg.Sheets.Timeout),
		BulkMaxItems: cfg.Bulk.MaxItems,
	}
}
