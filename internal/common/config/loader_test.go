// internal/common/config/loader_test.go
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

// ==========================
// Defaults
// ==========================

func TestLoadFile_Defaults(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, "app:\n  name: sheetbridge\n"))
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "sheetbridge.db", cfg.Database.SQLite.Path)
	assert.Equal(t, "Sheet1", cfg.Sheets.Worksheet)
	assert.Equal(t, 200, cfg.Sheets.BatchSize)
	assert.False(t, cfg.Sheets.WriteBack)
	assert.True(t, cfg.Cache.UpsertStrict)
	assert.Equal(t, 500, cfg.Bulk.MaxItems)
	assert.Equal(t, "schema.json", cfg.Schema.JSONPath)
	assert.Equal(t, "sql", cfg.Idempotency.Backend)
	assert.Equal(t, 86400, cfg.Idempotency.TTLSeconds)
	assert.False(t, cfg.RateLimit.Enabled)
	assert.Equal(t, 5.0, cfg.RateLimit.RPS)
	assert.Equal(t, 20, cfg.RateLimit.Burst)
	assert.Equal(t, 300, cfg.Sync.Interval)
	assert.Equal(t, 15, cfg.Sync.Jitter)
	assert.Equal(t, 600, cfg.Sync.BackoffMax)
	assert.Equal(t, "dev_token", cfg.Auth.APIToken)
	assert.Equal(t, "info", cfg.Logging.Level)
}

// ==========================
// Overrides
// ==========================

func TestLoadFile_FileValues(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, `
cache:
  key_column: id
  upsert_strict: false
sync:
  interval: 120
  jitter: 5
  backoff_max: 60
rate_limit:
  enabled: true
  rps: 2
  burst: 3
`))
	require.NoError(t, err)

	assert.Equal(t, "id", cfg.Cache.KeyColumn)
	assert.False(t, cfg.Cache.UpsertStrict)
	assert.Equal(t, 120, cfg.Sync.Interval)
	// backoff ceiling is never below the base interval
	assert.Equal(t, 120, cfg.Sync.BackoffMax)
	assert.True(t, cfg.RateLimit.Enabled)
	assert.Equal(t, 2.0, cfg.RateLimit.RPS)
	assert.Equal(t, 3, cfg.RateLimit.Burst)
}

func TestLoadFile_EnvOverrides(t *testing.T) {
	t.Setenv("KEY_COLUMN", "email")
	t.Setenv("BULK_MAX_ITEMS", "10")
	t.Setenv("SYNC_INTERVAL_SECONDS", "30")
	t.Setenv("AUTH_API_KEYS", " a , b,, ")
	t.Setenv("GOOGLE_SHEET_ID", "sheet-123")

	cfg, err := LoadFile(writeConfig(t, "cache:\n  key_column: id\n"))
	require.NoError(t, err)

	assert.Equal(t, "email", cfg.Cache.KeyColumn)
	assert.Equal(t, 10, cfg.Bulk.MaxItems)
	assert.Equal(t, 30, cfg.Sync.Interval)
	assert.Equal(t, "sheet-123", cfg.Sheets.SheetID)
	assert.Equal(t, []string{"a", "b"}, cfg.Auth.Keys())
}

// ==========================
// Validation
// ==========================

func TestLoadFile_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown driver", "database:\n  driver: oracle\n"},
		{"postgres without host", "database:\n  driver: postgres\n"},
		{"redis backend without address", "idempotency:\n  backend: redis\n"},
		{"sync without sheet", "sync:\n  enabled: true\n"},
		{"rate limit without rps", "rate_limit:\n  enabled: true\n  rps: 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFile(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadFile_MissingExplicitFile(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestReload_PicksUpFileChanges(t *testing.T) {
	path := writeConfig(t, "schema:\n  json_path: a.json\n")
	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "a.json", cfg.Schema.JSONPath)
	assert.False(t, cfg.Sync.Enabled)

	require.NoError(t, os.WriteFile(path, []byte("schema:\n  json_path: b.json\nsync:\n  enabled: true\nsheets:\n  sheet_id: s1\n"), 0o644))
	cfg, err = Reload(path)
	require.NoError(t, err)
	assert.Equal(t, "b.json", cfg.Schema.JSONPath)
	assert.True(t, cfg.Sync.Enabled)
}

func TestDurations(t *testing.T) {
	assert.Equal(t, 1500*time.Millisecond, GetDuration(1500))
	assert.Equal(t, 90*time.Second, Seconds(90))
}

func TestSheetsConfig_HasCredentials(t *testing.T) {
	assert.False(t, SheetsConfig{}.HasCredentials())
	assert.True(t, SheetsConfig{ServiceAccountJSON: "sa.json"}.HasCredentials())
	assert.True(t, SheetsConfig{OAuthClientSecrets: "client.json"}.HasCredentials())
}
