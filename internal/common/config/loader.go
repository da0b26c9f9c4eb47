// internal/common/config/loader.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Legacy flat environment names still honoured alongside the nested ones
// (e.g. SHEETS_SHEET_ID). The first matching variable wins.
var legacyEnv = map[string][]string{
	"sheets.sheet_id":             {"GOOGLE_SHEET_ID"},
	"sheets.worksheet":            {"GOOGLE_WORKSHEET"},
	"sheets.service_account_json": {"GOOGLE_SERVICE_ACCOUNT_JSON"},
	"sheets.oauth_client_secrets": {"GOOGLE_OAUTH_CLIENT_SECRETS"},
	"sheets.delegated_subject":    {"DELEGATED_SUBJECT"},
	"sheets.token_store":          {"TOKEN_STORE"},
	"sheets.batch_size":           {"SHEETS_BATCH_SIZE"},
	"sheets.write_back":           {"ALLOW_WRITE_BACK"},
	"database.sqlite.path":        {"CACHE_DB_PATH"},
	"cache.key_column":            {"KEY_COLUMN"},
	"cache.upsert_strict":         {"UPSERT_STRICT"},
	"bulk.max_items":              {"BULK_MAX_ITEMS"},
	"schema.json_path":            {"SCHEMA_JSON_PATH"},
	"idempotency.ttl_seconds":     {"IDEMPOTENCY_TTL_SECONDS"},
	"rate_limit.enabled":          {"RATE_LIMIT_ENABLED"},
	"rate_limit.rps":              {"RATE_LIMIT_RPS"},
	"rate_limit.burst":            {"RATE_LIMIT_BURST"},
	"sync.enabled":                {"SYNC_ENABLED"},
	"sync.on_start":               {"SYNC_ON_START"},
	"sync.interval":               {"SYNC_INTERVAL_SECONDS"},
	"sync.jitter":                 {"SYNC_JITTER_SECONDS"},
	"sync.backoff_max":            {"SYNC_BACKOFF_MAX_SECONDS"},
	"auth.api_token":              {"API_TOKEN"},
	"auth.api_keys":               {"API_KEYS"},
	"logging.level":               {"LOG_LEVEL"},
}

// Load reads configs/config.yaml (plus the config.<APP_ENVIRONMENT>.yaml
// overlay), a .env file if one can be found, and the process environment.
func Load() (*Config, error) {
	loadEnvFile(false)
	return load("")
}

// LoadFile is Load with an explicit config file instead of the search path.
func LoadFile(path string) (*Config, error) {
	loadEnvFile(false)
	return load(path)
}

// Reload re-reads every source. Values from .env replace ones loaded earlier.
func Reload(path string) (*Config, error) {
	loadEnvFile(true)
	return load(path)
}

func load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for key, names := range legacyEnv {
		canonical := strings.ToUpper(strings.NewReplacer(".", "_").Replace(key))
		if err := v.BindEnv(append([]string{key, canonical}, names...)...); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	env := os.Getenv("APP_ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	// 1. base config
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath("../../configs")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading base config: %w", err)
		}
	}

	// 2. environment overlay, ignored when missing
	if path == "" {
		v.SetConfigName(fmt.Sprintf("config.%s", env))
		_ = v.MergeInConfig()
	}

	// 3. ${VAR} placeholders
	expandEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.App.Environment == "" {
		cfg.App.Environment = env
	}

	applyDefaults(&cfg)
	overrideEmptyConfig(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "sheetbridge")
	v.SetDefault("app.version", "dev")

	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("server.shutdown_timeout", 15000)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.sqlite.path", "sheetbridge.db")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.redis.address", "")

	v.SetDefault("sheets.worksheet", "Sheet1")
	v.SetDefault("sheets.base_url", "https://sheets.googleapis.com")
	v.SetDefault("sheets.token_store", ".tokens/sheets.json")
	v.SetDefault("sheets.batch_size", 200)
	v.SetDefault("sheets.timeout", 30000)
	v.SetDefault("sheets.write_back", false)

	v.SetDefault("cache.key_column", "")
	v.SetDefault("cache.upsert_strict", true)
	v.SetDefault("bulk.max_items", 500)
	v.SetDefault("schema.json_path", "schema.json")

	v.SetDefault("idempotency.backend", "sql")
	v.SetDefault("idempotency.ttl_seconds", 86400)

	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.rps", 5.0)
	v.SetDefault("rate_limit.burst", 20)
	v.SetDefault("rate_limit.idle_seconds", 600)

	v.SetDefault("sync.enabled", false)
	v.SetDefault("sync.on_start", false)
	v.SetDefault("sync.interval", 300)
	v.SetDefault("sync.jitter", 15)
	v.SetDefault("sync.backoff_max", 600)
	v.SetDefault("sync.timeout", 60000)

	v.SetDefault("dlq.retry_enabled", true)
	v.SetDefault("dlq.interval", 60)
	v.SetDefault("dlq.batch", 50)
	v.SetDefault("dlq.concurrency", 4)
	v.SetDefault("dlq.timeout", 30000)
	v.SetDefault("dlq.notify_topic_arn", "")

	v.SetDefault("auth.api_token", "dev_token")
	v.SetDefault("auth.api_keys", "")

	v.SetDefault("integrations.aws.region", "us-east-1")
	v.SetDefault("integrations.aws.sns.enabled", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
}

// loadEnvFile loads the first .env found walking from the working directory
// towards the module root. It returns the path that was loaded, if any.
func loadEnvFile(overload bool) string {
	possiblePaths := []string{
		".env",
		"../.env",
		"../../.env",
	}
	if rootDir := findProjectRoot(); rootDir != "" {
		possiblePaths = append(possiblePaths, filepath.Join(rootDir, ".env"))
	}

	for _, path := range possiblePaths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		var err error
		if overload {
			err = godotenv.Overload(path)
		} else {
			err = godotenv.Load(path)
		}
		if err == nil {
			return path
		}
	}
	return ""
}

// Find project root by looking for go.mod
func findProjectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}

func expandEnvVars(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		strVal, ok := v.Get(key).(string)
		if !ok {
			continue
		}
		if strings.Contains(strVal, "${") || (strings.HasPrefix(strVal, "$") && len(strVal) > 1) {
			expanded := os.ExpandEnv(strVal)
			if expanded != strVal && expanded != "" {
				v.Set(key, expanded)
			}
		}
	}
}

// Direct override if config values are still empty after expansion
func overrideEmptyConfig(cfg *Config) {
	if cfg.Sheets.ServiceAccountJSON == "" {
		if val := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); val != "" {
			cfg.Sheets.ServiceAccountJSON = val
		}
	}
	if cfg.Integrations.AWS.Region == "" {
		if val := os.Getenv("AWS_REGION"); val != "" {
			cfg.Integrations.AWS.Region = val
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Database.Postgres.MaxConnections == 0 {
		cfg.Database.Postgres.MaxConnections = 25
	}
	if cfg.Database.Postgres.MaxIdle == 0 {
		cfg.Database.Postgres.MaxIdle = 5
	}
	if cfg.Database.Postgres.SSLMode == "" {
		cfg.Database.Postgres.SSLMode = "disable"
	}

	if cfg.Sheets.BatchSize <= 0 {
		cfg.Sheets.BatchSize = 200
	}
	if cfg.Bulk.MaxItems <= 0 {
		cfg.Bulk.MaxItems = 500
	}
	if cfg.Idempotency.TTLSeconds <= 0 {
		cfg.Idempotency.TTLSeconds = 86400
	}

	if cfg.Sync.Interval <= 0 {
		cfg.Sync.Interval = 300
	}
	if cfg.Sync.Jitter < 0 {
		cfg.Sync.Jitter = 0
	}
	if cfg.Sync.BackoffMax < cfg.Sync.Interval {
		cfg.Sync.BackoffMax = cfg.Sync.Interval
	}

	if cfg.DLQ.Batch <= 0 {
		cfg.DLQ.Batch = 50
	}
	if cfg.DLQ.Concurrency <= 0 {
		cfg.DLQ.Concurrency = 4
	}
	if cfg.DLQ.Interval <= 0 {
		cfg.DLQ.Interval = 60
	}

	cfg.Database.Driver = strings.ToLower(cfg.Database.Driver)
	cfg.Idempotency.Backend = strings.ToLower(cfg.Idempotency.Backend)
	cfg.Auth.APIToken = strings.TrimSpace(cfg.Auth.APIToken)

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// validateConfig validates critical configuration fields
func validateConfig(cfg *Config) error {
	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required")
		}
	case "postgres":
		if cfg.Database.Postgres.Host == "" {
			return fmt.Errorf("database.postgres.host is required")
		}
		if cfg.Database.Postgres.Database == "" {
			return fmt.Errorf("database.postgres.database is required")
		}
		if cfg.Database.Postgres.User == "" {
			return fmt.Errorf("database.postgres.user is required")
		}
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", cfg.Database.Driver)
	}

	switch cfg.Idempotency.Backend {
	case "sql":
	case "redis":
		if cfg.Database.Redis.Address == "" {
			return fmt.Errorf("database.redis.address is required for the redis idempotency backend")
		}
	default:
		return fmt.Errorf("idempotency.backend must be sql or redis, got %q", cfg.Idempotency.Backend)
	}

	if (cfg.Sync.Enabled || cfg.Sync.OnStart || cfg.Sheets.WriteBack) && cfg.Sheets.SheetID == "" {
		return fmt.Errorf("sheets.sheet_id is required when sync or write-back is enabled")
	}

	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.RPS <= 0 {
			return fmt.Errorf("rate_limit.rps must be positive")
		}
		if cfg.RateLimit.Burst < 1 {
			return fmt.Errorf("rate_limit.burst must be at least 1")
		}
	}
	return nil
}

// GetDuration converts milliseconds from config to time.Duration
func GetDuration(milliseconds int) time.Duration {
	return time.Duration(milliseconds) * time.Millisecond
}

// Seconds converts whole seconds from config to time.Duration
func Seconds(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
