// internal/common/config/config.go
package config

import (
	"fmt"
	"strings"
)

// Config is the main application configuration struct.
type Config struct {
	App          AppConfig         `mapstructure:"app"`
	Server       ServerConfig      `mapstructure:"server"`
	Database     DatabaseConfig    `mapstructure:"database"`
	Sheets       SheetsConfig      `mapstructure:"sheets"`
	Cache        CacheConfig       `mapstructure:"cache"`
	Bulk         BulkConfig        `mapstructure:"bulk"`
	Schema       SchemaConfig      `mapstructure:"schema"`
	Idempotency  IdempotencyConfig `mapstructure:"idempotency"`
	RateLimit    RateLimitConfig   `mapstructure:"rate_limit"`
	Sync         SyncConfig        `mapstructure:"sync"`
	DLQ          DLQConfig         `mapstructure:"dlq"`
	Auth         AuthConfig        `mapstructure:"auth"`
	Integrations IntegrationConfig `mapstructure:"integrations"`
	Logging      LoggingConfig     `mapstructure:"logging"`
}

// --- Core App/Infrastructure Config ---
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

type ServerConfig struct {
	Addr            string   `mapstructure:"addr"`
	CORSOrigins     []string `mapstructure:"cors_origins"`
	MaxBodyBytes    int64    `mapstructure:"max_body_bytes"`
	ShutdownTimeout int      `mapstructure:"shutdown_timeout"` // milliseconds
}

type DatabaseConfig struct {
	Driver   string         `mapstructure:"driver"` // sqlite | postgres
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type PostgresConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxIdle        int    `mapstructure:"max_idle"`
	SSLMode        string `mapstructure:"sslmode"`
}

// GetDSN returns the PostgreSQL connection string
func (p PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// --- Remote sheet ---

// SheetsConfig describes the remote spreadsheet and how to authenticate to it.
type SheetsConfig struct {
	SheetID            string `mapstructure:"sheet_id"`
	Worksheet          string `mapstructure:"worksheet"`
	BaseURL            string `mapstructure:"base_url"`
	ServiceAccountJSON string `mapstructure:"service_account_json"` // path or inline JSON
	OAuthClientSecrets string `mapstructure:"oauth_client_secrets"`
	DelegatedSubject   string `mapstructure:"delegated_subject"`
	TokenStore         string `mapstructure:"token_store"`
	BatchSize          int    `mapstructure:"batch_size"`
	Timeout            int    `mapstructure:"timeout"` // milliseconds
	WriteBack          bool   `mapstructure:"write_back"`
}

// HasCredentials reports whether any credential source is configured.
func (s SheetsConfig) HasCredentials() bool {
	return s.ServiceAccountJSON != "" || s.OAuthClientSecrets != ""
}

// --- Core engine ---

type CacheConfig struct {
	KeyColumn    string `mapstructure:"key_column"`
	UpsertStrict bool   `mapstructure:"upsert_strict"`
}

type BulkConfig struct {
	MaxItems int `mapstructure:"max_items"`
}

type SchemaConfig struct {
	JSONPath string `mapstructure:"json_path"`
}

type IdempotencyConfig struct {
	Backend    string `mapstructure:"backend"` // sql | redis
	TTLSeconds int    `mapstructure:"ttl_seconds"`
}

type RateLimitConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	RPS         float64 `mapstructure:"rps"`
	Burst       int     `mapstructure:"burst"`
	IdleSeconds int     `mapstructure:"idle_seconds"`
}

// SyncConfig holds the reconciliation scheduler settings. Interval, jitter
// and backoff are in seconds; timeout is in milliseconds.
type SyncConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	OnStart    bool `mapstructure:"on_start"`
	Interval   int  `mapstructure:"interval"`
	Jitter     int  `mapstructure:"jitter"`
	BackoffMax int  `mapstructure:"backoff_max"`
	Timeout    int  `mapstructure:"timeout"`
}

// DLQConfig holds the retry worker pool settings.
type DLQConfig struct {
	RetryEnabled   bool   `mapstructure:"retry_enabled"`
	Interval       int    `mapstructure:"interval"` // seconds
	Batch          int    `mapstructure:"batch"`
	Concurrency    int    `mapstructure:"concurrency"`
	Timeout        int    `mapstructure:"timeout"` // milliseconds
	NotifyTopicARN string `mapstructure:"notify_topic_arn"`
}

// AuthConfig holds the shared bearer token and the comma separated API keys.
type AuthConfig struct {
	APIToken string `mapstructure:"api_token"`
	APIKeys  string `mapstructure:"api_keys"`
}

// Keys returns the configured API keys, trimmed, without empties.
func (a AuthConfig) Keys() []string {
	var out []string
	for _, k := range strings.Split(a.APIKeys, ",") {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}

// IntegrationConfig holds settings for external services.
type IntegrationConfig struct {
	AWS struct {
		Region string `mapstructure:"region"`
		SNS    struct {
			Enabled bool `mapstructure:"enabled"`
		} `mapstructure:"sns"`
	} `mapstructure:"aws"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}
