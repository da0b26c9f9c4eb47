// internal/common/database/postgres.go
package database

import (
	"database/sql"
	"fmt"
	"time"

	"sheetbridge/internal/common/config"

	_ "github.com/lib/pq"
)

// NewPostgres opens a PostgreSQL pool. The connection is not verified here;
// Open pings and migrates.
func NewPostgres(cfg config.PostgresConfig) (*SQLClient, error) {
	db, err := sql.Open("postgres", cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxIdle)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &SQLClient{DB: db, Dialect: DialectPostgres}, nil
}
