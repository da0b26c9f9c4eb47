// internal/common/database/client.go
package database

import (
	"context"
	"database/sql"
	"fmt"

	"sheetbridge/internal/common/config"
)

// SQLClient wraps a SQL connection pool together with its dialect. Every
// query helper rebinds placeholders, so callers write '?' only.
type SQLClient struct {
	DB      *sql.DB
	Dialect Dialect
}

// NewSQLClient wraps an already opened pool. Mostly useful with sqlmock.
func NewSQLClient(db *sql.DB, dialect Dialect) *SQLClient {
	return &SQLClient{DB: db, Dialect: dialect}
}

// Open connects to the configured driver and applies migrations.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*SQLClient, error) {
	var (
		client *SQLClient
		err    error
	)
	switch cfg.Driver {
	case "postgres":
		client, err = NewPostgres(cfg.Postgres)
	case "sqlite", "":
		client, err = OpenSQLite(cfg.SQLite.Path)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping %s: %w", client.Dialect, err)
	}
	if err := Migrate(ctx, client); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return client, nil
}

// Ping tests the database connection
func (c *SQLClient) Ping(ctx context.Context) error {
	return c.DB.PingContext(ctx)
}

// Close closes the database connection
func (c *SQLClient) Close() error {
	if c == nil || c.DB == nil {
		return nil
	}
	return c.DB.Close()
}

// Query executes a query that returns rows
func (c *SQLClient) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return c.DB.QueryContext(ctx, c.Dialect.Rebind(query), args...)
}

// QueryRow executes a query that returns at most one row
func (c *SQLClient) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return c.DB.QueryRowContext(ctx, c.Dialect.Rebind(query), args...)
}

// Exec executes a query that doesn't return rows
func (c *SQLClient) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return c.DB.ExecContext(ctx, c.Dialect.Rebind(query), args...)
}

// Tx is a transaction that rebinds like its client.
type Tx struct {
	tx      *sql.Tx
	dialect Dialect
}

func (t *Tx) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, t.dialect.Rebind(query), args...)
}

func (t *Tx) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.dialect.Rebind(query), args...)
}

func (t *Tx) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.dialect.Rebind(query), args...)
}

// WithTx runs fn inside a transaction, committing when fn returns nil.
func (c *SQLClient) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&Tx{tx: sqlTx, dialect: c.Dialect}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// GetDB returns the underlying *sql.DB
func (c *SQLClient) GetDB() *sql.DB {
	return c.DB
}
