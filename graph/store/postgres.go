package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var postgresDialect = dialect{
	name: "postgres",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS pipegraph_log (
			seq BIGINT PRIMARY KEY,
			kind SMALLINT NOT NULL,
			stage_id TEXT NOT NULL,
			partition_key TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			payload BYTEA NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pipegraph_log_kind ON pipegraph_log(kind, seq)`,
		`CREATE TABLE IF NOT EXISTS pipegraph_log_meta (
			id INTEGER PRIMARY KEY,
			next_seq BIGINT NOT NULL
		)`,
	},
	seedMeta:   `INSERT INTO pipegraph_log_meta (id, next_seq) VALUES (1, 1) ON CONFLICT (id) DO NOTHING`,
	lockSuffix: "FOR UPDATE",
	numbered:   true,
}

// PostgresConfig configures the connection pool of a PostgresLog.
type PostgresConfig struct {
	URL             string
	PingTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultPostgresConfig returns pool settings suitable for one engine.
func DefaultPostgresConfig(url string) PostgresConfig {
	return PostgresConfig{
		URL:             url,
		PingTimeout:     2 * time.Second,
		MaxOpenConns:    8,
		MaxIdleConns:    2,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

// Validate checks the pool settings.
func (c PostgresConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("postgres url is required")
	}
	if c.PingTimeout <= 0 {
		return fmt.Errorf("postgres ping timeout must be positive")
	}
	if c.MaxOpenConns < 1 {
		return fmt.Errorf("postgres max open conns must be >= 1")
	}
	if c.MaxIdleConns < 0 || c.MaxIdleConns > c.MaxOpenConns {
		return fmt.Errorf("postgres max idle conns must be between 0 and max open conns")
	}
	return nil
}

// PostgresLog is a PostgreSQL implementation of Log using the pgx driver
// through database/sql.
type PostgresLog struct {
	*sqlLog
}

// NewPostgresLog opens a Postgres-backed log with DefaultPostgresConfig.
func NewPostgresLog(url string) (*PostgresLog, error) {
	return OpenPostgresLog(DefaultPostgresConfig(url))
}

// OpenPostgresLog opens a Postgres-backed log with explicit pool settings.
func OpenPostgresLog(cfg PostgresConfig) (*PostgresLog, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open Postgres connection: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(context.Background(), cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping Postgres: %w", err)
	}

	core, err := newSQLLog(context.Background(), db, postgresDialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresLog{sqlLog: core}, nil
}
