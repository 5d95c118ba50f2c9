package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

var mysqlDialect = dialect{
	name: "mysql",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS pipegraph_log (
			seq BIGINT NOT NULL PRIMARY KEY,
			kind SMALLINT NOT NULL,
			stage_id VARCHAR(255) NOT NULL,
			partition_key VARCHAR(255) NOT NULL,
			attempt INT NOT NULL,
			payload LONGBLOB NOT NULL,
			created_at BIGINT NOT NULL,
			INDEX idx_pipegraph_log_kind (kind, seq)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS pipegraph_log_meta (
			id INT NOT NULL PRIMARY KEY,
			next_seq BIGINT NOT NULL
		) ENGINE=InnoDB`,
	},
	seedMeta:   `INSERT IGNORE INTO pipegraph_log_meta (id, next_seq) VALUES (1, 1)`,
	lockSuffix: "FOR UPDATE",
}

// MySQLLog is a MySQL/MariaDB implementation of Log.
//
// Designed for engines whose log must outlive the host and be inspected by
// other tooling. The sequence counter row is locked FOR UPDATE inside each
// append transaction, so even two processes appending by mistake cannot
// produce a gap or a duplicate.
type MySQLLog struct {
	*sqlLog
}

// NewMySQLLog opens a MySQL-backed log.
//
// The DSN format is:
//
//	[username[:password]@][protocol[(address)]]/dbname[?param1=value1&...]
//
// Security Warning: never hardcode credentials; read the DSN from the
// environment (for example PIPEGRAPH_MYSQL_DSN).
func NewMySQLLog(dsn string) (*MySQLLog, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	core, err := newSQLLog(ctx, db, mysqlDialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &MySQLLog{sqlLog: core}, nil
}
