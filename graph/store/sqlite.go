package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

var sqliteDialect = dialect{
	name: "sqlite",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS pipegraph_log (
			seq INTEGER PRIMARY KEY,
			kind INTEGER NOT NULL,
			stage_id TEXT NOT NULL,
			partition_key TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			payload BLOB NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pipegraph_log_kind ON pipegraph_log(kind, seq)`,
		`CREATE TABLE IF NOT EXISTS pipegraph_log_meta (
			id INTEGER PRIMARY KEY,
			next_seq INTEGER NOT NULL
		)`,
	},
	seedMeta: `INSERT OR IGNORE INTO pipegraph_log_meta (id, next_seq) VALUES (1, 1)`,
}

// SQLiteLog is a SQLite implementation of Log.
//
// It keeps the log in a single-file database. Designed for:
//   - Single-process engines that must survive restarts
//   - Development and testing with zero setup
//
// SQLite supports one writer at a time, which matches the log's own
// single-mutator discipline. WAL mode keeps recovery reads from blocking.
type SQLiteLog struct {
	*sqlLog
	path string
}

// NewSQLiteLog opens (creating if needed) a SQLite-backed log.
//
// The path parameter specifies the database file location:
//   - "./pipeline.db" - file in current directory
//   - ":memory:" - in-memory database (data lost on close)
//
// Example:
//
//	log, err := store.NewSQLiteLog("./pipeline.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	h := store.NewHandle(log)
//	defer h.Release()
func NewSQLiteLog(path string) (*SQLiteLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	db.SetMaxOpenConns(1)    // SQLite supports one writer at a time
	db.SetMaxIdleConns(1)    // Keep connection open
	db.SetConnMaxLifetime(0) // No max lifetime for SQLite

	ctx := context.Background()
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close() // Ignore close error when returning pragma error
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	core, err := newSQLLog(ctx, db, sqliteDialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteLog{sqlLog: core, path: path}, nil
}

// Path returns the database file path.
func (s *SQLiteLog) Path() string {
	return s.path
}
