package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"sync"
	"time"
)

// readPageSize bounds how many rows ReadFrom pulls per query.
const readPageSize = 256

// dialect captures what differs between the SQL backends.
type dialect struct {
	name string

	// schema is executed statement by statement on open.
	schema []string

	// seedMeta inserts the sequence counter row if it is missing.
	seedMeta string

	// lockSuffix is appended to the counter SELECT inside the append
	// transaction ("FOR UPDATE" where supported).
	lockSuffix string

	// numbered placeholders ($1, $2, ...) instead of "?".
	numbered bool
}

// rebind rewrites "?" placeholders for dialects that number them.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// sqlLog implements Log on top of database/sql.
//
// Schema:
//   - pipegraph_log: one row per record, keyed by seq
//   - pipegraph_log_meta: a single row holding the next sequence number, so
//     compaction never causes a number to be handed out twice
type sqlLog struct {
	db      *sql.DB
	dialect dialect
	mu      sync.RWMutex
	closed  bool
	now     func() time.Time
}

func newSQLLog(ctx context.Context, db *sql.DB, d dialect) (*sqlLog, error) {
	l := &sqlLog{db: db, dialect: d, now: time.Now}
	if err := l.createTables(ctx); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return l, nil
}

// createTables creates the required schema if it doesn't exist.
func (l *sqlLog) createTables(ctx context.Context) error {
	for _, stmt := range l.dialect.schema {
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s schema: %w", l.dialect.name, err)
		}
	}
	if _, err := l.db.ExecContext(ctx, l.dialect.seedMeta); err != nil {
		return fmt.Errorf("%s seed sequence counter: %w", l.dialect.name, err)
	}
	return nil
}

func (l *sqlLog) checkOpen() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}
	return nil
}

// Append assigns the next sequence number and inserts the record in one
// transaction.
func (l *sqlLog) Append(ctx context.Context, rec Record) (seq uint64, err error) {
	if err := l.checkOpen(); err != nil {
		return 0, err
	}
	if err := rec.Validate(); err != nil {
		return 0, err
	}
	if rec.Time.IsZero() {
		rec.Time = l.now()
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback() // Ignore rollback error when already returning error
		}
	}()

	var next int64
	query := l.dialect.rebind("SELECT next_seq FROM pipegraph_log_meta WHERE id = 1 " + l.dialect.lockSuffix)
	if err = tx.QueryRowContext(ctx, query).Scan(&next); err != nil {
		return 0, fmt.Errorf("failed to read sequence counter: %w", err)
	}

	insert := l.dialect.rebind(`
		INSERT INTO pipegraph_log (seq, kind, stage_id, partition_key, attempt, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	payload := rec.Payload
	if payload == nil {
		payload = []byte{}
	}
	_, err = tx.ExecContext(ctx, insert,
		next,
		int(rec.Kind),
		rec.Unit.Stage,
		rec.Unit.Partition,
		int64(rec.Attempt),
		payload,
		rec.Time.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert record: %w", err)
	}

	update := l.dialect.rebind("UPDATE pipegraph_log_meta SET next_seq = ? WHERE id = 1")
	if _, err = tx.ExecContext(ctx, update, next+1); err != nil {
		return 0, fmt.Errorf("failed to advance sequence counter: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return uint64(next), nil
}

// ReadFrom pages through records in sequence order.
func (l *sqlLog) ReadFrom(ctx context.Context, seq uint64) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		cursor := seq
		for {
			if err := l.checkOpen(); err != nil {
				yield(Record{}, err)
				return
			}

			page, err := l.readPage(ctx, cursor)
			if err != nil {
				yield(Record{}, err)
				return
			}
			for _, rec := range page {
				if !yield(rec, nil) {
					return
				}
				cursor = rec.Sequence + 1
			}
			if len(page) < readPageSize {
				return
			}
		}
	}
}

func (l *sqlLog) readPage(ctx context.Context, from uint64) ([]Record, error) {
	query := l.dialect.rebind(`
		SELECT seq, kind, stage_id, partition_key, attempt, payload, created_at
		FROM pipegraph_log
		WHERE seq >= ?
		ORDER BY seq ASC
		LIMIT ?
	`)
	rows, err := l.db.QueryContext(ctx, query, int64(from), readPageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	page := make([]Record, 0, readPageSize)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		page = append(page, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating record rows: %w", err)
	}
	return page, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		seq       int64
		kind      int64
		attempt   int64
		createdAt int64
		payload   []byte
		rec       Record
	)
	if err := row.Scan(&seq, &kind, &rec.Unit.Stage, &rec.Unit.Partition, &attempt, &payload, &createdAt); err != nil {
		return Record{}, err
	}
	if seq <= 0 || attempt < 0 || !Kind(kind).Valid() {
		return Record{}, fmt.Errorf("%w: seq=%d kind=%d attempt=%d", ErrCorruptRecord, seq, kind, attempt)
	}

	rec.Sequence = uint64(seq)
	rec.Kind = Kind(kind)
	rec.Attempt = uint32(attempt)
	rec.Time = time.Unix(0, createdAt).UTC()
	if len(payload) > 0 {
		rec.Payload = payload
	}
	return rec, nil
}

// LastCheckpoint returns the checkpoint record with the highest sequence.
func (l *sqlLog) LastCheckpoint(ctx context.Context) (Record, bool, error) {
	if err := l.checkOpen(); err != nil {
		return Record{}, false, err
	}

	query := l.dialect.rebind(`
		SELECT seq, kind, stage_id, partition_key, attempt, payload, created_at
		FROM pipegraph_log
		WHERE kind = ?
		ORDER BY seq DESC
		LIMIT 1
	`)
	rec, err := scanRecord(l.db.QueryRowContext(ctx, query, int(KindCheckpoint)))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return rec, true, nil
}

// Checkpoint deletes records with seq <= upTo.
func (l *sqlLog) Checkpoint(ctx context.Context, upTo uint64) error {
	if err := l.checkOpen(); err != nil {
		return err
	}

	query := l.dialect.rebind("DELETE FROM pipegraph_log WHERE seq <= ?")
	if _, err := l.db.ExecContext(ctx, query, int64(upTo)); err != nil {
		return fmt.Errorf("failed to compact log: %w", err)
	}
	return nil
}

// Ping verifies the database connection is alive.
func (l *sqlLog) Ping(ctx context.Context) error {
	if err := l.checkOpen(); err != nil {
		return err
	}
	return l.db.PingContext(ctx)
}

// Close closes the database connection. Calling Close multiple times is safe.
func (l *sqlLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.db.Close()
}
