// Package store defines the durable record log shared by the engine and its
// executors, together with the backends that implement it.
package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrClosed is returned by every operation on a log or handle after Close.
var ErrClosed = errors.New("log is closed")

// ErrCorruptRecord is returned when a persisted record cannot be decoded or
// violates the sequence invariant.
var ErrCorruptRecord = errors.New("corrupt log record")

// ErrInvalidRecord is returned by Append for records that can never be valid,
// such as an unknown kind or a unit record without a stage.
var ErrInvalidRecord = errors.New("invalid log record")

// Kind tags what a Record describes.
type Kind uint8

const (
	// KindUnitStarted records that an attempt of a unit was handed to an executor.
	KindUnitStarted Kind = iota + 1

	// KindUnitCommitted records the successful, terminal completion of a unit.
	// For durable stages the payload carries the stage output.
	KindUnitCommitted

	// KindUnitFailed records a failed attempt. Whether the unit is retried is
	// decided by the scheduler from the attempt number, not stored here.
	KindUnitFailed

	// KindCheckpoint marks a compaction boundary. Its payload describes every
	// unit resolved at or before the boundary.
	KindCheckpoint
)

var kindNames = map[Kind]string{
	KindUnitStarted:   "unit_started",
	KindUnitCommitted: "unit_committed",
	KindUnitFailed:    "unit_failed",
	KindCheckpoint:    "checkpoint",
}

// String returns the snake_case name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Valid reports whether k is one of the defined kinds.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %d", ErrInvalidRecord, uint8(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKind converts a kind name back into a Kind.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown kind %q", ErrInvalidRecord, s)
}

// UnitKey identifies one unit: a stage bound to a partition key.
type UnitKey struct {
	Stage     string `json:"stage"`
	Partition string `json:"partition"`
}

// String renders the key as "stage/partition".
func (u UnitKey) String() string {
	return u.Stage + "/" + u.Partition
}

// IsZero reports whether the key is empty.
func (u UnitKey) IsZero() bool {
	return u.Stage == "" && u.Partition == ""
}

// ParseUnitKey is the inverse of UnitKey.String. The partition is everything
// after the first slash, so stage IDs must not contain one.
func ParseUnitKey(s string) (UnitKey, error) {
	stage, partition, ok := strings.Cut(s, "/")
	if !ok || stage == "" {
		return UnitKey{}, fmt.Errorf("invalid unit key %q", s)
	}
	return UnitKey{Stage: stage, Partition: partition}, nil
}

// Record is one immutable entry of the log.
//
// Sequence is assigned by the log on Append: callers leave it zero. Sequence
// numbers start at 1, are gapless, and are never reused, even after
// compaction has discarded older records.
type Record struct {
	Sequence uint64    `json:"seq"`
	Kind     Kind      `json:"kind"`
	Unit     UnitKey   `json:"unit"`
	Attempt  uint32    `json:"attempt"`
	Payload  []byte    `json:"payload,omitempty"`
	Time     time.Time `json:"time"`
}

// Validate checks the fields a caller controls.
func (r Record) Validate() error {
	if !r.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidRecord, uint8(r.Kind))
	}
	if r.Kind == KindCheckpoint {
		return nil
	}
	if r.Unit.Stage == "" {
		return fmt.Errorf("%w: %s record without a stage", ErrInvalidRecord, r.Kind)
	}
	if r.Attempt == 0 {
		return fmt.Errorf("%w: %s record for %s has attempt 0", ErrInvalidRecord, r.Kind, r.Unit)
	}
	return nil
}

// Log is the durable, append-only source of truth for committed progress.
//
// Implementations must make Append atomic and totally ordered: each call
// either stores exactly one record under the next sequence number or stores
// nothing. Engines never call a Log directly from several goroutines; they go
// through a Handle, which serializes mutators.
//
// Implementations:
//   - MemLog: in-process, for tests and ephemeral runs
//   - SQLiteLog: single file, modernc.org/sqlite
//   - MySQLLog: MySQL/MariaDB
//   - PostgresLog: PostgreSQL through pgx
type Log interface {
	// Append stores rec and returns the sequence number assigned to it.
	// rec.Sequence is ignored. A zero rec.Time is replaced by the current time.
	Append(ctx context.Context, rec Record) (uint64, error)

	// ReadFrom returns the retained records with Sequence >= seq in sequence
	// order. The sequence is lazy (backends page through storage), finite
	// (it ends at the last record present when iteration reaches it), and
	// restartable (each range starts a new read). The first error ends the
	// iteration.
	ReadFrom(ctx context.Context, seq uint64) iter.Seq2[Record, error]

	// LastCheckpoint returns the checkpoint record with the highest sequence.
	// The boolean is false when the log holds no checkpoint.
	LastCheckpoint(ctx context.Context) (Record, bool, error)

	// Checkpoint is advisory: it permits the log to discard records with
	// Sequence <= upTo. Implementations may ignore it; correctness never
	// depends on it, only recovery replay cost does.
	Checkpoint(ctx context.Context, upTo uint64) error

	// Close releases resources. Later calls return ErrClosed.
	Close() error
}
