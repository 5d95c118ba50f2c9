package store

import (
	"context"
	"iter"
	"sync"
	"time"
)

// Handle is the shared, lock-guarded front end of a Log.
//
// An engine and every executor it runs hold the same Handle. Mutations
// (Append and Checkpoint) take one exclusive guard, so exactly one append is
// in flight at a time and sequence order equals commit order. Reads are not
// guarded; they only happen during recovery.
//
// A Handle is reference counted. NewHandle returns it with one reference owned
// by the caller; every additional holder calls Retain and later Release. The
// underlying Log is closed when the last reference is released, so the log
// lives as long as its longest-lived holder.
type Handle struct {
	guard sync.Mutex // held for the duration of one mutation
	log   Log

	refMu  sync.Mutex
	refs   int
	closed bool

	observer AppendObserver
}

// AppendObserver is told about every successful append: the kind written and
// how long the caller waited for the guard.
type AppendObserver func(kind Kind, wait time.Duration)

// NewHandle wraps log in a Handle holding one reference.
func NewHandle(log Log) *Handle {
	return &Handle{log: log, refs: 1}
}

// Observe installs fn as the append observer, replacing any previous one.
// A nil fn removes the observer.
func (h *Handle) Observe(fn AppendObserver) {
	h.guard.Lock()
	defer h.guard.Unlock()
	h.observer = fn
}

// Retain adds a reference. It fails with ErrClosed once the last reference
// has been released.
func (h *Handle) Retain() error {
	h.refMu.Lock()
	defer h.refMu.Unlock()

	if h.closed {
		return ErrClosed
	}
	h.refs++
	return nil
}

// Release drops a reference and closes the log when none remain. Releasing
// more often than retaining is a no-op.
func (h *Handle) Release() error {
	h.refMu.Lock()
	if h.closed || h.refs == 0 {
		h.refMu.Unlock()
		return nil
	}
	h.refs--
	if h.refs > 0 {
		h.refMu.Unlock()
		return nil
	}
	h.closed = true
	h.refMu.Unlock()

	// Wait for an in-flight mutation before closing underneath it.
	h.guard.Lock()
	defer h.guard.Unlock()
	return h.log.Close()
}

// Refs returns the current reference count.
func (h *Handle) Refs() int {
	h.refMu.Lock()
	defer h.refMu.Unlock()
	return h.refs
}

func (h *Handle) isClosed() bool {
	h.refMu.Lock()
	defer h.refMu.Unlock()
	return h.closed
}

// Append stores rec under the exclusive guard and returns its sequence
// number. Callers block while another append is in flight.
func (h *Handle) Append(ctx context.Context, rec Record) (uint64, error) {
	if err := rec.Validate(); err != nil {
		return 0, err
	}

	start := time.Now()
	h.guard.Lock()
	defer h.guard.Unlock()
	wait := time.Since(start)

	if h.isClosed() {
		return 0, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	seq, err := h.log.Append(ctx, rec)
	if err != nil {
		return 0, err
	}
	if h.observer != nil {
		h.observer(rec.Kind, wait)
	}
	return seq, nil
}

// Checkpoint forwards the advisory compaction request under the guard.
func (h *Handle) Checkpoint(ctx context.Context, upTo uint64) error {
	h.guard.Lock()
	defer h.guard.Unlock()

	if h.isClosed() {
		return ErrClosed
	}
	return h.log.Checkpoint(ctx, upTo)
}

// ReadFrom reads records starting at seq. See Log.ReadFrom.
func (h *Handle) ReadFrom(ctx context.Context, seq uint64) iter.Seq2[Record, error] {
	if h.isClosed() {
		return func(yield func(Record, error) bool) {
			yield(Record{}, ErrClosed)
		}
	}
	return h.log.ReadFrom(ctx, seq)
}

// LastCheckpoint returns the newest checkpoint record. See Log.LastCheckpoint.
func (h *Handle) LastCheckpoint(ctx context.Context) (Record, bool, error) {
	if h.isClosed() {
		return Record{}, false, ErrClosed
	}
	return h.log.LastCheckpoint(ctx)
}
