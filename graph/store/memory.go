package store

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"
)

// MemLog is an in-memory implementation of Log.
//
// Designed for:
//   - Testing and development
//   - Short-lived runs where surviving a process restart isn't required
//
// MemLog is safe for concurrent use. Compaction drops records from memory but
// the sequence counter keeps counting, so numbers are never reused.
//
// Records can be carried across process boundaries with MarshalJSON and
// UnmarshalJSON, which is how tests simulate a restart.
type MemLog struct {
	mu      sync.RWMutex
	records []Record // retained records, ascending by Sequence
	next    uint64   // sequence assigned to the next append
	closed  bool
	now     func() time.Time
}

// NewMemLog creates an empty in-memory log.
//
// Example:
//
//	h := store.NewHandle(store.NewMemLog())
//	defer h.Release()
func NewMemLog() *MemLog {
	return &MemLog{
		records: make([]Record, 0),
		next:    1,
		now:     time.Now,
	}
}

// Append stores rec under the next sequence number.
func (m *MemLog) Append(ctx context.Context, rec Record) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := rec.Validate(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}

	rec.Sequence = m.next
	if rec.Time.IsZero() {
		rec.Time = m.now()
	}
	if rec.Payload != nil {
		payload := make([]byte, len(rec.Payload))
		copy(payload, rec.Payload)
		rec.Payload = payload
	}

	m.records = append(m.records, rec)
	m.next++
	return rec.Sequence, nil
}

// ReadFrom yields retained records with Sequence >= seq.
//
// Each step re-reads the slice under the read lock, so appends made while a
// caller iterates are visible, and a compaction that overtakes the iterator
// simply resumes at the first retained record.
func (m *MemLog) ReadFrom(ctx context.Context, seq uint64) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		cursor := seq
		for {
			if err := ctx.Err(); err != nil {
				yield(Record{}, err)
				return
			}

			rec, ok, err := m.at(cursor)
			if err != nil {
				yield(Record{}, err)
				return
			}
			if !ok {
				return
			}
			if !yield(rec, nil) {
				return
			}
			cursor = rec.Sequence + 1
		}
	}
}

// at returns the first retained record with Sequence >= seq.
func (m *MemLog) at(seq uint64) (Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return Record{}, false, ErrClosed
	}

	i := sort.Search(len(m.records), func(i int) bool {
		return m.records[i].Sequence >= seq
	})
	if i == len(m.records) {
		return Record{}, false, nil
	}
	return m.records[i], true, nil
}

// LastCheckpoint scans backwards for the newest checkpoint record.
func (m *MemLog) LastCheckpoint(ctx context.Context) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return Record{}, false, ErrClosed
	}

	for i := len(m.records) - 1; i >= 0; i-- {
		if m.records[i].Kind == KindCheckpoint {
			return m.records[i], true, nil
		}
	}
	return Record{}, false, nil
}

// Checkpoint discards retained records with Sequence <= upTo.
func (m *MemLog) Checkpoint(ctx context.Context, upTo uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	i := sort.Search(len(m.records), func(i int) bool {
		return m.records[i].Sequence > upTo
	})
	if i == 0 {
		return nil
	}

	// Copy so the dropped prefix can be garbage collected.
	kept := make([]Record, len(m.records)-i)
	copy(kept, m.records[i:])
	m.records = kept
	return nil
}

// Len returns the number of retained records.
func (m *MemLog) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// NextSequence returns the sequence number the next append will receive.
func (m *MemLog) NextSequence() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.next
}

// Close marks the log closed. Calling Close more than once is a no-op.
func (m *MemLog) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// serializableMemLog is the JSON-serializable representation of MemLog.
type serializableMemLog struct {
	Next    uint64   `json:"next"`
	Records []Record `json:"records"`
}

// MarshalJSON serializes the retained records and the sequence counter.
func (m *MemLog) MarshalJSON() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return json.Marshal(serializableMemLog{
		Next:    m.next,
		Records: m.records,
	})
}

// UnmarshalJSON replaces the contents of the log with data. The records must
// be strictly increasing and below the stored counter.
func (m *MemLog) UnmarshalJSON(data []byte) error {
	var s serializableMemLog
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	var prev uint64
	for _, rec := range s.Records {
		if rec.Sequence <= prev || rec.Sequence >= s.Next {
			return fmt.Errorf("%w: sequence %d out of order", ErrCorruptRecord, rec.Sequence)
		}
		prev = rec.Sequence
	}
	if s.Next == 0 {
		s.Next = 1
	}
	if s.Records == nil {
		s.Records = make([]Record, 0)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.records = s.Records
	m.next = s.Next
	m.closed = false
	if m.now == nil {
		m.now = time.Now
	}
	return nil
}
