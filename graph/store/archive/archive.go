// Package archive exports compacted log records to object storage.
//
// ArchivingLog wraps any store.Log. When the engine asks the log to discard
// records up to a checkpoint boundary, the records are first written to a
// Sink as one JSON-lines segment, so compaction shrinks the live log without
// losing history.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/dshills/pipegraph-go/graph/store"
)

// Sink stores named, immutable blobs.
type Sink interface {
	Put(ctx context.Context, name string, data []byte) error
}

// SegmentName returns the object name for the records in [from, to].
// Zero padding keeps lexical order equal to sequence order.
func SegmentName(from, to uint64) string {
	return fmt.Sprintf("segments/%020d-%020d.jsonl", from, to)
}

// ArchivingLog is a store.Log that archives records before compacting them.
type ArchivingLog struct {
	store.Log
	sink Sink

	mu       sync.Mutex
	archived uint64 // highest sequence already exported
}

// New wraps log so that Checkpoint exports to sink first.
func New(log store.Log, sink Sink) *ArchivingLog {
	return &ArchivingLog{Log: log, sink: sink}
}

// Checkpoint writes every retained record with sequence <= upTo to the sink
// and then delegates compaction. If the export fails nothing is compacted.
func (a *ArchivingLog) Checkpoint(ctx context.Context, upTo uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if upTo <= a.archived {
		return a.Log.Checkpoint(ctx, upTo)
	}

	var (
		buf      bytes.Buffer
		enc      = json.NewEncoder(&buf)
		from, to uint64
	)
	for rec, err := range a.Log.ReadFrom(ctx, a.archived+1) {
		if err != nil {
			return fmt.Errorf("archive read: %w", err)
		}
		if rec.Sequence > upTo {
			break
		}
		if from == 0 {
			from = rec.Sequence
		}
		to = rec.Sequence
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("archive encode seq %d: %w", rec.Sequence, err)
		}
	}

	if from != 0 {
		if err := a.sink.Put(ctx, SegmentName(from, to), buf.Bytes()); err != nil {
			return fmt.Errorf("archive put segment %d-%d: %w", from, to, err)
		}
	}
	a.archived = upTo
	return a.Log.Checkpoint(ctx, upTo)
}

// Archived returns the highest sequence exported so far.
func (a *ArchivingLog) Archived() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.archived
}

// MemSink keeps segments in memory. Useful for tests.
type MemSink struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemSink returns an empty MemSink.
func NewMemSink() *MemSink {
	return &MemSink{objects: make(map[string][]byte)}
}

// Put stores a copy of data under name.
func (m *MemSink) Put(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cp := make([]byte, len(data))
	copy(cp, data)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[name] = cp
	return nil
}

// Get returns the object stored under name.
func (m *MemSink) Get(name string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[name]
	return data, ok
}

// Names returns the stored object names in lexical order.
func (m *MemSink) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.objects))
	for name := range m.objects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DecodeSegment parses a segment produced by ArchivingLog.
func DecodeSegment(data []byte) ([]store.Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	var out []store.Record
	for dec.More() {
		var rec store.Record
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("%w: %v", store.ErrCorruptRecord, err)
		}
		out = append(out, rec)
	}
	return out, nil
}
