package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestMemLog_CarriesAcrossRestart(t *testing.T) {
	ctx := context.Background()
	m := NewMemLog()

	for i := 0; i < 3; i++ {
		if _, err := m.Append(ctx, Record{Kind: KindUnitStarted, Unit: UnitKey{Stage: "a", Partition: "0"}, Attempt: uint32(i + 1)}); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	if err := m.Checkpoint(ctx, 1); err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}

	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var restored MemLog
	if err := json.Unmarshal(data, &restored); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if restored.Len() != 2 {
		t.Errorf("expected 2 retained records, got %d", restored.Len())
	}
	if restored.NextSequence() != 4 {
		t.Errorf("expected next sequence 4, got %d", restored.NextSequence())
	}

	seq, err := restored.Append(ctx, Record{Kind: KindCheckpoint})
	if err != nil {
		t.Fatalf("Append after restore failed: %v", err)
	}
	if seq != 4 {
		t.Errorf("expected seq 4, got %d", seq)
	}
}

func TestMemLog_RejectsOutOfOrderSnapshot(t *testing.T) {
	data := []byte(`{"next":3,"records":[{"seq":2,"kind":"checkpoint"},{"seq":1,"kind":"checkpoint"}]}`)
	var m MemLog
	if err := json.Unmarshal(data, &m); !errors.Is(err, ErrCorruptRecord) {
		t.Errorf("expected ErrCorruptRecord, got %v", err)
	}
}

func TestMemLog_PayloadIsCopied(t *testing.T) {
	ctx := context.Background()
	m := NewMemLog()

	payload := []byte("original")
	seq, _ := m.Append(ctx, Record{Kind: KindUnitCommitted, Unit: UnitKey{Stage: "a"}, Attempt: 1, Payload: payload})
	payload[0] = 'X'

	for rec, err := range m.ReadFrom(ctx, seq) {
		if err != nil {
			t.Fatalf("ReadFrom failed: %v", err)
		}
		if string(rec.Payload) != "original" {
			t.Errorf("stored payload changed to %q", rec.Payload)
		}
	}
}

func TestMemLog_ReadFromSeesLaterAppends(t *testing.T) {
	ctx := context.Background()
	m := NewMemLog()
	_, _ = m.Append(ctx, Record{Kind: KindCheckpoint})

	count := 0
	for _, err := range m.ReadFrom(ctx, 1) {
		if err != nil {
			t.Fatalf("ReadFrom failed: %v", err)
		}
		count++
		if count == 1 {
			_, _ = m.Append(ctx, Record{Kind: KindCheckpoint})
		}
	}
	if count != 2 {
		t.Errorf("expected the iterator to reach the appended record, got %d records", count)
	}
}

func TestMemLog_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := NewMemLog()
	if _, err := m.Append(ctx, Record{Kind: KindCheckpoint}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
