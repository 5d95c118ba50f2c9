package store

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestKind(t *testing.T) {
	t.Run("names round trip", func(t *testing.T) {
		for _, k := range []Kind{KindUnitStarted, KindUnitCommitted, KindUnitFailed, KindCheckpoint} {
			parsed, err := ParseKind(k.String())
			if err != nil {
				t.Fatalf("ParseKind(%q) failed: %v", k, err)
			}
			if parsed != k {
				t.Errorf("expected %v, got %v", k, parsed)
			}
		}
	})

	t.Run("unknown kind", func(t *testing.T) {
		if Kind(42).Valid() {
			t.Error("expected kind 42 to be invalid")
		}
		if got := Kind(42).String(); got != "kind(42)" {
			t.Errorf("unexpected String: %q", got)
		}
		if _, err := ParseKind("unit_exploded"); !errors.Is(err, ErrInvalidRecord) {
			t.Errorf("expected ErrInvalidRecord, got %v", err)
		}
	})

	t.Run("json uses names", func(t *testing.T) {
		data, err := json.Marshal(Record{Kind: KindUnitCommitted, Unit: UnitKey{Stage: "a", Partition: "0"}, Attempt: 1})
		if err != nil {
			t.Fatalf("Marshal failed: %v", err)
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			t.Fatalf("Unmarshal failed: %v", err)
		}
		if raw["kind"] != "unit_committed" {
			t.Errorf("expected kind name in JSON, got %v", raw["kind"])
		}
	})
}

func TestUnitKey(t *testing.T) {
	key := UnitKey{Stage: "load", Partition: "2024/01"}
	if key.String() != "load/2024/01" {
		t.Errorf("unexpected String: %q", key.String())
	}

	parsed, err := ParseUnitKey(key.String())
	if err != nil {
		t.Fatalf("ParseUnitKey failed: %v", err)
	}
	if parsed != key {
		t.Errorf("expected %v, got %v", key, parsed)
	}

	if _, err := ParseUnitKey("no-slash"); err == nil {
		t.Error("expected error for key without a partition")
	}
	if !(UnitKey{}).IsZero() {
		t.Error("expected zero key to be zero")
	}
}

func TestRecordValidate(t *testing.T) {
	tests := []struct {
		name    string
		rec     Record
		wantErr bool
	}{
		{"started", Record{Kind: KindUnitStarted, Unit: UnitKey{Stage: "a"}, Attempt: 1}, false},
		{"checkpoint needs no unit", Record{Kind: KindCheckpoint}, false},
		{"unknown kind", Record{Kind: 9, Unit: UnitKey{Stage: "a"}, Attempt: 1}, true},
		{"missing stage", Record{Kind: KindUnitCommitted, Attempt: 1}, true},
		{"attempt zero", Record{Kind: KindUnitFailed, Unit: UnitKey{Stage: "a"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rec.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidRecord) {
				t.Errorf("expected ErrInvalidRecord, got %v", err)
			}
		})
	}
}
