package emit

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

// recordingEmitter is a minimal Emitter for fan-out tests.
type recordingEmitter struct {
	events []Event
}

func (r *recordingEmitter) Emit(event Event) {
	r.events = append(r.events, event)
}

func TestMultiEmitter(t *testing.T) {
	a, b := &recordingEmitter{}, &recordingEmitter{}
	m := NewMultiEmitter(a, nil, b)
	if len(m) != 2 {
		t.Fatalf("expected nil emitters to be dropped, got %d", len(m))
	}

	m.Emit(Event{RunID: "run-001", Msg: MsgUnitReady})
	m.Emit(Event{RunID: "run-001", Msg: MsgRunComplete})

	for i, r := range []*recordingEmitter{a, b} {
		if len(r.events) != 2 || r.events[1].Msg != MsgRunComplete {
			t.Errorf("emitter %d got %+v", i, r.events)
		}
	}
}

func TestNullEmitter(t *testing.T) {
	var e Emitter = NewNullEmitter()
	e.Emit(Event{RunID: "run-001", Msg: MsgUnitStarted})
}

func TestEvent_Unit(t *testing.T) {
	if got := (Event{StageID: "load", Partition: "eu"}).Unit(); got != "load/eu" {
		t.Errorf("expected load/eu, got %q", got)
	}
	if got := (Event{Msg: MsgRunComplete}).Unit(); got != "" {
		t.Errorf("expected empty unit for run event, got %q", got)
	}
}

func TestLogEmitter(t *testing.T) {
	t.Run("text mode", func(t *testing.T) {
		var buf bytes.Buffer
		e := NewLogEmitter(&buf, false)
		e.Emit(Event{
			RunID:     "run-001",
			Seq:       12,
			StageID:   "extract",
			Partition: "0",
			Attempt:   1,
			Msg:       MsgUnitCommitted,
			Meta:      map[string]interface{}{"duration_ms": 5},
		})

		want := `[unit_committed] runID=run-001 seq=12 unit=extract/0 attempt=1 meta={"duration_ms":5}` + "\n"
		if buf.String() != want {
			t.Errorf("got %q, want %q", buf.String(), want)
		}
	})

	t.Run("text mode run event", func(t *testing.T) {
		var buf bytes.Buffer
		NewLogEmitter(&buf, false).Emit(Event{RunID: "run-001", Msg: MsgRunComplete})
		if buf.String() != "[run_complete] runID=run-001\n" {
			t.Errorf("unexpected output %q", buf.String())
		}
	})

	t.Run("json mode", func(t *testing.T) {
		var buf bytes.Buffer
		e := NewLogEmitter(&buf, true)
		e.Emit(Event{RunID: "run-001", Seq: 3, StageID: "load", Partition: "1", Attempt: 2, Msg: MsgUnitFailed})
		e.Emit(Event{RunID: "run-001", Msg: MsgRunComplete})

		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		if len(lines) != 2 {
			t.Fatalf("expected 2 lines, got %d", len(lines))
		}
		var decoded map[string]interface{}
		if err := json.Unmarshal([]byte(lines[0]), &decoded); err != nil {
			t.Fatalf("invalid JSON line: %v", err)
		}
		if decoded["stage"] != "load" || decoded["attempt"] != float64(2) || decoded["seq"] != float64(3) {
			t.Errorf("unexpected decoded event: %v", decoded)
		}
	})

	t.Run("concurrent emits do not interleave", func(t *testing.T) {
		var buf bytes.Buffer
		e := NewLogEmitter(&buf, true)

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				e.Emit(Event{RunID: "run-001", Msg: MsgUnitReady})
			}()
		}
		wg.Wait()

		for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
			if !json.Valid([]byte(line)) {
				t.Fatalf("corrupted line %q", line)
			}
		}
	})
}

func TestSlogEmitter(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	e := NewSlogEmitter(logger)

	e.Emit(Event{
		RunID:     "run-001",
		Seq:       7,
		StageID:   "transform",
		Partition: "a",
		Attempt:   3,
		Msg:       MsgUnitFailed,
		Meta:      map[string]interface{}{"error": "boom"},
	})

	var rec map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("invalid slog output: %v", err)
	}
	if rec["level"] != "WARN" {
		t.Errorf("expected WARN for unit_failed, got %v", rec["level"])
	}
	if rec["msg"] != MsgUnitFailed || rec["stage"] != "transform" || rec["error"] != "boom" {
		t.Errorf("unexpected record: %v", rec)
	}
	if rec["attempt"] != float64(3) || rec["seq"] != float64(7) {
		t.Errorf("unexpected attempt/seq: %v", rec)
	}
}

func TestBufferedEmitter(t *testing.T) {
	e := NewBufferedEmitter()
	events := []Event{
		{RunID: "run-001", Seq: 1, StageID: "a", Partition: "0", Attempt: 1, Msg: MsgUnitStarted},
		{RunID: "run-001", Seq: 2, StageID: "a", Partition: "0", Attempt: 1, Msg: MsgUnitCommitted},
		{RunID: "run-001", StageID: "b", Partition: "0", Attempt: 1, Msg: MsgUnitReady},
		{RunID: "run-001", Seq: 3, StageID: "b", Partition: "0", Attempt: 1, Msg: MsgUnitStarted},
		{RunID: "run-002", Seq: 1, StageID: "a", Partition: "1", Attempt: 1, Msg: MsgUnitStarted},
	}
	for _, ev := range events {
		e.Emit(ev)
	}

	if got := len(e.GetHistory("run-001")); got != 4 {
		t.Errorf("expected 4 events for run-001, got %d", got)
	}
	if got := e.GetHistory("missing"); got == nil || len(got) != 0 {
		t.Errorf("expected empty non-nil slice, got %v", got)
	}

	tests := []struct {
		name   string
		filter HistoryFilter
		want   int
	}{
		{"by stage", HistoryFilter{StageID: "b"}, 2},
		{"by msg", HistoryFilter{Msg: MsgUnitStarted}, 2},
		{"stage and msg", HistoryFilter{StageID: "a", Msg: MsgUnitCommitted}, 1},
		{"min seq", HistoryFilter{MinSeq: ptr(uint64(2))}, 2},
		{"seq range", HistoryFilter{MinSeq: ptr(uint64(1)), MaxSeq: ptr(uint64(2))}, 2},
		{"no match", HistoryFilter{Partition: "9"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := len(e.GetHistoryWithFilter("run-001", tt.filter)); got != tt.want {
				t.Errorf("expected %d events, got %d", tt.want, got)
			}
		})
	}

	if got := e.Count("run-001", MsgUnitStarted); got != 2 {
		t.Errorf("expected Count 2, got %d", got)
	}

	// Returned slices are copies.
	history := e.GetHistory("run-001")
	history[0].Msg = "mutated"
	if e.GetHistory("run-001")[0].Msg != MsgUnitStarted {
		t.Error("GetHistory returned internal storage")
	}

	e.Clear("run-001")
	if len(e.GetHistory("run-001")) != 0 || len(e.GetHistory("run-002")) != 1 {
		t.Error("Clear(runID) removed the wrong events")
	}
	e.Clear("")
	if len(e.GetHistory("run-002")) != 0 {
		t.Error("Clear(\"\") kept events")
	}
}

func ptr[T any](v T) *T { return &v }
