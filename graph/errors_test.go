package graph

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/dshills/pipegraph-go/graph/store"
)

func TestCycleError(t *testing.T) {
	err := fmt.Errorf("build: %w", &CycleError{Stages: []string{"a", "b", "a"}})

	if !errors.Is(err, ErrCycle) {
		t.Error("CycleError should match ErrCycle")
	}
	if got, want := err.Error(), "build: pipeline contains a cycle: a -> b -> a"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestEngineError(t *testing.T) {
	cause := errors.New("disk full")
	tests := []struct {
		err  *EngineError
		want string
	}{
		{&EngineError{Message: "append failed"}, "append failed"},
		{&EngineError{Message: "append failed", Code: "DURABILITY"}, "DURABILITY: append failed"},
		{&EngineError{Message: "append failed", Code: "DURABILITY", Cause: cause}, "DURABILITY: append failed: disk full"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
	if !errors.Is(tests[2].err, cause) {
		t.Error("EngineError should unwrap to its cause")
	}
}

func TestFailureReason(t *testing.T) {
	unit := store.UnitKey{Stage: "s", Partition: "0"}
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"timeout", &TimeoutError{Unit: unit, Attempt: 1, Limit: time.Second}, "timeout"},
		{"durability", &DurabilityError{Unit: unit, Attempt: 1, Err: store.ErrClosed}, "durability"},
		{"interrupted", fmt.Errorf("unit %s: %w", unit, ErrInterrupted), "interrupted"},
		{"panic", &StageError{Unit: unit, Attempt: 1, Panic: true, Err: errors.New("boom")}, "panic"},
		{"plain", &StageError{Unit: unit, Attempt: 1, Err: errors.New("boom")}, "error"},
		{"wrapped timeout", fmt.Errorf("attempt: %w", &TimeoutError{Unit: unit}), "timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := failureReason(tt.err); got != tt.want {
				t.Errorf("failureReason = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTimeoutError_Timeout(t *testing.T) {
	var err error = &TimeoutError{Unit: store.UnitKey{Stage: "s", Partition: "0"}, Attempt: 2, Limit: time.Second}
	var to interface{ Timeout() bool }
	if !errors.As(err, &to) || !to.Timeout() {
		t.Error("TimeoutError should report Timeout() == true")
	}
}
