// Package graph runs partitioned pipeline DAGs on top of a durable log.
//
// A Pipeline is a validated DAG of stages. Each stage is expanded into one
// unit per partition key. The Scheduler tracks every unit's state and decides
// what may run next, the Executor runs a unit's transform under a deadline,
// and the Engine drives both while recording every outcome in a store.Log.
// Progress that reached the log survives a crash: Recover rebuilds the
// scheduler from the last checkpoint plus the records after it.
package graph

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dshills/pipegraph-go/graph/store"
)

var (
	// ErrCycle reports a pipeline whose edges form a cycle. Match it with
	// errors.Is; errors.As with *CycleError yields the witness path.
	ErrCycle = errors.New("pipeline contains a cycle")

	// ErrInvalidPipeline reports a malformed stage or edge definition.
	ErrInvalidPipeline = errors.New("invalid pipeline")

	// ErrUnknownUnit reports a unit key the scheduler does not track.
	ErrUnknownUnit = errors.New("unknown unit")

	// ErrInvalidTransition reports a unit state change the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid unit state transition")

	// ErrAlreadyStarted is returned by Run and Start on an engine that has
	// already been started.
	ErrAlreadyStarted = errors.New("engine already started")

	// ErrNotStarted is returned by Wait on an engine that was never started.
	ErrNotStarted = errors.New("engine not started")

	// ErrInvalidOptions reports engine options that fail validation.
	ErrInvalidOptions = errors.New("invalid engine options")

	// ErrInterrupted is the failure recorded for a unit that was running when
	// the previous process stopped.
	ErrInterrupted = errors.New("interrupted before an outcome was recorded")
)

// CycleError names the stages of one cycle, first stage repeated at the end.
type CycleError struct {
	Stages []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%v: %s", ErrCycle, strings.Join(e.Stages, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrCycle }

// StageError wraps an error returned (or a panic raised) by a stage transform.
type StageError struct {
	Unit    store.UnitKey
	Attempt int
	Panic   bool
	Err     error
}

func (e *StageError) Error() string {
	if e.Panic {
		return fmt.Sprintf("unit %s attempt %d panicked: %v", e.Unit, e.Attempt, e.Err)
	}
	return fmt.Sprintf("unit %s attempt %d: %v", e.Unit, e.Attempt, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// TimeoutError reports a transform that did not return within its deadline.
// The transform's goroutine is abandoned; its eventual result is discarded.
type TimeoutError struct {
	Unit    store.UnitKey
	Attempt int
	Limit   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("unit %s attempt %d exceeded timeout of %v", e.Unit, e.Attempt, e.Limit)
}

// Timeout lets callers test for deadline failures without importing graph.
func (e *TimeoutError) Timeout() bool { return true }

// DurabilityError reports that a durable stage's output could not be appended
// to the log. The attempt counts as failed.
type DurabilityError struct {
	Unit    store.UnitKey
	Attempt int
	Err     error
}

func (e *DurabilityError) Error() string {
	return fmt.Sprintf("unit %s attempt %d: persist output: %v", e.Unit, e.Attempt, e.Err)
}

func (e *DurabilityError) Unwrap() error { return e.Err }

// EngineError represents an error from Engine operations.
type EngineError struct {
	Message string
	Code    string
	Cause   error
}

func (e *EngineError) Error() string {
	msg := e.Message
	if e.Code != "" {
		msg = e.Code + ": " + msg
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *EngineError) Unwrap() error { return e.Cause }

// failureReason classifies a unit failure for metrics and events.
func failureReason(err error) string {
	var (
		te *TimeoutError
		de *DurabilityError
		se *StageError
	)
	switch {
	case errors.As(err, &te):
		return "timeout"
	case errors.As(err, &de):
		return "durability"
	case errors.Is(err, ErrInterrupted):
		return "interrupted"
	case errors.As(err, &se) && se.Panic:
		return "panic"
	default:
		return "error"
	}
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidPipeline, fmt.Sprintf(format, args...))
}
