package graph

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/dshills/pipegraph-go/graph/store"
)

// Assignment is one attempt of one unit, handed to an Executor.
type Assignment struct {
	Unit      store.UnitKey
	Attempt   int
	Transform Transform
	Upstream  map[store.UnitKey]Batch

	// Durable makes the executor append the output before reporting success.
	Durable bool

	// Timeout bounds the attempt. Zero means no deadline.
	Timeout time.Duration
}

// Outcome is the result of one attempt.
type Outcome struct {
	Unit    store.UnitKey
	Attempt int

	// Output is the transform's result on success.
	Output []byte

	// CommitSeq is the UnitCommitted record a durable stage appended, zero
	// otherwise.
	CommitSeq uint64

	// Err is a *StageError, *TimeoutError or *DurabilityError on failure.
	Err error

	Duration time.Duration
}

// Executor runs one assignment at a time.
//
// It enforces the attempt's deadline by running the transform on its own
// goroutine and abandoning it when the deadline passes. Go cannot preempt a
// goroutine, so an abandoned transform that ignores its context keeps
// running in the background until it returns; its result is dropped.
type Executor struct {
	log Appender
	now func() time.Time
}

// NewExecutor returns an executor that appends durable outputs through log.
func NewExecutor(log Appender) *Executor {
	return &Executor{log: log, now: time.Now}
}

type transformResult struct {
	out []byte
	err error
}

// Run executes a and returns its outcome. It never panics: a panicking
// transform yields a *StageError with Panic set.
func (x *Executor) Run(ctx context.Context, a Assignment) (res Outcome) {
	start := x.now()
	res = Outcome{Unit: a.Unit, Attempt: a.Attempt}
	defer func() { res.Duration = x.now().Sub(start) }()

	runCtx := ctx
	if a.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}

	done := make(chan transformResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- transformResult{err: &StageError{
					Unit:    a.Unit,
					Attempt: a.Attempt,
					Panic:   true,
					Err:     fmt.Errorf("%v\n%s", r, debug.Stack()),
				}}
			}
		}()
		out, err := a.Transform.Run(runCtx, Input{Unit: a.Unit, Attempt: a.Attempt, Upstream: a.Upstream})
		done <- transformResult{out: out, err: err}
	}()

	var tr transformResult
	select {
	case tr = <-done:
	case <-runCtx.Done():
		// A result that raced the deadline still wins.
		select {
		case tr = <-done:
		default:
			if a.Timeout > 0 && ctx.Err() == nil {
				tr.err = &TimeoutError{Unit: a.Unit, Attempt: a.Attempt, Limit: a.Timeout}
			} else {
				tr.err = &StageError{Unit: a.Unit, Attempt: a.Attempt, Err: ctx.Err()}
			}
		}
	}

	switch {
	case tr.err == nil:
	case isExecError(tr.err):
		res.Err = tr.err
		return res
	case a.Timeout > 0 && runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil:
		res.Err = &TimeoutError{Unit: a.Unit, Attempt: a.Attempt, Limit: a.Timeout}
		return res
	default:
		res.Err = &StageError{Unit: a.Unit, Attempt: a.Attempt, Err: tr.err}
		return res
	}

	res.Output = tr.out
	if !a.Durable {
		return res
	}

	seq, err := x.log.Append(context.WithoutCancel(ctx), store.Record{
		Kind:    store.KindUnitCommitted,
		Unit:    a.Unit,
		Attempt: uint32(a.Attempt),
		Payload: tr.out,
	})
	if err != nil {
		res.Output = nil
		res.Err = &DurabilityError{Unit: a.Unit, Attempt: a.Attempt, Err: err}
		return res
	}
	res.CommitSeq = seq
	return res
}

func isExecError(err error) bool {
	switch err.(type) {
	case *StageError, *TimeoutError, *DurabilityError:
		return true
	}
	return false
}
