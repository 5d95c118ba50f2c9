package graph

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"

	"github.com/dshills/pipegraph-go/graph/emit"
	"github.com/dshills/pipegraph-go/graph/store"
	"golang.org/x/sync/errgroup"
)

// Status is the overall outcome of a run.
type Status int

const (
	// StatusAllCommitted means every unit committed.
	StatusAllCommitted Status = iota
	// StatusPartiallyBlocked means some unit failed for good, and with it
	// every unit depending on it. All other units committed.
	StatusPartiallyBlocked
	// StatusCancelled means the run was cancelled by Cancel, by its context
	// or by a log failure before every unit was resolved.
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusAllCommitted:
		return "AllCommitted"
	case StatusPartiallyBlocked:
		return "PartiallyBlocked"
	case StatusCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Result is what Wait and Run report once a run ends.
type Result struct {
	RunID  string
	Status Status

	// Blocked and Failed list stage IDs, in topological order, with at least
	// one unit in that state.
	Blocked []string
	Failed  []string

	// Counts is the number of units per final state.
	Counts map[UnitState]int

	// DurabilityFailures lists, in the order they were reported, the attempts
	// whose output was produced but could not be appended to the log. Each
	// one was recorded as a failed attempt and retried like any other.
	DurabilityFailures []*DurabilityError

	// Err is set when the engine itself could not write to the log. The run
	// stops as if cancelled.
	Err error
}

// Engine runs a pipeline to completion against a durable log.
//
// The engine owns the scheduler and a pool of MaxConcurrency executors.
// One decision loop hands Ready units to the executors, records every
// outcome through the scheduler, and writes a checkpoint every
// CheckpointInterval records. Executors send outcomes back on a buffered
// channel; only the log handle is shared between goroutines.
//
// Typical use:
//
//	h := store.NewHandle(log)
//	defer h.Release()
//
//	eng, err := graph.Start(ctx, pipeline, h, graph.WithMaxConcurrency(8))
//	if err != nil {
//	    return err
//	}
//	res, err := eng.Wait(ctx)
type Engine struct {
	p       *Pipeline
	h       *store.Handle
	opts    Options
	emitter emit.Emitter
	metrics *PrometheusMetrics
	sched   *Scheduler

	mu        sync.Mutex
	recovered bool
	started   bool

	cancelOnce sync.Once
	cancelCh   chan struct{}
	done       chan struct{}
	result     Result

	// Decision loop state.
	fatal          error
	lastCheckpoint int
	reporting      *Outcome
	durability     []*DurabilityError
}

// New builds an engine for p over h with every unit enqueued. It does not
// read the log; Run recovers from it before doing any work. Use Recover to
// rebuild state eagerly.
func New(p *Pipeline, h *store.Handle, options ...Option) (*Engine, error) {
	if p == nil {
		return nil, &EngineError{Message: "pipeline cannot be nil", Code: "INVALID_ARGUMENT"}
	}
	if h == nil {
		return nil, &EngineError{Message: "log handle cannot be nil", Code: "INVALID_ARGUMENT"}
	}
	opts, err := newEngineConfig(options)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		p:        p,
		h:        h,
		opts:     opts,
		emitter:  opts.Emitter,
		metrics:  opts.Metrics,
		sched:    NewScheduler(p, h, opts.MaxConcurrency, opts.RetryLimit),
		cancelCh: make(chan struct{}),
		done:     make(chan struct{}),
	}
	if err := e.sched.EnqueueAll(); err != nil {
		return nil, &EngineError{Message: "enqueue units", Code: "INVALID_PIPELINE", Cause: err}
	}
	e.sched.OnTransition(e.onTransition)
	return e, nil
}

// Recover builds an engine and rebuilds its state from h: the newest
// checkpoint seeds the scheduler and the records after it are replayed.
// Units that were Running when the previous process stopped get a
// UnitFailed record, so the interrupted attempt counts against their retry
// limit. Committed units are never run again.
func Recover(ctx context.Context, p *Pipeline, h *store.Handle, options ...Option) (*Engine, error) {
	e, err := New(p, h, options...)
	if err != nil {
		return nil, err
	}
	if err := e.recover(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// Start recovers an engine and runs it in the background. Cancelling ctx
// cancels the run. Use Wait for the result.
func Start(ctx context.Context, p *Pipeline, h *store.Handle, options ...Option) (*Engine, error) {
	e, err := Recover(ctx, p, h, options...)
	if err != nil {
		return nil, err
	}
	if err := e.begin(); err != nil {
		return nil, err
	}
	go func() { _, _ = e.run(ctx) }()
	return e, nil
}

// RunID returns the run ID carried by this engine's events.
func (e *Engine) RunID() string { return e.opts.RunID }

// Options returns the validated configuration.
func (e *Engine) Options() Options { return e.opts }

func (e *Engine) recover(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.recovered {
		return nil
	}

	if _, err := rebuild(ctx, e.sched, e.h); err != nil {
		return &EngineError{Message: "rebuild from log", Code: "RECOVERY_FAILED", Cause: err}
	}
	for _, u := range e.sched.Units() {
		if u.State != Running {
			continue
		}
		out := Outcome{Unit: u.Key, Attempt: u.Attempt, Err: ErrInterrupted}
		if _, err := e.sched.Report(ctx, u.Key, out); err != nil {
			return &EngineError{Message: "record interrupted unit " + u.Key.String(), Code: "RECOVERY_FAILED", Cause: err}
		}
	}
	e.lastCheckpoint = e.sched.Applied()
	e.recovered = true
	return nil
}

func (e *Engine) begin() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return ErrAlreadyStarted
	}
	e.started = true
	return nil
}

// Run recovers if needed and executes the pipeline until every unit is
// resolved or the run is cancelled. Cancelling ctx behaves like Cancel:
// running units finish and are recorded.
//
// The returned error is Result.Err, or the recovery error. A run that ends
// StatusPartiallyBlocked is not an error.
func (e *Engine) Run(ctx context.Context) (Result, error) {
	if err := e.begin(); err != nil {
		return Result{}, err
	}
	return e.run(ctx)
}

func (e *Engine) run(ctx context.Context) (Result, error) {
	defer close(e.done)

	if err := e.h.Retain(); err != nil {
		e.result = Result{RunID: e.opts.RunID, Status: StatusCancelled,
			Err: &EngineError{Message: "retain log handle", Code: "LOG_CLOSED", Cause: err}}
		return e.result, e.result.Err
	}
	defer func() { _ = e.h.Release() }()

	if err := e.recover(ctx); err != nil {
		e.result = Result{RunID: e.opts.RunID, Status: StatusCancelled, Err: err}
		return e.result, err
	}
	if e.metrics != nil {
		e.h.Observe(e.metrics.ObserveAppend)
		defer e.h.Observe(nil)
	}

	e.result = e.loop(ctx)
	return e.result, e.result.Err
}

// Cancel stops the run: Ready and Pending units are cancelled at once,
// Running units finish and their outcomes are recorded. Cancel may be called
// more than once, and before the run starts.
func (e *Engine) Cancel() {
	e.cancelOnce.Do(func() { close(e.cancelCh) })
}

// Wait blocks until the run ends or ctx is done.
func (e *Engine) Wait(ctx context.Context) (Result, error) {
	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if !started {
		return Result{}, ErrNotStarted
	}

	select {
	case <-e.done:
		return e.result, e.result.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// loop is the decision loop. It is the only goroutine touching the
// scheduler while the run lasts.
func (e *Engine) loop(ctx context.Context) Result {
	n := e.opts.MaxConcurrency
	work := make(chan Assignment, n)
	reports := make(chan Outcome, n)

	// Records must still be written after cancellation so running units
	// reach the log.
	logCtx := context.WithoutCancel(ctx)

	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			if err := e.h.Retain(); err != nil {
				return err
			}
			defer func() { _ = e.h.Release() }()

			x := NewExecutor(e.h)
			for a := range work {
				reports <- x.Run(logCtx, a)
			}
			return nil
		})
	}

	for _, u := range e.sched.Units() {
		if u.State == Ready && u.Attempt == 1 {
			e.emit(emit.MsgUnitReady, u.Key, u.Attempt, 0, nil)
		}
	}

	cancelCh, ctxDone := e.cancelCh, ctx.Done()
	for {
		// Cancellation wins over dispatch: nothing new starts once it is seen.
		select {
		case <-cancelCh:
			cancelCh = nil
			e.sched.Cancel()
		case <-ctxDone:
			ctxDone = nil
			e.sched.Cancel()
		default:
		}

		if e.fatal == nil {
			e.dispatch(logCtx, work)
		}
		e.maybeCheckpoint(logCtx)
		e.metrics.UpdateInflightUnits(e.sched.Running())
		e.metrics.UpdateReadyUnits(e.sched.ReadyLen())

		if e.sched.Done() {
			break
		}

		select {
		case out := <-reports:
			e.report(logCtx, out)
		case <-cancelCh:
			cancelCh = nil
			e.sched.Cancel()
		case <-ctxDone:
			ctxDone = nil
			e.sched.Cancel()
		}
	}

	close(work)
	_ = g.Wait()

	res := e.summarize()
	e.emit(emit.MsgRunComplete, store.UnitKey{}, 0, 0, map[string]interface{}{
		"status":              res.Status.String(),
		"durability_failures": len(res.DurabilityFailures),
	})
	return res
}

// dispatch starts every unit that fits. The work channel has room for
// MaxConcurrency assignments and no more units than that are Running, so
// the send never blocks.
func (e *Engine) dispatch(ctx context.Context, work chan<- Assignment) {
	for _, u := range e.sched.NextReady(0) {
		if e.fatal != nil {
			_ = e.sched.Abandon(u.Key)
			continue
		}
		seq, err := e.sched.MarkStarted(ctx, u.Key)
		if err != nil {
			e.abort(err)
			_ = e.sched.Abandon(u.Key)
			continue
		}
		e.emit(emit.MsgUnitStarted, u.Key, u.Attempt, seq, nil)

		a, err := e.assignment(u)
		if err != nil {
			e.abort(err)
			_ = e.sched.Abandon(u.Key)
			continue
		}
		work <- a
	}
}

func (e *Engine) assignment(u Unit) (Assignment, error) {
	stage, _ := e.p.Stage(u.Key.Stage)
	inputs, err := e.sched.Inputs(u.Key)
	if err != nil {
		return Assignment{}, err
	}
	return Assignment{
		Unit:      u.Key,
		Attempt:   u.Attempt,
		Transform: stage.Transform,
		Upstream:  inputs,
		Durable:   stage.Durable,
		Timeout:   stage.Policy.timeout(e.opts.UnitTimeout),
	}, nil
}

func (e *Engine) report(ctx context.Context, out Outcome) {
	var de *DurabilityError
	if errors.As(out.Err, &de) {
		e.durability = append(e.durability, de)
	}
	if e.fatal != nil {
		_ = e.sched.Abandon(out.Unit)
		return
	}

	e.reporting = &out
	state, err := e.sched.Report(ctx, out.Unit, out)
	e.reporting = nil
	if err != nil {
		e.abort(err)
		_ = e.sched.Abandon(out.Unit)
		return
	}

	status := strings.ToLower(state.String())
	if state == Ready {
		status = "retrying"
	}
	e.metrics.RecordUnitLatency(out.Unit.Stage, status, out.Duration)
}

// abort stops the run after the engine failed to write to the log.
func (e *Engine) abort(err error) {
	if e.fatal != nil {
		return
	}
	e.fatal = &EngineError{Message: "log append failed", Code: "DURABILITY", Cause: err}
	e.sched.Cancel()
}

func (e *Engine) maybeCheckpoint(ctx context.Context) {
	if e.fatal != nil || e.sched.Applied()-e.lastCheckpoint < e.opts.CheckpointInterval {
		return
	}
	e.checkpoint(ctx)
}

// checkpoint appends a Checkpoint record and then asks the log to compact
// everything it covers. Compaction is advisory: a failure is reported as an
// event and otherwise ignored.
func (e *Engine) checkpoint(ctx context.Context) {
	cp := e.sched.CheckpointPayload()
	payload, err := EncodeCheckpoint(cp)
	if err != nil {
		e.abort(err)
		return
	}

	rec := store.Record{Kind: store.KindCheckpoint, Payload: payload}
	seq, err := e.h.Append(ctx, rec)
	if err != nil {
		e.abort(err)
		return
	}
	rec.Sequence = seq
	_ = e.sched.apply(rec, nil, true)
	e.lastCheckpoint = e.sched.Applied()
	e.metrics.IncrementCheckpoints()

	meta := map[string]interface{}{
		"up_to":    cp.UpTo,
		"resolved": len(cp.Resolved),
	}
	if cp.UpTo > 0 {
		if err := e.h.Checkpoint(ctx, cp.UpTo); err != nil {
			meta["error"] = err.Error()
		}
	}
	e.emit(emit.MsgCheckpoint, store.UnitKey{}, 0, seq, meta)
}

// onTransition turns scheduler transitions into events and metrics.
func (e *Engine) onTransition(t Transition) {
	var meta map[string]interface{}
	if t.Err != nil {
		meta = map[string]interface{}{
			"error":  t.Err.Error(),
			"reason": failureReason(t.Err),
		}
	}

	switch t.To {
	case Ready:
		e.emit(emit.MsgUnitReady, t.Unit, t.Attempt, 0, nil)
	case Committed:
		if out := e.reporting; out != nil && out.Unit == t.Unit {
			meta = map[string]interface{}{"duration_ms": out.Duration.Milliseconds()}
		}
		e.emit(emit.MsgUnitCommitted, t.Unit, t.Attempt, t.Seq, meta)
	case Retrying:
		e.metrics.IncrementRetries(t.Unit.Stage, failureReason(t.Err))
		e.emit(emit.MsgUnitRetrying, t.Unit, t.Attempt, t.Seq, meta)
	case Failed:
		e.emit(emit.MsgUnitFailed, t.Unit, t.Attempt, t.Seq, meta)
	case Blocked:
		e.metrics.IncrementBlocked(t.Unit.Stage)
		e.emit(emit.MsgUnitBlocked, t.Unit, t.Attempt, 0, map[string]interface{}{"reason": "dependency failed"})
	case Cancelled:
		e.emit(emit.MsgUnitCancelled, t.Unit, t.Attempt, 0, nil)
	}
}

func (e *Engine) emit(msg string, unit store.UnitKey, attempt int, seq uint64, meta map[string]interface{}) {
	e.emitter.Emit(emit.Event{
		RunID:     e.opts.RunID,
		Seq:       seq,
		StageID:   unit.Stage,
		Partition: unit.Partition,
		Attempt:   attempt,
		Msg:       msg,
		Meta:      meta,
	})
}

func (e *Engine) summarize() Result {
	res := Result{
		RunID:  e.opts.RunID,
		Counts: e.sched.Counts(),
		Err:    e.fatal,

		DurabilityFailures: slices.Clone(e.durability),
	}

	blocked := make(map[string]bool)
	failed := make(map[string]bool)
	for _, u := range e.sched.Units() {
		switch u.State {
		case Blocked:
			blocked[u.Key.Stage] = true
		case Failed:
			failed[u.Key.Stage] = true
		}
	}
	for _, id := range e.sched.BlockedStages() {
		blocked[id] = true
	}
	for _, id := range e.p.TopoOrder() {
		if blocked[id] {
			res.Blocked = append(res.Blocked, id)
		}
		if failed[id] {
			res.Failed = append(res.Failed, id)
		}
	}

	// A cancel that arrives after the last unit resolved changes nothing.
	switch {
	case e.fatal != nil || res.Counts[Cancelled] > 0:
		res.Status = StatusCancelled
	case len(res.Blocked) > 0 || len(res.Failed) > 0:
		res.Status = StatusPartiallyBlocked
	default:
		res.Status = StatusAllCommitted
	}
	return res
}
