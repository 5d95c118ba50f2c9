package graph

import (
	"cmp"
	"container/heap"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"slices"

	"github.com/dshills/pipegraph-go/graph/store"
)

// Appender is the write side of a log. *store.Handle implements it.
type Appender interface {
	Append(ctx context.Context, rec store.Record) (uint64, error)
}

// Scheduler tracks every unit's state and decides which units run next.
//
// Units live in an arena indexed by the order they were enqueued; all
// adjacency is kept as arena indices. Ready units wait in one queue per
// stage, ordered by the log sequence at which they became ready. NextReady
// serves stages round-robin, so one busy stage cannot starve the others.
//
// Every state change that matters for recovery goes through apply, which is
// driven by a log record. Live operation and replay share it, so replaying a
// log reproduces the state the live scheduler had. Deferred stages are
// expanded from apply too, right after the commit that makes their keys
// known, so their units land at the same arena positions on replay.
//
// A Scheduler is not safe for concurrent use. The engine's decision loop is
// its only owner.
type Scheduler struct {
	p          *Pipeline
	log        Appender
	maxConc    int
	retryLimit int

	units  []*unitRec
	index  map[store.UnitKey]int
	queues [][]int // per pipeline stage, sorted by (readySeq, arena index)
	cursor int

	running   int
	cancelled bool
	replaying bool

	// Per pipeline stage. Deferred stages get keys when expanded; a
	// deferred stage whose upstream failed for good is never expanded.
	keys         [][]string
	expanded     []bool
	stageBlocked []bool
	expansions   []Expansion

	lastSeq uint64
	applied int

	observer func(Transition)
}

type unitRec struct {
	key        store.UnitKey
	stage      int
	deps       []int
	dependents []int
	waiting    int // dependencies not yet committed
	attempt    int
	state      UnitState

	readySeq uint64
	firstSeq uint64
	lastSeq  uint64
	termSeq  uint64

	output    []byte
	hasOutput bool
	lost      bool
}

// NewScheduler returns an empty scheduler for p. Records are appended
// through log. At most maxConcurrency units are Running at once; a failed
// unit is retried while its attempt number is at most retryLimit, unless its
// stage overrides the limit.
func NewScheduler(p *Pipeline, log Appender, maxConcurrency, retryLimit int) *Scheduler {
	s := &Scheduler{
		p:            p,
		log:          log,
		maxConc:      maxConcurrency,
		retryLimit:   retryLimit,
		index:        make(map[store.UnitKey]int),
		queues:       make([][]int, p.Len()),
		keys:         make([][]string, p.Len()),
		expanded:     make([]bool, p.Len()),
		stageBlocked: make([]bool, p.Len()),
	}
	for n := range p.Len() {
		if !p.deferred[n] {
			s.keys[n], s.expanded[n] = p.keys[n], true
		}
	}
	return s
}

// OnTransition installs fn to observe live state changes. Changes made
// while replaying or seeding are not reported.
func (s *Scheduler) OnTransition(fn func(Transition)) {
	s.observer = fn
}

// EnqueueAll registers every unit known at build time in topological order.
// Units of deferred stages are enqueued once their keys are known.
func (s *Scheduler) EnqueueAll() error {
	for _, spec := range s.p.Units() {
		if err := s.Enqueue(spec); err != nil {
			return err
		}
	}
	return nil
}

// Enqueue registers a unit. Its dependencies must already be registered.
// The unit starts Ready when every dependency has committed, Blocked when
// one has failed, Cancelled after Cancel, and Pending otherwise.
func (s *Scheduler) Enqueue(spec UnitSpec) error {
	if _, dup := s.index[spec.Key]; dup {
		return fmt.Errorf("%w: %s enqueued twice", ErrInvalidTransition, spec.Key)
	}
	stage := s.p.stageIndex(spec.Key.Stage)
	if stage < 0 {
		return fmt.Errorf("%w: %s: no such stage", ErrUnknownUnit, spec.Key)
	}

	u := &unitRec{key: spec.Key, stage: stage, attempt: 1, state: Pending}
	for _, dk := range spec.Deps {
		di, ok := s.index[dk]
		if !ok {
			return fmt.Errorf("%w: dependency %s of %s", ErrUnknownUnit, dk, spec.Key)
		}
		u.deps = append(u.deps, di)
	}

	i := len(s.units)
	s.units = append(s.units, u)
	s.index[spec.Key] = i

	blocked := false
	for _, di := range u.deps {
		d := s.units[di]
		d.dependents = append(d.dependents, i)
		switch d.state {
		case Committed:
		case Failed, Blocked:
			blocked = true
			u.waiting++
		default:
			u.waiting++
		}
	}

	switch {
	case s.cancelled:
		s.set(i, Cancelled, 0, nil)
	case blocked:
		s.set(i, Blocked, 0, nil)
	case u.waiting == 0:
		s.makeReady(i)
	}
	return nil
}

// NextReady hands out up to max Ready units, fewer when the concurrency
// limit leaves less room, and moves them to Running. A max of zero or less
// means "as many as fit". Stages are visited round-robin starting where the
// previous call stopped; within a stage units leave in FIFO order. It never
// blocks and returns nil when nothing can run.
func (s *Scheduler) NextReady(max int) []Unit {
	capacity := s.maxConc - s.running
	if max > 0 && max < capacity {
		capacity = max
	}
	if capacity <= 0 || s.cancelled || len(s.queues) == 0 {
		return nil
	}

	var out []Unit
	for idle := 0; len(out) < capacity && idle < len(s.queues); {
		st := s.cursor
		s.cursor = (s.cursor + 1) % len(s.queues)

		q := s.queues[st]
		if len(q) == 0 {
			idle++
			continue
		}
		idle = 0

		i := q[0]
		s.queues[st] = q[1:]
		s.set(i, Running, 0, nil)
		out = append(out, s.view(i))
	}
	return out
}

// MarkStarted appends the UnitStarted record for a unit handed out by
// NextReady and returns its sequence number.
func (s *Scheduler) MarkStarted(ctx context.Context, key store.UnitKey) (uint64, error) {
	i, err := s.lookup(key)
	if err != nil {
		return 0, err
	}
	u := s.units[i]
	if u.state != Running {
		return 0, fmt.Errorf("%w: %s is %s, not Running", ErrInvalidTransition, key, u.state)
	}

	rec := store.Record{Kind: store.KindUnitStarted, Unit: key, Attempt: uint32(u.attempt)}
	seq, err := s.log.Append(ctx, rec)
	if err != nil {
		return 0, fmt.Errorf("append %s for %s: %w", rec.Kind, key, err)
	}
	rec.Sequence = seq
	return seq, s.apply(rec, nil, true)
}

// Report folds an executor outcome into the scheduler and returns the
// unit's resulting state.
//
// A success appends UnitCommitted (unless the executor already did so, in
// which case out.CommitSeq names that record), commits the unit and promotes
// every dependent whose last dependency this was. A failure appends
// UnitFailed; the unit is retried with its attempt incremented while the
// failed attempt is within the retry limit, otherwise it fails for good and
// its pending dependents become Blocked. After Cancel, units neither get
// promoted nor retried.
func (s *Scheduler) Report(ctx context.Context, key store.UnitKey, out Outcome) (UnitState, error) {
	i, err := s.lookup(key)
	if err != nil {
		return 0, err
	}
	u := s.units[i]
	if u.state != Running {
		return u.state, fmt.Errorf("%w: report for %s in state %s", ErrInvalidTransition, key, u.state)
	}
	if out.Attempt != 0 && out.Attempt != u.attempt {
		return u.state, fmt.Errorf("%w: report for %s attempt %d, running attempt %d",
			ErrInvalidTransition, key, out.Attempt, u.attempt)
	}

	rec := store.Record{Unit: key, Attempt: uint32(u.attempt)}
	switch {
	case out.Err != nil:
		rec.Kind = store.KindUnitFailed
		rec.Payload = []byte(out.Err.Error())
	case out.CommitSeq != 0:
		rec.Kind = store.KindUnitCommitted
		rec.Sequence = out.CommitSeq
		rec.Payload = out.Output
	default:
		rec.Kind = store.KindUnitCommitted
	}

	if rec.Sequence == 0 {
		seq, err := s.log.Append(ctx, rec)
		if err != nil {
			return u.state, fmt.Errorf("append %s for %s: %w", rec.Kind, key, err)
		}
		rec.Sequence = seq
	}

	if err := s.apply(rec, out.Err, true); err != nil {
		return u.state, err
	}
	if out.Err == nil {
		u.output, u.hasOutput, u.lost = out.Output, true, false
	}
	return u.state, nil
}

// Abandon moves a Running unit to Cancelled without writing a record. The
// engine uses it for outcomes it can no longer log.
func (s *Scheduler) Abandon(key store.UnitKey) error {
	i, err := s.lookup(key)
	if err != nil {
		return err
	}
	return s.set(i, Cancelled, 0, nil)
}

// Cancel stops all further work: every Pending or Ready unit becomes
// Cancelled. Running units are untouched and may still report. It returns
// the number of units cancelled.
func (s *Scheduler) Cancel() int {
	if s.cancelled {
		return 0
	}
	s.cancelled = true

	n := 0
	for i, u := range s.units {
		if u.state == Pending || u.state == Ready {
			s.set(i, Cancelled, 0, nil)
			n++
		}
	}
	for st := range s.queues {
		s.queues[st] = nil
	}
	return n
}

// apply is the single state-transition function for log records. live is
// false during replay, where the record stream must describe a legal
// history on its own.
func (s *Scheduler) apply(rec store.Record, cause error, live bool) error {
	if rec.Sequence > s.lastSeq {
		s.lastSeq = rec.Sequence
	}
	s.applied++
	if rec.Kind == store.KindCheckpoint {
		return nil
	}

	i, ok := s.index[rec.Unit]
	if !ok {
		return fmt.Errorf("%w: record %d names %s", ErrUnknownUnit, rec.Sequence, rec.Unit)
	}
	u := s.units[i]
	if u.firstSeq == 0 || rec.Sequence < u.firstSeq {
		u.firstSeq = rec.Sequence
	}
	u.lastSeq = max(u.lastSeq, rec.Sequence)

	attempt := int(rec.Attempt)
	switch rec.Kind {
	case store.KindUnitStarted:
		if live && u.state == Running && u.attempt == attempt {
			return nil
		}
		if err := checkTransition(u.key, u.state, Running); err != nil {
			return err
		}
		if attempt != u.attempt {
			return fmt.Errorf("%w: record %d starts %s attempt %d, expected %d",
				store.ErrCorruptRecord, rec.Sequence, u.key, attempt, u.attempt)
		}
		s.dequeue(i)
		return s.set(i, Running, rec.Sequence, nil)

	case store.KindUnitCommitted:
		if err := s.checkOutcome(u, rec); err != nil {
			return err
		}
		if err := s.set(i, Committed, rec.Sequence, nil); err != nil {
			return err
		}
		u.termSeq = rec.Sequence
		if s.p.stages[u.stage].Durable {
			u.output, u.hasOutput, u.lost = slices.Clone(rec.Payload), true, false
		} else {
			u.output, u.hasOutput, u.lost = nil, false, true
		}
		for _, d := range u.dependents {
			du := s.units[d]
			du.waiting--
			if du.waiting == 0 && du.state == Pending {
				s.makeReady(d)
			}
		}
		return s.expandDeferred()

	case store.KindUnitFailed:
		if err := s.checkOutcome(u, rec); err != nil {
			return err
		}
		if cause == nil {
			cause = recordedFailure(rec.Payload)
		}
		if attempt <= s.retryLimitOf(u) {
			if err := s.set(i, Retrying, rec.Sequence, cause); err != nil {
				return err
			}
			u.attempt = attempt + 1
			if s.cancelled {
				return s.set(i, Cancelled, 0, nil)
			}
			s.makeReady(i)
			return nil
		}
		if err := s.set(i, Failed, rec.Sequence, cause); err != nil {
			return err
		}
		u.termSeq = rec.Sequence
		s.block(i)
		return s.expandDeferred()

	default:
		return fmt.Errorf("%w: record %d has kind %s", store.ErrCorruptRecord, rec.Sequence, rec.Kind)
	}
}

func (s *Scheduler) checkOutcome(u *unitRec, rec store.Record) error {
	if u.state != Running {
		return fmt.Errorf("%w: record %d: %s %s for unit in state %s",
			ErrInvalidTransition, rec.Sequence, u.key, rec.Kind, u.state)
	}
	if int(rec.Attempt) != u.attempt {
		return fmt.Errorf("%w: record %d: %s %s attempt %d, running attempt %d",
			store.ErrCorruptRecord, rec.Sequence, u.key, rec.Kind, rec.Attempt, u.attempt)
	}
	return nil
}

// recordedFailure is the error of a UnitFailed record read back from a log.
type recordedFailure string

func (e recordedFailure) Error() string { return string(e) }

// expandDeferred expands, in topological order, every deferred stage whose
// upstream allows it and enqueues its units. A dynamic stage waits until all
// of its upstream units have committed. If one of them fails for good, or
// the partitioner panics, the stage is blocked, and so is every deferred
// stage below it.
func (s *Scheduler) expandDeferred() error {
	for _, n := range s.p.topo {
		if s.expanded[n] || s.stageBlocked[n] {
			continue
		}
		keys, ready, blocked := s.resolveKeys(n)
		switch {
		case blocked:
			s.stageBlocked[n] = true
		case ready:
			if err := s.expandStage(n, keys); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Scheduler) resolveKeys(n int) (keys []string, ready, blocked bool) {
	for _, u := range s.p.deps[n] {
		if s.stageBlocked[u] {
			return nil, false, true
		}
		if !s.expanded[u] {
			return nil, false, false
		}
	}
	st := s.p.stages[n]
	if st.Partitioning != PartitionDynamic {
		return s.p.runtimeKeys(n, s.keysOf), true, false
	}

	upstream := make(map[store.UnitKey]Batch)
	for _, u := range s.p.deps[n] {
		for _, k := range s.keys[u] {
			key := store.UnitKey{Stage: s.p.stages[u].ID, Partition: k}
			i, ok := s.index[key]
			if !ok {
				return nil, false, false
			}
			switch du := s.units[i]; du.state {
			case Committed:
				upstream[key] = Batch{Data: slices.Clone(du.output), Lost: du.lost}
			case Failed, Blocked:
				return nil, false, true
			default:
				return nil, false, false
			}
		}
	}
	keys, ok := callPartitioner(st.Partitioner, upstream)
	return keys, ok, !ok
}

func callPartitioner(fn Partitioner, upstream map[store.UnitKey]Batch) (keys []string, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			keys, ok = nil, false
		}
	}()
	return partitionKeys(fn(upstream)), true
}

func (s *Scheduler) expandStage(n int, keys []string) error {
	s.keys[n], s.expanded[n] = keys, true
	s.expansions = append(s.expansions, Expansion{Stage: s.p.stages[n].ID, Keys: slices.Clone(keys)})
	for _, spec := range s.p.stageUnits(n, keys, s.keysOf) {
		if err := s.Enqueue(spec); err != nil {
			return fmt.Errorf("expand stage %q: %w", s.p.stages[n].ID, err)
		}
	}
	return nil
}

func (s *Scheduler) keysOf(n int) []string { return s.keys[n] }

// block marks the transitive Pending dependents of unit i as Blocked, in
// arena order.
func (s *Scheduler) block(i int) {
	next := &indexHeap{}
	for _, d := range s.units[i].dependents {
		heap.Push(next, d)
	}
	seen := make(map[int]struct{})
	for next.Len() > 0 {
		d := heap.Pop(next).(int)
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		if s.units[d].state != Pending {
			continue
		}
		_ = s.set(d, Blocked, 0, nil)
		for _, dd := range s.units[d].dependents {
			heap.Push(next, dd)
		}
	}
}

// set moves unit i to state to and reports the change.
func (s *Scheduler) set(i int, to UnitState, seq uint64, cause error) error {
	u := s.units[i]
	from := u.state
	if err := checkTransition(u.key, from, to); err != nil {
		return err
	}
	u.state = to
	if from == Running {
		s.running--
	}
	if to == Running {
		s.running++
	}
	if s.observer != nil && !s.replaying {
		s.observer(Transition{Unit: u.key, Attempt: u.attempt, From: from, To: to, Seq: seq, Err: cause})
	}
	return nil
}

// makeReady moves unit i to Ready and queues it. Its queue position is the
// sequence of the newest commit among its dependencies, or of its own last
// failure when it is being retried, which is the same whether the unit is
// promoted live or during replay.
func (s *Scheduler) makeReady(i int) {
	u := s.units[i]
	seq := u.lastSeq
	for _, d := range u.deps {
		seq = max(seq, s.units[d].termSeq)
	}
	u.readySeq = seq
	_ = s.set(i, Ready, 0, nil)

	q := s.queues[u.stage]
	pos, _ := slices.BinarySearchFunc(q, i, s.compareReady)
	s.queues[u.stage] = slices.Insert(q, pos, i)
}

func (s *Scheduler) compareReady(a, b int) int {
	if c := cmp.Compare(s.units[a].readySeq, s.units[b].readySeq); c != 0 {
		return c
	}
	return cmp.Compare(a, b)
}

func (s *Scheduler) dequeue(i int) {
	st := s.units[i].stage
	if pos := slices.Index(s.queues[st], i); pos >= 0 {
		s.queues[st] = slices.Delete(s.queues[st], pos, pos+1)
	}
}

func (s *Scheduler) retryLimitOf(u *unitRec) int {
	return s.p.stages[u.stage].Policy.retryLimit(s.retryLimit)
}

func (s *Scheduler) lookup(key store.UnitKey) (int, error) {
	i, ok := s.index[key]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownUnit, key)
	}
	return i, nil
}

// Seed restores the units resolved by a checkpoint. It must be called after
// every unit is enqueued and before any record is applied. All other units
// are re-derived from the resolved ones.
func (s *Scheduler) Seed(cp CheckpointPayload) error {
	if s.applied > 0 || s.running > 0 {
		return errors.New("seed after records were applied")
	}
	s.replaying = true
	defer func() { s.replaying = false }()

	for _, x := range cp.Expanded {
		n := s.p.stageIndex(x.Stage)
		if n < 0 || s.expanded[n] {
			return fmt.Errorf("%w: checkpoint expands stage %q", store.ErrCorruptRecord, x.Stage)
		}
		for _, u := range s.p.deps[n] {
			if !s.expanded[u] {
				return fmt.Errorf("%w: checkpoint expands %q before its upstream %q",
					store.ErrCorruptRecord, x.Stage, s.p.stages[u].ID)
			}
		}
		keys := partitionKeys(x.Keys)
		if !slices.Equal(keys, x.Keys) {
			return fmt.Errorf("%w: checkpoint lists bad keys %v for %q", store.ErrCorruptRecord, x.Keys, x.Stage)
		}
		if err := s.expandStage(n, keys); err != nil {
			return err
		}
	}

	for _, r := range cp.Resolved {
		i, err := s.lookup(r.Unit)
		if err != nil {
			return err
		}
		if r.State != Committed && r.State != Failed {
			return fmt.Errorf("%w: checkpoint lists %s as %s", store.ErrCorruptRecord, r.Unit, r.State)
		}
		if r.Attempt < 1 {
			return fmt.Errorf("%w: checkpoint lists %s with attempt %d", store.ErrCorruptRecord, r.Unit, r.Attempt)
		}
		u := s.units[i]
		u.state, u.attempt, u.termSeq = r.State, r.Attempt, r.Seq
		switch {
		case r.State != Committed:
		case r.Retained:
			u.output, u.hasOutput = slices.Clone(r.Output), true
		case !s.p.stages[u.stage].Durable:
			u.lost = true
		}
	}
	s.lastSeq = max(s.lastSeq, cp.UpTo)

	for st := range s.queues {
		s.queues[st] = nil
	}
	for i, u := range s.units {
		u.waiting = 0
		blocked := false
		for _, d := range u.deps {
			switch s.units[d].state {
			case Committed:
			case Failed, Blocked:
				blocked = true
				u.waiting++
			default:
				u.waiting++
			}
		}
		if u.state == Committed || u.state == Failed {
			continue
		}

		u.state = Pending
		switch {
		case s.cancelled:
			u.state = Cancelled
		case blocked:
			u.state = Blocked
		case u.waiting == 0:
			s.makeReady(i)
		}
	}
	return s.expandDeferred()
}

// RebuildFromLog replays records in sequence order. The first record must
// directly follow the last sequence already applied (or seeded), and each
// later one must follow its predecessor. Committed work is restored from the
// records and never handed out again.
func (s *Scheduler) RebuildFromLog(ctx context.Context, records iter.Seq2[store.Record, error]) error {
	s.replaying = true
	defer func() { s.replaying = false }()

	for rec, err := range records {
		if err != nil {
			return fmt.Errorf("read log: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if rec.Sequence != s.lastSeq+1 {
			return fmt.Errorf("%w: expected record %d, found %d", store.ErrCorruptRecord, s.lastSeq+1, rec.Sequence)
		}
		if err := s.apply(rec, nil, false); err != nil {
			return fmt.Errorf("replay record %d: %w", rec.Sequence, err)
		}
	}
	return nil
}

// Replay is RebuildFromLog over an in-memory record slice.
func (s *Scheduler) Replay(records []store.Record) error {
	return s.RebuildFromLog(context.Background(), func(yield func(store.Record, error) bool) {
		for _, rec := range records {
			if !yield(rec, nil) {
				return
			}
		}
	})
}

// CheckpointPayload computes the current compaction boundary.
//
// UpTo starts at the last applied sequence and is lowered below the first
// record of every unresolved unit, and below the first record of any
// resolved unit whose history straddles the boundary, until neither applies.
// Resolved then lists every resolved unit whose records all lie at or below
// UpTo. Durable outputs that a dependent may still consume travel with it;
// outputs nobody needs any more are released.
func (s *Scheduler) CheckpointPayload() CheckpointPayload {
	resolved := func(u *unitRec) bool { return u.state == Committed || u.state == Failed }

	upTo := s.lastSeq
	for _, u := range s.units {
		if !resolved(u) && u.firstSeq > 0 && u.firstSeq-1 < upTo {
			upTo = u.firstSeq - 1
		}
	}
	for changed := true; changed; {
		changed = false
		for _, u := range s.units {
			if resolved(u) && u.firstSeq > 0 && u.firstSeq <= upTo && u.lastSeq > upTo {
				upTo = u.firstSeq - 1
				changed = true
			}
		}
	}

	cp := CheckpointPayload{UpTo: upTo, Resolved: []ResolvedUnit{}, Expanded: s.Expansions()}
	for i, u := range s.units {
		needed := s.needed(i)
		if !needed && u.hasOutput {
			u.output, u.hasOutput = nil, false
		}
		if !resolved(u) || u.lastSeq > upTo {
			continue
		}
		r := ResolvedUnit{Unit: u.key, State: u.state, Attempt: u.attempt, Seq: u.termSeq}
		if needed && u.hasOutput && s.p.stages[u.stage].Durable {
			r.Output, r.Retained = slices.Clone(u.output), true
		}
		cp.Resolved = append(cp.Resolved, r)
	}
	return cp
}

// needed reports whether unit i is committed and some dependent may still
// run and read its output. Cancelled dependents count: they resume after a
// restart.
func (s *Scheduler) needed(i int) bool {
	u := s.units[i]
	if u.state != Committed {
		return false
	}
	for _, d := range u.dependents {
		if st := s.units[d].state; !st.Terminal() || st == Cancelled {
			return true
		}
	}
	// A dynamic stage not yet expanded reads every upstream output.
	for _, n := range s.p.dependents[u.stage] {
		if s.p.stages[n].Partitioning == PartitionDynamic && !s.expanded[n] && !s.stageBlocked[n] {
			return true
		}
	}
	return false
}

// Inputs returns the output batches of key's dependencies.
func (s *Scheduler) Inputs(key store.UnitKey) (map[store.UnitKey]Batch, error) {
	i, err := s.lookup(key)
	if err != nil {
		return nil, err
	}
	deps := s.units[i].deps
	in := make(map[store.UnitKey]Batch, len(deps))
	for _, d := range deps {
		du := s.units[d]
		in[du.key] = Batch{Data: du.output, Lost: du.lost}
	}
	return in, nil
}

// Unit returns a view of one unit.
func (s *Scheduler) Unit(key store.UnitKey) (Unit, bool) {
	i, ok := s.index[key]
	if !ok {
		return Unit{}, false
	}
	return s.view(i), true
}

// Units returns a view of every unit in arena order.
func (s *Scheduler) Units() []Unit {
	out := make([]Unit, len(s.units))
	for i := range s.units {
		out[i] = s.view(i)
	}
	return out
}

func (s *Scheduler) view(i int) Unit {
	u := s.units[i]
	deps := make([]store.UnitKey, len(u.deps))
	for j, d := range u.deps {
		deps[j] = s.units[d].key
	}
	return Unit{Key: u.key, Deps: deps, Attempt: u.attempt, State: u.state}
}

// Running returns the number of Running units.
func (s *Scheduler) Running() int { return s.running }

// ReadyLen returns the number of queued Ready units.
func (s *Scheduler) ReadyLen() int {
	n := 0
	for _, q := range s.queues {
		n += len(q)
	}
	return n
}

// Done reports whether nothing is running and nothing can be handed out.
func (s *Scheduler) Done() bool {
	return s.running == 0 && (s.cancelled || s.ReadyLen() == 0)
}

// Cancelled reports whether Cancel was called.
func (s *Scheduler) Cancelled() bool { return s.cancelled }

// Partitions returns the keys of stage id and whether they are known yet.
func (s *Scheduler) Partitions(id string) ([]string, bool) {
	n := s.p.stageIndex(id)
	if n < 0 || !s.expanded[n] {
		return nil, false
	}
	return slices.Clone(s.keys[n]), true
}

// Expansions returns the deferred stages expanded so far, in the order they
// were expanded.
func (s *Scheduler) Expansions() []Expansion {
	if len(s.expansions) == 0 {
		return nil
	}
	out := make([]Expansion, len(s.expansions))
	for i, x := range s.expansions {
		out[i] = Expansion{Stage: x.Stage, Keys: slices.Clone(x.Keys)}
	}
	return out
}

// BlockedStages returns, in topological order, the deferred stages that can
// never be expanded because an upstream unit failed for good.
func (s *Scheduler) BlockedStages() []string {
	var out []string
	for _, n := range s.p.topo {
		if s.stageBlocked[n] {
			out = append(out, s.p.stages[n].ID)
		}
	}
	return out
}

// LastSeq returns the highest sequence number applied or seeded.
func (s *Scheduler) LastSeq() uint64 { return s.lastSeq }

// Applied returns how many records have been applied, live or replayed.
func (s *Scheduler) Applied() int { return s.applied }

// Counts returns the number of units in each state.
func (s *Scheduler) Counts() map[UnitState]int {
	counts := make(map[UnitState]int)
	for _, u := range s.units {
		counts[u.state]++
	}
	return counts
}

// SchedulerSnapshot is a deterministic view of scheduler state.
type SchedulerSnapshot struct {
	LastSeq   uint64                     `json:"last_seq"`
	Cancelled bool                       `json:"cancelled"`
	Running   int                        `json:"running"`
	Units     []UnitSnapshot             `json:"units"`
	Ready     map[string][]store.UnitKey `json:"ready"`

	Expanded      []Expansion `json:"expanded,omitempty"`
	BlockedStages []string    `json:"blocked_stages,omitempty"`
}

// UnitSnapshot is one unit in a SchedulerSnapshot. Output and Lost are only
// reported while a dependent may still consume them.
type UnitSnapshot struct {
	Key     store.UnitKey `json:"key"`
	State   UnitState     `json:"state"`
	Attempt int           `json:"attempt"`
	Waiting int           `json:"waiting"`
	Output  []byte        `json:"output,omitempty"`
	Lost    bool          `json:"lost,omitempty"`
}

// Snapshot captures the scheduler state.
func (s *Scheduler) Snapshot() SchedulerSnapshot {
	snap := SchedulerSnapshot{
		LastSeq:   s.lastSeq,
		Cancelled: s.cancelled,
		Running:   s.running,
		Units:     make([]UnitSnapshot, len(s.units)),
		Ready:     make(map[string][]store.UnitKey),

		Expanded:      s.Expansions(),
		BlockedStages: s.BlockedStages(),
	}
	for i, u := range s.units {
		us := UnitSnapshot{Key: u.key, State: u.state, Attempt: u.attempt, Waiting: u.waiting}
		if s.needed(i) {
			if u.hasOutput {
				us.Output = slices.Clone(u.output)
			}
			us.Lost = u.lost
		}
		snap.Units[i] = us
	}
	for st, q := range s.queues {
		if len(q) == 0 {
			continue
		}
		keys := make([]store.UnitKey, len(q))
		for j, i := range q {
			keys[j] = s.units[i].key
		}
		snap.Ready[s.p.stages[st].ID] = keys
	}
	return snap
}

// Digest fingerprints Snapshot. Two schedulers over the same pipeline that
// replayed the same history have equal digests.
// Format: "sha256:hex_encoded_hash".
func (s *Scheduler) Digest() string {
	data, err := json.Marshal(s.Snapshot())
	if err != nil {
		// Snapshot holds only plain data; Marshal cannot fail.
		panic(fmt.Sprintf("graph: encode scheduler snapshot: %v", err))
	}
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}
