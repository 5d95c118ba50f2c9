package graph

import (
	"container/heap"
	"context"
	"slices"
	"strings"

	"github.com/dshills/pipegraph-go/graph/store"
)

// DefaultPartition is the partition key used by stages that declare none.
const DefaultPartition = "0"

// Transform is the work a stage performs on one unit.
//
// Run receives the unit's identity, the attempt number and the outputs of
// every upstream unit it depends on. The returned bytes become the unit's
// output batch. A returned error fails the attempt; the scheduler decides
// whether it is retried.
//
// Implementations should honor ctx: it carries the unit's deadline. A
// transform that ignores ctx is abandoned when the deadline passes, but its
// goroutine keeps running until it returns on its own.
type Transform interface {
	Run(ctx context.Context, in Input) ([]byte, error)
}

// TransformFunc adapts an ordinary function to the Transform interface.
//
//	double := graph.TransformFunc(func(ctx context.Context, in graph.Input) ([]byte, error) {
//	    ...
//	})
type TransformFunc func(ctx context.Context, in Input) ([]byte, error)

// Run calls f(ctx, in).
func (f TransformFunc) Run(ctx context.Context, in Input) ([]byte, error) {
	return f(ctx, in)
}

// Input is what a transform sees for one attempt of one unit.
type Input struct {
	Unit    store.UnitKey
	Attempt int

	// Upstream holds the output batch of every dependency, keyed by unit.
	Upstream map[store.UnitKey]Batch
}

// Batch is the output of one committed unit as delivered downstream.
type Batch struct {
	Data []byte

	// Lost is set when the producer is a non-durable stage that committed
	// before a restart. Its output lived only in memory and is gone; the
	// producer is not run again.
	Lost bool
}

// Partitioning describes how a non-source stage maps its upstream units to
// its own units.
type Partitioning int

const (
	// PartitionAligned gives the stage the same partition keys as its
	// upstream stages; unit (S, k) depends on (U, k) for every upstream U.
	PartitionAligned Partitioning = iota

	// PartitionGather collapses all upstream units into one unit.
	PartitionGather

	// PartitionBroadcast creates one unit per own partition key, each
	// depending on every upstream unit.
	PartitionBroadcast

	// PartitionDynamic derives the stage's keys at run time from the output
	// of its upstream units, through Stage.Partitioner. Each unit depends on
	// every upstream unit. Upstream stages must be durable.
	PartitionDynamic
)

func (p Partitioning) String() string {
	switch p {
	case PartitionAligned:
		return "aligned"
	case PartitionGather:
		return "gather"
	case PartitionBroadcast:
		return "broadcast"
	case PartitionDynamic:
		return "dynamic"
	default:
		return "unknown"
	}
}

// Stage is one node of a pipeline.
type Stage struct {
	// ID names the stage. It must be unique, non-empty and free of '/'.
	ID string

	Transform Transform

	// Partitions lists the stage's partition keys. Sources default to
	// DefaultPartition. Aligned stages inherit their keys and may leave this
	// empty; if set it must match the inherited keys.
	Partitions []string

	// Partitioning is ignored for source stages, except that a source cannot
	// partition dynamically.
	Partitioning Partitioning

	// Partitioner is required by PartitionDynamic and rejected otherwise.
	Partitioner Partitioner

	// Durable stages append their output to the log before they are reported
	// committed. Outputs of other stages are handed downstream in memory.
	Durable bool

	Policy StagePolicy
}

// Partitioner returns a dynamic stage's partition keys given the committed
// output of every upstream unit. It is called on the engine's decision loop
// once all upstream units have committed, and again during recovery when no
// checkpoint recorded the keys, so it must return the same keys for the same
// input. Keys are sorted; empty and repeated keys are dropped. A panic blocks
// the stage.
type Partitioner func(upstream map[store.UnitKey]Batch) []string

// Edge declares that To consumes the output of From.
type Edge struct {
	From string
	To   string
}

// UnitSpec is one unit produced by expanding a pipeline.
type UnitSpec struct {
	Key  store.UnitKey
	Deps []store.UnitKey
}

// Pipeline is a validated, immutable DAG of stages.
//
// Stages live in an arena and are addressed by their declaration index.
// Adjacency is kept as sorted index slices in both directions. A Pipeline is
// safe for concurrent read-only use.
type Pipeline struct {
	stages     []Stage
	index      map[string]int
	deps       [][]int
	dependents [][]int
	topo       []int
	keys       [][]string
	deferred   []bool
	units      []UnitSpec
}

// Build validates stages and edges and returns the pipeline.
//
// Build rejects empty, duplicate or malformed IDs, nil transforms, edges that
// name unknown stages, duplicate edges and inconsistent partitioning with an
// error wrapping ErrInvalidPipeline. A cycle, including a self edge, yields a
// *CycleError naming the stages on it.
func Build(stages []Stage, edges []Edge) (*Pipeline, error) {
	if len(stages) == 0 {
		return nil, invalidf("no stages")
	}

	p := &Pipeline{
		stages:     make([]Stage, len(stages)),
		index:      make(map[string]int, len(stages)),
		deps:       make([][]int, len(stages)),
		dependents: make([][]int, len(stages)),
	}

	for i, s := range stages {
		switch {
		case s.ID == "":
			return nil, invalidf("stage %d has an empty ID", i)
		case strings.Contains(s.ID, "/"):
			return nil, invalidf("stage ID %q contains '/'", s.ID)
		case s.Transform == nil:
			return nil, invalidf("stage %q has no transform", s.ID)
		}
		if _, dup := p.index[s.ID]; dup {
			return nil, invalidf("duplicate stage ID %q", s.ID)
		}
		if err := s.Policy.validate(s.ID); err != nil {
			return nil, err
		}
		seen := make(map[string]struct{}, len(s.Partitions))
		for _, k := range s.Partitions {
			if k == "" {
				return nil, invalidf("stage %q has an empty partition key", s.ID)
			}
			if _, dup := seen[k]; dup {
				return nil, invalidf("stage %q repeats partition key %q", s.ID, k)
			}
			seen[k] = struct{}{}
		}

		s = s.clone()
		p.stages[i] = s
		p.index[s.ID] = i
	}

	type pair struct{ from, to int }
	seenEdges := make(map[pair]struct{}, len(edges))
	for _, e := range edges {
		from, ok := p.index[e.From]
		if !ok {
			return nil, invalidf("edge %s -> %s: unknown stage %q", e.From, e.To, e.From)
		}
		to, ok := p.index[e.To]
		if !ok {
			return nil, invalidf("edge %s -> %s: unknown stage %q", e.From, e.To, e.To)
		}
		if _, dup := seenEdges[pair{from, to}]; dup {
			return nil, invalidf("duplicate edge %s -> %s", e.From, e.To)
		}
		seenEdges[pair{from, to}] = struct{}{}
		p.deps[to] = append(p.deps[to], from)
		p.dependents[from] = append(p.dependents[from], to)
	}
	for i := range p.stages {
		slices.Sort(p.deps[i])
		slices.Sort(p.dependents[i])
	}

	if cycle := p.findCycle(); cycle != nil {
		return nil, &CycleError{Stages: cycle}
	}
	p.topo = p.topoSort()

	if err := p.expand(); err != nil {
		return nil, err
	}
	return p, nil
}

// findCycle walks the graph depth-first from every stage in declaration
// order, tracking the recursion stack. The first back edge found closes a
// cycle; its path is returned with the first stage repeated at the end.
func (p *Pipeline) findCycle() []string {
	const (
		unvisited = iota
		onStack
		done
	)
	mark := make([]int, len(p.stages))
	var stack []int

	var visit func(n int) []string
	visit = func(n int) []string {
		mark[n] = onStack
		stack = append(stack, n)
		for _, next := range p.dependents[n] {
			switch mark[next] {
			case onStack:
				start := slices.Index(stack, next)
				path := make([]string, 0, len(stack)-start+1)
				for _, idx := range stack[start:] {
					path = append(path, p.stages[idx].ID)
				}
				return append(path, p.stages[next].ID)
			case unvisited:
				if cycle := visit(next); cycle != nil {
					return cycle
				}
			}
		}
		stack = stack[:len(stack)-1]
		mark[n] = done
		return nil
	}

	for i := range p.stages {
		if mark[i] == unvisited {
			if cycle := visit(i); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// topoSort is Kahn's algorithm with a min-heap on declaration index, so the
// order is unique for a given pipeline.
func (p *Pipeline) topoSort() []int {
	indegree := make([]int, len(p.stages))
	for i := range p.stages {
		indegree[i] = len(p.deps[i])
	}

	ready := &indexHeap{}
	for i, d := range indegree {
		if d == 0 {
			heap.Push(ready, i)
		}
	}

	order := make([]int, 0, len(p.stages))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(int)
		order = append(order, n)
		for _, next := range p.dependents[n] {
			indegree[next]--
			if indegree[next] == 0 {
				heap.Push(ready, next)
			}
		}
	}
	return order
}

// expand resolves every stage's partition keys and lists its units.
//
// Dynamic stages, and every stage downstream of one, are deferred: their keys
// or dependencies are unknown until upstream units commit, so they have no
// units here and the scheduler expands them at run time.
func (p *Pipeline) expand() error {
	p.keys = make([][]string, len(p.stages))
	p.deferred = make([]bool, len(p.stages))
	keysOf := func(u int) []string { return p.keys[u] }

	for _, n := range p.topo {
		s := p.stages[n]
		upstream := p.deps[n]

		if s.Partitioner != nil && s.Partitioning != PartitionDynamic {
			return invalidf("stage %q: partitioner set without dynamic partitioning", s.ID)
		}
		if len(upstream) == 0 {
			if s.Partitioning == PartitionDynamic {
				return invalidf("stage %q: a source stage cannot partition dynamically", s.ID)
			}
			p.keys[n] = defaultKeys(s.Partitions)
			p.units = append(p.units, p.stageUnits(n, p.keys[n], keysOf)...)
			continue
		}
		for _, u := range upstream {
			if p.deferred[u] {
				p.deferred[n] = true
			}
		}

		var keys []string
		switch s.Partitioning {
		case PartitionAligned:
			if p.deferred[n] {
				if len(upstream) > 1 {
					return invalidf("stage %q: aligned below a dynamic stage takes exactly one upstream", s.ID)
				}
				if len(s.Partitions) > 0 {
					return invalidf("stage %q: partitions below a dynamic stage are resolved at run time", s.ID)
				}
				continue
			}
			keys = p.keys[upstream[0]]
			for _, u := range upstream[1:] {
				if !sameKeys(keys, p.keys[u]) {
					return invalidf("stage %q: upstream %q and %q have different partitions",
						s.ID, p.stages[upstream[0]].ID, p.stages[u].ID)
				}
			}
			if len(s.Partitions) > 0 && !sameKeys(keys, s.Partitions) {
				return invalidf("stage %q: aligned partitions %v do not match upstream %v",
					s.ID, s.Partitions, keys)
			}

		case PartitionGather:
			if len(s.Partitions) > 1 {
				return invalidf("stage %q: gather takes at most one partition key", s.ID)
			}
			keys = defaultKeys(s.Partitions)

		case PartitionBroadcast:
			keys = defaultKeys(s.Partitions)

		case PartitionDynamic:
			switch {
			case s.Partitioner == nil:
				return invalidf("stage %q: dynamic partitioning needs a partitioner", s.ID)
			case len(s.Partitions) > 0:
				return invalidf("stage %q: dynamic stages cannot declare partitions", s.ID)
			}
			for _, u := range upstream {
				if !p.stages[u].Durable {
					return invalidf("stage %q: upstream %q of a dynamic stage must be durable", s.ID, p.stages[u].ID)
				}
			}
			p.deferred[n] = true
			continue

		default:
			return invalidf("stage %q: unknown partitioning %d", s.ID, int(s.Partitioning))
		}
		if p.deferred[n] {
			continue
		}
		p.keys[n] = keys
		p.units = append(p.units, p.stageUnits(n, keys, keysOf)...)
	}
	return nil
}

// stageUnits lists the units of stage n for keys. keysOf resolves the keys of
// an upstream stage.
func (p *Pipeline) stageUnits(n int, keys []string, keysOf func(int) []string) []UnitSpec {
	s := p.stages[n]
	units := make([]UnitSpec, 0, len(keys))
	for _, k := range keys {
		spec := UnitSpec{Key: store.UnitKey{Stage: s.ID, Partition: k}}
		for _, u := range p.deps[n] {
			up := p.stages[u].ID
			if s.Partitioning == PartitionAligned {
				spec.Deps = append(spec.Deps, store.UnitKey{Stage: up, Partition: k})
				continue
			}
			for _, uk := range keysOf(u) {
				spec.Deps = append(spec.Deps, store.UnitKey{Stage: up, Partition: uk})
			}
		}
		units = append(units, spec)
	}
	return units
}

// runtimeKeys resolves the keys of a deferred, non-dynamic stage once its
// upstream keys are known.
func (p *Pipeline) runtimeKeys(n int, keysOf func(int) []string) []string {
	s := p.stages[n]
	if s.Partitioning == PartitionAligned {
		return slices.Clone(keysOf(p.deps[n][0]))
	}
	return defaultKeys(s.Partitions)
}

// partitionKeys sorts keys and drops empty and repeated ones.
func partitionKeys(keys []string) []string {
	out := slices.DeleteFunc(slices.Clone(keys), func(k string) bool { return k == "" })
	slices.Sort(out)
	return slices.Compact(out)
}

func defaultKeys(keys []string) []string {
	if len(keys) == 0 {
		return []string{DefaultPartition}
	}
	return keys
}

func sameKeys(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, k := range a {
		set[k] = struct{}{}
	}
	for _, k := range b {
		if _, ok := set[k]; !ok {
			return false
		}
	}
	return true
}

// Len returns the number of stages.
func (p *Pipeline) Len() int { return len(p.stages) }

// Stage returns the stage with the given ID.
func (p *Pipeline) Stage(id string) (Stage, bool) {
	i, ok := p.index[id]
	if !ok {
		return Stage{}, false
	}
	return p.stages[i].clone(), true
}

// Stages returns all stages in declaration order.
func (p *Pipeline) Stages() []Stage {
	out := make([]Stage, len(p.stages))
	for i, s := range p.stages {
		out[i] = s.clone()
	}
	return out
}

// clone copies the parts of s a caller could otherwise modify in place.
func (s Stage) clone() Stage {
	s.Partitions = slices.Clone(s.Partitions)
	if s.Policy.RetryLimit != nil {
		s.Policy.RetryLimit = Retries(*s.Policy.RetryLimit)
	}
	return s
}

// TopoOrder returns stage IDs in a deterministic topological order.
func (p *Pipeline) TopoOrder() []string {
	return p.names(p.topo)
}

// ReadySuccessors returns the stages that consume id's output, in
// declaration order. Unknown IDs yield nil.
func (p *Pipeline) ReadySuccessors(id string) []string {
	i, ok := p.index[id]
	if !ok {
		return nil
	}
	return p.names(p.dependents[i])
}

// Dependencies returns the stages id consumes, in declaration order.
// Unknown IDs yield nil.
func (p *Pipeline) Dependencies(id string) []string {
	i, ok := p.index[id]
	if !ok {
		return nil
	}
	return p.names(p.deps[i])
}

// Deferred reports whether stage id is expanded at run time, because it
// partitions dynamically or depends on a stage that does.
func (p *Pipeline) Deferred(id string) bool {
	i, ok := p.index[id]
	return ok && p.deferred[i]
}

// Partitions returns the resolved partition keys of stage id. Deferred stages
// have none until run time; see Scheduler.Partitions.
func (p *Pipeline) Partitions(id string) []string {
	i, ok := p.index[id]
	if !ok {
		return nil
	}
	return slices.Clone(p.keys[i])
}

// Units returns every unit known at build time in topological order: stages
// in TopoOrder, partitions in the stage's key order. Dependencies always
// precede their dependents. Units of deferred stages are not included.
func (p *Pipeline) Units() []UnitSpec {
	out := make([]UnitSpec, len(p.units))
	for i, u := range p.units {
		out[i] = UnitSpec{Key: u.Key, Deps: slices.Clone(u.Deps)}
	}
	return out
}

func (p *Pipeline) stageIndex(id string) int {
	if i, ok := p.index[id]; ok {
		return i
	}
	return -1
}

func (p *Pipeline) names(idx []int) []string {
	if len(idx) == 0 {
		return nil
	}
	out := make([]string, len(idx))
	for i, n := range idx {
		out[i] = p.stages[n].ID
	}
	return out
}

// indexHeap is a min-heap of arena indices.
type indexHeap []int

func (h indexHeap) Len() int           { return len(h) }
func (h indexHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h indexHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *indexHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *indexHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
