package graph_test

import (
	"context"
	"errors"
	"reflect"
	"slices"
	"strings"
	"testing"

	"github.com/dshills/pipegraph-go/graph"
	"github.com/dshills/pipegraph-go/graph/store"
)

func noop() graph.Transform {
	return graph.TransformFunc(func(ctx context.Context, in graph.Input) ([]byte, error) {
		return nil, nil
	})
}

func stages(ids ...string) []graph.Stage {
	out := make([]graph.Stage, len(ids))
	for i, id := range ids {
		out[i] = graph.Stage{ID: id, Transform: noop()}
	}
	return out
}

func TestBuild_Acyclic(t *testing.T) {
	p, err := graph.Build(stages("extract", "clean", "enrich", "load"), []graph.Edge{
		{From: "extract", To: "clean"},
		{From: "extract", To: "enrich"},
		{From: "clean", To: "load"},
		{From: "enrich", To: "load"},
	})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if p.Len() != 4 {
		t.Errorf("Len = %d, want 4", p.Len())
	}
	if got, want := p.TopoOrder(), []string{"extract", "clean", "enrich", "load"}; !reflect.DeepEqual(got, want) {
		t.Errorf("TopoOrder = %v, want %v", got, want)
	}
	if got := p.ReadySuccessors("extract"); !reflect.DeepEqual(got, []string{"clean", "enrich"}) {
		t.Errorf("ReadySuccessors(extract) = %v", got)
	}
	if got := p.Dependencies("load"); !reflect.DeepEqual(got, []string{"clean", "enrich"}) {
		t.Errorf("Dependencies(load) = %v", got)
	}
	if got := p.Dependencies("extract"); got != nil {
		t.Errorf("Dependencies(extract) = %v, want nil", got)
	}
	if got := p.ReadySuccessors("missing"); got != nil {
		t.Errorf("ReadySuccessors(missing) = %v, want nil", got)
	}
	if _, ok := p.Stage("clean"); !ok {
		t.Error("Stage(clean) not found")
	}
}

func TestBuild_TopoOrderIsStable(t *testing.T) {
	// Declaration order breaks ties between independent stages.
	edges := []graph.Edge{{From: "c", To: "d"}, {From: "a", To: "d"}}
	for i := 0; i < 10; i++ {
		p, err := graph.Build(stages("c", "b", "a", "d"), edges)
		if err != nil {
			t.Fatal(err)
		}
		if got := p.TopoOrder(); !reflect.DeepEqual(got, []string{"c", "b", "a", "d"}) {
			t.Fatalf("TopoOrder = %v", got)
		}
	}
}

func TestBuild_Cycle(t *testing.T) {
	tests := []struct {
		name  string
		ids   []string
		edges []graph.Edge
		want  []string
	}{
		{
			name:  "self edge",
			ids:   []string{"a"},
			edges: []graph.Edge{{From: "a", To: "a"}},
			want:  []string{"a", "a"},
		},
		{
			name:  "two stages",
			ids:   []string{"a", "b"},
			edges: []graph.Edge{{From: "a", To: "b"}, {From: "b", To: "a"}},
			want:  []string{"a", "b", "a"},
		},
		{
			name: "cycle behind an acyclic prefix",
			ids:  []string{"src", "x", "y", "z"},
			edges: []graph.Edge{
				{From: "src", To: "x"},
				{From: "x", To: "y"},
				{From: "y", To: "z"},
				{From: "z", To: "x"},
			},
			want: []string{"x", "y", "z", "x"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := graph.Build(stages(tt.ids...), tt.edges)
			if !errors.Is(err, graph.ErrCycle) {
				t.Fatalf("expected ErrCycle, got %v", err)
			}
			var ce *graph.CycleError
			if !errors.As(err, &ce) {
				t.Fatalf("expected *CycleError, got %T", err)
			}
			if !reflect.DeepEqual(ce.Stages, tt.want) {
				t.Errorf("cycle = %v, want %v", ce.Stages, tt.want)
			}
		})
	}
}

func TestBuild_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		stages []graph.Stage
		edges  []graph.Edge
	}{
		{"no stages", nil, nil},
		{"empty id", []graph.Stage{{ID: "", Transform: noop()}}, nil},
		{"slash in id", []graph.Stage{{ID: "a/b", Transform: noop()}}, nil},
		{"nil transform", []graph.Stage{{ID: "a"}}, nil},
		{"duplicate id", stages("a", "a"), nil},
		{"unknown edge source", stages("a"), []graph.Edge{{From: "x", To: "a"}}},
		{"unknown edge target", stages("a"), []graph.Edge{{From: "a", To: "x"}}},
		{"duplicate edge", stages("a", "b"), []graph.Edge{{From: "a", To: "b"}, {From: "a", To: "b"}}},
		{"empty partition", []graph.Stage{{ID: "a", Transform: noop(), Partitions: []string{""}}}, nil},
		{"repeated partition", []graph.Stage{{ID: "a", Transform: noop(), Partitions: []string{"x", "x"}}}, nil},
		{"negative timeout", []graph.Stage{{ID: "a", Transform: noop(), Policy: graph.StagePolicy{Timeout: -1}}}, nil},
		{"negative retries", []graph.Stage{{ID: "a", Transform: noop(), Policy: graph.StagePolicy{RetryLimit: graph.Retries(-1)}}}, nil},
		{
			"misaligned upstreams",
			[]graph.Stage{
				{ID: "a", Transform: noop(), Partitions: []string{"1", "2"}},
				{ID: "b", Transform: noop(), Partitions: []string{"1"}},
				{ID: "c", Transform: noop()},
			},
			[]graph.Edge{{From: "a", To: "c"}, {From: "b", To: "c"}},
		},
		{
			"aligned partitions differ from upstream",
			[]graph.Stage{
				{ID: "a", Transform: noop(), Partitions: []string{"1", "2"}},
				{ID: "b", Transform: noop(), Partitions: []string{"1", "3"}},
			},
			[]graph.Edge{{From: "a", To: "b"}},
		},
		{
			"dynamic source",
			[]graph.Stage{{ID: "a", Transform: noop(), Partitioning: graph.PartitionDynamic, Partitioner: fanOut}},
			nil,
		},
		{
			"dynamic without partitioner",
			[]graph.Stage{
				{ID: "a", Transform: noop(), Durable: true},
				{ID: "b", Transform: noop(), Partitioning: graph.PartitionDynamic},
			},
			[]graph.Edge{{From: "a", To: "b"}},
		},
		{
			"partitioner without dynamic partitioning",
			[]graph.Stage{
				{ID: "a", Transform: noop(), Durable: true},
				{ID: "b", Transform: noop(), Partitioner: fanOut},
			},
			[]graph.Edge{{From: "a", To: "b"}},
		},
		{
			"dynamic with declared partitions",
			[]graph.Stage{
				{ID: "a", Transform: noop(), Durable: true},
				{ID: "b", Transform: noop(), Partitioning: graph.PartitionDynamic, Partitioner: fanOut, Partitions: []string{"x"}},
			},
			[]graph.Edge{{From: "a", To: "b"}},
		},
		{
			"dynamic over non-durable upstream",
			[]graph.Stage{
				{ID: "a", Transform: noop()},
				{ID: "b", Transform: noop(), Partitioning: graph.PartitionDynamic, Partitioner: fanOut},
			},
			[]graph.Edge{{From: "a", To: "b"}},
		},
		{
			"aligned below dynamic with two upstreams",
			[]graph.Stage{
				{ID: "a", Transform: noop(), Durable: true},
				{ID: "b", Transform: noop(), Partitioning: graph.PartitionDynamic, Partitioner: fanOut},
				{ID: "c", Transform: noop()},
			},
			[]graph.Edge{{From: "a", To: "b"}, {From: "a", To: "c"}, {From: "b", To: "c"}},
		},
		{
			"aligned below dynamic with declared partitions",
			[]graph.Stage{
				{ID: "a", Transform: noop(), Durable: true},
				{ID: "b", Transform: noop(), Partitioning: graph.PartitionDynamic, Partitioner: fanOut},
				{ID: "c", Transform: noop(), Partitions: []string{"x"}},
			},
			[]graph.Edge{{From: "a", To: "b"}, {From: "b", To: "c"}},
		},
		{
			"gather with two keys",
			[]graph.Stage{
				{ID: "a", Transform: noop()},
				{ID: "b", Transform: noop(), Partitioning: graph.PartitionGather, Partitions: []string{"x", "y"}},
			},
			[]graph.Edge{{From: "a", To: "b"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := graph.Build(tt.stages, tt.edges)
			if !errors.Is(err, graph.ErrInvalidPipeline) {
				t.Errorf("expected ErrInvalidPipeline, got %v", err)
			}
		})
	}
}

// fanOut turns every upstream output of the form "k1,k2" into keys k1 and k2.
func fanOut(upstream map[store.UnitKey]graph.Batch) []string {
	var keys []string
	for _, b := range upstream {
		keys = append(keys, strings.Split(string(b.Data), ",")...)
	}
	return keys
}

func key(stage, partition string) store.UnitKey {
	return store.UnitKey{Stage: stage, Partition: partition}
}

func TestPipeline_Units(t *testing.T) {
	p, err := graph.Build([]graph.Stage{
		{ID: "read", Transform: noop(), Partitions: []string{"eu", "us"}},
		{ID: "parse", Transform: noop()},
		{ID: "report", Transform: noop(), Partitioning: graph.PartitionGather},
		{ID: "notify", Transform: noop(), Partitioning: graph.PartitionBroadcast, Partitions: []string{"mail", "chat"}},
	}, []graph.Edge{
		{From: "read", To: "parse"},
		{From: "parse", To: "report"},
		{From: "report", To: "notify"},
	})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	want := []graph.UnitSpec{
		{Key: key("read", "eu")},
		{Key: key("read", "us")},
		{Key: key("parse", "eu"), Deps: []store.UnitKey{key("read", "eu")}},
		{Key: key("parse", "us"), Deps: []store.UnitKey{key("read", "us")}},
		{Key: key("report", graph.DefaultPartition), Deps: []store.UnitKey{key("parse", "eu"), key("parse", "us")}},
		{Key: key("notify", "mail"), Deps: []store.UnitKey{key("report", graph.DefaultPartition)}},
		{Key: key("notify", "chat"), Deps: []store.UnitKey{key("report", graph.DefaultPartition)}},
	}
	if got := p.Units(); !reflect.DeepEqual(got, want) {
		t.Errorf("Units mismatch\n got: %v\nwant: %v", got, want)
	}

	if got := p.Partitions("parse"); !slices.Equal(got, []string{"eu", "us"}) {
		t.Errorf("Partitions(parse) = %v", got)
	}
}

func TestPipeline_UnitsAreCopies(t *testing.T) {
	p, err := graph.Build(stages("a", "b"), []graph.Edge{{From: "a", To: "b"}})
	if err != nil {
		t.Fatal(err)
	}
	units := p.Units()
	units[1].Deps[0] = key("zzz", "0")
	if p.Units()[1].Deps[0] != key("a", "0") {
		t.Error("Units exposed internal storage")
	}
}

func TestPipeline_DeferredStages(t *testing.T) {
	p := mustBuild(t, []graph.Stage{
		{ID: "list", Transform: noop(), Durable: true},
		{ID: "fetch", Transform: noop(), Partitioning: graph.PartitionDynamic, Partitioner: fanOut},
		{ID: "parse", Transform: noop()},
		{ID: "side", Transform: noop()},
	}, []graph.Edge{
		{From: "list", To: "fetch"},
		{From: "fetch", To: "parse"},
		{From: "list", To: "side"},
	})

	for id, want := range map[string]bool{"list": false, "fetch": true, "parse": true, "side": false, "nope": false} {
		if got := p.Deferred(id); got != want {
			t.Errorf("Deferred(%s) = %v, want %v", id, got, want)
		}
	}
	if got := p.Partitions("fetch"); got != nil {
		t.Errorf("Partitions(fetch) = %v before run time", got)
	}
	want := []graph.UnitSpec{
		{Key: key("list", "0")},
		{Key: key("side", "0"), Deps: []store.UnitKey{key("list", "0")}},
	}
	if got := p.Units(); !reflect.DeepEqual(got, want) {
		t.Errorf("Units = %v, want %v", got, want)
	}
}

func TestPipeline_StageIsACopy(t *testing.T) {
	limit := 1
	p := mustBuild(t, []graph.Stage{
		{ID: "a", Transform: noop(), Partitions: []string{"x", "y"}, Policy: graph.StagePolicy{RetryLimit: &limit}},
	}, nil)
	limit = 7

	st, _ := p.Stage("a")
	st.Partitions[0] = "changed"
	*st.Policy.RetryLimit = 9
	p.Stages()[0].Partitions[1] = "changed"

	again, _ := p.Stage("a")
	if !slices.Equal(again.Partitions, []string{"x", "y"}) {
		t.Errorf("Partitions = %v", again.Partitions)
	}
	if *again.Policy.RetryLimit != 1 {
		t.Errorf("RetryLimit = %d, want 1", *again.Policy.RetryLimit)
	}
}
