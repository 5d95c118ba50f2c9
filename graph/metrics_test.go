package graph

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dshills/pipegraph-go/graph/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusMetrics_NilIsSafe(t *testing.T) {
	var pm *PrometheusMetrics
	pm.UpdateInflightUnits(3)
	pm.UpdateReadyUnits(3)
	pm.RecordUnitLatency("s", "committed", time.Second)
	pm.IncrementRetries("s", "error")
	pm.IncrementBlocked("s")
	pm.IncrementCheckpoints()
	pm.ObserveAppend(store.KindUnitStarted, time.Millisecond)
}

func TestPrometheusMetrics_Disable(t *testing.T) {
	pm := NewPrometheusMetrics(prometheus.NewRegistry())

	pm.IncrementCheckpoints()
	pm.Disable()
	pm.IncrementCheckpoints()
	pm.UpdateInflightUnits(7)
	if got := testutil.ToFloat64(pm.checkpoints); got != 1 {
		t.Errorf("checkpoints_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(pm.inflightUnits); got != 0 {
		t.Errorf("inflight_units = %v, want 0", got)
	}

	pm.Enable()
	pm.UpdateInflightUnits(7)
	pm.Reset()
	if got := testutil.ToFloat64(pm.inflightUnits); got != 0 {
		t.Errorf("inflight_units after Reset = %v", got)
	}
}

func TestEngine_Metrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewPrometheusMetrics(registry)

	h := store.NewHandle(store.NewMemLog())
	t.Cleanup(func() { _ = h.Release() })

	failures := 0
	p, err := Build([]Stage{
		{ID: "flaky", Transform: TransformFunc(func(context.Context, Input) ([]byte, error) {
			failures++
			if failures == 1 {
				return nil, errors.New("transient")
			}
			return nil, nil
		})},
		{ID: "broken", Transform: TransformFunc(func(context.Context, Input) ([]byte, error) {
			return nil, errors.New("permanent")
		}), Policy: StagePolicy{RetryLimit: Retries(0)}},
		{ID: "after", Transform: TransformFunc(func(context.Context, Input) ([]byte, error) {
			return nil, nil
		})},
	}, []Edge{{From: "broken", To: "after"}})
	if err != nil {
		t.Fatal(err)
	}

	eng, err := New(p, h, WithMetrics(metrics), WithMaxConcurrency(1), WithCheckpointInterval(2))
	if err != nil {
		t.Fatal(err)
	}
	res, err := eng.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusPartiallyBlocked {
		t.Fatalf("Status = %s", res.Status)
	}

	checks := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"retries flaky", metrics.retries.WithLabelValues("flaky", "error"), 1},
		{"blocked after", metrics.blocked.WithLabelValues("after"), 1},
		{"started appends", metrics.logAppends.WithLabelValues("unit_started"), 3},
		{"failed appends", metrics.logAppends.WithLabelValues("unit_failed"), 2},
		{"committed appends", metrics.logAppends.WithLabelValues("unit_committed"), 1},
		{"inflight", metrics.inflightUnits, 0},
		{"ready", metrics.readyUnits, 0},
	}
	for _, c := range checks {
		if got := testutil.ToFloat64(c.c); got != c.want {
			t.Errorf("%s = %v, want %v", c.name, got, c.want)
		}
	}

	if got := testutil.ToFloat64(metrics.checkpoints); got < 1 {
		t.Error("no checkpoint counted")
	}
	if n := testutil.CollectAndCount(metrics.unitLatency); n != 3 {
		t.Errorf("unit_latency_ms has %d series, want 3", n)
	}
}
