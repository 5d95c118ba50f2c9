package graph

import (
	"sync"
	"time"

	"github.com/dshills/pipegraph-go/graph/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics collects engine metrics, all namespaced "pipegraph_":
//
//  1. inflight_units (gauge): units currently Running.
//  2. ready_units (gauge): units queued Ready.
//  3. unit_latency_ms (histogram): attempt duration.
//     Labels: stage, status (committed/failed/retrying/cancelled).
//  4. retries_total (counter): retried attempts.
//     Labels: stage, reason (error/timeout/durability/panic/interrupted).
//  5. log_appends_total (counter): records appended. Labels: kind.
//  6. append_wait_ms (histogram): time spent waiting for the log guard.
//  7. blocked_units_total (counter): units blocked by a failed dependency.
//     Labels: stage.
//  8. checkpoints_total (counter): checkpoints written.
//
// Labels deliberately exclude run and partition IDs to keep cardinality
// bounded by the pipeline shape.
//
// Metrics can be disabled at runtime with Disable; calls then do nothing.
type PrometheusMetrics struct {
	inflightUnits prometheus.Gauge
	readyUnits    prometheus.Gauge

	unitLatency *prometheus.HistogramVec
	appendWait  prometheus.Histogram

	retries     *prometheus.CounterVec
	logAppends  *prometheus.CounterVec
	blocked     *prometheus.CounterVec
	checkpoints prometheus.Counter

	mu      sync.RWMutex
	enabled bool
}

// NewPrometheusMetrics registers the metrics with registry, or with
// prometheus.DefaultRegisterer when registry is nil. Registering twice with
// the same registry panics, as promauto does.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	pm := &PrometheusMetrics{enabled: true}

	pm.inflightUnits = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "pipegraph",
		Name:      "inflight_units",
		Help:      "Number of units currently assigned to an executor",
	})

	pm.readyUnits = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "pipegraph",
		Name:      "ready_units",
		Help:      "Number of units whose dependencies are committed and which wait for capacity",
	})

	pm.unitLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pipegraph",
		Name:      "unit_latency_ms",
		Help:      "Duration of one unit attempt in milliseconds",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
	}, []string{"stage", "status"})

	pm.appendWait = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pipegraph",
		Name:      "append_wait_ms",
		Help:      "Time an append waited for the exclusive log guard in milliseconds",
		Buckets:   []float64{0.1, 0.5, 1, 5, 10, 50, 100, 500},
	})

	pm.retries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pipegraph",
		Name:      "retries_total",
		Help:      "Failed attempts that were re-admitted to the ready queue",
	}, []string{"stage", "reason"})

	pm.logAppends = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pipegraph",
		Name:      "log_appends_total",
		Help:      "Records appended to the durable log",
	}, []string{"kind"})

	pm.blocked = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pipegraph",
		Name:      "blocked_units_total",
		Help:      "Units that can never run because a dependency failed permanently",
	}, []string{"stage"})

	pm.checkpoints = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "pipegraph",
		Name:      "checkpoints_total",
		Help:      "Checkpoint records written",
	})

	return pm
}

func (pm *PrometheusMetrics) on() bool {
	if pm == nil {
		return false
	}
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.enabled
}

// UpdateInflightUnits sets the inflight_units gauge.
func (pm *PrometheusMetrics) UpdateInflightUnits(n int) {
	if !pm.on() {
		return
	}
	pm.inflightUnits.Set(float64(n))
}

// UpdateReadyUnits sets the ready_units gauge.
func (pm *PrometheusMetrics) UpdateReadyUnits(n int) {
	if !pm.on() {
		return
	}
	pm.readyUnits.Set(float64(n))
}

// RecordUnitLatency observes one attempt's duration.
func (pm *PrometheusMetrics) RecordUnitLatency(stage, status string, d time.Duration) {
	if !pm.on() {
		return
	}
	pm.unitLatency.WithLabelValues(stage, status).Observe(float64(d.Milliseconds()))
}

// IncrementRetries counts one retried attempt.
func (pm *PrometheusMetrics) IncrementRetries(stage, reason string) {
	if !pm.on() {
		return
	}
	pm.retries.WithLabelValues(stage, reason).Inc()
}

// IncrementBlocked counts one blocked unit.
func (pm *PrometheusMetrics) IncrementBlocked(stage string) {
	if !pm.on() {
		return
	}
	pm.blocked.WithLabelValues(stage).Inc()
}

// IncrementCheckpoints counts one checkpoint.
func (pm *PrometheusMetrics) IncrementCheckpoints() {
	if !pm.on() {
		return
	}
	pm.checkpoints.Inc()
}

// ObserveAppend is a store.AppendObserver: it counts the record by kind and
// records the guard wait.
func (pm *PrometheusMetrics) ObserveAppend(kind store.Kind, wait time.Duration) {
	if !pm.on() {
		return
	}
	pm.logAppends.WithLabelValues(kind.String()).Inc()
	pm.appendWait.Observe(float64(wait) / float64(time.Millisecond))
}

// Disable stops metric collection.
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

// Enable resumes metric collection.
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}

// Reset zeroes the gauges. Counters and histograms are cumulative and are
// left alone.
func (pm *PrometheusMetrics) Reset() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.inflightUnits.Set(0)
	pm.readyUnits.Set(0)
}
