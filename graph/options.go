package graph

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/dshills/pipegraph-go/graph/emit"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Options configures an Engine.
//
// The numeric fields are consumed at construction and validated there. The
// struct can be loaded from YAML with LoadOptions and overridden from the
// environment with OptionsFromEnv:
//
//	max_concurrency: 8
//	retry_limit: 2
//	unit_timeout: 45s
//	checkpoint_interval: 500
type Options struct {
	// MaxConcurrency is the number of executors and the cap on Running
	// units. Must be >= 1. Default: 4.
	MaxConcurrency int `yaml:"max_concurrency"`

	// RetryLimit is how many times a failed unit is retried. A unit runs at
	// most RetryLimit+1 attempts. Must be >= 0. Default: 2.
	RetryLimit int `yaml:"retry_limit"`

	// UnitTimeout bounds each attempt unless the stage overrides it.
	// Must be > 0. Default: 30s.
	UnitTimeout time.Duration `yaml:"unit_timeout"`

	// CheckpointInterval is the number of applied log records between two
	// checkpoints. Must be >= 1. Default: 1000.
	CheckpointInterval int `yaml:"checkpoint_interval"`

	// RunID labels events. Empty means a fresh UUID per engine.
	RunID string `yaml:"run_id"`

	// Emitter receives lifecycle events. Nil means emit.NullEmitter.
	Emitter emit.Emitter `yaml:"-"`

	// Metrics, when set, is updated as the engine runs.
	Metrics *PrometheusMetrics `yaml:"-"`
}

// DefaultOptions returns the defaults documented on Options.
func DefaultOptions() Options {
	return Options{
		MaxConcurrency:     4,
		RetryLimit:         2,
		UnitTimeout:        30 * time.Second,
		CheckpointInterval: 1000,
	}
}

// Validate reports every out-of-range field, joined, each wrapping
// ErrInvalidOptions.
func (o Options) Validate() error {
	var errs []error
	if o.MaxConcurrency < 1 {
		errs = append(errs, fmt.Errorf("%w: max_concurrency must be >= 1, got %d", ErrInvalidOptions, o.MaxConcurrency))
	}
	if o.RetryLimit < 0 {
		errs = append(errs, fmt.Errorf("%w: retry_limit must be >= 0, got %d", ErrInvalidOptions, o.RetryLimit))
	}
	if o.UnitTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%w: unit_timeout must be > 0, got %v", ErrInvalidOptions, o.UnitTimeout))
	}
	if o.CheckpointInterval < 1 {
		errs = append(errs, fmt.Errorf("%w: checkpoint_interval must be >= 1, got %d", ErrInvalidOptions, o.CheckpointInterval))
	}
	return errors.Join(errs...)
}

// LoadOptions reads YAML options from path on top of DefaultOptions.
// Fields absent from the file keep their defaults.
func LoadOptions(path string) (Options, error) {
	opts := DefaultOptions()

	data, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("read options: %w", err)
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return opts, fmt.Errorf("parse options %s: %w", path, err)
	}
	return opts, nil
}

// Environment variables read by OptionsFromEnv.
const (
	EnvMaxConcurrency     = "PIPEGRAPH_MAX_CONCURRENCY"
	EnvRetryLimit         = "PIPEGRAPH_RETRY_LIMIT"
	EnvUnitTimeout        = "PIPEGRAPH_UNIT_TIMEOUT"
	EnvCheckpointInterval = "PIPEGRAPH_CHECKPOINT_INTERVAL"
	EnvRunID              = "PIPEGRAPH_RUN_ID"
)

// OptionsFromEnv overrides base with any PIPEGRAPH_* variables that are set.
func OptionsFromEnv(base Options) (Options, error) {
	var err error
	opts := base
	if opts.MaxConcurrency, err = envInt(EnvMaxConcurrency, opts.MaxConcurrency); err != nil {
		return base, err
	}
	if opts.RetryLimit, err = envInt(EnvRetryLimit, opts.RetryLimit); err != nil {
		return base, err
	}
	if opts.UnitTimeout, err = envDuration(EnvUnitTimeout, opts.UnitTimeout); err != nil {
		return base, err
	}
	if opts.CheckpointInterval, err = envInt(EnvCheckpointInterval, opts.CheckpointInterval); err != nil {
		return base, err
	}
	opts.RunID = envString(EnvRunID, opts.RunID)
	return opts, nil
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	if v, ok := os.LookupEnv(key); ok {
		i, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("parse %s: %w", key, err)
		}
		return i, nil
	}
	return def, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("parse %s: %w", key, err)
		}
		return d, nil
	}
	return def, nil
}

// Option is a functional option for configuring an Engine.
//
// Options apply in order on top of DefaultOptions, so later ones win:
//
//	eng, err := graph.Start(ctx, p, h,
//	    graph.WithOptions(fileOpts),
//	    graph.WithMaxConcurrency(16),
//	    graph.WithEmitter(emit.NewSlogEmitter(logger)),
//	)
type Option func(*engineConfig) error

// engineConfig collects options before they are validated.
type engineConfig struct {
	opts Options
}

func newEngineConfig(options []Option) (Options, error) {
	cfg := engineConfig{opts: DefaultOptions()}
	for _, opt := range options {
		if err := opt(&cfg); err != nil {
			return Options{}, err
		}
	}
	if err := cfg.opts.Validate(); err != nil {
		return Options{}, err
	}
	if cfg.opts.RunID == "" {
		cfg.opts.RunID = uuid.NewString()
	}
	if cfg.opts.Emitter == nil {
		cfg.opts.Emitter = emit.NewNullEmitter()
	}
	return cfg.opts, nil
}

// WithOptions replaces the whole configuration with opts. Emitter and
// Metrics set by earlier options are kept when opts leaves them nil.
func WithOptions(opts Options) Option {
	return func(cfg *engineConfig) error {
		if opts.Emitter == nil {
			opts.Emitter = cfg.opts.Emitter
		}
		if opts.Metrics == nil {
			opts.Metrics = cfg.opts.Metrics
		}
		cfg.opts = opts
		return nil
	}
}

// WithMaxConcurrency sets the executor pool size and Running cap.
func WithMaxConcurrency(n int) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.MaxConcurrency = n
		return nil
	}
}

// WithRetryLimit sets the default number of retries per unit.
func WithRetryLimit(n int) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.RetryLimit = n
		return nil
	}
}

// WithUnitTimeout sets the default per-attempt deadline.
func WithUnitTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.UnitTimeout = d
		return nil
	}
}

// WithCheckpointInterval sets how many applied records separate checkpoints.
func WithCheckpointInterval(n int) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.CheckpointInterval = n
		return nil
	}
}

// WithRunID sets the run ID carried by every event.
func WithRunID(id string) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.RunID = id
		return nil
	}
}

// WithEmitter sets the event sink.
func WithEmitter(e emit.Emitter) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.Emitter = e
		return nil
	}
}

// WithLogger logs every event through logger via emit.SlogEmitter.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *engineConfig) error {
		if logger == nil {
			return fmt.Errorf("%w: nil logger", ErrInvalidOptions)
		}
		cfg.opts.Emitter = emit.NewSlogEmitter(logger)
		return nil
	}
}

// WithMetrics enables Prometheus metrics collection.
//
// Metrics exposed:
//   - inflight_units: Units currently Running
//   - ready_units: Units queued Ready
//   - unit_latency_ms: Attempt duration by stage and status
//   - retries_total: Retries by stage and reason
//   - log_appends_total: Appended records by kind
//   - append_wait_ms: Time spent waiting for the log guard
//   - blocked_units_total: Units blocked by a failed dependency
//   - checkpoints_total: Checkpoints written
//
// Example:
//
//	registry := prometheus.NewRegistry()
//	metrics := graph.NewPrometheusMetrics(registry)
//	eng, _ := graph.Start(ctx, p, h, graph.WithMetrics(metrics))
//
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
func WithMetrics(metrics *PrometheusMetrics) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.Metrics = metrics
		return nil
	}
}
