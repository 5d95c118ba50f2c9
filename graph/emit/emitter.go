package emit

// Emitter receives and processes observability events from pipeline execution.
//
// Emitters enable pluggable observability backends:
//   - Logging: text or JSON lines, log/slog
//   - Distributed tracing: OpenTelemetry
//   - In-memory history for tests and debugging
//
// Implementations should be:
//   - Non-blocking: Avoid slowing down the decision loop
//   - Thread-safe: Executors and the engine may emit concurrently
//   - Resilient: Handle failures gracefully (never fail the run)
type Emitter interface {
	// Emit sends an observability event to the configured backend.
	//
	// Emit should not panic. Errors should be handled internally.
	Emit(event Event)
}

// MultiEmitter fans every event out to several emitters in order.
type MultiEmitter []Emitter

// NewMultiEmitter returns an emitter that forwards to every non-nil emitter.
func NewMultiEmitter(emitters ...Emitter) MultiEmitter {
	out := make(MultiEmitter, 0, len(emitters))
	for _, e := range emitters {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}

// Emit forwards event to each emitter.
func (m MultiEmitter) Emit(event Event) {
	for _, e := range m {
		e.Emit(event)
	}
}
