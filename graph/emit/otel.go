package emit

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter implements Emitter by creating OpenTelemetry spans.
//
// Each event becomes a span with:
//   - Span name: event.Msg (e.g., "unit_started", "unit_committed")
//   - Attributes: run ID, sequence, unit and attempt under the "pipegraph."
//     namespace, plus every event.Meta field
//   - Status: Error if event.Meta["error"] is set
//
// Spans are ended immediately; events are points in time. When Meta carries
// "duration_ms" the span start is moved back by that amount so the span
// covers the unit's execution.
//
// Usage:
//
//	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
//	otel.SetTracerProvider(tp)
//
//	emitter := emit.NewOTelEmitter(otel.Tracer("pipegraph-go"))
//	eng, _ := graph.Start(ctx, p, h, graph.WithEmitter(emitter))
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates a new OTelEmitter from tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit creates one span for the event.
func (o *OTelEmitter) Emit(event Event) {
	o.emit(context.Background(), event)
}

// EmitBatch creates one span per event under ctx.
func (o *OTelEmitter) EmitBatch(ctx context.Context, events []Event) error {
	for _, event := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		o.emit(ctx, event)
	}
	return nil
}

func (o *OTelEmitter) emit(ctx context.Context, event Event) {
	end := time.Now()
	start := end
	if d, ok := durationMeta(event.Meta); ok {
		start = end.Add(-d)
	}

	_, span := o.tracer.Start(ctx, event.Msg, trace.WithTimestamp(start))
	o.addStandardAttributes(span, event)
	o.addMetadataAttributes(span, event.Meta)

	if err, ok := event.Meta["error"].(string); ok {
		span.SetStatus(codes.Error, err)
		span.RecordError(fmt.Errorf("%s", err))
	}
	span.End(trace.WithTimestamp(end))
}

// Flush forces export of buffered spans when the global provider supports it.
//
//	defer func() {
//	    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
//	    defer cancel()
//	    _ = emitter.Flush(ctx)
//	}()
func (o *OTelEmitter) Flush(ctx context.Context) error {
	type flusher interface {
		ForceFlush(context.Context) error
	}

	if f, ok := otel.GetTracerProvider().(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}

func (o *OTelEmitter) addStandardAttributes(span trace.Span, event Event) {
	span.SetAttributes(attribute.String("pipegraph.run_id", event.RunID))
	if event.Seq != 0 {
		span.SetAttributes(attribute.Int64("pipegraph.seq", int64(event.Seq)))
	}
	if event.StageID != "" {
		span.SetAttributes(
			attribute.String("pipegraph.stage_id", event.StageID),
			attribute.String("pipegraph.partition", event.Partition),
			attribute.Int("pipegraph.attempt", event.Attempt),
		)
	}
}

// addMetadataAttributes converts event metadata to span attributes.
//
// Handles common types:
//   - string, int, int64, uint64, float64, bool: Direct conversion
//   - time.Duration: Convert to milliseconds
//   - Other types: Convert to string representation
func (o *OTelEmitter) addMetadataAttributes(span trace.Span, meta map[string]interface{}) {
	for key, value := range meta {
		attrKey := key
		switch key {
		case "duration_ms":
			attrKey = "pipegraph.unit.duration_ms"
		case "reason":
			attrKey = "pipegraph.reason"
		}

		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String(attrKey, v))
		case int:
			span.SetAttributes(attribute.Int(attrKey, v))
		case int64:
			span.SetAttributes(attribute.Int64(attrKey, v))
		case uint64:
			span.SetAttributes(attribute.Int64(attrKey, int64(v)))
		case float64:
			span.SetAttributes(attribute.Float64(attrKey, v))
		case bool:
			span.SetAttributes(attribute.Bool(attrKey, v))
		case time.Duration:
			span.SetAttributes(attribute.Int64(attrKey, int64(v/time.Millisecond)))
		default:
			span.SetAttributes(attribute.String(attrKey, fmt.Sprintf("%v", v)))
		}
	}
}

func durationMeta(meta map[string]interface{}) (time.Duration, bool) {
	switch v := meta["duration_ms"].(type) {
	case int64:
		return time.Duration(v) * time.Millisecond, v > 0
	case int:
		return time.Duration(v) * time.Millisecond, v > 0
	case float64:
		return time.Duration(v * float64(time.Millisecond)), v > 0
	}
	return 0, false
}
