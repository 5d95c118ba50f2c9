package emit

import (
	"context"
	"log/slog"
	"sort"
)

// SlogEmitter implements Emitter on top of a *slog.Logger.
//
// Failure events (unit_failed, unit_blocked) are logged at Warn, everything
// else at Info. Meta keys are added as attributes in sorted order so output
// is stable.
type SlogEmitter struct {
	logger *slog.Logger
}

// NewSlogEmitter wraps logger. A nil logger means slog.Default().
func NewSlogEmitter(logger *slog.Logger) *SlogEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogEmitter{logger: logger}
}

// Emit logs the event as one structured record.
func (s *SlogEmitter) Emit(event Event) {
	level := slog.LevelInfo
	switch event.Msg {
	case MsgUnitFailed, MsgUnitBlocked:
		level = slog.LevelWarn
	}

	attrs := []slog.Attr{slog.String("run_id", event.RunID)}
	if event.Seq != 0 {
		attrs = append(attrs, slog.Uint64("seq", event.Seq))
	}
	if event.StageID != "" {
		attrs = append(attrs,
			slog.String("stage", event.StageID),
			slog.String("partition", event.Partition),
			slog.Int("attempt", event.Attempt),
		)
	}

	keys := make([]string, 0, len(event.Meta))
	for k := range event.Meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, event.Meta[k]))
	}

	s.logger.LogAttrs(context.Background(), level, event.Msg, attrs...)
}
