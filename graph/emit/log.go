package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// LogEmitter implements Emitter by writing one line per event to a writer.
//
// Supports two output modes:
//   - Text mode (default): Human-readable format with key=value pairs
//   - JSON mode: Machine-readable JSON format, one event per line
//
// Example text output:
//
//	[unit_committed] runID=run-001 seq=12 unit=extract/0 attempt=1
//
// Example JSON output:
//
//	{"runID":"run-001","seq":12,"stage":"extract","partition":"0","attempt":1,"msg":"unit_committed","meta":null}
//
// Usage:
//
//	// Text output to stdout
//	emitter := emit.NewLogEmitter(os.Stdout, false)
//
//	// JSON output to file
//	f, _ := os.Create("events.jsonl")
//	defer f.Close()
//	emitter := emit.NewLogEmitter(f, true)
type LogEmitter struct {
	mu       sync.Mutex // keeps lines from interleaving
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a new LogEmitter. A nil writer means os.Stdout.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{
		writer:   writer,
		jsonMode: jsonMode,
	}
}

// Emit writes an event to the configured writer.
func (l *LogEmitter) Emit(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.jsonMode {
		l.emitJSON(event)
	} else {
		l.emitText(event)
	}
}

func (l *LogEmitter) emitJSON(event Event) {
	data, err := json.Marshal(struct {
		RunID     string                 `json:"runID"`
		Seq       uint64                 `json:"seq"`
		StageID   string                 `json:"stage"`
		Partition string                 `json:"partition"`
		Attempt   int                    `json:"attempt"`
		Msg       string                 `json:"msg"`
		Meta      map[string]interface{} `json:"meta"`
	}{
		RunID:     event.RunID,
		Seq:       event.Seq,
		StageID:   event.StageID,
		Partition: event.Partition,
		Attempt:   event.Attempt,
		Msg:       event.Msg,
		Meta:      event.Meta,
	})
	if err != nil {
		fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}

	fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogEmitter) emitText(event Event) {
	fmt.Fprintf(l.writer, "[%s] runID=%s", event.Msg, event.RunID)
	if event.Seq != 0 {
		fmt.Fprintf(l.writer, " seq=%d", event.Seq)
	}
	if unit := event.Unit(); unit != "" {
		fmt.Fprintf(l.writer, " unit=%s attempt=%d", unit, event.Attempt)
	}

	if len(event.Meta) > 0 {
		metaJSON, err := json.Marshal(event.Meta)
		if err == nil {
			fmt.Fprintf(l.writer, " meta=%s", metaJSON)
		} else {
			fmt.Fprintf(l.writer, " meta=%v", event.Meta)
		}
	}

	fmt.Fprint(l.writer, "\n")
}
