package emit

import "sync"

// BufferedEmitter implements Emitter by storing events in memory.
//
// Events are organized by runID. Queries return copies, so callers may keep
// the slices while the run continues.
//
// Warning: every event is retained until Clear. Long-running engines should
// prefer LogEmitter or SlogEmitter.
//
// Example usage:
//
//	emitter := emit.NewBufferedEmitter()
//	eng, _ := graph.Start(ctx, pipeline, handle, graph.WithEmitter(emitter))
//	res, _ := eng.Wait(ctx)
//
//	failures := emitter.GetHistoryWithFilter(eng.RunID(), emit.HistoryFilter{Msg: emit.MsgUnitFailed})
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // runID -> events
}

// HistoryFilter specifies criteria for filtering execution history.
//
// All filter fields are optional. When multiple fields are set, they are
// combined with AND logic.
//
// Example usage:
//
//	// Sequenced events of one stage from record 10 on
//	minSeq := uint64(10)
//	filter := emit.HistoryFilter{StageID: "load", MinSeq: &minSeq}
type HistoryFilter struct {
	StageID   string  // Filter by stage (empty = no filter)
	Partition string  // Filter by partition key (empty = no filter)
	Msg       string  // Filter by event name (empty = no filter)
	MinSeq    *uint64 // Minimum log sequence (nil = no filter)
	MaxSeq    *uint64 // Maximum log sequence (nil = no filter)
}

func (f HistoryFilter) empty() bool {
	return f.StageID == "" && f.Partition == "" && f.Msg == "" && f.MinSeq == nil && f.MaxSeq == nil
}

// NewBufferedEmitter creates a new BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{
		events: make(map[string][]Event),
	}
}

// Emit stores an event in the buffer.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events[event.RunID] = append(b.events[event.RunID], event)
}

// GetHistory retrieves all events for a specific runID in emission order.
// Returns an empty slice if no events exist for the given runID.
func (b *BufferedEmitter) GetHistory(runID string) []Event {
	return b.GetHistoryWithFilter(runID, HistoryFilter{})
}

// GetHistoryWithFilter retrieves the events of runID that match filter.
func (b *BufferedEmitter) GetHistoryWithFilter(runID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[runID]
	if events == nil {
		return []Event{}
	}

	if filter.empty() {
		result := make([]Event, len(events))
		copy(result, events)
		return result
	}

	result := make([]Event, 0)
	for _, event := range events {
		if matchesFilter(event, filter) {
			result = append(result, event)
		}
	}
	return result
}

// Count returns how many events of runID carry msg.
func (b *BufferedEmitter) Count(runID, msg string) int {
	return len(b.GetHistoryWithFilter(runID, HistoryFilter{Msg: msg}))
}

func matchesFilter(event Event, filter HistoryFilter) bool {
	if filter.StageID != "" && event.StageID != filter.StageID {
		return false
	}
	if filter.Partition != "" && event.Partition != filter.Partition {
		return false
	}
	if filter.Msg != "" && event.Msg != filter.Msg {
		return false
	}
	if filter.MinSeq != nil && event.Seq < *filter.MinSeq {
		return false
	}
	if filter.MaxSeq != nil && event.Seq > *filter.MaxSeq {
		return false
	}
	return true
}

// Clear removes stored events. An empty runID clears every run.
func (b *BufferedEmitter) Clear(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if runID == "" {
		b.events = make(map[string][]Event)
	} else {
		delete(b.events, runID)
	}
}
