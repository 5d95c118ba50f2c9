package emit

// Event represents an observability event emitted while a pipeline runs.
//
// Events describe unit state transitions and engine-level milestones:
//   - unit_ready, unit_started, unit_committed
//   - unit_retrying, unit_failed, unit_blocked, unit_cancelled
//   - checkpoint, run_complete
//
// Events are emitted to an Emitter which can:
//   - Log to stdout/stderr or a file
//   - Send to OpenTelemetry
//   - Buffer in memory for later queries
type Event struct {
	// RunID identifies the engine run that emitted this event.
	RunID string

	// Seq is the log sequence number of the record behind this event.
	// Zero for events that did not append a record (unit_ready, unit_blocked).
	Seq uint64

	// StageID and Partition identify the unit. Both are empty for run-level
	// events.
	StageID   string
	Partition string

	// Attempt is the 1-based attempt number, zero for run-level events.
	Attempt int

	// Msg is the event name, one of the Msg* constants for engine events.
	Msg string

	// Meta contains additional structured data specific to this event.
	// Common keys:
	//   - "duration_ms": Execution duration in milliseconds
	//   - "error": Error details
	//   - "reason": Why a unit was retried, blocked or cancelled
	//   - "up_to": Compaction boundary of a checkpoint
	//   - "status": Final status of a run
	Meta map[string]interface{}
}

// Event names emitted by the engine.
const (
	MsgUnitReady     = "unit_ready"
	MsgUnitStarted   = "unit_started"
	MsgUnitCommitted = "unit_committed"
	MsgUnitRetrying  = "unit_retrying"
	MsgUnitFailed    = "unit_failed"
	MsgUnitBlocked   = "unit_blocked"
	MsgUnitCancelled = "unit_cancelled"
	MsgCheckpoint    = "checkpoint"
	MsgRunComplete   = "run_complete"
)

// Unit returns "stage/partition", or "" for run-level events.
func (e Event) Unit() string {
	if e.StageID == "" {
		return ""
	}
	return e.StageID + "/" + e.Partition
}
