package graph

import (
	"fmt"

	"github.com/dshills/pipegraph-go/graph/store"
)

// UnitState is the lifecycle state of one unit.
type UnitState uint8

const (
	// Pending units wait for at least one dependency to commit.
	Pending UnitState = iota
	// Ready units have every dependency committed and wait for capacity.
	Ready
	// Running units are assigned to an executor.
	Running
	// Committed is terminal success.
	Committed
	// Retrying is the brief state of a failed attempt that will be retried.
	// The unit re-enters Ready with its attempt incremented.
	Retrying
	// Failed is terminal: the unit exhausted its retries.
	Failed
	// Blocked is terminal: a dependency failed, so the unit can never run.
	Blocked
	// Cancelled is terminal: the engine was cancelled before the unit ran.
	Cancelled
)

var unitStateNames = [...]string{
	Pending:   "Pending",
	Ready:     "Ready",
	Running:   "Running",
	Committed: "Committed",
	Retrying:  "Retrying",
	Failed:    "Failed",
	Blocked:   "Blocked",
	Cancelled: "Cancelled",
}

func (s UnitState) String() string {
	if int(s) < len(unitStateNames) {
		return unitStateNames[s]
	}
	return fmt.Sprintf("UnitState(%d)", uint8(s))
}

// Terminal reports whether no further transition can leave s.
func (s UnitState) Terminal() bool {
	switch s {
	case Committed, Failed, Blocked, Cancelled:
		return true
	}
	return false
}

func (s UnitState) MarshalText() ([]byte, error) {
	if int(s) >= len(unitStateNames) {
		return nil, fmt.Errorf("unknown unit state %d", uint8(s))
	}
	return []byte(unitStateNames[s]), nil
}

func (s *UnitState) UnmarshalText(text []byte) error {
	for i, name := range unitStateNames {
		if name == string(text) {
			*s = UnitState(i)
			return nil
		}
	}
	return fmt.Errorf("unknown unit state %q", text)
}

// allowedTransitions lists every legal from -> to change.
var allowedTransitions = map[UnitState][]UnitState{
	Pending:  {Ready, Blocked, Cancelled},
	Ready:    {Running, Cancelled},
	Running:  {Committed, Retrying, Failed, Cancelled},
	Retrying: {Ready, Cancelled},
}

func isAllowedTransition(from, to UnitState) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(key store.UnitKey, from, to UnitState) error {
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, key, from, to)
	}
	return nil
}

// Unit is a read-only view of one scheduled unit.
type Unit struct {
	Key     store.UnitKey
	Deps    []store.UnitKey
	Attempt int
	State   UnitState
}

// Transition describes one unit state change observed by the scheduler.
type Transition struct {
	Unit    store.UnitKey
	Attempt int
	From    UnitState
	To      UnitState

	// Seq is the log record behind the change, zero for derived changes
	// such as promotion to Ready or blocking.
	Seq uint64

	// Err is the failure that caused a Retrying or Failed transition.
	Err error
}
