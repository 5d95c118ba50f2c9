package graph

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dshills/pipegraph-go/graph/store"
)

// CheckpointPayload is the body of a Checkpoint record.
//
// Every unit referenced by a record at or below UpTo is resolved and listed
// in Resolved, so records up to UpTo can be compacted away. Recovery seeds a
// scheduler from Resolved and replays the log from UpTo+1.
type CheckpointPayload struct {
	UpTo     uint64         `json:"up_to"`
	Resolved []ResolvedUnit `json:"resolved"`

	// Expanded lists deferred stages in the order their keys became known.
	// Seed re-creates their units before restoring Resolved, without calling
	// any partitioner.
	Expanded []Expansion `json:"expanded,omitempty"`
}

// Expansion is the partition keys a deferred stage resolved at run time.
type Expansion struct {
	Stage string   `json:"stage"`
	Keys  []string `json:"keys"`
}

// ResolvedUnit is one committed or permanently failed unit in a checkpoint.
type ResolvedUnit struct {
	Unit    store.UnitKey `json:"unit"`
	State   UnitState     `json:"state"`
	Attempt int           `json:"attempt"`

	// Seq is the record that resolved the unit.
	Seq uint64 `json:"seq"`

	// Output carries a durable unit's payload while a dependent may still
	// need it. Retained distinguishes an empty output from none.
	Output   []byte `json:"output,omitempty"`
	Retained bool   `json:"retained,omitempty"`
}

// EncodeCheckpoint renders cp as a record payload.
func EncodeCheckpoint(cp CheckpointPayload) ([]byte, error) {
	return json.Marshal(cp)
}

// DecodeCheckpoint parses the payload of a Checkpoint record.
func DecodeCheckpoint(rec store.Record) (CheckpointPayload, error) {
	var cp CheckpointPayload
	if rec.Kind != store.KindCheckpoint {
		return cp, fmt.Errorf("%w: record %d is %s, not a checkpoint", store.ErrCorruptRecord, rec.Sequence, rec.Kind)
	}
	if err := json.Unmarshal(rec.Payload, &cp); err != nil {
		return cp, fmt.Errorf("%w: checkpoint %d: %v", store.ErrCorruptRecord, rec.Sequence, err)
	}
	if cp.UpTo >= rec.Sequence {
		return cp, fmt.Errorf("%w: checkpoint %d covers up to %d", store.ErrCorruptRecord, rec.Sequence, cp.UpTo)
	}
	return cp, nil
}

// rebuild restores s from log: the newest checkpoint seeds it, then every
// record after the checkpoint's boundary is replayed in sequence order.
// It returns the checkpoint boundary used (0 without a checkpoint).
func rebuild(ctx context.Context, s *Scheduler, h *store.Handle) (uint64, error) {
	rec, ok, err := h.LastCheckpoint(ctx)
	if err != nil {
		return 0, fmt.Errorf("find checkpoint: %w", err)
	}

	var upTo uint64
	if ok {
		cp, err := DecodeCheckpoint(rec)
		if err != nil {
			return 0, err
		}
		if err := s.Seed(cp); err != nil {
			return 0, fmt.Errorf("seed from checkpoint %d: %w", rec.Sequence, err)
		}
		upTo = cp.UpTo
	}

	if err := s.RebuildFromLog(ctx, h.ReadFrom(ctx, upTo+1)); err != nil {
		return 0, err
	}
	return upTo, nil
}
