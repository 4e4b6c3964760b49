// Package replay reconstructs an agent's past state from its sealed records.
//
// An Engine is built over a snapshot of a ledger and refuses to serve data
// past a broken link unless an operator override is set, in which case only
// the verified prefix is served and the break is reported.
//
// Interpolated reconstruction blends the numeric fields of the two records
// around t (phi along the shorter arc). Corridor, intent digest, event
// reference and voxel signature are categorical and always come from the
// earlier record.
package replay

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/davidahmann/qube/core/canon"
	"github.com/davidahmann/qube/core/chain"
	coreerrors "github.com/davidahmann/qube/core/errors"
	"github.com/davidahmann/qube/core/phase"
	"github.com/davidahmann/qube/core/pixel"
	schemapixel "github.com/davidahmann/qube/core/schema/v1/pixel"
)

// State is a reconstructed point on an agent's trajectory.
type State struct {
	Timestamp      float64      `json:"timestamp"`
	AgentID        string       `json:"agent_id"`
	Corridor       string       `json:"corridor"`
	Vector         phase.Vector `json:"state_vector"`
	IntentDigest   string       `json:"intent_digest"`
	EventReference string       `json:"event_reference"`
	AutonomyIndex  float64      `json:"autonomy_index"`
	VoxelSignature string       `json:"voxel_signature"`
	// RecordID and Index are set for exact reconstructions. Interpolated
	// states carry the index of the earlier record.
	RecordID     string `json:"record_id,omitempty"`
	Index        int    `json:"index"`
	Interpolated bool   `json:"interpolated"`
}

func stateOf(record schemapixel.Record, index int) State {
	return State{
		Timestamp:      record.Timestamp,
		AgentID:        record.AgentID,
		Corridor:       record.Corridor,
		Vector:         record.StateVector,
		IntentDigest:   record.IntentDigest,
		EventReference: record.EventReference,
		AutonomyIndex:  record.AutonomyIndex,
		VoxelSignature: record.VoxelSignature,
		RecordID:       record.RecordID,
		Index:          index,
	}
}

// Canonical returns the state in the form the ritual and fork transitions
// consume.
func (s State) Canonical() canon.State {
	return canon.State{
		AgentID:        s.AgentID,
		ObservedAt:     pixel.TimeOf(s.Timestamp),
		Vector:         s.Vector,
		Corridor:       s.Corridor,
		IntentDigest:   s.IntentDigest,
		EventReference: s.EventReference,
		AutonomyIndex:  s.AutonomyIndex,
		VoxelSignature: s.VoxelSignature,
	}
}

type Engine struct {
	records        []schemapixel.Record
	integrity      chain.Result
	override       bool
	requireGenesis bool
	logger         *slog.Logger
}

type Option func(*Engine)

// WithOverride serves the verified prefix of a broken chain instead of
// failing. The break stays visible through Integrity.
func WithOverride() Option {
	return func(e *Engine) {
		e.override = true
	}
}

// WithWindow accepts a sequence cut from the middle of a ledger, whose
// first record does not link to genesis.
func WithWindow() Option {
	return func(e *Engine) {
		e.requireGenesis = false
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New validates records and builds an engine over a private copy of them.
func New(records []schemapixel.Record, options ...Option) (*Engine, error) {
	engine := &Engine{requireGenesis: true, logger: slog.New(slog.DiscardHandler)}
	for _, option := range options {
		option(engine)
	}
	snapshot := append([]schemapixel.Record(nil), records...)
	verified, result := chain.VerifiedPrefix(snapshot, chain.Options{RequireGenesis: engine.requireGenesis})
	engine.integrity = result
	if !result.OK {
		if !engine.override {
			return nil, result.Err()
		}
		engine.logger.Warn("replay override: serving verified prefix only",
			slog.Int("failure_index", result.FailureIndex),
			slog.String("reason", string(result.Reason)),
			slog.Int("served", len(verified)),
		)
	}
	engine.records = verified
	return engine, nil
}

// Integrity is the chain validation result taken at construction. When it is
// not OK the engine was built with WithOverride.
func (e *Engine) Integrity() chain.Result {
	return e.integrity
}

func (e *Engine) Len() int {
	return len(e.records)
}

// Records returns a copy of the records the engine serves.
func (e *Engine) Records() []schemapixel.Record {
	return append([]schemapixel.Record(nil), e.records...)
}

// Record returns the state of the record at index.
func (e *Engine) Record(index int) (State, error) {
	if index < 0 || index >= len(e.records) {
		return State{}, coreerrors.NotFound(fmt.Errorf("record index %d outside ledger of %d", index, len(e.records)))
	}
	return stateOf(e.records[index], index), nil
}

// floor returns the index of the last record with timestamp <= t, or -1.
func (e *Engine) floor(t float64) int {
	return sort.Search(len(e.records), func(i int) bool {
		return e.records[i].Timestamp > t
	}) - 1
}

// ceil returns the index of the first record with timestamp >= t, or Len().
func (e *Engine) ceil(t float64) int {
	return sort.Search(len(e.records), func(i int) bool {
		return e.records[i].Timestamp >= t
	})
}

func (e *Engine) notFound(t float64) error {
	if len(e.records) == 0 {
		return coreerrors.NotFound(fmt.Errorf("no records to reconstruct t=%v from", t))
	}
	return coreerrors.NotFound(fmt.Errorf("t=%v precedes first record at %v", t, e.records[0].Timestamp))
}

// At returns the last record at or before t verbatim.
func (e *Engine) At(t float64) (State, error) {
	index := e.floor(t)
	if index < 0 {
		return State{}, e.notFound(t)
	}
	return stateOf(e.records[index], index), nil
}

// Interpolate reconstructs the state at t. An exact hit, or a t after the last
// record, returns that record unchanged.
func (e *Engine) Interpolate(t float64) (State, error) {
	index := e.floor(t)
	if index < 0 {
		return State{}, e.notFound(t)
	}
	earlier := e.records[index]
	if earlier.Timestamp == t || index == len(e.records)-1 {
		return stateOf(earlier, index), nil
	}
	later := e.records[index+1]
	span := later.Timestamp - earlier.Timestamp
	if span <= 0 {
		return stateOf(earlier, index), nil
	}
	fraction := (t - earlier.Timestamp) / span
	state := stateOf(earlier, index)
	state.Timestamp = t
	state.Vector = phase.Interpolate(earlier.StateVector, later.StateVector, fraction)
	state.AutonomyIndex = phase.Lerp(earlier.AutonomyIndex, later.AutonomyIndex, fraction)
	state.RecordID = ""
	state.Interpolated = true
	return state, nil
}
