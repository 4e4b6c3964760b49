package replay

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/davidahmann/qube/core/canon"
	coreerrors "github.com/davidahmann/qube/core/errors"
	"github.com/davidahmann/qube/core/parity"
	"github.com/davidahmann/qube/core/phase"
	schemapixel "github.com/davidahmann/qube/core/schema/v1/pixel"
	"github.com/davidahmann/qube/core/seal"
)

const (
	BranchSchemaID      = "qube.replay.branch"
	BranchSchemaVersion = "1.0.0"
	branchIDPrefix      = "br_"
)

// Replacement overrides exactly one field of the forked record.
type Replacement struct {
	Corridor       *string
	IntentDigest   *string
	EventReference *string
	VoxelSignature *string
	AutonomyIndex  *float64
	StateVector    *phase.Vector
}

// Field names the replaced field, or fails unless exactly one is set.
func (r Replacement) Field() (string, error) {
	set := make([]string, 0, 1)
	if r.Corridor != nil {
		set = append(set, "corridor")
	}
	if r.IntentDigest != nil {
		set = append(set, "intent_digest")
	}
	if r.EventReference != nil {
		set = append(set, "event_reference")
	}
	if r.VoxelSignature != nil {
		set = append(set, "voxel_signature")
	}
	if r.AutonomyIndex != nil {
		set = append(set, "autonomy_index")
	}
	if r.StateVector != nil {
		set = append(set, "state_vector")
	}
	if len(set) != 1 {
		return "", fmt.Errorf("fork replacement must set exactly one field, got %v", set)
	}
	return set[0], nil
}

func (r Replacement) apply(state canon.State) canon.State {
	switch {
	case r.Corridor != nil:
		state.Corridor = *r.Corridor
	case r.IntentDigest != nil:
		state.IntentDigest = *r.IntentDigest
	case r.EventReference != nil:
		state.EventReference = *r.EventReference
	case r.VoxelSignature != nil:
		state.VoxelSignature = *r.VoxelSignature
	case r.AutonomyIndex != nil:
		state.AutonomyIndex = *r.AutonomyIndex
	case r.StateVector != nil:
		state.Vector = *r.StateVector
	}
	return state
}

// TransitionFunc computes the next canonical state of a branch from the
// previous one. It must be pure: the same input always yields the same
// output.
type TransitionFunc func(previous canon.State) (canon.State, error)

type ForkOptions struct {
	Sealer *seal.Sealer
	// Validator, when set, runs parity on every re-sealed state and fails the
	// fork at the first state that does not pass.
	Validator *parity.Validator
	Now       func() time.Time
}

// Fork builds a counterfactual branch at index. Records before index are
// shared unchanged. The record at index is re-sealed with the replacement
// under a new id and the original prev hash. Each later position is produced
// by transition from the previous branch state and keeps the original
// position's timestamp. The engine's records are never modified.
func (e *Engine) Fork(index int, replacement Replacement, transition TransitionFunc, options ForkOptions) (schemapixel.Branch, error) {
	if index < 0 || index >= len(e.records) {
		return schemapixel.Branch{}, coreerrors.ForkConflict(fmt.Errorf("fork index %d outside ledger of %d records", index, len(e.records)))
	}
	field, err := replacement.Field()
	if err != nil {
		return schemapixel.Branch{}, coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, coreerrors.CodeValidationFailure, "name one field to replace", false)
	}
	if transition == nil && index < len(e.records)-1 {
		return schemapixel.Branch{}, coreerrors.Wrap(fmt.Errorf("fork at %d of %d needs a transition function", index, len(e.records)),
			coreerrors.CategoryInvalidInput, coreerrors.CodeValidationFailure, "supply a transition function for records after the fork point", false)
	}
	sealer := options.Sealer
	if sealer == nil {
		sealer = seal.New()
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}
	branchID, err := uuid.NewRandom()
	if err != nil {
		return schemapixel.Branch{}, fmt.Errorf("generate branch id: %w", err)
	}

	original := e.records[index]
	records := make([]schemapixel.Record, 0, len(e.records))
	records = append(records, e.records[:index]...)
	var head *schemapixel.Record
	if index > 0 {
		previous := records[index-1]
		head = &previous
	}

	state := replacement.apply(seal.StateOf(original))
	for position := index; position < len(e.records); position++ {
		if position > index {
			next, err := transition(state)
			if err != nil {
				return schemapixel.Branch{}, fmt.Errorf("fork transition to position %d: %w", position, err)
			}
			next.AgentID = original.AgentID
			state = next
		}
		if options.Validator != nil {
			if err := options.Validator.Validate(state, head).Err(); err != nil {
				return schemapixel.Branch{}, fmt.Errorf("fork position %d: %w", position, err)
			}
		}
		sealed, err := sealer.SealAt(state, head, e.records[position].Timestamp)
		// A window's first record links into history the engine never saw.
		if err == nil && position == index && sealed.PrevHash != original.PrevHash {
			sealed.PrevHash = original.PrevHash
			sealed, err = seal.Reseal(sealed)
		}
		if err != nil {
			return schemapixel.Branch{}, fmt.Errorf("seal fork position %d: %w", position, err)
		}
		records = append(records, sealed)
		sealedCopy := sealed
		head = &sealedCopy
	}

	return schemapixel.Branch{
		SchemaID:       BranchSchemaID,
		SchemaVersion:  BranchSchemaVersion,
		CreatedAt:      now().UTC(),
		BranchID:       branchIDPrefix + branchID.String(),
		AgentID:        original.AgentID,
		ForkIndex:      index,
		ForkedRecordID: original.RecordID,
		ReplacedField:  field,
		SourceHeadHash: e.records[len(e.records)-1].SelfHash,
		Records:        records,
	}, nil
}

// Coast is a transition that holds every categorical field and lets the
// phase vector evolve freely for dt: tau advances by dt and phi turns by
// omega*dt.
func Coast(dt float64) TransitionFunc {
	return func(previous canon.State) (canon.State, error) {
		if dt <= 0 {
			return canon.State{}, fmt.Errorf("coast step must be positive, got %v", dt)
		}
		next := previous
		next.Vector.Tau = previous.Vector.Tau + dt
		next.Vector.Phi = phase.Wrap(previous.Vector.Phi + previous.Vector.Omega*dt)
		next.ObservedAt = time.Time{}
		return next, nil
	}
}
