// Package seal turns a validated canonical state into an identified,
// hash-linked token pixel.
package seal

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/davidahmann/qube/core/canon"
	"github.com/davidahmann/qube/core/pixel"
	schemapixel "github.com/davidahmann/qube/core/schema/v1/pixel"
)

const recordIDPrefix = "tpx_"

// Clock returns the sealing time.
type Clock func() time.Time

// IDSource returns a fresh record id. The default draws a random UUIDv4 so
// identical states sealed at different times still get distinct ids.
type IDSource func() (string, error)

type Sealer struct {
	clock Clock
	ids   IDSource
}

type Option func(*Sealer)

func WithClock(clock Clock) Option {
	return func(s *Sealer) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func WithIDSource(ids IDSource) Option {
	return func(s *Sealer) {
		if ids != nil {
			s.ids = ids
		}
	}
}

func New(options ...Option) *Sealer {
	sealer := &Sealer{
		clock: func() time.Time { return time.Now().UTC() },
		ids:   NewRecordID,
	}
	for _, option := range options {
		option(sealer)
	}
	return sealer
}

// NewRecordID returns "tpx_" followed by a random UUIDv4.
func NewRecordID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate record id: %w", err)
	}
	return recordIDPrefix + id.String(), nil
}

// Seal builds the record for state. head is the ledger's current head, or nil
// for an empty ledger. The state must already have passed parity validation.
func (s *Sealer) Seal(state canon.State, head *schemapixel.Record) (schemapixel.Record, error) {
	timestamp := state.ObservedAt
	if timestamp.IsZero() {
		timestamp = s.clock()
	}
	return s.SealAt(state, head, pixel.Timestamp(timestamp))
}

// SealAt is Seal with an explicit record timestamp.
func (s *Sealer) SealAt(state canon.State, head *schemapixel.Record, timestamp float64) (schemapixel.Record, error) {
	recordID, err := s.ids()
	if err != nil {
		return schemapixel.Record{}, err
	}
	prevHash := pixel.GenesisHash
	if head != nil {
		if strings.TrimSpace(head.SelfHash) == "" {
			return schemapixel.Record{}, fmt.Errorf("ledger head %s has no self hash", head.RecordID)
		}
		prevHash = head.SelfHash
	}
	record := schemapixel.Record{
		RecordID:       recordID,
		Timestamp:      timestamp,
		AgentID:        state.AgentID,
		Corridor:       state.Corridor,
		StateVector:    state.Vector,
		IntentDigest:   state.IntentDigest,
		EventReference: state.EventReference,
		AutonomyIndex:  state.AutonomyIndex,
		VoxelSignature: state.VoxelSignature,
		PrevHash:       prevHash,
	}
	return Reseal(record)
}

// Reseal recomputes the self hash of record over its current fields.
func Reseal(record schemapixel.Record) (schemapixel.Record, error) {
	hash, err := pixel.ComputeHash(record)
	if err != nil {
		return schemapixel.Record{}, err
	}
	record.SelfHash = hash
	return record, nil
}

// StateOf recovers the canonical state carried by a sealed record.
func StateOf(record schemapixel.Record) canon.State {
	return canon.State{
		AgentID:        record.AgentID,
		ObservedAt:     pixel.TimeOf(record.Timestamp),
		Vector:         record.StateVector,
		Corridor:       record.Corridor,
		IntentDigest:   record.IntentDigest,
		EventReference: record.EventReference,
		AutonomyIndex:  record.AutonomyIndex,
		VoxelSignature: record.VoxelSignature,
	}
}
