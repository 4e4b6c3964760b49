// Package ritual runs the four-phase conversion of live agent state into a
// sealed ledger record: canonicalize, validate, seal, append.
//
// Rituals for the same agent are serialized; different agents proceed in
// parallel. A state that fails canonicalization input checks or parity is
// quarantined and nothing is persisted.
package ritual

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/davidahmann/qube/core/canon"
	coreerrors "github.com/davidahmann/qube/core/errors"
	"github.com/davidahmann/qube/core/ledger"
	"github.com/davidahmann/qube/core/parity"
	"github.com/davidahmann/qube/core/pixel"
	schemapixel "github.com/davidahmann/qube/core/schema/v1/pixel"
	"github.com/davidahmann/qube/core/seal"
)

type Config struct {
	Canonicalizer *canon.Canonicalizer
	Validator     *parity.Validator
	Book          *ledger.Book
	// Optional below.
	Sealer     *seal.Sealer
	Quarantine QuarantineSink
	Registerer prometheus.Registerer
	Logger     *slog.Logger
	Clock      func() time.Time
}

type Ritual struct {
	canonicalizer *canon.Canonicalizer
	validator     *parity.Validator
	book          *ledger.Book
	sealer        *seal.Sealer
	quarantine    QuarantineSink
	metrics       *Metrics
	logger        *slog.Logger
	clock         func() time.Time
	locks         agentLocks
}

func New(cfg Config) (*Ritual, error) {
	if cfg.Canonicalizer == nil || cfg.Validator == nil || cfg.Book == nil {
		return nil, fmt.Errorf("ritual needs a canonicalizer, a parity validator and a ledger book")
	}
	r := &Ritual{
		canonicalizer: cfg.Canonicalizer,
		validator:     cfg.Validator,
		book:          cfg.Book,
		sealer:        cfg.Sealer,
		quarantine:    cfg.Quarantine,
		metrics:       NewMetrics(cfg.Registerer),
		logger:        cfg.Logger,
		clock:         cfg.Clock,
	}
	if r.sealer == nil {
		r.sealer = seal.New()
	}
	if r.quarantine == nil {
		r.quarantine = NewMemoryQuarantine()
	}
	if r.logger == nil {
		r.logger = slog.New(slog.DiscardHandler)
	}
	if r.clock == nil {
		r.clock = func() time.Time { return time.Now().UTC() }
	}
	return r, nil
}

// Run performs one ritual and returns the sealed, durably appended record.
func (r *Ritual) Run(ctx context.Context, input canon.AgentState) (schemapixel.Record, error) {
	started := time.Now()
	record, outcome, err := r.run(ctx, input)
	r.metrics.observe(outcome, time.Since(started).Seconds())
	logger := r.logger.With(slog.String("agent_id", input.AgentID), slog.String("outcome", outcome))
	if err != nil {
		logger.Warn("ritual failed", slog.String("error", err.Error()), slog.String("error_code", coreerrors.CodeOf(err)))
		return schemapixel.Record{}, err
	}
	logger.Debug("ritual sealed record", slog.String("record_id", record.RecordID), slog.String("hash", record.SelfHash))
	return record, nil
}

func (r *Ritual) run(ctx context.Context, input canon.AgentState) (schemapixel.Record, string, error) {
	release, err := r.locks.acquire(ctx, input.AgentID)
	if err != nil {
		return schemapixel.Record{}, OutcomeFailed, err
	}
	defer release()

	state, err := r.canonicalizer.Canonicalize(ctx, input)
	if err != nil {
		if coreerrors.Is(err, coreerrors.CodeDependencyMissing) {
			return schemapixel.Record{}, OutcomeDependencyMissing, err
		}
		r.quarantineState(ctx, canon.State{AgentID: input.AgentID, Vector: input.Vector, Corridor: input.Corridor, EventReference: input.EventReference, VoxelSignature: input.VoxelSignature}, StageCanonicalize, nil, err)
		return schemapixel.Record{}, OutcomeQuarantined, coreerrors.ValidationFailure(err)
	}

	target, err := r.book.Ledger(ctx, state.AgentID)
	if err != nil {
		return schemapixel.Record{}, OutcomeFailed, err
	}
	var head *schemapixel.Record
	if latest, ok := target.Latest(); ok {
		head = &latest
	}

	result := r.validator.Validate(state, head)
	if !result.Passed {
		for _, name := range result.FailedNames() {
			r.metrics.failedRules.WithLabelValues(name).Inc()
		}
		validationErr := result.Err()
		r.quarantineState(ctx, state, StageParity, result.FailedNames(), validationErr)
		return schemapixel.Record{}, OutcomeQuarantined, validationErr
	}

	if state.ObservedAt.IsZero() {
		state.ObservedAt = r.clock()
	}
	timestamp := pixel.Timestamp(state.ObservedAt)
	if head != nil && timestamp < head.Timestamp {
		r.logger.Debug("observed time behind ledger head; sealing at head time",
			slog.String("agent_id", state.AgentID),
			slog.Float64("observed", timestamp),
			slog.Float64("head", head.Timestamp))
		timestamp = head.Timestamp
	}
	record, err := r.sealer.SealAt(state, head, timestamp)
	if err != nil {
		return schemapixel.Record{}, OutcomeFailed, err
	}
	if err := target.Append(ctx, record); err != nil {
		if coreerrors.Is(err, coreerrors.CodeAppendConflict) {
			return schemapixel.Record{}, OutcomeConflict, err
		}
		return schemapixel.Record{}, OutcomeFailed, err
	}
	return record, OutcomeSealed, nil
}

func (r *Ritual) quarantineState(ctx context.Context, state canon.State, stage string, failedRules []string, cause error) {
	entry := schemapixel.QuarantineEntry{
		SchemaID:       QuarantineSchemaID,
		SchemaVersion:  QuarantineSchemaVersion,
		CreatedAt:      r.clock(),
		AgentID:        state.AgentID,
		Stage:          stage,
		Corridor:       state.Corridor,
		StateVector:    state.Vector,
		IntentDigest:   state.IntentDigest,
		EventReference: state.EventReference,
		AutonomyIndex:  state.AutonomyIndex,
		VoxelSignature: state.VoxelSignature,
		FailedRules:    failedRules,
		Reason:         cause.Error(),
	}
	if err := r.quarantine.Quarantine(ctx, entry); err != nil {
		r.logger.Error("quarantine sink failed", slog.String("agent_id", state.AgentID), slog.String("error", err.Error()))
	}
}

// agentLocks serializes rituals per agent. Waiting honours ctx.
type agentLocks struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func (l *agentLocks) slot(agentID string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.slots == nil {
		l.slots = map[string]chan struct{}{}
	}
	slot, ok := l.slots[agentID]
	if !ok {
		slot = make(chan struct{}, 1)
		l.slots[agentID] = slot
	}
	return slot
}

func (l *agentLocks) acquire(ctx context.Context, agentID string) (func(), error) {
	slot := l.slot(agentID)
	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-ctx.Done():
		return nil, coreerrors.Wrap(errors.Join(fmt.Errorf("waiting for ritual of %s", agentID), ctx.Err()),
			coreerrors.CategoryStateContention, coreerrors.CodeAppendConflict, "another ritual for this agent is still running", true)
	}
}
