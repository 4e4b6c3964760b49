// Package ledger holds each agent's append-only sequence of sealed records.
//
// Appends are compare-and-append: a record is accepted only if its prev hash
// names the current head. The record reaches the storage backend before the
// in-memory head moves, so a failed append leaves the ledger unchanged.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/davidahmann/qube/core/chain"
	coreerrors "github.com/davidahmann/qube/core/errors"
	"github.com/davidahmann/qube/core/pixel"
	schemapixel "github.com/davidahmann/qube/core/schema/v1/pixel"
	"github.com/davidahmann/qube/core/store"
)

// ConflictError reports a rejected compare-and-append.
type ConflictError struct {
	AgentID      string
	RecordID     string
	ExpectedPrev string
	GotPrev      string
	// RecordAgent is set when the record belongs to another agent.
	RecordAgent string
	// HeadTimestamp and GotTimestamp are set when the record is older than
	// the head.
	HeadTimestamp float64
	GotTimestamp  float64
}

func (e *ConflictError) Error() string {
	if e.RecordAgent != "" {
		return fmt.Sprintf("record %s belongs to agent %s, not %s", e.RecordID, e.RecordAgent, e.AgentID)
	}
	if e.GotTimestamp < e.HeadTimestamp {
		return fmt.Sprintf("record %s timestamp %v precedes head of %s at %v", e.RecordID, e.GotTimestamp, e.AgentID, e.HeadTimestamp)
	}
	return fmt.Sprintf("record %s links to %s but head of %s is %s", e.RecordID, e.GotPrev, e.AgentID, e.ExpectedPrev)
}

type Ledger struct {
	mu      sync.RWMutex
	agentID string
	backend store.Backend
	records []schemapixel.Record
	logger  *slog.Logger
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// Open loads agentID's sequence from backend and validates it from genesis.
// A corrupt sequence fails with a chain integrity error naming the index.
func Open(ctx context.Context, agentID string, backend store.Backend, logger *slog.Logger) (*Ledger, error) {
	if err := store.ValidateAgentID(agentID); err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, coreerrors.CodeValidationFailure, "provide a non-empty agent id", false)
	}
	if backend == nil {
		return nil, fmt.Errorf("ledger backend is required")
	}
	if logger == nil {
		logger = discardLogger()
	}
	records, err := load(ctx, agentID, backend)
	if err != nil {
		return nil, err
	}
	if err := chain.Validate(records, chain.Options{RequireGenesis: true, AgentID: agentID}).Err(); err != nil {
		logger.Error("ledger failed chain validation on open", slog.String("agent_id", agentID), slog.String("error", err.Error()))
		return nil, err
	}
	logger.Debug("ledger opened", slog.String("agent_id", agentID), slog.Int("records", len(records)))
	return &Ledger{
		agentID: agentID,
		backend: backend,
		records: records,
		logger:  logger.With(slog.String("agent_id", agentID)),
	}, nil
}

// load decodes every stored payload. A payload that does not decode is
// reported as a chain integrity failure at its index.
func load(ctx context.Context, agentID string, backend store.Backend) ([]schemapixel.Record, error) {
	payloads, err := backend.ReadRange(ctx, agentID, 0, 0)
	if err != nil {
		return nil, storageError(err)
	}
	records := make([]schemapixel.Record, 0, len(payloads))
	for index, payload := range payloads {
		record, err := pixel.Unmarshal(payload)
		if err != nil {
			return nil, coreerrors.ChainIntegrity(&chain.IntegrityError{
				Index:  index,
				Reason: chain.ReasonUndecodable,
				Detail: fmt.Sprintf("stored record does not decode: %v", err),
			})
		}
		records = append(records, record)
	}
	return records, nil
}

func storageError(err error) error {
	if coreerrors.CodeOf(err) != "" || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return coreerrors.StorageFailure(err)
}

func (l *Ledger) AgentID() string {
	return l.agentID
}

// Append adds record if it extends the current head.
func (l *Ledger) Append(ctx context.Context, record schemapixel.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	expected := pixel.GenesisHash
	headTimestamp := 0.0
	if n := len(l.records); n > 0 {
		expected = l.records[n-1].SelfHash
		headTimestamp = l.records[n-1].Timestamp
	}
	if record.AgentID != l.agentID {
		return coreerrors.AppendConflict(&ConflictError{
			AgentID:     l.agentID,
			RecordID:    record.RecordID,
			RecordAgent: record.AgentID,
		})
	}
	if record.PrevHash != expected {
		l.logger.Warn("append conflict", slog.String("record_id", record.RecordID), slog.String("expected_prev", expected), slog.String("got_prev", record.PrevHash))
		return coreerrors.AppendConflict(&ConflictError{
			AgentID:      l.agentID,
			RecordID:     record.RecordID,
			ExpectedPrev: expected,
			GotPrev:      record.PrevHash,
		})
	}
	if len(l.records) > 0 && record.Timestamp < headTimestamp {
		l.logger.Warn("append out of time order", slog.String("record_id", record.RecordID), slog.Float64("head_timestamp", headTimestamp), slog.Float64("got_timestamp", record.Timestamp))
		return coreerrors.AppendConflict(&ConflictError{
			AgentID:       l.agentID,
			RecordID:      record.RecordID,
			HeadTimestamp: headTimestamp,
			GotTimestamp:  record.Timestamp,
		})
	}
	if err := pixel.VerifyHash(record); err != nil {
		return coreerrors.ChainIntegrity(&chain.IntegrityError{
			Index:    len(l.records),
			RecordID: record.RecordID,
			Reason:   chain.ReasonHashMismatch,
			Detail:   err.Error(),
		})
	}
	payload, err := pixel.Marshal(record)
	if err != nil {
		return coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, coreerrors.CodeValidationFailure, "record cannot be serialized", false)
	}
	if err := l.backend.AppendDurable(ctx, l.agentID, payload); err != nil {
		l.logger.Error("durable append failed", slog.String("record_id", record.RecordID), slog.String("error", err.Error()))
		return storageError(err)
	}
	l.records = append(l.records, record)
	l.logger.Debug("record appended", slog.String("record_id", record.RecordID), slog.Int("index", len(l.records)-1))
	return nil
}

// Latest returns the head record, or false for an empty ledger.
func (l *Ledger) Latest() (schemapixel.Record, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.records) == 0 {
		return schemapixel.Record{}, false
	}
	return l.records[len(l.records)-1], true
}

func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Records returns a snapshot copy of the whole sequence.
func (l *Ledger) Records() []schemapixel.Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]schemapixel.Record(nil), l.records...)
}

// Range returns the records with from <= timestamp <= to, in ledger order.
func (l *Ledger) Range(from, to float64) []schemapixel.Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]schemapixel.Record, 0)
	for _, record := range l.records {
		if record.Timestamp < from || record.Timestamp > to {
			continue
		}
		out = append(out, record)
	}
	return out
}
