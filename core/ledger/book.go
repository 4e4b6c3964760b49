package ledger

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/davidahmann/qube/core/chain"
	schemapixel "github.com/davidahmann/qube/core/schema/v1/pixel"
	"github.com/davidahmann/qube/core/store"
)

// Book is the registry of per-agent ledgers over one backend. Ledgers are
// opened on first use; different agents never contend.
type Book struct {
	mu      sync.Mutex
	backend store.Backend
	logger  *slog.Logger
	ledgers map[string]*Ledger
}

func NewBook(backend store.Backend, logger *slog.Logger) *Book {
	if logger == nil {
		logger = discardLogger()
	}
	return &Book{
		backend: backend,
		logger:  logger,
		ledgers: map[string]*Ledger{},
	}
}

// Ledger returns agentID's ledger, opening and validating it on first use.
func (b *Book) Ledger(ctx context.Context, agentID string) (*Ledger, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.ledgers[agentID]; ok {
		return existing, nil
	}
	opened, err := Open(ctx, agentID, b.backend, b.logger)
	if err != nil {
		return nil, err
	}
	b.ledgers[agentID] = opened
	return opened, nil
}

func (b *Book) Append(ctx context.Context, record schemapixel.Record) error {
	target, err := b.Ledger(ctx, record.AgentID)
	if err != nil {
		return err
	}
	return target.Append(ctx, record)
}

func (b *Book) Range(ctx context.Context, agentID string, from, to float64) ([]schemapixel.Record, error) {
	target, err := b.Ledger(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return target.Range(from, to), nil
}

// Agents lists every agent with a stored sequence or an open ledger.
func (b *Book) Agents(ctx context.Context) ([]string, error) {
	stored, err := b.backend.Agents(ctx)
	if err != nil {
		return nil, storageError(err)
	}
	seen := map[string]struct{}{}
	for _, agentID := range stored {
		seen[agentID] = struct{}{}
	}
	b.mu.Lock()
	for agentID := range b.ledgers {
		seen[agentID] = struct{}{}
	}
	b.mu.Unlock()
	agents := make([]string, 0, len(seen))
	for agentID := range seen {
		agents = append(agents, agentID)
	}
	sort.Strings(agents)
	return agents, nil
}

// VerifyAll re-reads every agent's sequence from the backend and validates
// the chains concurrently. Decode failures are reported as chain failures.
func (b *Book) VerifyAll(ctx context.Context, concurrency int) (map[string]chain.Result, error) {
	agents, err := b.Agents(ctx)
	if err != nil {
		return nil, err
	}
	undecodable := sync.Map{}
	results, err := chain.VerifyAll(ctx, agents, func(ctx context.Context, agentID string) ([]schemapixel.Record, error) {
		records, loadErr := load(ctx, agentID, b.backend)
		if loadErr != nil {
			if result, ok := decodeFailure(loadErr); ok {
				undecodable.Store(agentID, result)
				return nil, nil
			}
			return nil, loadErr
		}
		return records, nil
	}, concurrency)
	if err != nil {
		return nil, err
	}
	undecodable.Range(func(key, value any) bool {
		results[key.(string)] = value.(chain.Result)
		return true
	})
	for agentID, result := range results {
		if !result.OK {
			b.logger.Warn("chain verification failed", slog.String("agent_id", agentID), slog.Int("index", result.FailureIndex), slog.String("reason", string(result.Reason)))
		}
	}
	return results, nil
}

func decodeFailure(err error) (chain.Result, bool) {
	var integrity *chain.IntegrityError
	if !errors.As(err, &integrity) {
		return chain.Result{}, false
	}
	return chain.Result{
		Checked:      integrity.Index,
		FailureIndex: integrity.Index,
		Reason:       integrity.Reason,
		RecordID:     integrity.RecordID,
		Detail:       integrity.Detail,
	}, true
}
