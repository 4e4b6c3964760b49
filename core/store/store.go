// Package store defines where sealed records live between process runs.
//
// A Backend holds one ordered, append-only sequence of serialized records per
// agent. Backends know nothing about hashes or linkage; the ledger decides
// what may be appended and validates what it reads back.
package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

type Backend interface {
	// AppendDurable returns only after payload is persisted at the end of
	// the agent's sequence.
	AppendDurable(ctx context.Context, agentID string, payload []byte) error
	// ReadRange returns up to limit payloads starting at offset, in append
	// order. limit <= 0 reads to the end.
	ReadRange(ctx context.Context, agentID string, offset, limit int) ([][]byte, error)
	Agents(ctx context.Context) ([]string, error)
	Close() error
}

// ValidateAgentID rejects ids no backend can key a sequence by.
func ValidateAgentID(agentID string) error {
	if strings.TrimSpace(agentID) == "" {
		return fmt.Errorf("agent id is required")
	}
	if agentID == "." || agentID == ".." {
		return fmt.Errorf("agent id %q is reserved", agentID)
	}
	return nil
}

// Window clamps offset and limit to a sequence of length total and returns
// the half-open index range to read.
func Window(total, offset, limit int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return offset, end
}

// Memory keeps sequences in process memory. Durable only for the life of
// the process; used by tests and the emit command's dry runs.
type Memory struct {
	mu        sync.RWMutex
	sequences map[string][][]byte
	closed    bool
}

func NewMemory() *Memory {
	return &Memory{sequences: map[string][][]byte{}}
}

func (m *Memory) AppendDurable(ctx context.Context, agentID string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateAgentID(agentID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("memory store closed")
	}
	m.sequences[agentID] = append(m.sequences[agentID], append([]byte(nil), payload...))
	return nil
}

func (m *Memory) ReadRange(ctx context.Context, agentID string, offset, limit int) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, fmt.Errorf("memory store closed")
	}
	sequence := m.sequences[agentID]
	start, end := Window(len(sequence), offset, limit)
	out := make([][]byte, 0, end-start)
	for _, payload := range sequence[start:end] {
		out = append(out, append([]byte(nil), payload...))
	}
	return out, nil
}

func (m *Memory) Agents(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	agents := make([]string, 0, len(m.sequences))
	for agentID := range m.sequences {
		agents = append(agents, agentID)
	}
	sort.Strings(agents)
	return agents, nil
}

// Overwrite replaces one stored payload in place. It exists so tests can
// simulate storage corruption; ledgers never call it.
func (m *Memory) Overwrite(agentID string, index int, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sequence := m.sequences[agentID]
	if index < 0 || index >= len(sequence) {
		return fmt.Errorf("index %d outside sequence of %d", index, len(sequence))
	}
	sequence[index] = append([]byte(nil), payload...)
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
