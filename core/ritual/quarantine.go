package ritual

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/davidahmann/qube/core/fsx"
	schemapixel "github.com/davidahmann/qube/core/schema/v1/pixel"
)

const (
	QuarantineSchemaID      = "qube.ritual.quarantine"
	QuarantineSchemaVersion = "1.0.0"

	StageCanonicalize = "canonicalize"
	StageParity       = "parity"
)

// QuarantineSink receives states that failed the ritual before sealing.
type QuarantineSink interface {
	Quarantine(ctx context.Context, entry schemapixel.QuarantineEntry) error
}

type MemoryQuarantine struct {
	mu      sync.Mutex
	entries []schemapixel.QuarantineEntry
}

func NewMemoryQuarantine() *MemoryQuarantine {
	return &MemoryQuarantine{}
}

func (m *MemoryQuarantine) Quarantine(_ context.Context, entry schemapixel.QuarantineEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *MemoryQuarantine) Entries() []schemapixel.QuarantineEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]schemapixel.QuarantineEntry(nil), m.entries...)
}

// FileQuarantine appends one JSON entry per line to a file shared by every
// agent.
type FileQuarantine struct {
	path string
}

func NewFileQuarantine(path string) *FileQuarantine {
	return &FileQuarantine{path: path}
}

func (f *FileQuarantine) Path() string {
	return f.path
}

func (f *FileQuarantine) Quarantine(ctx context.Context, entry schemapixel.QuarantineEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode quarantine entry: %w", err)
	}
	return fsx.AppendLineLocked(f.path, line, 0o600)
}

// ReadQuarantine loads every entry written by a FileQuarantine.
func ReadQuarantine(path string) ([]schemapixel.QuarantineEntry, error) {
	var entries []schemapixel.QuarantineEntry
	err := fsx.ReadLines(path, func(lineNumber int, line []byte) error {
		var entry schemapixel.QuarantineEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return fmt.Errorf("quarantine line %d: %w", lineNumber, err)
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}
