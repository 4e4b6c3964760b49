// Package filestore keeps one JSONL file per agent, one serialized record per
// line, appended under a lock file and fsynced before the append returns.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	coreerrors "github.com/davidahmann/qube/core/errors"
	"github.com/davidahmann/qube/core/fsx"
	"github.com/davidahmann/qube/core/store"
)

const fileSuffix = ".jsonl"

type Store struct {
	dir   string
	mode  os.FileMode
	locks fsx.LockOptions
}

type Option func(*Store)

func WithLockOptions(options fsx.LockOptions) Option {
	return func(s *Store) {
		s.locks = options
	}
}

func WithFileMode(mode os.FileMode) Option {
	return func(s *Store) {
		if mode != 0 {
			s.mode = mode
		}
	}
}

func Open(dir string, options ...Option) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("ledger directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	s := &Store{dir: dir, mode: 0o600, locks: fsx.DefaultLockOptions()}
	for _, option := range options {
		option(s)
	}
	return s, nil
}

// PathFor returns the file holding agentID's sequence.
func (s *Store) PathFor(agentID string) string {
	return filepath.Join(s.dir, url.PathEscape(agentID)+fileSuffix)
}

func (s *Store) AppendDurable(ctx context.Context, agentID string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := store.ValidateAgentID(agentID); err != nil {
		return err
	}
	err := fsx.AppendLineLockedWith(s.PathFor(agentID), payload, s.mode, s.locks)
	if errors.Is(err, fsx.ErrLockTimeout) {
		return coreerrors.AppendConflict(fmt.Errorf("ledger file for %s is locked by another writer: %w", agentID, err))
	}
	return err
}

func (s *Store) ReadRange(ctx context.Context, agentID string, offset, limit int) ([][]byte, error) {
	if err := store.ValidateAgentID(agentID); err != nil {
		return nil, err
	}
	var all [][]byte
	err := fsx.ReadLines(s.PathFor(agentID), func(_ int, line []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		all = append(all, append([]byte(nil), line...))
		return nil
	})
	if err != nil {
		return nil, err
	}
	start, end := store.Window(len(all), offset, limit)
	return all[start:end], nil
}

func (s *Store) Agents(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list ledger directory: %w", err)
	}
	agents := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, fileSuffix) || strings.HasPrefix(name, ".") {
			continue
		}
		agentID, err := url.PathUnescape(strings.TrimSuffix(name, fileSuffix))
		if err != nil {
			continue
		}
		agents = append(agents, agentID)
	}
	sort.Strings(agents)
	return agents, nil
}

func (s *Store) Close() error {
	return nil
}
