// Package badgerstore keeps record sequences in an embedded BadgerDB.
//
// Each agent has a sequence counter key and one key per record. Keys carry a
// length-prefixed agent id so that no agent's range can overlap another's:
//
//	'r' | uint16 len | agentID | uint64 seq  -> serialized record
//	's' | uint16 len | agentID               -> next seq
package badgerstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	coreerrors "github.com/davidahmann/qube/core/errors"
	"github.com/davidahmann/qube/core/store"
)

const (
	recordPrefix  byte = 'r'
	counterPrefix byte = 's'
	maxAgentIDLen      = 1<<16 - 1
)

type Config struct {
	// Path is ignored when InMemory is true.
	Path     string
	InMemory bool
	// SyncWrites must stay on for AppendDurable to mean durable.
	SyncWrites bool
	Logger     *slog.Logger

	// GCInterval of zero disables value log garbage collection.
	GCInterval     time.Duration
	GCDiscardRatio float64
}

func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger routes BadgerDB's internal logging through slog.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

type Store struct {
	db       *badger.DB
	gcRunner *gcRunner
}

func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger path is required for a persistent ledger")
	}
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create badger directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger.With(slog.String("component", "badger"))})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	s := &Store{db: db}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		runner, err := newGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		s.gcRunner = runner
		runner.start()
	}
	return s, nil
}

func agentKey(prefix byte, agentID string) []byte {
	key := make([]byte, 0, 3+len(agentID)+8)
	key = append(key, prefix)
	key = binary.BigEndian.AppendUint16(key, uint16(len(agentID)))
	return append(key, agentID...)
}

func recordKey(agentID string, seq uint64) []byte {
	return binary.BigEndian.AppendUint64(agentKey(recordPrefix, agentID), seq)
}

func validateAgent(agentID string) error {
	if err := store.ValidateAgentID(agentID); err != nil {
		return err
	}
	if len(agentID) > maxAgentIDLen {
		return fmt.Errorf("agent id exceeds %d bytes", maxAgentIDLen)
	}
	return nil
}

func (s *Store) AppendDurable(ctx context.Context, agentID string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateAgent(agentID); err != nil {
		return err
	}
	counter := agentKey(counterPrefix, agentID)
	err := s.db.Update(func(txn *badger.Txn) error {
		next := uint64(0)
		item, err := txn.Get(counter)
		switch {
		case err == nil:
			if err := item.Value(func(val []byte) error {
				if len(val) != 8 {
					return fmt.Errorf("corrupt sequence counter for %s", agentID)
				}
				next = binary.BigEndian.Uint64(val)
				return nil
			}); err != nil {
				return err
			}
		case errors.Is(err, badger.ErrKeyNotFound):
		default:
			return err
		}
		if err := txn.Set(recordKey(agentID, next), payload); err != nil {
			return err
		}
		return txn.Set(counter, binary.BigEndian.AppendUint64(nil, next+1))
	})
	if errors.Is(err, badger.ErrConflict) {
		return coreerrors.AppendConflict(fmt.Errorf("concurrent append to %s: %w", agentID, err))
	}
	if err != nil {
		return fmt.Errorf("badger append: %w", err)
	}
	return nil
}

func (s *Store) ReadRange(ctx context.Context, agentID string, offset, limit int) ([][]byte, error) {
	if err := validateAgent(agentID); err != nil {
		return nil, err
	}
	if offset < 0 {
		offset = 0
	}
	prefix := agentKey(recordPrefix, agentID)
	var out [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(recordKey(agentID, uint64(offset))); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if limit > 0 && len(out) >= limit {
				break
			}
			value, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			out = append(out, value)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger read: %w", err)
	}
	return out, nil
}

func (s *Store) Agents(ctx context.Context) ([]string, error) {
	var agents []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte{counterPrefix}
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			key := it.Item().Key()
			if len(key) < 3 {
				continue
			}
			size := int(binary.BigEndian.Uint16(key[1:3]))
			if len(key) != 3+size {
				continue
			}
			agents = append(agents, string(key[3:]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger list agents: %w", err)
	}
	return agents, nil
}

func (s *Store) Close() error {
	if s.gcRunner != nil {
		s.gcRunner.stop()
	}
	return s.db.Close()
}

// gcRunner periodically reclaims value log space.
type gcRunner struct {
	db       *badger.DB
	interval time.Duration
	ratio    float64
	logger   *slog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func newGCRunner(db *badger.DB, interval time.Duration, ratio float64, logger *slog.Logger) (*gcRunner, error) {
	if ratio <= 0 || ratio > 1 {
		return nil, fmt.Errorf("gc discard ratio must be in (0, 1], got %v", ratio)
	}
	return &gcRunner{
		db:       db,
		interval: interval,
		ratio:    ratio,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

func (r *gcRunner) start() {
	go r.run()
}

func (r *gcRunner) stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *gcRunner) run() {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			err := r.db.RunValueLogGC(r.ratio)
			// ErrNoRewrite means there was nothing worth collecting.
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) && r.logger != nil {
				r.logger.Warn("badger value log gc failed", slog.String("error", err.Error()))
			}
		}
	}
}
