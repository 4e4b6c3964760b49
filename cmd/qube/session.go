package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/davidahmann/qube/core/chain"
	coreerrors "github.com/davidahmann/qube/core/errors"
	"github.com/davidahmann/qube/core/ledger"
	"github.com/davidahmann/qube/core/pixel"
	"github.com/davidahmann/qube/core/projectconfig"
	schemapixel "github.com/davidahmann/qube/core/schema/v1/pixel"
	"github.com/davidahmann/qube/core/store"
)

// session is the resolved configuration plus an open ledger backend.
type session struct {
	config  projectconfig.Config
	backend store.Backend
	book    *ledger.Book
	logger  *slog.Logger
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func loadConfig(common commonFlags) (projectconfig.Config, error) {
	configuration, err := projectconfig.LoadWithEnv(common.configPath, true, nil)
	if err != nil {
		return projectconfig.Config{}, coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, "invalid_config", "fix the project config file or QUBE_* overrides", false)
	}
	return configuration, nil
}

func openSession(common commonFlags) (*session, error) {
	configuration, err := loadConfig(common)
	if err != nil {
		return nil, err
	}
	logger := newLogger(common.verbose)
	backend, err := configuration.OpenBackend(".", logger)
	if err != nil {
		return nil, coreerrors.StorageFailure(fmt.Errorf("open %s ledger: %w", configuration.Ledger.Backend, err))
	}
	logger.Debug("ledger opened", slog.String("backend", configuration.Ledger.Backend), slog.String("path", configuration.Ledger.Path))
	return &session{
		config:  configuration,
		backend: backend,
		book:    ledger.NewBook(backend, logger),
		logger:  logger,
	}, nil
}

func (s *session) Close() {
	if err := s.backend.Close(); err != nil {
		s.logger.Warn("close ledger backend", slog.String("error", err.Error()))
	}
}

// readRecords decodes the stored sequence of agentID without validating the
// chain. With lenient set a payload that fails to decode ends the sequence
// instead of failing the read, and the returned result names where it broke.
func (s *session) readRecords(ctx context.Context, agentID string, lenient bool) ([]schemapixel.Record, chain.Result, error) {
	intact := chain.Result{OK: true, FailureIndex: -1}
	if err := store.ValidateAgentID(agentID); err != nil {
		return nil, intact, coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, "invalid_agent_id", "pass --agent", false)
	}
	payloads, err := s.backend.ReadRange(ctx, agentID, 0, 0)
	if err != nil {
		return nil, intact, coreerrors.StorageFailure(err)
	}
	if len(payloads) == 0 {
		return nil, intact, coreerrors.NotFound(fmt.Errorf("agent %s has no records", agentID))
	}
	records := make([]schemapixel.Record, 0, len(payloads))
	for index, payload := range payloads {
		record, err := pixel.Unmarshal(payload)
		if err != nil {
			broken := chain.Result{
				Checked:      index,
				FailureIndex: index,
				Reason:       chain.ReasonUndecodable,
				Detail:       fmt.Sprintf("stored record does not decode: %v", err),
			}
			if lenient {
				s.logger.Warn("stored record does not decode; truncating", slog.String("agent_id", agentID), slog.Int("index", index))
				return records, broken, nil
			}
			return nil, intact, broken.Err()
		}
		records = append(records, record)
	}
	intact.Checked = len(records)
	return records, intact, nil
}
