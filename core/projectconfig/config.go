// Package projectconfig loads .qube/config.yaml and applies QUBE_* environment
// overrides on top of it.
package projectconfig

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/goccy/go-yaml"

	"github.com/davidahmann/qube/core/canon"
	"github.com/davidahmann/qube/core/corridor"
	"github.com/davidahmann/qube/core/events"
	"github.com/davidahmann/qube/core/parity"
	"github.com/davidahmann/qube/core/phase"
	"github.com/davidahmann/qube/core/replay"
	"github.com/davidahmann/qube/core/store"
	"github.com/davidahmann/qube/core/store/badgerstore"
	"github.com/davidahmann/qube/core/store/filestore"
)

const DefaultPath = ".qube/config.yaml"

const (
	BackendMemory = "memory"
	BackendJSONL  = "jsonl"
	BackendBadger = "badger"
)

const (
	defaultLedgerPath     = ".qube/ledger"
	defaultQuarantinePath = ".qube/quarantine.jsonl"
)

type Config struct {
	Ledger          LedgerConfig        `yaml:"ledger"`
	Canon           CanonConfig         `yaml:"canon"`
	Parity          ParityConfig        `yaml:"parity"`
	PredictorConfig PredictorConfig     `yaml:"predictor"`
	Drift           replay.Thresholds   `yaml:"drift"`
	Replay          ReplayConfig        `yaml:"replay"`
	Corridors       map[string][]string `yaml:"corridors"`
	Events          []events.Event      `yaml:"events"`
	Quarantine      QuarantineConfig    `yaml:"quarantine"`
}

type LedgerConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
	// SyncWrites applies to the badger backend only.
	SyncWrites *bool `yaml:"sync_writes"`
}

type CanonConfig struct {
	Precision     int     `yaml:"precision"`
	DigestVersion string  `yaml:"digest_version"`
	OmegaScale    float64 `yaml:"omega_scale"`
}

type ParityConfig struct {
	VoxelPattern string `yaml:"voxel_pattern"`
}

// PredictorConfig is a constant baseline forecaster: the predicted vector is
// the baseline at the requested tau. Leaving it disabled makes every ritual
// fail with dependency_missing.
type PredictorConfig struct {
	Enabled bool    `yaml:"enabled"`
	Phi     float64 `yaml:"phi"`
	Psi     float64 `yaml:"psi"`
	Omega   float64 `yaml:"omega"`
}

type ReplayConfig struct {
	Speed float64 `yaml:"speed"`
}

type QuarantineConfig struct {
	Path string `yaml:"path"`
}

// Overrides are read from the environment and win over the file.
type Overrides struct {
	LedgerBackend  string   `env:"QUBE_LEDGER_BACKEND"`
	LedgerPath     string   `env:"QUBE_LEDGER_PATH"`
	DriftWarning   *float64 `env:"QUBE_DRIFT_WARNING"`
	DriftCritical  *float64 `env:"QUBE_DRIFT_CRITICAL"`
	QuarantinePath string   `env:"QUBE_QUARANTINE_PATH"`
}

func Default() Config {
	configuration := Config{}
	configuration.normalize()
	return configuration
}

// Load reads the YAML file at path. A missing file yields the defaults when
// allowMissing is set.
func Load(path string, allowMissing bool) (Config, error) {
	trimmedPath := strings.TrimSpace(path)
	if trimmedPath == "" {
		return Config{}, fmt.Errorf("project config path is required")
	}

	// #nosec G304 -- project config path is explicit local user input.
	content, err := os.ReadFile(trimmedPath)
	if err != nil {
		if os.IsNotExist(err) && allowMissing {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("read project config: %w", err)
	}
	if len(strings.TrimSpace(string(content))) == 0 {
		return Default(), nil
	}

	var configuration Config
	if err := yaml.Unmarshal(content, &configuration); err != nil {
		return Config{}, fmt.Errorf("parse project config: %w", err)
	}
	configuration.normalize()
	return configuration, nil
}

// LoadWithEnv is Load followed by ApplyEnv and Validate.
func LoadWithEnv(path string, allowMissing bool, environment map[string]string) (Config, error) {
	configuration, err := Load(path, allowMissing)
	if err != nil {
		return Config{}, err
	}
	if err := configuration.ApplyEnv(environment); err != nil {
		return Config{}, err
	}
	if err := configuration.Validate(); err != nil {
		return Config{}, err
	}
	return configuration, nil
}

// ApplyEnv applies QUBE_* overrides. A nil environment reads the process
// environment.
func (configuration *Config) ApplyEnv(environment map[string]string) error {
	var overrides Overrides
	options := env.Options{}
	if environment != nil {
		options.Environment = environment
	}
	if err := env.ParseWithOptions(&overrides, options); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	if overrides.LedgerBackend != "" {
		configuration.Ledger.Backend = overrides.LedgerBackend
	}
	if overrides.LedgerPath != "" {
		configuration.Ledger.Path = overrides.LedgerPath
	}
	if overrides.DriftWarning != nil {
		configuration.Drift.Warning = *overrides.DriftWarning
	}
	if overrides.DriftCritical != nil {
		configuration.Drift.Critical = *overrides.DriftCritical
	}
	if overrides.QuarantinePath != "" {
		configuration.Quarantine.Path = overrides.QuarantinePath
	}
	configuration.normalize()
	return nil
}

func (configuration *Config) normalize() {
	configuration.Ledger.Backend = strings.ToLower(strings.TrimSpace(configuration.Ledger.Backend))
	if configuration.Ledger.Backend == "" {
		configuration.Ledger.Backend = BackendJSONL
	}
	configuration.Ledger.Path = strings.TrimSpace(configuration.Ledger.Path)
	if configuration.Ledger.Path == "" && configuration.Ledger.Backend != BackendMemory {
		configuration.Ledger.Path = defaultLedgerPath
	}
	if configuration.Canon.Precision == 0 {
		configuration.Canon.Precision = canon.DefaultPrecision
	}
	configuration.Canon.DigestVersion = strings.TrimSpace(configuration.Canon.DigestVersion)
	if configuration.Canon.DigestVersion == "" {
		configuration.Canon.DigestVersion = canon.DefaultDigestVersion
	}
	if configuration.Canon.OmegaScale == 0 {
		configuration.Canon.OmegaScale = canon.DefaultOmegaScale
	}
	configuration.Parity.VoxelPattern = strings.TrimSpace(configuration.Parity.VoxelPattern)
	if configuration.Parity.VoxelPattern == "" {
		configuration.Parity.VoxelPattern = parity.DefaultVoxelPattern
	}
	if configuration.Drift == (replay.Thresholds{}) {
		configuration.Drift = replay.DefaultThresholds()
	}
	if configuration.Replay.Speed == 0 {
		configuration.Replay.Speed = 1
	}
	if len(configuration.Corridors) == 0 {
		configuration.Corridors = corridor.DefaultAdjacency()
	}
	if len(configuration.Events) == 0 {
		configuration.Events = []events.Event{{Reference: "EVENT_001"}, {Reference: "EVENT_002"}}
	}
	configuration.Quarantine.Path = strings.TrimSpace(configuration.Quarantine.Path)
	if configuration.Quarantine.Path == "" {
		configuration.Quarantine.Path = defaultQuarantinePath
	}
}

func (configuration Config) Validate() error {
	switch configuration.Ledger.Backend {
	case BackendMemory, BackendJSONL, BackendBadger:
	default:
		return fmt.Errorf("unsupported ledger backend %q (expected memory, jsonl or badger)", configuration.Ledger.Backend)
	}
	if configuration.Canon.Precision < 1 || configuration.Canon.Precision > 12 {
		return fmt.Errorf("canon.precision must be between 1 and 12")
	}
	if !positiveFinite(configuration.Canon.OmegaScale) {
		return fmt.Errorf("canon.omega_scale must be a positive finite number")
	}
	if _, err := regexp.Compile(configuration.Parity.VoxelPattern); err != nil {
		return fmt.Errorf("parity.voxel_pattern: %w", err)
	}
	if err := configuration.Drift.Validate(); err != nil {
		return err
	}
	if !positiveFinite(configuration.Replay.Speed) {
		return fmt.Errorf("replay.speed must be a positive finite number")
	}
	if configuration.PredictorConfig.Enabled {
		baseline := phase.Vector{Phi: configuration.PredictorConfig.Phi, Psi: configuration.PredictorConfig.Psi, Omega: configuration.PredictorConfig.Omega}
		if err := baseline.CheckBounds(); err != nil {
			return fmt.Errorf("predictor baseline: %w", err)
		}
	}
	if _, err := configuration.Graph(); err != nil {
		return fmt.Errorf("corridors: %w", err)
	}
	if _, err := configuration.Lattice(); err != nil {
		return fmt.Errorf("events: %w", err)
	}
	return nil
}

func positiveFinite(value float64) bool {
	return value > 0 && !math.IsNaN(value) && !math.IsInf(value, 0)
}

func (configuration Config) Graph() (*corridor.StaticGraph, error) {
	return corridor.NewStaticGraph(configuration.Corridors)
}

func (configuration Config) Lattice() (*events.StaticLattice, error) {
	return events.NewStaticLattice(configuration.Events)
}

func (configuration Config) CanonOptions() canon.Options {
	return canon.Options{
		Precision:     configuration.Canon.Precision,
		DigestVersion: configuration.Canon.DigestVersion,
		OmegaScale:    configuration.Canon.OmegaScale,
	}
}

func (configuration Config) ParityOptions() parity.Options {
	return parity.Options{VoxelPattern: configuration.Parity.VoxelPattern}
}

// Predictor returns the configured baseline forecaster, or nil when disabled.
func (configuration Config) Predictor() canon.Predictor {
	if !configuration.PredictorConfig.Enabled {
		return nil
	}
	baseline := configuration.PredictorConfig
	return canon.PredictorFunc(func(_ context.Context, tau float64) (phase.Vector, error) {
		return phase.Vector{Phi: baseline.Phi, Psi: baseline.Psi, Omega: baseline.Omega, Tau: tau}, nil
	})
}

// OpenBackend opens the configured ledger storage. Relative paths resolve
// against baseDir.
func (configuration Config) OpenBackend(baseDir string, logger *slog.Logger) (store.Backend, error) {
	path := configuration.Ledger.Path
	if path != "" && !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}
	switch configuration.Ledger.Backend {
	case BackendMemory:
		return store.NewMemory(), nil
	case BackendJSONL:
		fileStore, err := filestore.Open(path)
		if err != nil {
			return nil, err
		}
		return fileStore, nil
	case BackendBadger:
		badgerConfig := badgerstore.DefaultConfig(path)
		badgerConfig.Logger = logger
		if configuration.Ledger.SyncWrites != nil {
			badgerConfig.SyncWrites = *configuration.Ledger.SyncWrites
		}
		badgerStore, err := badgerstore.Open(badgerConfig)
		if err != nil {
			return nil, err
		}
		return badgerStore, nil
	default:
		return nil, fmt.Errorf("unsupported ledger backend %q", configuration.Ledger.Backend)
	}
}
