package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/davidahmann/qube/core/canon"
	coreerrors "github.com/davidahmann/qube/core/errors"
	"github.com/davidahmann/qube/core/fsx"
	"github.com/davidahmann/qube/core/parity"
	"github.com/davidahmann/qube/core/phase"
	"github.com/davidahmann/qube/core/ritual"
)

// stateInput is one line of an emit input file.
type stateInput struct {
	AgentID         string       `json:"agent_id"`
	ObservedAt      string       `json:"observed_at,omitempty"`
	StateVector     phase.Vector `json:"state_vector"`
	Corridor        string       `json:"corridor"`
	IntentEmbedding []float64    `json:"intent_embedding"`
	EventReference  string       `json:"event_reference"`
	VoxelSignature  string       `json:"voxel_signature"`
}

func (input stateInput) agentState() (canon.AgentState, error) {
	state := canon.AgentState{
		AgentID:         input.AgentID,
		Vector:          input.StateVector,
		Corridor:        input.Corridor,
		IntentEmbedding: input.IntentEmbedding,
		EventReference:  input.EventReference,
		VoxelSignature:  input.VoxelSignature,
	}
	if observed := strings.TrimSpace(input.ObservedAt); observed != "" {
		parsed, err := time.Parse(time.RFC3339Nano, observed)
		if err != nil {
			return canon.AgentState{}, fmt.Errorf("observed_at: %w", err)
		}
		state.ObservedAt = parsed
	}
	return state, nil
}

type emitSealed struct {
	Line     int     `json:"line"`
	AgentID  string  `json:"agent_id"`
	RecordID string  `json:"record_id"`
	Hash     string  `json:"hash"`
	Autonomy float64 `json:"autonomy_index"`
}

type emitRejected struct {
	Line      int    `json:"line"`
	AgentID   string `json:"agent_id,omitempty"`
	ErrorCode string `json:"error_code"`
	Error     string `json:"error"`
}

type emitOutput struct {
	OK             bool               `json:"ok"`
	Sealed         []emitSealed       `json:"sealed,omitempty"`
	Rejected       []emitRejected     `json:"rejected,omitempty"`
	QuarantinePath string             `json:"quarantine_path,omitempty"`
	Metrics        map[string]float64 `json:"metrics,omitempty"`
	errorFields
}

func runEmit(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Run the seal ritual for each agent state in a JSONL file: canonicalize, validate parity, seal and append. Rejected states go to quarantine.")
	}
	arguments = reorderInterspersedFlags(arguments, map[string]bool{"input": true})
	var common commonFlags
	var inputPath string
	flagSet := newFlagSet("emit", &common)
	flagSet.StringVar(&inputPath, "input", "", "JSONL file of agent states")

	if err := flagSet.Parse(arguments); err != nil {
		return writeEmitOutput(common.jsonOutput, emitOutput{errorFields: failure(err, exitInvalidInput)}, exitInvalidInput)
	}
	if common.help {
		printUsage()
		return exitOK
	}
	if strings.TrimSpace(inputPath) == "" {
		err := fmt.Errorf("--input is required")
		return writeEmitOutput(common.jsonOutput, emitOutput{errorFields: failure(err, exitInvalidInput)}, exitInvalidInput)
	}

	current, err := openSession(common)
	if err != nil {
		exitCode := exitCodeForError(err, exitInternalFailure)
		return writeEmitOutput(common.jsonOutput, emitOutput{errorFields: failure(err, exitCode)}, exitCode)
	}
	defer current.Close()

	registry := prometheus.NewRegistry()
	runner, err := newRitual(current, registry)
	if err != nil {
		exitCode := exitCodeForError(err, exitInvalidInput)
		return writeEmitOutput(common.jsonOutput, emitOutput{errorFields: failure(err, exitCode)}, exitCode)
	}

	ctx := context.Background()
	output := emitOutput{QuarantinePath: current.config.Quarantine.Path}
	var firstErr error
	readErr := fsx.ReadLines(inputPath, func(lineNumber int, line []byte) error {
		var input stateInput
		if err := json.Unmarshal(line, &input); err != nil {
			return coreerrors.Wrap(fmt.Errorf("input line %d: %w", lineNumber, err), coreerrors.CategoryInvalidInput, "invalid_input", "each line must be one JSON agent state", false)
		}
		state, err := input.agentState()
		if err == nil {
			record, runErr := runner.Run(ctx, state)
			if runErr == nil {
				output.Sealed = append(output.Sealed, emitSealed{
					Line:     lineNumber,
					AgentID:  record.AgentID,
					RecordID: record.RecordID,
					Hash:     record.SelfHash,
					Autonomy: record.AutonomyIndex,
				})
				return nil
			}
			err = runErr
		}
		if firstErr == nil {
			firstErr = err
		}
		output.Rejected = append(output.Rejected, emitRejected{
			Line:      lineNumber,
			AgentID:   input.AgentID,
			ErrorCode: failure(err, exitInvalidInput).ErrorCode,
			Error:     err.Error(),
		})
		// The predictor and storage do not recover between lines.
		if coreerrors.Is(err, coreerrors.CodeDependencyMissing) || coreerrors.Is(err, coreerrors.CodeStorageFailure) {
			return err
		}
		return nil
	})
	output.Metrics = gatherCounters(registry, current)
	if readErr != nil && firstErr == nil {
		firstErr = readErr
	}
	if firstErr != nil {
		exitCode := exitCodeForError(firstErr, exitInvalidInput)
		output.errorFields = failure(firstErr, exitCode)
		return writeEmitOutput(common.jsonOutput, output, exitCode)
	}
	output.OK = true
	return writeEmitOutput(common.jsonOutput, output, exitOK)
}

func newRitual(current *session, registry prometheus.Registerer) (*ritual.Ritual, error) {
	canonicalizer, err := canon.New(current.config.Predictor(), current.config.CanonOptions())
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, "invalid_config", "check the canon section of the project config", false)
	}
	validator, err := newValidator(current)
	if err != nil {
		return nil, err
	}
	return ritual.New(ritual.Config{
		Canonicalizer: canonicalizer,
		Validator:     validator,
		Book:          current.book,
		Quarantine:    ritual.NewFileQuarantine(current.config.Quarantine.Path),
		Registerer:    registry,
		Logger:        current.logger,
	})
}

func newValidator(current *session) (*parity.Validator, error) {
	graph, err := current.config.Graph()
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, "invalid_config", "check the corridors section of the project config", false)
	}
	lattice, err := current.config.Lattice()
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, "invalid_config", "check the events section of the project config", false)
	}
	validator, err := parity.NewValidator(graph, lattice, current.config.ParityOptions())
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, "invalid_config", "check the parity section of the project config", false)
	}
	return validator, nil
}

// gatherCounters flattens the counters in registry into name{label=value}
// keys for the command output.
func gatherCounters(registry *prometheus.Registry, current *session) map[string]float64 {
	families, err := registry.Gather()
	if err != nil {
		current.logger.Warn("gather ritual metrics", slog.String("error", err.Error()))
		return nil
	}
	counters := map[string]float64{}
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			if metric.GetCounter() == nil {
				continue
			}
			labels := make([]string, 0, len(metric.GetLabel()))
			for _, label := range metric.GetLabel() {
				labels = append(labels, label.GetName()+"="+label.GetValue())
			}
			sort.Strings(labels)
			key := family.GetName()
			if len(labels) > 0 {
				key += "{" + strings.Join(labels, ",") + "}"
			}
			counters[key] = metric.GetCounter().GetValue()
		}
	}
	return counters
}

func writeEmitOutput(jsonOutput bool, output emitOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	for _, sealed := range output.Sealed {
		fmt.Printf("sealed line=%d agent=%s record=%s hash=%s\n", sealed.Line, sealed.AgentID, sealed.RecordID, sealed.Hash)
	}
	for _, rejected := range output.Rejected {
		fmt.Printf("rejected line=%d agent=%s code=%s: %s\n", rejected.Line, rejected.AgentID, rejected.ErrorCode, rejected.Error)
	}
	if output.OK {
		fmt.Printf("emit ok: %d sealed\n", len(output.Sealed))
		return exitCode
	}
	fmt.Printf("emit error: %s\n", output.Error)
	return exitCode
}
