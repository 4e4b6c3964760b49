package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/davidahmann/qube/core/chain"
	coreerrors "github.com/davidahmann/qube/core/errors"
	"github.com/davidahmann/qube/core/replay"
)

type replayOutput struct {
	OK        bool          `json:"ok"`
	AgentID   string        `json:"agent_id,omitempty"`
	Mode      string        `json:"mode,omitempty"`
	Query     float64       `json:"t,omitempty"`
	State     *replay.State `json:"state,omitempty"`
	Frames    int           `json:"frames,omitempty"`
	Integrity *chain.Result `json:"integrity,omitempty"`
	errorFields
}

func runReplay(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Reconstruct an agent's state from its ledger: exact lookup, interpolation between records, or paced playback.")
	}
	if len(arguments) == 0 {
		printUsage()
		return exitInvalidInput
	}
	mode := arguments[0]
	switch mode {
	case "at", "interpolate", "play":
	case "--help", "-h":
		printUsage()
		return exitOK
	default:
		printUsage()
		return exitInvalidInput
	}
	arguments = reorderInterspersedFlags(arguments[1:], map[string]bool{
		"agent":           true,
		"t":               true,
		"speed":           true,
		"sample-interval": true,
		"max-pause":       true,
	})
	var common commonFlags
	var agentID string
	var query float64
	var override bool
	var speed float64
	var sampleInterval float64
	var maxPause time.Duration
	flagSet := newFlagSet("replay-"+mode, &common)
	flagSet.StringVar(&agentID, "agent", "", "agent id")
	flagSet.Float64Var(&query, "t", 0, "ledger timestamp (unix seconds)")
	flagSet.BoolVar(&override, "override", false, "serve the verified prefix of a broken chain")
	flagSet.Float64Var(&speed, "speed", 0, "playback speed multiplier (default from config)")
	flagSet.Float64Var(&sampleInterval, "sample-interval", 0, "emit interpolated samples every N ledger seconds")
	flagSet.DurationVar(&maxPause, "max-pause", 0, "cap the wait between two frames")

	if err := flagSet.Parse(arguments); err != nil {
		return writeReplayOutput(common.jsonOutput, replayOutput{errorFields: failure(err, exitInvalidInput)}, exitInvalidInput)
	}
	if common.help {
		printUsage()
		return exitOK
	}
	if strings.TrimSpace(agentID) == "" {
		return writeReplayOutput(common.jsonOutput, replayOutput{errorFields: failure(fmt.Errorf("--agent is required"), exitInvalidInput)}, exitInvalidInput)
	}

	current, err := openSession(common)
	if err != nil {
		exitCode := exitCodeForError(err, exitInternalFailure)
		return writeReplayOutput(common.jsonOutput, replayOutput{errorFields: failure(err, exitCode)}, exitCode)
	}
	defer current.Close()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	engine, integrity, err := openEngine(ctx, current, agentID, override)
	output := replayOutput{AgentID: agentID, Mode: mode}
	if !integrity.OK {
		output.Integrity = &integrity
	}
	if err != nil {
		exitCode := exitCodeForError(err, exitInvalidInput)
		output.errorFields = failure(err, exitCode)
		return writeReplayOutput(common.jsonOutput, output, exitCode)
	}

	switch mode {
	case "play":
		if speed == 0 {
			speed = current.config.Replay.Speed
		}
		encoder := json.NewEncoder(os.Stdout)
		err = engine.Play(ctx, replay.PlayOptions{Speed: speed, SampleInterval: sampleInterval, MaxPause: maxPause}, func(state replay.State) error {
			output.Frames++
			if common.jsonOutput {
				return encoder.Encode(state)
			}
			fmt.Printf("t=%.6f phi=%.4f psi=%.4f omega=%.4f tau=%.4f corridor=%s interpolated=%t\n",
				state.Timestamp, state.Vector.Phi, state.Vector.Psi, state.Vector.Omega, state.Vector.Tau, state.Corridor, state.Interpolated)
			return nil
		})
	default:
		var state replay.State
		if mode == "at" {
			state, err = engine.At(query)
		} else {
			state, err = engine.Interpolate(query)
		}
		output.Query = query
		output.State = &state
	}
	if err != nil {
		exitCode := exitCodeForError(err, exitInvalidInput)
		output.State = nil
		output.errorFields = failure(err, exitCode)
		return writeReplayOutput(common.jsonOutput, output, exitCode)
	}
	output.OK = true
	return writeReplayOutput(common.jsonOutput, output, exitOK)
}

// openEngine loads agentID's sequence and builds a replay engine. A broken
// chain fails unless override is set. The returned result is the first break
// the override skipped, either an undecodable payload or a chain failure.
func openEngine(ctx context.Context, current *session, agentID string, override bool) (*replay.Engine, chain.Result, error) {
	records, decoded, err := current.readRecords(ctx, agentID, override)
	if err != nil {
		return nil, decoded, err
	}
	options := []replay.Option{replay.WithLogger(current.logger)}
	if override {
		options = append(options, replay.WithOverride())
	}
	engine, err := replay.New(records, options...)
	if err != nil {
		return nil, decoded, err
	}
	integrity := engine.Integrity()
	if integrity.OK {
		integrity = decoded
	}
	if engine.Len() == 0 {
		return nil, integrity, coreerrors.NotFound(fmt.Errorf("agent %s has no verified records", agentID))
	}
	return engine, integrity, nil
}

func writeReplayOutput(jsonOutput bool, output replayOutput, exitCode int) int {
	if output.Mode == "play" && output.OK {
		if !jsonOutput {
			fmt.Printf("replay ok: %d frames\n", output.Frames)
		}
		return exitCode
	}
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if output.Integrity != nil {
		fmt.Printf("override: chain broken at index %d (%s), serving verified prefix\n", output.Integrity.FailureIndex, output.Integrity.Reason)
	}
	if output.OK && output.State != nil {
		state := output.State
		fmt.Printf("agent=%s t=%.6f record=%s interpolated=%t\n", state.AgentID, state.Timestamp, state.RecordID, state.Interpolated)
		fmt.Printf("phi=%.6f psi=%.6f omega=%.6f tau=%.6f\n", state.Vector.Phi, state.Vector.Psi, state.Vector.Omega, state.Vector.Tau)
		fmt.Printf("corridor=%s event=%s autonomy=%.6f voxel=%s\n", state.Corridor, state.EventReference, state.AutonomyIndex, state.VoxelSignature)
		return exitCode
	}
	fmt.Printf("replay error: %s\n", output.Error)
	return exitCode
}
