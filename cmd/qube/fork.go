package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"strings"

	coreerrors "github.com/davidahmann/qube/core/errors"
	"github.com/davidahmann/qube/core/fsx"
	"github.com/davidahmann/qube/core/phase"
	"github.com/davidahmann/qube/core/replay"
	schemapixel "github.com/davidahmann/qube/core/schema/v1/pixel"
)

type forkOutput struct {
	OK            bool                `json:"ok"`
	AgentID       string              `json:"agent_id,omitempty"`
	BranchID      string              `json:"branch_id,omitempty"`
	ForkIndex     int                 `json:"fork_index"`
	ReplacedField string              `json:"replaced_field,omitempty"`
	BranchHead    string              `json:"branch_head,omitempty"`
	Records       int                 `json:"records,omitempty"`
	Path          string              `json:"path,omitempty"`
	Branch        *schemapixel.Branch `json:"branch,omitempty"`
	errorFields
}

func runFork(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Build a counterfactual branch: replace one field of a record, re-seal it and coast the later records forward. The source ledger is never modified.")
	}
	arguments = reorderInterspersedFlags(arguments, map[string]bool{
		"agent":         true,
		"index":         true,
		"corridor":      true,
		"event":         true,
		"intent-digest": true,
		"voxel":         true,
		"autonomy":      true,
		"state-vector":  true,
		"coast":         true,
		"out":           true,
	})
	var common commonFlags
	var agentID string
	var index int
	var corridorValue, eventValue, intentValue, voxelValue, vectorValue string
	var autonomyValue float64
	var coast float64
	var checkParity bool
	var outPath string
	flagSet := newFlagSet("fork", &common)
	flagSet.StringVar(&agentID, "agent", "", "agent id")
	flagSet.IntVar(&index, "index", -1, "record index to fork at")
	flagSet.StringVar(&corridorValue, "corridor", "", "replacement corridor")
	flagSet.StringVar(&eventValue, "event", "", "replacement event reference")
	flagSet.StringVar(&intentValue, "intent-digest", "", "replacement intent digest")
	flagSet.StringVar(&voxelValue, "voxel", "", "replacement voxel signature")
	flagSet.Float64Var(&autonomyValue, "autonomy", 0, "replacement autonomy index")
	flagSet.StringVar(&vectorValue, "state-vector", "", `replacement state vector as JSON {"phi":..,"psi":..,"omega":..,"tau":..}`)
	flagSet.Float64Var(&coast, "coast", 1, "tau step of the coasting transition after the fork point")
	flagSet.BoolVar(&checkParity, "parity", false, "validate every branch state against the parity rules")
	flagSet.StringVar(&outPath, "out", "", "write the branch JSON to this path")

	if err := flagSet.Parse(arguments); err != nil {
		return writeForkOutput(common.jsonOutput, forkOutput{errorFields: failure(err, exitInvalidInput)}, exitInvalidInput)
	}
	if common.help {
		printUsage()
		return exitOK
	}
	if strings.TrimSpace(agentID) == "" {
		return writeForkOutput(common.jsonOutput, forkOutput{errorFields: failure(fmt.Errorf("--agent is required"), exitInvalidInput)}, exitInvalidInput)
	}

	var replacement replay.Replacement
	var parseErr error
	flagSet.Visit(func(set *flag.Flag) {
		switch set.Name {
		case "corridor":
			replacement.Corridor = &corridorValue
		case "event":
			replacement.EventReference = &eventValue
		case "intent-digest":
			replacement.IntentDigest = &intentValue
		case "voxel":
			replacement.VoxelSignature = &voxelValue
		case "autonomy":
			replacement.AutonomyIndex = &autonomyValue
		case "state-vector":
			var vector phase.Vector
			if err := json.Unmarshal([]byte(vectorValue), &vector); err != nil {
				parseErr = fmt.Errorf("--state-vector: %w", err)
				return
			}
			replacement.StateVector = &vector
		}
	})
	if parseErr != nil {
		return writeForkOutput(common.jsonOutput, forkOutput{errorFields: failure(parseErr, exitInvalidInput)}, exitInvalidInput)
	}

	current, err := openSession(common)
	if err != nil {
		exitCode := exitCodeForError(err, exitInternalFailure)
		return writeForkOutput(common.jsonOutput, forkOutput{errorFields: failure(err, exitCode)}, exitCode)
	}
	defer current.Close()

	output := forkOutput{AgentID: agentID, ForkIndex: index}
	engine, _, err := openEngine(context.Background(), current, agentID, false)
	if err != nil {
		exitCode := exitCodeForError(err, exitInvalidInput)
		output.errorFields = failure(err, exitCode)
		return writeForkOutput(common.jsonOutput, output, exitCode)
	}
	options := replay.ForkOptions{}
	if checkParity {
		validator, err := newValidator(current)
		if err != nil {
			output.errorFields = failure(err, exitInvalidInput)
			return writeForkOutput(common.jsonOutput, output, exitInvalidInput)
		}
		options.Validator = validator
	}
	branch, err := engine.Fork(index, replacement, replay.Coast(coast), options)
	if err != nil {
		exitCode := exitCodeForError(err, exitInvalidInput)
		output.errorFields = failure(err, exitCode)
		return writeForkOutput(common.jsonOutput, output, exitCode)
	}
	current.logger.Info("branch built", slog.String("branch_id", branch.BranchID), slog.Int("fork_index", branch.ForkIndex), slog.String("replaced_field", branch.ReplacedField))

	output.BranchID = branch.BranchID
	output.ReplacedField = branch.ReplacedField
	output.Records = len(branch.Records)
	output.BranchHead = branch.Records[len(branch.Records)-1].SelfHash
	if strings.TrimSpace(outPath) != "" {
		if err := fsx.WriteJSONAtomic(outPath, branch, 0o600); err != nil {
			err = coreerrors.Wrap(err, coreerrors.CategoryIOFailure, "io_write_failed", "check the --out directory", true)
			output.errorFields = failure(err, exitInternalFailure)
			return writeForkOutput(common.jsonOutput, output, exitInternalFailure)
		}
		output.Path = outPath
	} else if common.jsonOutput {
		output.Branch = &branch
	}
	output.OK = true
	return writeForkOutput(common.jsonOutput, output, exitOK)
}

func writeForkOutput(jsonOutput bool, output forkOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if !output.OK {
		fmt.Printf("fork error: %s\n", output.Error)
		return exitCode
	}
	fmt.Printf("fork ok: branch=%s index=%d field=%s records=%d head=%s\n", output.BranchID, output.ForkIndex, output.ReplacedField, output.Records, output.BranchHead)
	if output.Path != "" {
		fmt.Printf("branch written: %s\n", output.Path)
	}
	return exitCode
}
