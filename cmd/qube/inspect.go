package main

import (
	"context"
	"fmt"
	"strings"

	coreerrors "github.com/davidahmann/qube/core/errors"
	"github.com/davidahmann/qube/core/phase"
	"github.com/davidahmann/qube/core/replay"
)

type inspectEntry struct {
	Index    int                `json:"index"`
	RecordID string             `json:"record_id"`
	State    replay.State       `json:"state"`
	Quadrant int                `json:"quadrant"`
	Activity phase.Activity     `json:"activity"`
	Aligned  bool               `json:"aligned"`
	Drift    replay.DriftStatus `json:"drift"`
}

type inspectOutput struct {
	OK      bool           `json:"ok"`
	AgentID string         `json:"agent_id,omitempty"`
	Entries []inspectEntry `json:"entries,omitempty"`
	errorFields
}

func runInspect(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Describe ledger records in operator terms: phase quadrant, activity level, alignment and drift status.")
	}
	arguments = reorderInterspersedFlags(arguments, map[string]bool{
		"agent":     true,
		"index":     true,
		"alignment": true,
	})
	var common commonFlags
	var agentID string
	var index int
	var alignment float64
	flagSet := newFlagSet("inspect", &common)
	flagSet.StringVar(&agentID, "agent", "", "agent id")
	flagSet.IntVar(&index, "index", -1, "inspect one record only")
	flagSet.Float64Var(&alignment, "alignment", phase.DefaultAlignmentThreshold, "psi at or above which a record counts as aligned")

	if err := flagSet.Parse(arguments); err != nil {
		return writeInspectOutput(common.jsonOutput, inspectOutput{errorFields: failure(err, exitInvalidInput)}, exitInvalidInput)
	}
	if common.help {
		printUsage()
		return exitOK
	}
	if strings.TrimSpace(agentID) == "" {
		return writeInspectOutput(common.jsonOutput, inspectOutput{errorFields: failure(fmt.Errorf("--agent is required"), exitInvalidInput)}, exitInvalidInput)
	}

	current, err := openSession(common)
	if err != nil {
		exitCode := exitCodeForError(err, exitInternalFailure)
		return writeInspectOutput(common.jsonOutput, inspectOutput{errorFields: failure(err, exitCode)}, exitCode)
	}
	defer current.Close()

	output := inspectOutput{AgentID: agentID}
	engine, _, err := openEngine(context.Background(), current, agentID, false)
	if err != nil {
		exitCode := exitCodeForError(err, exitInvalidInput)
		output.errorFields = failure(err, exitCode)
		return writeInspectOutput(common.jsonOutput, output, exitCode)
	}
	first, last := 0, engine.Len()-1
	if index >= 0 {
		if index > last {
			err := coreerrors.NotFound(fmt.Errorf("record index %d outside ledger of %d records", index, engine.Len()))
			output.errorFields = failure(err, exitInvalidInput)
			return writeInspectOutput(common.jsonOutput, output, exitInvalidInput)
		}
		first, last = index, index
	}
	for position := first; position <= last; position++ {
		state, err := engine.Record(position)
		if err != nil {
			output.errorFields = failure(err, exitInvalidInput)
			return writeInspectOutput(common.jsonOutput, output, exitInvalidInput)
		}
		output.Entries = append(output.Entries, inspectEntry{
			Index:    position,
			RecordID: state.RecordID,
			State:    state,
			Quadrant: phase.Quadrant(state.Vector.Phi),
			Activity: phase.ActivityLevel(state.Vector.Omega),
			Aligned:  phase.Aligned(state.Vector.Psi, alignment),
			Drift:    current.config.Drift.Classify(state.AutonomyIndex),
		})
	}
	output.OK = true
	return writeInspectOutput(common.jsonOutput, output, exitOK)
}

func writeInspectOutput(jsonOutput bool, output inspectOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if !output.OK {
		fmt.Printf("inspect error: %s\n", output.Error)
		return exitCode
	}
	for _, entry := range output.Entries {
		fmt.Printf("[%d] %s corridor=%s quadrant=%d activity=%s aligned=%t drift=%s\n",
			entry.Index, entry.RecordID, entry.State.Corridor, entry.Quadrant, entry.Activity, entry.Aligned, entry.Drift)
	}
	return exitCode
}
