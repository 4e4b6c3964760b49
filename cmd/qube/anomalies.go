package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/davidahmann/qube/core/chain"
	coreerrors "github.com/davidahmann/qube/core/errors"
	"github.com/davidahmann/qube/core/replay"
)

type anomaliesOutput struct {
	OK         bool              `json:"ok"`
	AgentID    string            `json:"agent_id,omitempty"`
	Thresholds replay.Thresholds `json:"thresholds"`
	Report     *replay.Report    `json:"report,omitempty"`
	// Integrity is set when --override skipped a broken record.
	Integrity *chain.Result `json:"integrity,omitempty"`
	errorFields
}

func runAnomalies(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Scan an agent's ledger for autonomy drift, corridor transitions outside the corridor graph, and intent changes.")
	}
	arguments = reorderInterspersedFlags(arguments, map[string]bool{
		"agent":    true,
		"warning":  true,
		"critical": true,
	})
	var common commonFlags
	var agentID string
	var warning float64
	var critical float64
	var override bool
	flagSet := newFlagSet("anomalies", &common)
	flagSet.StringVar(&agentID, "agent", "", "agent id")
	flagSet.Float64Var(&warning, "warning", -1, "drift warning threshold (default from config)")
	flagSet.Float64Var(&critical, "critical", -1, "drift critical threshold (default from config)")
	flagSet.BoolVar(&override, "override", false, "scan the verified prefix of a broken chain")

	if err := flagSet.Parse(arguments); err != nil {
		return writeAnomaliesOutput(common.jsonOutput, anomaliesOutput{errorFields: failure(err, exitInvalidInput)}, exitInvalidInput)
	}
	if common.help {
		printUsage()
		return exitOK
	}
	if strings.TrimSpace(agentID) == "" {
		return writeAnomaliesOutput(common.jsonOutput, anomaliesOutput{errorFields: failure(fmt.Errorf("--agent is required"), exitInvalidInput)}, exitInvalidInput)
	}

	current, err := openSession(common)
	if err != nil {
		exitCode := exitCodeForError(err, exitInternalFailure)
		return writeAnomaliesOutput(common.jsonOutput, anomaliesOutput{errorFields: failure(err, exitCode)}, exitCode)
	}
	defer current.Close()

	thresholds := current.config.Drift
	if warning >= 0 {
		thresholds.Warning = warning
	}
	if critical >= 0 {
		thresholds.Critical = critical
	}
	output := anomaliesOutput{AgentID: agentID, Thresholds: thresholds}
	graph, err := current.config.Graph()
	if err != nil {
		output.errorFields = failure(err, exitInvalidInput)
		return writeAnomaliesOutput(common.jsonOutput, output, exitInvalidInput)
	}
	engine, integrity, err := openEngine(context.Background(), current, agentID, override)
	if !integrity.OK {
		output.Integrity = &integrity
	}
	if err != nil {
		exitCode := exitCodeForError(err, exitInvalidInput)
		output.errorFields = failure(err, exitCode)
		return writeAnomaliesOutput(common.jsonOutput, output, exitCode)
	}
	report, err := engine.Scan(graph, thresholds)
	if err != nil {
		err = coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, "invalid_input", "use thresholds with 0 <= warning <= critical <= 1", false)
		output.errorFields = failure(err, exitInvalidInput)
		return writeAnomaliesOutput(common.jsonOutput, output, exitInvalidInput)
	}
	output.OK = true
	output.Report = &report
	return writeAnomaliesOutput(common.jsonOutput, output, exitOK)
}

func writeAnomaliesOutput(jsonOutput bool, output anomaliesOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if !output.OK || output.Report == nil {
		fmt.Printf("anomalies error: %s\n", output.Error)
		return exitCode
	}
	for _, anomaly := range output.Report.Anomalies {
		line := fmt.Sprintf("[%d] %s %s", anomaly.Index, anomaly.Kind, anomaly.Detail)
		if anomaly.Severity != "" {
			line += " severity=" + string(anomaly.Severity)
		}
		if anomaly.From != "" || anomaly.To != "" {
			line += fmt.Sprintf(" %s -> %s", anomaly.From, anomaly.To)
		}
		fmt.Println(line)
	}
	fmt.Printf("anomalies: %d in %d records, worst drift %s\n", len(output.Report.Anomalies), output.Report.Records, output.Report.Worst)
	return exitCode
}
