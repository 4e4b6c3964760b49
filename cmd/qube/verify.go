package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/davidahmann/qube/core/chain"
	coreerrors "github.com/davidahmann/qube/core/errors"
	"github.com/davidahmann/qube/core/pixel"
)

type agentVerifyResult struct {
	AgentID    string       `json:"agent_id"`
	Result     chain.Result `json:"result"`
	MerkleRoot string       `json:"merkle_root,omitempty"`
}

type verifyOutput struct {
	OK         bool                `json:"ok"`
	StreamPath string              `json:"stream_path,omitempty"`
	Agents     []agentVerifyResult `json:"agents,omitempty"`
	Proof      *chain.Proof        `json:"proof,omitempty"`
	errorFields
}

func runVerify(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Re-verify stored ledgers offline: content hashes, prev-hash linkage and genesis, concurrently across agents. Reports the first failing record per agent.")
	}
	arguments = reorderInterspersedFlags(arguments, map[string]bool{
		"agent":       true,
		"stream":      true,
		"concurrency": true,
		"proof":       true,
	})
	var common commonFlags
	var agentID string
	var streamPath string
	var concurrency int
	var proofIndex int
	flagSet := newFlagSet("verify", &common)
	flagSet.StringVar(&agentID, "agent", "", "verify one agent only")
	flagSet.StringVar(&streamPath, "stream", "", "verify a standalone pixel JSONL stream")
	flagSet.IntVar(&concurrency, "concurrency", 4, "agents verified in parallel")
	flagSet.IntVar(&proofIndex, "proof", -1, "emit and check the Merkle inclusion proof of this record index (with --agent)")

	if err := flagSet.Parse(arguments); err != nil {
		return writeVerifyOutput(common.jsonOutput, verifyOutput{errorFields: failure(err, exitInvalidInput)}, exitInvalidInput)
	}
	if common.help {
		printUsage()
		return exitOK
	}
	if len(flagSet.Args()) > 0 {
		return writeVerifyOutput(common.jsonOutput, verifyOutput{errorFields: failure(fmt.Errorf("unexpected positional arguments"), exitInvalidInput)}, exitInvalidInput)
	}
	if proofIndex >= 0 && strings.TrimSpace(agentID) == "" {
		return writeVerifyOutput(common.jsonOutput, verifyOutput{errorFields: failure(fmt.Errorf("--proof requires --agent"), exitInvalidInput)}, exitInvalidInput)
	}

	if strings.TrimSpace(streamPath) != "" {
		output := verifyStream(streamPath)
		return finishVerify(common.jsonOutput, output)
	}

	current, err := openSession(common)
	if err != nil {
		exitCode := exitCodeForError(err, exitInternalFailure)
		return writeVerifyOutput(common.jsonOutput, verifyOutput{errorFields: failure(err, exitCode)}, exitCode)
	}
	defer current.Close()
	ctx := context.Background()

	if strings.TrimSpace(agentID) != "" {
		output, err := verifyAgent(ctx, current, agentID, proofIndex)
		if err != nil {
			exitCode := exitCodeForError(err, exitInvalidInput)
			return writeVerifyOutput(common.jsonOutput, verifyOutput{errorFields: failure(err, exitCode)}, exitCode)
		}
		return finishVerify(common.jsonOutput, output)
	}

	results, err := current.book.VerifyAll(ctx, concurrency)
	if err != nil {
		exitCode := exitCodeForError(err, exitInternalFailure)
		return writeVerifyOutput(common.jsonOutput, verifyOutput{errorFields: failure(err, exitCode)}, exitCode)
	}
	output := verifyOutput{}
	for id, result := range results {
		output.Agents = append(output.Agents, agentVerifyResult{AgentID: id, Result: result})
	}
	sort.Slice(output.Agents, func(i, j int) bool { return output.Agents[i].AgentID < output.Agents[j].AgentID })
	return finishVerify(common.jsonOutput, output)
}

func verifyAgent(ctx context.Context, current *session, agentID string, proofIndex int) (verifyOutput, error) {
	records, _, err := current.readRecords(ctx, agentID, false)
	if err != nil {
		var integrity *chain.IntegrityError
		if errors.As(err, &integrity) {
			return verifyOutput{Agents: []agentVerifyResult{{AgentID: agentID, Result: chain.Result{
				Checked:      integrity.Index,
				FailureIndex: integrity.Index,
				Reason:       integrity.Reason,
				Detail:       integrity.Detail,
			}}}}, nil
		}
		return verifyOutput{}, err
	}
	entry := agentVerifyResult{
		AgentID: agentID,
		Result:  chain.Validate(records, chain.Options{RequireGenesis: true, AgentID: agentID}),
	}
	output := verifyOutput{}
	if entry.Result.OK {
		tree, err := chain.BuildTree(records)
		if err != nil {
			return verifyOutput{}, err
		}
		entry.MerkleRoot = tree.Root().String()
		if proofIndex >= 0 {
			proof, err := tree.Proof(proofIndex)
			if err != nil {
				return verifyOutput{}, coreerrors.NotFound(err)
			}
			if err := chain.VerifyProof(tree.Root(), records[proofIndex], proof); err != nil {
				return verifyOutput{}, coreerrors.ChainIntegrity(err)
			}
			output.Proof = &proof
		}
	}
	output.Agents = []agentVerifyResult{entry}
	return output, nil
}

func verifyStream(path string) verifyOutput {
	output := verifyOutput{StreamPath: path}
	// #nosec G304 -- operator supplies the stream path.
	file, err := os.Open(path)
	if err != nil {
		output.errorFields = failure(coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, "invalid_input", "check the --stream path", false), exitInvalidInput)
		return output
	}
	defer func() { _ = file.Close() }()
	records, err := pixel.ReadStream(file)
	if err != nil {
		output.errorFields = failure(coreerrors.ChainIntegrity(err), exitVerifyFailed)
		return output
	}
	if len(records) == 0 {
		output.errorFields = failure(coreerrors.NotFound(fmt.Errorf("stream %s holds no records", path)), exitInvalidInput)
		return output
	}
	entry := agentVerifyResult{
		AgentID: records[0].AgentID,
		Result:  chain.Validate(records, chain.Options{RequireGenesis: true, AgentID: records[0].AgentID}),
	}
	if entry.Result.OK {
		if tree, err := chain.BuildTree(records); err == nil {
			entry.MerkleRoot = tree.Root().String()
		}
	}
	output.Agents = []agentVerifyResult{entry}
	return output
}

func finishVerify(jsonOutput bool, output verifyOutput) int {
	if output.Error != "" {
		exitCode := exitInvalidInput
		switch output.ErrorCategory {
		case coreerrors.CategoryVerification:
			exitCode = exitVerifyFailed
		case coreerrors.CategoryIOFailure, coreerrors.CategoryInternalFailure:
			exitCode = exitInternalFailure
		}
		return writeVerifyOutput(jsonOutput, output, exitCode)
	}
	output.OK = true
	for _, entry := range output.Agents {
		if !entry.Result.OK {
			output.OK = false
			output.errorFields = failure(entry.Result.Err(), exitVerifyFailed)
			break
		}
	}
	if !output.OK {
		return writeVerifyOutput(jsonOutput, output, exitVerifyFailed)
	}
	return writeVerifyOutput(jsonOutput, output, exitOK)
}

func writeVerifyOutput(jsonOutput bool, output verifyOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	for _, entry := range output.Agents {
		if entry.Result.OK {
			fmt.Printf("agent %s: ok (%d records) %s\n", entry.AgentID, entry.Result.Checked, entry.MerkleRoot)
			continue
		}
		fmt.Printf("agent %s: broken at index %d (%s) %s\n", entry.AgentID, entry.Result.FailureIndex, entry.Result.Reason, entry.Result.Detail)
	}
	if output.OK {
		fmt.Println("verify ok")
		return exitCode
	}
	fmt.Printf("verify failed: %s\n", output.Error)
	return exitCode
}
