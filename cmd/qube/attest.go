package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/davidahmann/qube/core/chain"
	coreerrors "github.com/davidahmann/qube/core/errors"
	"github.com/davidahmann/qube/core/fsx"
	schemapixel "github.com/davidahmann/qube/core/schema/v1/pixel"
	"github.com/davidahmann/qube/core/sign"
)

type attestOutput struct {
	OK             bool                     `json:"ok"`
	AgentID        string                   `json:"agent_id,omitempty"`
	KeyID          string                   `json:"key_id,omitempty"`
	PrivateKeyPath string                   `json:"private_key_path,omitempty"`
	PublicKeyPath  string                   `json:"public_key_path,omitempty"`
	Path           string                   `json:"path,omitempty"`
	Attestation    *schemapixel.Attestation `json:"attestation,omitempty"`
	Warnings       []string                 `json:"warnings,omitempty"`
	errorFields
}

func runAttest(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Sign or verify an ed25519 attestation over an agent ledger's head hash, record count and Merkle root.")
	}
	if len(arguments) == 0 {
		printUsage()
		return exitInvalidInput
	}
	switch arguments[0] {
	case "keygen":
		return runAttestKeygen(arguments[1:])
	case "sign":
		return runAttestSign(arguments[1:])
	case "verify":
		return runAttestVerify(arguments[1:])
	case "--help", "-h":
		printUsage()
		return exitOK
	default:
		printUsage()
		return exitInvalidInput
	}
}

func runAttestKeygen(arguments []string) int {
	arguments = reorderInterspersedFlags(arguments, map[string]bool{"out-dir": true, "name": true})
	var common commonFlags
	var outDir string
	var name string
	flagSet := newFlagSet("attest-keygen", &common)
	flagSet.StringVar(&outDir, "out-dir", filepath.Join(".qube", "keys"), "directory for generated key files")
	flagSet.StringVar(&name, "name", "qube", "key file name")

	if err := flagSet.Parse(arguments); err != nil {
		return writeAttestOutput(common.jsonOutput, "keygen", attestOutput{errorFields: failure(err, exitInvalidInput)}, exitInvalidInput)
	}
	if common.help {
		printUsage()
		return exitOK
	}
	pair, err := sign.GenerateKeyPair()
	if err != nil {
		return writeAttestOutput(common.jsonOutput, "keygen", attestOutput{errorFields: failure(err, exitInternalFailure)}, exitInternalFailure)
	}
	privatePath, publicPath, err := sign.WriteKeyPair(outDir, name, pair)
	if err != nil {
		err = coreerrors.Wrap(err, coreerrors.CategoryIOFailure, "io_write_failed", "check the --out-dir directory", true)
		return writeAttestOutput(common.jsonOutput, "keygen", attestOutput{errorFields: failure(err, exitInternalFailure)}, exitInternalFailure)
	}
	return writeAttestOutput(common.jsonOutput, "keygen", attestOutput{
		OK:             true,
		KeyID:          sign.KeyID(pair.Public),
		PrivateKeyPath: privatePath,
		PublicKeyPath:  publicPath,
	}, exitOK)
}

func runAttestSign(arguments []string) int {
	arguments = reorderInterspersedFlags(arguments, map[string]bool{
		"agent":           true,
		"private-key":     true,
		"private-key-env": true,
		"out":             true,
	})
	var common commonFlags
	var agentID string
	var privateKey sign.KeySource
	var ephemeral bool
	var outPath string
	flagSet := newFlagSet("attest-sign", &common)
	flagSet.StringVar(&agentID, "agent", "", "agent id")
	flagSet.StringVar(&privateKey.Path, "private-key", "", "path to base64 private key")
	flagSet.StringVar(&privateKey.Env, "private-key-env", "", "env var containing base64 private key")
	flagSet.BoolVar(&ephemeral, "ephemeral", false, "sign with a throwaway key when none is configured")
	flagSet.StringVar(&outPath, "out", "", "write the attestation JSON to this path")

	if err := flagSet.Parse(arguments); err != nil {
		return writeAttestOutput(common.jsonOutput, "sign", attestOutput{errorFields: failure(err, exitInvalidInput)}, exitInvalidInput)
	}
	if common.help {
		printUsage()
		return exitOK
	}
	if strings.TrimSpace(agentID) == "" {
		return writeAttestOutput(common.jsonOutput, "sign", attestOutput{errorFields: failure(fmt.Errorf("--agent is required"), exitInvalidInput)}, exitInvalidInput)
	}
	pair, warnings, err := sign.LoadSigningKey(privateKey, ephemeral)
	if err != nil {
		err = coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, "invalid_key", "pass --private-key, --private-key-env or --ephemeral", false)
		return writeAttestOutput(common.jsonOutput, "sign", attestOutput{errorFields: failure(err, exitInvalidInput)}, exitInvalidInput)
	}

	current, err := openSession(common)
	if err != nil {
		exitCode := exitCodeForError(err, exitInternalFailure)
		return writeAttestOutput(common.jsonOutput, "sign", attestOutput{errorFields: failure(err, exitCode)}, exitCode)
	}
	defer current.Close()

	output := attestOutput{AgentID: agentID, KeyID: sign.KeyID(pair.Public), Warnings: warnings}
	records, err := ledgerRecords(context.Background(), current, agentID)
	if err != nil {
		exitCode := exitCodeForError(err, exitInvalidInput)
		output.errorFields = failure(err, exitCode)
		return writeAttestOutput(common.jsonOutput, "sign", output, exitCode)
	}
	attestation, err := chain.Attest(records, pair.Private, time.Now().UTC(), version)
	if err != nil {
		exitCode := exitCodeForError(err, exitInternalFailure)
		output.errorFields = failure(err, exitCode)
		return writeAttestOutput(common.jsonOutput, "sign", output, exitCode)
	}
	output.Attestation = &attestation
	if strings.TrimSpace(outPath) != "" {
		if err := fsx.WriteJSONAtomic(outPath, attestation, 0o600); err != nil {
			err = coreerrors.Wrap(err, coreerrors.CategoryIOFailure, "io_write_failed", "check the --out directory", true)
			output.errorFields = failure(err, exitInternalFailure)
			return writeAttestOutput(common.jsonOutput, "sign", output, exitInternalFailure)
		}
		output.Path = outPath
	}
	output.OK = true
	return writeAttestOutput(common.jsonOutput, "sign", output, exitOK)
}

func runAttestVerify(arguments []string) int {
	arguments = reorderInterspersedFlags(arguments, map[string]bool{
		"agent":           true,
		"attestation":     true,
		"public-key":      true,
		"public-key-env":  true,
		"private-key":     true,
		"private-key-env": true,
	})
	var common commonFlags
	var agentID string
	var attestationPath string
	var publicKey sign.KeySource
	var privateKey sign.KeySource
	flagSet := newFlagSet("attest-verify", &common)
	flagSet.StringVar(&agentID, "agent", "", "agent id (default: the attested agent)")
	flagSet.StringVar(&attestationPath, "attestation", "", "path to attestation JSON")
	flagSet.StringVar(&publicKey.Path, "public-key", "", "path to base64 public key")
	flagSet.StringVar(&publicKey.Env, "public-key-env", "", "env var containing base64 public key")
	flagSet.StringVar(&privateKey.Path, "private-key", "", "path to base64 private key (derive public)")
	flagSet.StringVar(&privateKey.Env, "private-key-env", "", "env var containing base64 private key (derive public)")

	if err := flagSet.Parse(arguments); err != nil {
		return writeAttestOutput(common.jsonOutput, "verify", attestOutput{errorFields: failure(err, exitInvalidInput)}, exitInvalidInput)
	}
	if common.help {
		printUsage()
		return exitOK
	}
	if strings.TrimSpace(attestationPath) == "" {
		return writeAttestOutput(common.jsonOutput, "verify", attestOutput{errorFields: failure(fmt.Errorf("--attestation is required"), exitInvalidInput)}, exitInvalidInput)
	}
	// #nosec G304 -- operator supplies the attestation path.
	raw, err := os.ReadFile(attestationPath)
	if err != nil {
		err = coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, "invalid_input", "check the --attestation path", false)
		return writeAttestOutput(common.jsonOutput, "verify", attestOutput{errorFields: failure(err, exitInvalidInput)}, exitInvalidInput)
	}
	var attestation schemapixel.Attestation
	if err := json.Unmarshal(raw, &attestation); err != nil {
		err = coreerrors.Wrap(fmt.Errorf("parse attestation: %w", err), coreerrors.CategoryInvalidInput, "invalid_input", "pass a file written by qube attest sign", false)
		return writeAttestOutput(common.jsonOutput, "verify", attestOutput{errorFields: failure(err, exitInvalidInput)}, exitInvalidInput)
	}
	if strings.TrimSpace(agentID) == "" {
		agentID = attestation.AgentID
	}
	output := attestOutput{AgentID: agentID, Attestation: &attestation}
	if agentID != attestation.AgentID {
		err := coreerrors.ChainIntegrity(fmt.Errorf("attestation covers agent %s, not %s", attestation.AgentID, agentID))
		output.errorFields = failure(err, exitVerifyFailed)
		return writeAttestOutput(common.jsonOutput, "verify", output, exitVerifyFailed)
	}
	pub, err := sign.LoadVerifyKey(publicKey, privateKey)
	if err != nil {
		err = coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, "invalid_key", "pass --public-key or --public-key-env", false)
		output.errorFields = failure(err, exitInvalidInput)
		return writeAttestOutput(common.jsonOutput, "verify", output, exitInvalidInput)
	}
	output.KeyID = sign.KeyID(pub)

	current, err := openSession(common)
	if err != nil {
		exitCode := exitCodeForError(err, exitInternalFailure)
		output.errorFields = failure(err, exitCode)
		return writeAttestOutput(common.jsonOutput, "verify", output, exitCode)
	}
	defer current.Close()
	records, err := ledgerRecords(context.Background(), current, agentID)
	if err != nil {
		exitCode := exitCodeForError(err, exitInvalidInput)
		output.errorFields = failure(err, exitCode)
		return writeAttestOutput(common.jsonOutput, "verify", output, exitCode)
	}
	if err := chain.VerifyAttestation(attestation, records, pub); err != nil {
		output.errorFields = failure(coreerrors.ChainIntegrity(err), exitVerifyFailed)
		return writeAttestOutput(common.jsonOutput, "verify", output, exitVerifyFailed)
	}
	output.OK = true
	return writeAttestOutput(common.jsonOutput, "verify", output, exitOK)
}

// ledgerRecords opens agentID's ledger, which validates the stored chain.
func ledgerRecords(ctx context.Context, current *session, agentID string) ([]schemapixel.Record, error) {
	target, err := current.book.Ledger(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if target.Len() == 0 {
		return nil, coreerrors.NotFound(fmt.Errorf("agent %s has no records", agentID))
	}
	return target.Records(), nil
}

func writeAttestOutput(jsonOutput bool, action string, output attestOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	for _, warning := range output.Warnings {
		fmt.Printf("warning: %s\n", warning)
	}
	if !output.OK {
		fmt.Printf("attest %s error: %s\n", action, output.Error)
		return exitCode
	}
	switch action {
	case "keygen":
		fmt.Printf("keys written: %s %s (key_id=%s)\n", output.PrivateKeyPath, output.PublicKeyPath, output.KeyID)
	case "sign":
		fmt.Printf("attested agent=%s records=%d head=%s root=%s key_id=%s\n", output.AgentID, output.Attestation.RecordCount, output.Attestation.HeadHash, output.Attestation.MerkleRoot, output.KeyID)
		if output.Path != "" {
			fmt.Printf("attestation written: %s\n", output.Path)
		}
	default:
		fmt.Printf("attestation ok: agent=%s records=%d key_id=%s\n", output.AgentID, output.Attestation.RecordCount, output.KeyID)
	}
	return exitCode
}
