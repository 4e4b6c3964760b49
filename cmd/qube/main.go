package main

import (
	"fmt"
	"os"
	"strings"
)

// version is stamped at release time via ldflags; default stays dev for local builds.
var version = "0.0.0-dev"

func main() {
	os.Exit(run(os.Args))
}

func run(arguments []string) int {
	if len(arguments) < 2 {
		fmt.Println("qube", version)
		return exitOK
	}
	if arguments[1] == "--explain" {
		return writeExplain("Qube seals agent state into hash-chained token pixel ledgers and replays, scans, forks and attests them offline.")
	}

	switch arguments[1] {
	case "emit":
		return runEmit(arguments[2:])
	case "verify":
		return runVerify(arguments[2:])
	case "replay":
		return runReplay(arguments[2:])
	case "anomalies":
		return runAnomalies(arguments[2:])
	case "fork":
		return runFork(arguments[2:])
	case "attest":
		return runAttest(arguments[2:])
	case "inspect":
		return runInspect(arguments[2:])
	case "version", "--version", "-v":
		if hasExplainFlag(arguments[2:]) {
			return writeExplain("Print the CLI version.")
		}
		fmt.Println("qube", version)
		return exitOK
	case "--help", "-h", "help":
		printUsage()
		return exitOK
	default:
		printUsage()
		return exitInvalidInput
	}
}

func hasExplainFlag(arguments []string) bool {
	for _, argument := range arguments {
		if strings.TrimSpace(argument) == "--explain" {
			return true
		}
	}
	return false
}

func writeExplain(text string) int {
	fmt.Println(text)
	return exitOK
}

func printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  qube emit --input <states.jsonl> [--config .qube/config.yaml] [--json] [--verbose] [--explain]")
	fmt.Println("  qube verify [--agent <id>] [--concurrency 4] [--json] [--explain]")
	fmt.Println("  qube verify --stream <pixels.jsonl> [--json] [--explain]")
	fmt.Println("  qube replay at|interpolate --agent <id> --t <timestamp> [--override] [--json] [--explain]")
	fmt.Println("  qube replay play --agent <id> [--speed 1] [--sample-interval 0] [--max-pause 0s] [--override] [--explain]")
	fmt.Println("  qube anomalies --agent <id> [--warning 0.3] [--critical 0.7] [--json] [--explain]")
	fmt.Println("  qube fork --agent <id> --index <n> --corridor|--event|--intent-digest|--voxel|--autonomy <value> [--coast 1] [--parity] [--out branch.json] [--json] [--explain]")
	fmt.Println("  qube attest keygen [--out-dir .qube/keys] [--name qube] [--json] [--explain]")
	fmt.Println("  qube attest sign --agent <id> [--private-key <path>|--private-key-env <VAR>|--ephemeral] [--out attestation.json] [--json] [--explain]")
	fmt.Println("  qube attest verify --agent <id> --attestation <attestation.json> [--public-key <path>|--public-key-env <VAR>] [--json] [--explain]")
	fmt.Println("  qube inspect --agent <id> [--index <n>] [--alignment 0.5] [--json] [--explain]")
	fmt.Println("  qube version")
}
