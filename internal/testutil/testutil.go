// Package testutil holds fixtures shared by package tests: sealed pixel
// chains, canonical states that pass parity against the default graph, and
// small filesystem helpers.
package testutil

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/davidahmann/qube/core/canon"
	"github.com/davidahmann/qube/core/corridor"
	"github.com/davidahmann/qube/core/events"
	"github.com/davidahmann/qube/core/phase"
	schemapixel "github.com/davidahmann/qube/core/schema/v1/pixel"
	"github.com/davidahmann/qube/core/seal"
)

const (
	BaseTimestamp  = 1767225600.0
	StartCorridor  = "DISTRICT_1.CHAMBER_0.NODE_START"
	EventReference = "EVENT_001"
	VoxelSignature = "VXL_0x0000002A"
)

// IntentDigest is a well-formed digest for fixtures that do not care about
// the embedding behind it.
var IntentDigest = "sha256:" + strings.Repeat("ab", 32)

func RepoRoot(t *testing.T) string {
	t.Helper()
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatalf("unable to locate testutil source file")
	}
	return filepath.Clean(filepath.Join(filepath.Dir(filename), "..", ".."))
}

func WriteFile(t *testing.T, path string, content []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("create parent directory for %s: %v", path, err)
	}
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func MustReadFile(t *testing.T, path string) []byte {
	t.Helper()
	content, err := os.ReadFile(path) // #nosec G304 -- test helper for controlled paths.
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return content
}

// Graph returns the default corridor graph.
func Graph(t *testing.T) *corridor.StaticGraph {
	t.Helper()
	graph, err := corridor.NewStaticGraph(corridor.DefaultAdjacency())
	if err != nil {
		t.Fatalf("default graph: %v", err)
	}
	return graph
}

// Lattice returns a lattice holding EVENT_001 and EVENT_002.
func Lattice(t *testing.T) *events.StaticLattice {
	t.Helper()
	lattice, err := events.FromReferences(EventReference, "EVENT_002")
	if err != nil {
		t.Fatalf("lattice: %v", err)
	}
	return lattice
}

// State returns the index-th fixture state of agentID. tau grows by one per
// index and phi walks a quarter turn per step.
func State(agentID string, index int) canon.State {
	return canon.State{
		AgentID:        agentID,
		Vector:         phase.Vector{Phi: phase.Wrap(float64(index) * 0.25), Psi: 0.5, Omega: 1, Tau: float64(index + 1)},
		Corridor:       StartCorridor,
		IntentDigest:   IntentDigest,
		EventReference: EventReference,
		AutonomyIndex:  0.1,
		VoxelSignature: VoxelSignature,
	}
}

// SealStates seals states in order into a chain, one second apart from
// BaseTimestamp.
func SealStates(t *testing.T, states []canon.State) []schemapixel.Record {
	t.Helper()
	sealer := seal.New()
	records := make([]schemapixel.Record, 0, len(states))
	var head *schemapixel.Record
	for index, state := range states {
		record, err := sealer.SealAt(state, head, BaseTimestamp+float64(index))
		if err != nil {
			t.Fatalf("seal fixture %d: %v", index, err)
		}
		records = append(records, record)
		previous := record
		head = &previous
	}
	return records
}

// Chain seals n fixture states for agentID.
func Chain(t *testing.T, agentID string, n int) []schemapixel.Record {
	t.Helper()
	states := make([]canon.State, n)
	for index := range states {
		states[index] = State(agentID, index)
	}
	return SealStates(t, states)
}
