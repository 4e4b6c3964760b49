package pixel

import (
	"bytes"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/davidahmann/qube/core/phase"
	schemapixel "github.com/davidahmann/qube/core/schema/v1/pixel"
)

func sampleRecord(t *testing.T) schemapixel.Record {
	t.Helper()
	record := schemapixel.Record{
		RecordID:       "TPX_TEST_01",
		Timestamp:      1737140000,
		AgentID:        "AGENT_Q",
		Corridor:       "DISTRICT_1.CHAMBER_0.NODE_START",
		StateVector:    phase.Vector{Phi: 0.5, Psi: 0.9, Omega: 1, Tau: 100},
		IntentDigest:   "sha256:" + strings.Repeat("ab", 32),
		EventReference: "EVENT_001",
		AutonomyIndex:  0.1,
		VoxelSignature: "VXL_0x00000000",
		PrevHash:       GenesisHash,
	}
	hash, err := ComputeHash(record)
	if err != nil {
		t.Fatalf("compute hash: %v", err)
	}
	record.SelfHash = hash
	return record
}

func TestHashableBytesFixedOrder(t *testing.T) {
	record := sampleRecord(t)
	got, err := HashableBytes(record)
	if err != nil {
		t.Fatalf("hashable bytes: %v", err)
	}
	want := `{"agentId":"AGENT_Q","autonomyIndex":0.1,"corridor":"DISTRICT_1.CHAMBER_0.NODE_START",` +
		`"eventDelta":"EVENT_001","intentHash":"` + record.IntentDigest + `","prevHash":"` + GenesisHash + `",` +
		`"stateVector":{"omega":1,"phi":0.5,"psi":0.9,"tau":100},"timestamp":1737140000,` +
		`"tokenPixelId":"TPX_TEST_01","voxelSignature":"VXL_0x00000000"}`
	if string(got) != want {
		t.Fatalf("unexpected canonical bytes:\n got=%s\nwant=%s", got, want)
	}
	if bytes.Contains(got, []byte(`"hash"`)) {
		t.Fatalf("hashable bytes must exclude the self hash")
	}
}

func TestComputeHashDeterministic(t *testing.T) {
	first := sampleRecord(t)
	second := sampleRecord(t)
	if first.SelfHash != second.SelfHash {
		t.Fatalf("expected identical hashes for identical content")
	}
	if !strings.HasPrefix(first.SelfHash, "sha256:") || len(first.SelfHash) != len("sha256:")+64 {
		t.Fatalf("unexpected hash shape: %s", first.SelfHash)
	}
	if err := VerifyHash(first); err != nil {
		t.Fatalf("verify hash: %v", err)
	}
}

func TestComputeHashSensitiveToEveryField(t *testing.T) {
	base := sampleRecord(t)
	mutations := map[string]func(*schemapixel.Record){
		"record_id":       func(r *schemapixel.Record) { r.RecordID = "TPX_TEST_02" },
		"timestamp":       func(r *schemapixel.Record) { r.Timestamp += 0.000001 },
		"agent_id":        func(r *schemapixel.Record) { r.AgentID = "AGENT_R" },
		"corridor":        func(r *schemapixel.Record) { r.Corridor = "DISTRICT_1.CHAMBER_0.NODE_PROCESS" },
		"phi":             func(r *schemapixel.Record) { r.StateVector.Phi = 0.5000001 },
		"psi":             func(r *schemapixel.Record) { r.StateVector.Psi = 0.8 },
		"omega":           func(r *schemapixel.Record) { r.StateVector.Omega = 1.5 },
		"tau":             func(r *schemapixel.Record) { r.StateVector.Tau = 101 },
		"intent_digest":   func(r *schemapixel.Record) { r.IntentDigest = "sha256:" + strings.Repeat("cd", 32) },
		"event_reference": func(r *schemapixel.Record) { r.EventReference = "EVENT_002" },
		"autonomy_index":  func(r *schemapixel.Record) { r.AutonomyIndex = 0.11 },
		"voxel_signature": func(r *schemapixel.Record) { r.VoxelSignature = "VXL_0x00000001" },
		"prev_hash":       func(r *schemapixel.Record) { r.PrevHash = "sha256:" + strings.Repeat("1", 64) },
	}
	seen := map[string]string{base.SelfHash: "base"}
	for name, mutate := range mutations {
		mutated := base
		mutate(&mutated)
		hash, err := ComputeHash(mutated)
		if err != nil {
			t.Fatalf("hash %s: %v", name, err)
		}
		if previous, exists := seen[hash]; exists {
			t.Fatalf("mutating %s produced the same hash as %s", name, previous)
		}
		seen[hash] = name
		if err := VerifyHash(mutated); err == nil {
			t.Fatalf("expected stored hash to stop verifying after mutating %s", name)
		}
	}
}

func TestHashRejectsNonFinite(t *testing.T) {
	record := sampleRecord(t)
	record.StateVector.Omega = math.Inf(1)
	if _, err := ComputeHash(record); err == nil {
		t.Fatalf("expected error for non-finite value")
	}
}

func TestTimestampConversion(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 678901000, time.UTC)
	ts := Timestamp(now)
	if !TimeOf(ts).Equal(now) {
		t.Fatalf("round trip mismatch: %s vs %s", TimeOf(ts), now)
	}
}
