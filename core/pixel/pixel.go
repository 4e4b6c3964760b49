// Package pixel defines the canonical byte form and content hash of a sealed
// token pixel. The same bytes are used for hashing and persistence so two
// conforming implementations agree on every self_hash.
package pixel

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/davidahmann/qube/core/jcs"
	schemapixel "github.com/davidahmann/qube/core/schema/v1/pixel"
)

// GenesisHash is the prev_hash of the first record in every ledger.
var GenesisHash = jcs.DigestPrefix + strings.Repeat("0", 64)

// hashable mirrors schemapixel.Record without the self hash. JCS sorts keys, so
// declaration order here has no effect on the bytes.
type hashable struct {
	RecordID       string  `json:"tokenPixelId"`
	Timestamp      float64 `json:"timestamp"`
	AgentID        string  `json:"agentId"`
	Corridor       string  `json:"corridor"`
	StateVector    vector  `json:"stateVector"`
	IntentDigest   string  `json:"intentHash"`
	EventReference string  `json:"eventDelta"`
	AutonomyIndex  float64 `json:"autonomyIndex"`
	VoxelSignature string  `json:"voxelSignature"`
	PrevHash       string  `json:"prevHash"`
}

type vector struct {
	Phi   float64 `json:"phi"`
	Psi   float64 `json:"psi"`
	Omega float64 `json:"omega"`
	Tau   float64 `json:"tau"`
}

func toHashable(record schemapixel.Record) hashable {
	return hashable{
		RecordID:       record.RecordID,
		Timestamp:      record.Timestamp,
		AgentID:        record.AgentID,
		Corridor:       record.Corridor,
		StateVector:    vector(record.StateVector),
		IntentDigest:   record.IntentDigest,
		EventReference: record.EventReference,
		AutonomyIndex:  record.AutonomyIndex,
		VoxelSignature: record.VoxelSignature,
		PrevHash:       record.PrevHash,
	}
}

// HashableBytes returns the JCS bytes of every field except the self hash.
func HashableBytes(record schemapixel.Record) ([]byte, error) {
	if err := checkFinite(record); err != nil {
		return nil, err
	}
	return jcs.CanonicalizeValue(toHashable(record))
}

// CanonicalBytes returns the JCS bytes of the full record, self hash included.
// This is the persisted form.
func CanonicalBytes(record schemapixel.Record) ([]byte, error) {
	if err := checkFinite(record); err != nil {
		return nil, err
	}
	return jcs.CanonicalizeValue(record)
}

// ComputeHash returns the content hash over all fields but the self hash.
func ComputeHash(record schemapixel.Record) (string, error) {
	canonical, err := HashableBytes(record)
	if err != nil {
		return "", fmt.Errorf("hash record %s: %w", record.RecordID, err)
	}
	return jcs.DigestPrefix + jcs.DigestBytes(canonical), nil
}

// VerifyHash recomputes the content hash and compares it with the stored one.
func VerifyHash(record schemapixel.Record) error {
	expected, err := ComputeHash(record)
	if err != nil {
		return err
	}
	if expected != record.SelfHash {
		return fmt.Errorf("record %s self hash mismatch: stored %s computed %s", record.RecordID, record.SelfHash, expected)
	}
	return nil
}

// Timestamp converts wall-clock time to the record timestamp (seconds since
// the Unix epoch, microsecond resolution).
func Timestamp(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}

// TimeOf converts a record timestamp back to wall-clock time.
func TimeOf(timestamp float64) time.Time {
	return time.UnixMicro(int64(math.Round(timestamp * 1e6))).UTC()
}

func checkFinite(record schemapixel.Record) error {
	values := []float64{
		record.Timestamp,
		record.AutonomyIndex,
		record.StateVector.Phi,
		record.StateVector.Psi,
		record.StateVector.Omega,
		record.StateVector.Tau,
	}
	for _, value := range values {
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return fmt.Errorf("record %s contains a non-finite number", record.RecordID)
		}
	}
	return nil
}
