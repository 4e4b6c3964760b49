package pixel

import (
	"time"

	"github.com/davidahmann/qube/core/phase"
)

// Record is the sealed token pixel as persisted and hashed. JSON keys follow the
// token pixel stream format consumed by edge runtimes.
type Record struct {
	RecordID       string       `json:"tokenPixelId"`
	Timestamp      float64      `json:"timestamp"`
	AgentID        string       `json:"agentId"`
	Corridor       string       `json:"corridor"`
	StateVector    phase.Vector `json:"stateVector"`
	IntentDigest   string       `json:"intentHash"`
	EventReference string       `json:"eventDelta"`
	AutonomyIndex  float64      `json:"autonomyIndex"`
	VoxelSignature string       `json:"voxelSignature"`
	PrevHash       string       `json:"prevHash"`
	SelfHash       string       `json:"hash"`
}

type Branch struct {
	SchemaID       string    `json:"schema_id"`
	SchemaVersion  string    `json:"schema_version"`
	CreatedAt      time.Time `json:"created_at"`
	BranchID       string    `json:"branch_id"`
	AgentID        string    `json:"agent_id"`
	ForkIndex      int       `json:"fork_index"`
	ForkedRecordID string    `json:"forked_record_id"`
	ReplacedField  string    `json:"replaced_field"`
	SourceHeadHash string    `json:"source_head_hash"`
	Records        []Record  `json:"records"`
}

type Signature struct {
	Alg          string `json:"alg"`
	KeyID        string `json:"key_id"`
	Sig          string `json:"sig"`
	SignedDigest string `json:"signed_digest,omitempty"`
}

type Attestation struct {
	SchemaID        string     `json:"schema_id"`
	SchemaVersion   string     `json:"schema_version"`
	CreatedAt       time.Time  `json:"created_at"`
	ProducerVersion string     `json:"producer_version"`
	AgentID         string     `json:"agent_id"`
	RecordCount     int        `json:"record_count"`
	FirstRecordID   string     `json:"first_record_id"`
	HeadHash        string     `json:"head_hash"`
	MerkleRoot      string     `json:"merkle_root"`
	AttestDigest    string     `json:"attest_digest"`
	Signature       *Signature `json:"signature,omitempty"`
}

type QuarantineEntry struct {
	SchemaID       string       `json:"schema_id"`
	SchemaVersion  string       `json:"schema_version"`
	CreatedAt      time.Time    `json:"created_at"`
	AgentID        string       `json:"agent_id"`
	Stage          string       `json:"stage"`
	Corridor       string       `json:"corridor,omitempty"`
	StateVector    phase.Vector `json:"state_vector"`
	IntentDigest   string       `json:"intent_digest,omitempty"`
	EventReference string       `json:"event_reference,omitempty"`
	AutonomyIndex  float64      `json:"autonomy_index"`
	VoxelSignature string       `json:"voxel_signature,omitempty"`
	FailedRules    []string     `json:"failed_rules,omitempty"`
	Reason         string       `json:"reason"`
}
