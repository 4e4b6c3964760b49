package chain

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/davidahmann/qube/core/jcs"
	schemapixel "github.com/davidahmann/qube/core/schema/v1/pixel"
	"github.com/davidahmann/qube/core/sign"
)

const (
	AttestationSchemaID      = "qube.chain.attestation"
	AttestationSchemaVersion = "1.0.0"
)

type attestBody struct {
	AgentID       string `json:"agent_id"`
	RecordCount   int    `json:"record_count"`
	FirstRecordID string `json:"first_record_id"`
	HeadHash      string `json:"head_hash"`
	MerkleRoot    string `json:"merkle_root"`
}

func attestDigest(attestation schemapixel.Attestation) (string, error) {
	return jcs.DigestValue(attestBody{
		AgentID:       attestation.AgentID,
		RecordCount:   attestation.RecordCount,
		FirstRecordID: attestation.FirstRecordID,
		HeadHash:      attestation.HeadHash,
		MerkleRoot:    attestation.MerkleRoot,
	})
}

// Summarize builds an unsigned attestation of a complete, intact ledger.
func Summarize(records []schemapixel.Record, now time.Time, producerVersion string) (schemapixel.Attestation, error) {
	if len(records) == 0 {
		return schemapixel.Attestation{}, fmt.Errorf("cannot attest an empty ledger")
	}
	if err := Validate(records, Options{RequireGenesis: true}).Err(); err != nil {
		return schemapixel.Attestation{}, err
	}
	tree, err := BuildTree(records)
	if err != nil {
		return schemapixel.Attestation{}, err
	}
	attestation := schemapixel.Attestation{
		SchemaID:        AttestationSchemaID,
		SchemaVersion:   AttestationSchemaVersion,
		CreatedAt:       now.UTC(),
		ProducerVersion: producerVersion,
		AgentID:         records[0].AgentID,
		RecordCount:     len(records),
		FirstRecordID:   records[0].RecordID,
		HeadHash:        records[len(records)-1].SelfHash,
		MerkleRoot:      tree.Root().String(),
	}
	attestation.AttestDigest, err = attestDigest(attestation)
	if err != nil {
		return schemapixel.Attestation{}, err
	}
	return attestation, nil
}

// Attest summarizes records and signs the attestation digest.
func Attest(records []schemapixel.Record, priv ed25519.PrivateKey, now time.Time, producerVersion string) (schemapixel.Attestation, error) {
	attestation, err := Summarize(records, now, producerVersion)
	if err != nil {
		return schemapixel.Attestation{}, err
	}
	signature, err := sign.SignDigest(priv, attestation.AttestDigest)
	if err != nil {
		return schemapixel.Attestation{}, fmt.Errorf("sign attestation: %w", err)
	}
	attestation.Signature = &signature
	return attestation, nil
}

// VerifyAttestation checks the signature and that records still produce the
// attested head, count and Merkle root. records may have grown since the
// attestation was made; only the attested prefix is compared.
func VerifyAttestation(attestation schemapixel.Attestation, records []schemapixel.Record, pub ed25519.PublicKey) error {
	if attestation.Signature == nil {
		return fmt.Errorf("attestation is unsigned")
	}
	digest, err := attestDigest(attestation)
	if err != nil {
		return err
	}
	if digest != attestation.AttestDigest || attestation.Signature.SignedDigest != digest {
		return fmt.Errorf("attestation digest does not match its content")
	}
	ok, err := sign.VerifyDigest(pub, *attestation.Signature)
	if err != nil {
		return fmt.Errorf("verify attestation signature: %w", err)
	}
	if !ok {
		return fmt.Errorf("attestation signature does not verify")
	}
	if len(records) < attestation.RecordCount {
		return fmt.Errorf("ledger has %d records, attestation covers %d", len(records), attestation.RecordCount)
	}
	current, err := Summarize(records[:attestation.RecordCount], attestation.CreatedAt, attestation.ProducerVersion)
	if err != nil {
		return err
	}
	if current.AttestDigest != attestation.AttestDigest {
		return fmt.Errorf("ledger content no longer matches attestation (head %s, root %s)", current.HeadHash, current.MerkleRoot)
	}
	return nil
}
