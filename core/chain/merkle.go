package chain

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/davidahmann/qube/core/pixel"
	schemapixel "github.com/davidahmann/qube/core/schema/v1/pixel"
)

// MerklePrefix tags Merkle roots and nodes in text form.
const MerklePrefix = "blake3:"

type Hash [32]byte

func (h Hash) String() string {
	return MerklePrefix + hex.EncodeToString(h[:])
}

func ParseHash(text string) (Hash, error) {
	var hash Hash
	decoded, err := hex.DecodeString(strings.TrimPrefix(text, MerklePrefix))
	if err != nil {
		return hash, fmt.Errorf("parse merkle hash: %w", err)
	}
	if len(decoded) != len(hash) {
		return hash, fmt.Errorf("merkle hash is %d bytes, want %d", len(decoded), len(hash))
	}
	copy(hash[:], decoded)
	return hash, nil
}

type domainKey [32]byte

// Leaf and node hashes live in separate keyed domains so a leaf can never be
// replayed as an interior node. Changing either key changes every root.
var (
	leafDomainKey = domainKey{
		'q', 'u', 'b', 'e', '.', 'p', 'i', 'x', 'e', 'l', '.', 'l', 'e', 'a', 'f',
	}
	nodeDomainKey = domainKey{
		'q', 'u', 'b', 'e', '.', 'p', 'i', 'x', 'e', 'l', '.', 'n', 'o', 'd', 'e',
	}
)

func keyedHash(key domainKey, data []byte) Hash {
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("chain: blake3 keyed hash initialization failed: " + err.Error())
	}
	_, _ = hasher.Write(data)
	var hash Hash
	copy(hash[:], hasher.Sum(nil))
	return hash
}

func leafHash(record schemapixel.Record) Hash {
	return keyedHash(leafDomainKey, []byte(record.SelfHash))
}

func nodeHash(left, right Hash) Hash {
	var combined [64]byte
	copy(combined[:32], left[:])
	copy(combined[32:], right[:])
	return keyedHash(nodeDomainKey, combined[:])
}

// Tree is a binary Merkle tree over record self hashes. An odd node at the
// end of a level is promoted unchanged, never duplicated.
type Tree struct {
	levels [][]Hash
}

func BuildTree(records []schemapixel.Record) (*Tree, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("merkle tree needs at least one record")
	}
	level := make([]Hash, len(records))
	for index, record := range records {
		level[index] = leafHash(record)
	}
	levels := [][]Hash{level}
	for len(level) > 1 {
		next := make([]Hash, (len(level)+1)/2)
		for index := 0; index+1 < len(level); index += 2 {
			next[index/2] = nodeHash(level[index], level[index+1])
		}
		if len(level)%2 == 1 {
			next[len(next)-1] = level[len(level)-1]
		}
		levels = append(levels, next)
		level = next
	}
	return &Tree{levels: levels}, nil
}

func (t *Tree) Root() Hash {
	top := t.levels[len(t.levels)-1]
	return top[0]
}

func (t *Tree) Len() int {
	return len(t.levels[0])
}

type Side string

const (
	SideLeft  Side = "left"
	SideRight Side = "right"
)

type ProofStep struct {
	Sibling string `json:"sibling"`
	Side    Side   `json:"side"`
}

type Proof struct {
	Index     int         `json:"index"`
	LeafCount int         `json:"leaf_count"`
	Steps     []ProofStep `json:"steps"`
}

// Proof returns the audit path for the record at index. Levels where the
// node was promoted contribute no step.
func (t *Tree) Proof(index int) (Proof, error) {
	if index < 0 || index >= t.Len() {
		return Proof{}, fmt.Errorf("proof index %d outside tree of %d leaves", index, t.Len())
	}
	proof := Proof{Index: index, LeafCount: t.Len()}
	position := index
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := position ^ 1
		if sibling < len(level) {
			side := SideRight
			if sibling < position {
				side = SideLeft
			}
			proof.Steps = append(proof.Steps, ProofStep{Sibling: level[sibling].String(), Side: side})
		}
		position /= 2
	}
	return proof, nil
}

// VerifyProof checks that record, with an intact self hash, sits under root.
func VerifyProof(root Hash, record schemapixel.Record, proof Proof) error {
	if err := pixel.VerifyHash(record); err != nil {
		return err
	}
	current := leafHash(record)
	for index, step := range proof.Steps {
		sibling, err := ParseHash(step.Sibling)
		if err != nil {
			return fmt.Errorf("proof step %d: %w", index, err)
		}
		switch step.Side {
		case SideLeft:
			current = nodeHash(sibling, current)
		case SideRight:
			current = nodeHash(current, sibling)
		default:
			return fmt.Errorf("proof step %d: unknown side %q", index, step.Side)
		}
	}
	if current != root {
		return fmt.Errorf("merkle proof for record %s does not reach root %s", record.RecordID, root)
	}
	return nil
}
