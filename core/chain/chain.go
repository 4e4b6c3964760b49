// Package chain checks that a sequence of sealed records is intact: every
// self hash matches its content and every prev hash names its predecessor.
package chain

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	coreerrors "github.com/davidahmann/qube/core/errors"
	"github.com/davidahmann/qube/core/pixel"
	schemapixel "github.com/davidahmann/qube/core/schema/v1/pixel"
)

type Reason string

const (
	ReasonHashMismatch    Reason = "hash_mismatch"
	ReasonLinkageBroken   Reason = "linkage_broken"
	ReasonGenesisMismatch Reason = "genesis_mismatch"
	ReasonAgentMismatch   Reason = "agent_mismatch"
	ReasonUndecodable     Reason = "undecodable_record"
	// ReasonTimestampRegression marks a record sealed earlier than its
	// predecessor. Replay and range reads assume non-decreasing time.
	ReasonTimestampRegression Reason = "timestamp_regression"
)

type Options struct {
	// RequireGenesis demands that the first record links to the genesis
	// sentinel. Off when validating a window cut from the middle of a ledger.
	RequireGenesis bool
	// AgentID, when set, must match every record. Otherwise every record must
	// match the first.
	AgentID string
}

type Result struct {
	OK      bool `json:"ok"`
	Checked int  `json:"checked"`
	// FailureIndex is -1 when OK.
	FailureIndex int    `json:"failure_index"`
	Reason       Reason `json:"reason,omitempty"`
	RecordID     string `json:"record_id,omitempty"`
	Detail       string `json:"detail,omitempty"`
}

// IntegrityError reports the first broken record of a chain.
type IntegrityError struct {
	Index    int
	RecordID string
	Reason   Reason
	Detail   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("chain broken at index %d (%s): %s", e.Index, e.Reason, e.Detail)
}

// Err returns nil for an intact chain and a chain integrity error otherwise.
func (r Result) Err() error {
	if r.OK {
		return nil
	}
	return coreerrors.ChainIntegrity(&IntegrityError{
		Index:    r.FailureIndex,
		RecordID: r.RecordID,
		Reason:   r.Reason,
		Detail:   r.Detail,
	})
}

// Validate walks records in order and stops at the first violation. An empty
// sequence is valid.
func Validate(records []schemapixel.Record, options Options) Result {
	agentID := options.AgentID
	if agentID == "" && len(records) > 0 {
		agentID = records[0].AgentID
	}
	for index, record := range records {
		fail := func(reason Reason, detail string) Result {
			return Result{
				Checked:      index,
				FailureIndex: index,
				Reason:       reason,
				RecordID:     record.RecordID,
				Detail:       detail,
			}
		}
		if record.AgentID != agentID {
			return fail(ReasonAgentMismatch, fmt.Sprintf("record agent %q in chain of %q", record.AgentID, agentID))
		}
		if err := pixel.VerifyHash(record); err != nil {
			return fail(ReasonHashMismatch, err.Error())
		}
		switch {
		case index == 0 && options.RequireGenesis:
			if record.PrevHash != pixel.GenesisHash {
				return fail(ReasonGenesisMismatch, fmt.Sprintf("first record links to %s", record.PrevHash))
			}
		case index > 0:
			if record.PrevHash != records[index-1].SelfHash {
				return fail(ReasonLinkageBroken, fmt.Sprintf("prev hash %s does not match predecessor %s", record.PrevHash, records[index-1].SelfHash))
			}
			if record.Timestamp < records[index-1].Timestamp {
				return fail(ReasonTimestampRegression, fmt.Sprintf("timestamp %v precedes predecessor %v", record.Timestamp, records[index-1].Timestamp))
			}
		}
	}
	return Result{OK: true, Checked: len(records), FailureIndex: -1}
}

// VerifiedPrefix returns the longest leading run of records that validates.
func VerifiedPrefix(records []schemapixel.Record, options Options) ([]schemapixel.Record, Result) {
	result := Validate(records, options)
	if result.OK {
		return records, result
	}
	return records[:result.FailureIndex], result
}

// Source supplies one agent's records for VerifyAll.
type Source func(ctx context.Context, agentID string) ([]schemapixel.Record, error)

// VerifyAll validates every listed agent's chain concurrently, at most
// concurrency at a time. Per-agent chain failures are reported in the result
// map; only load errors abort the run.
func VerifyAll(ctx context.Context, agentIDs []string, load Source, concurrency int) (map[string]Result, error) {
	if concurrency <= 0 {
		concurrency = 4
	}
	ids := append([]string(nil), agentIDs...)
	sort.Strings(ids)
	results := make([]Result, len(ids))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(concurrency)
	for index, agentID := range ids {
		group.Go(func() error {
			records, err := load(groupCtx, agentID)
			if err != nil {
				return fmt.Errorf("load chain %s: %w", agentID, err)
			}
			results[index] = Validate(records, Options{RequireGenesis: true, AgentID: agentID})
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	out := make(map[string]Result, len(ids))
	for index, agentID := range ids {
		out[agentID] = results[index]
	}
	return out, nil
}
