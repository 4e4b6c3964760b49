package chain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	coreerrors "github.com/davidahmann/qube/core/errors"
	"github.com/davidahmann/qube/core/pixel"
	schemapixel "github.com/davidahmann/qube/core/schema/v1/pixel"
	"github.com/davidahmann/qube/core/seal"
	"github.com/davidahmann/qube/internal/testutil"
)

func TestValidateIntactChain(t *testing.T) {
	records := testutil.Chain(t, "AGENT_C", 6)
	result := Validate(records, Options{RequireGenesis: true})
	if !result.OK || result.Checked != 6 || result.FailureIndex != -1 {
		t.Fatalf("expected intact chain, got %+v", result)
	}
	if err := result.Err(); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if empty := Validate(nil, Options{RequireGenesis: true}); !empty.OK {
		t.Fatalf("empty chain must be valid")
	}
}

func TestValidateReportsFirstFailure(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(records []schemapixel.Record) []schemapixel.Record
		options Options
		index   int
		reason  Reason
	}{
		{
			name: "content_tampered",
			mutate: func(records []schemapixel.Record) []schemapixel.Record {
				records[3].StateVector.Psi = 0.99
				return records
			},
			options: Options{RequireGenesis: true},
			index:   3,
			reason:  ReasonHashMismatch,
		},
		{
			name: "tampered_and_resealed",
			mutate: func(records []schemapixel.Record) []schemapixel.Record {
				records[2].AutonomyIndex = 0.9
				resealed, err := seal.Reseal(records[2])
				if err != nil {
					panic(err)
				}
				records[2] = resealed
				return records
			},
			options: Options{RequireGenesis: true},
			index:   3,
			reason:  ReasonLinkageBroken,
		},
		{
			name: "record_removed",
			mutate: func(records []schemapixel.Record) []schemapixel.Record {
				return append(records[:1], records[2:]...)
			},
			options: Options{RequireGenesis: true},
			index:   1,
			reason:  ReasonLinkageBroken,
		},
		{
			name: "window_without_genesis",
			mutate: func(records []schemapixel.Record) []schemapixel.Record {
				return records[2:]
			},
			options: Options{RequireGenesis: true},
			index:   0,
			reason:  ReasonGenesisMismatch,
		},
		{
			name: "foreign_agent",
			mutate: func(records []schemapixel.Record) []schemapixel.Record {
				return records
			},
			options: Options{RequireGenesis: true, AgentID: "AGENT_OTHER"},
			index:   0,
			reason:  ReasonAgentMismatch,
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			records := testCase.mutate(testutil.Chain(t, "AGENT_C", 6))
			result := Validate(records, testCase.options)
			if result.OK {
				t.Fatalf("expected failure")
			}
			if result.FailureIndex != testCase.index || result.Reason != testCase.reason {
				t.Fatalf("got index=%d reason=%s, want index=%d reason=%s", result.FailureIndex, result.Reason, testCase.index, testCase.reason)
			}
			err := result.Err()
			if !coreerrors.Is(err, coreerrors.CodeChainIntegrityFailure) {
				t.Fatalf("expected chain integrity error, got %v", err)
			}
			var integrity *IntegrityError
			if !errors.As(err, &integrity) || integrity.Index != testCase.index {
				t.Fatalf("expected typed integrity error at %d, got %v", testCase.index, err)
			}
		})
	}
}

func TestValidateReportsTimestampRegression(t *testing.T) {
	sealer := seal.New()
	records := make([]schemapixel.Record, 0, 3)
	var head *schemapixel.Record
	// tau keeps increasing while the record time steps back at index 2.
	for index, timestamp := range []float64{testutil.BaseTimestamp, testutil.BaseTimestamp + 10, testutil.BaseTimestamp + 5} {
		record, err := sealer.SealAt(testutil.State("AGENT_C", index), head, timestamp)
		if err != nil {
			t.Fatalf("seal %d: %v", index, err)
		}
		records = append(records, record)
		previous := record
		head = &previous
	}
	result := Validate(records, Options{RequireGenesis: true})
	if result.OK || result.FailureIndex != 2 || result.Reason != ReasonTimestampRegression {
		t.Fatalf("expected timestamp regression at index 2, got %+v", result)
	}
	if !coreerrors.Is(result.Err(), coreerrors.CodeChainIntegrityFailure) {
		t.Fatalf("expected chain integrity error, got %v", result.Err())
	}
}

func TestValidateWindowWithoutGenesisRequirement(t *testing.T) {
	records := testutil.Chain(t, "AGENT_C", 5)
	if result := Validate(records[2:], Options{}); !result.OK {
		t.Fatalf("interior window should validate without genesis requirement: %+v", result)
	}
}

func TestVerifiedPrefix(t *testing.T) {
	records := testutil.Chain(t, "AGENT_C", 5)
	records[3].Corridor = "DISTRICT_9.X.Y"
	prefix, result := VerifiedPrefix(records, Options{RequireGenesis: true})
	if result.OK || len(prefix) != 3 {
		t.Fatalf("expected three verified records, got %d (%+v)", len(prefix), result)
	}
	if prefix[2].SelfHash != records[2].SelfHash {
		t.Fatalf("prefix must share records with the input")
	}
}

func TestVerifyAll(t *testing.T) {
	chains := map[string][]schemapixel.Record{
		"AGENT_A": testutil.Chain(t, "AGENT_A", 4),
		"AGENT_B": testutil.Chain(t, "AGENT_B", 3),
		"AGENT_C": testutil.Chain(t, "AGENT_C", 5),
	}
	chains["AGENT_B"][1].PrevHash = pixel.GenesisHash
	load := func(_ context.Context, agentID string) ([]schemapixel.Record, error) {
		return chains[agentID], nil
	}
	results, err := VerifyAll(context.Background(), []string{"AGENT_C", "AGENT_A", "AGENT_B"}, load, 2)
	if err != nil {
		t.Fatalf("verify all: %v", err)
	}
	if !results["AGENT_A"].OK || !results["AGENT_C"].OK {
		t.Fatalf("expected intact chains for A and C: %+v", results)
	}
	if results["AGENT_B"].OK || results["AGENT_B"].FailureIndex != 1 {
		t.Fatalf("expected B to fail at index 1: %+v", results["AGENT_B"])
	}
}

func TestVerifyAllLoadError(t *testing.T) {
	load := func(_ context.Context, agentID string) ([]schemapixel.Record, error) {
		return nil, fmt.Errorf("backend down")
	}
	if _, err := VerifyAll(context.Background(), []string{"AGENT_A"}, load, 0); err == nil {
		t.Fatalf("expected load error")
	}
}
