package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/davidahmann/qube/core/chain"
	"github.com/davidahmann/qube/core/pixel"
	"github.com/davidahmann/qube/core/store"
	"github.com/davidahmann/qube/internal/testutil"
)

func TestBookIndependentAgentsInParallel(t *testing.T) {
	ctx := context.Background()
	book := NewBook(store.NewMemory(), nil)
	agents := []string{"AGENT_A", "AGENT_B", "AGENT_C", "AGENT_D"}
	var group sync.WaitGroup
	for _, agentID := range agents {
		records := testutil.Chain(t, agentID, 5)
		group.Add(1)
		go func() {
			defer group.Done()
			for _, record := range records {
				if err := book.Append(ctx, record); err != nil {
					t.Errorf("append %s: %v", agentID, err)
					return
				}
			}
		}()
	}
	group.Wait()

	listed, err := book.Agents(ctx)
	if err != nil {
		t.Fatalf("agents: %v", err)
	}
	if len(listed) != len(agents) {
		t.Fatalf("unexpected agents: %v", listed)
	}
	for _, agentID := range agents {
		target, err := book.Ledger(ctx, agentID)
		if err != nil {
			t.Fatalf("ledger %s: %v", agentID, err)
		}
		if target.Len() != 5 {
			t.Fatalf("agent %s has %d records", agentID, target.Len())
		}
	}
	window, err := book.Range(ctx, "AGENT_B", 0, testutil.BaseTimestamp+1)
	if err != nil || len(window) != 2 {
		t.Fatalf("unexpected range: %d records err=%v", len(window), err)
	}
}

func TestBookVerifyAllReportsCorruptAgent(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemory()
	book := NewBook(backend, nil)
	for _, agentID := range []string{"AGENT_A", "AGENT_B", "AGENT_C"} {
		for _, record := range testutil.Chain(t, agentID, 4) {
			if err := book.Append(ctx, record); err != nil {
				t.Fatalf("append: %v", err)
			}
		}
	}
	target, _ := book.Ledger(ctx, "AGENT_B")
	tampered := target.Records()[1]
	tampered.EventReference = "EVENT_002"
	payload, err := pixel.Marshal(tampered)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := backend.Overwrite("AGENT_B", 1, payload); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if err := backend.Overwrite("AGENT_C", 3, []byte("garbage")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	results, err := book.VerifyAll(ctx, 2)
	if err != nil {
		t.Fatalf("verify all: %v", err)
	}
	if !results["AGENT_A"].OK {
		t.Fatalf("AGENT_A should verify: %+v", results["AGENT_A"])
	}
	if results["AGENT_B"].OK || results["AGENT_B"].FailureIndex != 1 || results["AGENT_B"].Reason != chain.ReasonHashMismatch {
		t.Fatalf("AGENT_B should fail at 1: %+v", results["AGENT_B"])
	}
	if results["AGENT_C"].OK || results["AGENT_C"].FailureIndex != 3 {
		t.Fatalf("AGENT_C should fail at 3: %+v", results["AGENT_C"])
	}
}
