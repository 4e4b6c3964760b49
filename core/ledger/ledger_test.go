package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/davidahmann/qube/core/chain"
	coreerrors "github.com/davidahmann/qube/core/errors"
	"github.com/davidahmann/qube/core/pixel"
	schemapixel "github.com/davidahmann/qube/core/schema/v1/pixel"
	"github.com/davidahmann/qube/core/seal"
	"github.com/davidahmann/qube/core/store"
	"github.com/davidahmann/qube/core/store/badgerstore"
	"github.com/davidahmann/qube/core/store/filestore"
	"github.com/davidahmann/qube/internal/testutil"
)

func openMemory(t *testing.T, agentID string) (*Ledger, *store.Memory) {
	t.Helper()
	backend := store.NewMemory()
	opened, err := Open(context.Background(), agentID, backend, nil)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	return opened, backend
}

func appendAll(t *testing.T, target *Ledger, records []schemapixel.Record) {
	t.Helper()
	for index, record := range records {
		if err := target.Append(context.Background(), record); err != nil {
			t.Fatalf("append %d: %v", index, err)
		}
	}
}

func TestAppendLatestAndSnapshot(t *testing.T) {
	target, _ := openMemory(t, "AGENT_L")
	if _, ok := target.Latest(); ok {
		t.Fatalf("empty ledger must have no head")
	}
	records := testutil.Chain(t, "AGENT_L", 4)
	appendAll(t, target, records)

	head, ok := target.Latest()
	if !ok || head.SelfHash != records[3].SelfHash {
		t.Fatalf("unexpected head: %+v", head)
	}
	snapshot := target.Records()
	snapshot[0].Corridor = "mutated"
	if target.Records()[0].Corridor == "mutated" {
		t.Fatalf("snapshot must not alias ledger storage")
	}
	if target.Len() != 4 {
		t.Fatalf("unexpected length %d", target.Len())
	}
}

func TestAppendRejectsStalePrevHash(t *testing.T) {
	target, backend := openMemory(t, "AGENT_L")
	records := testutil.Chain(t, "AGENT_L", 3)
	appendAll(t, target, records[:2])

	stale := testutil.Chain(t, "AGENT_L", 2)[1]
	err := target.Append(context.Background(), stale)
	if !coreerrors.Is(err, coreerrors.CodeAppendConflict) {
		t.Fatalf("expected append conflict, got %v", err)
	}
	var conflict *ConflictError
	if !errors.As(err, &conflict) || conflict.ExpectedPrev != records[1].SelfHash || conflict.GotPrev != stale.PrevHash {
		t.Fatalf("expected typed conflict, got %v", err)
	}
	if target.Len() != 2 {
		t.Fatalf("rejected append must leave ledger unchanged")
	}
	stored, _ := backend.ReadRange(context.Background(), "AGENT_L", 0, 0)
	if len(stored) != 2 {
		t.Fatalf("rejected append must not reach storage, got %d payloads", len(stored))
	}

	if err := target.Append(context.Background(), records[0]); !coreerrors.Is(err, coreerrors.CodeAppendConflict) {
		t.Fatalf("re-appending an old record must conflict, got %v", err)
	}
}

func TestAppendRejectsForeignAgentAndBadHash(t *testing.T) {
	target, _ := openMemory(t, "AGENT_L")
	foreign := testutil.Chain(t, "AGENT_X", 1)[0]
	err := target.Append(context.Background(), foreign)
	var conflict *ConflictError
	if !errors.As(err, &conflict) || conflict.RecordAgent != "AGENT_X" {
		t.Fatalf("expected foreign agent conflict, got %v", err)
	}

	tampered := testutil.Chain(t, "AGENT_L", 1)[0]
	tampered.AutonomyIndex = 0.5
	err = target.Append(context.Background(), tampered)
	if !coreerrors.Is(err, coreerrors.CodeChainIntegrityFailure) {
		t.Fatalf("expected chain integrity error, got %v", err)
	}
	if target.Len() != 0 {
		t.Fatalf("ledger must stay empty")
	}
}

type failingBackend struct {
	store.Backend
}

func (failingBackend) AppendDurable(context.Context, string, []byte) error {
	return errors.New("disk full")
}

func TestAppendStorageFailureLeavesLedgerUnchanged(t *testing.T) {
	target, err := Open(context.Background(), "AGENT_L", failingBackend{Backend: store.NewMemory()}, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	record := testutil.Chain(t, "AGENT_L", 1)[0]
	err = target.Append(context.Background(), record)
	if !coreerrors.Is(err, coreerrors.CodeStorageFailure) {
		t.Fatalf("expected storage failure, got %v", err)
	}
	if _, ok := target.Latest(); ok {
		t.Fatalf("head must not advance when storage fails")
	}
}

func TestRangeIsInclusive(t *testing.T) {
	target, _ := openMemory(t, "AGENT_L")
	records := testutil.Chain(t, "AGENT_L", 5)
	appendAll(t, target, records)

	window := target.Range(records[1].Timestamp, records[3].Timestamp)
	if len(window) != 3 || window[0].RecordID != records[1].RecordID || window[2].RecordID != records[3].RecordID {
		t.Fatalf("unexpected window: %d records", len(window))
	}
	if empty := target.Range(records[4].Timestamp+1, records[4].Timestamp+10); len(empty) != 0 {
		t.Fatalf("expected empty range after head")
	}
}

func TestAppendRejectsTimestampRegression(t *testing.T) {
	ctx := context.Background()
	target, backend := openMemory(t, "AGENT_L")
	first := testutil.State("AGENT_L", 0)
	second := testutil.State("AGENT_L", 1)
	third := testutil.State("AGENT_L", 2)
	sealer := seal.New()

	head, err := sealer.SealAt(first, nil, testutil.BaseTimestamp+100)
	if err != nil {
		t.Fatalf("seal head: %v", err)
	}
	appendAll(t, target, []schemapixel.Record{head})

	// tau grows but the wall clock went backwards.
	older, err := sealer.SealAt(second, &head, testutil.BaseTimestamp)
	if err != nil {
		t.Fatalf("seal older: %v", err)
	}
	err = target.Append(ctx, older)
	if !coreerrors.Is(err, coreerrors.CodeAppendConflict) {
		t.Fatalf("expected append conflict, got %v", err)
	}
	var conflict *ConflictError
	if !errors.As(err, &conflict) || conflict.HeadTimestamp != head.Timestamp || conflict.GotTimestamp != older.Timestamp {
		t.Fatalf("expected timestamp detail in conflict, got %v", err)
	}
	stored, err := backend.ReadRange(ctx, "AGENT_L", 0, 0)
	if err != nil {
		t.Fatalf("read stored: %v", err)
	}
	if target.Len() != 1 || len(stored) != 1 {
		t.Fatalf("rejected record must not reach the ledger or storage")
	}

	same, err := sealer.SealAt(second, &head, head.Timestamp)
	if err != nil {
		t.Fatalf("seal same time: %v", err)
	}
	later, err := sealer.SealAt(third, &same, head.Timestamp+5)
	if err != nil {
		t.Fatalf("seal later: %v", err)
	}
	appendAll(t, target, []schemapixel.Record{same, later})
	if window := target.Range(head.Timestamp, head.Timestamp+5); len(window) != 3 {
		t.Fatalf("expected every record in range, got %d", len(window))
	}
}

func TestOpenRejectsStoredTimestampRegression(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemory()
	sealer := seal.New()
	head, err := sealer.SealAt(testutil.State("AGENT_L", 0), nil, testutil.BaseTimestamp+100)
	if err != nil {
		t.Fatalf("seal head: %v", err)
	}
	older, err := sealer.SealAt(testutil.State("AGENT_L", 1), &head, testutil.BaseTimestamp)
	if err != nil {
		t.Fatalf("seal older: %v", err)
	}
	for _, record := range []schemapixel.Record{head, older} {
		payload, err := pixel.Marshal(record)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if err := backend.AppendDurable(ctx, "AGENT_L", payload); err != nil {
			t.Fatalf("append durable: %v", err)
		}
	}
	_, err = Open(ctx, "AGENT_L", backend, nil)
	var integrity *chain.IntegrityError
	if !errors.As(err, &integrity) || integrity.Index != 1 || integrity.Reason != chain.ReasonTimestampRegression {
		t.Fatalf("expected timestamp regression at index 1, got %v", err)
	}
}

func TestOpenReloadsAndDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	target, backend := openMemory(t, "AGENT_L")
	records := testutil.Chain(t, "AGENT_L", 5)
	appendAll(t, target, records)

	reopened, err := Open(ctx, "AGENT_L", backend, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	head, _ := reopened.Latest()
	if head.SelfHash != records[4].SelfHash {
		t.Fatalf("reopened head mismatch")
	}

	tampered := records[2]
	tampered.StateVector.Omega = 3
	payload, err := pixel.Marshal(tampered)
	if err != nil {
		t.Fatalf("marshal tampered: %v", err)
	}
	if err := backend.Overwrite("AGENT_L", 2, payload); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	_, err = Open(ctx, "AGENT_L", backend, nil)
	var integrity *chain.IntegrityError
	if !errors.As(err, &integrity) || integrity.Index != 2 || integrity.Reason != chain.ReasonHashMismatch {
		t.Fatalf("expected integrity failure at index 2, got %v", err)
	}

	if err := backend.Overwrite("AGENT_L", 2, []byte(`{"not":"a pixel"}`)); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	_, err = Open(ctx, "AGENT_L", backend, nil)
	if !errors.As(err, &integrity) || integrity.Index != 2 {
		t.Fatalf("expected undecodable record at index 2, got %v", err)
	}
}

func TestConcurrentAppendsSameHeadExactlyOneWins(t *testing.T) {
	target, _ := openMemory(t, "AGENT_L")
	base := testutil.Chain(t, "AGENT_L", 1)
	appendAll(t, target, base)

	sealer := seal.New()
	const contenders = 16
	candidates := make([]schemapixel.Record, contenders)
	for index := range candidates {
		record, err := sealer.SealAt(testutil.State("AGENT_L", 1), &base[0], testutil.BaseTimestamp+1)
		if err != nil {
			t.Fatalf("seal candidate: %v", err)
		}
		candidates[index] = record
	}

	var wins, conflicts int
	var mu sync.Mutex
	var group sync.WaitGroup
	for _, candidate := range candidates {
		group.Add(1)
		go func(record schemapixel.Record) {
			defer group.Done()
			err := target.Append(context.Background(), record)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case coreerrors.Is(err, coreerrors.CodeAppendConflict):
				conflicts++
			default:
				t.Errorf("unexpected append error: %v", err)
			}
		}(candidate)
	}
	group.Wait()
	if wins != 1 || conflicts != contenders-1 {
		t.Fatalf("expected exactly one winner, wins=%d conflicts=%d", wins, conflicts)
	}
	if result := chain.Validate(target.Records(), chain.Options{RequireGenesis: true}); !result.OK {
		t.Fatalf("ledger must stay a valid chain: %+v", result)
	}
}

func TestLedgerOverFileAndBadgerStores(t *testing.T) {
	ctx := context.Background()
	files, err := filestore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open file store: %v", err)
	}
	badger, err := badgerstore.Open(badgerstore.InMemoryConfig())
	if err != nil {
		t.Fatalf("open badger store: %v", err)
	}
	t.Cleanup(func() {
		_ = badger.Close()
	})
	backends := map[string]store.Backend{"jsonl": files, "badger": badger}
	for name, backend := range backends {
		t.Run(name, func(t *testing.T) {
			target, err := Open(ctx, "AGENT_S", backend, nil)
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			records := testutil.Chain(t, "AGENT_S", 4)
			appendAll(t, target, records)
			reopened, err := Open(ctx, "AGENT_S", backend, nil)
			if err != nil {
				t.Fatalf("reopen: %v", err)
			}
			got := reopened.Records()
			if len(got) != 4 {
				t.Fatalf("expected 4 records after reopen, got %d", len(got))
			}
			for index := range got {
				if got[index] != records[index] {
					t.Fatalf("record %d did not round trip", index)
				}
			}
		})
	}
}
