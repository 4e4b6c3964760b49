package badgerstore

import (
	"bytes"
	"context"
	"fmt"
	"testing"
)

func openInMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(InMemoryConfig())
	if err != nil {
		t.Fatalf("open in-memory badger: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func TestAppendAndReadRange(t *testing.T) {
	ctx := context.Background()
	s := openInMemory(t)
	for index := 0; index < 5; index++ {
		if err := s.AppendDurable(ctx, "agent-1", []byte(fmt.Sprintf(`{"n":%d}`, index))); err != nil {
			t.Fatalf("append %d: %v", index, err)
		}
	}
	all, err := s.ReadRange(ctx, "agent-1", 0, 0)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(all) != 5 || string(all[4]) != `{"n":4}` {
		t.Fatalf("unexpected payloads: %q", all)
	}
	window, err := s.ReadRange(ctx, "agent-1", 2, 2)
	if err != nil {
		t.Fatalf("read window: %v", err)
	}
	if len(window) != 2 || string(window[0]) != `{"n":2}` || string(window[1]) != `{"n":3}` {
		t.Fatalf("unexpected window: %q", window)
	}
}

func TestAgentsDoNotOverlap(t *testing.T) {
	ctx := context.Background()
	s := openInMemory(t)
	if err := s.AppendDurable(ctx, "a", []byte("short")); err != nil {
		t.Fatalf("append a: %v", err)
	}
	if err := s.AppendDurable(ctx, "a/b", []byte("long")); err != nil {
		t.Fatalf("append a/b: %v", err)
	}
	short, err := s.ReadRange(ctx, "a", 0, 0)
	if err != nil {
		t.Fatalf("read a: %v", err)
	}
	if len(short) != 1 || !bytes.Equal(short[0], []byte("short")) {
		t.Fatalf("agent ranges overlap: %q", short)
	}
	agents, err := s.Agents(ctx)
	if err != nil {
		t.Fatalf("agents: %v", err)
	}
	if len(agents) != 2 {
		t.Fatalf("expected two agents, got %v", agents)
	}
}

func TestPersistentReopen(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig(t.TempDir())
	cfg.GCInterval = 0
	first, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := first.AppendDurable(ctx, "agent", []byte(`{"n":0}`)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	second, err := Open(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() {
		_ = second.Close()
	}()
	if err := second.AppendDurable(ctx, "agent", []byte(`{"n":1}`)); err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
	all, err := second.ReadRange(ctx, "agent", 0, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(all) != 2 || string(all[1]) != `{"n":1}` {
		t.Fatalf("sequence counter did not survive reopen: %q", all)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(Config{}); err == nil {
		t.Fatalf("expected error for persistent config without path")
	}
}
