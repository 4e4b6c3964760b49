package store

import (
	"context"
	"testing"
)

func TestMemoryAppendAndReadRange(t *testing.T) {
	ctx := context.Background()
	backend := NewMemory()
	for _, payload := range []string{"a", "b", "c", "d"} {
		if err := backend.AppendDurable(ctx, "agent-1", []byte(payload)); err != nil {
			t.Fatalf("append %s: %v", payload, err)
		}
	}
	all, err := backend.ReadRange(ctx, "agent-1", 0, 0)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(all) != 4 || string(all[3]) != "d" {
		t.Fatalf("unexpected payloads: %q", all)
	}
	window, err := backend.ReadRange(ctx, "agent-1", 1, 2)
	if err != nil {
		t.Fatalf("read window: %v", err)
	}
	if len(window) != 2 || string(window[0]) != "b" || string(window[1]) != "c" {
		t.Fatalf("unexpected window: %q", window)
	}
	window[0][0] = 'z'
	again, _ := backend.ReadRange(ctx, "agent-1", 1, 1)
	if string(again[0]) != "b" {
		t.Fatalf("read must return copies, got %q", again[0])
	}
	empty, err := backend.ReadRange(ctx, "agent-2", 0, 0)
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected empty unknown agent, got %q err=%v", empty, err)
	}
}

func TestMemoryAgentsSorted(t *testing.T) {
	ctx := context.Background()
	backend := NewMemory()
	for _, agentID := range []string{"zeta", "alpha", "mid"} {
		if err := backend.AppendDurable(ctx, agentID, []byte("{}")); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	agents, err := backend.Agents(ctx)
	if err != nil {
		t.Fatalf("agents: %v", err)
	}
	if len(agents) != 3 || agents[0] != "alpha" || agents[2] != "zeta" {
		t.Fatalf("unexpected agents: %v", agents)
	}
}

func TestMemoryRejectsBadAgentAndClosed(t *testing.T) {
	ctx := context.Background()
	backend := NewMemory()
	if err := backend.AppendDurable(ctx, " ", []byte("{}")); err == nil {
		t.Fatalf("expected blank agent rejection")
	}
	if err := backend.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := backend.AppendDurable(ctx, "agent", []byte("{}")); err == nil {
		t.Fatalf("expected append after close to fail")
	}
}

func TestWindow(t *testing.T) {
	testCases := []struct {
		name                 string
		total, offset, limit int
		start, end           int
	}{
		{name: "all", total: 5, start: 0, end: 5},
		{name: "limited", total: 5, offset: 1, limit: 2, start: 1, end: 3},
		{name: "limit_past_end", total: 5, offset: 4, limit: 10, start: 4, end: 5},
		{name: "offset_past_end", total: 5, offset: 9, start: 5, end: 5},
		{name: "negative_offset", total: 3, offset: -2, limit: 1, start: 0, end: 1},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			start, end := Window(testCase.total, testCase.offset, testCase.limit)
			if start != testCase.start || end != testCase.end {
				t.Fatalf("window=(%d,%d) want (%d,%d)", start, end, testCase.start, testCase.end)
			}
		})
	}
}
