package fsx

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestReadLinesSkipsBlankAndKeepsNumbering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lines.jsonl")
	if err := os.WriteFile(path, []byte("a\n\n  \nb\nc"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	var got []string
	var numbers []int
	err := ReadLines(path, func(lineNumber int, line []byte) error {
		got = append(got, string(line))
		numbers = append(numbers, lineNumber)
		return nil
	})
	if err != nil {
		t.Fatalf("read lines: %v", err)
	}
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unexpected lines: %v", got)
	}
	if numbers[1] != 4 || numbers[2] != 5 {
		t.Fatalf("unexpected line numbers: %v", numbers)
	}
}

func TestReadLinesMissingFileIsEmpty(t *testing.T) {
	calls := 0
	err := ReadLines(filepath.Join(t.TempDir(), "absent.jsonl"), func(int, []byte) error {
		calls++
		return nil
	})
	if err != nil || calls != 0 {
		t.Fatalf("expected empty read, err=%v calls=%d", err, calls)
	}
}

func TestReadLinesStopsOnCallbackError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lines.jsonl")
	if err := os.WriteFile(path, []byte("a\nb\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	stop := errors.New("stop")
	calls := 0
	err := ReadLines(path, func(int, []byte) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) || calls != 1 {
		t.Fatalf("expected callback error after one line, err=%v calls=%d", err, calls)
	}
}
