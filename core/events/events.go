// Package events is the read-only event lattice oracle that event references
// in token pixels must resolve against.
package events

import (
	"fmt"
	"sort"
	"strings"
)

type Event struct {
	Reference string `json:"reference" yaml:"reference"`
	Kind      string `json:"kind,omitempty" yaml:"kind"`
	Summary   string `json:"summary,omitempty" yaml:"summary"`
}

type Lattice interface {
	Contains(reference string) bool
	Get(reference string) (Event, bool)
}

// StaticLattice is an immutable in-memory lattice.
type StaticLattice struct {
	events map[string]Event
}

func NewStaticLattice(entries []Event) (*StaticLattice, error) {
	lattice := &StaticLattice{events: make(map[string]Event, len(entries))}
	for _, entry := range entries {
		reference := strings.TrimSpace(entry.Reference)
		if reference == "" {
			return nil, fmt.Errorf("event reference is required")
		}
		if _, exists := lattice.events[reference]; exists {
			return nil, fmt.Errorf("duplicate event reference: %s", reference)
		}
		entry.Reference = reference
		lattice.events[reference] = entry
	}
	return lattice, nil
}

// FromReferences builds a lattice of bare references.
func FromReferences(references ...string) (*StaticLattice, error) {
	entries := make([]Event, 0, len(references))
	for _, reference := range references {
		entries = append(entries, Event{Reference: reference})
	}
	return NewStaticLattice(entries)
}

func (l *StaticLattice) Contains(reference string) bool {
	_, ok := l.Get(reference)
	return ok
}

func (l *StaticLattice) Get(reference string) (Event, bool) {
	if l == nil {
		return Event{}, false
	}
	event, ok := l.events[strings.TrimSpace(reference)]
	return event, ok
}

func (l *StaticLattice) References() []string {
	if l == nil {
		return nil
	}
	out := make([]string, 0, len(l.events))
	for reference := range l.events {
		out = append(out, reference)
	}
	sort.Strings(out)
	return out
}
