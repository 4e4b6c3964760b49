// Package parity applies the fixed rule set a canonical state must pass before
// it may be sealed. Every rule is evaluated so diagnostics list all failures.
package parity

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/davidahmann/qube/core/canon"
	"github.com/davidahmann/qube/core/corridor"
	coreerrors "github.com/davidahmann/qube/core/errors"
	"github.com/davidahmann/qube/core/events"
	schemapixel "github.com/davidahmann/qube/core/schema/v1/pixel"
)

type Rule int

const (
	RuleStateBounds Rule = iota + 1
	RuleCorridorResolves
	RuleIntentDigestFormat
	RuleEventResolves
	RuleAutonomyRange
	RuleVoxelFormat
	RuleTemporalMonotonic
)

var ruleNames = map[Rule]string{
	RuleStateBounds:        "state_bounds",
	RuleCorridorResolves:   "corridor_resolves",
	RuleIntentDigestFormat: "intent_digest_format",
	RuleEventResolves:      "event_resolves",
	RuleAutonomyRange:      "autonomy_range",
	RuleVoxelFormat:        "voxel_format",
	RuleTemporalMonotonic:  "temporal_monotonic",
}

func (r Rule) String() string {
	if name, ok := ruleNames[r]; ok {
		return name
	}
	return fmt.Sprintf("rule_%d", int(r))
}

// Rules lists every rule in evaluation order.
func Rules() []Rule {
	return []Rule{
		RuleStateBounds,
		RuleCorridorResolves,
		RuleIntentDigestFormat,
		RuleEventResolves,
		RuleAutonomyRange,
		RuleVoxelFormat,
		RuleTemporalMonotonic,
	}
}

const DefaultVoxelPattern = `^VXL_0x[0-9A-Fa-f]{1,16}$`

var intentDigestPattern = regexp.MustCompile(`^sha256:[0-9a-f]{64}$`)

type RuleOutcome struct {
	Rule   Rule   `json:"rule"`
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

type Result struct {
	Passed   bool          `json:"passed"`
	Outcomes []RuleOutcome `json:"outcomes"`
}

// Failed returns the outcomes of failing rules in evaluation order.
func (r Result) Failed() []RuleOutcome {
	failed := make([]RuleOutcome, 0)
	for _, outcome := range r.Outcomes {
		if !outcome.Passed {
			failed = append(failed, outcome)
		}
	}
	return failed
}

// FailedNames returns failing rule names, e.g. for quarantine entries.
func (r Result) FailedNames() []string {
	failed := r.Failed()
	names := make([]string, 0, len(failed))
	for _, outcome := range failed {
		names = append(names, outcome.Name)
	}
	return names
}

// Err returns nil when every rule passed, otherwise a classified
// ValidationFailure wrapping a *ValidationError.
func (r Result) Err() error {
	if r.Passed {
		return nil
	}
	return coreerrors.ValidationFailure(&ValidationError{Failed: r.Failed()})
}

// ValidationError carries the failing rules.
type ValidationError struct {
	Failed []RuleOutcome
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Failed))
	for _, outcome := range e.Failed {
		parts = append(parts, fmt.Sprintf("%s (%s)", outcome.Name, outcome.Detail))
	}
	return "parity validation failed: " + strings.Join(parts, "; ")
}

// Has reports whether rule is among the failures.
func (e *ValidationError) Has(rule Rule) bool {
	for _, outcome := range e.Failed {
		if outcome.Rule == rule {
			return true
		}
	}
	return false
}

type Options struct {
	VoxelPattern string
}

type Validator struct {
	graph        corridor.Graph
	lattice      events.Lattice
	voxelPattern *regexp.Regexp
}

func NewValidator(graph corridor.Graph, lattice events.Lattice, options Options) (*Validator, error) {
	if graph == nil {
		return nil, fmt.Errorf("corridor graph is required")
	}
	if lattice == nil {
		return nil, fmt.Errorf("event lattice is required")
	}
	pattern := strings.TrimSpace(options.VoxelPattern)
	if pattern == "" {
		pattern = DefaultVoxelPattern
	}
	compiled, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile voxel pattern: %w", err)
	}
	return &Validator{graph: graph, lattice: lattice, voxelPattern: compiled}, nil
}

// Validate applies all seven rules. predecessor is nil for the first record of
// an agent, which makes the temporal rule vacuous.
func (v *Validator) Validate(state canon.State, predecessor *schemapixel.Record) Result {
	outcomes := []RuleOutcome{
		v.checkStateBounds(state),
		v.checkCorridor(state),
		checkIntentDigest(state),
		v.checkEvent(state),
		checkAutonomy(state),
		v.checkVoxel(state),
		checkTemporal(state, predecessor),
	}
	passed := true
	for _, outcome := range outcomes {
		if !outcome.Passed {
			passed = false
		}
	}
	return Result{Passed: passed, Outcomes: outcomes}
}

func outcome(rule Rule, err error) RuleOutcome {
	result := RuleOutcome{Rule: rule, Name: rule.String(), Passed: err == nil}
	if err != nil {
		result.Detail = err.Error()
	}
	return result
}

func (v *Validator) checkStateBounds(state canon.State) RuleOutcome {
	return outcome(RuleStateBounds, state.Vector.CheckBounds())
}

func (v *Validator) checkCorridor(state canon.State) RuleOutcome {
	address, err := corridor.Parse(state.Corridor)
	if err != nil {
		return outcome(RuleCorridorResolves, err)
	}
	if address.String() != state.Corridor {
		return outcome(RuleCorridorResolves, fmt.Errorf("corridor %q is not in canonical form %s", state.Corridor, address))
	}
	if !v.graph.Exists(address) {
		return outcome(RuleCorridorResolves, fmt.Errorf("corridor %s not in corridor graph", address))
	}
	return outcome(RuleCorridorResolves, nil)
}

func checkIntentDigest(state canon.State) RuleOutcome {
	if !intentDigestPattern.MatchString(state.IntentDigest) {
		return outcome(RuleIntentDigestFormat, fmt.Errorf("intent digest %q is not sha256:<64 hex>", state.IntentDigest))
	}
	return outcome(RuleIntentDigestFormat, nil)
}

func (v *Validator) checkEvent(state canon.State) RuleOutcome {
	if strings.TrimSpace(state.EventReference) == "" {
		return outcome(RuleEventResolves, fmt.Errorf("event reference is empty"))
	}
	if !v.lattice.Contains(state.EventReference) {
		return outcome(RuleEventResolves, fmt.Errorf("event %s not in event lattice", state.EventReference))
	}
	return outcome(RuleEventResolves, nil)
}

func checkAutonomy(state canon.State) RuleOutcome {
	index := state.AutonomyIndex
	if math.IsNaN(index) || index < 0 || index > 1 {
		return outcome(RuleAutonomyRange, fmt.Errorf("autonomy index %v outside [0, 1]", index))
	}
	return outcome(RuleAutonomyRange, nil)
}

func (v *Validator) checkVoxel(state canon.State) RuleOutcome {
	if !v.voxelPattern.MatchString(state.VoxelSignature) {
		return outcome(RuleVoxelFormat, fmt.Errorf("voxel signature %q does not match %s", state.VoxelSignature, v.voxelPattern))
	}
	return outcome(RuleVoxelFormat, nil)
}

func checkTemporal(state canon.State, predecessor *schemapixel.Record) RuleOutcome {
	if predecessor == nil {
		return outcome(RuleTemporalMonotonic, nil)
	}
	if !(state.Vector.Tau > predecessor.StateVector.Tau) {
		return outcome(RuleTemporalMonotonic, fmt.Errorf("tau %v does not exceed predecessor tau %v", state.Vector.Tau, predecessor.StateVector.Tau))
	}
	return outcome(RuleTemporalMonotonic, nil)
}
