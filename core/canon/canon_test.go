package canon

import (
	"context"
	"errors"
	"math"
	"reflect"
	"regexp"
	"testing"
	"time"

	coreerrors "github.com/davidahmann/qube/core/errors"
	"github.com/davidahmann/qube/core/phase"
)

var digestPattern = regexp.MustCompile(`^sha256:[0-9a-f]{64}$`)

func staticPredictor(vector phase.Vector) Predictor {
	return PredictorFunc(func(context.Context, float64) (phase.Vector, error) {
		return vector, nil
	})
}

func sampleInput() AgentState {
	return AgentState{
		AgentID:         " AGENT_Q ",
		ObservedAt:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Vector:          phase.Vector{Phi: phase.TwoPi + 0.5, Psi: 1.2, Omega: 1, Tau: 100},
		Corridor:        "DISTRICT_1.CHAMBER_0.NODE_START",
		IntentEmbedding: []float64{0.3, -0.1, 0.7},
		EventReference:  "EVENT_001",
		VoxelSignature:  "VXL_0x00000000",
	}
}

func TestCanonicalizeIsDeterministic(t *testing.T) {
	canonicalizer, err := New(staticPredictor(phase.Vector{Phi: 0.5, Psi: 1, Omega: 1}), DefaultOptions())
	if err != nil {
		t.Fatalf("new canonicalizer: %v", err)
	}
	first, err := canonicalizer.Canonicalize(context.Background(), sampleInput())
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	second, err := canonicalizer.Canonicalize(context.Background(), sampleInput())
	if err != nil {
		t.Fatalf("canonicalize again: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("canonicalization not deterministic: %+v vs %+v", first, second)
	}
	if first.AgentID != "AGENT_Q" {
		t.Fatalf("agent id not trimmed: %q", first.AgentID)
	}
	if math.Abs(first.Vector.Phi-0.5) > 1e-9 || first.Vector.Psi != 1 {
		t.Fatalf("vector not canonical: %+v", first.Vector)
	}
	if !digestPattern.MatchString(first.IntentDigest) {
		t.Fatalf("unexpected intent digest format: %s", first.IntentDigest)
	}
	if first.AutonomyIndex > 1e-9 {
		t.Fatalf("expected zero drift against matching prediction, got %v", first.AutonomyIndex)
	}
}

func TestCanonicalizePredictorFailureAborts(t *testing.T) {
	failing := PredictorFunc(func(context.Context, float64) (phase.Vector, error) {
		return phase.Vector{}, errors.New("oracle offline")
	})
	for name, predictor := range map[string]Predictor{"failing": failing, "missing": nil} {
		t.Run(name, func(t *testing.T) {
			canonicalizer, err := New(predictor, DefaultOptions())
			if err != nil {
				t.Fatalf("new canonicalizer: %v", err)
			}
			_, err = canonicalizer.Canonicalize(context.Background(), sampleInput())
			if !errors.Is(err, ErrPredictorUnavailable) {
				t.Fatalf("expected predictor unavailable, got %v", err)
			}
			if coreerrors.CodeOf(err) != coreerrors.CodeDependencyMissing {
				t.Fatalf("expected dependency code, got %q", coreerrors.CodeOf(err))
			}
		})
	}
}

func TestCanonicalizeRejectsInvalidInput(t *testing.T) {
	canonicalizer, err := New(staticPredictor(phase.Vector{}), DefaultOptions())
	if err != nil {
		t.Fatalf("new canonicalizer: %v", err)
	}
	missingAgent := sampleInput()
	missingAgent.AgentID = " "
	if _, err := canonicalizer.Canonicalize(context.Background(), missingAgent); err == nil {
		t.Fatalf("expected missing agent error")
	}
	zeroIntent := sampleInput()
	zeroIntent.IntentEmbedding = []float64{0, 0}
	if _, err := canonicalizer.Canonicalize(context.Background(), zeroIntent); coreerrors.CategoryOf(err) != coreerrors.CategoryInvalidInput {
		t.Fatalf("expected invalid input for zero intent, got %v", err)
	}
}

func TestIntentDigestQuantization(t *testing.T) {
	base, err := IntentDigest([]float64{1, 2, 3}, 6, DefaultDigestVersion)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	scaled, err := IntentDigest([]float64{2, 4, 6}, 6, DefaultDigestVersion)
	if err != nil {
		t.Fatalf("digest scaled: %v", err)
	}
	if base != scaled {
		t.Fatalf("normalization should make scaled embeddings equal")
	}
	jitter, err := IntentDigest([]float64{1, 2, 3 + 1e-12}, 6, DefaultDigestVersion)
	if err != nil {
		t.Fatalf("digest jitter: %v", err)
	}
	if base != jitter {
		t.Fatalf("sub-precision jitter must not change the digest")
	}
	changed, err := IntentDigest([]float64{1, 2, 4}, 6, DefaultDigestVersion)
	if err != nil {
		t.Fatalf("digest changed: %v", err)
	}
	if base == changed {
		t.Fatalf("different intent must change the digest")
	}
	otherVersion, err := IntentDigest([]float64{1, 2, 3}, 6, "intent.v2")
	if err != nil {
		t.Fatalf("digest version: %v", err)
	}
	otherPrecision, err := IntentDigest([]float64{1, 2, 3}, 4, DefaultDigestVersion)
	if err != nil {
		t.Fatalf("digest precision: %v", err)
	}
	if otherVersion == base || otherPrecision == base {
		t.Fatalf("version and precision must be part of the digest")
	}
	if _, err := IntentDigest(nil, 6, DefaultDigestVersion); err == nil {
		t.Fatalf("expected empty embedding error")
	}
	if _, err := IntentDigest([]float64{math.NaN()}, 6, DefaultDigestVersion); err == nil {
		t.Fatalf("expected non-finite error")
	}
}

func TestAutonomyIndex(t *testing.T) {
	observed := phase.Vector{Phi: 0.1, Psi: 0.5, Omega: 1}
	if got := AutonomyIndex(observed, observed, DefaultOmegaScale); got != 0 {
		t.Fatalf("expected zero drift, got %v", got)
	}
	opposite := phase.Vector{Phi: 0.1 + math.Pi, Psi: 1.5, Omega: 100}
	opposite.Psi = 1
	got := AutonomyIndex(phase.Vector{Phi: 0.1, Psi: 0, Omega: 0}, opposite, DefaultOmegaScale)
	if math.Abs(got-1) > 1e-9 {
		t.Fatalf("expected maximal drift, got %v", got)
	}
	wrapped := AutonomyIndex(phase.Vector{Phi: 6.2}, phase.Vector{Phi: 0.05}, DefaultOmegaScale)
	if wrapped > 0.1 {
		t.Fatalf("drift must use the shorter arc, got %v", wrapped)
	}
}

func TestNewRejectsBadOptions(t *testing.T) {
	if _, err := New(nil, Options{Precision: 40}); err == nil {
		t.Fatalf("expected precision error")
	}
	if _, err := New(nil, Options{OmegaScale: -1}); err == nil {
		t.Fatalf("expected omega scale error")
	}
	canonicalizer, err := New(nil, Options{})
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	if canonicalizer.Options() != DefaultOptions() {
		t.Fatalf("expected defaults, got %+v", canonicalizer.Options())
	}
}
