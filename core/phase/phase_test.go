package phase

import (
	"math"
	"testing"
)

const epsilon = 1e-9

func TestWrap(t *testing.T) {
	testCases := []struct {
		name  string
		angle float64
		want  float64
	}{
		{name: "zero", angle: 0, want: 0},
		{name: "inside", angle: 1.5, want: 1.5},
		{name: "full_turn", angle: TwoPi, want: 0},
		{name: "over", angle: TwoPi + 0.25, want: 0.25},
		{name: "negative", angle: -0.5, want: TwoPi - 0.5},
		{name: "many_turns", angle: 7*TwoPi + 1, want: 1},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			got := Wrap(testCase.angle)
			if math.Abs(got-testCase.want) > epsilon {
				t.Fatalf("Wrap(%v)=%v want %v", testCase.angle, got, testCase.want)
			}
			if got < 0 || got >= TwoPi {
				t.Fatalf("Wrap(%v)=%v outside [0, 2π)", testCase.angle, got)
			}
		})
	}
	if got := Wrap(-1e-18); got < 0 || got >= TwoPi {
		t.Fatalf("tiny negative wrapped outside range: %v", got)
	}
}

func TestShortestArc(t *testing.T) {
	if got := ShortestArc(6.0, 0.3); math.Abs(got-(0.3+TwoPi-6.0)) > epsilon {
		t.Fatalf("expected forward arc through zero, got %v", got)
	}
	if got := ShortestArc(0.3, 6.0); math.Abs(got+(0.3+TwoPi-6.0)) > epsilon {
		t.Fatalf("expected backward arc through zero, got %v", got)
	}
	if got := ShortestArc(1, 2); math.Abs(got-1) > epsilon {
		t.Fatalf("expected plain delta, got %v", got)
	}
	if got := ShortestArc(0, math.Pi); math.Abs(got-math.Pi) > epsilon {
		t.Fatalf("half turn must resolve to +π, got %v", got)
	}
}

func TestLerpAngleWraparoundMidpoint(t *testing.T) {
	mid := LerpAngle(6.0, 0.3, 0.5)
	// Shorter arc is ~0.583 rad wide, so the midpoint sits just past 2π→0 and
	// never near π.
	want := Wrap(6.0 + (0.3+TwoPi-6.0)/2)
	if math.Abs(mid-want) > epsilon {
		t.Fatalf("midpoint=%v want %v", mid, want)
	}
	if math.Abs(mid-3.15) < 1 {
		t.Fatalf("interpolation took the long way: %v", mid)
	}
}

func TestInterpolateVector(t *testing.T) {
	from := Vector{Phi: 1, Psi: 0.2, Omega: 1, Tau: 10}
	to := Vector{Phi: 2, Psi: 0.6, Omega: 3, Tau: 20}
	got := Interpolate(from, to, 0.25)
	want := Vector{Phi: 1.25, Psi: 0.3, Omega: 1.5, Tau: 12.5}
	if math.Abs(got.Phi-want.Phi) > epsilon || math.Abs(got.Psi-want.Psi) > epsilon ||
		math.Abs(got.Omega-want.Omega) > epsilon || math.Abs(got.Tau-want.Tau) > epsilon {
		t.Fatalf("Interpolate=%+v want %+v", got, want)
	}
}

func TestCanonicalAndBounds(t *testing.T) {
	raw := Vector{Phi: -0.1, Psi: 1.4, Omega: 0.5, Tau: 3}
	canonical := raw.Canonical()
	if err := canonical.CheckBounds(); err != nil {
		t.Fatalf("canonical vector out of bounds: %v", err)
	}
	if canonical.Psi != 1 {
		t.Fatalf("psi not clamped: %v", canonical.Psi)
	}
	invalid := []Vector{
		{Phi: TwoPi, Psi: 0.5},
		{Phi: 1, Psi: -0.01},
		{Phi: 1, Psi: 0.5, Omega: -1},
		{Phi: math.NaN()},
		{Phi: 1, Tau: math.Inf(1)},
	}
	for _, vector := range invalid {
		if err := vector.CheckBounds(); err == nil {
			t.Fatalf("expected bounds error for %+v", vector)
		}
	}
}

func TestInterpretation(t *testing.T) {
	if Quadrant(0.1) != 0 || Quadrant(math.Pi/2+0.1) != 1 || Quadrant(math.Pi+0.1) != 2 || Quadrant(TwoPi-0.1) != 3 {
		t.Fatalf("unexpected quadrant mapping")
	}
	if !Aligned(0.9, DefaultAlignmentThreshold) || Aligned(0.4, DefaultAlignmentThreshold) {
		t.Fatalf("unexpected alignment result")
	}
	if ActivityLevel(0.1) != ActivityIdle || ActivityLevel(1) != ActivityActive || ActivityLevel(2) != ActivityHyperactive {
		t.Fatalf("unexpected activity levels")
	}
}
