// Package phase holds the four-scalar state vector and the circular arithmetic
// every other package shares for the phase angle.
package phase

import (
	"fmt"
	"math"
)

// TwoPi is the period of the phase angle.
const TwoPi = 2 * math.Pi

// Vector is the canonical state vector carried by every token pixel.
type Vector struct {
	Phi   float64 `json:"phi"`
	Psi   float64 `json:"psi"`
	Omega float64 `json:"omega"`
	Tau   float64 `json:"tau"`
}

// Canonical wraps phi into [0, 2π) and clamps psi into [0, 1]. Omega and tau
// are carried as observed; the parity rules reject a negative omega.
func (v Vector) Canonical() Vector {
	return Vector{
		Phi:   Wrap(v.Phi),
		Psi:   Clamp01(v.Psi),
		Omega: v.Omega,
		Tau:   v.Tau,
	}
}

// CheckBounds reports the first bound violated by v, or nil.
func (v Vector) CheckBounds() error {
	switch {
	case !finite(v.Phi) || !finite(v.Psi) || !finite(v.Omega) || !finite(v.Tau):
		return fmt.Errorf("state vector contains a non-finite value")
	case v.Phi < 0 || v.Phi >= TwoPi:
		return fmt.Errorf("phi %v outside [0, 2π)", v.Phi)
	case v.Psi < 0 || v.Psi > 1:
		return fmt.Errorf("psi %v outside [0, 1]", v.Psi)
	case v.Omega < 0:
		return fmt.Errorf("omega %v is negative", v.Omega)
	}
	return nil
}

// Wrap maps any finite angle into [0, 2π).
func Wrap(angle float64) float64 {
	if !finite(angle) {
		return angle
	}
	wrapped := math.Mod(angle, TwoPi)
	if wrapped < 0 {
		wrapped += TwoPi
	}
	// Mod of a tiny negative value can round up to exactly 2π.
	if wrapped >= TwoPi {
		wrapped = 0
	}
	return wrapped
}

// ShortestArc returns the signed delta from a to b along the shorter way
// around the circle, in (-π, π].
func ShortestArc(from, to float64) float64 {
	delta := Wrap(to) - Wrap(from)
	if delta > math.Pi {
		delta -= TwoPi
	} else if delta <= -math.Pi {
		delta += TwoPi
	}
	return delta
}

// LerpAngle interpolates between two angles along the shorter arc and wraps the
// result. fraction is clamped to [0, 1].
func LerpAngle(from, to, fraction float64) float64 {
	fraction = Clamp01(fraction)
	return Wrap(Wrap(from) + ShortestArc(from, to)*fraction)
}

// Lerp is plain linear interpolation with fraction clamped to [0, 1].
func Lerp(from, to, fraction float64) float64 {
	fraction = Clamp01(fraction)
	return from + (to-from)*fraction
}

// Interpolate blends two vectors: phi along the shorter arc, the rest linearly.
func Interpolate(from, to Vector, fraction float64) Vector {
	return Vector{
		Phi:   LerpAngle(from.Phi, to.Phi, fraction),
		Psi:   Lerp(from.Psi, to.Psi, fraction),
		Omega: Lerp(from.Omega, to.Omega, fraction),
		Tau:   Lerp(from.Tau, to.Tau, fraction),
	}
}

// Clamp01 clamps value into [0, 1]. NaN maps to 0.
func Clamp01(value float64) float64 {
	if math.IsNaN(value) || value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func finite(value float64) bool {
	return !math.IsNaN(value) && !math.IsInf(value, 0)
}
