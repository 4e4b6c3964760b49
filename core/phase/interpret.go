package phase

import "math"

type Activity string

const (
	ActivityIdle        Activity = "IDLE"
	ActivityActive      Activity = "ACTIVE"
	ActivityHyperactive Activity = "HYPERACTIVE"
)

const DefaultAlignmentThreshold = 0.5

// Quadrant returns which quarter of the circle phi falls in, 0 through 3.
func Quadrant(phi float64) int {
	quadrant := int(Wrap(phi) / (math.Pi / 2))
	if quadrant > 3 {
		quadrant = 3
	}
	return quadrant
}

// Aligned reports whether psi meets the alignment threshold.
func Aligned(psi, threshold float64) bool {
	return psi >= threshold
}

func ActivityLevel(omega float64) Activity {
	switch {
	case omega < 0.5:
		return ActivityIdle
	case omega < 2.0:
		return ActivityActive
	default:
		return ActivityHyperactive
	}
}
