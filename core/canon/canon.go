// Package canon converts live agent state into the deterministic tuple that the
// parity rules validate and the sealer persists.
package canon

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	coreerrors "github.com/davidahmann/qube/core/errors"
	"github.com/davidahmann/qube/core/jcs"
	"github.com/davidahmann/qube/core/phase"
)

const (
	DefaultPrecision     = 6
	DefaultDigestVersion = "intent.v1"
	DefaultOmegaScale    = 4.0
	maxPrecision         = 12
)

// ErrPredictorUnavailable is returned when no predictor is configured or the
// predictor cannot answer. The ritual aborts rather than guessing a default.
var ErrPredictorUnavailable = errors.New("state predictor unavailable")

// Predictor forecasts the expected state vector at a local time.
type Predictor interface {
	Predict(ctx context.Context, tau float64) (phase.Vector, error)
}

// PredictorFunc adapts a function to Predictor.
type PredictorFunc func(ctx context.Context, tau float64) (phase.Vector, error)

func (f PredictorFunc) Predict(ctx context.Context, tau float64) (phase.Vector, error) {
	return f(ctx, tau)
}

// AgentState is the volatile input to the ritual.
type AgentState struct {
	AgentID         string
	ObservedAt      time.Time
	Vector          phase.Vector
	Corridor        string
	IntentEmbedding []float64
	EventReference  string
	VoxelSignature  string
}

// State is the canonical tuple. It is transient: validated, then sealed or
// quarantined, never persisted as is.
type State struct {
	AgentID        string
	ObservedAt     time.Time
	Vector         phase.Vector
	Corridor       string
	IntentDigest   string
	EventReference string
	AutonomyIndex  float64
	VoxelSignature string
}

type Options struct {
	// Precision is the number of decimal digits kept when quantizing the
	// intent embedding. Changing it changes every future digest, so it must
	// move together with DigestVersion.
	Precision     int
	DigestVersion string
	// OmegaScale normalizes the omega delta when computing autonomy drift.
	OmegaScale float64
}

func DefaultOptions() Options {
	return Options{
		Precision:     DefaultPrecision,
		DigestVersion: DefaultDigestVersion,
		OmegaScale:    DefaultOmegaScale,
	}
}

type Canonicalizer struct {
	predictor Predictor
	options   Options
}

func New(predictor Predictor, options Options) (*Canonicalizer, error) {
	if options.Precision == 0 {
		options.Precision = DefaultPrecision
	}
	if options.Precision < 0 || options.Precision > maxPrecision {
		return nil, fmt.Errorf("intent precision must be between 1 and %d", maxPrecision)
	}
	options.DigestVersion = strings.TrimSpace(options.DigestVersion)
	if options.DigestVersion == "" {
		options.DigestVersion = DefaultDigestVersion
	}
	if options.OmegaScale == 0 {
		options.OmegaScale = DefaultOmegaScale
	}
	if options.OmegaScale < 0 || math.IsNaN(options.OmegaScale) || math.IsInf(options.OmegaScale, 0) {
		return nil, fmt.Errorf("omega scale must be a positive finite number")
	}
	return &Canonicalizer{predictor: predictor, options: options}, nil
}

func (c *Canonicalizer) Options() Options {
	return c.options
}

// Canonicalize is a pure transform over the input plus the predictor oracle.
func (c *Canonicalizer) Canonicalize(ctx context.Context, input AgentState) (State, error) {
	agentID := strings.TrimSpace(input.AgentID)
	if agentID == "" {
		return State{}, coreerrors.Wrap(fmt.Errorf("agent_id is required"), coreerrors.CategoryInvalidInput, "invalid_agent_state", "supply the agent identity", false)
	}
	vector := input.Vector.Canonical()

	digest, err := IntentDigest(input.IntentEmbedding, c.options.Precision, c.options.DigestVersion)
	if err != nil {
		return State{}, coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, "invalid_intent_embedding", "supply a non-zero finite intent embedding", false)
	}

	if c.predictor == nil {
		return State{}, coreerrors.DependencyMissing(ErrPredictorUnavailable)
	}
	predicted, err := c.predictor.Predict(ctx, vector.Tau)
	if err != nil {
		return State{}, coreerrors.DependencyMissing(fmt.Errorf("%w: %v", ErrPredictorUnavailable, err))
	}

	observedAt := input.ObservedAt.UTC()
	return State{
		AgentID:        agentID,
		ObservedAt:     observedAt,
		Vector:         vector,
		Corridor:       strings.TrimSpace(input.Corridor),
		IntentDigest:   digest,
		EventReference: strings.TrimSpace(input.EventReference),
		AutonomyIndex:  AutonomyIndex(vector, predicted.Canonical(), c.options.OmegaScale),
		VoxelSignature: strings.TrimSpace(input.VoxelSignature),
	}, nil
}

// AutonomyIndex is the normalized distance between observed and predicted
// vectors: root mean square of the shortest-arc phi delta over π, the psi
// delta, and the omega delta over omegaScale (capped at 1). Tau is the
// prediction time itself and does not contribute.
func AutonomyIndex(observed, predicted phase.Vector, omegaScale float64) float64 {
	if omegaScale <= 0 {
		omegaScale = DefaultOmegaScale
	}
	phiDelta := math.Abs(phase.ShortestArc(predicted.Phi, observed.Phi)) / math.Pi
	psiDelta := math.Abs(observed.Psi - predicted.Psi)
	omegaDelta := math.Min(math.Abs(observed.Omega-predicted.Omega)/omegaScale, 1)
	distance := math.Sqrt((phiDelta*phiDelta + psiDelta*psiDelta + omegaDelta*omegaDelta) / 3)
	return phase.Clamp01(distance)
}

type intentDigestInput struct {
	Version   string  `json:"version"`
	Precision int     `json:"precision"`
	Quantized []int64 `json:"quantized"`
}

// IntentDigest L2-normalizes the embedding, quantizes each component to
// precision decimal digits and hashes the versioned result.
func IntentDigest(embedding []float64, precision int, version string) (string, error) {
	if len(embedding) == 0 {
		return "", fmt.Errorf("intent embedding is empty")
	}
	norm := 0.0
	for _, value := range embedding {
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return "", fmt.Errorf("intent embedding contains a non-finite value")
		}
		norm += value * value
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return "", fmt.Errorf("intent embedding has zero norm")
	}
	scale := math.Pow10(precision)
	quantized := make([]int64, len(embedding))
	for index, value := range embedding {
		quantized[index] = int64(math.Round(value / norm * scale))
	}
	return jcs.DigestValue(intentDigestInput{
		Version:   version,
		Precision: precision,
		Quantized: quantized,
	})
}
