package plan

import (
	"math"

	"github.com/entrhq/pilot/pkg/types"
)

// Locator reliability by strategy. Structural paths break on layout
// changes, attribute selectors less so, unique ids rarely.
const (
	ReliabilityStructural = 0.5
	ReliabilityAttribute  = 0.75
	ReliabilityID         = 0.95
)

// Confidence policy constants.
const (
	// StatedWeight is the share of step confidence taken from the
	// reasoner's own certainty; the rest comes from locator reliability.
	StatedWeight = 0.5

	// DefaultStatedConfidence is assumed when the reasoner states none.
	DefaultStatedConfidence = 0.7

	// DivergenceThreshold is the step-vs-feasibility gap tolerated before
	// plan confidence is penalized. The validator uses the same gap for
	// plan-vs-step calibration.
	DivergenceThreshold = 0.3

	// FeasibilityPenalty scales the divergence subtracted from plan
	// confidence once it exceeds DivergenceThreshold.
	FeasibilityPenalty = 0.5
)

// LocatorReliability scores how likely a locator is to keep matching.
func LocatorReliability(l types.Locator) float64 {
	strategy := l.Strategy
	if strategy == "" {
		strategy = types.InferStrategy(l.Value)
	}
	switch strategy {
	case types.LocatorID:
		return ReliabilityID
	case types.LocatorAttribute:
		return ReliabilityAttribute
	default:
		return ReliabilityStructural
	}
}

// StepConfidence blends the reasoner's stated certainty with the
// reliability of the step's locator. Steps without a target keep the
// stated value.
func StepConfidence(kind types.ActionKind, target types.Locator, stated float64) float64 {
	stated = clamp01(stated)
	if target.IsZero() {
		if kind.RequiresTarget() {
			// Missing locator: the validator rejects it, the score should say so too
			return stated * ReliabilityStructural
		}
		return stated
	}
	return clamp01(StatedWeight*stated + (1-StatedWeight)*LocatorReliability(target))
}

// MeanStepConfidence returns the average step confidence, or 0 for an
// empty plan.
func MeanStepConfidence(steps []*types.AtomicAction) float64 {
	if len(steps) == 0 {
		return 0
	}
	var sum float64
	for _, s := range steps {
		sum += s.Confidence
	}
	return sum / float64(len(steps))
}

// PlanConfidence reconciles the reasoner's plan-level claim with the step
// confidences and the page's measured automation feasibility. A stated
// value of zero means none was given. Feasibility of zero means unmeasured.
func PlanConfidence(stated float64, steps []*types.AtomicAction, feasibility float64) float64 {
	mean := MeanStepConfidence(steps)
	base := mean
	if stated > 0 {
		base = (clamp01(stated) + mean) / 2
	}
	if feasibility > 0 {
		if gap := math.Abs(mean - feasibility); gap > DivergenceThreshold {
			base -= FeasibilityPenalty * gap
		}
	}
	return round2(clamp01(base))
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
