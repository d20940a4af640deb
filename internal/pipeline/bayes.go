package pipeline

import (
	"strings"

	"github.com/enterprise/aml-engine/internal/models"
)

// Priors over (low, medium, high, critical) indexed by customer risk rating.
// Unknown ratings fall back to medium.
var riskPriors = map[string][4]float64{
	models.SeverityLow:      {0.70, 0.20, 0.08, 0.02},
	models.SeverityMedium:   {0.40, 0.35, 0.20, 0.05},
	models.SeverityHigh:     {0.15, 0.30, 0.40, 0.15},
	models.SeverityCritical: {0.05, 0.15, 0.40, 0.40},
}

// Likelihood multipliers. Each piece of evidence scales the medium, high,
// and critical classes; the low class keeps its prior mass.
const (
	lrCriticalFailure = 5.0
	lrHighFailure     = 3.0
	lrMediumFailure   = 1.5
	lrHighValue       = 1.5
	lrCrossBorder     = 1.3
	lrHighRiskCountry = 2.5
	lrStructuring     = 4.0
)

// The accumulated multiplier is clipped before renormalization so stacked
// evidence cannot overflow or vanish a class.
const (
	likelihoodFloor = 1e-3
	likelihoodCeil  = 1e6
)

// BayesianEngine updates the customer prior with control failures and
// transaction features, yielding a posterior over the four risk classes.
type BayesianEngine struct{}

func NewBayesianEngine() *BayesianEngine { return &BayesianEngine{} }

func (e *BayesianEngine) Update(rating string, controls []models.ControlResult, features models.FeatureVector) models.Posterior {
	prior, ok := riskPriors[strings.ToLower(strings.TrimSpace(rating))]
	if !ok {
		prior = riskPriors[models.SeverityMedium]
	}

	product := 1.0
	for _, c := range controls {
		if c.Status != models.ControlFail {
			continue
		}
		switch c.Severity {
		case models.SeverityCritical:
			product *= lrCriticalFailure
		case models.SeverityHigh:
			product *= lrHighFailure
		case models.SeverityMedium:
			product *= lrMediumFailure
		}
	}
	if features.IsHighValue {
		product *= lrHighValue
	}
	if features.IsCrossBorder {
		product *= lrCrossBorder
	}
	if features.IsHighRiskCountry {
		product *= lrHighRiskCountry
	}
	if features.PotentialStructuring {
		product *= lrStructuring
	}
	if product < likelihoodFloor {
		product = likelihoodFloor
	}
	if product > likelihoodCeil {
		product = likelihoodCeil
	}

	weighted := [4]float64{prior[0], prior[1] * product, prior[2] * product, prior[3] * product}
	total := weighted[0] + weighted[1] + weighted[2] + weighted[3]
	return models.Posterior{
		Low:      weighted[0] / total,
		Medium:   weighted[1] / total,
		High:     weighted[2] / total,
		Critical: weighted[3] / total,
	}
}
