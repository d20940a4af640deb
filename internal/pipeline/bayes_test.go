package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/enterprise/aml-engine/internal/models"
)

func TestPosteriorAlwaysNormalized(t *testing.T) {
	engine := NewBayesianEngine()
	features := models.FeatureVector{IsHighValue: true, IsCrossBorder: true, PotentialStructuring: true}
	controls := []models.ControlResult{
		{RuleID: "R1", Status: models.ControlFail, Severity: models.SeverityCritical},
		{RuleID: "R2", Status: models.ControlFail, Severity: models.SeverityHigh},
	}

	for _, rating := range []string{"low", "medium", "high", "critical", "", "unrated"} {
		p := engine.Update(rating, controls, features)
		assert.InDelta(t, 1.0, p.Sum(), 1e-9, "rating %q", rating)
	}
}

func TestPosteriorWithoutEvidenceIsThePrior(t *testing.T) {
	engine := NewBayesianEngine()

	p := engine.Update("low", nil, models.FeatureVector{})

	assert.InDelta(t, 0.70, p.Low, 1e-12)
	assert.InDelta(t, 0.20, p.Medium, 1e-12)
	assert.InDelta(t, 0.08, p.High, 1e-12)
	assert.InDelta(t, 0.02, p.Critical, 1e-12)
}

func TestUnknownRatingFallsBackToMedium(t *testing.T) {
	engine := NewBayesianEngine()

	got := engine.Update("unrated", nil, models.FeatureVector{})
	want := engine.Update("medium", nil, models.FeatureVector{})

	assert.Equal(t, want, got)
	assert.Equal(t, want, engine.Update(" MEDIUM ", nil, models.FeatureVector{}))
}

func TestCriticalFailureShiftsMassUp(t *testing.T) {
	engine := NewBayesianEngine()
	controls := []models.ControlResult{
		{RuleID: "R1", Status: models.ControlFail, Severity: models.SeverityCritical},
	}

	p := engine.Update("medium", controls, models.FeatureVector{})

	// weighted = (0.40, 1.75, 1.00, 0.25), total 3.40
	assert.InDelta(t, 0.117647, p.Low, 1e-6)
	assert.InDelta(t, 0.514706, p.Medium, 1e-6)
	assert.InDelta(t, 0.294118, p.High, 1e-6)
	assert.InDelta(t, 0.073529, p.Critical, 1e-6)
}

func TestOnlyFailuresCount(t *testing.T) {
	engine := NewBayesianEngine()
	controls := []models.ControlResult{
		{RuleID: "R1", Status: models.ControlPass, Severity: models.SeverityCritical},
		{RuleID: "R2", Status: models.ControlPartial, Severity: models.SeverityHigh},
		{RuleID: "R3", Status: models.ControlFail, Severity: models.SeverityLow},
	}

	got := engine.Update("medium", controls, models.FeatureVector{})
	want := engine.Update("medium", nil, models.FeatureVector{})

	assert.Equal(t, want, got, "passes, partials and low failures carry no multiplier")
}

func TestControlOrderInvariance(t *testing.T) {
	engine := NewBayesianEngine()
	forward := []models.ControlResult{
		{RuleID: "R1", Status: models.ControlFail, Severity: models.SeverityCritical},
		{RuleID: "R2", Status: models.ControlFail, Severity: models.SeverityHigh},
		{RuleID: "R3", Status: models.ControlFail, Severity: models.SeverityMedium},
	}
	reversed := []models.ControlResult{forward[2], forward[1], forward[0]}

	assert.Equal(t,
		engine.Update("high", forward, models.FeatureVector{}),
		engine.Update("high", reversed, models.FeatureVector{}))
}

func TestFeatureMultipliers(t *testing.T) {
	engine := NewBayesianEngine()
	features := models.FeatureVector{
		IsHighValue:          true,
		IsCrossBorder:        true,
		IsHighRiskCountry:    true,
		PotentialStructuring: true,
	}

	p := engine.Update("medium", nil, features)

	// product = 1.5 * 1.3 * 2.5 * 4.0 = 19.5
	// weighted = (0.40, 6.825, 3.90, 0.975), total 12.1
	assert.InDelta(t, 0.033058, p.Low, 1e-6)
	assert.InDelta(t, 0.564050, p.Medium, 1e-6)
	assert.InDelta(t, 0.322314, p.High, 1e-6)
	assert.InDelta(t, 0.080579, p.Critical, 1e-6)
}

func TestLikelihoodCeiling(t *testing.T) {
	engine := NewBayesianEngine()

	failures := func(n int) []models.ControlResult {
		out := make([]models.ControlResult, n)
		for i := range out {
			out[i] = models.ControlResult{Status: models.ControlFail, Severity: models.SeverityCritical}
		}
		return out
	}

	// 5^9 exceeds the ceiling, so the ninth and tenth failures land on the
	// same clipped multiplier
	nine := engine.Update("medium", failures(9), models.FeatureVector{})
	ten := engine.Update("medium", failures(10), models.FeatureVector{})

	assert.Equal(t, nine, ten)
	assert.InDelta(t, 1.0, nine.Sum(), 1e-9)
	assert.Less(t, nine.Low, 1e-5)
}
