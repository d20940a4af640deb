package pipeline

import "github.com/enterprise/aml-engine/internal/models"

// Fusion weights across the three scoring legs.
const (
	weightRuleBased    = 0.40
	weightMLBased      = 0.30
	weightPatternBased = 0.30
)

// severityWeights scale each control's shortfall in the rule-based leg.
// Controls carrying an unknown severity weigh as low.
var severityWeights = map[string]float64{
	models.SeverityCritical: 1.0,
	models.SeverityHigh:     0.7,
	models.SeverityMedium:   0.4,
	models.SeverityLow:      0.2,
}

// RiskFusion combines control outcomes, the posterior, and pattern scores
// into the final assessment.
type RiskFusion struct{}

func NewRiskFusion() *RiskFusion { return &RiskFusion{} }

func (f *RiskFusion) Fuse(controls []models.ControlResult, posterior models.Posterior, patterns models.PatternScores) models.RiskAssessment {
	breakdown := models.RiskBreakdown{
		RuleBased:    ruleBasedScore(controls),
		MLBased:      expectedRisk(posterior),
		PatternBased: patterns.Max(),
	}
	score := weightRuleBased*breakdown.RuleBased +
		weightMLBased*breakdown.MLBased +
		weightPatternBased*breakdown.PatternBased
	score = clampScore(score)
	return models.RiskAssessment{
		Score:     score,
		Band:      BandForScore(score),
		Breakdown: breakdown,
	}
}

// ruleBasedScore is the severity-weighted average shortfall of the control
// scores. No controls means no rule-based signal.
func ruleBasedScore(controls []models.ControlResult) float64 {
	var weighted, weights float64
	for _, c := range controls {
		w, ok := severityWeights[c.Severity]
		if !ok {
			w = severityWeights[models.SeverityLow]
		}
		weighted += (100 - c.ComplianceScore) * w
		weights += w
	}
	if weights == 0 {
		return 0
	}
	return weighted / weights
}

// expectedRisk flattens the posterior into a scalar on the 0-100 scale.
func expectedRisk(p models.Posterior) float64 {
	return 100 * (0.10*p.Low + 0.40*p.Medium + 0.70*p.High + 0.95*p.Critical)
}

// BandForScore maps a fused score onto the four bands. Bands are half-open
// below Critical and closed at 100.
func BandForScore(score float64) string {
	switch {
	case score >= 80:
		return models.BandCritical
	case score >= 60:
		return models.BandHigh
	case score >= 30:
		return models.BandMedium
	}
	return models.BandLow
}
