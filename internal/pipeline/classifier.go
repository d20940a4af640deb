package pipeline

import (
	"fmt"
	"sort"
	"time"

	"github.com/enterprise/aml-engine/internal/models"
)

// alertScoreFloor gates alert creation: below it only a legal finding can
// raise alerts.
const alertScoreFloor = 30

// slaHours per alert severity.
var slaHours = map[string]int{
	models.AlertSeverityCritical: 12,
	models.AlertSeverityHigh:     24,
	models.AlertSeverityMedium:   48,
	models.AlertSeverityLow:      72,
}

// AlertClassifier maps a finished evaluation onto role-scoped alerts with a
// fixed decision table. Within each role the first matching condition wins;
// the three roles are judged independently, so one transaction raises at
// most three alerts, ordered Legal, Compliance, Front.
type AlertClassifier struct{}

func NewAlertClassifier() *AlertClassifier { return &AlertClassifier{} }

type alertSpec struct {
	role        string
	alertType   string
	title       string
	description string
	evidence    models.JSONB
}

func (c *AlertClassifier) Classify(eval *Evaluation, now time.Time) []*models.Alert {
	patterns := eval.Patterns
	if patterns.Max() == 0 {
		patterns = fallbackPatterns(eval.Features)
	}
	score := eval.Assessment.Score

	legal := c.legalAlert(eval, score)
	if legal == nil && score < alertScoreFloor {
		return nil
	}

	var specs []alertSpec
	if legal != nil {
		specs = append(specs, *legal)
	}
	if compliance := c.complianceAlert(eval, patterns, score); compliance != nil {
		specs = append(specs, *compliance)
	}
	specs = append(specs, c.frontAlert(eval, score))

	alerts := make([]*models.Alert, 0, len(specs))
	for i, spec := range specs {
		alerts = append(alerts, c.build(eval, patterns, spec, i+1, now))
	}
	return alerts
}

func (c *AlertClassifier) legalAlert(eval *Evaluation, score float64) *alertSpec {
	tx := eval.Transaction
	switch {
	case tx.SanctionsHit:
		return &alertSpec{
			role:        models.RoleLegal,
			alertType:   models.AlertSanctionsBreach,
			title:       "Sanctions screening match",
			description: fmt.Sprintf("Transaction %s matched sanctions screening and requires immediate legal review.", tx.TransactionID),
			evidence: models.JSONB{
				"sanctions_hit":       true,
				"originator_country":  tx.OriginatorCountry,
				"beneficiary_country": tx.BeneficiaryCountry,
			},
		}
	case tx.PEPIndicator && score >= 70:
		return &alertSpec{
			role:        models.RoleLegal,
			alertType:   models.AlertPEPHighRisk,
			title:       "High-risk politically exposed person",
			description: fmt.Sprintf("Transaction %s involves a politically exposed person and scored %.1f.", tx.TransactionID, score),
			evidence:    models.JSONB{"pep_indicator": true, "risk_score": score},
		}
	case score >= 80 && len(failedControls(eval.Controls, models.SeverityCritical)) > 0:
		failed := failedControls(eval.Controls, models.SeverityCritical)
		return &alertSpec{
			role:        models.RoleLegal,
			alertType:   models.AlertCriticalRuleBreach,
			title:       "Critical control failure",
			description: fmt.Sprintf("Transaction %s failed %d critical control(s) at risk score %.1f.", tx.TransactionID, len(failed), score),
			evidence:    models.JSONB{"failed_controls": controlRefs(failed)},
		}
	}
	return nil
}

func (c *AlertClassifier) complianceAlert(eval *Evaluation, patterns models.PatternScores, score float64) *alertSpec {
	tx := eval.Transaction
	highFailures := failedControls(eval.Controls, models.SeverityCritical, models.SeverityHigh)
	switch {
	case patterns.Structuring >= 70:
		return &alertSpec{
			role:        models.RoleCompliance,
			alertType:   models.AlertStructuringPattern,
			title:       "Potential structuring detected",
			description: fmt.Sprintf("Transaction %s shows amounts split below reporting thresholds (pattern score %.0f).", tx.TransactionID, patterns.Structuring),
			evidence:    models.JSONB{"structuring_score": patterns.Structuring, "amount": tx.Amount, "count_24h": eval.Features.Count24h},
		}
	case patterns.Layering >= 70 || patterns.RapidMovement >= 70:
		return &alertSpec{
			role:        models.RoleCompliance,
			alertType:   models.AlertLayeringPattern,
			title:       "Potential layering activity",
			description: fmt.Sprintf("Transaction %s sits inside rapid multi-hop movement consistent with layering.", tx.TransactionID),
			evidence:    models.JSONB{"layering_score": patterns.Layering, "rapid_movement_score": patterns.RapidMovement},
		}
	case patterns.VelocityAnomaly >= 70:
		return &alertSpec{
			role:        models.RoleCompliance,
			alertType:   models.AlertVelocityAnomaly,
			title:       "Transaction velocity anomaly",
			description: fmt.Sprintf("Account %s shows transaction velocity far above its baseline.", tx.OriginatorAccount),
			evidence:    models.JSONB{"velocity_score": patterns.VelocityAnomaly, "count_24h": eval.Features.Count24h, "amount_7d_total": eval.Features.Amount7dTotal},
		}
	case eval.Features.IsHighRiskCountry && score >= 50:
		return &alertSpec{
			role:        models.RoleCompliance,
			alertType:   models.AlertHighRiskJurisdiction,
			title:       "High-risk jurisdiction exposure",
			description: fmt.Sprintf("Transaction %s touches a high-risk jurisdiction (%s to %s).", tx.TransactionID, tx.OriginatorCountry, tx.BeneficiaryCountry),
			evidence:    models.JSONB{"originator_country": tx.OriginatorCountry, "beneficiary_country": tx.BeneficiaryCountry},
		}
	case len(highFailures) >= 2 && score >= 60:
		return &alertSpec{
			role:        models.RoleCompliance,
			alertType:   models.AlertMultipleControlFailures,
			title:       "Multiple control failures",
			description: fmt.Sprintf("Transaction %s failed %d high-severity controls.", tx.TransactionID, len(highFailures)),
			evidence:    models.JSONB{"failed_controls": controlRefs(highFailures)},
		}
	case score >= 70:
		return &alertSpec{
			role:        models.RoleCompliance,
			alertType:   models.AlertHighRiskTransaction,
			title:       "High risk transaction",
			description: fmt.Sprintf("Transaction %s scored %.1f and requires compliance review.", tx.TransactionID, score),
			evidence:    models.JSONB{"risk_score": score},
		}
	case score >= 50:
		return &alertSpec{
			role:        models.RoleCompliance,
			alertType:   models.AlertMediumRiskTransaction,
			title:       "Medium risk transaction",
			description: fmt.Sprintf("Transaction %s scored %.1f and warrants compliance attention.", tx.TransactionID, score),
			evidence:    models.JSONB{"risk_score": score},
		}
	}
	return nil
}

func (c *AlertClassifier) frontAlert(eval *Evaluation, score float64) alertSpec {
	tx := eval.Transaction
	missing := missingFields(eval.Evidence)
	switch {
	case len(missing) > 0 && score >= 30:
		return alertSpec{
			role:        models.RoleFront,
			alertType:   models.AlertMissingDocumentation,
			title:       "Missing transaction documentation",
			description: fmt.Sprintf("Transaction %s is missing expected documentation: %v.", tx.TransactionID, missing),
			evidence:    models.JSONB{"missing_fields": missing},
		}
	case eval.Features.IsHighValue && score < 50:
		return alertSpec{
			role:        models.RoleFront,
			alertType:   models.AlertHighValueTransaction,
			title:       "High value transaction",
			description: fmt.Sprintf("Transaction %s of %.2f %s exceeds the high-value threshold.", tx.TransactionID, tx.Amount, tx.Currency),
			evidence:    models.JSONB{"amount": tx.Amount, "currency": tx.Currency},
		}
	case eval.Features.IsCrossBorder && score >= 40:
		return alertSpec{
			role:        models.RoleFront,
			alertType:   models.AlertCrossBorderTransaction,
			title:       "Cross-border transaction review",
			description: fmt.Sprintf("Transaction %s crosses the %s to %s corridor at elevated risk.", tx.TransactionID, tx.OriginatorCountry, tx.BeneficiaryCountry),
			evidence:    models.JSONB{"originator_country": tx.OriginatorCountry, "beneficiary_country": tx.BeneficiaryCountry},
		}
	case score >= 30:
		return alertSpec{
			role:        models.RoleFront,
			alertType:   models.AlertDocumentationReview,
			title:       "Documentation review",
			description: fmt.Sprintf("Transaction %s requires a routine documentation review.", tx.TransactionID),
			evidence:    models.JSONB{"risk_score": score},
		}
	}
	return alertSpec{
		role:        models.RoleFront,
		alertType:   models.AlertRoutineMonitoring,
		title:       "Routine monitoring",
		description: fmt.Sprintf("Transaction %s recorded for routine monitoring.", tx.TransactionID),
		evidence:    models.JSONB{"risk_score": score},
	}
}

func (c *AlertClassifier) build(eval *Evaluation, patterns models.PatternScores, spec alertSpec, seq int, now time.Time) *models.Alert {
	tx := eval.Transaction
	severity := alertSeverity(spec.alertType, eval.Assessment.Score)
	now = now.UTC()
	return &models.Alert{
		ID:            alertID(tx, seq),
		TransactionID: tx.TransactionID,
		Role:          spec.role,
		AlertType:     spec.alertType,
		Severity:      severity,
		Title:         spec.title,
		Description:   spec.description,
		Context: models.JSONB{
			"risk_score":     eval.Assessment.Score,
			"risk_band":      eval.Assessment.Band,
			"pattern_scores": patterns.ToMap(),
			"customer_id":    tx.CustomerID,
		},
		Evidence:            spec.evidence,
		RemediationWorkflow: workflowFor(spec.alertType),
		SLADeadline:         now.Add(time.Duration(slaHours[severity]) * time.Hour),
		Status:              models.AlertStatusPending,
		CreatedAt:           now,
	}
}

// alertSeverity fixes the severity per alert type. Only missing
// documentation escalates with the final score.
func alertSeverity(alertType string, score float64) string {
	switch alertType {
	case models.AlertSanctionsBreach:
		return models.AlertSeverityCritical
	case models.AlertPEPHighRisk, models.AlertCriticalRuleBreach, models.AlertLayeringPattern,
		models.AlertStructuringPattern, models.AlertHighRiskJurisdiction, models.AlertMultipleControlFailures,
		models.AlertVelocityAnomaly, models.AlertHighRiskTransaction:
		return models.AlertSeverityHigh
	case models.AlertMissingDocumentation:
		if score >= 60 {
			return models.AlertSeverityHigh
		}
		return models.AlertSeverityMedium
	case models.AlertCrossBorderTransaction, models.AlertMediumRiskTransaction, models.AlertHighValueTransaction:
		return models.AlertSeverityMedium
	}
	return models.AlertSeverityLow
}

// alertID composes a deterministic id so replays of the same evaluation
// collide instead of duplicating.
func alertID(tx *models.Transaction, seq int) string {
	return fmt.Sprintf("ALT-%s-%s-%02d", tx.TransactionID, tx.BookingDate.UTC().Format("20060102"), seq)
}

// fallbackPatterns infers synthetic pattern scores from the feature vector
// when detection produced nothing, with trigger thresholds at half the
// usual levels. The synthetic scores drive classification only and are
// never persisted.
func fallbackPatterns(f models.FeatureVector) models.PatternScores {
	var p models.PatternScores
	if f.PotentialStructuring {
		p.Structuring = 70
	}
	if f.IsCrossBorder && (f.Count24h > 2 || f.Count7d > 10) {
		p.Layering = 70
	}
	if f.Count24h >= 5 {
		p.VelocityAnomaly = 70
	}
	if f.SameDayCount >= 3 {
		p.RapidMovement = 70
	}
	return p
}

func failedControls(controls []models.ControlResult, severities ...string) []models.ControlResult {
	var failed []models.ControlResult
	for _, c := range controls {
		if c.Status != models.ControlFail {
			continue
		}
		for _, s := range severities {
			if c.Severity == s {
				failed = append(failed, c)
				break
			}
		}
	}
	return failed
}

func controlRefs(controls []models.ControlResult) []string {
	refs := make([]string, 0, len(controls))
	for _, c := range controls {
		refs = append(refs, fmt.Sprintf("%s (%s)", c.RuleID, c.Severity))
	}
	return refs
}

// missingFields unions the missing entries across evidence maps, sorted and
// deduplicated.
func missingFields(evidence []models.EvidenceMap) []string {
	seen := make(map[string]struct{})
	for _, em := range evidence {
		for _, f := range em.Missing {
			seen[f] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return nil
	}
	fields := make([]string, 0, len(seen))
	for f := range seen {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}
