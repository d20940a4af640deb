package pipeline

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enterprise/aml-engine/internal/models"
)

func actionTypes(actions []models.RemediationAction) []string {
	out := make([]string, 0, len(actions))
	for _, a := range actions {
		out = append(out, a.Type)
	}
	return out
}

func TestWorkflowCatalogShape(t *testing.T) {
	allTypes := []string{
		models.AlertSanctionsBreach, models.AlertPEPHighRisk, models.AlertCriticalRuleBreach,
		models.AlertStructuringPattern, models.AlertLayeringPattern, models.AlertVelocityAnomaly,
		models.AlertHighRiskJurisdiction, models.AlertMultipleControlFailures, models.AlertHighRiskTransaction,
		models.AlertMediumRiskTransaction, models.AlertMissingDocumentation, models.AlertHighValueTransaction,
		models.AlertCrossBorderTransaction, models.AlertDocumentationReview, models.AlertRoutineMonitoring,
	}

	for _, alertType := range allTypes {
		steps := workflowFor(alertType)
		assert.GreaterOrEqual(t, len(steps), 6, "workflow for %s", alertType)
		assert.LessOrEqual(t, len(steps), 9, "workflow for %s", alertType)
		for i, step := range steps {
			assert.True(t, strings.HasPrefix(step, fmt.Sprintf("%d. ", i+1)),
				"step %q of %s is numbered", step, alertType)
		}
	}
}

func TestStructuringWorkflowContent(t *testing.T) {
	steps := workflowFor(models.AlertStructuringPattern)

	require.GreaterOrEqual(t, len(steps), 8)
	joined := strings.ToLower(strings.Join(steps, " | "))
	assert.Contains(t, joined, "flag for sar")
	assert.Contains(t, joined, "analyze linked accounts")
	assert.Contains(t, joined, "30 days")
}

func TestPlanInvestigateOnFailures(t *testing.T) {
	planner := NewRemediationPlanner()
	eval := evalWith(45) // Medium band
	eval.Controls = []models.ControlResult{
		{RuleID: "R1", Status: models.ControlFail, Severity: models.SeverityHigh},
	}

	actions := planner.Plan(eval)

	require.Len(t, actions, 1)
	assert.Equal(t, models.ActionInvestigate, actions[0].Type)
	assert.Equal(t, models.RoleCompliance, actions[0].OwnerRole)
	assert.Equal(t, 48, actions[0].SLAHours)
}

func TestPlanLowBandSkipsInvestigation(t *testing.T) {
	planner := NewRemediationPlanner()
	eval := evalWith(20)
	eval.Controls = []models.ControlResult{
		{RuleID: "R1", Status: models.ControlFail, Severity: models.SeverityHigh},
	}

	assert.Empty(t, planner.Plan(eval))
}

func TestPlanEnhancedDueDiligence(t *testing.T) {
	planner := NewRemediationPlanner()

	actions := planner.Plan(evalWith(60))
	assert.Equal(t, []string{models.ActionEnhancedDD}, actionTypes(actions))

	actions = planner.Plan(evalWith(59.9))
	assert.Empty(t, actions)
}

func TestPlanSARFiling(t *testing.T) {
	planner := NewRemediationPlanner()

	actions := planner.Plan(evalWith(80))

	types := actionTypes(actions)
	assert.Contains(t, types, models.ActionFileSAR)
	assert.Contains(t, types, models.ActionEnhancedDD)
	for _, a := range actions {
		if a.Type == models.ActionFileSAR {
			assert.Equal(t, models.RoleLegal, a.OwnerRole)
			assert.Equal(t, 12, a.SLAHours)
		}
	}
}

func TestPlanReviewOnPartials(t *testing.T) {
	planner := NewRemediationPlanner()
	eval := evalWith(40)
	eval.Controls = []models.ControlResult{
		{RuleID: "R1", Status: models.ControlPartial, Severity: models.SeverityMedium},
	}

	actions := planner.Plan(eval)

	require.Len(t, actions, 1)
	assert.Equal(t, models.ActionReview, actions[0].Type)
	assert.Equal(t, 72, actions[0].SLAHours)
}

func TestPlanCollectsMissingDocuments(t *testing.T) {
	planner := NewRemediationPlanner()
	eval := evalWith(45)
	eval.Transaction.PurposeCode = ""
	eval.Evidence = []models.EvidenceMap{
		{RuleID: "R1", Missing: []string{"swift_message_type"}},
	}
	eval.Controls = []models.ControlResult{
		{RuleID: "R1", Status: models.ControlFail, Severity: models.SeverityMedium,
			Rationale: "The purpose_code is absent and required evidence is missing."},
	}

	actions := planner.Plan(eval)

	var collect *models.RemediationAction
	for i := range actions {
		if actions[i].Type == models.ActionCollectDocuments {
			collect = &actions[i]
		}
	}
	require.NotNil(t, collect)
	assert.Equal(t, models.RoleFront, collect.OwnerRole)
	assert.Contains(t, collect.Rationale, "purpose_code")
	assert.Contains(t, collect.Rationale, "swift_message_type")
}

func TestPlanIgnoresFieldsThePaymentCarries(t *testing.T) {
	planner := NewRemediationPlanner()
	eval := evalWith(45)
	// purpose code is populated, so naming it in a rationale collects nothing
	eval.Controls = []models.ControlResult{
		{RuleID: "R1", Status: models.ControlFail, Severity: models.SeverityMedium,
			Rationale: "purpose_code documentation was inconsistent"},
	}

	actions := planner.Plan(eval)

	assert.NotContains(t, actionTypes(actions), models.ActionCollectDocuments)
}

func TestPlanLinksAlertsByRole(t *testing.T) {
	planner := NewRemediationPlanner()
	eval := evalWith(65)
	eval.Controls = []models.ControlResult{
		{RuleID: "R1", Status: models.ControlFail, Severity: models.SeverityHigh},
	}
	eval.Alerts = []*models.Alert{
		{ID: "ALT-1", Role: models.RoleCompliance},
		{ID: "ALT-2", Role: models.RoleFront},
	}

	actions := planner.Plan(eval)

	for _, a := range actions {
		if a.OwnerRole == models.RoleCompliance {
			assert.Equal(t, []string{"ALT-1"}, a.LinkedAlertIDs)
		}
	}
}

func TestPlanLinksAllAlertsWhenRoleHasNone(t *testing.T) {
	planner := NewRemediationPlanner()
	eval := evalWith(85)
	eval.Alerts = []*models.Alert{
		{ID: "ALT-1", Role: models.RoleCompliance},
		{ID: "ALT-2", Role: models.RoleFront},
	}

	actions := planner.Plan(eval)

	for _, a := range actions {
		if a.Type == models.ActionFileSAR {
			assert.Equal(t, []string{"ALT-1", "ALT-2"}, a.LinkedAlertIDs)
		}
	}
}

func TestDedupeActions(t *testing.T) {
	dup := []models.RemediationAction{
		{Type: models.ActionInvestigate, OwnerRole: models.RoleCompliance, Rationale: "first"},
		{Type: models.ActionInvestigate, OwnerRole: models.RoleCompliance, Rationale: "second"},
		{Type: models.ActionInvestigate, OwnerRole: models.RoleLegal, Rationale: "different owner"},
	}

	out := dedupeActions(dup)

	require.Len(t, out, 2)
	assert.Equal(t, "first", out[0].Rationale)
	assert.Equal(t, models.RoleLegal, out[1].OwnerRole)
}
