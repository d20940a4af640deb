package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"github.com/enterprise/aml-engine/internal/models"
)

// workflowCatalog holds the fixed remediation playbook per alert type.
// Every entry carries between six and nine steps.
var workflowCatalog = map[string][]string{
	models.AlertSanctionsBreach: {
		"Freeze the transaction pending legal review",
		"Escalate to the sanctions compliance officer immediately",
		"Verify the screening match against the current sanctions list",
		"Document the match details and screening source",
		"Notify legal counsel within the SLA window",
		"Determine blocking or rejection obligations",
		"Prepare the regulatory notification if the match is confirmed",
		"Record the decision and supporting evidence in the case file",
		"Review related customer accounts for additional exposure",
	},
	models.AlertPEPHighRisk: {
		"Confirm the PEP designation against the screening provider",
		"Obtain senior management approval for the relationship",
		"Perform enhanced due diligence on source of funds",
		"Review recent account activity for unusual movements",
		"Document the approval decision and rationale",
		"Update the customer risk profile",
		"Schedule the next periodic review",
	},
	models.AlertCriticalRuleBreach: {
		"Suspend further processing for the customer pending review",
		"Identify every control that failed and the underlying rule",
		"Collect the transaction documents referenced by the failed controls",
		"Interview the relationship manager on the transaction context",
		"Escalate to the head of compliance",
		"Assess regulatory reporting obligations",
		"Remediate or compensate the failed controls",
		"Document findings and close with sign-off",
	},
	models.AlertStructuringPattern: {
		"Review all transactions from this account over the past 30 days",
		"Identify additional transactions just below reporting thresholds",
		"Analyze linked accounts for coordinated activity",
		"Verify the customer's stated source of funds",
		"Contact the relationship manager for transaction context",
		"Aggregate the related amounts across the review window",
		"Flag for SAR filing review",
		"Restrict further near-threshold activity pending the outcome",
		"Document the structuring assessment in the case record",
	},
	models.AlertLayeringPattern: {
		"Map the movement chain across accounts for the past seven days",
		"Identify intermediate accounts with minimal balance retention",
		"Trace the ultimate origin and destination of funds",
		"Review counterparties against shell company indicators",
		"Verify the business rationale with the relationship manager",
		"Flag for SAR filing review if no rationale is established",
		"Consider exit or restriction of the relationship",
		"Document the layering assessment",
	},
	models.AlertVelocityAnomaly: {
		"Compare current activity against the customer's 30-day baseline",
		"Confirm the activity with the customer or relationship manager",
		"Check for account takeover indicators",
		"Review the destinations of the burst transactions",
		"Apply temporary velocity limits if unexplained",
		"Document the anomaly review outcome",
	},
	models.AlertHighRiskJurisdiction: {
		"Confirm the jurisdictions involved and their current risk listing",
		"Apply enhanced due diligence to the counterparty",
		"Verify the purpose of the transfer with supporting documents",
		"Screen the counterparty against sanctions and adverse media",
		"Assess whether ongoing activity with this corridor is acceptable",
		"Update the customer risk rating if exposure is recurring",
		"Document the jurisdiction review",
	},
	models.AlertMultipleControlFailures: {
		"List the failed controls and their owning rules",
		"Collect missing documentation for each failed control",
		"Re-run the affected controls once evidence is complete",
		"Escalate to compliance management if failures persist",
		"Assess aggregate exposure across the failures",
		"Decide on transaction disposition",
		"Record the remediation trail",
	},
	models.AlertHighRiskTransaction: {
		"Review the full risk assessment and contributing factors",
		"Verify the customer profile and expected activity",
		"Obtain transaction supporting documents",
		"Decide whether to clear, restrict, or escalate",
		"Update monitoring thresholds for the account",
		"Document the review decision",
	},
	models.AlertMediumRiskTransaction: {
		"Review the risk assessment breakdown",
		"Spot-check the transaction against the customer profile",
		"Confirm documentation is on file",
		"Clear or escalate based on findings",
		"Note any follow-up actions",
		"Record the review outcome",
	},
	models.AlertMissingDocumentation: {
		"List the missing documentation fields",
		"Request the missing documents from the customer",
		"Set a collection deadline aligned with the alert SLA",
		"Hold similar transactions until documents arrive",
		"Validate received documents for completeness",
		"Update the transaction record with the evidence",
		"Close the alert once documentation is complete",
	},
	models.AlertHighValueTransaction: {
		"Verify the transaction against the customer's expected activity",
		"Confirm source of funds documentation",
		"Check for related transactions on the same day",
		"Record threshold reporting obligations if any",
		"Clear or escalate based on findings",
		"Document the review",
	},
	models.AlertCrossBorderTransaction: {
		"Verify corridor details and counterparty information",
		"Confirm travel rule information is complete",
		"Check both jurisdictions for reporting obligations",
		"Review FX conversion details if applicable",
		"Clear or escalate based on findings",
		"Document the review",
	},
	models.AlertDocumentationReview: {
		"Pull the transaction record and attached documents",
		"Verify mandatory fields are populated",
		"Request corrections for incomplete records",
		"Confirm the customer file is current",
		"Clear the review or raise a documentation alert",
		"Record the outcome",
	},
	models.AlertRoutineMonitoring: {
		"Log the transaction in the monitoring record",
		"Confirm no open alerts exist for the customer",
		"Verify the risk score against the customer baseline",
		"Sample-check transaction details for accuracy",
		"Escalate only if new information emerges",
		"Archive the monitoring entry",
	},
}

// workflowFor renders the numbered step list for an alert type.
func workflowFor(alertType string) []string {
	steps := workflowCatalog[alertType]
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = fmt.Sprintf("%d. %s", i+1, s)
	}
	return out
}

// Remediation action SLAs in hours.
var actionSLA = map[string]int{
	models.ActionInvestigate:      48,
	models.ActionEnhancedDD:       72,
	models.ActionCollectDocuments: 72,
	models.ActionFileSAR:          12,
	models.ActionReview:           72,
}

// RemediationPlanner derives follow-up action records from failed controls,
// the risk band, and the raised alerts. Actions are deduplicated by type and
// owner so stacked triggers produce one record.
type RemediationPlanner struct{}

func NewRemediationPlanner() *RemediationPlanner { return &RemediationPlanner{} }

func (p *RemediationPlanner) Plan(eval *Evaluation) []models.RemediationAction {
	band := eval.Assessment.Band
	score := eval.Assessment.Score
	mediumPlus := band == models.BandMedium || band == models.BandHigh || band == models.BandCritical

	var failures, partials int
	for _, c := range eval.Controls {
		switch c.Status {
		case models.ControlFail:
			failures++
		case models.ControlPartial:
			partials++
		}
	}

	var actions []models.RemediationAction
	if mediumPlus && failures > 0 {
		actions = append(actions, p.action(eval, models.ActionInvestigate, models.RoleCompliance,
			fmt.Sprintf("%d failed control(s) at %s band", failures, band)))
	}
	if score >= 60 {
		actions = append(actions, p.action(eval, models.ActionEnhancedDD, models.RoleCompliance,
			fmt.Sprintf("risk score %.1f requires enhanced due diligence", score)))
	}
	if fields := documentsToCollect(eval); len(fields) > 0 {
		actions = append(actions, p.action(eval, models.ActionCollectDocuments, models.RoleFront,
			fmt.Sprintf("failed controls reference missing fields: %s", strings.Join(fields, ", "))))
	}
	if score >= 80 {
		actions = append(actions, p.action(eval, models.ActionFileSAR, models.RoleLegal,
			fmt.Sprintf("risk score %.1f meets the SAR filing threshold", score)))
	}
	if mediumPlus && partials > 0 {
		actions = append(actions, p.action(eval, models.ActionReview, models.RoleCompliance,
			fmt.Sprintf("%d partial control(s) at %s band", partials, band)))
	}
	return dedupeActions(actions)
}

func (p *RemediationPlanner) action(eval *Evaluation, actionType, owner, rationale string) models.RemediationAction {
	linked := make([]string, 0, len(eval.Alerts))
	for _, a := range eval.Alerts {
		if a.Role == owner {
			linked = append(linked, a.ID)
		}
	}
	if len(linked) == 0 {
		for _, a := range eval.Alerts {
			linked = append(linked, a.ID)
		}
	}
	return models.RemediationAction{
		Type:           actionType,
		OwnerRole:      owner,
		SLAHours:       actionSLA[actionType],
		LinkedAlertIDs: linked,
		Rationale:      rationale,
	}
}

// documentsToCollect extracts the transaction fields failure rationales call
// missing. A field counts when the rationale names it directly and the
// transaction lacks it, or when the failed rule's evidence map lists it as
// missing and the rationale speaks of missing evidence.
func documentsToCollect(eval *Evaluation) []string {
	byRule := make(map[string]models.EvidenceMap, len(eval.Evidence))
	for _, em := range eval.Evidence {
		byRule[em.RuleID] = em
	}
	known := transactionFields(eval.Transaction)

	seen := make(map[string]struct{})
	for _, c := range eval.Controls {
		if c.Status != models.ControlFail {
			continue
		}
		rationale := strings.ToLower(c.Rationale)
		for name, value := range known {
			if strings.Contains(rationale, name) && !hasValue(value) {
				seen[name] = struct{}{}
			}
		}
		if strings.Contains(rationale, "missing") {
			for _, f := range byRule[c.RuleID].Missing {
				seen[f] = struct{}{}
			}
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

func dedupeActions(actions []models.RemediationAction) []models.RemediationAction {
	type key struct{ actionType, owner string }
	seen := make(map[key]struct{}, len(actions))
	out := actions[:0]
	for _, a := range actions {
		k := key{a.Type, a.OwnerRole}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, a)
	}
	return out
}
