package pipeline

import (
	"fmt"
	"strings"

	"github.com/enterprise/aml-engine/internal/models"
)

const applicabilitySystem = "You are an AML compliance analyst. Judge whether a regulatory rule applies to a specific transaction. Answer with JSON only."

const controlTestSystem = "You are an AML compliance analyst executing a control test. Assess whether the transaction satisfies the rule given the evidence. Answer with JSON only."

const analystSystem = "You are a senior AML analyst writing a case note for a compliance reviewer. Be factual and concise, and cite rule ids when referring to controls."

func applicabilityPrompt(rule *models.Rule, tx *models.Transaction) string {
	var b strings.Builder
	writeRule(&b, rule)
	b.WriteString("\nTransaction:\n")
	b.WriteString(renderTransaction(tx))
	b.WriteString("\nDoes this rule apply to this transaction?\n")
	b.WriteString(`Respond with JSON: {"applies": boolean, "rationale": string, "confidence": number between 0 and 1}`)
	return b.String()
}

func controlTestPrompt(rule *models.Rule, tx *models.Transaction, evidence models.EvidenceMap) string {
	var b strings.Builder
	writeRule(&b, rule)
	b.WriteString("\nTransaction:\n")
	b.WriteString(renderTransaction(tx))
	b.WriteString("\nEvidence assessment:\n")
	fmt.Fprintf(&b, "present: %s\n", joinOrNone(evidence.Present))
	fmt.Fprintf(&b, "missing: %s\n", joinOrNone(evidence.Missing))
	fmt.Fprintf(&b, "contradictory: %s\n", joinOrNone(evidence.Contradictory))
	b.WriteString("\nTest whether the transaction complies with this rule.\n")
	b.WriteString(`Respond with JSON: {"status": "pass"|"fail"|"partial", "severity": "critical"|"high"|"medium"|"low", "compliance_score": number between 0 and 100, "rationale": string}`)
	return b.String()
}

func analystPrompt(eval *Evaluation) string {
	var b strings.Builder
	tx := eval.Transaction
	fmt.Fprintf(&b, "Transaction %s: %.2f %s on %s, %s to %s, customer risk rating %s.\n",
		tx.TransactionID, tx.Amount, tx.Currency, tx.BookingDate.UTC().Format("2006-01-02"),
		tx.OriginatorCountry, tx.BeneficiaryCountry, strings.ToLower(tx.CustomerRiskRating))
	fmt.Fprintf(&b, "Final risk score %.1f, band %s (rule %.1f, model %.1f, pattern %.1f).\n",
		eval.Assessment.Score, eval.Assessment.Band,
		eval.Assessment.Breakdown.RuleBased, eval.Assessment.Breakdown.MLBased, eval.Assessment.Breakdown.PatternBased)

	b.WriteString("Applicable rules:\n")
	for _, r := range eval.Applicable {
		fmt.Fprintf(&b, "- %s (%s, severity %s)\n", r.Rule.RuleID, r.Rule.Title, r.Rule.Severity)
	}
	b.WriteString("Control results:\n")
	for _, c := range eval.Controls {
		fmt.Fprintf(&b, "- %s: %s, score %.0f. %s\n", c.RuleID, c.Status, c.ComplianceScore, c.Rationale)
	}
	for name, score := range eval.Patterns.ToMap() {
		if score >= 50 {
			fmt.Fprintf(&b, "Pattern %s scored %.0f.\n", name, score)
		}
	}
	b.WriteString("\nWrite a short analyst summary (at most 300 words) of the compliance outcome, citing rule ids.")
	return b.String()
}

func writeRule(b *strings.Builder, rule *models.Rule) {
	fmt.Fprintf(b, "Rule %s (version %d, severity %s", rule.RuleID, rule.Version, rule.Severity)
	if rule.Regulator != "" {
		fmt.Fprintf(b, ", regulator %s", rule.Regulator)
	}
	b.WriteString("):\n")
	fmt.Fprintf(b, "%s\n\n%s\n", rule.Title, rule.Body)
	if rule.ApplicabilityText != "" {
		fmt.Fprintf(b, "\nApplies to: %s\n", rule.ApplicabilityText)
	}
}

// renderTransaction is the compact key-value rendering shared by every
// prompt so the model always sees the same shape.
func renderTransaction(tx *models.Transaction) string {
	var b strings.Builder
	fmt.Fprintf(&b, "transaction_id: %s\n", tx.TransactionID)
	fmt.Fprintf(&b, "amount: %.2f %s\n", tx.Amount, tx.Currency)
	fmt.Fprintf(&b, "booking_date: %s\n", tx.BookingDate.UTC().Format("2006-01-02"))
	fmt.Fprintf(&b, "booking_jurisdiction: %s\n", tx.BookingJurisdiction)
	fmt.Fprintf(&b, "originator: %s, account %s, country %s\n", tx.OriginatorName, tx.OriginatorAccount, tx.OriginatorCountry)
	fmt.Fprintf(&b, "beneficiary: %s, account %s, country %s\n", tx.BeneficiaryName, tx.BeneficiaryAccount, tx.BeneficiaryCountry)
	fmt.Fprintf(&b, "customer: %s, risk rating %s\n", tx.CustomerID, strings.ToLower(tx.CustomerRiskRating))
	fmt.Fprintf(&b, "channel: %s, product: %s, swift: %s\n", tx.Channel, tx.Product, tx.SwiftMessageType)
	fmt.Fprintf(&b, "purpose_code: %q, charge_bearer: %q\n", tx.PurposeCode, tx.ChargeBearer)
	fmt.Fprintf(&b, "cross_border: %t, fx_conversion: %t, travel_rule_complete: %t\n", tx.IsCrossBorder(), tx.FXConversion, tx.TravelRuleComplete)
	fmt.Fprintf(&b, "pep_indicator: %t, sanctions_hit: %t\n", tx.PEPIndicator, tx.SanctionsHit)
	return b.String()
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "none"
	}
	return strings.Join(items, ", ")
}
