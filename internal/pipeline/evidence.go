package pipeline

import (
	"strings"
	"time"

	"github.com/enterprise/aml-engine/internal/models"
)

// EvidenceMapper classifies each of a rule's expected evidence fields as
// present, missing, or contradictory against the transaction. The mapping is
// purely mechanical; field names a transaction does not carry are ignored.
type EvidenceMapper struct{}

func NewEvidenceMapper() *EvidenceMapper { return &EvidenceMapper{} }

func (m *EvidenceMapper) Map(tx *models.Transaction, rule *models.Rule) models.EvidenceMap {
	fields := transactionFields(tx)
	em := models.EvidenceMap{RuleID: rule.RuleID}
	for _, name := range rule.ExpectedEvidence {
		key := strings.ToLower(strings.TrimSpace(name))
		value, known := fields[key]
		if !known {
			continue
		}
		if !hasValue(value) {
			em.Missing = append(em.Missing, key)
			continue
		}
		if violatesConstraint(rule, key, value) {
			em.Contradictory = append(em.Contradictory, key)
			continue
		}
		em.Present = append(em.Present, key)
	}
	return em
}

// violatesConstraint reports whether a structured condition the rule declares
// on this field is broken by the transaction's value.
func violatesConstraint(rule *models.Rule, field string, value interface{}) bool {
	for _, cond := range rule.Conditions {
		if !strings.EqualFold(strings.TrimSpace(cond.Field), field) {
			continue
		}
		if !evaluateCondition(value, cond) {
			return true
		}
	}
	return false
}

// transactionFields flattens the transaction into the snake_case names rules
// reference in expected_evidence and conditions.
func transactionFields(tx *models.Transaction) map[string]interface{} {
	return map[string]interface{}{
		"transaction_id":       tx.TransactionID,
		"amount":               tx.Amount,
		"currency":             tx.Currency,
		"booking_date":         tx.BookingDate,
		"value_date":           tx.ValueDate,
		"booking_jurisdiction": tx.BookingJurisdiction,
		"originator_name":      tx.OriginatorName,
		"originator_account":   tx.OriginatorAccount,
		"originator_country":   tx.OriginatorCountry,
		"beneficiary_name":     tx.BeneficiaryName,
		"beneficiary_account":  tx.BeneficiaryAccount,
		"beneficiary_country":  tx.BeneficiaryCountry,
		"customer_id":          tx.CustomerID,
		"customer_risk_rating": tx.CustomerRiskRating,
		"customer_kyc_date":    tx.CustomerKYCDate,
		"channel":              tx.Channel,
		"product":              tx.Product,
		"swift_message_type":   tx.SwiftMessageType,
		"purpose_code":         tx.PurposeCode,
		"charge_bearer":        tx.ChargeBearer,
		"travel_rule_complete": tx.TravelRuleComplete,
		"fx_conversion":        tx.FXConversion,
		"pep_indicator":        tx.PEPIndicator,
		"sanctions_hit":        tx.SanctionsHit,
	}
}

// hasValue treats empty strings, zero amounts, zero times, and nil pointers
// as absent. Booleans always count as present; their truth is judged by
// constraints, not by presence.
func hasValue(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(t) != ""
	case float64:
		return t != 0
	case bool:
		return true
	case time.Time:
		return !t.IsZero()
	case *time.Time:
		return t != nil && !t.IsZero()
	}
	return true
}
