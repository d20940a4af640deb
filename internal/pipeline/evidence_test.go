package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/enterprise/aml-engine/internal/models"
)

func TestMapClassifiesFields(t *testing.T) {
	mapper := NewEvidenceMapper()
	tx := testTransaction()
	tx.SwiftMessageType = "" // expected but absent
	rule := makeRule("R1", "high", "currency", "purpose_code", "swift_message_type", "blockchain_hash")

	em := mapper.Map(tx, &rule)

	assert.Equal(t, "R1", em.RuleID)
	assert.ElementsMatch(t, []string{"currency", "purpose_code"}, em.Present)
	assert.Equal(t, []string{"swift_message_type"}, em.Missing)
	assert.Empty(t, em.Contradictory, "unknown field names are skipped, not contradictory")
	assert.True(t, em.HasMissing())
}

func TestMapContradictoryOnBrokenConstraint(t *testing.T) {
	mapper := NewEvidenceMapper()
	tx := testTransaction()
	tx.TravelRuleComplete = false
	rule := makeRule("R2", "high", "travel_rule_complete")
	rule.Conditions = []models.RuleCondition{
		{Field: "travel_rule_complete", Operator: "eq", Value: true},
	}

	em := mapper.Map(tx, &rule)

	assert.Equal(t, []string{"travel_rule_complete"}, em.Contradictory)
	assert.Empty(t, em.Missing, "booleans are never missing")
}

func TestMapBooleanPresence(t *testing.T) {
	mapper := NewEvidenceMapper()
	tx := testTransaction()
	tx.SanctionsHit = false
	rule := makeRule("R3", "critical", "sanctions_hit", "pep_indicator")

	em := mapper.Map(tx, &rule)

	assert.ElementsMatch(t, []string{"sanctions_hit", "pep_indicator"}, em.Present)
}

func TestMapDateFields(t *testing.T) {
	mapper := NewEvidenceMapper()
	tx := testTransaction()
	rule := makeRule("R4", "medium", "value_date", "customer_kyc_date")

	em := mapper.Map(tx, &rule)
	assert.ElementsMatch(t, []string{"value_date", "customer_kyc_date"}, em.Missing)

	vd := anchor.Add(24 * time.Hour)
	tx.ValueDate = &vd
	em = mapper.Map(tx, &rule)
	assert.Equal(t, []string{"value_date"}, em.Present)
	assert.Equal(t, []string{"customer_kyc_date"}, em.Missing)
}

func TestMapNormalizesEvidenceNames(t *testing.T) {
	mapper := NewEvidenceMapper()
	tx := testTransaction()
	rule := makeRule("R5", "low", " Currency ", "PURPOSE_CODE")

	em := mapper.Map(tx, &rule)

	assert.ElementsMatch(t, []string{"currency", "purpose_code"}, em.Present)
}
