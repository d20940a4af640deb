package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enterprise/aml-engine/internal/models"
)

func TestEvaluateConditionOperators(t *testing.T) {
	cases := []struct {
		name  string
		value interface{}
		cond  models.RuleCondition
		want  bool
	}{
		{"eq strings case insensitive", "USD", models.RuleCondition{Operator: "eq", Value: "usd"}, true},
		{"eq numeric int against float", 5000.0, models.RuleCondition{Operator: "eq", Value: 5000}, true},
		{"empty operator means eq", "wire", models.RuleCondition{Operator: "", Value: "wire"}, true},
		{"equals alias", "wire", models.RuleCondition{Operator: "equals", Value: "card"}, false},
		{"neq", "USD", models.RuleCondition{Operator: "neq", Value: "EUR"}, true},
		{"not_equals alias", "USD", models.RuleCondition{Operator: "not_equals", Value: "usd"}, false},
		{"gt", 10000.0, models.RuleCondition{Operator: "gt", Value: 9999}, true},
		{"gt equal fails", 10000.0, models.RuleCondition{Operator: "gt", Value: 10000}, false},
		{"gte equal holds", 10000.0, models.RuleCondition{Operator: "gte", Value: 10000}, true},
		{"lt", 500.0, models.RuleCondition{Operator: "lt", Value: 1000}, true},
		{"lte", 1000.0, models.RuleCondition{Operator: "lte", Value: 1000}, true},
		{"gt untypeable operand passes", "wire", models.RuleCondition{Operator: "gt", Value: 10}, true},
		{"in", "US", models.RuleCondition{Operator: "in", Value: []interface{}{"GB", "US"}}, true},
		{"in miss", "FR", models.RuleCondition{Operator: "in", Value: []interface{}{"GB", "US"}}, false},
		{"in malformed list passes", "FR", models.RuleCondition{Operator: "in", Value: "GB"}, true},
		{"not_in", "FR", models.RuleCondition{Operator: "not_in", Value: []interface{}{"GB", "US"}}, true},
		{"not_in hit", "US", models.RuleCondition{Operator: "not_in", Value: []interface{}{"GB", "US"}}, false},
		{"contains", "MT103 STP", models.RuleCondition{Operator: "contains", Value: "mt103"}, true},
		{"contains miss", "MT202", models.RuleCondition{Operator: "contains", Value: "103"}, false},
		{"bool against string spelling", true, models.RuleCondition{Operator: "eq", Value: "true"}, true},
		{"bool mismatch", false, models.RuleCondition{Operator: "eq", Value: true}, false},
		{"unknown operator passes", "anything", models.RuleCondition{Operator: "between", Value: 10}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, evaluateCondition(tc.value, tc.cond))
		})
	}
}

func TestPrefilterDropsDefinitiveMisses(t *testing.T) {
	tx := testTransaction() // amount 2500, jurisdiction US

	large := makeRule("R-LARGE", "high")
	large.Conditions = []models.RuleCondition{{Field: "amount", Operator: "gte", Value: 100000}}

	domestic := makeRule("R-US", "medium")
	domestic.Conditions = []models.RuleCondition{{Field: "booking_jurisdiction", Operator: "eq", Value: "US"}}

	unconditioned := makeRule("R-ANY", "low")

	unknownField := makeRule("R-ODD", "low")
	unknownField.Conditions = []models.RuleCondition{{Field: "settlement_network", Operator: "eq", Value: "fednow"}}

	rules := []models.RetrievedRule{
		retrieved(large, 0.9),
		retrieved(domestic, 0.8),
		retrieved(unconditioned, 0.7),
		retrieved(unknownField, 0.6),
	}

	kept := Prefilter(tx, rules)

	require.Len(t, kept, 3)
	ids := []string{kept[0].Rule.RuleID, kept[1].Rule.RuleID, kept[2].Rule.RuleID}
	assert.Equal(t, []string{"R-US", "R-ANY", "R-ODD"}, ids)
}

func TestPrefilterSkipsConditionsOnMissingValues(t *testing.T) {
	tx := testTransaction()
	tx.SwiftMessageType = ""

	rule := makeRule("R-SWIFT", "medium")
	rule.Conditions = []models.RuleCondition{{Field: "swift_message_type", Operator: "eq", Value: "MT103"}}

	kept := Prefilter(tx, []models.RetrievedRule{retrieved(rule, 0.5)})

	assert.Len(t, kept, 1, "conditions on absent values cannot disqualify")
}

func TestPrefilterEmptyInput(t *testing.T) {
	assert.Empty(t, Prefilter(testTransaction(), nil))
}
