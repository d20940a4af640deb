package pipeline

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/enterprise/aml-engine/internal/models"
)

// Prefilter drops rules whose structured conditions the transaction
// definitively fails, sparing language model calls for rules that cannot
// apply. Rules without conditions, and conditions on fields the transaction
// does not carry, always survive; ambiguity is left to the model.
func Prefilter(tx *models.Transaction, rules []models.RetrievedRule) []models.RetrievedRule {
	if len(rules) == 0 {
		return rules
	}
	fields := transactionFields(tx)
	kept := make([]models.RetrievedRule, 0, len(rules))
	for _, r := range rules {
		if satisfiesConditions(fields, r.Rule.Conditions) {
			kept = append(kept, r)
		}
	}
	return kept
}

func satisfiesConditions(fields map[string]interface{}, conds []models.RuleCondition) bool {
	for _, c := range conds {
		value, known := fields[strings.ToLower(strings.TrimSpace(c.Field))]
		if !known || !hasValue(value) {
			continue
		}
		if !evaluateCondition(value, c) {
			return false
		}
	}
	return true
}

// evaluateCondition reports whether the transaction value satisfies the
// structured condition. Unknown operators and untypeable operands satisfy by
// default so a malformed rule never disqualifies itself.
func evaluateCondition(value interface{}, cond models.RuleCondition) bool {
	op := strings.ToLower(strings.TrimSpace(cond.Operator))
	switch op {
	case "", "eq", "equals":
		return looseEqual(value, cond.Value)
	case "neq", "not_equals":
		return !looseEqual(value, cond.Value)
	case "gt", "gte", "lt", "lte":
		a, aok := toFloat(value)
		b, bok := toFloat(cond.Value)
		if !aok || !bok {
			return true
		}
		switch op {
		case "gt":
			return a > b
		case "gte":
			return a >= b
		case "lt":
			return a < b
		default:
			return a <= b
		}
	case "in":
		items, ok := cond.Value.([]interface{})
		if !ok {
			return true
		}
		for _, item := range items {
			if looseEqual(value, item) {
				return true
			}
		}
		return false
	case "not_in":
		items, ok := cond.Value.([]interface{})
		if !ok {
			return true
		}
		for _, item := range items {
			if looseEqual(value, item) {
				return false
			}
		}
		return true
	case "contains":
		s, sok := value.(string)
		sub, subok := cond.Value.(string)
		if !sok || !subok {
			return true
		}
		return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
	}
	return true
}

// looseEqual compares across the types JSON decoding produces: numbers
// compare numerically, strings case-insensitively, and booleans tolerate
// their string spellings.
func looseEqual(a, b interface{}) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return math.Abs(af-bf) < 1e-9
		}
	}
	if as, aok := a.(string); aok {
		if bs, bok := b.(string); bok {
			return strings.EqualFold(as, bs)
		}
	}
	if ab, aok := a.(bool); aok {
		if bb, bok := b.(bool); bok {
			return ab == bb
		}
		if bs, bok := b.(string); bok {
			return strconv.FormatBool(ab) == strings.ToLower(strings.TrimSpace(bs))
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
