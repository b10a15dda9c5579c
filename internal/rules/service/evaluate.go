package service

import (
	"sort"

	rulesdomain "github.com/one-covenant/basilica-billing/internal/rules/domain"
	"github.com/shopspring/decimal"
)

const chargePrecision = 8

var hundred = decimal.NewFromInt(100)

// Evaluate applies the single highest-priority matching rule to base. Ties on
// priority resolve to the lexicographically smallest rule id. Inactive rules
// are ignored.
func Evaluate(agg rulesdomain.Aggregation, base decimal.Decimal, rules []rulesdomain.BillingRule) rulesdomain.Evaluation {
	matched := make([]rulesdomain.BillingRule, 0, len(rules))
	for _, rule := range rules {
		if rule.Active && matches(rule, agg) {
			matched = append(matched, rule)
		}
	}

	result := rulesdomain.Evaluation{
		BaseCharge:     base,
		AdjustedCharge: clamp(base),
	}
	if len(matched) == 0 {
		return result
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority > matched[j].Priority
		}
		return matched[i].ID < matched[j].ID
	})

	winner := matched[0]
	result.RuleID = winner.ID
	result.Action = winner.ActionType
	result.AdjustedCharge = clamp(apply(winner, base))
	result.MatchedRuleIDs = make([]string, 0, len(matched))
	for _, rule := range matched {
		result.MatchedRuleIDs = append(result.MatchedRuleIDs, rule.ID)
	}
	return result
}

func matches(rule rulesdomain.BillingRule, agg rulesdomain.Aggregation) bool {
	switch rule.ConditionType {
	case rulesdomain.ConditionAlways:
		return true
	case rulesdomain.ConditionMinUsage:
		return agg.TotalQuantity.GreaterThanOrEqual(rule.Threshold)
	case rulesdomain.ConditionMaxUsage:
		return agg.TotalQuantity.LessThanOrEqual(rule.Threshold)
	case rulesdomain.ConditionPackage:
		return rule.PackageID != "" && rule.PackageID == agg.PackageID
	default:
		return false
	}
}

func apply(rule rulesdomain.BillingRule, base decimal.Decimal) decimal.Decimal {
	v := rule.ActionValue
	switch rule.ActionType {
	case rulesdomain.ActionDiscountPercent:
		return base.Mul(decimal.NewFromInt(1).Sub(v.Div(hundred)))
	case rulesdomain.ActionFixedDiscount:
		return decimal.Max(decimal.Zero, base.Sub(v))
	case rulesdomain.ActionOverrideCharge:
		return v
	case rulesdomain.ActionMultiplier:
		return base.Mul(v)
	default:
		return base
	}
}

func clamp(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v.Round(chargePrecision)
}
