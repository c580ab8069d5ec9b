// Package usage implements the metering plane: the quota evaluator, the
// tier-aware cost calculator, the usage recorder that is the only sanctioned
// entry point for metered activity, and the reconciliation job that rebuilds
// live counters from durable events.
package usage

import (
	"github.com/shopspring/decimal"

	"github.com/voxwire/voxwire/internal/config"
	"github.com/voxwire/voxwire/internal/model"
)

// CostBreakdown is the result of one cost calculation.
type CostBreakdown struct {
	Metric   model.Metric
	Tier     model.Tier
	Quantity decimal.Decimal

	// Billable is the portion of Quantity above the included monthly
	// allowance. Zero when fully covered.
	Billable decimal.Decimal

	UnitPrice         decimal.Decimal
	OverageMultiplier decimal.Decimal

	// Cost is Billable × UnitPrice × OverageMultiplier, rounded to four
	// fractional digits with banker's rounding.
	Cost decimal.Decimal
}

// Cost prices an additional quantity against a rule given the cumulative
// month usage at event time.
//
// Fully inside the included allowance is free. Fully above it, the whole
// addition is billed at price × overage multiplier. Straddling the boundary
// bills only the part above the allowance.
func Cost(rule config.PriceRule, tier model.Tier, used, add decimal.Decimal) CostBreakdown {
	b := CostBreakdown{
		Metric:            rule.Metric,
		Tier:              tier,
		Quantity:          add,
		Billable:          decimal.Zero,
		UnitPrice:         rule.PricePerUnit,
		OverageMultiplier: rule.OverageMultiplier,
		Cost:              decimal.Zero,
	}
	inc := rule.IncludedPerMonth
	switch {
	case used.Add(add).LessThanOrEqual(inc):
		return b
	case used.GreaterThanOrEqual(inc):
		b.Billable = add
	default:
		b.Billable = used.Add(add).Sub(inc)
	}
	b.Cost = b.Billable.Mul(rule.PricePerUnit).Mul(rule.OverageMultiplier).RoundBank(4)
	return b
}

// FreeBreakdown is the breakdown for metrics with no pricing rule.
func FreeBreakdown(metric model.Metric, tier model.Tier, add decimal.Decimal) CostBreakdown {
	return CostBreakdown{
		Metric:            metric,
		Tier:              tier,
		Quantity:          add,
		Billable:          decimal.Zero,
		UnitPrice:         decimal.Zero,
		OverageMultiplier: decimal.Zero,
		Cost:              decimal.Zero,
	}
}
