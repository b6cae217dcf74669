/*
rules.go - Eligibility and commission rule definitions

PURPOSE:
  Typed, load-time-validated rule definitions. The upstream admin tooling
  authors rules as JSON; by the time a rule reaches this package it must be
  a closed, well-formed variant. Malformed tier lists (overlaps, gaps,
  inverted ranges) are rejected at load rather than trusted at computation.

KEY CONCEPTS:
  - EligibilityRule: insurance type + state + wound-size range -> allowed
    product codes, or a consultation requirement
  - CommissionRule: flat or tiered rate attached to a product,
    manufacturer, category, or facility, with a validity window
  - Tier: one marginal bracket of a tiered rate schedule

VERSIONING:
  Rate changes never mutate a rule in place. A new rule version is created
  with a non-overlapping validity window so historical computations stay
  reproducible. Eligibility rules are deactivated (soft), never deleted.

TIER BRACKETS:
  Marginal brackets are delimited by tier minimums: tier i covers
  [Min_i, Min_{i+1}), the last tier is open-ended unless its Max is set.
  A declared interior Max must equal the next Min or sit exactly one unit
  below it, which accepts both "0-10000 / 10001-50000" seed style and
  exact-contiguous style.

SEE ALSO:
  - eligibility.go: Rule selection for an order context
  - calculator.go: Rate application and splitting
  - factory/rules.go: JSON -> typed rule conversion
*/
package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ELIGIBILITY RULE
// =============================================================================

// InsuranceType is an open set; common values get constants for seed data
// and tests.
type InsuranceType string

const (
	InsuranceMedicare   InsuranceType = "medicare"
	InsuranceMedicaid   InsuranceType = "medicaid"
	InsuranceCommercial InsuranceType = "commercial"
)

// EligibilityRule maps an insurance/state/wound-size context to the product
// codes that may be ordered, or flags the context for manual consultation.
type EligibilityRule struct {
	ID            RuleID
	InsuranceType InsuranceType

	// StateCode is nil for wildcard rules that apply in every state.
	StateCode *string

	// WoundSizeMin/Max bound the covered wound size in cm2, inclusive.
	// A nil bound is unbounded on that side.
	WoundSizeMin *decimal.Decimal
	WoundSizeMax *decimal.Decimal

	AllowedProductCodes  []ProductCode
	RequiresConsultation bool
	Message              string
	IsActive             bool
}

// MatchesWoundSize reports whether the rule's range contains size (inclusive).
func (r EligibilityRule) MatchesWoundSize(size decimal.Decimal) bool {
	if r.WoundSizeMin != nil && size.LessThan(*r.WoundSizeMin) {
		return false
	}
	if r.WoundSizeMax != nil && size.GreaterThan(*r.WoundSizeMax) {
		return false
	}
	return true
}

// RangeWidth returns the width of the wound-size range, or nil when either
// bound is open (treated as infinitely wide by the tie-break).
func (r EligibilityRule) RangeWidth() *decimal.Decimal {
	if r.WoundSizeMin == nil || r.WoundSizeMax == nil {
		return nil
	}
	w := r.WoundSizeMax.Sub(*r.WoundSizeMin)
	return &w
}

// Validate rejects malformed eligibility rules at load time.
func (r EligibilityRule) Validate() error {
	if r.ID == "" {
		return &RuleValidationError{RuleID: r.ID, Reason: "missing id"}
	}
	if r.InsuranceType == "" {
		return &RuleValidationError{RuleID: r.ID, Reason: "missing insurance type"}
	}
	if r.WoundSizeMin != nil && r.WoundSizeMin.IsNegative() {
		return &RuleValidationError{RuleID: r.ID, Reason: "negative wound size minimum"}
	}
	if r.WoundSizeMin != nil && r.WoundSizeMax != nil && r.WoundSizeMax.LessThan(*r.WoundSizeMin) {
		return &RuleValidationError{RuleID: r.ID, Reason: "inverted wound size range"}
	}
	if !r.RequiresConsultation && len(r.AllowedProductCodes) == 0 {
		return &RuleValidationError{RuleID: r.ID, Reason: "coverage rule with empty product list"}
	}
	return nil
}

// =============================================================================
// COMMISSION RULE
// =============================================================================

// TargetType orders commission rule specificity. Resolution tries targets
// from most to least specific and the first match wins.
type TargetType string

const (
	TargetProduct      TargetType = "product"
	TargetManufacturer TargetType = "manufacturer"
	TargetCategory     TargetType = "category"
	TargetFacility     TargetType = "facility"
)

// TargetPrecedence is the resolution order for commission rules.
var TargetPrecedence = []TargetType{
	TargetProduct,
	TargetManufacturer,
	TargetCategory,
	TargetFacility,
}

type RateType string

const (
	RateFlat   RateType = "flat"
	RateTiered RateType = "tiered"
)

// Tier is one marginal bracket. Max is documentation for interior tiers
// (bracket boundaries come from the Min values); a nil Max on the last tier
// means open-ended.
type Tier struct {
	Min  decimal.Decimal
	Max  *decimal.Decimal
	Rate decimal.Decimal // percentage, 0-100
}

// CommissionRule attaches a rate schedule to a target for a validity window.
type CommissionRule struct {
	ID         RuleID
	TargetType TargetType
	TargetID   string
	RateType   RateType

	// BaseRate is the flat percentage (0-100). Set iff RateType is flat.
	BaseRate *decimal.Decimal

	// Tiers is the ascending marginal schedule. Set iff RateType is tiered.
	Tiers []Tier

	ValidFrom time.Time
	ValidTo   *time.Time // nil = open-ended
}

// ValidAt reports whether the rule's validity window contains at (inclusive).
func (r CommissionRule) ValidAt(at time.Time) bool {
	if at.Before(r.ValidFrom) {
		return false
	}
	if r.ValidTo != nil && at.After(*r.ValidTo) {
		return false
	}
	return true
}

// AmountFor computes the commission for base, rounded to cents.
// Flat: base * rate / 100. Tiered: marginal-bracket sum, each tier's rate
// applied only to the portion of base falling inside that bracket.
func (r CommissionRule) AmountFor(base Money) Money {
	switch r.RateType {
	case RateFlat:
		if r.BaseRate == nil {
			return ZeroMoney()
		}
		return base.Mul(*r.BaseRate).Div(decimal.NewFromInt(100)).RoundCents()
	case RateTiered:
		return r.tieredAmount(base).RoundCents()
	default:
		return ZeroMoney()
	}
}

func (r CommissionRule) tieredAmount(base Money) Money {
	total := decimal.Zero
	hundred := decimal.NewFromInt(100)

	for i, tier := range r.Tiers {
		lower := tier.Min
		if base.Value.LessThanOrEqual(lower) {
			break
		}

		// Bracket upper bound: the next tier's minimum, or the last tier's
		// declared Max, or unbounded.
		upper := base.Value
		if i+1 < len(r.Tiers) {
			upper = r.Tiers[i+1].Min
		} else if tier.Max != nil && tier.Max.LessThan(upper) {
			upper = *tier.Max
		}
		if base.Value.LessThan(upper) {
			upper = base.Value
		}

		portion := upper.Sub(lower)
		if portion.IsPositive() {
			total = total.Add(portion.Mul(tier.Rate).Div(hundred))
		}
	}
	return Money{Value: total}
}

// Validate rejects malformed commission rules at load time: missing rate
// data, non-ascending tiers, overlaps, gaps, and out-of-range rates.
func (r CommissionRule) Validate() error {
	if r.ID == "" {
		return &RuleValidationError{RuleID: r.ID, Reason: "missing id"}
	}
	if r.TargetID == "" {
		return &RuleValidationError{RuleID: r.ID, Reason: "missing target id"}
	}
	if !validTargetType(r.TargetType) {
		return &RuleValidationError{RuleID: r.ID, Reason: "unknown target type " + string(r.TargetType)}
	}
	if r.ValidTo != nil && r.ValidTo.Before(r.ValidFrom) {
		return &RuleValidationError{RuleID: r.ID, Reason: "validity window ends before it starts"}
	}

	switch r.RateType {
	case RateFlat:
		if r.BaseRate == nil {
			return &RuleValidationError{RuleID: r.ID, Reason: "flat rule without base rate"}
		}
		if !validPercentage(*r.BaseRate) {
			return &RuleValidationError{RuleID: r.ID, Reason: "base rate outside 0-100"}
		}
		if len(r.Tiers) > 0 {
			return &RuleValidationError{RuleID: r.ID, Reason: "flat rule with tiers"}
		}
	case RateTiered:
		return r.validateTiers()
	default:
		return &RuleValidationError{RuleID: r.ID, Reason: "unknown rate type " + string(r.RateType)}
	}
	return nil
}

func (r CommissionRule) validateTiers() error {
	if len(r.Tiers) == 0 {
		return &RuleValidationError{RuleID: r.ID, Reason: "tiered rule without tiers"}
	}
	one := decimal.NewFromInt(1)

	for i, tier := range r.Tiers {
		if tier.Min.IsNegative() {
			return &RuleValidationError{RuleID: r.ID, Reason: "tier with negative minimum"}
		}
		if !validPercentage(tier.Rate) {
			return &RuleValidationError{RuleID: r.ID, Reason: "tier rate outside 0-100"}
		}
		if tier.Max != nil && tier.Max.LessThan(tier.Min) {
			return &RuleValidationError{RuleID: r.ID, Reason: "tier with max below min"}
		}

		if i == 0 {
			continue
		}
		prev := r.Tiers[i-1]
		if !tier.Min.GreaterThan(prev.Min) {
			return &RuleValidationError{RuleID: r.ID, Reason: "tiers not ascending by minimum"}
		}
		if prev.Max == nil {
			return &RuleValidationError{RuleID: r.ID, Reason: "open-ended tier followed by another tier"}
		}
		if prev.Max.GreaterThan(tier.Min) {
			return &RuleValidationError{RuleID: r.ID, Reason: "overlapping tiers"}
		}
		if tier.Min.Sub(*prev.Max).GreaterThan(one) {
			return &RuleValidationError{RuleID: r.ID, Reason: "gap between tiers"}
		}
	}
	return nil
}

func validTargetType(t TargetType) bool {
	for _, known := range TargetPrecedence {
		if t == known {
			return true
		}
	}
	return false
}

func validPercentage(d decimal.Decimal) bool {
	return !d.IsNegative() && d.LessThanOrEqual(decimal.NewFromInt(100))
}
