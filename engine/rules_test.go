package engine_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/engine"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func flatRule(id string, rate string) engine.CommissionRule {
	r := dec(rate)
	return engine.CommissionRule{
		ID:         engine.RuleID(id),
		TargetType: engine.TargetProduct,
		TargetID:   "GRAFT-A",
		RateType:   engine.RateFlat,
		BaseRate:   &r,
		ValidFrom:  time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC),
	}
}

// standardTiers is the 3%/5%/7% marginal schedule used throughout.
func standardTiers() []engine.Tier {
	return []engine.Tier{
		{Min: dec("0"), Max: decPtr("10000"), Rate: dec("3")},
		{Min: dec("10001"), Max: decPtr("50000"), Rate: dec("5")},
		{Min: dec("50001"), Rate: dec("7")},
	}
}

func tieredRule(id string, tiers []engine.Tier) engine.CommissionRule {
	return engine.CommissionRule{
		ID:         engine.RuleID(id),
		TargetType: engine.TargetManufacturer,
		TargetID:   "mfg-derma",
		RateType:   engine.RateTiered,
		Tiers:      tiers,
		ValidFrom:  time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC),
	}
}

// =============================================================================
// FLAT RATE TESTS
// =============================================================================

func TestCommissionRule_FlatAmount(t *testing.T) {
	rule := flatRule("comm-1", "5")

	amount := rule.AmountFor(engine.MustParseMoney("1000.00"))
	assert.Equal(t, "50.00", amount.String())
}

func TestCommissionRule_FlatAmount_RoundsToCents(t *testing.T) {
	// 3.33% of $10.10 = $0.33633 -> $0.34
	rule := flatRule("comm-1", "3.33")

	amount := rule.AmountFor(engine.MustParseMoney("10.10"))
	assert.Equal(t, "0.34", amount.String())
}

// =============================================================================
// TIERED RATE TESTS
// =============================================================================

func TestCommissionRule_TieredAmount_SpansAllBrackets(t *testing.T) {
	// GIVEN: 0-10000 @ 3%, 10001-50000 @ 5%, 50001+ @ 7%
	// WHEN: Base is $60,000
	// THEN: Each bracket contributes marginally:
	//   10001 * 3% + 40000 * 5% + 9999 * 7% = 300.03 + 2000.00 + 699.93

	rule := tieredRule("comm-tiered", standardTiers())

	amount := rule.AmountFor(engine.MustParseMoney("60000.00"))
	assert.Equal(t, "2999.96", amount.String())
}

func TestCommissionRule_TieredAmount_FirstBracketOnly(t *testing.T) {
	rule := tieredRule("comm-tiered", standardTiers())

	amount := rule.AmountFor(engine.MustParseMoney("5000.00"))
	assert.Equal(t, "150.00", amount.String())
}

func TestCommissionRule_TieredAmount_ZeroBase(t *testing.T) {
	rule := tieredRule("comm-tiered", standardTiers())

	amount := rule.AmountFor(engine.ZeroMoney())
	assert.True(t, amount.IsZero())
}

func TestCommissionRule_TieredAmount_MonotonicAtBoundary(t *testing.T) {
	// A dollar more in base never earns less commission: crossing into a
	// higher bracket applies the higher rate only to the excess.
	rule := tieredRule("comm-tiered", standardTiers())

	below := rule.AmountFor(engine.MustParseMoney("50000.00"))
	above := rule.AmountFor(engine.MustParseMoney("50002.00"))

	assert.True(t, above.GreaterThan(below),
		"commission should grow with base: %s vs %s", below, above)
	// The increase is bounded by the top marginal rate on the extra $2.
	diff := above.Sub(below)
	assert.True(t, diff.LessThan(engine.MustParseMoney("0.15")), "diff was %s", diff)
}

// =============================================================================
// VALIDATION TESTS
// =============================================================================

func TestCommissionRule_Validate_OverlappingTiers_Rejected(t *testing.T) {
	rule := tieredRule("comm-bad", []engine.Tier{
		{Min: dec("0"), Max: decPtr("20000"), Rate: dec("3")},
		{Min: dec("10000"), Rate: dec("5")},
	})

	err := rule.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrInvalidRule)

	var ruleErr *engine.RuleValidationError
	require.ErrorAs(t, err, &ruleErr)
	assert.Contains(t, ruleErr.Reason, "overlap")
}

func TestCommissionRule_Validate_GapBetweenTiers_Rejected(t *testing.T) {
	rule := tieredRule("comm-bad", []engine.Tier{
		{Min: dec("0"), Max: decPtr("10000"), Rate: dec("3")},
		{Min: dec("20000"), Rate: dec("5")},
	})

	err := rule.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrInvalidRule)
}

func TestCommissionRule_Validate_OpenEndedTierNotLast_Rejected(t *testing.T) {
	rule := tieredRule("comm-bad", []engine.Tier{
		{Min: dec("0"), Rate: dec("3")},
		{Min: dec("10001"), Rate: dec("5")},
	})

	err := rule.Validate()
	require.Error(t, err)
}

func TestCommissionRule_Validate_RateOutOfRange_Rejected(t *testing.T) {
	rule := flatRule("comm-bad", "150")
	assert.Error(t, rule.Validate())

	rule = tieredRule("comm-bad", []engine.Tier{
		{Min: dec("0"), Rate: dec("-1")},
	})
	assert.Error(t, rule.Validate())
}

func TestCommissionRule_Validate_FlatWithoutBaseRate_Rejected(t *testing.T) {
	rule := flatRule("comm-bad", "5")
	rule.BaseRate = nil
	assert.Error(t, rule.Validate())
}

func TestCommissionRule_Validate_ContiguousIntegerTiers_Accepted(t *testing.T) {
	// 0-10000 then 10001+ is the conventional way to write contiguous
	// integer brackets; it must not be flagged as a gap.
	rule := tieredRule("comm-ok", standardTiers())
	assert.NoError(t, rule.Validate())
}

// =============================================================================
// VALIDITY WINDOW TESTS
// =============================================================================

func TestCommissionRule_ValidAt_InclusiveBounds(t *testing.T) {
	to := time.Date(2025, time.June, 30, 0, 0, 0, 0, time.UTC)
	rule := flatRule("comm-1", "5")
	rule.ValidTo = &to

	assert.True(t, rule.ValidAt(rule.ValidFrom), "valid on start date")
	assert.True(t, rule.ValidAt(to), "valid on end date")
	assert.False(t, rule.ValidAt(rule.ValidFrom.AddDate(0, 0, -1)))
	assert.False(t, rule.ValidAt(to.AddDate(0, 0, 1)))
}

// =============================================================================
// ELIGIBILITY RULE TESTS
// =============================================================================

func TestEligibilityRule_MatchesWoundSize_InclusiveBounds(t *testing.T) {
	rule := engine.EligibilityRule{
		ID:                  "elig-1",
		InsuranceType:       engine.InsuranceMedicare,
		WoundSizeMin:        decPtr("0"),
		WoundSizeMax:        decPtr("450"),
		AllowedProductCodes: []engine.ProductCode{"GRAFT-A"},
		IsActive:            true,
	}

	assert.True(t, rule.MatchesWoundSize(dec("0")))
	assert.True(t, rule.MatchesWoundSize(dec("450")))
	assert.False(t, rule.MatchesWoundSize(dec("450.01")))
}

func TestEligibilityRule_MatchesWoundSize_OpenBounds(t *testing.T) {
	rule := engine.EligibilityRule{
		ID:                  "elig-1",
		InsuranceType:       engine.InsuranceMedicare,
		WoundSizeMin:        decPtr("100"),
		AllowedProductCodes: []engine.ProductCode{"GRAFT-A"},
		IsActive:            true,
	}

	assert.False(t, rule.MatchesWoundSize(dec("99")))
	assert.True(t, rule.MatchesWoundSize(dec("100000")))
	assert.Nil(t, rule.RangeWidth(), "open range has no width")
}

func TestEligibilityRule_Validate_InvertedRange_Rejected(t *testing.T) {
	rule := engine.EligibilityRule{
		ID:                  "elig-bad",
		InsuranceType:       engine.InsuranceMedicare,
		WoundSizeMin:        decPtr("100"),
		WoundSizeMax:        decPtr("50"),
		AllowedProductCodes: []engine.ProductCode{"GRAFT-A"},
	}
	assert.Error(t, rule.Validate())
}

func TestEligibilityRule_Validate_CoverageWithoutProducts_Rejected(t *testing.T) {
	rule := engine.EligibilityRule{
		ID:            "elig-bad",
		InsuranceType: engine.InsuranceMedicare,
	}
	assert.Error(t, rule.Validate())

	// A consultation rule legitimately has no product list.
	rule.RequiresConsultation = true
	assert.NoError(t, rule.Validate())
}
