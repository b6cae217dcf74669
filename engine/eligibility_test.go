package engine_test

import (
	"context"
	"log"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/engine"
	"github.com/warp/commission-engine/engine/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newEligibilityResolver(t *testing.T) (*engine.EligibilityResolver, *store.Memory) {
	mem := store.NewMemory()
	return engine.NewEligibilityResolver(mem), mem
}

func saveEligibility(t *testing.T, mem *store.Memory, rule engine.EligibilityRule) {
	t.Helper()
	rule.IsActive = true
	require.NoError(t, mem.SaveEligibilityRule(context.Background(), rule))
}

func medicareBand(id string, state *string, min, max string, codes ...engine.ProductCode) engine.EligibilityRule {
	return engine.EligibilityRule{
		ID:                  engine.RuleID(id),
		InsuranceType:       engine.InsuranceMedicare,
		StateCode:           state,
		WoundSizeMin:        decPtr(min),
		WoundSizeMax:        decPtr(max),
		AllowedProductCodes: codes,
	}
}

func strPtr(s string) *string { return &s }

// =============================================================================
// RESOLUTION TESTS
// =============================================================================

func TestEligibility_WildcardRule_Matches(t *testing.T) {
	resolver, mem := newEligibilityResolver(t)
	saveEligibility(t, mem, medicareBand("elig-default", nil, "0", "450", "GRAFT-A", "GRAFT-B"))

	verdict, err := resolver.Resolve(context.Background(), engine.InsuranceMedicare, "TX", dec("120"))
	require.NoError(t, err)

	assert.Equal(t, engine.OutcomeCovered, verdict.Outcome)
	assert.Equal(t, engine.RuleID("elig-default"), verdict.RuleID)
	assert.ElementsMatch(t, []engine.ProductCode{"GRAFT-A", "GRAFT-B"}, verdict.AllowedProductCodes)
}

func TestEligibility_StateSpecificBeatsWildcard(t *testing.T) {
	// GIVEN: A nationwide rule allowing two grafts and a CA rule allowing one
	// WHEN: Resolving for CA
	// THEN: The CA rule wins even though the wildcard also matches

	resolver, mem := newEligibilityResolver(t)
	saveEligibility(t, mem, medicareBand("elig-default", nil, "0", "450", "GRAFT-A", "GRAFT-B"))
	saveEligibility(t, mem, medicareBand("elig-ca", strPtr("CA"), "0", "250", "GRAFT-A"))

	verdict, err := resolver.Resolve(context.Background(), engine.InsuranceMedicare, "CA", dec("100"))
	require.NoError(t, err)

	assert.Equal(t, engine.RuleID("elig-ca"), verdict.RuleID)
	assert.Equal(t, []engine.ProductCode{"GRAFT-A"}, verdict.AllowedProductCodes)

	// Other states still get the wildcard.
	verdict, err = resolver.Resolve(context.Background(), engine.InsuranceMedicare, "NY", dec("100"))
	require.NoError(t, err)
	assert.Equal(t, engine.RuleID("elig-default"), verdict.RuleID)
}

func TestEligibility_OutOfBandWoundSize_NoCoverage(t *testing.T) {
	// GIVEN: Medicare rules cover wounds up to 450 cm2
	// WHEN: Resolving a 500 cm2 wound
	// THEN: no_coverage, not an error

	resolver, mem := newEligibilityResolver(t)
	saveEligibility(t, mem, medicareBand("elig-default", nil, "0", "450", "GRAFT-A"))

	verdict, err := resolver.Resolve(context.Background(), engine.InsuranceMedicare, "TX", dec("500"))
	require.NoError(t, err)

	assert.Equal(t, engine.OutcomeNoCoverage, verdict.Outcome)
	assert.Empty(t, verdict.AllowedProductCodes)
	assert.Empty(t, verdict.RuleID)
}

func TestEligibility_UnknownInsuranceType_NoCoverage(t *testing.T) {
	resolver, mem := newEligibilityResolver(t)
	saveEligibility(t, mem, medicareBand("elig-default", nil, "0", "450", "GRAFT-A"))

	verdict, err := resolver.Resolve(context.Background(), engine.InsuranceType("tricare"), "TX", dec("100"))
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeNoCoverage, verdict.Outcome)
}

func TestEligibility_ConsultationVerdict(t *testing.T) {
	resolver, mem := newEligibilityResolver(t)
	saveEligibility(t, mem, engine.EligibilityRule{
		ID:                   "elig-medicaid",
		InsuranceType:        engine.InsuranceMedicaid,
		RequiresConsultation: true,
		Message:              "Prior authorization required",
	})

	verdict, err := resolver.Resolve(context.Background(), engine.InsuranceMedicaid, "TX", dec("50"))
	require.NoError(t, err)

	assert.Equal(t, engine.OutcomeRequiresConsultation, verdict.Outcome)
	assert.Equal(t, "Prior authorization required", verdict.Message)
	assert.Empty(t, verdict.AllowedProductCodes)
}

func TestEligibility_BoundaryWoundSize_Covered(t *testing.T) {
	resolver, mem := newEligibilityResolver(t)
	saveEligibility(t, mem, medicareBand("elig-default", nil, "0", "450", "GRAFT-A"))

	verdict, err := resolver.Resolve(context.Background(), engine.InsuranceMedicare, "TX", dec("450"))
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeCovered, verdict.Outcome)
}

// =============================================================================
// CONFLICT TESTS
// =============================================================================

func TestEligibility_OverlappingRules_NarrowestWins(t *testing.T) {
	// GIVEN: Two rules both matching size 50, one narrow and one broad
	// WHEN: Resolving
	// THEN: The narrower rule wins and the conflict is logged

	resolver, mem := newEligibilityResolver(t)
	saveEligibility(t, mem, medicareBand("elig-broad", nil, "0", "450", "GRAFT-A", "GRAFT-B"))
	saveEligibility(t, mem, medicareBand("elig-narrow", nil, "0", "100", "GRAFT-A"))

	var buf strings.Builder
	resolver.Log = log.New(&buf, "", 0)

	verdict, err := resolver.Resolve(context.Background(), engine.InsuranceMedicare, "TX", dec("50"))
	require.NoError(t, err)

	assert.Equal(t, engine.RuleID("elig-narrow"), verdict.RuleID)
	assert.Contains(t, buf.String(), "conflicting eligibility rules")
}

func TestEligibility_OverlappingRules_UnboundedLosesToBounded(t *testing.T) {
	resolver, mem := newEligibilityResolver(t)
	saveEligibility(t, mem, engine.EligibilityRule{
		ID:                  "elig-open",
		InsuranceType:       engine.InsuranceMedicare,
		WoundSizeMin:        decPtr("0"),
		AllowedProductCodes: []engine.ProductCode{"GRAFT-B"},
	})
	saveEligibility(t, mem, medicareBand("elig-bounded", nil, "0", "200", "GRAFT-A"))

	verdict, err := resolver.Resolve(context.Background(), engine.InsuranceMedicare, "TX", dec("150"))
	require.NoError(t, err)
	assert.Equal(t, engine.RuleID("elig-bounded"), verdict.RuleID)
}

func TestEligibility_EqualWidthConflict_LowestRuleIDWins(t *testing.T) {
	resolver, mem := newEligibilityResolver(t)
	saveEligibility(t, mem, medicareBand("elig-b", nil, "0", "100", "GRAFT-B"))
	saveEligibility(t, mem, medicareBand("elig-a", nil, "0", "100", "GRAFT-A"))

	verdict, err := resolver.Resolve(context.Background(), engine.InsuranceMedicare, "TX", dec("50"))
	require.NoError(t, err)
	assert.Equal(t, engine.RuleID("elig-a"), verdict.RuleID, "tie broken deterministically")
}

func TestEligibility_InactiveRules_Ignored(t *testing.T) {
	resolver, mem := newEligibilityResolver(t)
	rule := medicareBand("elig-retired", nil, "0", "450", "GRAFT-A")
	rule.IsActive = false
	require.NoError(t, mem.SaveEligibilityRule(context.Background(), rule))

	verdict, err := resolver.Resolve(context.Background(), engine.InsuranceMedicare, "TX", dec("100"))
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeNoCoverage, verdict.Outcome)
}
