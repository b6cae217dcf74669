/*
eligibility.go - Eligibility rule resolution

PURPOSE:
  Given (insurance type, state, wound size), selects the single applicable
  eligibility rule and turns it into a verdict: an allow-list of product
  codes, a consultation requirement, or "no coverage determined".

SELECTION ORDER:
  1. State-specific rules (StateCode matches exactly) beat wildcard rules,
     regardless of insertion order.
  2. Within a group, the rule whose wound-size range contains the input
     wins. If more than one matches (a data error), the narrowest range
     wins; equal widths fall back to the lowest rule ID. The conflict is
     logged as a data-quality warning, never surfaced as a failure.
  3. No match anywhere -> no_coverage. This is distinct from a matched
     consultation rule and from an empty allow-list.

DETERMINISM:
  Resolution is a pure function of its inputs and the rule snapshot. The
  same inputs against the same snapshot always produce the same verdict,
  so resolutions can be replayed for audit.

SEE ALSO:
  - rules.go: EligibilityRule and its matching helpers
  - store.go: RuleStore contract (active rules only)
*/
package engine

import (
	"context"
	"log"
	"sort"

	"github.com/shopspring/decimal"
)

// =============================================================================
// VERDICT
// =============================================================================

type VerdictOutcome string

const (
	// OutcomeCovered: a rule matched and lists the orderable product codes.
	OutcomeCovered VerdictOutcome = "covered"

	// OutcomeRequiresConsultation: a rule matched but the context needs a
	// manual consultation before ordering. Product list is empty.
	OutcomeRequiresConsultation VerdictOutcome = "requires_consultation"

	// OutcomeNoCoverage: no rule matched at all.
	OutcomeNoCoverage VerdictOutcome = "no_coverage"
)

// Verdict is the result of an eligibility resolution.
type Verdict struct {
	Outcome             VerdictOutcome
	AllowedProductCodes []ProductCode
	Message             string

	// RuleID identifies the matched rule for audit; empty on no_coverage.
	RuleID RuleID
}

// =============================================================================
// ELIGIBILITY RESOLVER
// =============================================================================

// EligibilityResolver selects the applicable rule for an order context.
type EligibilityResolver struct {
	Rules RuleStore

	// Log receives data-quality warnings (rule conflicts). Nil uses the
	// standard logger.
	Log *log.Logger
}

func NewEligibilityResolver(rules RuleStore) *EligibilityResolver {
	return &EligibilityResolver{Rules: rules}
}

// Resolve returns the verdict for (insuranceType, stateCode, woundSizeCm2).
// Read-only; safe for unlimited concurrent invocation.
func (er *EligibilityResolver) Resolve(ctx context.Context, insuranceType InsuranceType, stateCode string, woundSizeCm2 decimal.Decimal) (Verdict, error) {
	rules, err := er.Rules.EligibilityRules(ctx, insuranceType)
	if err != nil {
		return Verdict{}, err
	}

	var stateSpecific, wildcard []EligibilityRule
	for _, r := range rules {
		switch {
		case r.StateCode == nil:
			wildcard = append(wildcard, r)
		case *r.StateCode == stateCode:
			stateSpecific = append(stateSpecific, r)
		}
	}

	matched := er.selectRule(stateSpecific, insuranceType, stateCode, woundSizeCm2)
	if matched == nil {
		matched = er.selectRule(wildcard, insuranceType, stateCode, woundSizeCm2)
	}
	if matched == nil {
		return Verdict{Outcome: OutcomeNoCoverage}, nil
	}

	if matched.RequiresConsultation {
		return Verdict{
			Outcome: OutcomeRequiresConsultation,
			Message: matched.Message,
			RuleID:  matched.ID,
		}, nil
	}

	codes := make([]ProductCode, len(matched.AllowedProductCodes))
	copy(codes, matched.AllowedProductCodes)
	return Verdict{
		Outcome:             OutcomeCovered,
		AllowedProductCodes: codes,
		Message:             matched.Message,
		RuleID:              matched.ID,
	}, nil
}

// selectRule picks the matching rule from one group (state-specific or
// wildcard). Multiple matches are resolved narrowest-range-first, then by
// rule ID, and logged for rule-set cleanup.
func (er *EligibilityResolver) selectRule(group []EligibilityRule, insuranceType InsuranceType, stateCode string, size decimal.Decimal) *EligibilityRule {
	var matches []EligibilityRule
	for _, r := range group {
		if r.MatchesWoundSize(size) {
			matches = append(matches, r)
		}
	}
	if len(matches) == 0 {
		return nil
	}

	if len(matches) > 1 {
		sort.Slice(matches, func(i, j int) bool {
			wi, wj := matches[i].RangeWidth(), matches[j].RangeWidth()
			switch {
			case wi == nil && wj == nil:
				return matches[i].ID < matches[j].ID
			case wi == nil:
				return false
			case wj == nil:
				return true
			case wi.Equal(*wj):
				return matches[i].ID < matches[j].ID
			default:
				return wi.LessThan(*wj)
			}
		})
		er.logf("conflicting eligibility rules for %s/%s size=%s: %d matches, picked %s",
			insuranceType, stateCode, size, len(matches), matches[0].ID)
	}

	return &matches[0]
}

func (er *EligibilityResolver) logf(format string, args ...any) {
	if er.Log != nil {
		er.Log.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}
