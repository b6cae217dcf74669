/*
Package factory provides JSON to typed rule conversion.

PURPOSE:
  Converts JSON rule definitions into engine.EligibilityRule and
  engine.CommissionRule values. Rules are authored as JSON by the admin
  tooling and stored as rows; the factory is the single choke point where
  loosely-typed rule data becomes validated, closed variants.

WHY JSON?
  - Non-developers can author and review rule sets
  - Easy integration with the admin UI
  - Version control for rule definitions
  - Database storage of rule payloads

VALIDATION:
  Two layers. Struct tags (go-playground/validator) catch shape problems:
  missing IDs, unknown enum values, out-of-range rates. The engine's own
  Validate() then catches semantic problems: tier overlaps and gaps,
  inverted ranges, flat rules without a base rate. A rule set with any
  invalid rule is rejected wholesale - partial loads would leave the rule
  table internally inconsistent.

JSON SCHEMA (abridged):
  {
    "eligibility_rules": [{
      "id": "elig-medicaid-tx-small",
      "insurance_type": "medicaid",
      "state_code": "TX",
      "wound_size_min": "0",
      "wound_size_max": "25",
      "allowed_product_codes": ["Q4101", "Q4106"],
      "message": "Standard coverage"
    }],
    "commission_rules": [{
      "id": "comm-prod-q4101",
      "target_type": "product",
      "target_id": "prod-q4101",
      "rate_type": "tiered",
      "tiers": [
        {"min": "0", "max": "10000", "rate": "3"},
        {"min": "10001", "max": "50000", "rate": "5"},
        {"min": "50001", "rate": "7"}
      ],
      "valid_from": "2024-01-01"
    }]
  }

  Decimal fields are JSON strings so rates and wound sizes never pass
  through binary floating point.

SEE ALSO:
  - engine/rules.go: The typed targets and their semantic validation
  - api/scenarios.go: Seed data expressed through this factory
*/
package factory

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/warp/commission-engine/engine"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// RuleSetJSON is a complete rule-set payload.
type RuleSetJSON struct {
	EligibilityRules []EligibilityRuleJSON `json:"eligibility_rules" validate:"dive"`
	CommissionRules  []CommissionRuleJSON  `json:"commission_rules" validate:"dive"`
}

// EligibilityRuleJSON is the JSON representation of an eligibility rule.
type EligibilityRuleJSON struct {
	ID                   string   `json:"id" validate:"required"`
	InsuranceType        string   `json:"insurance_type" validate:"required"`
	StateCode            *string  `json:"state_code,omitempty"`
	WoundSizeMin         *string  `json:"wound_size_min,omitempty"`
	WoundSizeMax         *string  `json:"wound_size_max,omitempty"`
	AllowedProductCodes  []string `json:"allowed_product_codes,omitempty"`
	RequiresConsultation bool     `json:"requires_consultation,omitempty"`
	Message              string   `json:"message,omitempty"`

	// Inactive defaults to false: rules load active unless flagged.
	Inactive bool `json:"inactive,omitempty"`
}

// CommissionRuleJSON is the JSON representation of a commission rule.
type CommissionRuleJSON struct {
	ID         string     `json:"id" validate:"required"`
	TargetType string     `json:"target_type" validate:"required,oneof=product manufacturer category facility"`
	TargetID   string     `json:"target_id" validate:"required"`
	RateType   string     `json:"rate_type" validate:"required,oneof=flat tiered"`
	BaseRate   *string    `json:"base_rate,omitempty"`
	Tiers      []TierJSON `json:"tiers,omitempty" validate:"dive"`
	ValidFrom  string     `json:"valid_from" validate:"required"`
	ValidTo    *string    `json:"valid_to,omitempty"`
}

type TierJSON struct {
	Min  string  `json:"min" validate:"required"`
	Max  *string `json:"max,omitempty"`
	Rate string  `json:"rate" validate:"required"`
}

// =============================================================================
// FACTORY
// =============================================================================

// RuleFactory converts JSON rule definitions to validated engine rules.
type RuleFactory struct {
	validate *validator.Validate
}

func NewRuleFactory() *RuleFactory {
	return &RuleFactory{validate: validator.New()}
}

// ParseRuleSet parses and fully validates a rule-set payload. Returns an
// error naming the first offending rule; nothing is partially accepted.
func (f *RuleFactory) ParseRuleSet(jsonStr string) ([]engine.EligibilityRule, []engine.CommissionRule, error) {
	var rs RuleSetJSON
	if err := json.Unmarshal([]byte(jsonStr), &rs); err != nil {
		return nil, nil, fmt.Errorf("failed to parse rule set: %w", err)
	}
	if err := f.validate.Struct(rs); err != nil {
		return nil, nil, fmt.Errorf("rule set failed validation: %w", err)
	}

	eligibility := make([]engine.EligibilityRule, 0, len(rs.EligibilityRules))
	for _, rj := range rs.EligibilityRules {
		rule, err := f.eligibilityFromJSON(rj)
		if err != nil {
			return nil, nil, err
		}
		eligibility = append(eligibility, rule)
	}

	commission := make([]engine.CommissionRule, 0, len(rs.CommissionRules))
	for _, rj := range rs.CommissionRules {
		rule, err := f.commissionFromJSON(rj)
		if err != nil {
			return nil, nil, err
		}
		commission = append(commission, rule)
	}
	return eligibility, commission, nil
}

// ParseEligibilityRule parses a single eligibility rule payload.
func (f *RuleFactory) ParseEligibilityRule(jsonStr string) (engine.EligibilityRule, error) {
	var rj EligibilityRuleJSON
	if err := json.Unmarshal([]byte(jsonStr), &rj); err != nil {
		return engine.EligibilityRule{}, fmt.Errorf("failed to parse eligibility rule: %w", err)
	}
	if err := f.validate.Struct(rj); err != nil {
		return engine.EligibilityRule{}, fmt.Errorf("eligibility rule failed validation: %w", err)
	}
	return f.eligibilityFromJSON(rj)
}

// ParseCommissionRule parses a single commission rule payload.
func (f *RuleFactory) ParseCommissionRule(jsonStr string) (engine.CommissionRule, error) {
	var rj CommissionRuleJSON
	if err := json.Unmarshal([]byte(jsonStr), &rj); err != nil {
		return engine.CommissionRule{}, fmt.Errorf("failed to parse commission rule: %w", err)
	}
	if err := f.validate.Struct(rj); err != nil {
		return engine.CommissionRule{}, fmt.Errorf("commission rule failed validation: %w", err)
	}
	return f.commissionFromJSON(rj)
}

func (f *RuleFactory) eligibilityFromJSON(rj EligibilityRuleJSON) (engine.EligibilityRule, error) {
	rule := engine.EligibilityRule{
		ID:                   engine.RuleID(rj.ID),
		InsuranceType:        engine.InsuranceType(rj.InsuranceType),
		StateCode:            rj.StateCode,
		RequiresConsultation: rj.RequiresConsultation,
		Message:              rj.Message,
		IsActive:             !rj.Inactive,
	}

	var err error
	if rule.WoundSizeMin, err = parseOptionalDecimal(rj.ID, "wound_size_min", rj.WoundSizeMin); err != nil {
		return rule, err
	}
	if rule.WoundSizeMax, err = parseOptionalDecimal(rj.ID, "wound_size_max", rj.WoundSizeMax); err != nil {
		return rule, err
	}

	for _, code := range rj.AllowedProductCodes {
		rule.AllowedProductCodes = append(rule.AllowedProductCodes, engine.ProductCode(code))
	}

	if err := rule.Validate(); err != nil {
		return rule, err
	}
	return rule, nil
}

func (f *RuleFactory) commissionFromJSON(rj CommissionRuleJSON) (engine.CommissionRule, error) {
	rule := engine.CommissionRule{
		ID:         engine.RuleID(rj.ID),
		TargetType: engine.TargetType(rj.TargetType),
		TargetID:   rj.TargetID,
		RateType:   engine.RateType(rj.RateType),
	}

	var err error
	if rule.BaseRate, err = parseOptionalDecimal(rj.ID, "base_rate", rj.BaseRate); err != nil {
		return rule, err
	}

	for i, tj := range rj.Tiers {
		min, err := decimal.NewFromString(tj.Min)
		if err != nil {
			return rule, fmt.Errorf("rule %s tier %d: invalid min %q", rj.ID, i, tj.Min)
		}
		rate, err := decimal.NewFromString(tj.Rate)
		if err != nil {
			return rule, fmt.Errorf("rule %s tier %d: invalid rate %q", rj.ID, i, tj.Rate)
		}
		tier := engine.Tier{Min: min, Rate: rate}
		if tj.Max != nil {
			max, err := decimal.NewFromString(*tj.Max)
			if err != nil {
				return rule, fmt.Errorf("rule %s tier %d: invalid max %q", rj.ID, i, *tj.Max)
			}
			tier.Max = &max
		}
		rule.Tiers = append(rule.Tiers, tier)
	}

	if rule.ValidFrom, err = parseDate(rj.ID, "valid_from", rj.ValidFrom); err != nil {
		return rule, err
	}
	if rj.ValidTo != nil {
		to, err := parseDate(rj.ID, "valid_to", *rj.ValidTo)
		if err != nil {
			return rule, err
		}
		rule.ValidTo = &to
	}

	if err := rule.Validate(); err != nil {
		return rule, err
	}
	return rule, nil
}

// =============================================================================
// PARSE HELPERS
// =============================================================================

func parseOptionalDecimal(ruleID, field string, s *string) (*decimal.Decimal, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, fmt.Errorf("rule %s: invalid %s %q", ruleID, field, *s)
	}
	return &d, nil
}

// parseDate accepts YYYY-MM-DD or RFC3339.
func parseDate(ruleID, field, s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("rule %s: invalid %s %q (use YYYY-MM-DD)", ruleID, field, s)
	}
	return t, nil
}
