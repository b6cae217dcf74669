/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	data for testing and demos. Each scenario creates rules, reps,
	attribution links, and orders that demonstrate specific features.

AVAILABLE SCENARIOS:

	single-rep:       One rep, flat product rate, one order
	sub-rep-split:    Sub-rep with a parent share split
	tiered-volume:    High-value order against a marginal tier schedule
	state-coverage:   Eligibility rules with state-specific overrides
	recompute:        Order computed, then attribution changed for recompute

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Load rules via the rule factory
 3. Create reps and attribution links
 4. Create orders
 5. Optionally compute commissions so the ledger has records

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "sub-rep-split"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx, h)
 3. Add case to LoadScenario handler

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: LoadScenario, ListScenarios handlers
  - factory/rules.go: Rule JSON definitions
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/engine"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "single-rep",
		Name:        "Single Rep",
		Description: "One rep attributed via facility link, flat 5% product rate",
		Category:    "commission",
	},
	{
		ID:          "sub-rep-split",
		Name:        "Sub-Rep Split",
		Description: "Sub-rep earns 5% of $1,000 with a 20% parent share ($40 / $10)",
		Category:    "commission",
	},
	{
		ID:          "tiered-volume",
		Name:        "Tiered Volume",
		Description: "$60,000 order against a 3%/5%/7% marginal tier schedule",
		Category:    "commission",
	},
	{
		ID:          "state-coverage",
		Name:        "State Coverage",
		Description: "Medicare wound-size bands with a state-specific override",
		Category:    "eligibility",
	},
	{
		ID:          "recompute",
		Name:        "Recomputation",
		Description: "Computed order whose attribution changed; recompute reverses and replaces",
		Category:    "commission",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	if h.currentScenario == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}

	// Find the scenario details
	for _, s := range scenarios {
		if s.ID == h.currentScenario {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}

	// Scenario ID exists but not in list (shouldn't happen)
	writeJSON(w, http.StatusOK, ScenarioDTO{
		ID:          h.currentScenario,
		Name:        h.currentScenario,
		Description: "Currently loaded scenario",
	})
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ctx := r.Context()

	// Reset first
	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = "" // Clear current scenario on reset

	var err error
	switch req.ScenarioID {
	case "single-rep":
		err = h.loadSingleRepScenario(ctx)
	case "sub-rep-split":
		err = h.loadSubRepSplitScenario(ctx)
	case "tiered-volume":
		err = h.loadTieredVolumeScenario(ctx)
	case "state-coverage":
		err = h.loadStateCoverageScenario(ctx)
	case "recompute":
		err = h.loadRecomputeScenario(ctx)
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	// Track the loaded scenario
	h.currentScenario = req.ScenarioID

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ResetDatabase clears all data without loading a scenario.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadSingleRepScenario(ctx context.Context) error {
	if err := h.loadRules(ctx, `{
		"eligibility_rules": [
			{
				"id": "elig-medicare-small",
				"insurance_type": "medicare",
				"wound_size_min": "0",
				"wound_size_max": "100",
				"allowed_product_codes": ["GRAFT-A", "GRAFT-B"]
			}
		],
		"commission_rules": [
			{
				"id": "comm-graft-a",
				"target_type": "product",
				"target_id": "GRAFT-A",
				"rate_type": "flat",
				"base_rate": "5",
				"valid_from": "2025-01-01"
			}
		]
	}`); err != nil {
		return err
	}

	rep := engine.SalesRep{
		ID:                   "rep-alice",
		UserID:               "user-alice",
		CommissionRateDirect: decimal.NewFromInt(5),
		IsActive:             true,
	}
	if err := h.Store.SaveRep(ctx, rep); err != nil {
		return err
	}

	if err := h.Store.SaveLink(ctx, engine.AttributionLink{
		ID:            "link-001",
		SubjectType:   engine.SubjectFacility,
		SubjectID:     "fac-mercy",
		RepID:         "rep-alice",
		EffectiveFrom: date(2025, time.January, 1),
	}); err != nil {
		return err
	}

	return h.Store.SaveOrder(ctx, engine.Order{
		ID:         "ord-1001",
		FacilityID: "fac-mercy",
		ProviderID: "prov-smith",
		TotalValue: engine.MustParseMoney("2500.00"),
		LineItems: []engine.LineItem{
			{ProductID: "GRAFT-A", ManufacturerID: "mfg-derma", Category: "skin-graft", LineTotal: engine.MustParseMoney("2500.00")},
		},
		ServiceDate: date(2025, time.March, 10),
	})
}

func (h *Handler) loadSubRepSplitScenario(ctx context.Context) error {
	if err := h.loadRules(ctx, `{
		"eligibility_rules": [
			{
				"id": "elig-commercial-any",
				"insurance_type": "commercial",
				"allowed_product_codes": ["GRAFT-A"]
			}
		],
		"commission_rules": [
			{
				"id": "comm-graft-a",
				"target_type": "product",
				"target_id": "GRAFT-A",
				"rate_type": "flat",
				"base_rate": "5",
				"valid_from": "2025-01-01"
			}
		]
	}`); err != nil {
		return err
	}

	parent := engine.SalesRep{
		ID:                   "rep-senior",
		UserID:               "user-senior",
		CommissionRateDirect: decimal.NewFromInt(7),
		IsActive:             true,
	}
	if err := h.Store.SaveRep(ctx, parent); err != nil {
		return err
	}
	parentID := engine.RepID("rep-senior")
	sub := engine.SalesRep{
		ID:                          "rep-junior",
		UserID:                      "user-junior",
		ParentRepID:                 &parentID,
		CommissionRateDirect:        decimal.NewFromInt(5),
		SubRepParentSharePercentage: decimal.NewFromInt(20),
		IsActive:                    true,
	}
	if err := h.Store.SaveRep(ctx, sub); err != nil {
		return err
	}

	if err := h.Store.SaveLink(ctx, engine.AttributionLink{
		ID:            "link-001",
		SubjectType:   engine.SubjectProvider,
		SubjectID:     "prov-jones",
		RepID:         "rep-junior",
		EffectiveFrom: date(2025, time.January, 1),
	}); err != nil {
		return err
	}

	// $1,000 at 5% = $50; 20% of that goes to the parent ($10 / $40).
	if err := h.Store.SaveOrder(ctx, engine.Order{
		ID:         "ord-2001",
		FacilityID: "fac-stluke",
		ProviderID: "prov-jones",
		TotalValue: engine.MustParseMoney("1000.00"),
		LineItems: []engine.LineItem{
			{ProductID: "GRAFT-A", ManufacturerID: "mfg-derma", Category: "skin-graft", LineTotal: engine.MustParseMoney("1000.00")},
		},
		ServiceDate: date(2025, time.April, 2),
	}); err != nil {
		return err
	}

	_, err := h.Calculator.ComputeCommission(ctx, "ord-2001")
	return err
}

func (h *Handler) loadTieredVolumeScenario(ctx context.Context) error {
	if err := h.loadRules(ctx, `{
		"eligibility_rules": [
			{
				"id": "elig-medicare-any",
				"insurance_type": "medicare",
				"allowed_product_codes": ["GRAFT-A", "GRAFT-B"]
			}
		],
		"commission_rules": [
			{
				"id": "comm-derma-tiered",
				"target_type": "manufacturer",
				"target_id": "mfg-derma",
				"rate_type": "tiered",
				"tiers": [
					{"min": "0", "max": "10000", "rate": "3"},
					{"min": "10001", "max": "50000", "rate": "5"},
					{"min": "50001", "rate": "7"}
				],
				"valid_from": "2025-01-01"
			}
		]
	}`); err != nil {
		return err
	}

	rep := engine.SalesRep{
		ID:                   "rep-bob",
		UserID:               "user-bob",
		CommissionRateDirect: decimal.NewFromInt(5),
		IsActive:             true,
	}
	if err := h.Store.SaveRep(ctx, rep); err != nil {
		return err
	}
	if err := h.Store.SaveLink(ctx, engine.AttributionLink{
		ID:            "link-001",
		SubjectType:   engine.SubjectFacility,
		SubjectID:     "fac-regional",
		RepID:         "rep-bob",
		EffectiveFrom: date(2025, time.January, 1),
	}); err != nil {
		return err
	}

	return h.Store.SaveOrder(ctx, engine.Order{
		ID:         "ord-3001",
		FacilityID: "fac-regional",
		ProviderID: "prov-patel",
		TotalValue: engine.MustParseMoney("60000.00"),
		LineItems: []engine.LineItem{
			{ProductID: "GRAFT-B", ManufacturerID: "mfg-derma", Category: "skin-graft", LineTotal: engine.MustParseMoney("60000.00")},
		},
		ServiceDate: date(2025, time.May, 20),
	})
}

func (h *Handler) loadStateCoverageScenario(ctx context.Context) error {
	return h.loadRules(ctx, `{
		"eligibility_rules": [
			{
				"id": "elig-medicare-default",
				"insurance_type": "medicare",
				"wound_size_min": "0",
				"wound_size_max": "450",
				"allowed_product_codes": ["GRAFT-A", "GRAFT-B"]
			},
			{
				"id": "elig-medicare-ca",
				"insurance_type": "medicare",
				"state_code": "CA",
				"wound_size_min": "0",
				"wound_size_max": "250",
				"allowed_product_codes": ["GRAFT-A"]
			},
			{
				"id": "elig-medicaid-consult",
				"insurance_type": "medicaid",
				"requires_consultation": true,
				"message": "Medicaid coverage requires a prior-authorization consultation"
			}
		],
		"commission_rules": []
	}`)
}

func (h *Handler) loadRecomputeScenario(ctx context.Context) error {
	if err := h.loadSingleRepScenario(ctx); err != nil {
		return err
	}

	// Compute under the facility link, then hand the provider to another
	// rep. The next compute on ord-1001 reverses rep-alice's record.
	if _, err := h.Calculator.ComputeCommission(ctx, "ord-1001"); err != nil {
		return err
	}

	rep := engine.SalesRep{
		ID:                   "rep-carol",
		UserID:               "user-carol",
		CommissionRateDirect: decimal.NewFromInt(5),
		IsActive:             true,
	}
	if err := h.Store.SaveRep(ctx, rep); err != nil {
		return err
	}
	return h.Store.SaveLink(ctx, engine.AttributionLink{
		ID:            "link-002",
		SubjectType:   engine.SubjectProvider,
		SubjectID:     "prov-smith",
		RepID:         "rep-carol",
		EffectiveFrom: date(2025, time.January, 1),
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) loadRules(ctx context.Context, ruleSetJSON string) error {
	eligibility, commission, err := h.RuleFactory.ParseRuleSet(ruleSetJSON)
	if err != nil {
		return err
	}
	for _, rule := range eligibility {
		if err := h.Store.SaveEligibilityRule(ctx, rule); err != nil {
			return err
		}
	}
	for _, rule := range commission {
		if err := h.Store.SaveCommissionRule(ctx, rule); err != nil {
			return err
		}
	}
	return nil
}

func date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}
