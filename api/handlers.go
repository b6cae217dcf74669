/*
handlers.go - HTTP request handlers

PURPOSE:
  Implements HTTP handlers for all API endpoints. Handlers follow the same
  shape throughout:
  1. Parse/validate input (path params, query params, JSON body)
  2. Call domain logic (resolver, calculator, ledger)
  3. Serialize response
  4. Map errors to status codes

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: Invalid state transition, concurrent modification
  - 500: Internal errors
  The mapping goes through engine error predicates (IsNotFound,
  IsClientError) so handlers never inspect error strings.

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/engine"
	"github.com/warp/commission-engine/factory"
	"github.com/warp/commission-engine/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store       *sqlite.Store
	RuleFactory *factory.RuleFactory

	Eligibility *engine.EligibilityResolver
	Attribution *engine.AttributionResolver
	Ledger      *engine.Ledger
	Calculator  *engine.Calculator

	// Track currently loaded scenario
	currentScenario string
}

// NewHandler creates a handler with the engine wired against the store.
func NewHandler(store *sqlite.Store) *Handler {
	attribution := engine.NewAttributionResolver(store)
	ledger := engine.NewLedger(store, store)
	return &Handler{
		Store:       store,
		RuleFactory: factory.NewRuleFactory(),
		Eligibility: engine.NewEligibilityResolver(store),
		Attribution: attribution,
		Ledger:      ledger,
		Calculator:  engine.NewCalculator(store, store, attribution, ledger),
	}
}

// =============================================================================
// ELIGIBILITY ENDPOINTS
// =============================================================================

// ResolveEligibility answers whether an order context is covered.
// POST /api/eligibility/resolve
func (h *Handler) ResolveEligibility(w http.ResponseWriter, r *http.Request) {
	var req ResolveEligibilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.InsuranceType == "" || req.StateCode == "" {
		writeError(w, http.StatusBadRequest, "insurance_type and state_code are required", nil)
		return
	}
	size, err := decimal.NewFromString(req.WoundSizeCm2)
	if err != nil || size.IsNegative() {
		writeError(w, http.StatusBadRequest, "wound_size_cm2 must be a non-negative decimal", err)
		return
	}

	verdict, err := h.Eligibility.Resolve(r.Context(), engine.InsuranceType(req.InsuranceType), req.StateCode, size)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to resolve eligibility", err)
		return
	}

	dto := VerdictDTO{
		Outcome: string(verdict.Outcome),
		Message: verdict.Message,
		RuleID:  string(verdict.RuleID),
	}
	dto.AllowedProductCodes = make([]string, len(verdict.AllowedProductCodes))
	for i, c := range verdict.AllowedProductCodes {
		dto.AllowedProductCodes[i] = string(c)
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// ORDER ENDPOINTS
// =============================================================================

// CreateOrder registers an order for commission processing.
// POST /api/orders
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" || req.TotalValue == "" || req.ServiceDate == "" {
		writeError(w, http.StatusBadRequest, "id, total_value and service_date are required", nil)
		return
	}

	total, err := decimal.NewFromString(req.TotalValue)
	if err != nil {
		writeError(w, http.StatusBadRequest, "total_value must be a decimal string", err)
		return
	}
	serviceDate, err := time.Parse("2006-01-02", req.ServiceDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "service_date must be YYYY-MM-DD", err)
		return
	}

	order := engine.Order{
		ID:          engine.OrderID(req.ID),
		FacilityID:  engine.FacilityID(req.FacilityID),
		ProviderID:  engine.ProviderID(req.ProviderID),
		TotalValue:  engine.Money{Value: total},
		ServiceDate: serviceDate,
	}
	for _, li := range req.LineItems {
		lineTotal, err := decimal.NewFromString(li.LineTotal)
		if err != nil {
			writeError(w, http.StatusBadRequest, "line_total must be a decimal string", err)
			return
		}
		order.LineItems = append(order.LineItems, engine.LineItem{
			ProductID:      li.ProductID,
			ManufacturerID: li.ManufacturerID,
			Category:       li.Category,
			LineTotal:      engine.Money{Value: lineTotal},
		})
	}

	if err := h.Store.SaveOrder(r.Context(), order); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save order", err)
		return
	}
	writeJSON(w, http.StatusCreated, toOrderDTO(order))
}

// GetOrder returns a single order.
// GET /api/orders/{id}
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id := engine.OrderID(chi.URLParam(r, "id"))

	order, err := h.Store.Order(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get order", err)
		return
	}
	if order == nil {
		writeError(w, http.StatusNotFound, "Order not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toOrderDTO(*order))
}

// ComputeCommissions runs the commission calculation for an order.
// Recomputation is safe: prior active records are reversed and replaced.
// POST /api/orders/{id}/commissions/compute
func (h *Handler) ComputeCommissions(w http.ResponseWriter, r *http.Request) {
	id := engine.OrderID(chi.URLParam(r, "id"))

	recs, err := h.Calculator.ComputeCommission(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to compute commissions", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"order_id": string(id),
		"records":  toRecordDTOs(recs),
	})
}

// GetOrderCommissions returns all commission records for an order,
// including reversed ones. Active-only via ?active=true.
// GET /api/orders/{id}/commissions
func (h *Handler) GetOrderCommissions(w http.ResponseWriter, r *http.Request) {
	id := engine.OrderID(chi.URLParam(r, "id"))

	var (
		recs []engine.CommissionRecord
		err  error
	)
	if r.URL.Query().Get("active") == "true" {
		recs, err = h.Ledger.ActiveRecords(r.Context(), id)
	} else {
		recs, err = h.Store.ByOrder(r.Context(), id)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get commissions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": toRecordDTOs(recs)})
}

// GetOrderAudit returns the audit trail for an order.
// GET /api/orders/{id}/audit
func (h *Handler) GetOrderAudit(w http.ResponseWriter, r *http.Request) {
	id := engine.OrderID(chi.URLParam(r, "id"))

	entries, err := h.Store.Query(r.Context(), engine.AuditFilter{OrderID: &id})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query audit log", err)
		return
	}
	dtos := make([]AuditEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toAuditDTO(e)
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": dtos})
}

// =============================================================================
// COMMISSION LEDGER ENDPOINTS
// =============================================================================

// ListCommissions returns commission records filtered by status or rep.
// GET /api/commissions?status=pending&rep_id=rep-1
func (h *Handler) ListCommissions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := r.URL.Query().Get("status")
	repID := r.URL.Query().Get("rep_id")

	var (
		recs []engine.CommissionRecord
		err  error
	)
	switch {
	case repID != "":
		recs, err = h.Store.ByRep(ctx, engine.RepID(repID))
		if err == nil && status != "" {
			recs = filterByStatus(recs, engine.RecordStatus(status))
		}
	case status != "":
		recs, err = h.Store.ByStatus(ctx, engine.RecordStatus(status))
	default:
		writeError(w, http.StatusBadRequest, "status or rep_id query parameter is required", nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list commissions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": toRecordDTOs(recs)})
}

// GetCommission returns a single commission record.
// GET /api/commissions/{id}
func (h *Handler) GetCommission(w http.ResponseWriter, r *http.Request) {
	id := engine.RecordID(chi.URLParam(r, "id"))

	rec, err := h.Store.Record(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get commission", err)
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "Commission record not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toRecordDTO(*rec))
}

// ApproveCommission moves a pending record to approved.
// POST /api/commissions/{id}/approve
func (h *Handler) ApproveCommission(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, engine.ActionApprove)
}

// PayCommission moves an approved record to paid.
// POST /api/commissions/{id}/pay
func (h *Handler) PayCommission(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, engine.ActionPay)
}

// ReverseCommission reverses a pending or approved record.
// POST /api/commissions/{id}/reverse
func (h *Handler) ReverseCommission(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, engine.ActionReverse)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, action engine.TransitionAction) {
	id := engine.RecordID(chi.URLParam(r, "id"))

	var req TransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ActorID == "" {
		writeError(w, http.StatusBadRequest, "actor_id is required", nil)
		return
	}

	rec, err := h.Ledger.Transition(r.Context(), id, action, req.ActorID)
	if err != nil {
		writeDomainError(w, "Transition failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordDTO(*rec))
}

func filterByStatus(recs []engine.CommissionRecord, status engine.RecordStatus) []engine.CommissionRecord {
	out := recs[:0]
	for _, rec := range recs {
		if rec.Status == status {
			out = append(out, rec)
		}
	}
	return out
}

// =============================================================================
// RULE ADMIN ENDPOINTS
// =============================================================================

// LoadRuleSet ingests a complete rule-set payload. The payload is rejected
// wholesale if any rule is invalid.
// POST /api/rules
func (h *Handler) LoadRuleSet(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	eligibility, commission, err := h.RuleFactory.ParseRuleSet(string(raw))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid rule set", err)
		return
	}

	ctx := r.Context()
	for _, rule := range eligibility {
		if err := h.Store.SaveEligibilityRule(ctx, rule); err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to save eligibility rule", err)
			return
		}
	}
	for _, rule := range commission {
		if err := h.Store.SaveCommissionRule(ctx, rule); err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to save commission rule", err)
			return
		}
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"eligibility_rules": len(eligibility),
		"commission_rules":  len(commission),
	})
}

// ListEligibilityRules returns active eligibility rules for an insurance type.
// GET /api/rules/eligibility?insurance_type=medicare
func (h *Handler) ListEligibilityRules(w http.ResponseWriter, r *http.Request) {
	insuranceType := r.URL.Query().Get("insurance_type")
	if insuranceType == "" {
		writeError(w, http.StatusBadRequest, "insurance_type query parameter is required", nil)
		return
	}

	rules, err := h.Store.EligibilityRules(r.Context(), engine.InsuranceType(insuranceType))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list eligibility rules", err)
		return
	}

	type ruleDTO struct {
		ID                   string   `json:"id"`
		InsuranceType        string   `json:"insurance_type"`
		StateCode            string   `json:"state_code,omitempty"`
		WoundSizeMin         string   `json:"wound_size_min,omitempty"`
		WoundSizeMax         string   `json:"wound_size_max,omitempty"`
		AllowedProductCodes  []string `json:"allowed_product_codes,omitempty"`
		RequiresConsultation bool     `json:"requires_consultation"`
		Message              string   `json:"message,omitempty"`
	}

	dtos := make([]ruleDTO, 0, len(rules))
	for _, rule := range rules {
		dto := ruleDTO{
			ID:                   string(rule.ID),
			InsuranceType:        string(rule.InsuranceType),
			RequiresConsultation: rule.RequiresConsultation,
			Message:              rule.Message,
		}
		if rule.StateCode != nil {
			dto.StateCode = *rule.StateCode
		}
		if rule.WoundSizeMin != nil {
			dto.WoundSizeMin = rule.WoundSizeMin.String()
		}
		if rule.WoundSizeMax != nil {
			dto.WoundSizeMax = rule.WoundSizeMax.String()
		}
		for _, c := range rule.AllowedProductCodes {
			dto.AllowedProductCodes = append(dto.AllowedProductCodes, string(c))
		}
		dtos = append(dtos, dto)
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": dtos})
}

// DeactivateEligibilityRule retires a rule without deleting it.
// DELETE /api/rules/eligibility/{id}
func (h *Handler) DeactivateEligibilityRule(w http.ResponseWriter, r *http.Request) {
	id := engine.RuleID(chi.URLParam(r, "id"))

	if err := h.Store.DeactivateEligibilityRule(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to deactivate rule", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deactivated", "id": string(id)})
}

// =============================================================================
// REP AND ATTRIBUTION ADMIN ENDPOINTS
// =============================================================================

// CreateRep registers a sales rep.
// POST /api/reps
func (h *Handler) CreateRep(w http.ResponseWriter, r *http.Request) {
	var req CreateRepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required", nil)
		return
	}

	rate, err := decimal.NewFromString(req.CommissionRateDirect)
	if err != nil {
		writeError(w, http.StatusBadRequest, "commission_rate_direct must be a decimal string", err)
		return
	}
	share := decimal.Zero
	if req.SubRepParentSharePercentage != "" {
		share, err = decimal.NewFromString(req.SubRepParentSharePercentage)
		if err != nil {
			writeError(w, http.StatusBadRequest, "sub_rep_parent_share_percentage must be a decimal string", err)
			return
		}
	}
	if share.IsNegative() || share.GreaterThan(decimal.NewFromInt(100)) {
		writeError(w, http.StatusBadRequest, "sub_rep_parent_share_percentage must be between 0 and 100", nil)
		return
	}

	rep := engine.SalesRep{
		ID:                          engine.RepID(req.ID),
		UserID:                      req.UserID,
		CommissionRateDirect:        rate,
		SubRepParentSharePercentage: share,
		IsActive:                    !req.Inactive,
	}
	if req.ParentRepID != "" {
		parent := engine.RepID(req.ParentRepID)
		rep.ParentRepID = &parent
	}

	if err := h.Store.SaveRep(r.Context(), rep); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save rep", err)
		return
	}
	writeJSON(w, http.StatusCreated, toRepDTO(rep))
}

// GetRep returns a single sales rep.
// GET /api/reps/{id}
func (h *Handler) GetRep(w http.ResponseWriter, r *http.Request) {
	id := engine.RepID(chi.URLParam(r, "id"))

	rep, err := h.Store.Rep(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get rep", err)
		return
	}
	if rep == nil {
		writeError(w, http.StatusNotFound, "Rep not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toRepDTO(*rep))
}

// GetRepCommissions returns all commission records earned by a rep.
// GET /api/reps/{id}/commissions
func (h *Handler) GetRepCommissions(w http.ResponseWriter, r *http.Request) {
	id := engine.RepID(chi.URLParam(r, "id"))

	recs, err := h.Store.ByRep(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get commissions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": toRecordDTOs(recs)})
}

// CreateLink binds a provider, facility, or order to an earning rep.
// POST /api/links
func (h *Handler) CreateLink(w http.ResponseWriter, r *http.Request) {
	var req CreateLinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" || req.SubjectID == "" || req.RepID == "" {
		writeError(w, http.StatusBadRequest, "id, subject_id and rep_id are required", nil)
		return
	}

	subject := engine.SubjectType(req.SubjectType)
	switch subject {
	case engine.SubjectProvider, engine.SubjectFacility, engine.SubjectOrder:
	default:
		writeError(w, http.StatusBadRequest, "subject_type must be provider, facility or order", nil)
		return
	}

	from, err := time.Parse("2006-01-02", req.EffectiveFrom)
	if err != nil {
		writeError(w, http.StatusBadRequest, "effective_from must be YYYY-MM-DD", err)
		return
	}
	link := engine.AttributionLink{
		ID:            req.ID,
		SubjectType:   subject,
		SubjectID:     req.SubjectID,
		RepID:         engine.RepID(req.RepID),
		EffectiveFrom: from,
	}
	if req.EffectiveTo != "" {
		to, err := time.Parse("2006-01-02", req.EffectiveTo)
		if err != nil {
			writeError(w, http.StatusBadRequest, "effective_to must be YYYY-MM-DD", err)
			return
		}
		link.EffectiveTo = &to
	}

	if err := h.Store.SaveLink(r.Context(), link); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save link", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"status": "created", "id": link.ID})
}

func toRepDTO(rep engine.SalesRep) RepDTO {
	dto := RepDTO{
		ID:                          string(rep.ID),
		UserID:                      rep.UserID,
		CommissionRateDirect:        rep.CommissionRateDirect.String(),
		SubRepParentSharePercentage: rep.SubRepParentSharePercentage.String(),
		IsActive:                    rep.IsActive,
	}
	if rep.ParentRepID != nil {
		dto.ParentRepID = string(*rep.ParentRepID)
	}
	return dto
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps engine errors to HTTP status codes.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case engine.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, engine.ErrInvalidTransition), engine.IsRetryable(err):
		writeError(w, http.StatusConflict, message, err)
	case engine.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}
