/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  All monetary amounts and rates cross the wire as decimal strings
  ("1234.56"), never as floats. Parsing happens in handlers.

TYPES:
  Eligibility:
    ResolveEligibilityRequest, VerdictDTO

  Orders:
    CreateOrderRequest, LineItemDTO, OrderDTO

  Commissions:
    CommissionRecordDTO, TransitionRequest

  Admin:
    CreateRepRequest, RepDTO, CreateLinkRequest, LinkDTO

  Rules:
    Rule payloads reuse factory.RuleSetJSON directly.

  Scenarios:
    ScenarioDTO, LoadScenarioRequest

SEE ALSO:
  - handlers.go: Uses these types
  - factory/rules.go: RuleSetJSON type
*/
package api

import (
	"time"

	"github.com/warp/commission-engine/engine"
)

// =============================================================================
// ELIGIBILITY
// =============================================================================

// ResolveEligibilityRequest asks whether a product order is payable in a
// given insurance/state/wound-size context.
type ResolveEligibilityRequest struct {
	InsuranceType string `json:"insurance_type"`
	StateCode     string `json:"state_code"`
	WoundSizeCm2  string `json:"wound_size_cm2"`
}

// VerdictDTO is the eligibility resolution result.
type VerdictDTO struct {
	Outcome             string   `json:"outcome"`
	AllowedProductCodes []string `json:"allowed_product_codes"`
	Message             string   `json:"message,omitempty"`
	RuleID              string   `json:"rule_id,omitempty"`
}

// =============================================================================
// ORDERS
// =============================================================================

// LineItemDTO is one product line of an order.
type LineItemDTO struct {
	ProductID      string `json:"product_id"`
	ManufacturerID string `json:"manufacturer_id"`
	Category       string `json:"category"`
	LineTotal      string `json:"line_total"`
}

// CreateOrderRequest registers an order for commission processing.
type CreateOrderRequest struct {
	ID          string        `json:"id"`
	FacilityID  string        `json:"facility_id"`
	ProviderID  string        `json:"provider_id"`
	TotalValue  string        `json:"total_value"`
	LineItems   []LineItemDTO `json:"line_items,omitempty"`
	ServiceDate string        `json:"service_date"` // YYYY-MM-DD
}

// OrderDTO represents an order in API responses.
type OrderDTO struct {
	ID          string        `json:"id"`
	FacilityID  string        `json:"facility_id"`
	ProviderID  string        `json:"provider_id"`
	TotalValue  string        `json:"total_value"`
	LineItems   []LineItemDTO `json:"line_items,omitempty"`
	ServiceDate string        `json:"service_date"`
}

// =============================================================================
// COMMISSION RECORDS
// =============================================================================

// CommissionRecordDTO represents a ledger record in API responses.
type CommissionRecordDTO struct {
	ID               string            `json:"id"`
	OrderID          string            `json:"order_id"`
	RepID            string            `json:"rep_id"`
	ParentRepID      string            `json:"parent_rep_id,omitempty"`
	RuleID           string            `json:"rule_id"`
	BaseAmount       string            `json:"base_amount"`
	CommissionAmount string            `json:"commission_amount"`
	SplitType        string            `json:"split_type"`
	Status           string            `json:"status"`
	CreatedAt        string            `json:"created_at"`
	ApprovedAt       string            `json:"approved_at,omitempty"`
	PaidAt           string            `json:"paid_at,omitempty"`
	ReversedAt       string            `json:"reversed_at,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// TransitionRequest identifies who is approving/paying/reversing a record.
type TransitionRequest struct {
	ActorID string `json:"actor_id"`
}

// =============================================================================
// SALES REPS AND ATTRIBUTION
// =============================================================================

// CreateRepRequest registers a sales rep.
type CreateRepRequest struct {
	ID                          string `json:"id"`
	UserID                      string `json:"user_id"`
	ParentRepID                 string `json:"parent_rep_id,omitempty"`
	CommissionRateDirect        string `json:"commission_rate_direct"`
	SubRepParentSharePercentage string `json:"sub_rep_parent_share_percentage"`
	Inactive                    bool   `json:"inactive,omitempty"`
}

// RepDTO represents a sales rep in API responses.
type RepDTO struct {
	ID                          string `json:"id"`
	UserID                      string `json:"user_id"`
	ParentRepID                 string `json:"parent_rep_id,omitempty"`
	CommissionRateDirect        string `json:"commission_rate_direct"`
	SubRepParentSharePercentage string `json:"sub_rep_parent_share_percentage"`
	IsActive                    bool   `json:"is_active"`
}

// CreateLinkRequest binds a provider, facility, or order to an earning rep.
type CreateLinkRequest struct {
	ID            string `json:"id"`
	SubjectType   string `json:"subject_type"` // provider | facility | order
	SubjectID     string `json:"subject_id"`
	RepID         string `json:"rep_id"`
	EffectiveFrom string `json:"effective_from"`         // YYYY-MM-DD
	EffectiveTo   string `json:"effective_to,omitempty"` // empty = open-ended
}

// =============================================================================
// AUDIT
// =============================================================================

// AuditEntryDTO represents an audit log entry in API responses.
type AuditEntryDTO struct {
	ID        string            `json:"id"`
	Timestamp string            `json:"timestamp"`
	ActorID   string            `json:"actor_id,omitempty"`
	Action    string            `json:"action"`
	OrderID   string            `json:"order_id,omitempty"`
	RecordID  string            `json:"record_id,omitempty"`
	Payload   map[string]string `json:"payload,omitempty"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO describes a loadable demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// LoadScenarioRequest selects a scenario to load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the uniform error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toRecordDTO(rec engine.CommissionRecord) CommissionRecordDTO {
	dto := CommissionRecordDTO{
		ID:               string(rec.ID),
		OrderID:          string(rec.OrderID),
		RepID:            string(rec.RepID),
		RuleID:           string(rec.RuleID),
		BaseAmount:       rec.BaseAmount.String(),
		CommissionAmount: rec.CommissionAmount.String(),
		SplitType:        string(rec.SplitType),
		Status:           string(rec.Status),
		CreatedAt:        rec.CreatedAt.Format(time.RFC3339),
		Metadata:         rec.Metadata,
	}
	if rec.ParentRepID != nil {
		dto.ParentRepID = string(*rec.ParentRepID)
	}
	if rec.ApprovedAt != nil {
		dto.ApprovedAt = rec.ApprovedAt.Format(time.RFC3339)
	}
	if rec.PaidAt != nil {
		dto.PaidAt = rec.PaidAt.Format(time.RFC3339)
	}
	if rec.ReversedAt != nil {
		dto.ReversedAt = rec.ReversedAt.Format(time.RFC3339)
	}
	return dto
}

func toRecordDTOs(recs []engine.CommissionRecord) []CommissionRecordDTO {
	dtos := make([]CommissionRecordDTO, len(recs))
	for i, rec := range recs {
		dtos[i] = toRecordDTO(rec)
	}
	return dtos
}

func toOrderDTO(o engine.Order) OrderDTO {
	dto := OrderDTO{
		ID:          string(o.ID),
		FacilityID:  string(o.FacilityID),
		ProviderID:  string(o.ProviderID),
		TotalValue:  o.TotalValue.String(),
		ServiceDate: o.ServiceDate.Format("2006-01-02"),
	}
	for _, li := range o.LineItems {
		dto.LineItems = append(dto.LineItems, LineItemDTO{
			ProductID:      li.ProductID,
			ManufacturerID: li.ManufacturerID,
			Category:       li.Category,
			LineTotal:      li.LineTotal.String(),
		})
	}
	return dto
}

func toAuditDTO(e engine.AuditEntry) AuditEntryDTO {
	return AuditEntryDTO{
		ID:        e.ID,
		Timestamp: e.Timestamp.Format(time.RFC3339),
		ActorID:   e.ActorID,
		Action:    string(e.Action),
		OrderID:   string(e.OrderID),
		RecordID:  string(e.RecordID),
		Payload:   e.Payload,
	}
}
