/*
Package engine provides the core rules and commission engine.

PURPOSE:
  This package contains the domain types and algorithms for the two
  computations that carry real business logic in the distribution system:
  deciding which product codes an order context may legally include
  (eligibility), and computing how a completed order's commission is
  split across a sales representative chain (commission).

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: A cent-precision monetary amount (decimal, never float)
  - Order: Read-only input aggregate owned by the ordering system
  - SalesRep / AttributionLink: The rep hierarchy and who earns on what
  - CommissionRecord: One persisted commission per earning party per order

DESIGN PRINCIPLES:
  1. Immutability: Commission records are never edited, only reversed
  2. Precision: Uses decimal.Decimal to avoid floating-point drift
  3. Type Safety: Strong typing for IDs prevents mixing order/rep/rule IDs
  4. Auditability: Every ledger mutation leaves an audit entry

SEE ALSO:
  - rules.go: Eligibility and commission rule definitions
  - calculator.go: Commission computation and splitting
  - ledger.go: Record persistence and the status state machine
*/
package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Cent-precision monetary amount
// =============================================================================

// Money is a fixed-point monetary amount. All commission arithmetic goes
// through Money; amounts cross the wire as decimal strings, never floats.
type Money struct {
	Value decimal.Decimal
}

func NewMoneyFromCents(cents int64) Money {
	return Money{Value: decimal.New(cents, -2)}
}

func MustParseMoney(s string) Money {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{Value: decimal.Zero}
	}
	return Money{Value: d}
}

func ZeroMoney() Money { return Money{Value: decimal.Zero} }

func (m Money) Add(b Money) Money             { return Money{Value: m.Value.Add(b.Value)} }
func (m Money) Sub(b Money) Money             { return Money{Value: m.Value.Sub(b.Value)} }
func (m Money) Mul(s decimal.Decimal) Money   { return Money{Value: m.Value.Mul(s)} }
func (m Money) Div(s decimal.Decimal) Money   { return Money{Value: m.Value.Div(s)} }
func (m Money) Neg() Money                    { return Money{Value: m.Value.Neg()} }
func (m Money) IsZero() bool                  { return m.Value.IsZero() }
func (m Money) IsNegative() bool              { return m.Value.IsNegative() }
func (m Money) IsPositive() bool              { return m.Value.IsPositive() }
func (m Money) Equal(b Money) bool            { return m.Value.Equal(b.Value) }
func (m Money) GreaterThan(b Money) bool      { return m.Value.GreaterThan(b.Value) }
func (m Money) LessThan(b Money) bool         { return m.Value.LessThan(b.Value) }

// RoundCents rounds half away from zero to cent precision.
func (m Money) RoundCents() Money { return Money{Value: m.Value.Round(2)} }

// RoundDownCents truncates toward zero to cent precision. Used for the
// parent's share of a split so the remainder always lands on the direct
// earner and the split reconciles exactly.
func (m Money) RoundDownCents() Money { return Money{Value: m.Value.RoundDown(2)} }

// Cents returns the amount as an integer number of cents.
func (m Money) Cents() int64 { return m.Value.Round(2).Shift(2).IntPart() }

func (m Money) String() string { return m.Value.StringFixed(2) }

// =============================================================================
// IDENTIFIERS
// =============================================================================

type OrderID string
type RecordID string
type RuleID string
type RepID string
type ProviderID string
type FacilityID string
type ProductCode string

// =============================================================================
// SALES REP HIERARCHY
// =============================================================================

// SalesRep is an earning party. Reps form a forest via ParentRepID; a rep
// with a nil parent is a root/primary rep. The engine walks parent chains
// with a visited-set guard and never assumes a hard depth limit.
type SalesRep struct {
	ID     RepID
	UserID string

	ParentRepID *RepID

	// CommissionRateDirect is informational for reporting; the rate that
	// actually applies to an order comes from the matched CommissionRule.
	CommissionRateDirect decimal.Decimal

	// SubRepParentSharePercentage is the percentage of THIS rep's earned
	// commission that is redirected to its parent rep (0-100).
	SubRepParentSharePercentage decimal.Decimal

	IsActive bool
}

// =============================================================================
// ATTRIBUTION
// =============================================================================

// SubjectType identifies what an attribution link binds a rep to.
type SubjectType string

const (
	SubjectProvider SubjectType = "provider"
	SubjectFacility SubjectType = "facility"
	SubjectOrder    SubjectType = "order" // explicit per-order override
)

// AttributionLink associates a provider, facility, or single order with an
// earning rep for an effective window. At most one link is active for a
// given subject on a given date.
type AttributionLink struct {
	ID            string
	SubjectType   SubjectType
	SubjectID     string
	RepID         RepID
	EffectiveFrom time.Time
	EffectiveTo   *time.Time // nil = open-ended
}

// ActiveAt reports whether the link covers the given date (inclusive bounds).
func (l AttributionLink) ActiveAt(at time.Time) bool {
	if at.Before(l.EffectiveFrom) {
		return false
	}
	if l.EffectiveTo != nil && at.After(*l.EffectiveTo) {
		return false
	}
	return true
}

// Chain is the resolved earning chain for an order: the directly attributed
// rep and, for sub-rep arrangements, the parent who takes a share.
type Chain struct {
	RepID       RepID
	ParentRepID *RepID
}

// =============================================================================
// ORDER - Read-only input aggregate
// =============================================================================

// LineItem is one product line of an order.
type LineItem struct {
	ProductID      string
	ManufacturerID string
	Category       string
	LineTotal      Money
}

// Order is owned by the surrounding order-management system. The engine
// treats it as immutable input and never writes it.
type Order struct {
	ID          OrderID
	FacilityID  FacilityID
	ProviderID  ProviderID
	TotalValue  Money
	LineItems   []LineItem
	ServiceDate time.Time
}

// =============================================================================
// COMMISSION RECORD - One persisted commission per earning party per order
// =============================================================================

type SplitType string

const (
	SplitDirect      SplitType = "direct"
	SplitParentShare SplitType = "parent_share"
)

type RecordStatus string

const (
	StatusPending  RecordStatus = "pending"
	StatusApproved RecordStatus = "approved"
	StatusPaid     RecordStatus = "paid"
	StatusReversed RecordStatus = "reversed"
)

// IsTerminal reports whether no further transition is allowed.
func (s RecordStatus) IsTerminal() bool {
	return s == StatusPaid || s == StatusReversed
}

// CommissionRecord is the persisted outcome of a commission computation for
// one earning party.
//
// INVARIANT: for a given (OrderID, RepID) pair at most one non-reversed
// record exists. Recomputation reverses and replaces, never duplicates.
type CommissionRecord struct {
	ID          RecordID
	OrderID     OrderID
	RepID       RepID

	// ParentRepID is set on parent_share records and points back at the
	// sub-rep whose commission was split, for traceability.
	ParentRepID *RepID

	RuleID           RuleID
	BaseAmount       Money
	CommissionAmount Money
	SplitType        SplitType
	Status           RecordStatus

	CreatedAt  time.Time
	ApprovedAt *time.Time
	PaidAt     *time.Time
	ReversedAt *time.Time

	Metadata map[string]string
}

// =============================================================================
// AUDIT LOG - Who did what when, separate from the records themselves
// =============================================================================

type AuditAction string

const (
	AuditRecordsCreated  AuditAction = "records_created"
	AuditRecordApproved  AuditAction = "record_approved"
	AuditRecordPaid      AuditAction = "record_paid"
	AuditRecordReversed  AuditAction = "record_reversed"
	AuditRecomputation   AuditAction = "recomputation"
	AuditUnattributed    AuditAction = "unattributed_order"
	AuditRuleGap         AuditAction = "rule_gap"
)

// AuditEntry records a ledger mutation. Append-only.
type AuditEntry struct {
	ID        string
	Timestamp time.Time
	ActorID   string
	Action    AuditAction
	OrderID   OrderID
	RecordID  RecordID
	Payload   map[string]string
}
