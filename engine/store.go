/*
store.go - Persistence contracts between the engine and its data stores

PURPOSE:
  Defines the read/write interfaces the engine depends on. Rule tables,
  the rep hierarchy, and orders are read-only from the engine's point of
  view; commission records and audit entries are the engine's output.

KEY INTERFACES:
  RuleStore:   Versioned, effective-dated rule lookup (read-only)
  RepStore:    Sales reps and attribution links (read-only)
  OrderReader: The externally-owned Order aggregate (read-only)
  RecordStore: Commission record persistence and conditional status update
  AuditLog:    Append-only mutation trail

NOT-FOUND CONTRACT:
  Readers return (nil, nil) or an empty slice for "no match". A non-nil
  error always means the store itself failed, never "nothing there".
  Eligibility resolution and commission matching turn empty results into
  verdicts, not errors.

RECORD IMMUTABILITY:
  RecordStore has no delete. Corrections happen by transitioning a record
  to reversed and inserting replacements. UpdateStatus is conditional on
  the current status (compare-and-swap) so concurrent transitions cannot
  race past the state machine.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: Production SQLite store
  - engine/store/memory.go: In-memory store for tests and dev

SEE ALSO:
  - ledger.go: Higher-level record operations using RecordStore
  - calculator.go: Consumes all read interfaces
*/
package engine

import (
	"context"
	"time"
)

// =============================================================================
// RULE STORE - Cache-friendly read layer over the rule tables
// =============================================================================

// RuleStore serves rule lookups. No business logic lives here; selection
// among returned rules belongs to the resolvers.
//
// A cached implementation must serve internally consistent snapshots: one
// resolution call never mixes rule versions from different refresh cycles.
type RuleStore interface {
	// EligibilityRules returns all ACTIVE eligibility rules for the
	// insurance type. Empty slice when none match.
	EligibilityRules(ctx context.Context, insuranceType InsuranceType) ([]EligibilityRule, error)

	// CommissionRule returns the rule for (targetType, targetID) whose
	// validity window contains asOf, or nil when there is none.
	CommissionRule(ctx context.Context, targetType TargetType, targetID string, asOf time.Time) (*CommissionRule, error)
}

// =============================================================================
// REP STORE - Sales rep hierarchy and attribution links
// =============================================================================

// RepStore reads the rep hierarchy and attribution links. Maintained by the
// surrounding organization-management system.
type RepStore interface {
	// Rep returns the rep, or nil when unknown.
	Rep(ctx context.Context, id RepID) (*SalesRep, error)

	// ActiveProviderLink returns the provider's attribution link active at
	// asOf, or nil.
	ActiveProviderLink(ctx context.Context, providerID ProviderID, asOf time.Time) (*AttributionLink, error)

	// ActiveFacilityLink returns the facility's attribution link active at
	// asOf, or nil.
	ActiveFacilityLink(ctx context.Context, facilityID FacilityID, asOf time.Time) (*AttributionLink, error)

	// OrderOverride returns the explicit per-order attribution override,
	// or nil. An override short-circuits the provider/facility lookup.
	OrderOverride(ctx context.Context, orderID OrderID) (*AttributionLink, error)
}

// =============================================================================
// ORDER READER - Externally owned aggregate
// =============================================================================

type OrderReader interface {
	// Order returns the order, or nil when unknown.
	Order(ctx context.Context, id OrderID) (*Order, error)
}

// =============================================================================
// RECORD STORE - Commission record persistence
// =============================================================================

// RecordStore persists commission records. No delete operation exists;
// see the immutability contract in the package header.
type RecordStore interface {
	// Insert persists one record.
	Insert(ctx context.Context, rec CommissionRecord) error

	// InsertBatch persists records atomically: all or none.
	InsertBatch(ctx context.Context, recs []CommissionRecord) error

	// Record returns a record by ID, or nil when unknown.
	Record(ctx context.Context, id RecordID) (*CommissionRecord, error)

	// ByOrder returns all records for an order, including reversed ones,
	// ordered by creation time.
	ByOrder(ctx context.Context, orderID OrderID) ([]CommissionRecord, error)

	// ByRep returns all records for a rep, ordered by creation time.
	ByRep(ctx context.Context, repID RepID) ([]CommissionRecord, error)

	// ByStatus returns all records in the given status.
	ByStatus(ctx context.Context, status RecordStatus) ([]CommissionRecord, error)

	// UpdateStatus transitions a record from -> to, stamping at into the
	// matching timestamp column. Fails with ErrConcurrentModification if
	// the record's current status is not from, ErrRecordNotFound if the
	// record doesn't exist.
	UpdateStatus(ctx context.Context, id RecordID, from, to RecordStatus, at time.Time) error
}

// =============================================================================
// AUDIT LOG - Append-only
// =============================================================================

type AuditLog interface {
	Append(ctx context.Context, entry AuditEntry) error
	Query(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}

type AuditFilter struct {
	OrderID  *OrderID
	RecordID *RecordID
	Actions  []AuditAction
	From     *time.Time
	To       *time.Time
}
