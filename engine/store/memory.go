// Package store provides in-memory implementations of the engine's
// persistence contracts, used by tests and dev mode.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/commission-engine/engine"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements RuleStore, RepStore, OrderReader, RecordStore, and
// AuditLog behind one RWMutex. Write helpers (Save*) exist for seeding;
// the engine itself only uses the interfaces.
type Memory struct {
	mu sync.RWMutex

	eligibilityRules []engine.EligibilityRule
	commissionRules  []engine.CommissionRule
	reps             map[engine.RepID]engine.SalesRep
	links            []engine.AttributionLink
	orders           map[engine.OrderID]engine.Order
	records          map[engine.RecordID]engine.CommissionRecord
	recordOrder      []engine.RecordID
	audit            []engine.AuditEntry
}

func NewMemory() *Memory {
	return &Memory{
		reps:    make(map[engine.RepID]engine.SalesRep),
		orders:  make(map[engine.OrderID]engine.Order),
		records: make(map[engine.RecordID]engine.CommissionRecord),
	}
}

// Compile-time interface checks.
var (
	_ engine.RuleStore   = (*Memory)(nil)
	_ engine.RepStore    = (*Memory)(nil)
	_ engine.OrderReader = (*Memory)(nil)
	_ engine.RecordStore = (*Memory)(nil)
	_ engine.AuditLog    = (*Memory)(nil)
)

// =============================================================================
// SEEDING HELPERS
// =============================================================================

// SaveEligibilityRule validates and stores a rule, replacing any existing
// rule with the same ID.
func (m *Memory) SaveEligibilityRule(_ context.Context, rule engine.EligibilityRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.eligibilityRules {
		if existing.ID == rule.ID {
			m.eligibilityRules[i] = rule
			return nil
		}
	}
	m.eligibilityRules = append(m.eligibilityRules, rule)
	return nil
}

func (m *Memory) SaveCommissionRule(_ context.Context, rule engine.CommissionRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.commissionRules {
		if existing.ID == rule.ID {
			m.commissionRules[i] = rule
			return nil
		}
	}
	m.commissionRules = append(m.commissionRules, rule)
	return nil
}

func (m *Memory) SaveRep(_ context.Context, rep engine.SalesRep) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reps[rep.ID] = rep
	return nil
}

func (m *Memory) SaveLink(_ context.Context, link engine.AttributionLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.links {
		if existing.ID == link.ID {
			m.links[i] = link
			return nil
		}
	}
	m.links = append(m.links, link)
	return nil
}

func (m *Memory) SaveOrder(_ context.Context, order engine.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[order.ID] = order
	return nil
}

// Reset clears everything. Dev/demo use only.
func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eligibilityRules = nil
	m.commissionRules = nil
	m.reps = make(map[engine.RepID]engine.SalesRep)
	m.links = nil
	m.orders = make(map[engine.OrderID]engine.Order)
	m.records = make(map[engine.RecordID]engine.CommissionRecord)
	m.recordOrder = nil
	m.audit = nil
}

// =============================================================================
// RULE STORE
// =============================================================================

func (m *Memory) EligibilityRules(_ context.Context, insuranceType engine.InsuranceType) ([]engine.EligibilityRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []engine.EligibilityRule
	for _, r := range m.eligibilityRules {
		if r.IsActive && r.InsuranceType == insuranceType {
			result = append(result, r)
		}
	}
	return result, nil
}

func (m *Memory) CommissionRule(_ context.Context, targetType engine.TargetType, targetID string, asOf time.Time) (*engine.CommissionRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.commissionRules {
		if r.TargetType == targetType && r.TargetID == targetID && r.ValidAt(asOf) {
			rule := r
			return &rule, nil
		}
	}
	return nil, nil
}

// =============================================================================
// REP STORE
// =============================================================================

func (m *Memory) Rep(_ context.Context, id engine.RepID) (*engine.SalesRep, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rep, ok := m.reps[id]
	if !ok {
		return nil, nil
	}
	return &rep, nil
}

func (m *Memory) ActiveProviderLink(_ context.Context, providerID engine.ProviderID, asOf time.Time) (*engine.AttributionLink, error) {
	return m.activeLink(engine.SubjectProvider, string(providerID), asOf)
}

func (m *Memory) ActiveFacilityLink(_ context.Context, facilityID engine.FacilityID, asOf time.Time) (*engine.AttributionLink, error) {
	return m.activeLink(engine.SubjectFacility, string(facilityID), asOf)
}

func (m *Memory) OrderOverride(_ context.Context, orderID engine.OrderID) (*engine.AttributionLink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, l := range m.links {
		if l.SubjectType == engine.SubjectOrder && l.SubjectID == string(orderID) {
			link := l
			return &link, nil
		}
	}
	return nil, nil
}

func (m *Memory) activeLink(subject engine.SubjectType, subjectID string, asOf time.Time) (*engine.AttributionLink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, l := range m.links {
		if l.SubjectType == subject && l.SubjectID == subjectID && l.ActiveAt(asOf) {
			link := l
			return &link, nil
		}
	}
	return nil, nil
}

// =============================================================================
// ORDER READER
// =============================================================================

func (m *Memory) Order(_ context.Context, id engine.OrderID) (*engine.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	order, ok := m.orders[id]
	if !ok {
		return nil, nil
	}
	return &order, nil
}

// =============================================================================
// RECORD STORE
// =============================================================================

func (m *Memory) Insert(_ context.Context, rec engine.CommissionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(rec)
}

func (m *Memory) InsertBatch(_ context.Context, recs []engine.CommissionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rec := range recs {
		if err := m.insertLocked(rec); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) insertLocked(rec engine.CommissionRecord) error {
	m.records[rec.ID] = rec
	m.recordOrder = append(m.recordOrder, rec.ID)
	return nil
}

func (m *Memory) Record(_ context.Context, id engine.RecordID) (*engine.CommissionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *Memory) ByOrder(_ context.Context, orderID engine.OrderID) ([]engine.CommissionRecord, error) {
	return m.filter(func(r engine.CommissionRecord) bool { return r.OrderID == orderID })
}

func (m *Memory) ByRep(_ context.Context, repID engine.RepID) ([]engine.CommissionRecord, error) {
	return m.filter(func(r engine.CommissionRecord) bool { return r.RepID == repID })
}

func (m *Memory) ByStatus(_ context.Context, status engine.RecordStatus) ([]engine.CommissionRecord, error) {
	return m.filter(func(r engine.CommissionRecord) bool { return r.Status == status })
}

func (m *Memory) filter(keep func(engine.CommissionRecord) bool) ([]engine.CommissionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []engine.CommissionRecord
	for _, id := range m.recordOrder {
		if rec := m.records[id]; keep(rec) {
			result = append(result, rec)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *Memory) UpdateStatus(_ context.Context, id engine.RecordID, from, to engine.RecordStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return engine.ErrRecordNotFound
	}
	if rec.Status != from {
		return engine.ErrConcurrentModification
	}

	rec.Status = to
	switch to {
	case engine.StatusApproved:
		rec.ApprovedAt = &at
	case engine.StatusPaid:
		rec.PaidAt = &at
	case engine.StatusReversed:
		rec.ReversedAt = &at
	}
	m.records[id] = rec
	return nil
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (m *Memory) Append(_ context.Context, entry engine.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, entry)
	return nil
}

func (m *Memory) Query(_ context.Context, filter engine.AuditFilter) ([]engine.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []engine.AuditEntry
	for _, e := range m.audit {
		if filter.OrderID != nil && e.OrderID != *filter.OrderID {
			continue
		}
		if filter.RecordID != nil && e.RecordID != *filter.RecordID {
			continue
		}
		if len(filter.Actions) > 0 && !containsAction(filter.Actions, e.Action) {
			continue
		}
		if filter.From != nil && e.Timestamp.Before(*filter.From) {
			continue
		}
		if filter.To != nil && e.Timestamp.After(*filter.To) {
			continue
		}
		result = append(result, e)
	}
	return result, nil
}

func containsAction(actions []engine.AuditAction, a engine.AuditAction) bool {
	for _, candidate := range actions {
		if candidate == a {
			return true
		}
	}
	return false
}
