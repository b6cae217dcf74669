/*
ledger.go - Commission record state machine and reverse-and-replace

PURPOSE:
  The Ledger owns the lifecycle of persisted commission records: the
  pending -> approved -> paid progression, reversals, and the
  reverse-and-replace contract that keeps recomputation idempotent.

STATE MACHINE:
  pending  --approve--> approved
  approved --pay------> paid
  pending  --reverse--> reversed
  approved --reverse--> reversed

  paid and reversed are terminal. Transitions are one-way; anything not in
  the table is rejected with InvalidTransitionError and the record is left
  untouched.

CORRECTIONS:
  Records are never edited or deleted. A reversal transitions the record
  to reversed and leaves an audit entry; replacements are inserted as new
  pending records. The full history stays queryable.

RECOMPUTATION CONTRACT:
  Replace() reverses every non-reversed record for the order, then inserts
  the new batch. Retries and rule-correction replays therefore never
  double-count: the active set after any number of calls equals the latest
  computation.

SEE ALSO:
  - calculator.go: Produces the batches Replace persists
  - store.go: RecordStore's conditional UpdateStatus (compare-and-swap)
*/
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// TRANSITIONS
// =============================================================================

// TransitionAction is a requested state change on a commission record.
type TransitionAction string

const (
	ActionApprove TransitionAction = "approve"
	ActionPay     TransitionAction = "pay"
	ActionReverse TransitionAction = "reverse"
)

// transitions is the complete allowed-transition table.
var transitions = map[RecordStatus]map[TransitionAction]RecordStatus{
	StatusPending: {
		ActionApprove: StatusApproved,
		ActionReverse: StatusReversed,
	},
	StatusApproved: {
		ActionPay:     StatusPaid,
		ActionReverse: StatusReversed,
	},
}

// NextStatus returns the status reached by applying action in from, or
// false when the transition is not allowed.
func NextStatus(from RecordStatus, action TransitionAction) (RecordStatus, bool) {
	to, ok := transitions[from][action]
	return to, ok
}

func auditActionFor(action TransitionAction) AuditAction {
	switch action {
	case ActionApprove:
		return AuditRecordApproved
	case ActionPay:
		return AuditRecordPaid
	default:
		return AuditRecordReversed
	}
}

// =============================================================================
// LEDGER
// =============================================================================

// Ledger persists commission records and enforces their state machine.
type Ledger struct {
	Records RecordStore
	Audit   AuditLog
}

func NewLedger(records RecordStore, audit AuditLog) *Ledger {
	return &Ledger{Records: records, Audit: audit}
}

// ActiveRecords returns the non-reversed records for an order.
func (l *Ledger) ActiveRecords(ctx context.Context, orderID OrderID) ([]CommissionRecord, error) {
	all, err := l.Records.ByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	var active []CommissionRecord
	for _, rec := range all {
		if rec.Status != StatusReversed {
			active = append(active, rec)
		}
	}
	return active, nil
}

// Replace reverses every active record for the order and inserts recs as
// the new active set. Called by the calculator with its per-order lock
// held, so two replacements for the same order never interleave.
func (l *Ledger) Replace(ctx context.Context, orderID OrderID, recs []CommissionRecord) error {
	active, err := l.ActiveRecords(ctx, orderID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, prior := range active {
		if prior.Status == StatusPaid {
			// Paid is terminal; a paid record cannot be silently superseded.
			return &InvalidTransitionError{RecordID: prior.ID, From: prior.Status, Action: ActionReverse}
		}
		if err := l.Records.UpdateStatus(ctx, prior.ID, prior.Status, StatusReversed, now); err != nil {
			return err
		}
		if err := l.appendAudit(ctx, AuditEntry{
			Action:   AuditRecordReversed,
			OrderID:  orderID,
			RecordID: prior.ID,
			ActorID:  "system",
			Payload:  map[string]string{"reason": "recomputation"},
		}); err != nil {
			return err
		}
	}

	if len(recs) == 0 {
		return nil
	}
	if err := l.Records.InsertBatch(ctx, recs); err != nil {
		return err
	}

	entry := AuditEntry{
		Action:  AuditRecordsCreated,
		OrderID: orderID,
		ActorID: "system",
		Payload: map[string]string{"count": fmt.Sprintf("%d", len(recs))},
	}
	if len(active) > 0 {
		entry.Action = AuditRecomputation
		entry.Payload["reversed"] = fmt.Sprintf("%d", len(active))
	}
	return l.appendAudit(ctx, entry)
}

// Transition applies action to the record, validating against the allowed
// transition table. The record is returned in its new state. Illegal
// requests fail with InvalidTransitionError and change nothing.
func (l *Ledger) Transition(ctx context.Context, recordID RecordID, action TransitionAction, actor string) (*CommissionRecord, error) {
	rec, err := l.Records.Record(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("record %s: %w", recordID, ErrRecordNotFound)
	}

	to, ok := NextStatus(rec.Status, action)
	if !ok {
		return nil, &InvalidTransitionError{RecordID: recordID, From: rec.Status, Action: action}
	}

	now := time.Now().UTC()
	if err := l.Records.UpdateStatus(ctx, recordID, rec.Status, to, now); err != nil {
		return nil, err
	}

	if err := l.appendAudit(ctx, AuditEntry{
		Action:   auditActionFor(action),
		OrderID:  rec.OrderID,
		RecordID: rec.ID,
		ActorID:  actor,
		Payload:  map[string]string{"from": string(rec.Status), "to": string(to)},
	}); err != nil {
		return nil, err
	}

	return l.Records.Record(ctx, recordID)
}

// NoteUnattributed records that an order was evaluated and produced no
// commission because no rep is attributed. Keeps a trail for house-account
// review without creating records.
func (l *Ledger) NoteUnattributed(ctx context.Context, orderID OrderID) error {
	return l.appendAudit(ctx, AuditEntry{
		Action:  AuditUnattributed,
		OrderID: orderID,
		ActorID: "system",
	})
}

// NoteRuleGap records that no commission rule matched the order. Gap
// orders need a rule correction rather than a retry, so the background
// sweep skips orders carrying this note.
func (l *Ledger) NoteRuleGap(ctx context.Context, orderID OrderID) error {
	return l.appendAudit(ctx, AuditEntry{
		Action:  AuditRuleGap,
		OrderID: orderID,
		ActorID: "system",
	})
}

func (l *Ledger) appendAudit(ctx context.Context, entry AuditEntry) error {
	if l.Audit == nil {
		return nil
	}
	entry.ID = uuid.NewString()
	entry.Timestamp = time.Now().UTC()
	return l.Audit.Append(ctx, entry)
}

// =============================================================================
// KEYED MUTEX - Per-order serialization
// =============================================================================

// keyedMutex hands out one mutex per key. Computation for a given order is
// mutually exclusive while different orders proceed fully in parallel.
// Entries are reference-counted and evicted once the last holder unlocks,
// so the map does not grow with every order the process ever saw.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func (km *keyedMutex) lock(key string) (unlock func()) {
	km.mu.Lock()
	if km.locks == nil {
		km.locks = make(map[string]*keyedLock)
	}
	l, ok := km.locks[key]
	if !ok {
		l = &keyedLock{}
		km.locks[key] = l
	}
	l.refs++
	km.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		km.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(km.locks, key)
		}
		km.mu.Unlock()
	}
}
