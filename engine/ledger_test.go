package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/engine"
	"github.com/warp/commission-engine/engine/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestLedger(t *testing.T) (*engine.Ledger, *store.Memory) {
	mem := store.NewMemory()
	return engine.NewLedger(mem, mem), mem
}

func pendingRecord(t *testing.T, mem *store.Memory, id, orderID, repID string) engine.CommissionRecord {
	t.Helper()
	rec := engine.CommissionRecord{
		ID:               engine.RecordID(id),
		OrderID:          engine.OrderID(orderID),
		RepID:            engine.RepID(repID),
		RuleID:           "comm-1",
		BaseAmount:       engine.NewMoneyFromCents(100000),
		CommissionAmount: engine.NewMoneyFromCents(5000),
		SplitType:        engine.SplitDirect,
		Status:           engine.StatusPending,
		CreatedAt:        time.Now().UTC(),
	}
	require.NoError(t, mem.Insert(context.Background(), rec))
	return rec
}

// =============================================================================
// TRANSITION TABLE
// =============================================================================

func TestNextStatus_AllowedTransitions(t *testing.T) {
	cases := []struct {
		from   engine.RecordStatus
		action engine.TransitionAction
		to     engine.RecordStatus
	}{
		{engine.StatusPending, engine.ActionApprove, engine.StatusApproved},
		{engine.StatusPending, engine.ActionReverse, engine.StatusReversed},
		{engine.StatusApproved, engine.ActionPay, engine.StatusPaid},
		{engine.StatusApproved, engine.ActionReverse, engine.StatusReversed},
	}
	for _, c := range cases {
		to, ok := engine.NextStatus(c.from, c.action)
		assert.True(t, ok, "%s + %s", c.from, c.action)
		assert.Equal(t, c.to, to)
	}
}

func TestNextStatus_ForbiddenTransitions(t *testing.T) {
	cases := []struct {
		from   engine.RecordStatus
		action engine.TransitionAction
	}{
		{engine.StatusPending, engine.ActionPay}, // must approve first
		{engine.StatusPaid, engine.ActionReverse},
		{engine.StatusPaid, engine.ActionApprove},
		{engine.StatusReversed, engine.ActionApprove},
		{engine.StatusReversed, engine.ActionPay},
		{engine.StatusReversed, engine.ActionReverse},
	}
	for _, c := range cases {
		_, ok := engine.NextStatus(c.from, c.action)
		assert.False(t, ok, "%s + %s should be forbidden", c.from, c.action)
	}
}

// =============================================================================
// LEDGER TRANSITIONS
// =============================================================================

func TestLedger_ApproveThenPay(t *testing.T) {
	ledger, mem := newTestLedger(t)
	ctx := context.Background()
	pendingRecord(t, mem, "rec-1", "ord-1", "rep-1")

	rec, err := ledger.Transition(ctx, "rec-1", engine.ActionApprove, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, engine.StatusApproved, rec.Status)
	assert.NotNil(t, rec.ApprovedAt)

	rec, err = ledger.Transition(ctx, "rec-1", engine.ActionPay, "finance-1")
	require.NoError(t, err)
	assert.Equal(t, engine.StatusPaid, rec.Status)
	assert.NotNil(t, rec.PaidAt)
}

func TestLedger_PayWithoutApprove_Rejected(t *testing.T) {
	ledger, mem := newTestLedger(t)
	pendingRecord(t, mem, "rec-1", "ord-1", "rep-1")

	_, err := ledger.Transition(context.Background(), "rec-1", engine.ActionPay, "finance-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrInvalidTransition)

	var transErr *engine.InvalidTransitionError
	require.ErrorAs(t, err, &transErr)
	assert.Equal(t, engine.StatusPending, transErr.From)
	assert.Equal(t, engine.ActionPay, transErr.Action)

	// Record unchanged.
	rec, err := mem.Record(context.Background(), "rec-1")
	require.NoError(t, err)
	assert.Equal(t, engine.StatusPending, rec.Status)
}

func TestLedger_ReversePaid_Rejected(t *testing.T) {
	ledger, mem := newTestLedger(t)
	ctx := context.Background()
	pendingRecord(t, mem, "rec-1", "ord-1", "rep-1")

	_, err := ledger.Transition(ctx, "rec-1", engine.ActionApprove, "admin-1")
	require.NoError(t, err)
	_, err = ledger.Transition(ctx, "rec-1", engine.ActionPay, "finance-1")
	require.NoError(t, err)

	_, err = ledger.Transition(ctx, "rec-1", engine.ActionReverse, "admin-1")
	assert.ErrorIs(t, err, engine.ErrInvalidTransition, "paid is terminal")
}

func TestLedger_UnknownRecord_NotFound(t *testing.T) {
	ledger, _ := newTestLedger(t)

	_, err := ledger.Transition(context.Background(), "rec-missing", engine.ActionApprove, "admin-1")
	assert.ErrorIs(t, err, engine.ErrRecordNotFound)
}

func TestLedger_Transition_WritesAudit(t *testing.T) {
	ledger, mem := newTestLedger(t)
	ctx := context.Background()
	pendingRecord(t, mem, "rec-1", "ord-1", "rep-1")

	_, err := ledger.Transition(ctx, "rec-1", engine.ActionApprove, "admin-1")
	require.NoError(t, err)

	recID := engine.RecordID("rec-1")
	entries, err := mem.Query(ctx, engine.AuditFilter{RecordID: &recID})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	entry := entries[0]
	assert.Equal(t, engine.AuditRecordApproved, entry.Action)
	assert.Equal(t, "admin-1", entry.ActorID)
	assert.Equal(t, "pending", entry.Payload["from"])
	assert.Equal(t, "approved", entry.Payload["to"])
}

// =============================================================================
// CAS UPDATE
// =============================================================================

func TestRecordStore_UpdateStatus_StaleFrom_Conflict(t *testing.T) {
	_, mem := newTestLedger(t)
	ctx := context.Background()
	pendingRecord(t, mem, "rec-1", "ord-1", "rep-1")

	now := time.Now().UTC()
	require.NoError(t, mem.UpdateStatus(ctx, "rec-1", engine.StatusPending, engine.StatusApproved, now))

	// A second writer still holding the pending snapshot loses.
	err := mem.UpdateStatus(ctx, "rec-1", engine.StatusPending, engine.StatusReversed, now)
	assert.ErrorIs(t, err, engine.ErrConcurrentModification)
}

// =============================================================================
// REPLACE
// =============================================================================

func TestLedger_Replace_ReversesActiveSet(t *testing.T) {
	ledger, mem := newTestLedger(t)
	ctx := context.Background()
	pendingRecord(t, mem, "rec-old", "ord-1", "rep-1")

	replacement := pendingRecordValue("rec-new", "ord-1", "rep-1", "60.00")
	require.NoError(t, ledger.Replace(ctx, "ord-1", []engine.CommissionRecord{replacement}))

	old, err := mem.Record(ctx, "rec-old")
	require.NoError(t, err)
	assert.Equal(t, engine.StatusReversed, old.Status)

	active, err := ledger.ActiveRecords(ctx, "ord-1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, engine.RecordID("rec-new"), active[0].ID)
}

func TestLedger_Replace_PaidRecord_Refused(t *testing.T) {
	ledger, mem := newTestLedger(t)
	ctx := context.Background()
	pendingRecord(t, mem, "rec-1", "ord-1", "rep-1")

	_, err := ledger.Transition(ctx, "rec-1", engine.ActionApprove, "admin-1")
	require.NoError(t, err)
	_, err = ledger.Transition(ctx, "rec-1", engine.ActionPay, "finance-1")
	require.NoError(t, err)

	err = ledger.Replace(ctx, "ord-1", []engine.CommissionRecord{
		pendingRecordValue("rec-new", "ord-1", "rep-1", "60.00"),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrInvalidTransition)

	// Nothing inserted.
	rec, err := mem.Record(ctx, "rec-new")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func pendingRecordValue(id, orderID, repID, amount string) engine.CommissionRecord {
	return engine.CommissionRecord{
		ID:               engine.RecordID(id),
		OrderID:          engine.OrderID(orderID),
		RepID:            engine.RepID(repID),
		RuleID:           "comm-1",
		BaseAmount:       engine.MustParseMoney("1000.00"),
		CommissionAmount: engine.MustParseMoney(amount),
		SplitType:        engine.SplitDirect,
		Status:           engine.StatusPending,
		CreatedAt:        time.Now().UTC(),
	}
}
