package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/engine"
	"github.com/warp/commission-engine/engine/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type fixture struct {
	mem        *store.Memory
	calculator *engine.Calculator
	ledger     *engine.Ledger
}

func newFixture(t *testing.T) *fixture {
	mem := store.NewMemory()
	attribution := engine.NewAttributionResolver(mem)
	ledger := engine.NewLedger(mem, mem)
	return &fixture{
		mem:        mem,
		calculator: engine.NewCalculator(mem, mem, attribution, ledger),
		ledger:     ledger,
	}
}

func (f *fixture) saveCommissionRule(t *testing.T, rule engine.CommissionRule) {
	t.Helper()
	require.NoError(t, f.mem.SaveCommissionRule(context.Background(), rule))
}

func (f *fixture) saveOrder(t *testing.T, order engine.Order) {
	t.Helper()
	if order.ServiceDate.IsZero() {
		order.ServiceDate = serviceDate
	}
	require.NoError(t, f.mem.SaveOrder(context.Background(), order))
}

func graftOrder(id string, total string) engine.Order {
	return engine.Order{
		ID:         engine.OrderID(id),
		FacilityID: "fac-1",
		ProviderID: "prov-1",
		TotalValue: engine.MustParseMoney(total),
		LineItems: []engine.LineItem{
			{ProductID: "GRAFT-A", ManufacturerID: "mfg-derma", Category: "skin-graft", LineTotal: engine.MustParseMoney(total)},
		},
	}
}

// =============================================================================
// SINGLE REP COMPUTATION
// =============================================================================

func TestCompute_SingleRep_FlatRate(t *testing.T) {
	f := newFixture(t)
	saveRep(t, f.mem, "rep-1", nil, true)
	saveLink(t, f.mem, "link-1", engine.SubjectProvider, "prov-1", "rep-1")
	f.saveCommissionRule(t, flatRule("comm-1", "5"))
	f.saveOrder(t, graftOrder("ord-1", "2500.00"))

	recs, err := f.calculator.ComputeCommission(context.Background(), "ord-1")
	require.NoError(t, err)

	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, engine.RepID("rep-1"), rec.RepID)
	assert.Equal(t, engine.RuleID("comm-1"), rec.RuleID)
	assert.Equal(t, "2500.00", rec.BaseAmount.String())
	assert.Equal(t, "125.00", rec.CommissionAmount.String())
	assert.Equal(t, engine.SplitDirect, rec.SplitType)
	assert.Equal(t, engine.StatusPending, rec.Status)
	assert.Nil(t, rec.ParentRepID)
}

func TestCompute_TieredRule_ExactAmount(t *testing.T) {
	f := newFixture(t)
	saveRep(t, f.mem, "rep-1", nil, true)
	saveLink(t, f.mem, "link-1", engine.SubjectProvider, "prov-1", "rep-1")
	f.saveCommissionRule(t, tieredRule("comm-tiered", standardTiers()))
	f.saveOrder(t, graftOrder("ord-1", "60000.00"))

	recs, err := f.calculator.ComputeCommission(context.Background(), "ord-1")
	require.NoError(t, err)

	require.Len(t, recs, 1)
	assert.Equal(t, "2999.96", recs[0].CommissionAmount.String())
}

func TestCompute_TargetPrecedence_ProductBeatsManufacturer(t *testing.T) {
	f := newFixture(t)
	saveRep(t, f.mem, "rep-1", nil, true)
	saveLink(t, f.mem, "link-1", engine.SubjectProvider, "prov-1", "rep-1")
	f.saveCommissionRule(t, flatRule("comm-product", "5")) // targets GRAFT-A
	f.saveCommissionRule(t, tieredRule("comm-mfg", standardTiers()))
	f.saveOrder(t, graftOrder("ord-1", "1000.00"))

	recs, err := f.calculator.ComputeCommission(context.Background(), "ord-1")
	require.NoError(t, err)

	require.Len(t, recs, 1)
	assert.Equal(t, engine.RuleID("comm-product"), recs[0].RuleID)
}

// =============================================================================
// SUB-REP SPLIT
// =============================================================================

func TestCompute_SubRepSplit_ExactAmounts(t *testing.T) {
	// GIVEN: $1,000 order, 5% rate, sub-rep with 20% parent share
	// THEN: Direct record $40.00, parent share record $10.00

	f := newFixture(t)
	saveRep(t, f.mem, "rep-senior", nil, true)
	saveRep(t, f.mem, "rep-junior", repIDPtr("rep-senior"), true)
	saveLink(t, f.mem, "link-1", engine.SubjectProvider, "prov-1", "rep-junior")
	f.saveCommissionRule(t, flatRule("comm-1", "5"))
	f.saveOrder(t, graftOrder("ord-1", "1000.00"))

	recs, err := f.calculator.ComputeCommission(context.Background(), "ord-1")
	require.NoError(t, err)
	require.Len(t, recs, 2)

	direct, parent := recs[0], recs[1]
	assert.Equal(t, engine.RepID("rep-junior"), direct.RepID)
	assert.Equal(t, engine.SplitDirect, direct.SplitType)
	assert.Equal(t, "40.00", direct.CommissionAmount.String())

	assert.Equal(t, engine.RepID("rep-senior"), parent.RepID)
	assert.Equal(t, engine.SplitParentShare, parent.SplitType)
	assert.Equal(t, "10.00", parent.CommissionAmount.String())
	require.NotNil(t, parent.ParentRepID)
	assert.Equal(t, engine.RepID("rep-junior"), *parent.ParentRepID, "parent record points back at the sub-rep")

	// Split reconciles exactly to the total.
	total := direct.CommissionAmount.Add(parent.CommissionAmount)
	assert.Equal(t, "50.00", total.String())
}

func TestCompute_SubRepSplit_RemainderGoesToDirect(t *testing.T) {
	// 5% of $33.33 = $1.6665 -> $1.67 total. 20% of that is $0.334, rounded
	// DOWN to $0.33 for the parent; the direct earner keeps $1.34.
	f := newFixture(t)
	saveRep(t, f.mem, "rep-senior", nil, true)
	saveRep(t, f.mem, "rep-junior", repIDPtr("rep-senior"), true)
	saveLink(t, f.mem, "link-1", engine.SubjectProvider, "prov-1", "rep-junior")
	f.saveCommissionRule(t, flatRule("comm-1", "5"))
	f.saveOrder(t, graftOrder("ord-1", "33.33"))

	recs, err := f.calculator.ComputeCommission(context.Background(), "ord-1")
	require.NoError(t, err)
	require.Len(t, recs, 2)

	assert.Equal(t, "1.34", recs[0].CommissionAmount.String())
	assert.Equal(t, "0.33", recs[1].CommissionAmount.String())
	assert.EqualValues(t, 167, recs[0].CommissionAmount.Add(recs[1].CommissionAmount).Cents())
}

func TestCompute_SubRepSplit_ShareOutOfRange_Refused(t *testing.T) {
	// A parent share above 100% would drive the direct record negative.
	// The computation must fail with nothing persisted.
	f := newFixture(t)
	ctx := context.Background()
	saveRep(t, f.mem, "rep-senior", nil, true)
	require.NoError(t, f.mem.SaveRep(ctx, engine.SalesRep{
		ID:                          "rep-junior",
		UserID:                      "user-rep-junior",
		ParentRepID:                 repIDPtr("rep-senior"),
		CommissionRateDirect:        decimal.NewFromInt(5),
		SubRepParentSharePercentage: decimal.NewFromInt(150),
		IsActive:                    true,
	}))
	saveLink(t, f.mem, "link-1", engine.SubjectProvider, "prov-1", "rep-junior")
	f.saveCommissionRule(t, flatRule("comm-1", "5"))
	f.saveOrder(t, graftOrder("ord-1", "1000.00"))

	_, err := f.calculator.ComputeCommission(ctx, "ord-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrArithmeticInconsistency)

	all, err := f.mem.ByOrder(ctx, "ord-1")
	require.NoError(t, err)
	assert.Empty(t, all, "an out-of-range share must not persist records")
}

// =============================================================================
// UNATTRIBUTED AND RULE GAPS
// =============================================================================

func TestCompute_UnattributedOrder_NoRecords_AuditNote(t *testing.T) {
	f := newFixture(t)
	f.saveCommissionRule(t, flatRule("comm-1", "5"))
	f.saveOrder(t, graftOrder("ord-1", "1000.00"))

	recs, err := f.calculator.ComputeCommission(context.Background(), "ord-1")
	require.NoError(t, err, "unattributed is valid, not an error")
	assert.Empty(t, recs)

	orderID := engine.OrderID("ord-1")
	entries, err := f.mem.Query(context.Background(), engine.AuditFilter{OrderID: &orderID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, engine.AuditUnattributed, entries[0].Action)
}

func TestCompute_RuleGap_NoRecords_AuditNote(t *testing.T) {
	f := newFixture(t)
	saveRep(t, f.mem, "rep-1", nil, true)
	saveLink(t, f.mem, "link-1", engine.SubjectProvider, "prov-1", "rep-1")
	f.saveOrder(t, graftOrder("ord-1", "1000.00"))

	recs, err := f.calculator.ComputeCommission(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Empty(t, recs)

	all, err := f.mem.ByOrder(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Empty(t, all, "rule gaps must not create zero-amount records")

	orderID := engine.OrderID("ord-1")
	entries, err := f.mem.Query(context.Background(), engine.AuditFilter{OrderID: &orderID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, engine.AuditRuleGap, entries[0].Action)
}

func TestCompute_Recompute_RuleGap_ReversesPriorRecords(t *testing.T) {
	// GIVEN: An order computed at 5%
	// WHEN: The rule's validity window is corrected to exclude the service
	//       date and the order is recomputed
	// THEN: The active set is empty; the prior record is reversed, not left
	//       standing next to an empty result

	f := newFixture(t)
	ctx := context.Background()
	saveRep(t, f.mem, "rep-1", nil, true)
	saveLink(t, f.mem, "link-1", engine.SubjectProvider, "prov-1", "rep-1")
	f.saveCommissionRule(t, flatRule("comm-1", "5"))
	f.saveOrder(t, graftOrder("ord-1", "1000.00"))

	first, err := f.calculator.ComputeCommission(ctx, "ord-1")
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, "50.00", first[0].CommissionAmount.String())

	corrected := flatRule("comm-1", "5")
	to := time.Date(2025, time.February, 1, 0, 0, 0, 0, time.UTC)
	corrected.ValidTo = &to
	f.saveCommissionRule(t, corrected)

	recs, err := f.calculator.ComputeCommission(ctx, "ord-1")
	require.NoError(t, err)
	assert.Empty(t, recs)

	active, err := f.ledger.ActiveRecords(ctx, "ord-1")
	require.NoError(t, err)
	assert.Empty(t, active, "the active set must equal the latest computation")

	old, err := f.mem.Record(ctx, first[0].ID)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusReversed, old.Status)
	assert.NotNil(t, old.ReversedAt)

	orderID := engine.OrderID("ord-1")
	entries, err := f.mem.Query(ctx, engine.AuditFilter{OrderID: &orderID, Actions: []engine.AuditAction{engine.AuditRuleGap}})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestCompute_Recompute_RepDeactivated_ReversesPriorRecords(t *testing.T) {
	// An order computed under a rep who later goes inactive resolves as
	// unattributed; recomputation must reverse the existing records.
	f := newFixture(t)
	ctx := context.Background()
	saveRep(t, f.mem, "rep-1", nil, true)
	saveLink(t, f.mem, "link-1", engine.SubjectProvider, "prov-1", "rep-1")
	f.saveCommissionRule(t, flatRule("comm-1", "5"))
	f.saveOrder(t, graftOrder("ord-1", "1000.00"))

	first, err := f.calculator.ComputeCommission(ctx, "ord-1")
	require.NoError(t, err)
	require.Len(t, first, 1)

	saveRep(t, f.mem, "rep-1", nil, false)

	recs, err := f.calculator.ComputeCommission(ctx, "ord-1")
	require.NoError(t, err)
	assert.Empty(t, recs)

	active, err := f.ledger.ActiveRecords(ctx, "ord-1")
	require.NoError(t, err)
	assert.Empty(t, active)

	old, err := f.mem.Record(ctx, first[0].ID)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusReversed, old.Status)
}

func TestCompute_UnknownOrder_Error(t *testing.T) {
	f := newFixture(t)

	_, err := f.calculator.ComputeCommission(context.Background(), "ord-missing")
	assert.ErrorIs(t, err, engine.ErrOrderNotFound)
}

func TestCompute_ExpiredRule_TreatedAsGap(t *testing.T) {
	f := newFixture(t)
	saveRep(t, f.mem, "rep-1", nil, true)
	saveLink(t, f.mem, "link-1", engine.SubjectProvider, "prov-1", "rep-1")

	rule := flatRule("comm-1", "5")
	to := time.Date(2025, time.February, 1, 0, 0, 0, 0, time.UTC)
	rule.ValidTo = &to
	f.saveCommissionRule(t, rule)

	// Service date is March 10, after the rule expired.
	f.saveOrder(t, graftOrder("ord-1", "1000.00"))

	recs, err := f.calculator.ComputeCommission(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

// =============================================================================
// IDEMPOTENT RECOMPUTATION
// =============================================================================

func TestCompute_Recompute_ReversesAndReplaces(t *testing.T) {
	// GIVEN: An order computed at 5%
	// WHEN: The rate is corrected to 6% and the order recomputed
	// THEN: The old record is reversed, one new active record exists

	f := newFixture(t)
	ctx := context.Background()
	saveRep(t, f.mem, "rep-1", nil, true)
	saveLink(t, f.mem, "link-1", engine.SubjectProvider, "prov-1", "rep-1")
	f.saveCommissionRule(t, flatRule("comm-1", "5"))
	f.saveOrder(t, graftOrder("ord-1", "1000.00"))

	first, err := f.calculator.ComputeCommission(ctx, "ord-1")
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, "50.00", first[0].CommissionAmount.String())

	f.saveCommissionRule(t, flatRule("comm-1", "6"))

	second, err := f.calculator.ComputeCommission(ctx, "ord-1")
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, "60.00", second[0].CommissionAmount.String())

	// One active record; the original is reversed, not deleted.
	active, err := f.ledger.ActiveRecords(ctx, "ord-1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "60.00", active[0].CommissionAmount.String())

	all, err := f.mem.ByOrder(ctx, "ord-1")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	old, err := f.mem.Record(ctx, first[0].ID)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusReversed, old.Status)
	assert.NotNil(t, old.ReversedAt)
}

func TestCompute_Recompute_PaidRecord_Refused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	saveRep(t, f.mem, "rep-1", nil, true)
	saveLink(t, f.mem, "link-1", engine.SubjectProvider, "prov-1", "rep-1")
	f.saveCommissionRule(t, flatRule("comm-1", "5"))
	f.saveOrder(t, graftOrder("ord-1", "1000.00"))

	recs, err := f.calculator.ComputeCommission(ctx, "ord-1")
	require.NoError(t, err)
	require.Len(t, recs, 1)

	_, err = f.ledger.Transition(ctx, recs[0].ID, engine.ActionApprove, "admin")
	require.NoError(t, err)
	_, err = f.ledger.Transition(ctx, recs[0].ID, engine.ActionPay, "finance")
	require.NoError(t, err)

	// Recomputing would have to reverse a paid record; that is refused.
	_, err = f.calculator.ComputeCommission(ctx, "ord-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrInvalidTransition)
}

func TestCompute_ConcurrentRecomputes_OneActiveSet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	saveRep(t, f.mem, "rep-1", nil, true)
	saveLink(t, f.mem, "link-1", engine.SubjectProvider, "prov-1", "rep-1")
	f.saveCommissionRule(t, flatRule("comm-1", "5"))
	f.saveOrder(t, graftOrder("ord-1", "1000.00"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.calculator.ComputeCommission(ctx, "ord-1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	active, err := f.ledger.ActiveRecords(ctx, "ord-1")
	require.NoError(t, err)
	require.Len(t, active, 1, "per-order serialization must leave exactly one active record")
	assert.Equal(t, "50.00", active[0].CommissionAmount.String())
}
