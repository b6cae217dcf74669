/*
calculator.go - Commission computation and splitting

PURPOSE:
  Turns a finalized order plus its resolved attribution chain into the set
  of commission records to persist: rule resolution, rate application
  (flat or tiered-marginal), and the sub-rep/parent split.

COMPUTATION FLOW:
  1. Load the order; resolve the earning chain as of its service date
  2. Resolve the applicable commission rule (product -> manufacturer ->
     category -> facility, first match wins)
  3. Apply the rule's rate schedule to the base amount
  4. Split between direct earner and parent when the chain has one
  5. Reverse any prior non-reversed records and persist the new batch

GRANULARITY:
  Order-level (default): one rule, base = order total.
  Line-level: each line resolves its own rule and contributes its line
  total; contributions aggregate into one record per earning party so the
  one-active-record-per-(order,rep) invariant holds.

NUMERIC POLICY:
  All arithmetic is decimal at cent precision. The parent's share rounds
  DOWN to the cent and the direct earner takes the remainder, so the two
  records always sum exactly to the computed commission. A failed
  reconciliation aborts the computation with nothing persisted.

IDEMPOTENCE:
  Recomputation for an order first reverses the existing active records
  (audited reversals, not deletes), then inserts the fresh batch. Calls
  for the same order are serialized by a per-order lock; different orders
  proceed in parallel.

SEE ALSO:
  - rules.go: Rate schedules and their validation
  - attribution.go: Chain resolution
  - ledger.go: Reverse-and-replace persistence
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Granularity selects the computation unit for rule matching.
type Granularity string

const (
	// GranularityOrder matches one rule for the whole order.
	GranularityOrder Granularity = "order"

	// GranularityLine matches a rule per line item and aggregates.
	GranularityLine Granularity = "line"
)

// Calculator computes and persists commission for finalized orders.
type Calculator struct {
	Orders      OrderReader
	Rules       RuleStore
	Attribution *AttributionResolver
	Ledger      *Ledger

	// Granularity defaults to GranularityOrder when empty.
	Granularity Granularity

	// Log receives rule-gap and unattributed-order notices. Nil uses the
	// standard logger.
	Log *log.Logger

	locks keyedMutex
}

func NewCalculator(orders OrderReader, rules RuleStore, attribution *AttributionResolver, ledger *Ledger) *Calculator {
	return &Calculator{
		Orders:      orders,
		Rules:       rules,
		Attribution: attribution,
		Ledger:      ledger,
		Granularity: GranularityOrder,
	}
}

// ComputeCommission computes and persists the commission records for an
// order. Idempotent: safe to call repeatedly, including after rule
// corrections; prior active records are reversed, never duplicated.
// Returns the newly created records (empty for unattributed orders and
// rule gaps).
func (c *Calculator) ComputeCommission(ctx context.Context, orderID OrderID) ([]CommissionRecord, error) {
	// Serialize per order: the read-compute-write sequence for one order is
	// a single logical transaction.
	unlock := c.locks.lock(string(orderID))
	defer unlock()

	order, err := c.Orders.Order(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, fmt.Errorf("order %s: %w", orderID, ErrOrderNotFound)
	}

	chain, err := c.Attribution.Resolve(ctx, order.ID, order.ProviderID, order.FacilityID, order.ServiceDate)
	if err != nil {
		return nil, err
	}
	if chain == nil {
		// House account or otherwise unattributed: valid, no commission.
		// Prior records (from before a link expired or a rep went inactive)
		// are reversed so the active set tracks the latest computation.
		c.logf("order %s unattributed, skipping commission", orderID)
		if err := c.Ledger.Replace(ctx, orderID, nil); err != nil {
			return nil, err
		}
		if err := c.Ledger.NoteUnattributed(ctx, orderID); err != nil {
			return nil, err
		}
		return nil, nil
	}

	matched, err := c.computeUnits(ctx, order)
	if errors.Is(err, ErrNoRuleMatched) {
		// Rule gap: the active set must still track the latest computation,
		// so any prior records are reversed before the gap is noted for
		// manual review. The note also keeps the sweep from re-processing
		// the order every tick; a rule correction needs a human, not a retry.
		c.logf("no commission rule matched order %s, flagging gap", orderID)
		if err := c.Ledger.Replace(ctx, orderID, nil); err != nil {
			return nil, err
		}
		if err := c.Ledger.NoteRuleGap(ctx, orderID); err != nil {
			return nil, err
		}
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	records, err := c.buildRecords(ctx, order, chain, matched)
	if err != nil {
		return nil, err
	}

	if err := c.Ledger.Replace(ctx, orderID, records); err != nil {
		return nil, err
	}
	return records, nil
}

// ruleApplication is one (rule, base, amount) contribution to an order's
// commission. Order granularity yields exactly one; line granularity one
// per matched line.
type ruleApplication struct {
	Rule   CommissionRule
	Base   Money
	Amount Money
}

func (c *Calculator) computeUnits(ctx context.Context, order *Order) ([]ruleApplication, error) {
	if c.granularity() == GranularityLine && len(order.LineItems) > 0 {
		var apps []ruleApplication
		for _, item := range order.LineItems {
			rule, err := c.resolveLineRule(ctx, order, item)
			if err != nil {
				return nil, err
			}
			if rule == nil {
				c.logf("no commission rule for order %s product %s", order.ID, item.ProductID)
				continue
			}
			apps = append(apps, ruleApplication{
				Rule:   *rule,
				Base:   item.LineTotal,
				Amount: rule.AmountFor(item.LineTotal),
			})
		}
		if len(apps) == 0 {
			return nil, fmt.Errorf("order %s: %w", order.ID, ErrNoRuleMatched)
		}
		return apps, nil
	}

	rule, err := c.resolveOrderRule(ctx, order)
	if err != nil {
		return nil, err
	}
	if rule == nil {
		return nil, fmt.Errorf("order %s: %w", order.ID, ErrNoRuleMatched)
	}
	return []ruleApplication{{
		Rule:   *rule,
		Base:   order.TotalValue,
		Amount: rule.AmountFor(order.TotalValue),
	}}, nil
}

// resolveLineRule tries the precedence chain for a single line item.
func (c *Calculator) resolveLineRule(ctx context.Context, order *Order, item LineItem) (*CommissionRule, error) {
	candidates := []struct {
		target TargetType
		id     string
	}{
		{TargetProduct, item.ProductID},
		{TargetManufacturer, item.ManufacturerID},
		{TargetCategory, item.Category},
		{TargetFacility, string(order.FacilityID)},
	}
	for _, cand := range candidates {
		if cand.id == "" {
			continue
		}
		rule, err := c.Rules.CommissionRule(ctx, cand.target, cand.id, order.ServiceDate)
		if err != nil {
			return nil, err
		}
		if rule != nil {
			return rule, nil
		}
	}
	return nil, nil
}

// resolveOrderRule tries the precedence chain for the order as a whole:
// within each target type, any line item's identifier can match before
// resolution falls through to the next, less specific type.
func (c *Calculator) resolveOrderRule(ctx context.Context, order *Order) (*CommissionRule, error) {
	idsFor := func(target TargetType) []string {
		seen := map[string]bool{}
		var ids []string
		add := func(id string) {
			if id != "" && !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
		switch target {
		case TargetProduct:
			for _, li := range order.LineItems {
				add(li.ProductID)
			}
		case TargetManufacturer:
			for _, li := range order.LineItems {
				add(li.ManufacturerID)
			}
		case TargetCategory:
			for _, li := range order.LineItems {
				add(li.Category)
			}
		case TargetFacility:
			add(string(order.FacilityID))
		}
		return ids
	}

	for _, target := range TargetPrecedence {
		for _, id := range idsFor(target) {
			rule, err := c.Rules.CommissionRule(ctx, target, id, order.ServiceDate)
			if err != nil {
				return nil, err
			}
			if rule != nil {
				return rule, nil
			}
		}
	}
	return nil, nil
}

// buildRecords aggregates the rule applications and splits the total
// between the direct earner and, when present, the parent rep.
func (c *Calculator) buildRecords(ctx context.Context, order *Order, chain *Chain, apps []ruleApplication) ([]CommissionRecord, error) {
	base := ZeroMoney()
	total := ZeroMoney()
	var ruleIDs []string
	for _, app := range apps {
		base = base.Add(app.Base)
		total = total.Add(app.Amount)
		ruleIDs = append(ruleIDs, string(app.Rule.ID))
	}
	total = total.RoundCents()

	// The record references the highest-precedence matched rule; line
	// granularity keeps the full rule list in metadata.
	primaryRule := apps[0].Rule.ID
	meta := map[string]string{}
	if len(apps) > 1 {
		meta["rule_ids"] = strings.Join(ruleIDs, ",")
	}

	now := time.Now().UTC()
	newRecord := func(repID RepID, parent *RepID, amount Money, split SplitType) CommissionRecord {
		return CommissionRecord{
			ID:               RecordID(uuid.NewString()),
			OrderID:          order.ID,
			RepID:            repID,
			ParentRepID:      parent,
			RuleID:           primaryRule,
			BaseAmount:       base,
			CommissionAmount: amount,
			SplitType:        split,
			Status:           StatusPending,
			CreatedAt:        now,
			Metadata:         meta,
		}
	}

	if chain.ParentRepID == nil {
		return []CommissionRecord{newRecord(chain.RepID, nil, total, SplitDirect)}, nil
	}

	rep, err := c.Attribution.Reps.Rep(ctx, chain.RepID)
	if err != nil {
		return nil, err
	}
	if rep == nil {
		return nil, fmt.Errorf("rep %s: %w", chain.RepID, ErrRepNotFound)
	}

	// The share percentage is the PARENT's cut of the sub-rep's commission.
	// Parent rounds down; the direct earner keeps the rounding remainder.
	// A share outside [0, 100] would drive the direct amount negative, so
	// it aborts the computation instead of persisting drifted records.
	share := rep.SubRepParentSharePercentage
	if !validPercentage(share) {
		return nil, fmt.Errorf("rep %s: parent share %s outside [0, 100]: %w",
			rep.ID, share.String(), ErrArithmeticInconsistency)
	}
	parentAmount := total.Mul(share).Div(decimal.NewFromInt(100)).RoundDownCents()
	directAmount := total.Sub(parentAmount)

	if !directAmount.Add(parentAmount).Equal(total) {
		return nil, &ReconciliationError{
			OrderID:  order.ID,
			Expected: total,
			Actual:   directAmount.Add(parentAmount),
		}
	}

	subRepID := chain.RepID
	return []CommissionRecord{
		newRecord(chain.RepID, nil, directAmount, SplitDirect),
		newRecord(*chain.ParentRepID, &subRepID, parentAmount, SplitParentShare),
	}, nil
}

func (c *Calculator) granularity() Granularity {
	if c.Granularity == "" {
		return GranularityOrder
	}
	return c.Granularity
}

func (c *Calculator) logf(format string, args ...any) {
	if c.Log != nil {
		c.Log.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}
