/*
attribution.go - Resolving the earning rep chain for an order

PURPOSE:
  Determines who earns commission on an order: the directly attributed rep
  and, for sub-rep arrangements, that rep's parent. Attribution is resolved
  as of the order's service date, so links added or ended later do not
  change who earned on a historical order.

LOOKUP PRECEDENCE:
  1. Explicit per-order override (short-circuits everything)
  2. The provider's active attribution link
  3. The facility's active attribution link

UNATTRIBUTED ORDERS:
  No link anywhere is a valid outcome, not an error. House accounts have no
  rep; the calculator skips commission creation for them.

CYCLE SAFETY:
  The parent chain is walked with an explicit visited set and a depth bound.
  A corrupted parentRepId cycle fails fast with AttributionCycleError
  instead of looping. The current data model keeps chains at depth <= 2 but
  the walk does not assume that.

SEE ALSO:
  - types.go: SalesRep, AttributionLink, Chain
  - calculator.go: Consumes the resolved chain
*/
package engine

import (
	"context"
	"fmt"
	"time"
)

// maxParentDepth bounds the parent walk. Well-formed data never comes close;
// the bound exists so a corrupted forest cannot stall the engine even if the
// visited set were defeated by distinct-but-endless IDs.
const maxParentDepth = 16

// AttributionResolver determines the earning chain for an order context.
type AttributionResolver struct {
	Reps RepStore
}

func NewAttributionResolver(reps RepStore) *AttributionResolver {
	return &AttributionResolver{Reps: reps}
}

// Resolve returns the earning chain for the order, or nil when the order is
// unattributed. asOf is the order's service date.
func (ar *AttributionResolver) Resolve(ctx context.Context, orderID OrderID, providerID ProviderID, facilityID FacilityID, asOf time.Time) (*Chain, error) {
	link, err := ar.findLink(ctx, orderID, providerID, facilityID, asOf)
	if err != nil {
		return nil, err
	}
	if link == nil {
		return nil, nil
	}

	rep, err := ar.Reps.Rep(ctx, link.RepID)
	if err != nil {
		return nil, err
	}
	if rep == nil {
		return nil, fmt.Errorf("attribution link %s: %w", link.ID, ErrRepNotFound)
	}
	if !rep.IsActive {
		// A deactivated rep no longer earns; treat as unattributed.
		return nil, nil
	}

	if err := ar.checkParentChain(ctx, rep); err != nil {
		return nil, err
	}

	chain := &Chain{RepID: rep.ID}
	if rep.ParentRepID != nil {
		parent, err := ar.Reps.Rep(ctx, *rep.ParentRepID)
		if err != nil {
			return nil, err
		}
		// Only an existing, active parent participates in the split.
		if parent != nil && parent.IsActive {
			id := parent.ID
			chain.ParentRepID = &id
		}
	}
	return chain, nil
}

func (ar *AttributionResolver) findLink(ctx context.Context, orderID OrderID, providerID ProviderID, facilityID FacilityID, asOf time.Time) (*AttributionLink, error) {
	if override, err := ar.Reps.OrderOverride(ctx, orderID); err != nil {
		return nil, err
	} else if override != nil {
		return override, nil
	}

	if providerID != "" {
		link, err := ar.Reps.ActiveProviderLink(ctx, providerID, asOf)
		if err != nil {
			return nil, err
		}
		if link != nil {
			return link, nil
		}
	}

	if facilityID != "" {
		return ar.Reps.ActiveFacilityLink(ctx, facilityID, asOf)
	}
	return nil, nil
}

// checkParentChain walks the full parent chain with a visited set, failing
// fast on cycles or runaway depth before any commission is computed.
func (ar *AttributionResolver) checkParentChain(ctx context.Context, start *SalesRep) error {
	visited := map[RepID]bool{start.ID: true}
	order := []RepID{start.ID}

	current := start
	for depth := 0; current.ParentRepID != nil; depth++ {
		if depth >= maxParentDepth {
			return &AttributionCycleError{StartRepID: start.ID, RepeatedID: *current.ParentRepID, Visited: order}
		}

		next := *current.ParentRepID
		if visited[next] {
			return &AttributionCycleError{StartRepID: start.ID, RepeatedID: next, Visited: order}
		}
		visited[next] = true
		order = append(order, next)

		parent, err := ar.Reps.Rep(ctx, next)
		if err != nil {
			return err
		}
		if parent == nil {
			// Dangling parent pointer: the chain ends here. The direct rep
			// still earns in full.
			return nil
		}
		current = parent
	}
	return nil
}
