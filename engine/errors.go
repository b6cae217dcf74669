/*
errors.go - Centralized error types for the commission engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers match with errors.Is / errors.As; structured errors carry the
  context needed for logging and API responses.

ERROR CATEGORIES:
  1. Resolution outcomes   - no rule matched, no attribution (often benign)
  2. Structural violations - invalid transition, arithmetic inconsistency
  3. Data-quality failures - malformed rules, attribution cycles

PROPAGATION POLICY (matches the component design):
  Data-quality anomalies such as conflicting eligibility rules are resolved
  deterministically and logged, never returned to the caller. Structural
  violations are surfaced as explicit failures so the caller can retry or
  alert.

SEE ALSO:
  - ledger.go: InvalidTransitionError
  - calculator.go: ReconciliationError
  - attribution.go: AttributionCycleError
*/
package engine

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNoRuleMatched is returned when no commission rule applies to any
	// computation unit of an order. Eligibility never returns this; it
	// produces a no_coverage verdict instead.
	ErrNoRuleMatched = errors.New("no rule matched")

	// ErrInvalidTransition is returned when an illegal status transition is
	// requested. The record is left unchanged.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrAttributionCycle is returned when the parentRepId chain contains a
	// cycle. The resolver fails fast rather than looping.
	ErrAttributionCycle = errors.New("attribution cycle detected")

	// ErrArithmeticInconsistency is returned when split amounts fail to
	// reconcile to the base commission within a cent. Nothing is persisted.
	ErrArithmeticInconsistency = errors.New("split amounts do not reconcile")

	// ErrInvalidRule is returned when a rule fails load-time validation.
	ErrInvalidRule = errors.New("invalid rule")

	// ErrOrderNotFound is returned when the order reader has no such order.
	ErrOrderNotFound = errors.New("order not found")

	// ErrRecordNotFound is returned when a commission record doesn't exist.
	ErrRecordNotFound = errors.New("commission record not found")

	// ErrRepNotFound is returned when an attribution link references a rep
	// that doesn't exist.
	ErrRepNotFound = errors.New("sales rep not found")

	// ErrConcurrentModification is returned when the conditional status
	// update detects a concurrent writer.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InvalidTransitionError reports an illegal state machine transition.
type InvalidTransitionError struct {
	RecordID RecordID
	From     RecordStatus
	Action   TransitionAction
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: cannot %s record %s in status %s",
		e.Action, e.RecordID, e.From)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// AttributionCycleError reports a corrupted parent chain.
type AttributionCycleError struct {
	StartRepID RepID
	RepeatedID RepID
	Visited    []RepID
}

func (e *AttributionCycleError) Error() string {
	return fmt.Sprintf("attribution cycle: rep %s reachable twice from %s (chain %v)",
		e.RepeatedID, e.StartRepID, e.Visited)
}

func (e *AttributionCycleError) Unwrap() error { return ErrAttributionCycle }

// ReconciliationError reports that split amounts drifted from the total.
// Silent financial drift is unacceptable, so this aborts the computation.
type ReconciliationError struct {
	OrderID  OrderID
	Expected Money
	Actual   Money
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("reconciliation failed for order %s: expected %s, split sums to %s",
		e.OrderID, e.Expected, e.Actual)
}

func (e *ReconciliationError) Unwrap() error { return ErrArithmeticInconsistency }

// RuleValidationError reports a malformed rule rejected at load time.
type RuleValidationError struct {
	RuleID RuleID
	Reason string
}

func (e *RuleValidationError) Error() string {
	return fmt.Sprintf("rule %s rejected: %s", e.RuleID, e.Reason)
}

func (e *RuleValidationError) Unwrap() error { return ErrInvalidRule }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to an invalid request
// rather than an engine failure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrInvalidRule)
}

// IsNotFound returns true if the error indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrOrderNotFound) ||
		errors.Is(err, ErrRecordNotFound) ||
		errors.Is(err, ErrRepNotFound)
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}
