package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation marks malformed node input. Never retried; the run
	// escalates to error immediately and is flagged for review.
	ErrValidation = errors.New("validation error")
	// ErrToolInvocation marks a transient external tool failure. Retried at
	// the node level up to the node's attempt bound.
	ErrToolInvocation = errors.New("tool invocation error")
	// ErrTimeout marks a node that exceeded its declared maximum duration.
	// Treated identically to a tool invocation failure.
	ErrTimeout = errors.New("timeout")
	// ErrRetryBudgetExceeded marks a resume rejected because the run's
	// overall attempt budget is spent. The run stays permanently in error.
	ErrRetryBudgetExceeded = errors.New("retry budget exceeded")
	// ErrConcurrencyConflict marks a lease already held by another worker.
	// The operation is rejected with no state change.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrInvalidState marks a control operation applied to a run whose
	// status does not permit it.
	ErrInvalidState = errors.New("invalid state")
	// ErrPersistence marks a failed checkpoint write. Always fatal for the
	// current attempt; the run must not proceed past a failed checkpoint.
	ErrPersistence = errors.New("persistence error")
	// ErrNotFound marks a missing run or record.
	ErrNotFound = errors.New("not found")
	// ErrConfiguration marks invalid or missing configuration.
	ErrConfiguration = errors.New("configuration error")
)

// Wrap builds an error message that includes node context while tagging it
// with the provided marker for later classification. The marker should be
// one of the exported sentinel errors above.
func Wrap(marker error, node, operation, message string, err error) error {
	detail := buildDetail(node, operation, message)
	if marker == nil {
		marker = ErrToolInvocation
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Retryable reports whether a node failure should be retried at the node
// level. Validation errors escalate immediately; everything else is
// considered transient within the node's attempt bound.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrValidation) && !errors.Is(err, ErrPersistence) && !errors.Is(err, ErrConfiguration)
}

// NeedsReview reports whether a run failure should be flagged for manual
// review rather than automated retry.
func NeedsReview(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrConfiguration) || errors.Is(err, ErrRetryBudgetExceeded)
}

func buildDetail(node, operation, message string) string {
	parts := make([]string, 0, 3)
	if node = strings.TrimSpace(node); node != "" {
		parts = append(parts, node)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
