package tally

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for common failure scenarios.
var (
	// General errors
	ErrNotFound      = errors.New("tally: not found")
	ErrAlreadyExists = errors.New("tally: already exists")
	ErrInvalidInput  = errors.New("tally: invalid input")

	// Catalog errors
	ErrPlanNotFound     = errors.New("tally: plan not found")
	ErrPlanArchived     = errors.New("tally: plan is archived")
	ErrFeatureNotFound  = errors.New("tally: feature not found")
	ErrDuplicateFeature = errors.New("tally: duplicate feature code")
	ErrUnknownProduct   = errors.New("tally: no plan for product")
	ErrNoFreePlan       = errors.New("tally: no free plan configured")

	// Subscription errors
	ErrSubscriptionNotFound = errors.New("tally: subscription not found")
	ErrNoActiveSubscription = errors.New("tally: no active subscription")
	ErrActiveExists         = errors.New("tally: user already has an active subscription")
	ErrInvalidTransition    = errors.New("tally: invalid subscription transition")
	ErrNotReactivatable     = errors.New("tally: subscription cannot be reactivated")

	// Usage errors
	ErrUsageNotFound = errors.New("tally: usage record not found")

	// Webhook errors
	ErrDeliveryNotFound = errors.New("tally: webhook delivery not found")

	// Store errors
	ErrStoreNotReady     = errors.New("tally: store not ready")
	ErrStoreClosed       = errors.New("tally: store is closed")
	ErrTransactionFailed = errors.New("tally: transaction failed")
	ErrMigrationFailed   = errors.New("tally: migration failed")
)

// ValidationError represents a validation failure with details.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("tally: validation failed for %s: %s", e.Field, e.Message)
}

// MultiError represents multiple errors that occurred.
type MultiError struct {
	Errors []error
}

func (e MultiError) Error() string {
	if len(e.Errors) == 0 {
		return "tally: no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("tally: %d errors occurred", len(e.Errors))
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (e MultiError) Unwrap() []error { return e.Errors }

// Add adds an error to the multi-error.
func (e *MultiError) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

// HasErrors returns true if there are any errors.
func (e MultiError) HasErrors() bool {
	return len(e.Errors) > 0
}

// First returns the first error or nil.
func (e MultiError) First() error {
	if len(e.Errors) > 0 {
		return e.Errors[0]
	}
	return nil
}

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrPlanNotFound) ||
		errors.Is(err, ErrSubscriptionNotFound) ||
		errors.Is(err, ErrFeatureNotFound) ||
		errors.Is(err, ErrUsageNotFound) ||
		errors.Is(err, ErrDeliveryNotFound)
}

// IsConflict returns true if the error reports a uniqueness violation.
func IsConflict(err error) bool {
	return errors.Is(err, ErrAlreadyExists) ||
		errors.Is(err, ErrActiveExists) ||
		errors.Is(err, ErrDuplicateFeature)
}

// IsRetryable returns true if the error is temporary and the operation can be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreNotReady) ||
		errors.Is(err, ErrTransactionFailed) ||
		errors.Is(err, context.DeadlineExceeded)
}
