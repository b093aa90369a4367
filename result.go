package tally

import (
	"errors"

	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/webhook"
)

// ResultKind tells the caller what to do with a failed operation.
type ResultKind int

const (
	// ResultOk means the operation completed or was safely skipped.
	ResultOk ResultKind = iota
	// ResultRetryable means the same input may succeed later.
	ResultRetryable
	// ResultFatal means the input will never succeed and must not be retried.
	ResultFatal
)

func (k ResultKind) String() string {
	switch k {
	case ResultRetryable:
		return "retryable"
	case ResultFatal:
		return "fatal"
	default:
		return "ok"
	}
}

// Result is the explicit outcome of a webhook or usage operation.
type Result struct {
	Kind ResultKind
	Err  error
}

// Ok returns a successful result.
func Ok() Result { return Result{Kind: ResultOk} }

// Retryable wraps a transient failure.
func Retryable(err error) Result { return Result{Kind: ResultRetryable, Err: err} }

// Fatal wraps a permanent failure.
func Fatal(err error) Result { return Result{Kind: ResultFatal, Err: err} }

// IsOk reports whether the result is ResultOk.
func (r Result) IsOk() bool { return r.Kind == ResultOk }

// Classify maps err onto a Result. Bad input and missing configuration are
// fatal; every other error is treated as a transient store fault.
func Classify(err error) Result {
	if err == nil {
		return Ok()
	}

	var verr ValidationError
	var perr *plan.InvalidError
	switch {
	case errors.Is(err, webhook.ErrMalformed),
		errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrUnknownProduct),
		errors.Is(err, ErrNoFreePlan),
		errors.Is(err, ErrNoActiveSubscription),
		errors.Is(err, ErrNotReactivatable),
		errors.As(err, &verr),
		errors.As(err, &perr),
		IsNotFound(err):
		return Fatal(err)
	default:
		return Retryable(err)
	}
}

// Outcome reports what handling a webhook delivery did.
type Outcome struct {
	Result
	DeliveryID   string
	Type         webhook.Kind
	Subscription *subscription.Subscription
	// Ignored is set for event types that carry no state change.
	Ignored bool
	// Duplicate is set when the delivery was already processed.
	Duplicate bool
}
