package apperr

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDuplicateEntry reports a repeated request or rating for the same pair.
	ErrDuplicateEntry = errors.New("duplicate entry")
	// ErrRateLimitExceeded reports an exhausted quota for the current window.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	// ErrInvalidStateTransition reports a transition the state machine does not allow.
	ErrInvalidStateTransition = errors.New("invalid state transition")
	// ErrUnauthorized reports a caller lacking the required scope.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrDeliveryFailed reports a transient notification delivery failure.
	ErrDeliveryFailed = errors.New("delivery failed")
	// ErrDeliveryPermanentlyFailed reports a notification that exhausted its attempts.
	ErrDeliveryPermanentlyFailed = errors.New("delivery permanently failed")
	// ErrNotFound reports a missing row.
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput reports malformed caller input.
	ErrInvalidInput = errors.New("invalid input")
)

// Kind classifies errors for transports and callers.
type Kind string

const (
	KindDuplicateEntry            Kind = "duplicate_entry"
	KindRateLimitExceeded         Kind = "rate_limit_exceeded"
	KindInvalidStateTransition    Kind = "invalid_state_transition"
	KindUnauthorized              Kind = "unauthorized"
	KindDeliveryFailed            Kind = "delivery_failed"
	KindDeliveryPermanentlyFailed Kind = "delivery_permanently_failed"
	KindNotFound                  Kind = "not_found"
	KindInvalidInput              Kind = "invalid_input"
	KindInternal                  Kind = "internal"
)

var kindOrder = []struct {
	sentinel error
	kind     Kind
}{
	{ErrDuplicateEntry, KindDuplicateEntry},
	{ErrRateLimitExceeded, KindRateLimitExceeded},
	{ErrInvalidStateTransition, KindInvalidStateTransition},
	{ErrUnauthorized, KindUnauthorized},
	{ErrDeliveryPermanentlyFailed, KindDeliveryPermanentlyFailed},
	{ErrDeliveryFailed, KindDeliveryFailed},
	{ErrNotFound, KindNotFound},
	{ErrInvalidInput, KindInvalidInput},
}

// KindOf returns the kind of the first sentinel found in the error chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, candidate := range kindOrder {
		if errors.Is(err, candidate.sentinel) {
			return candidate.kind
		}
	}
	return KindInternal
}

// RateLimitError carries the retry timing of a rejected quota check.
type RateLimitError struct {
	LimitKind string
	Limit     int
	ResetAt   time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: %s limit %d, resets at %s", ErrRateLimitExceeded, e.LimitKind, e.Limit, e.ResetAt.UTC().Format(time.RFC3339))
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimitExceeded
}

// ServiceError wraps a cause with an "operation.reason" code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

// New builds a ServiceError for the operation and reason.
func New(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Wrap annotates a sentinel kind with detail while keeping it matchable.
func Wrap(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}
