package apperr

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestKindOfFollowsWrappedChain(t *testing.T) {
	resetAt := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "nil", err: nil, want: ""},
		{name: "duplicate", err: New("engagement.record_request", "duplicate", ErrDuplicateEntry), want: KindDuplicateEntry},
		{name: "rate-limit", err: New("ratelimit.check", "exceeded", &RateLimitError{LimitKind: "daily", Limit: 5, ResetAt: resetAt}), want: KindRateLimitExceeded},
		{name: "wrapped", err: fmt.Errorf("outer: %w", Wrap(ErrUnauthorized, "missing %s", "notes:write")), want: KindUnauthorized},
		{name: "permanent", err: ErrDeliveryPermanentlyFailed, want: KindDeliveryPermanentlyFailed},
		{name: "internal", err: errors.New("boom"), want: KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestRateLimitErrorExposesResetAt(t *testing.T) {
	resetAt := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	err := New("ratelimit.check", "exceeded", &RateLimitError{LimitKind: "daily", Limit: 5, ResetAt: resetAt})
	var limitErr *RateLimitError
	if !errors.As(err, &limitErr) {
		t.Fatalf("expected rate limit error in chain")
	}
	if !limitErr.ResetAt.Equal(resetAt) {
		t.Fatalf("unexpected reset time %s", limitErr.ResetAt)
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "ratelimit.check.exceeded" {
		t.Fatalf("unexpected service error %#v", serviceErr)
	}
}
