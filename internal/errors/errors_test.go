package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestEngineErrorIsTaxonomy(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{name: "identity", err: IdentityUnavailable("restore_session", "sess", errors.New("boom")), target: ErrIdentityUnavailable, want: true},
		{name: "lookup", err: LookupFailed("refresh", "u1", errors.New("boom")), target: ErrEntitlementLookupFailed, want: true},
		{name: "lookup_is_not_identity", err: LookupFailed("refresh", "u1", errors.New("boom")), target: ErrIdentityUnavailable, want: false},
		{name: "malformed", err: MalformedServiceIDs("u1", []string{"x"}), target: ErrMalformedServiceIDList, want: true},
		{name: "malformed_wraps_invalid_input", err: MalformedServiceIDs("u1", []string{"x"}), target: ErrInvalidInput, want: true},
		{name: "wrapped_underlying", err: LookupFailed("refresh", "u1", ErrTimeout), target: ErrTimeout, want: true},
		{name: "nil_target", err: LookupFailed("refresh", "u1", ErrTimeout), target: nil, want: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := errors.Is(tt.err, tt.target); got != tt.want {
				t.Fatalf("errors.Is(%v, %v) = %v, want %v", tt.err, tt.target, got, tt.want)
			}
		})
	}
}

func TestEngineErrorMessage(t *testing.T) {
	err := LookupFailed("refresh", "u1", errors.New("db down"))
	if got := err.Error(); got != "refresh failed for u1: db down" {
		t.Fatalf("Error() = %q", got)
	}

	err = New(KindConfig, "load", "", errors.New("missing"))
	if got := err.Error(); got != "load failed: missing" {
		t.Fatalf("Error() = %q", got)
	}
}

func TestRetryable(t *testing.T) {
	if !IsRetryableError(LookupFailed("refresh", "u1", errors.New("db down"))) {
		t.Fatal("lookup failures should be retryable")
	}
	if IsRetryableError(MalformedServiceIDs("u1", []string{"x"})) {
		t.Fatal("malformed ids are not retryable")
	}
	if IsRetryableError(LookupFailed("refresh", "u1", ErrForbidden)) {
		t.Fatal("forbidden lookups are not retryable")
	}
	if !IsRetryableError(fmt.Errorf("wrapped: %w", ErrTimeout)) {
		t.Fatal("timeouts are retryable")
	}
}

func TestKindOf(t *testing.T) {
	err := fmt.Errorf("outer: %w", IdentityUnavailable("restore_session", "", errors.New("x")))
	kind, ok := KindOf(err)
	if !ok || kind != KindIdentityUnavailable {
		t.Fatalf("KindOf = %q, %v", kind, ok)
	}
	if _, ok := KindOf(errors.New("plain")); ok {
		t.Fatal("plain errors have no kind")
	}
}

func TestIsAuthError(t *testing.T) {
	if IsAuthError(nil) {
		t.Fatal("nil is not an auth error")
	}
	if !IsAuthError(IdentityUnavailable("restore_session", "", errors.New("x"))) {
		t.Fatal("identity unavailable is an auth error")
	}
	if !IsAuthError(errors.New("oauth2: invalid_grant")) {
		t.Fatal("invalid_grant is an auth error")
	}
	if IsAuthError(errors.New("disk full")) {
		t.Fatal("unexpected auth classification")
	}
}
