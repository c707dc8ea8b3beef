package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Base error types
var (
	ErrNotFound         = errors.New("not found")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrForbidden        = errors.New("forbidden")
	ErrTimeout          = errors.New("timeout")
	ErrInvalidInput     = errors.New("invalid input")
	ErrConnectionFailed = errors.New("connection failed")
	ErrInternalError    = errors.New("internal error")
)

// Kind classifies a failure inside the entitlement engine. Every kind has a
// conservative fallback: anonymous identity, empty entitlement, or a
// filtered service list.
type Kind string

const (
	KindIdentityUnavailable     Kind = "identity_unavailable"
	KindEntitlementLookupFailed Kind = "entitlement_lookup_failed"
	KindMalformedServiceIDList  Kind = "malformed_service_id_list"
	KindSignOutFailed           Kind = "sign_out_failed"
	KindStore                   Kind = "store"
	KindConfig                  Kind = "config"
)

// Taxonomy sentinels for errors.Is checks.
var (
	ErrIdentityUnavailable     = errors.New("identity unavailable")
	ErrEntitlementLookupFailed = errors.New("entitlement lookup failed")
	ErrMalformedServiceIDList  = errors.New("malformed service id list")
)

// EngineError is a structured error for identity and entitlement operations
type EngineError struct {
	Kind      Kind
	Op        string // Operation that failed (e.g., "refresh", "restore_session")
	Key       string // Owner key or session the operation ran for
	Err       error  // Underlying error
	Timestamp time.Time
	Retryable bool
}

func (e *EngineError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s failed for %s: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *EngineError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrIdentityUnavailable:
		return e.Kind == KindIdentityUnavailable
	case ErrEntitlementLookupFailed:
		return e.Kind == KindEntitlementLookupFailed
	case ErrMalformedServiceIDList:
		return e.Kind == KindMalformedServiceIDList
	}

	return errors.Is(e.Err, target)
}

// New creates a new EngineError
func New(kind Kind, op, key string, err error) *EngineError {
	return &EngineError{
		Kind:      kind,
		Op:        op,
		Key:       key,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: isRetryable(kind, err),
	}
}

// isRetryable determines if a manual retry can change the outcome
func isRetryable(kind Kind, err error) bool {
	switch kind {
	case KindIdentityUnavailable, KindEntitlementLookupFailed, KindSignOutFailed:
		if err != nil && (errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrForbidden)) {
			return false
		}
		return true
	case KindMalformedServiceIDList, KindConfig:
		return false
	default:
		return err != nil && (errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnectionFailed))
	}
}

// Helper functions

// IdentityUnavailable wraps a provider failure during session restoration.
func IdentityUnavailable(op, key string, err error) error {
	return New(KindIdentityUnavailable, op, key, err)
}

// LookupFailed wraps a subscription store failure.
func LookupFailed(op, key string, err error) error {
	return New(KindEntitlementLookupFailed, op, key, err)
}

// MalformedServiceIDs reports tokens that were dropped while parsing a
// stored service id list.
func MalformedServiceIDs(key string, tokens []string) error {
	return New(KindMalformedServiceIDList, "parse_service_ids", key,
		fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(tokens, ",")))
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	var engErr *EngineError
	if errors.As(err, &engErr) {
		return engErr.Retryable
	}

	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnectionFailed)
}

// KindOf returns the kind of an EngineError anywhere in err's chain.
func KindOf(err error) (Kind, bool) {
	var engErr *EngineError
	if errors.As(err, &engErr) {
		return engErr.Kind, true
	}
	return "", false
}

// IsAuthError checks if an error is an authentication error
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrForbidden) || errors.Is(err, ErrIdentityUnavailable) {
		return true
	}

	errMsg := strings.ToLower(err.Error())
	return strings.Contains(errMsg, "authentication failed") ||
		strings.Contains(errMsg, "unauthorized") ||
		strings.Contains(errMsg, "invalid_grant")
}
