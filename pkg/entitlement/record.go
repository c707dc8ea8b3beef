// Package entitlement derives which bizdesk services a principal may use
// from their most recent subscription record.
package entitlement

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rcourtman/bizdesk/pkg/catalog"
)

// Status is the stored lifecycle status of a subscription record.
type Status string

const (
	StatusActive    Status = "active"
	StatusCreated   Status = "created"
	StatusCancelled Status = "cancelled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusCreated, StatusCancelled:
		return true
	default:
		return false
	}
}

// SubscriptionRecord is one stored subscription row. The engine only reads
// records; purchases and payment webhooks write them elsewhere.
type SubscriptionRecord struct {
	ID      string `json:"id"`
	OwnerID string `json:"ownerId"`
	// ServiceIDs is the stored delimited list of service ids, e.g. "1,3,5".
	ServiceIDs string     `json:"serviceIds"`
	Status     Status     `json:"status"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// Store looks up subscription records.
type Store interface {
	// FindLatestSubscription returns the most recently created record for
	// ownerKey regardless of status, or (nil, nil) when none exists.
	FindLatestSubscription(ctx context.Context, ownerKey string) (*SubscriptionRecord, error)
}

// IsValidAt reports whether the record grants access at now: status active
// and either no expiry or an expiry in the future.
func (r *SubscriptionRecord) IsValidAt(now time.Time) bool {
	if r == nil || r.Status != StatusActive {
		return false
	}
	return r.ExpiresAt == nil || r.ExpiresAt.After(now)
}

// ParseServiceIDs parses a stored service id list. Tokens may be separated
// by commas, semicolons or whitespace and the list may be wrapped in
// brackets. Tokens that are not integers are returned in dropped; empty
// tokens are ignored. The result is de-duplicated and sorted.
func ParseServiceIDs(raw string) (ids []catalog.ServiceID, dropped []string) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "[")
	raw = strings.TrimSuffix(raw, "]")

	tokens := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})

	seen := make(map[catalog.ServiceID]struct{}, len(tokens))
	ids = make([]catalog.ServiceID, 0, len(tokens))
	for _, token := range tokens {
		token = strings.Trim(token, `"'`)
		if token == "" {
			continue
		}
		n, err := strconv.Atoi(token)
		if err != nil {
			dropped = append(dropped, token)
			continue
		}
		id := catalog.ServiceID(n)
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, dropped
}

// FormatServiceIDs renders ids in the stored representation.
func FormatServiceIDs(ids []catalog.ServiceID) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, strconv.Itoa(int(id)))
	}
	return strings.Join(parts, ",")
}

// Evaluate derives the entitlement state for rec at now. A nil record yields
// the empty state. Unparseable service id tokens are returned in dropped.
func Evaluate(rec *SubscriptionRecord, now time.Time) (state State, dropped []string) {
	if rec == nil {
		return Empty(), nil
	}

	state = Empty()
	state.Status = rec.Status
	state.ExpiresAt = cloneTime(rec.ExpiresAt)

	ids, dropped := ParseServiceIDs(rec.ServiceIDs)
	if rec.IsValidAt(now) {
		state.Active = true
		state.Services = ids
	}
	return state, dropped
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
