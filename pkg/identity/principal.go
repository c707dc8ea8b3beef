// Package identity tracks the authenticated principal asserted by an
// external identity provider and publishes its lifecycle to dependents.
package identity

import (
	"context"
	"strings"
)

// Principal is the authenticated actor as asserted by the identity provider.
type Principal struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// Clone returns a copy of p, or nil.
func (p *Principal) Clone() *Principal {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}

// SameIdentity reports whether a and b refer to the same account. Presentation
// attributes are ignored; two nil principals are the same.
func SameIdentity(a, b *Principal) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.ID == b.ID && strings.EqualFold(a.Email, b.Email)
}

// Valid reports whether p carries the stable identifier the rest of the
// engine keys on.
func (p *Principal) Valid() bool {
	return p != nil && strings.TrimSpace(p.ID) != ""
}

// Provider is the external identity provider.
type Provider interface {
	// CurrentPrincipal returns the signed-in principal, or nil when there is
	// no session.
	CurrentPrincipal(ctx context.Context) (*Principal, error)
	// SignOut terminates the provider session. Best-effort.
	SignOut(ctx context.Context) error
}

// Watcher is implemented by providers that push session changes
// (sign-in, sign-out, token refresh that changes identity).
type Watcher interface {
	Watch(fn func(*Principal)) (stop func())
}

// Phase is the lifecycle phase of the resolved identity.
type Phase string

const (
	PhaseLoading       Phase = "loading"
	PhaseAnonymous     Phase = "anonymous"
	PhaseAuthenticated Phase = "authenticated"
)

// Snapshot is the identity state published to subscribers.
type Snapshot struct {
	Phase     Phase      `json:"phase"`
	Principal *Principal `json:"principal,omitempty"`
	// FromHint is set while Phase is loading and Principal came from the
	// local hint store rather than the provider.
	FromHint bool `json:"fromHint,omitempty"`
}

// Resolved reports whether the provider has confirmed the state.
func (s Snapshot) Resolved() bool {
	return s.Phase != PhaseLoading
}

func loadingSnapshot(hint *Principal) Snapshot {
	return Snapshot{Phase: PhaseLoading, Principal: hint.Clone(), FromHint: hint != nil}
}

func confirmedSnapshot(p *Principal) Snapshot {
	if !p.Valid() {
		return Snapshot{Phase: PhaseAnonymous}
	}
	return Snapshot{Phase: PhaseAuthenticated, Principal: p.Clone()}
}
