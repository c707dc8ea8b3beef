package identity

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StaticProvider is an in-process provider whose session is set directly.
// It backs the CLI and server-side sessions populated by a login callback.
type StaticProvider struct {
	mu        sync.RWMutex
	principal *Principal
	expiresAt time.Time
	now       func() time.Time
	watchers  map[string]func(*Principal)
	onSignOut func(ctx context.Context, p *Principal) error
}

// NewStaticProvider creates a provider holding p (which may be nil).
func NewStaticProvider(p *Principal) *StaticProvider {
	return &StaticProvider{
		principal: p.Clone(),
		now:       time.Now,
		watchers:  make(map[string]func(*Principal)),
	}
}

// OnSignOut installs a hook invoked before the local session is dropped,
// typically to revoke tokens upstream. Its error is returned from SignOut.
func (s *StaticProvider) OnSignOut(fn func(ctx context.Context, p *Principal) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSignOut = fn
}

// CurrentPrincipal returns the stored principal, or nil once the session
// has expired.
func (s *StaticProvider) CurrentPrincipal(ctx context.Context) (*Principal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.expiresAt.IsZero() && !s.now().Before(s.expiresAt) {
		return nil, nil
	}
	return s.principal.Clone(), nil
}

// SignOut runs the sign-out hook and clears the session. The session is
// cleared even when the hook fails.
func (s *StaticProvider) SignOut(ctx context.Context) error {
	s.mu.RLock()
	hook := s.onSignOut
	current := s.principal.Clone()
	s.mu.RUnlock()

	var err error
	if hook != nil && current != nil {
		err = hook(ctx, current)
	}
	s.Set(nil)
	return err
}

// Set replaces the session principal and notifies watchers. The session
// does not expire.
func (s *StaticProvider) Set(p *Principal) {
	s.SetUntil(p, time.Time{})
}

// SetUntil replaces the session principal with one that expires at
// expiresAt and notifies watchers. A zero expiresAt never expires.
func (s *StaticProvider) SetUntil(p *Principal, expiresAt time.Time) {
	s.mu.Lock()
	s.principal = p.Clone()
	s.expiresAt = expiresAt
	watchers := make([]func(*Principal), 0, len(s.watchers))
	for _, fn := range s.watchers {
		watchers = append(watchers, fn)
	}
	s.mu.Unlock()

	for _, fn := range watchers {
		fn(p.Clone())
	}
}

// Watch registers fn for session changes.
func (s *StaticProvider) Watch(fn func(*Principal)) (stop func()) {
	id := uuid.NewString()
	s.mu.Lock()
	s.watchers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}
}
