package identity

import (
	"context"
	"errors"
	"reflect"
	"sync"

	engerrors "github.com/rcourtman/bizdesk/internal/errors"
	"github.com/rcourtman/bizdesk/pkg/observable"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Resolver owns the current Principal for one client context and publishes
// every lifecycle transition to its subscribers.
type Resolver struct {
	provider Provider
	hints    HintStore
	hintKey  string
	logger   zerolog.Logger

	value *observable.Value[Snapshot]

	// mu serializes transitions so the published snapshot and the hint store
	// move together.
	mu        sync.Mutex
	stopWatch func()
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithHints mirrors the confirmed principal into store under key.
func WithHints(store HintStore, key string) Option {
	return func(r *Resolver) {
		r.hints = store
		r.hintKey = key
	}
}

// WithLogger overrides the resolver logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// NewResolver creates a resolver in the loading phase. Call Start to consult
// the hint store and confirm the session with the provider.
func NewResolver(provider Provider, opts ...Option) *Resolver {
	r := &Resolver{
		provider: provider,
		logger:   log.Logger,
		value:    observable.New(loadingSnapshot(nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With().Str("component", "identity").Logger()
	return r
}

// Start publishes the hinted principal (if any) while still loading,
// subscribes to provider change notifications and then confirms the session.
func (r *Resolver) Start(ctx context.Context) Snapshot {
	if r.hints != nil {
		hint, err := r.hints.Load(r.hintKey)
		if err != nil {
			r.logger.Warn().Err(err).Str("key", r.hintKey).Msg("Failed to load principal hint; continuing without it")
		} else if hint != nil {
			r.mu.Lock()
			if !r.value.Get().Resolved() {
				r.value.Set(loadingSnapshot(hint))
			}
			r.mu.Unlock()
		}
	}

	if watcher, ok := r.provider.(Watcher); ok {
		stop := watcher.Watch(r.Observe)
		r.mu.Lock()
		if r.stopWatch != nil {
			r.stopWatch()
		}
		r.stopWatch = stop
		r.mu.Unlock()
	}

	return r.Confirm(ctx)
}

// Confirm asks the provider for the current session and publishes the
// result. Provider errors resolve to anonymous.
func (r *Resolver) Confirm(ctx context.Context) Snapshot {
	var p *Principal
	if r.provider != nil {
		var err error
		p, err = r.provider.CurrentPrincipal(ctx)
		if err != nil {
			wrapped := engerrors.IdentityUnavailable("restore_session", r.hintKey, err)
			r.logger.Warn().Err(wrapped).Msg("Identity provider could not confirm session; treating as signed out")
			p = nil
		}
	}
	r.Observe(p)
	return r.Current()
}

// Observe applies a provider-asserted principal. Passing nil signs the
// context out locally.
func (r *Resolver) Observe(p *Principal) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := confirmedSnapshot(p)
	if reflect.DeepEqual(r.value.Get(), next) {
		return
	}
	r.value.Set(next)
	r.persistHintLocked(next.Principal)

	if next.Principal != nil {
		r.logger.Debug().Str("principal", next.Principal.ID).Msg("Principal confirmed")
	} else {
		r.logger.Debug().Msg("No principal")
	}
}

// SignOut asks the provider to end the session. The local principal and
// hint are cleared whether or not the provider call succeeds.
func (r *Resolver) SignOut(ctx context.Context) {
	if r.provider != nil {
		if err := r.provider.SignOut(ctx); err != nil {
			r.logger.Warn().
				Err(engerrors.New(engerrors.KindSignOutFailed, "sign_out", r.hintKey, err)).
				Msg("Identity provider sign-out failed; clearing local session anyway")
		}
	}
	r.Observe(nil)
}

// Subscribe registers fn for identity transitions. fn is invoked immediately
// with the current snapshot, which may still be loading.
func (r *Resolver) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	return r.value.Subscribe(fn)
}

// Current returns the latest snapshot.
func (r *Resolver) Current() Snapshot {
	return r.value.Get()
}

// Principal returns the confirmed principal, or nil while loading or
// signed out.
func (r *Resolver) Principal() *Principal {
	snap := r.value.Get()
	if snap.Phase != PhaseAuthenticated {
		return nil
	}
	return snap.Principal.Clone()
}

// Close stops provider change notifications.
func (r *Resolver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopWatch != nil {
		r.stopWatch()
		r.stopWatch = nil
	}
}

func (r *Resolver) persistHintLocked(p *Principal) {
	if r.hints == nil {
		return
	}
	var err error
	if p == nil {
		err = r.hints.Clear(r.hintKey)
	} else {
		err = r.hints.Save(r.hintKey, p)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Warn().Err(err).Str("key", r.hintKey).Msg("Failed to update principal hint")
	}
}
