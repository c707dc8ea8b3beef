package entitlement

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"time"

	engerrors "github.com/rcourtman/bizdesk/internal/errors"
	"github.com/rcourtman/bizdesk/pkg/identity"
	"github.com/rcourtman/bizdesk/pkg/observable"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const defaultRefreshTimeout = 10 * time.Second

// Outcome classifies a completed refresh for observability.
type Outcome string

const (
	OutcomeActive      Outcome = "active"
	OutcomeInactive    Outcome = "inactive"
	OutcomeNoRecord    Outcome = "no_record"
	OutcomeNoPrincipal Outcome = "no_principal"
	OutcomeFailed      Outcome = "failed"
	OutcomeStale       Outcome = "stale"
)

// Hooks receive refresh telemetry. Nil hooks are skipped.
type Hooks struct {
	RefreshCompleted  func(outcome Outcome, elapsed time.Duration)
	ServiceIDsDropped func(count int)
}

// Resolver keeps an entitlement State in step with the current principal.
// It is the only writer of its State.
type Resolver struct {
	store          Store
	now            func() time.Time
	emailFallback  bool
	refreshTimeout time.Duration
	async          func(func())
	logger         zerolog.Logger
	hooks          Hooks

	value *observable.Value[State]

	mu        sync.Mutex
	principal *identity.Principal
	resolved  bool   // identity has been confirmed at least once
	gen       uint64 // bumped on every principal change
	seq       uint64 // bumped on every refresh request
	applied   uint64 // seq of the last applied result
	lastErr   error
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithClock overrides the clock used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// WithEmailFallback looks up records by email when none exist for the
// principal id. Legacy records were keyed by email.
func WithEmailFallback(enabled bool) Option {
	return func(r *Resolver) { r.emailFallback = enabled }
}

// WithRefreshTimeout bounds automatic refreshes triggered by identity
// changes.
func WithRefreshTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.refreshTimeout = d
		}
	}
}

// WithAsync overrides how automatic refreshes are scheduled.
func WithAsync(run func(func())) Option {
	return func(r *Resolver) {
		if run != nil {
			r.async = run
		}
	}
}

// WithLogger overrides the resolver logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Resolver) { r.logger = logger }
}

// WithHooks installs refresh telemetry hooks.
func WithHooks(h Hooks) Option {
	return func(r *Resolver) { r.hooks = h }
}

// NewResolver creates a resolver in the pending state.
func NewResolver(store Store, opts ...Option) *Resolver {
	r := &Resolver{
		store:          store,
		now:            time.Now,
		refreshTimeout: defaultRefreshTimeout,
		async:          func(fn func()) { go fn() },
		logger:         log.Logger,
		value:          observable.New(Pending()),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With().Str("component", "entitlement").Logger()
	return r
}

// Bind follows ids: every confirmed identity transition updates the
// principal. Loading snapshots are ignored.
func (r *Resolver) Bind(ids *identity.Resolver) (unbind func()) {
	return ids.Subscribe(func(snap identity.Snapshot) {
		if !snap.Resolved() {
			return
		}
		r.SetPrincipal(snap.Principal)
	})
}

// SetPrincipal switches the resolver to p. A nil principal resets the state
// to empty before returning. A new principal publishes the pending state and
// schedules a refresh. Re-asserting the same identity is a no-op.
func (r *Resolver) SetPrincipal(p *identity.Principal) {
	r.mu.Lock()
	if r.resolved && identity.SameIdentity(r.principal, p) {
		r.mu.Unlock()
		return
	}
	r.resolved = true
	r.principal = p.Clone()
	r.gen++
	r.lastErr = nil

	if p == nil {
		r.setLocked(Empty())
		r.mu.Unlock()
		r.reportRefresh(OutcomeNoPrincipal, 0)
		r.logger.Debug().Msg("Principal cleared; entitlements reset")
		return
	}

	r.setLocked(Pending())
	r.mu.Unlock()

	r.async(func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.refreshTimeout)
		defer cancel()
		r.Refresh(ctx)
	})
}

// Refresh re-reads the principal's latest subscription record and publishes
// the derived state. Lookup failures resolve to the empty state and are
// reported through LastError; they are never returned. Results computed for
// a principal that has since changed, or superseded by a newer refresh, are
// discarded. Refresh returns the current state after the call.
func (r *Resolver) Refresh(ctx context.Context) State {
	start := time.Now()

	r.mu.Lock()
	if !r.resolved {
		r.mu.Unlock()
		return r.Current()
	}
	r.seq++
	seq := r.seq
	gen := r.gen
	principal := r.principal.Clone()
	r.mu.Unlock()

	if principal == nil {
		r.apply(gen, seq, Empty(), nil, OutcomeNoPrincipal, start)
		return r.Current()
	}

	rec, err := r.lookup(ctx, principal)
	if err != nil {
		wrapped := engerrors.LookupFailed("refresh", principal.ID, err)
		r.logger.Error().Err(wrapped).Str("principal", principal.ID).Msg("Subscription lookup failed; treating as not entitled")
		r.apply(gen, seq, Empty(), wrapped, OutcomeFailed, start)
		return r.Current()
	}

	state, dropped := Evaluate(rec, r.now())
	if len(dropped) > 0 {
		r.logger.Warn().
			Err(engerrors.MalformedServiceIDs(principal.ID, dropped)).
			Str("record", rec.ID).
			Msg("Dropped unparseable service ids from subscription record")
		if r.hooks.ServiceIDsDropped != nil {
			r.hooks.ServiceIDsDropped(len(dropped))
		}
	}

	outcome := OutcomeNoRecord
	switch {
	case rec != nil && state.Active:
		outcome = OutcomeActive
	case rec != nil:
		outcome = OutcomeInactive
	}
	r.apply(gen, seq, state, nil, outcome, start)
	return r.Current()
}

// Await blocks until the state is no longer loading or ctx is done. On
// timeout it returns the current state together with ctx.Err().
func (r *Resolver) Await(ctx context.Context) (State, error) {
	ready := make(chan State, 1)
	unsubscribe := r.value.Subscribe(func(s State) {
		if s.Loading {
			return
		}
		select {
		case ready <- s.Clone():
		default:
		}
	})
	defer unsubscribe()

	select {
	case s := <-ready:
		return s, nil
	case <-ctx.Done():
		return r.Current(), ctx.Err()
	}
}

// Current returns the latest state.
func (r *Resolver) Current() State {
	return r.value.Get().Clone()
}

// Subscribe registers fn for state changes; fn is called immediately with
// the current state. fn must not call back into the resolver.
func (r *Resolver) Subscribe(fn func(State)) (unsubscribe func()) {
	return r.value.Subscribe(fn)
}

// LastError returns the error from the most recent applied refresh, if any.
func (r *Resolver) LastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// Principal returns the principal the resolver currently tracks.
func (r *Resolver) Principal() *identity.Principal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.principal.Clone()
}

func (r *Resolver) lookup(ctx context.Context, p *identity.Principal) (*SubscriptionRecord, error) {
	if r.store == nil {
		return nil, errors.New("no subscription store configured")
	}

	rec, err := r.store.FindLatestSubscription(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if rec != nil || !r.emailFallback {
		return rec, nil
	}

	email := strings.ToLower(strings.TrimSpace(p.Email))
	if email == "" {
		return nil, nil
	}
	rec, err = r.store.FindLatestSubscription(ctx, email)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		r.logger.Debug().Str("principal", p.ID).Msg("Subscription resolved through legacy email key")
	}
	return rec, nil
}

func (r *Resolver) apply(gen, seq uint64, state State, err error, outcome Outcome, start time.Time) {
	r.mu.Lock()
	if gen != r.gen || seq < r.applied {
		r.mu.Unlock()
		r.logger.Debug().Uint64("generation", gen).Uint64("seq", seq).Msg("Discarding stale entitlement result")
		r.reportRefresh(OutcomeStale, time.Since(start))
		return
	}
	r.applied = seq
	r.lastErr = err
	r.setLocked(state)
	r.mu.Unlock()

	r.reportRefresh(outcome, time.Since(start))
}

// setLocked publishes state unless it equals the current value. Callers hold
// r.mu so a stale writer can never interleave with a principal change.
func (r *Resolver) setLocked(state State) {
	if reflect.DeepEqual(r.value.Get(), state) {
		return
	}
	r.value.Set(state)
}

func (r *Resolver) reportRefresh(outcome Outcome, elapsed time.Duration) {
	if r.hooks.RefreshCompleted != nil {
		r.hooks.RefreshCompleted(outcome, elapsed)
	}
}
