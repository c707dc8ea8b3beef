package access

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rcourtman/bizdesk/pkg/catalog"
	"github.com/rcourtman/bizdesk/pkg/entitlement"
)

const defaultAwait = 2 * time.Second

// StateSource supplies the entitlement state for a request.
type StateSource interface {
	Current() entitlement.State
	Await(ctx context.Context) (entitlement.State, error)
}

// SourceFunc returns the state source for r, or nil when the request has no
// session.
type SourceFunc func(r *http.Request) StateSource

// DecisionHook observes every guard decision.
type DecisionHook func(id catalog.ServiceID, d Decision)

// Guard enforces a Gate on HTTP routes.
type Guard struct {
	gate     *Gate
	source   SourceFunc
	wait     time.Duration
	observer DecisionHook
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithAwait bounds how long a request waits for a loading state to resolve.
// A state still loading after d is treated as locked.
func WithAwait(d time.Duration) GuardOption {
	return func(g *Guard) {
		if d > 0 {
			g.wait = d
		}
	}
}

// WithDecisionHook installs a decision observer.
func WithDecisionHook(fn DecisionHook) GuardOption {
	return func(g *Guard) { g.observer = fn }
}

// NewGuard creates a guard evaluating gate against the state from source.
func NewGuard(gate *Gate, source SourceFunc, opts ...GuardOption) *Guard {
	if gate == nil {
		gate = NewGate()
	}
	g := &Guard{gate: gate, source: source, wait: defaultAwait}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Gate returns the underlying gate.
func (g *Guard) Gate() *Gate {
	return g.gate
}

// State resolves the entitlement state for r. Requests without a session
// and states still loading after the await window resolve to the empty
// state.
func (g *Guard) State(r *http.Request) entitlement.State {
	if g.source == nil {
		return entitlement.Empty()
	}
	src := g.source(r)
	if src == nil {
		return entitlement.Empty()
	}

	ctx, cancel := context.WithTimeout(r.Context(), g.wait)
	defer cancel()
	state, err := src.Await(ctx)
	if err != nil || state.Loading {
		return entitlement.Empty()
	}
	return state
}

// Decide evaluates the route guard for id on r and reports it to the hook.
func (g *Guard) Decide(r *http.Request, id catalog.ServiceID) Decision {
	d := g.gate.RouteGuard(id, g.State(r))
	if g.observer != nil {
		g.observer(id, d)
	}
	return d
}

// RequireService serves next only when id is unlocked; otherwise it
// redirects to the service preview with 303 See Other.
func (g *Guard) RequireService(id catalog.ServiceID, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := g.Decide(r, id)
		if !d.Allowed() {
			http.Redirect(w, r, d.Location, http.StatusSeeOther)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireServiceAPI serves next only when id is unlocked; otherwise it
// writes a 402 Payment Required JSON payload.
func (g *Guard) RequireServiceAPI(id catalog.ServiceID, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := g.Decide(r, id)
		if !d.Allowed() {
			WriteSubscriptionRequired(w, id, d.Location)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// WriteSubscriptionRequired writes the canonical 402 response for a locked
// service.
func WriteSubscriptionRequired(w http.ResponseWriter, id catalog.ServiceID, previewURL string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error":       "subscription_required",
		"message":     catalog.DisplayName(id) + " is not included in your subscription",
		"serviceId":   int(id),
		"preview_url": previewURL,
	})
}
