// Package api serves the bizdesk HTTP surfaces: session and entitlement
// JSON endpoints, guarded service routes, previews, login and the
// entitlement stream.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/rcourtman/bizdesk/internal/config"
	"github.com/rcourtman/bizdesk/internal/metrics"
	"github.com/rcourtman/bizdesk/internal/oidcauth"
	"github.com/rcourtman/bizdesk/internal/session"
	"github.com/rcourtman/bizdesk/internal/websocket"
	"github.com/rcourtman/bizdesk/pkg/access"
	"github.com/rcourtman/bizdesk/pkg/catalog"
)

// Deps are the collaborators a Router serves.
type Deps struct {
	Config   *config.Config
	Sessions *session.Manager
	Gate     *access.Gate
	Hub      *websocket.Hub
	// Auth is nil when no OIDC provider is configured.
	Auth *oidcauth.Authenticator
	// Health reports backing store health for /healthz.
	Health  func(ctx context.Context) error
	Version string
}

// Router handles HTTP routing
type Router struct {
	mux      *http.ServeMux
	config   *config.Config
	sessions *session.Manager
	gate     *access.Gate
	guard    *access.Guard
	hub      *websocket.Hub
	auth     *oidcauth.Authenticator
	health   func(ctx context.Context) error
	version  string
}

// NewRouter creates a new router instance
func NewRouter(d Deps) http.Handler {
	cfg := d.Config
	if cfg == nil {
		cfg = &config.Config{}
	}
	gate := d.Gate
	if gate == nil {
		gate = access.NewGate(access.WithStrictBundle(cfg.StrictBundle))
	}

	r := &Router{
		mux:      http.NewServeMux(),
		config:   cfg,
		sessions: d.Sessions,
		gate:     gate,
		hub:      d.Hub,
		auth:     d.Auth,
		health:   d.Health,
		version:  d.Version,
	}
	r.guard = access.NewGuard(gate, sessionSource,
		access.WithAwait(cfg.GuardAwait),
		access.WithDecisionHook(metrics.RecordDecision),
	)

	r.setupRoutes()
	return ErrorHandler(r.mux)
}

// setupRoutes configures all routes
func (r *Router) setupRoutes() {
	r.handle("GET /healthz", r.handleHealth)

	r.handle("GET /api/session", r.handleSession)
	r.handle("GET /api/entitlements", r.handleEntitlements)
	r.handle("POST /api/entitlements/refresh", r.handleRefresh)
	r.handle("GET /api/navigation", r.handleNavigation)
	r.handle("GET /api/services", r.handleServices)

	r.handle("GET /auth/login", r.handleLogin)
	r.handle("GET /auth/callback", r.handleCallback)
	r.handle("POST /auth/logout", r.handleLogout)
	if r.config.DevLogin {
		r.handle("POST /auth/dev-login", r.handleDevLogin)
	}

	r.handle("GET /ws", r.handleWebSocket)
	r.handle("GET /preview/{slug}", r.handlePreview)

	// One guarded subtree per catalog service.
	for _, svc := range catalog.All() {
		svc := svc
		app := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			r.serveApp(w, req, svc)
		})
		detail := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			r.serveServiceDetail(w, req, svc)
		})
		r.mux.Handle("GET "+svc.Route(), withSession(r.sessions, r.guard.RequireService(svc.ID, app)))
		r.mux.Handle("GET "+svc.Route()+"/", withSession(r.sessions, r.guard.RequireService(svc.ID, app)))
		r.mux.Handle("GET /api/services/"+svc.Slug, withSession(r.sessions, r.guard.RequireServiceAPI(svc.ID, detail)))
	}
	r.handle("GET /app/{slug}/", r.handleUnknownService)
	r.handle("GET /api/services/{slug}", r.handleUnknownService)
}

func (r *Router) handle(pattern string, fn http.HandlerFunc) {
	r.mux.Handle(pattern, withSession(r.sessions, fn))
}

// sessionSource feeds the route guard from the session resolved by
// withSession.
func sessionSource(req *http.Request) access.StateSource {
	sess := sessionFrom(req)
	if sess == nil {
		return nil
	}
	return sess.Entitlements
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	status := map[string]interface{}{
		"status":  "ok",
		"version": r.version,
		"time":    time.Now().UTC().Format(time.RFC3339),
	}
	if r.sessions != nil {
		status["sessions"] = r.sessions.Count()
	}
	if r.hub != nil {
		status["websocketClients"] = r.hub.ClientCount()
	}

	if r.health != nil {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()
		if err := r.health(ctx); err != nil {
			status["status"] = "degraded"
			status["store"] = sanitizeErrorForClient(err, "Subscription store unavailable")
			writeJSON(w, http.StatusServiceUnavailable, status)
			return
		}
	}
	writeJSON(w, http.StatusOK, status)
}
