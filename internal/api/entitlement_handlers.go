package api

import (
	"context"
	"net/http"
	"time"

	"github.com/rcourtman/bizdesk/internal/logging"
	"github.com/rcourtman/bizdesk/pkg/catalog"
	"github.com/rcourtman/bizdesk/pkg/entitlement"
	"github.com/rcourtman/bizdesk/pkg/identity"
)

const defaultRefreshTimeout = 10 * time.Second

// stateFor returns the session's entitlement state, waiting up to the
// guard window for a pending lookup. No session means not entitled.
func (r *Router) stateFor(req *http.Request) entitlement.State {
	return r.guard.State(req)
}

func (r *Router) entitlementsView(req *http.Request) EntitlementsView {
	view := NewEntitlementsView(r.gate, r.stateFor(req))
	if sess := sessionFrom(req); sess != nil {
		if err := sess.Entitlements.LastError(); err != nil {
			view.Error = "Subscription lookup failed; services are locked until it succeeds"
		}
	}
	return view
}

func (r *Router) handleSession(w http.ResponseWriter, req *http.Request) {
	view := SessionView{
		Phase:    identity.PhaseAnonymous,
		OIDC:     r.auth != nil,
		DevLogin: r.config.DevLogin,
	}
	if sess := sessionFrom(req); sess != nil {
		snap := sess.Identity.Current()
		view.Phase = snap.Phase
		view.Principal = snap.Principal
		view.FromHint = snap.FromHint
		view.Authenticated = snap.Phase == identity.PhaseAuthenticated
	}
	view.Entitlements = r.entitlementsView(req)
	writeJSON(w, http.StatusOK, view)
}

func (r *Router) handleEntitlements(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, r.entitlementsView(req))
}

func (r *Router) handleRefresh(w http.ResponseWriter, req *http.Request) {
	sess := sessionFrom(req)
	if sess == nil {
		writeErrorResponse(w, http.StatusUnauthorized, "not_signed_in", "Sign in to refresh entitlements", nil)
		return
	}

	timeout := r.config.RefreshTimeout
	if timeout <= 0 {
		timeout = defaultRefreshTimeout
	}
	ctx, cancel := context.WithTimeout(req.Context(), timeout)
	defer cancel()

	state := sess.Entitlements.Refresh(ctx)
	logger := logging.FromContext(req.Context())
	logger.Debug().
		Str("session", sess.ID).
		Bool("active", state.Active).
		Msg("Entitlements refreshed on request")

	view := NewEntitlementsView(r.gate, state)
	if err := sess.Entitlements.LastError(); err != nil {
		view.Error = "Subscription lookup failed; services are locked until it succeeds"
	}
	writeJSON(w, http.StatusOK, view)
}

func (r *Router) handleNavigation(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, r.gate.Navigation(r.stateFor(req)))
}

func (r *Router) handleServices(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, NewEntitlementsView(r.gate, r.stateFor(req)).Services)
}

// serveApp is reached only when the guard allowed the request.
func (r *Router) serveApp(w http.ResponseWriter, req *http.Request, svc catalog.Service) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service": svc,
		"path":    req.URL.Path,
	})
}

func (r *Router) serveServiceDetail(w http.ResponseWriter, req *http.Request, svc catalog.Service) {
	writeJSON(w, http.StatusOK, ServiceView{
		Service:    svc,
		AppURL:     svc.Route(),
		PreviewURL: svc.PreviewRoute(),
	})
}

func (r *Router) handlePreview(w http.ResponseWriter, req *http.Request) {
	svc, ok := catalog.LookupSlug(req.PathValue("slug"))
	if !ok {
		writeErrorResponse(w, http.StatusNotFound, "unknown_service", "Unknown service", nil)
		return
	}
	writeJSON(w, http.StatusOK, ServiceView{
		Service:    svc,
		AppURL:     svc.Route(),
		PreviewURL: svc.PreviewRoute(),
		Locked:     r.gate.Decorate(svc.ID, r.stateFor(req)).Locked,
	})
}

func (r *Router) handleUnknownService(w http.ResponseWriter, req *http.Request) {
	writeErrorResponse(w, http.StatusNotFound, "unknown_service", "Unknown service", nil)
}
