package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/rcourtman/bizdesk/internal/logging"
	"github.com/rcourtman/bizdesk/internal/oidcauth"
	"github.com/rcourtman/bizdesk/internal/session"
	"github.com/rcourtman/bizdesk/pkg/identity"
	"github.com/rs/zerolog/log"
)

const maxLoginBody = 16 * 1024

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	if r.auth == nil {
		writeErrorResponse(w, http.StatusNotFound, "oidc_disabled", "Single sign-on is not configured", nil)
		return
	}

	authURL, err := r.auth.Begin(req.URL.Query().Get("return_to"))
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, "login_failed",
			sanitizeErrorForClient(err, "Failed to start sign-in"), nil)
		return
	}
	http.Redirect(w, req, authURL, http.StatusFound)
}

func (r *Router) handleCallback(w http.ResponseWriter, req *http.Request) {
	if r.auth == nil {
		writeErrorResponse(w, http.StatusNotFound, "oidc_disabled", "Single sign-on is not configured", nil)
		return
	}

	q := req.URL.Query()
	if providerErr := q.Get("error"); providerErr != "" {
		log.Warn().
			Str("error", providerErr).
			Str("description", q.Get("error_description")).
			Msg("Identity provider rejected sign-in")
		writeErrorResponse(w, http.StatusUnauthorized, "login_rejected", "The identity provider rejected the sign-in", nil)
		return
	}

	result, err := r.auth.Complete(req.Context(), q.Get("state"), q.Get("code"))
	if err != nil {
		if errors.Is(err, oidcauth.ErrUnknownState) {
			writeErrorResponse(w, http.StatusBadRequest, "invalid_state", "Sign-in expired; please try again", nil)
			return
		}
		writeErrorResponse(w, http.StatusBadGateway, "login_failed",
			sanitizeErrorForClient(err, "Failed to complete sign-in"), nil)
		return
	}

	if _, err := r.sessions.Begin(req.Context(), w, session.Login{
		Principal:   result.Principal,
		ExpiresAt:   result.ExpiresAt,
		RevokeToken: result.RevokeToken,
	}); err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, "session_failed",
			sanitizeErrorForClient(err, "Failed to start session"), nil)
		return
	}

	http.Redirect(w, req, result.ReturnTo, http.StatusSeeOther)
}

func (r *Router) handleLogout(w http.ResponseWriter, req *http.Request) {
	sess := sessionFrom(req)
	if r.sessions != nil {
		r.sessions.End(req.Context(), w, sess)
	}
	if sess != nil {
		logger := logging.FromContext(req.Context())
		logger.Info().Str("session", sess.ID).Msg("Signed out")
	}
	w.WriteHeader(http.StatusNoContent)
}

type devLoginRequest struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
}

// handleDevLogin signs in as an arbitrary principal. Registered only when
// dev login is enabled.
func (r *Router) handleDevLogin(w http.ResponseWriter, req *http.Request) {
	var body devLoginRequest
	if err := json.NewDecoder(io.LimitReader(req.Body, maxLoginBody)).Decode(&body); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "Request body must be JSON", nil)
		return
	}

	p := &identity.Principal{
		ID:          strings.TrimSpace(body.ID),
		Email:       strings.TrimSpace(body.Email),
		DisplayName: strings.TrimSpace(body.DisplayName),
	}
	if !p.Valid() {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "id is required", nil)
		return
	}

	sess, err := r.sessions.Begin(req.Context(), w, session.Login{Principal: p})
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, "session_failed",
			sanitizeErrorForClient(err, "Failed to start session"), nil)
		return
	}
	log.Warn().Str("principal", p.ID).Msg("Development login used")

	writeJSON(w, http.StatusOK, SessionView{
		Authenticated: true,
		Phase:         identity.PhaseAuthenticated,
		Principal:     p,
		Entitlements:  NewEntitlementsView(r.gate, sess.Entitlements.Current()),
		OIDC:          r.auth != nil,
		DevLogin:      true,
	})
}

func (r *Router) handleWebSocket(w http.ResponseWriter, req *http.Request) {
	sess := sessionFrom(req)
	if sess == nil {
		writeErrorResponse(w, http.StatusUnauthorized, "not_signed_in", "Sign in to stream entitlements", nil)
		return
	}
	if r.hub == nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, "stream_unavailable", "Entitlement stream is not running", nil)
		return
	}
	r.hub.HandleWebSocket(w, req, sess.ID)
}
