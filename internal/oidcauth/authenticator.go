// Package oidcauth signs users in through an OpenID Connect provider and
// turns the verified ID token into an identity.Principal.
package oidcauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	engerrors "github.com/rcourtman/bizdesk/internal/errors"
	"github.com/rcourtman/bizdesk/pkg/identity"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

const stateTTL = 10 * time.Minute

var (
	ErrUnknownState   = errors.New("unknown or expired login state")
	ErrNonceMismatch  = errors.New("id token nonce mismatch")
	ErrMissingIDToken = errors.New("token response did not include an id_token")
)

// Settings configures an Authenticator.
type Settings struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	HTTPClient   *http.Client
}

// Result is a completed login.
type Result struct {
	Principal *identity.Principal
	// ExpiresAt is the ID token expiry; sessions never outlive it.
	ExpiresAt time.Time
	// ReturnTo is the local path the login started from.
	ReturnTo string
	// RevokeToken is the refresh token if issued, else the access token.
	RevokeToken string
}

type stateEntry struct {
	Nonce        string
	CodeVerifier string
	ReturnTo     string
	CreatedAt    time.Time
}

// Authenticator runs the authorization code flow with PKCE.
type Authenticator struct {
	oauth2Cfg     *oauth2.Config
	verifier      *oidc.IDTokenVerifier
	httpClient    *http.Client
	revocationURL string

	mu     sync.Mutex
	states map[string]*stateEntry
	now    func() time.Time
}

// New discovers the provider at s.IssuerURL.
func New(ctx context.Context, s Settings) (*Authenticator, error) {
	if strings.TrimSpace(s.IssuerURL) == "" || strings.TrimSpace(s.ClientID) == "" {
		return nil, fmt.Errorf("oidc issuer and client id are required: %w", engerrors.ErrInvalidInput)
	}
	if s.HTTPClient != nil {
		ctx = oidc.ClientContext(ctx, s.HTTPClient)
	}

	provider, err := oidc.NewProvider(ctx, s.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("discover oidc provider %s: %w", s.IssuerURL, err)
	}

	var extra struct {
		RevocationEndpoint string `json:"revocation_endpoint"`
	}
	if err := provider.Claims(&extra); err != nil {
		log.Debug().Err(err).Msg("OIDC discovery document has no readable extra claims")
	}

	scopes := s.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "email", "profile"}
	}

	return &Authenticator{
		oauth2Cfg: &oauth2.Config{
			ClientID:     s.ClientID,
			ClientSecret: s.ClientSecret,
			RedirectURL:  s.RedirectURL,
			Endpoint:     provider.Endpoint(),
			Scopes:       scopes,
		},
		verifier:      provider.Verifier(&oidc.Config{ClientID: s.ClientID}),
		httpClient:    s.HTTPClient,
		revocationURL: extra.RevocationEndpoint,
		states:        make(map[string]*stateEntry),
		now:           time.Now,
	}, nil
}

// Begin starts a login and returns the provider URL to redirect to.
// returnTo must be a local path; anything else is replaced with "/".
func (a *Authenticator) Begin(returnTo string) (string, error) {
	state, entry, err := a.newStateEntry(returnTo)
	if err != nil {
		return "", err
	}
	return a.authCodeURL(state, entry), nil
}

// Complete exchanges code for tokens, verifies the ID token and returns the
// signed-in principal.
func (a *Authenticator) Complete(ctx context.Context, state, code string) (*Result, error) {
	entry, ok := a.consumeState(state)
	if !ok {
		return nil, fmt.Errorf("%w: %w", ErrUnknownState, engerrors.ErrUnauthorized)
	}

	ctx = a.clientContext(ctx)
	token, err := a.oauth2Cfg.Exchange(ctx, code, oauth2.VerifierOption(entry.CodeVerifier))
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}

	rawIDToken, _ := token.Extra("id_token").(string)
	if rawIDToken == "" {
		return nil, ErrMissingIDToken
	}
	idToken, err := a.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("verify id token: %w", err)
	}
	if idToken.Nonce != entry.Nonce {
		return nil, ErrNonceMismatch
	}

	var c claims
	if err := idToken.Claims(&c); err != nil {
		return nil, fmt.Errorf("decode id token claims: %w", err)
	}
	principal, err := principalFromClaims(c)
	if err != nil {
		return nil, err
	}

	revoke := token.RefreshToken
	if revoke == "" {
		revoke = token.AccessToken
	}
	return &Result{
		Principal:   principal,
		ExpiresAt:   idToken.Expiry,
		ReturnTo:    entry.ReturnTo,
		RevokeToken: revoke,
	}, nil
}

// Revoke asks the provider to revoke token (RFC 7009). Providers without a
// revocation endpoint are a no-op.
func (a *Authenticator) Revoke(ctx context.Context, token string) error {
	if a.revocationURL == "" || token == "" {
		return nil
	}

	form := url.Values{}
	form.Set("token", token)
	form.Set("client_id", a.oauth2Cfg.ClientID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.revocationURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build revocation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if a.oauth2Cfg.ClientSecret != "" {
		req.SetBasicAuth(url.QueryEscape(a.oauth2Cfg.ClientID), url.QueryEscape(a.oauth2Cfg.ClientSecret))
	}

	client := a.httpClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("revoke token: %w: %w", engerrors.ErrConnectionFailed, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("revoke token: provider returned %d", resp.StatusCode)
	}
	return nil
}

func (a *Authenticator) clientContext(ctx context.Context) context.Context {
	if a.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)
}

func (a *Authenticator) authCodeURL(state string, entry *stateEntry) string {
	return a.oauth2Cfg.AuthCodeURL(state,
		oidc.Nonce(entry.Nonce),
		oauth2.S256ChallengeOption(entry.CodeVerifier),
	)
}

func (a *Authenticator) newStateEntry(returnTo string) (string, *stateEntry, error) {
	state, err := randomToken()
	if err != nil {
		return "", nil, err
	}
	nonce, err := randomToken()
	if err != nil {
		return "", nil, err
	}

	entry := &stateEntry{
		Nonce:        nonce,
		CodeVerifier: oauth2.GenerateVerifier(),
		ReturnTo:     sanitizeReturnTo(returnTo),
		CreatedAt:    a.now(),
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.pruneLocked()
	a.states[state] = entry
	return state, entry, nil
}

func (a *Authenticator) consumeState(state string) (*stateEntry, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry, ok := a.states[state]
	if !ok {
		return nil, false
	}
	delete(a.states, state)
	if a.now().Sub(entry.CreatedAt) > stateTTL {
		return nil, false
	}
	return entry, true
}

func (a *Authenticator) pruneLocked() {
	now := a.now()
	for key, entry := range a.states {
		if now.Sub(entry.CreatedAt) > stateTTL {
			delete(a.states, key)
		}
	}
}

type claims struct {
	Subject           string `json:"sub"`
	Email             string `json:"email"`
	EmailVerified     *bool  `json:"email_verified"`
	Name              string `json:"name"`
	PreferredUsername string `json:"preferred_username"`
	Picture           string `json:"picture"`
}

func principalFromClaims(c claims) (*identity.Principal, error) {
	sub := strings.TrimSpace(c.Subject)
	if sub == "" {
		return nil, fmt.Errorf("id token has no subject: %w", engerrors.ErrInvalidInput)
	}

	p := &identity.Principal{
		ID:          sub,
		DisplayName: strings.TrimSpace(c.Name),
		AvatarURL:   strings.TrimSpace(c.Picture),
	}
	// Unverified addresses are not used as a lookup key.
	if c.EmailVerified == nil || *c.EmailVerified {
		p.Email = strings.TrimSpace(c.Email)
	}
	if p.DisplayName == "" {
		p.DisplayName = strings.TrimSpace(c.PreferredUsername)
	}
	if p.DisplayName == "" {
		p.DisplayName = p.Email
	}
	return p, nil
}

func sanitizeReturnTo(returnTo string) string {
	returnTo = strings.TrimSpace(returnTo)
	if returnTo == "" || !strings.HasPrefix(returnTo, "/") || strings.HasPrefix(returnTo, "//") || strings.Contains(returnTo, "\\") {
		return "/"
	}
	return returnTo
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
