// Package session owns one identity and entitlement resolver bundle per
// browser session. The bundle is addressed by a signed cookie and rebuilt
// lazily from it after a restart.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	engerrors "github.com/rcourtman/bizdesk/internal/errors"
	"github.com/rcourtman/bizdesk/pkg/entitlement"
	"github.com/rcourtman/bizdesk/pkg/identity"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	CookieName = "bizdesk_session"
	issuer     = "bizdesk"

	defaultTTL         = 12 * time.Hour
	defaultIdleTimeout = 30 * time.Minute
	sweepInterval      = time.Minute
)

var ErrNoSession = errors.New("no session")

// Session is the per-browser resolver bundle.
type Session struct {
	ID           string
	Provider     *identity.StaticProvider
	Identity     *identity.Resolver
	Entitlements *entitlement.Resolver

	principal *identity.Principal
	// Absolute end of the session, fixed at login.
	expiresAt time.Time

	mu       sync.Mutex
	lastSeen time.Time
	cleanup  []func()
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

func (s *Session) close() {
	s.mu.Lock()
	fns := s.cleanup
	s.cleanup = nil
	s.mu.Unlock()
	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}

// Login is a completed sign-in.
type Login struct {
	Principal *identity.Principal
	// ExpiresAt caps the session lifetime; zero uses the configured TTL.
	ExpiresAt time.Time
	// RevokeToken is handed to the revoker on sign-out.
	RevokeToken string
}

// Options configures a Manager.
type Options struct {
	Secret      []byte
	TTL         time.Duration
	IdleTimeout time.Duration
	Secure      bool

	Store entitlement.Store
	Hints identity.HintStore
	// EndedPath persists signed-out session ids so a restart cannot revive
	// them from a cookie. Empty keeps them in memory only.
	EndedPath string

	// EntitlementOptions apply to every session's entitlement resolver.
	EntitlementOptions []entitlement.Option
	// Revoke is called on sign-out with the login's revoke token.
	Revoke func(ctx context.Context, token string) error
	// OnChange receives every entitlement state a session publishes.
	OnChange func(sessionID string, state entitlement.State)
	// OnCount receives the live session count after every change.
	OnCount func(n int)
}

type sessionClaims struct {
	Principal *identity.Principal `json:"principal"`
	// MaxExpiresAt is the absolute end of the session. ExpiresAt slides
	// with activity up to this point.
	MaxExpiresAt *jwt.NumericDate `json:"max_exp"`
	jwt.RegisteredClaims
}

// Manager creates, resolves and expires sessions.
type Manager struct {
	opts   Options
	now    func() time.Time
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	// ended holds signed-out session ids until their cookies expire.
	ended map[string]time.Time
}

// NewManager validates opts and returns a manager.
func NewManager(opts Options) (*Manager, error) {
	if len(opts.Secret) < 32 {
		return nil, fmt.Errorf("session secret must be at least 32 bytes: %w", engerrors.ErrInvalidInput)
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
	if opts.Hints == nil {
		opts.Hints = identity.NewMemoryHintStore()
	}
	m := &Manager{
		opts:     opts,
		now:      time.Now,
		logger:   log.Logger.With().Str("component", "session").Logger(),
		sessions: make(map[string]*Session),
	}
	ended, err := loadEnded(opts.EndedPath, m.now())
	if err != nil {
		return nil, err
	}
	m.ended = ended
	return m, nil
}

// Begin creates a session for a completed login and sets its cookie.
func (m *Manager) Begin(ctx context.Context, w http.ResponseWriter, login Login) (*Session, error) {
	if !login.Principal.Valid() {
		return nil, fmt.Errorf("begin session: %w", engerrors.ErrInvalidInput)
	}

	now := m.now()
	expiresAt := now.Add(m.opts.TTL)
	if !login.ExpiresAt.IsZero() && login.ExpiresAt.Before(expiresAt) {
		expiresAt = login.ExpiresAt
	}

	sess := m.build(ctx, uuid.NewString(), login.Principal, expiresAt, login.RevokeToken)
	if err := m.writeCookie(w, sess, now); err != nil {
		m.remove(sess.ID)
		return nil, err
	}

	m.logger.Info().Str("session", sess.ID).Str("principal", login.Principal.ID).Msg("Session started")
	return sess, nil
}

// Lookup returns the session addressed by r's cookie. A valid cookie whose
// bundle is not in memory is rebuilt. The cookie is re-issued when more than
// half the idle window has passed.
func (m *Manager) Lookup(w http.ResponseWriter, r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(CookieName)
	if err != nil || cookie.Value == "" {
		return nil, ErrNoSession
	}

	claims, err := m.parse(cookie.Value)
	if err != nil {
		m.logger.Debug().Err(err).Msg("Rejected session cookie")
		return nil, fmt.Errorf("%w: %w", ErrNoSession, err)
	}

	now := m.now()
	sid := claims.ID

	m.mu.Lock()
	if _, gone := m.ended[sid]; gone {
		m.mu.Unlock()
		return nil, ErrNoSession
	}
	sess, ok := m.sessions[sid]
	m.mu.Unlock()

	if !ok {
		sess = m.build(r.Context(), sid, claims.Principal, claims.MaxExpiresAt.Time, "")
		m.logger.Debug().Str("session", sid).Msg("Session restored from cookie")
	}
	sess.touch(now)

	if w != nil && claims.ExpiresAt != nil && claims.ExpiresAt.Time.Sub(now) < m.opts.IdleTimeout/2 {
		if err := m.writeCookie(w, sess, now); err != nil {
			m.logger.Warn().Err(err).Str("session", sid).Msg("Failed to extend session cookie")
		}
	}
	return sess, nil
}

// Get returns a live session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

// End signs the session out, clears its cookie and drops the bundle. The
// entitlement state is reset before the provider call returns.
func (m *Manager) End(ctx context.Context, w http.ResponseWriter, sess *Session) {
	if w != nil {
		m.clearCookie(w)
	}
	if sess == nil {
		return
	}

	sess.Identity.SignOut(ctx)

	m.mu.Lock()
	m.ended[sess.ID] = sess.expiresAt
	m.persistEndedLocked()
	m.mu.Unlock()
	m.remove(sess.ID)

	m.logger.Info().Str("session", sess.ID).Msg("Session ended")
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sweep drops sessions idle longer than the idle timeout or past their
// absolute expiry and forgets expired sign-outs. It returns the number of
// sessions dropped.
func (m *Manager) Sweep() int {
	now := m.now()
	var stale []string

	m.mu.Lock()
	for id, sess := range m.sessions {
		if now.Sub(sess.idleSince()) > m.opts.IdleTimeout || !now.Before(sess.expiresAt) {
			stale = append(stale, id)
		}
	}
	forgotten := 0
	for id, until := range m.ended {
		if now.After(until) {
			delete(m.ended, id)
			forgotten++
		}
	}
	if forgotten > 0 {
		m.persistEndedLocked()
	}
	m.mu.Unlock()

	for _, id := range stale {
		if err := m.opts.Hints.Clear(id); err != nil {
			m.logger.Warn().Err(err).Str("session", id).Msg("Failed to clear principal hint")
		}
		m.remove(id)
	}
	if len(stale) > 0 {
		m.logger.Debug().Int("count", len(stale)).Msg("Expired idle sessions")
	}
	return len(stale)
}

// Run sweeps periodically until ctx is cancelled, then closes every bundle.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-ctx.Done():
			m.closeAll()
			return nil
		}
	}
}

func (m *Manager) build(ctx context.Context, sid string, p *identity.Principal, expiresAt time.Time, revokeToken string) *Session {
	provider := identity.NewStaticProvider(nil)
	if m.opts.Revoke != nil && revokeToken != "" {
		revoke := m.opts.Revoke
		provider.OnSignOut(func(ctx context.Context, _ *identity.Principal) error {
			return revoke(ctx, revokeToken)
		})
	}
	provider.SetUntil(p, expiresAt)

	logger := m.logger.With().Str("session", sid).Logger()
	ids := identity.NewResolver(provider,
		identity.WithHints(m.opts.Hints, sid),
		identity.WithLogger(logger),
	)
	entOpts := append([]entitlement.Option{entitlement.WithLogger(logger)}, m.opts.EntitlementOptions...)
	ents := entitlement.NewResolver(m.opts.Store, entOpts...)

	sess := &Session{
		ID:           sid,
		Provider:     provider,
		Identity:     ids,
		Entitlements: ents,
		principal:    p.Clone(),
		expiresAt:    expiresAt,
		lastSeen:     m.now(),
	}
	sess.cleanup = append(sess.cleanup, ents.Bind(ids), ids.Close)
	if m.opts.OnChange != nil {
		onChange := m.opts.OnChange
		sess.cleanup = append(sess.cleanup, ents.Subscribe(func(st entitlement.State) {
			onChange(sid, st)
		}))
	}

	m.mu.Lock()
	if existing, ok := m.sessions[sid]; ok {
		m.mu.Unlock()
		sess.close()
		return existing
	}
	m.sessions[sid] = sess
	n := len(m.sessions)
	m.mu.Unlock()
	m.reportCount(n)

	ids.Start(ctx)
	return sess
}

func (m *Manager) persistEndedLocked() {
	if err := saveEnded(m.opts.EndedPath, m.ended); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to persist signed-out sessions")
	}
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	delete(m.sessions, id)
	n := len(m.sessions)
	m.mu.Unlock()

	if ok {
		sess.close()
		m.reportCount(n)
	}
}

func (m *Manager) closeAll() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		all = append(all, sess)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, sess := range all {
		sess.close()
	}
	m.reportCount(0)
}

func (m *Manager) reportCount(n int) {
	if m.opts.OnCount != nil {
		m.opts.OnCount(n)
	}
}

func (m *Manager) writeCookie(w http.ResponseWriter, sess *Session, now time.Time) error {
	expiresAt := now.Add(m.opts.IdleTimeout)
	if sess.expiresAt.Before(expiresAt) {
		expiresAt = sess.expiresAt
	}

	claims := sessionClaims{
		Principal:    sess.principal,
		MaxExpiresAt: jwt.NewNumericDate(sess.expiresAt),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        sess.ID,
			Subject:   sess.principal.ID,
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{issuer},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.opts.Secret)
	if err != nil {
		return fmt.Errorf("sign session cookie: %w", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   m.opts.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

func (m *Manager) clearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.opts.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (m *Manager) parse(raw string) (*sessionClaims, error) {
	claims := &sessionClaims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(t *jwt.Token) (any, error) {
			return m.opts.Secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", engerrors.ErrUnauthorized, err)
	}
	if claims.ID == "" || !claims.Principal.Valid() || claims.MaxExpiresAt == nil {
		return nil, fmt.Errorf("session cookie is missing claims: %w", engerrors.ErrUnauthorized)
	}
	if !m.now().Before(claims.MaxExpiresAt.Time) {
		return nil, fmt.Errorf("session expired: %w", engerrors.ErrUnauthorized)
	}
	return claims, nil
}
