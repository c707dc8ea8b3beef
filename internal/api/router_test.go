package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rcourtman/bizdesk/internal/config"
	"github.com/rcourtman/bizdesk/internal/session"
	"github.com/rcourtman/bizdesk/pkg/access"
	"github.com/rcourtman/bizdesk/pkg/catalog"
	"github.com/rcourtman/bizdesk/pkg/entitlement"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu      sync.Mutex
	records map[string]*entitlement.SubscriptionRecord
}

func (s *memStore) set(owner, ids string, status entitlement.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[owner] = &entitlement.SubscriptionRecord{ID: "r-" + owner, OwnerID: owner, ServiceIDs: ids, Status: status}
}

func (s *memStore) FindLatestSubscription(ctx context.Context, ownerKey string) (*entitlement.SubscriptionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[ownerKey]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

type testServer struct {
	handler http.Handler
	store   *memStore
	health  error
}

func newTestServer(t *testing.T, mutate func(cfg *config.Config)) *testServer {
	t.Helper()
	cfg := &config.Config{
		DevLogin:       true,
		GuardAwait:     200 * time.Millisecond,
		RefreshTimeout: time.Second,
	}
	if mutate != nil {
		mutate(cfg)
	}

	ts := &testServer{store: &memStore{records: make(map[string]*entitlement.SubscriptionRecord)}}
	sessions, err := session.NewManager(session.Options{
		Secret: []byte(strings.Repeat("s", 32)),
		Store:  ts.store,
		EntitlementOptions: []entitlement.Option{
			entitlement.WithAsync(func(fn func()) { fn() }),
		},
	})
	require.NoError(t, err)

	ts.handler = NewRouter(Deps{
		Config:   cfg,
		Sessions: sessions,
		Gate:     access.NewGate(access.WithStrictBundle(cfg.StrictBundle)),
		Health:   func(ctx context.Context) error { return ts.health },
		Version:  "test",
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body string, cookie *http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) login(t *testing.T, id string) *http.Cookie {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/auth/dev-login", `{"id":"`+id+`","email":"`+id+`@example.com"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	for _, c := range rec.Result().Cookies() {
		if c.Name == session.CookieName {
			return c
		}
	}
	t.Fatal("login did not set a session cookie")
	return nil
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestAnonymousRequestsAreLocked(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/app/crm", "", nil)
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/preview/crm", rec.Header().Get("Location"))

	rec = ts.do(t, http.MethodGet, "/api/services/hrm", "", nil)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	body := decode[map[string]interface{}](t, rec)
	assert.Equal(t, "subscription_required", body["error"])
	assert.Equal(t, "/preview/hrm", body["preview_url"])

	rec = ts.do(t, http.MethodGet, "/api/entitlements", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[EntitlementsView](t, rec)
	assert.False(t, view.Active)
	assert.False(t, view.Loading)
	require.Len(t, view.Services, catalog.Count())
	for _, svc := range view.Services {
		assert.True(t, svc.Locked, svc.Slug)
	}
}

func TestSingleServiceSubscription(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.store.set("u1", "1,2", entitlement.StatusActive)
	cookie := ts.login(t, "u1")

	rec := ts.do(t, http.MethodGet, "/app/crm", "", cookie)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/app/hrm/employees/7", "", cookie)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/app/accounting", "", cookie)
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/preview/accounting", rec.Header().Get("Location"))

	rec = ts.do(t, http.MethodGet, "/api/services/crm", "", cookie)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/navigation", "", cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	nav := decode[[]access.NavItem](t, rec)
	require.Len(t, nav, catalog.Count())
	for _, item := range nav {
		unlocked := item.ID == catalog.CRM || item.ID == catalog.HRM
		assert.Equal(t, !unlocked, item.Locked, item.Slug)
		if unlocked {
			assert.Equal(t, "/app/"+item.Slug, item.Href)
		} else {
			assert.Equal(t, "/preview/"+item.Slug, item.Href)
		}
	}
}

func TestFullBundleUnlocksEverything(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.store.set("u1", "6,5,4,3,2,1", entitlement.StatusActive)
	cookie := ts.login(t, "u1")

	for _, svc := range catalog.All() {
		rec := ts.do(t, http.MethodGet, svc.Route(), "", cookie)
		assert.Equal(t, http.StatusOK, rec.Code, svc.Slug)
	}
}

func TestCancelledSubscriptionIsLocked(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.store.set("u1", "1,2,3", entitlement.StatusCancelled)
	cookie := ts.login(t, "u1")

	rec := ts.do(t, http.MethodGet, "/app/crm", "", cookie)
	assert.Equal(t, http.StatusSeeOther, rec.Code)
}

func TestSessionEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/api/session", "", nil)
	view := decode[SessionView](t, rec)
	assert.False(t, view.Authenticated)
	assert.True(t, view.DevLogin)
	assert.False(t, view.OIDC)

	ts.store.set("u1", "3", entitlement.StatusActive)
	cookie := ts.login(t, "u1")
	rec = ts.do(t, http.MethodGet, "/api/session", "", cookie)
	view = decode[SessionView](t, rec)
	assert.True(t, view.Authenticated)
	require.NotNil(t, view.Principal)
	assert.Equal(t, "u1", view.Principal.ID)
	assert.Equal(t, []catalog.ServiceID{catalog.SalesInventory}, view.Entitlements.State.Services)
}

func TestRefreshPicksUpNewRecord(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/api/entitlements/refresh", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	cookie := ts.login(t, "u1")
	rec = ts.do(t, http.MethodGet, "/app/dashboard", "", cookie)
	assert.Equal(t, http.StatusSeeOther, rec.Code)

	ts.store.set("u1", "6", entitlement.StatusActive)
	rec = ts.do(t, http.MethodPost, "/api/entitlements/refresh", "", cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[EntitlementsView](t, rec)
	assert.True(t, view.Active)

	rec = ts.do(t, http.MethodGet, "/app/dashboard", "", cookie)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLogoutLocksImmediately(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.store.set("u1", "1", entitlement.StatusActive)
	cookie := ts.login(t, "u1")

	rec := ts.do(t, http.MethodPost, "/auth/logout", "", cookie)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, http.MethodGet, "/app/crm", "", cookie)
	assert.Equal(t, http.StatusSeeOther, rec.Code)
}

func TestDevLoginValidation(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/auth/dev-login", `{"email":"a@x.com"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/auth/dev-login", `not json`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	disabled := newTestServer(t, func(cfg *config.Config) { cfg.DevLogin = false })
	rec = disabled.do(t, http.MethodPost, "/auth/dev-login", `{"id":"u1"}`, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPreviewAndUnknownServices(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/preview/sales-inventory", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[ServiceView](t, rec)
	assert.Equal(t, catalog.SalesInventory, view.ID)
	assert.True(t, view.Locked)
	assert.Equal(t, "/app/sales-inventory", view.AppURL)

	rec = ts.do(t, http.MethodGet, "/preview/payroll", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/services/payroll", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/app/payroll/", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLoginWithoutProvider(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodGet, "/auth/login", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/auth/callback?state=x&code=y", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebSocketRequiresSession(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodGet, "/ws", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]interface{}](t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])

	ts.health = errors.New("database is locked")
	rec = ts.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "database is locked")
}

func TestRequestIDIsEchoed(t *testing.T) {
	ts := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))

	rec = ts.do(t, http.MethodGet, "/healthz", "", nil)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestPanicsAreRecovered(t *testing.T) {
	h := ErrorHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal_error", decode[APIError](t, rec).Code)
}
