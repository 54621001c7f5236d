package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oakmount-io/mailroom/pkg/audit"
	"github.com/oakmount-io/mailroom/pkg/config"
	"github.com/oakmount-io/mailroom/pkg/identity"
	"github.com/oakmount-io/mailroom/pkg/model"
	"github.com/oakmount-io/mailroom/pkg/packages"
	"github.com/oakmount-io/mailroom/pkg/recipients"
	"github.com/oakmount-io/mailroom/pkg/settings"
	"github.com/oakmount-io/mailroom/pkg/store"
)

// cheapHash keeps Argon2 affordable inside the tests.
var cheapHash = identity.PasswordParams{TimeCost: 1, MemoryKiB: 8 * 1024, Parallelism: 1}

type harness struct {
	t  *testing.T
	h  http.Handler
	st *store.Store
	q  *store.Queue
	id *identity.Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		AppEnv:             "testing",
		AppHost:            "127.0.0.1",
		SecretKey:          "test-secret",
		DatabasePath:       filepath.Join(dir, "mailroom.db"),
		CheckpointInterval: time.Hour,
		UploadDir:          filepath.Join(dir, "uploads"),
		MaxUploadSize:      5 << 20,
		AllowedImageTypes:  []string{"image/jpeg", "image/png", "image/webp"},

		SessionTimeout:         30 * time.Minute,
		MaxConcurrentSessions:  3,
		MaxFailedLogins:        5,
		AccountLockoutDuration: 30 * time.Minute,
		PasswordMinLength:      12,
		PasswordHistoryCount:   3,

		RateLimitLogin: 4,
		RateLimitAPI:   8,
	}
	require.NoError(t, cfg.Validate())

	st, err := store.Open(cfg.DatabasePath)
	require.NoError(t, err)
	q := store.NewQueue(st, cfg.CheckpointInterval)
	t.Cleanup(func() {
		_ = q.Shutdown(context.Background())
		_ = st.Close()
	})

	recorder, err := audit.NewRecorder(context.Background(), st, q)
	require.NoError(t, err)

	id := identity.NewService(st, q, recorder, identity.Params{
		Password:        cheapHash,
		MinLength:       cfg.PasswordMinLength,
		HistoryCount:    cfg.PasswordHistoryCount,
		SessionTimeout:  cfg.SessionTimeout,
		MaxSessions:     cfg.MaxConcurrentSessions,
		MaxFailedLogins: cfg.MaxFailedLogins,
		LockoutDuration: cfg.AccountLockoutDuration,
		RenewWindow:     time.Minute,
	})
	recs := recipients.NewService(st, q, recorder)
	files := packages.NewFileStore(cfg.UploadDir, cfg.MaxUploadSize, cfg.AllowedImageTypes)
	pkgs := packages.NewService(st, q, recorder, recs, files)
	set := settings.NewService(st, q, recorder)

	srv := NewServer(cfg, st, id, recs, pkgs, set, recorder, "test")
	return &harness{t: t, h: srv.Handler(), st: st, q: q, id: id}
}

func (h *harness) seedUser(username, password string, role model.Role, mustChange bool) {
	h.t.Helper()
	digest, err := identity.HashPassword(password, cheapHash)
	require.NoError(h.t, err)
	now := store.FormatTime(store.Now())
	mc := 0
	if mustChange {
		mc = 1
	}
	require.NoError(h.t, h.q.Submit(context.Background(), store.Op{
		SQL: `INSERT INTO users (id, username, password_hash, full_name, role, is_active, must_change_password, created_at, updated_at)
		      VALUES (?, ?, ?, 'Test User', ?, 1, ?, ?, ?)`,
		Args: []any{"uid-" + username, username, digest, string(role), mc, now, now},
	}))
}

func (h *harness) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.h.ServeHTTP(rec, req)
	return rec
}

func cookieNamed(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// login drives the real form flow: fetch the CSRF cookie, then post the
// credentials with the double-submitted token.
func (h *harness) login(username, password string) (session, csrf *http.Cookie) {
	h.t.Helper()
	rec := h.do(httptest.NewRequest(http.MethodGet, "/auth/login", nil))
	csrf = cookieNamed(rec, "csrf_token")
	require.NotNil(h.t, csrf, "safe request issues a CSRF cookie")

	form := url.Values{
		"username":   {username},
		"password":   {password},
		"csrf_token": {csrf.Value},
	}
	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(csrf)
	rec = h.do(req)
	require.Equal(h.t, http.StatusOK, rec.Code, rec.Body.String())
	session = cookieNamed(rec, "session_token")
	require.NotNil(h.t, session)
	return session, csrf
}

func TestSecurityHeadersStamped(t *testing.T) {
	h := newHarness(t)
	rec := h.do(httptest.NewRequest(http.MethodGet, "/health", nil))

	hd := rec.Header()
	assert.Equal(t, "nosniff", hd.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", hd.Get("X-Frame-Options"))
	assert.Equal(t, "1; mode=block", hd.Get("X-XSS-Protection"))
	assert.Equal(t, "strict-origin-when-cross-origin", hd.Get("Referrer-Policy"))
	assert.Contains(t, hd.Get("Content-Security-Policy"), "default-src 'self'")
	assert.NotEmpty(t, hd.Get("Permissions-Policy"))
	assert.Empty(t, hd.Get("Strict-Transport-Security"), "HSTS is production-only")
}

func TestHealthShape(t *testing.T) {
	h := newHarness(t)
	rec := h.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status  string            `json:"status"`
		Version string            `json:"version"`
		Checks  map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "test", body.Version)
	assert.Equal(t, "ok", body.Checks["database"])
}

func TestPostWithoutCSRFCookieRejected(t *testing.T) {
	h := newHarness(t)
	h.seedUser("jdoe", "Correct-Horse-9!", model.RoleOperator, false)

	form := url.Values{"username": {"jdoe"}, "password": {"Correct-Horse-9!"}}
	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := h.do(req)

	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "CSRF token missing")

	// Rejected before the handler: no session issued, nothing recorded.
	var n int
	require.NoError(t, h.st.Read().QueryRow(`SELECT COUNT(*) FROM auth_events`).Scan(&n))
	assert.Zero(t, n)
	require.NoError(t, h.st.Read().QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&n))
	assert.Zero(t, n)
}

func TestCSRFHeaderMismatchRejected(t *testing.T) {
	h := newHarness(t)

	rec := h.do(httptest.NewRequest(http.MethodGet, "/auth/login", nil))
	csrf := cookieNamed(rec, "csrf_token")
	require.NotNil(t, csrf)

	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader("username=a&password=b"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-CSRF-Token", "not-the-cookie-value")
	req.AddCookie(csrf)
	rec = h.do(req)

	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "CSRF token mismatch")
}

func TestCSRFHeaderMatchBypassesFormField(t *testing.T) {
	h := newHarness(t)

	rec := h.do(httptest.NewRequest(http.MethodGet, "/auth/login", nil))
	csrf := cookieNamed(rec, "csrf_token")
	require.NotNil(t, csrf)

	// No csrf_token form field; the matching header is enough to reach the
	// handler, which then rejects the unknown account.
	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader("username=ghost&password=Wrong-Pass-1!"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-CSRF-Token", csrf.Value)
	req.AddCookie(csrf)
	rec = h.do(req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid username or password")
}

func TestLoginFlow(t *testing.T) {
	h := newHarness(t)
	h.seedUser("jdoe", "Correct-Horse-9!", model.RoleOperator, false)

	session, _ := h.login("jdoe", "Correct-Horse-9!")
	assert.True(t, session.HttpOnly)

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.AddCookie(session)
	rec := h.do(req)
	require.Equal(t, http.StatusOK, rec.Code)

	var me userView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &me))
	assert.Equal(t, "jdoe", me.Username)
	assert.Equal(t, model.RoleOperator, me.Role)
}

func TestLoginBadCredentialsGeneric(t *testing.T) {
	h := newHarness(t)
	h.seedUser("jdoe", "Correct-Horse-9!", model.RoleOperator, false)

	rec := h.do(httptest.NewRequest(http.MethodGet, "/auth/login", nil))
	csrf := cookieNamed(rec, "csrf_token")

	for _, creds := range []url.Values{
		{"username": {"jdoe"}, "password": {"Wrong-Pass-1!"}},
		{"username": {"nobody"}, "password": {"Wrong-Pass-1!"}},
	} {
		creds.Set("csrf_token", csrf.Value)
		req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(creds.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.AddCookie(csrf)
		rec = h.do(req)

		// Unknown account and wrong password are indistinguishable.
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), "Invalid username or password")
		assert.Nil(t, cookieNamed(rec, "session_token"))
	}
}

func TestAnonymousRejectedOnGuardedRoutes(t *testing.T) {
	h := newHarness(t)
	for _, path := range []string{"/dashboard", "/packages", "/auth/me", "/admin/users"} {
		rec := h.do(httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
}

func TestInvalidSessionCookieCleared(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	req.AddCookie(&http.Cookie{Name: "session_token", Value: "bogus"})
	rec := h.do(req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	cleared := cookieNamed(rec, "session_token")
	require.NotNil(t, cleared)
	assert.Empty(t, cleared.Value)
	assert.Less(t, cleared.MaxAge, 0)
}

func TestMustChangePasswordConfinement(t *testing.T) {
	h := newHarness(t)
	h.seedUser("fresh", "Correct-Horse-9!", model.RoleOperator, true)

	session, _ := h.login("fresh", "Correct-Horse-9!")

	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	req.AddCookie(session)
	rec := h.do(req)
	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/me/force-password-change", rec.Header().Get("Location"))

	// The change form itself stays reachable.
	req = httptest.NewRequest(http.MethodGet, "/me/force-password-change", nil)
	req.AddCookie(session)
	rec = h.do(req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLogoutTerminatesSession(t *testing.T) {
	h := newHarness(t)
	h.seedUser("jdoe", "Correct-Horse-9!", model.RoleOperator, false)
	session, csrf := h.login("jdoe", "Correct-Horse-9!")

	form := url.Values{"csrf_token": {csrf.Value}}
	req := httptest.NewRequest(http.MethodPost, "/auth/logout", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(session)
	req.AddCookie(csrf)
	rec := h.do(req)
	require.Equal(t, http.StatusSeeOther, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.AddCookie(session)
	rec = h.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLoginRateLimitBoundary(t *testing.T) {
	h := newHarness(t)

	// The harness configures 4 requests per minute for the login bucket.
	for i := 0; i < 4; i++ {
		req := httptest.NewRequest(http.MethodGet, "/auth/login", nil)
		req.Header.Set("X-Forwarded-For", "198.51.100.7")
		rec := h.do(req)
		assert.Equal(t, http.StatusOK, rec.Code, "request %d within the window", i+1)
	}

	req := httptest.NewRequest(http.MethodGet, "/auth/login", nil)
	req.Header.Set("X-Forwarded-For", "198.51.100.7")
	rec := h.do(req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	// Another client is unaffected.
	req = httptest.NewRequest(http.MethodGet, "/auth/login", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	rec = h.do(req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitBucketsIndependent(t *testing.T) {
	h := newHarness(t)

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/auth/login", nil)
		req.Header.Set("X-Forwarded-For", "198.51.100.8")
		h.do(req)
	}
	// The login bucket is exhausted; general routes still answer.
	req := httptest.NewRequest(http.MethodGet, "/packages", nil)
	req.Header.Set("X-Forwarded-For", "198.51.100.8")
	rec := h.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "limited by auth, not by rate")
}

func TestHealthExemptFromRateLimit(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 20; i++ {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("X-Forwarded-For", "198.51.100.9")
		rec := h.do(req)
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestAuditLogsRequireSuperAdmin(t *testing.T) {
	h := newHarness(t)
	h.seedUser("op", "Correct-Horse-9!", model.RoleOperator, false)
	h.seedUser("boss", "Correct-Horse-9!", model.RoleSuperAdmin, false)

	opSession, _ := h.login("op", "Correct-Horse-9!")
	req := httptest.NewRequest(http.MethodGet, "/admin/audit-logs", nil)
	req.AddCookie(opSession)
	rec := h.do(req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	bossSession, _ := h.login("boss", "Correct-Horse-9!")
	req = httptest.NewRequest(http.MethodGet, "/admin/audit-logs", nil)
	req.AddCookie(bossSession)
	rec = h.do(req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuditChainVerification(t *testing.T) {
	h := newHarness(t)
	h.seedUser("op", "Correct-Horse-9!", model.RoleOperator, false)
	h.seedUser("boss", "Correct-Horse-9!", model.RoleSuperAdmin, false)

	opSession, _ := h.login("op", "Correct-Horse-9!")
	req := httptest.NewRequest(http.MethodGet, "/admin/audit-logs/verify", nil)
	req.AddCookie(opSession)
	assert.Equal(t, http.StatusForbidden, h.do(req).Code)

	bossSession, _ := h.login("boss", "Correct-Horse-9!")
	verify := func() map[string]any {
		req := httptest.NewRequest(http.MethodGet, "/admin/audit-logs/verify", nil)
		req.AddCookie(bossSession)
		rec := h.do(req)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		return body
	}

	body := verify()
	assert.Equal(t, true, body["valid"])
	assert.Equal(t, float64(2), body["entries_verified"], "one login event per login")

	// Tampering with a recorded entry flips the result and reports how far
	// the chain held.
	require.NoError(t, h.st.ApplyWrite(context.Background(),
		`UPDATE auth_events SET username = 'mallory' WHERE seq = 1`))
	body = verify()
	assert.Equal(t, false, body["valid"])
	assert.Equal(t, float64(0), body["entries_verified"])
	assert.Contains(t, body["error"], "hash mismatch")
}

func TestRootRedirectsToLogin(t *testing.T) {
	h := newHarness(t)
	rec := h.do(httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/auth/login", rec.Header().Get("Location"))
}
