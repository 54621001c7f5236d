// Package web is the HTTP surface: middleware pipeline, route table and
// handlers. Handlers stay thin; policy and persistence live in the
// services.
package web

import (
	"net/http"
	"time"

	"github.com/oakmount-io/mailroom/pkg/audit"
	"github.com/oakmount-io/mailroom/pkg/config"
	"github.com/oakmount-io/mailroom/pkg/identity"
	"github.com/oakmount-io/mailroom/pkg/packages"
	"github.com/oakmount-io/mailroom/pkg/recipients"
	"github.com/oakmount-io/mailroom/pkg/settings"
	"github.com/oakmount-io/mailroom/pkg/store"
)

// requestTimeout bounds each request's handling.
const requestTimeout = 30 * time.Second

// Server holds the wired services and builds the HTTP handler.
type Server struct {
	cfg      *config.Config
	st       *store.Store
	identity *identity.Service
	recs     *recipients.Service
	pkgs     *packages.Service
	settings *settings.Service
	aud      *audit.Recorder
	limiter  *rateLimiter

	version   string
	startedAt time.Time
}

func NewServer(cfg *config.Config, st *store.Store, id *identity.Service, recs *recipients.Service,
	pkgs *packages.Service, set *settings.Service, aud *audit.Recorder, version string) *Server {
	return &Server{
		cfg:       cfg,
		st:        st,
		identity:  id,
		recs:      recs,
		pkgs:      pkgs,
		settings:  set,
		aud:       aud,
		limiter:   newRateLimiter(cfg.RateLimitLogin, cfg.RateLimitAPI),
		version:   version,
		startedAt: time.Now(),
	}
}

// Handler assembles the middleware pipeline around the route table:
// session binding, then CSRF, then rate limiting, with security headers
// stamped on every response.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.routes(mux)

	var h http.Handler = mux
	h = s.rateLimit(h)
	h = s.csrf(h)
	h = s.sessionBinding(h)
	h = s.securityHeaders(h)
	return withDeadline(h, requestTimeout)
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/auth/login", http.StatusSeeOther)
	})
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /auth/login", s.handleLoginPage)
	mux.HandleFunc("POST /auth/login", s.handleLogin)
	mux.HandleFunc("POST /auth/logout", s.handleLogout)
	mux.HandleFunc("GET /auth/me", s.authed(s.handleMe))

	mux.HandleFunc("GET /me/profile", s.authed(s.handleMe))
	mux.HandleFunc("GET /me/password", s.authed(s.handlePasswordForm))
	mux.HandleFunc("POST /me/password", s.authed(s.handlePasswordChange))
	mux.HandleFunc("GET /me/force-password-change", s.authed(s.handlePasswordForm))
	mux.HandleFunc("POST /me/force-password-change", s.authed(s.handlePasswordChange))
	mux.HandleFunc("GET /me/sessions", s.authed(s.handleListSessions))
	mux.HandleFunc("POST /me/sessions/{id}/terminate", s.authed(s.handleTerminateSession))

	mux.HandleFunc("GET /dashboard", s.authed(s.handleDashboard))
	mux.HandleFunc("GET /packages", s.authed(s.handlePackageList))
	mux.HandleFunc("GET /packages/new", s.authed(s.handlePackageForm))
	mux.HandleFunc("POST /packages/new", s.authed(s.handlePackageRegister))
	mux.HandleFunc("GET /packages/{id}", s.authed(s.handlePackageDetail))
	mux.HandleFunc("POST /packages/{id}/status", s.authed(s.handlePackageStatus))
	mux.HandleFunc("POST /packages/{id}/photo", s.authed(s.handlePackagePhoto))
	mux.HandleFunc("GET /packages/{id}/qrcode/download", s.authed(s.handlePackageQR))
	mux.HandleFunc("GET /packages/{id}/qrcode/print", s.authed(s.handlePackageQR))

	mux.HandleFunc("GET /recipients", s.authed(s.handleRecipientList))
	mux.HandleFunc("GET /recipients/search", s.authed(s.handleRecipientSearch))

	mux.HandleFunc("GET /admin/dashboard", s.authed(s.handleAdminDashboard))
	mux.HandleFunc("GET /admin/users", s.authed(s.handleUserList))
	mux.HandleFunc("GET /admin/users/new", s.authed(s.handleUserForm))
	mux.HandleFunc("POST /admin/users/new", s.authed(s.handleUserCreate))
	mux.HandleFunc("GET /admin/users/{id}/edit", s.authed(s.handleUserGet))
	mux.HandleFunc("PUT /admin/users/{id}/edit", s.authed(s.handleUserUpdate))
	mux.HandleFunc("POST /admin/users/{id}/deactivate", s.authed(s.handleUserDeactivate))
	mux.HandleFunc("POST /admin/users/{id}/password", s.authed(s.handleUserResetPassword))

	mux.HandleFunc("GET /admin/recipients", s.authed(s.handleAdminRecipientList))
	mux.HandleFunc("GET /admin/recipients/new", s.authed(s.handleRecipientForm))
	mux.HandleFunc("POST /admin/recipients/new", s.authed(s.handleRecipientCreate))
	mux.HandleFunc("GET /admin/recipients/{id}/edit", s.authed(s.handleRecipientGet))
	mux.HandleFunc("POST /admin/recipients/{id}/edit", s.authed(s.handleRecipientUpdate))
	mux.HandleFunc("PUT /admin/recipients/{id}/edit", s.authed(s.handleRecipientUpdate))
	mux.HandleFunc("POST /admin/recipients/{id}/deactivate", s.authed(s.handleRecipientDeactivate))
	mux.HandleFunc("GET /admin/recipients/import", s.authed(s.handleImportForm))
	mux.HandleFunc("POST /admin/recipients/import/validate", s.authed(s.handleImportValidate))
	mux.HandleFunc("POST /admin/recipients/import/confirm", s.authed(s.handleImportConfirm))

	mux.HandleFunc("GET /admin/reports", s.authed(s.handleReports))
	mux.HandleFunc("GET /admin/reports/preview", s.authed(s.handleReports))
	mux.HandleFunc("GET /admin/reports/export", s.authed(s.handleReportExport))

	mux.HandleFunc("GET /admin/settings", s.authed(s.handleSettingsGet))
	mux.HandleFunc("POST /admin/settings/qr-base-url", s.authed(s.handleSettingsQRBaseURL))
	mux.HandleFunc("GET /admin/audit-logs", s.authed(s.handleAuditLogs))
	mux.HandleFunc("GET /admin/audit-logs/verify", s.authed(s.handleAuditVerify))
}

// authed rejects anonymous requests before the handler runs.
func (s *Server) authed(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if UserFrom(r.Context()) == nil {
			WriteUnauthorized(w, "")
			return
		}
		h(w, r)
	}
}

// HTTPServer builds the configured http.Server around Handler.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       requestTimeout,
		WriteTimeout:      requestTimeout + 5*time.Second,
		IdleTimeout:       2 * time.Minute,
	}
}
