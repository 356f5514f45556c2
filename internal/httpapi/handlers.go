package httpapi

import (
	"context"
	"net/http"
	"time"

	"otportal.org/internal/auth"
	"otportal.org/internal/obs"
)

const serviceName = "otportal-auth"

// Options tune the HTTP layer. Zero values fall back to defaults.
type Options struct {
	Version        string
	CSRFEnabled    bool
	Production     bool
	AllowedOrigins []string
	ThrottleRPS    float64
	ThrottleBurst  int
	MaxBodyBytes   int64
}

func (o Options) withDefaults() Options {
	if o.ThrottleRPS <= 0 {
		o.ThrottleRPS = 20
	}
	if o.ThrottleBurst <= 0 {
		o.ThrottleBurst = 40
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = 1 << 20
	}
	return o
}

type readinessChecker interface {
	Check(ctx context.Context) map[string]string
}

// API is the HTTP surface of the auth service.
type API struct {
	mux    *http.ServeMux
	svc    *auth.Service
	health readinessChecker
	opts   Options
}

func New(svc *auth.Service, health readinessChecker, opts Options) *API {
	a := &API{
		mux:    http.NewServeMux(),
		svc:    svc,
		health: health,
		opts:   opts.withDefaults(),
	}

	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.HandleFunc("GET /v1/auth/csrf", a.handleCSRFToken)
	a.mux.HandleFunc("POST /v1/auth/register", a.handleRegister)
	a.mux.HandleFunc("POST /v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("POST /v1/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("POST /v1/auth/logout", a.authed(a.handleLogout))
	a.mux.HandleFunc("GET /v1/auth/me", a.authed(a.handleMe))
	a.mux.HandleFunc("GET /v1/auth/sessions", a.authed(a.handleSessions))
	a.mux.HandleFunc("POST /v1/auth/password/forgot", a.handleForgotPassword)
	a.mux.HandleFunc("POST /v1/auth/password/reset", a.handleResetPassword)
	a.mux.HandleFunc("POST /v1/auth/password/change", a.authed(a.handleChangePassword))

	a.mux.HandleFunc("GET /v1/admin/signups", a.authed(a.handleListSignups))
	a.mux.HandleFunc("POST /v1/admin/signups/{id}/approve", a.authed(a.handleApproveSignup))
	a.mux.HandleFunc("POST /v1/admin/signups/{id}/reject", a.authed(a.handleRejectSignup))
	a.mux.HandleFunc("GET /v1/admin/security-events", a.authed(a.handleSecurityEvents))
	a.mux.HandleFunc("GET /v1/users/{id}/roles", a.authed(a.handleUserRoles))
	a.mux.HandleFunc("POST /v1/users/{id}/roles", a.authed(a.handleAssignRole))
	a.mux.HandleFunc("DELETE /v1/users/{id}/roles/{role}", a.authed(a.handleRevokeRole))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})

	return a
}

// Handler returns the fully wrapped handler. Requests pass the throttle,
// then identity resolution, then the CSRF gate before reaching a route.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withCSRF(h)
	h = a.withIdentity(h)
	h = RateLimit(h, a.opts.ThrottleBurst, a.opts.ThrottleRPS)
	h = MaxBodyBytes(h, a.opts.MaxBodyBytes)
	h = CORS(h, a.opts.AllowedOrigins)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.opts.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if a.health != nil {
		if failures := a.health.Check(r.Context()); len(failures) > 0 {
			body := map[string]any{"status": "not_ready"}
			if !a.opts.Production {
				body["failures"] = failures
			}
			writeJSON(w, http.StatusServiceUnavailable, body)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.opts.Version,
	})
}
