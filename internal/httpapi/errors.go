package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"otportal.org/internal/audit"
	"otportal.org/internal/auth"
	"otportal.org/internal/obs"
)

const csrfInvalid = "csrf_invalid"

// writeServiceError translates an auth error into a status code and
// envelope. Storage and other unexpected errors become a generic 500.
func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		vErr  *auth.ValidationError
		rlErr *auth.RateLimitError
	)
	switch {
	case errors.As(err, &vErr):
		writeJSON(w, http.StatusUnprocessableEntity, envelope{
			Error:     "validation failed",
			Errors:    vErr.Fields,
			RequestID: audit.RequestIDFromContext(r.Context()),
		})
	case errors.As(err, &rlErr):
		w.Header().Set("Retry-After", strconv.Itoa(rlErr.RetryAfterSeconds()))
		writeError(w, r, http.StatusTooManyRequests, "too many attempts, try again later")
	case errors.Is(err, auth.ErrCSRF):
		writeJSON(w, http.StatusForbidden, envelope{
			Message:   "missing or invalid CSRF token",
			Error:     csrfInvalid,
			RequestID: audit.RequestIDFromContext(r.Context()),
		})
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, auth.ErrInvalidToken):
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		writeError(w, r, http.StatusUnauthorized, "invalid or expired token")
	case errors.Is(err, auth.ErrUnauthenticated):
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeError(w, r, http.StatusUnauthorized, "authentication required")
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "insufficient permissions")
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, publicMessage(err))
	case errors.Is(err, auth.ErrConflict):
		writeError(w, r, http.StatusConflict, publicMessage(err))
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "resource not found")
	default:
		obs.Logger().WithError(err).
			WithField("request_id", audit.RequestIDFromContext(r.Context())).
			WithField("path", r.URL.Path).
			Error("request failed")
		msg := "internal server error"
		if !a.opts.Production {
			msg = err.Error()
		}
		writeError(w, r, http.StatusInternalServerError, msg)
	}
}

// publicMessage strips the package prefix from sentinel-wrapped errors.
func publicMessage(err error) string {
	return strings.TrimPrefix(err.Error(), "auth: ")
}
