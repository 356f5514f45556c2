package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"otportal.org/internal/audit"
	"otportal.org/internal/auth"
	"otportal.org/internal/obs"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
	csrfHeader = "X-CSRF-Token"
)

type tokenErrorKey struct{}

// withIdentity resolves an optional bearer token into a Principal and opens
// the per-request role cache. A bad token does not reject the request here;
// routes that need a caller answer 401 through authed.
func (a *API) withIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := auth.WithRequestCache(r.Context())
		if header := r.Header.Get(authHeader); header != "" {
			token, err := extractBearerToken(header)
			if err == nil {
				var principal auth.Principal
				principal, err = a.svc.Authenticate(ctx, token)
				if err == nil {
					ctx = auth.ContextWithPrincipal(ctx, principal)
				}
			}
			if err != nil {
				ctx = context.WithValue(ctx, tokenErrorKey{}, err)
			}
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type principalHandler func(w http.ResponseWriter, r *http.Request, p auth.Principal)

// authed rejects requests without a valid bearer token.
func (a *API) authed(h principalHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			err := auth.ErrUnauthenticated
			if _, bad := r.Context().Value(tokenErrorKey{}).(error); bad {
				err = auth.ErrInvalidToken
			}
			a.writeServiceError(w, r, err)
			return
		}
		h(w, r, principal)
	}
}

// withCSRF consumes the X-CSRF-Token of every state-changing request and
// hands out a replacement in the response header.
func (a *API) withCSRF(next http.Handler) http.Handler {
	if !a.opts.CSRFEnabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !auth.RequiresCheck(r.Method) {
			next.ServeHTTP(w, r)
			return
		}
		err := a.svc.VerifyCSRF(r.Context(), r.Method, r.Header.Get(csrfHeader), clientMeta(r))
		if err != nil {
			a.writeServiceError(w, r, err)
			return
		}
		if _, _, err := a.issueCSRF(w, r); err != nil {
			obs.Logger().WithError(err).
				WithField("request_id", audit.RequestIDFromContext(r.Context())).
				Warn("csrf token rotation failed")
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) issueCSRF(w http.ResponseWriter, r *http.Request) (string, time.Time, error) {
	ref := audit.RequestIDFromContext(r.Context())
	if p, ok := auth.PrincipalFromContext(r.Context()); ok && p.TokenID != "" {
		ref = p.TokenID
	}
	token, expires, err := a.svc.CSRF().Generate(r.Context(), ref)
	if err != nil {
		return "", time.Time{}, err
	}
	w.Header().Set(csrfHeader, token)
	return token, expires, nil
}

func clientMeta(r *http.Request) auth.ClientMeta {
	return auth.ClientMeta{IP: clientIP(r), UserAgent: r.UserAgent()}
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
