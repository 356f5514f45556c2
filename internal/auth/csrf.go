package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"otportal.org/internal/ids"
)

const defaultCSRFTTL = time.Hour

// CSRFGuard issues and consumes one-time CSRF tokens.
type CSRFGuard struct {
	store CSRFStore
	ttl   time.Duration
	now   func() time.Time
}

func NewCSRFGuard(store CSRFStore, ttl time.Duration, now func() time.Time) *CSRFGuard {
	if ttl <= 0 {
		ttl = defaultCSRFTTL
	}
	if now == nil {
		now = time.Now
	}
	return &CSRFGuard{store: store, ttl: ttl, now: now}
}

// RequiresCheck reports whether method can change state.
func RequiresCheck(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return false
	default:
		return true
	}
}

// Generate stores a token bound loosely to sessionRef. An empty ref gets a
// fresh random one.
func (g *CSRFGuard) Generate(ctx context.Context, sessionRef string) (string, time.Time, error) {
	if strings.TrimSpace(sessionRef) == "" {
		sessionRef = uuid.NewString()
	}
	raw, err := ids.Secret(32)
	if err != nil {
		return "", time.Time{}, err
	}
	now := g.now().UTC()
	tok := CSRFToken{
		TokenHash:  hashToken(raw),
		SessionRef: sessionRef,
		ExpiresAt:  now.Add(g.ttl),
		CreatedAt:  now,
	}
	if err := g.store.Create(ctx, tok); err != nil {
		return "", time.Time{}, err
	}
	return raw, tok.ExpiresAt, nil
}

// Validate consumes token. A second presentation fails.
func (g *CSRFGuard) Validate(ctx context.Context, token string) (bool, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return false, nil
	}
	return g.store.Consume(ctx, hashToken(token), g.now().UTC())
}

// Require gates state-changing methods on a valid token.
func (g *CSRFGuard) Require(ctx context.Context, method, token string) error {
	if !RequiresCheck(method) {
		return nil
	}
	ok, err := g.Validate(ctx, token)
	if err != nil {
		return err
	}
	if !ok {
		return ErrCSRF
	}
	return nil
}
