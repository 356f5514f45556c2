package auth

import (
	"context"
	"errors"
	"net/netip"
	"strings"
	"time"
)

// Rate-limited actions.
const (
	ActionLogin                = "login"
	ActionRegister             = "register"
	ActionPasswordReset        = "password_reset"
	ActionPasswordResetConfirm = "password_reset_confirm"
	ActionChangePassword       = "change_password"
	ActionRefresh              = "refresh"
)

const (
	defaultMaxAttempts = 5
	defaultBlockWindow = 5 * time.Minute
	unknownIdentifier  = "0.0.0.0"
)

// RatePolicy sets how many attempts are allowed before a block of Window.
type RatePolicy struct {
	MaxAttempts int
	Window      time.Duration
}

func (p RatePolicy) withDefaults() RatePolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.Window <= 0 {
		p.Window = defaultBlockWindow
	}
	return p
}

// RateLimiter tracks attempts per (identifier, action).
type RateLimiter struct {
	store  RateLimitStore
	policy RatePolicy
	now    func() time.Time
}

func NewRateLimiter(store RateLimitStore, policy RatePolicy, now func() time.Time) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{store: store, policy: policy.withDefaults(), now: now}
}

// NormalizeIdentifier reduces an X-Forwarded-For style value to its first
// entry and returns it when it is a valid IP, else a fixed placeholder.
func NormalizeIdentifier(raw string) string {
	first, _, _ := strings.Cut(raw, ",")
	first = strings.TrimSpace(first)
	if first == "" {
		return unknownIdentifier
	}
	if addr, err := netip.ParseAddr(first); err == nil {
		return addr.Unmap().String()
	}
	if ap, err := netip.ParseAddrPort(first); err == nil {
		return ap.Addr().Unmap().String()
	}
	return unknownIdentifier
}

// IsBlocked looks only at blocked_until. A pair never seen is not blocked.
func (l *RateLimiter) IsBlocked(ctx context.Context, action, identifier string) (bool, time.Duration, error) {
	rec, err := l.store.Get(ctx, identifier, action)
	if errors.Is(err, ErrNotFound) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, err
	}
	now := l.now()
	if !rec.BlockedAt(now) {
		return false, 0, nil
	}
	return true, rec.BlockedUntil.Sub(now), nil
}

// Check returns a *RateLimitError while the pair is blocked.
func (l *RateLimiter) Check(ctx context.Context, action, identifier string) error {
	blocked, retry, err := l.IsBlocked(ctx, action, identifier)
	if err != nil {
		return err
	}
	if blocked {
		return &RateLimitError{Action: action, RetryAfter: retry}
	}
	return nil
}

// Increment records one attempt.
func (l *RateLimiter) Increment(ctx context.Context, action, identifier string) (RateLimitRecord, error) {
	return l.store.Increment(ctx, identifier, action, l.policy.MaxAttempts, l.policy.Window, l.now())
}

// Reset clears the pair after a verified success.
func (l *RateLimiter) Reset(ctx context.Context, action, identifier string) error {
	return l.store.Reset(ctx, identifier, action)
}

// Policy returns the effective policy.
func (l *RateLimiter) Policy() RatePolicy { return l.policy }
