package auth

import (
	"context"
	"time"

	"otportal.org/internal/ids"
)

// Security event types.
const (
	EventLoginSuccess           = "login_success"
	EventLoginFailed            = "login_failed"
	EventLogout                 = "logout"
	EventRateLimited            = "rate_limited"
	EventCSRFFailed             = "csrf_failed"
	EventUserRegistered         = "user_registered"
	EventTokenRefreshed         = "token_refreshed"
	EventTokenRefreshFailed     = "token_refresh_failed"
	EventPasswordResetRequested = "password_reset_requested"
	EventPasswordReset          = "password_reset"
	EventPasswordResetFailed    = "password_reset_failed"
	EventPasswordChanged        = "password_changed"
	EventSignupApproved         = "signup_approved"
	EventSignupRejected         = "signup_rejected"
	EventAccessDenied           = "access_denied"
	EventRoleAssigned           = "role_assigned"
	EventRoleRevoked            = "role_revoked"
)

// Login failure reasons. Clients never see them.
const (
	ReasonMissingCredentials = "missing_credentials"
	ReasonUnknownEmail       = "unknown_email"
	ReasonInactive           = "inactive"
	ReasonAccountLocked      = "account_locked"
	ReasonBadPassword        = "bad_password"
)

// EventSink receives security events. Implementations must not block the
// request on delivery failures.
type EventSink interface {
	Record(ctx context.Context, e SecurityEvent)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, e SecurityEvent)

func (f EventSinkFunc) Record(ctx context.Context, e SecurityEvent) { f(ctx, e) }

// storeSink persists events and drops failures.
type storeSink struct{ events EventStore }

func (s storeSink) Record(ctx context.Context, e SecurityEvent) {
	_ = s.events.Append(ctx, &e)
}

func newEvent(now time.Time, typ, userID string, meta ClientMeta, detail map[string]string) SecurityEvent {
	return SecurityEvent{
		ID:         ids.New(),
		OccurredAt: now.UTC(),
		UserID:     userID,
		Type:       typ,
		IP:         meta.IP,
		UserAgent:  meta.UserAgent,
		Detail:     detail,
	}
}
