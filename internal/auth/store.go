package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the auth subsystem.
// Every operation that guards a security invariant is a single statement in
// the SQL implementation.
type Store interface {
	Users() UserStore
	Roles() RoleStore
	Profiles() ProfileStore
	Signups() SignupStore
	Sessions() SessionStore
	CSRFTokens() CSRFStore
	RateLimits() RateLimitStore
	Resets() PasswordResetStore
	Outbox() OutboxStore
	Events() EventStore

	// WithTx runs fn against a transactional view of the store. fn's error
	// rolls the transaction back.
	WithTx(ctx context.Context, fn func(tx Store) error) error
}

// UserStore manages users.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	// FindByEmail matches case-insensitively and skips soft-deleted users.
	FindByEmail(ctx context.Context, email string) (*User, error)
	Count(ctx context.Context) (int, error)
	// RecordFailure increments the failed-attempt counter and sets
	// locked_until once the counter reaches threshold. A counter whose lock
	// has already elapsed restarts at one.
	RecordFailure(ctx context.Context, userID string, threshold int, lockFor time.Duration, now time.Time) (*User, error)
	RecordSuccess(ctx context.Context, userID, ip string, now time.Time) error
	// UpdatePassword also clears any lockout.
	UpdatePassword(ctx context.Context, userID, passwordHash string, now time.Time) error
}

// RoleStore manages the role catalog and assignments.
type RoleStore interface {
	EnsureCatalog(ctx context.Context, roles []Role, perms []Permission, grants map[string][]string) error
	Assign(ctx context.Context, a Assignment) error
	Revoke(ctx context.Context, userID, role string) error
	Assignments(ctx context.Context, userID string) ([]Assignment, error)
}

// ProfileStore manages practitioner profiles.
type ProfileStore interface {
	Create(ctx context.Context, p *Profile) error
	Find(ctx context.Context, userID string) (*Profile, error)
}

// SignupStore manages approval requests.
type SignupStore interface {
	Create(ctx context.Context, r *SignupRequest) error
	Find(ctx context.Context, id string) (*SignupRequest, error)
	ListPending(ctx context.Context) ([]SignupRequest, error)
	// Decide moves a pending request to status. A request that is no longer
	// pending yields ErrConflict.
	Decide(ctx context.Context, id, status, decidedBy string, now time.Time) (*SignupRequest, error)
}

// SessionStore manages refresh token rows.
type SessionStore interface {
	Create(ctx context.Context, s *Session) error
	// Touch returns the live session matching hash and stamps its activity.
	Touch(ctx context.Context, hash string, now time.Time) (*Session, error)
	// Rotate overwrites the hash and expiry of the live session matching
	// oldHash. Of concurrent callers with the same oldHash exactly one wins;
	// the others get ErrNotFound.
	Rotate(ctx context.Context, oldHash, newHash string, expiresAt, now time.Time, meta ClientMeta) (*Session, error)
	// Revoke marks the session with hash revoked. A non-empty userID
	// restricts the match to that owner. Unknown hashes are not an error.
	Revoke(ctx context.Context, hash, userID string, now time.Time) error
	RevokeAll(ctx context.Context, userID string, now time.Time) (int64, error)
	ListActive(ctx context.Context, userID string, now time.Time) ([]Session, error)
}

// CSRFStore manages one-time tokens.
type CSRFStore interface {
	Create(ctx context.Context, t CSRFToken) error
	// Consume marks an unused, unexpired token used and reports whether it did.
	Consume(ctx context.Context, hash string, now time.Time) (bool, error)
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// RateLimitStore holds attempt counters.
type RateLimitStore interface {
	Get(ctx context.Context, identifier, action string) (*RateLimitRecord, error)
	// Increment adds one attempt and blocks once attempts reach max. A
	// record whose block elapsed or whose last update is older than window
	// restarts at one.
	Increment(ctx context.Context, identifier, action string, max int, window time.Duration, now time.Time) (RateLimitRecord, error)
	Reset(ctx context.Context, identifier, action string) error
	Purge(ctx context.Context, staleBefore time.Time) (int64, error)
}

// PasswordResetStore manages reset grants.
type PasswordResetStore interface {
	// Put replaces any outstanding grant of the user.
	Put(ctx context.Context, r PasswordReset) error
	// Consume deletes the live grant matching hash and returns its user.
	Consume(ctx context.Context, hash string, now time.Time) (string, error)
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// OutboxStore queues notifications for delivery.
type OutboxStore interface {
	Enqueue(ctx context.Context, n *Notification) error
}

// EventStore appends immutable security events.
type EventStore interface {
	Append(ctx context.Context, e *SecurityEvent) error
	List(ctx context.Context, limit int) ([]SecurityEvent, error)
}
