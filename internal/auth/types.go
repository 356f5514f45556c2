package auth

import "time"

// User is a portal account. Users are soft-deleted only.
type User struct {
	ID             string     `json:"id"`
	Email          string     `json:"email"`
	PasswordHash   string     `json:"-"`
	Active         bool       `json:"active"`
	FailedAttempts int        `json:"-"`
	LockedUntil    *time.Time `json:"-"`
	LastLoginAt    *time.Time `json:"last_login_at,omitempty"`
	LastLoginIP    string     `json:"-"`
	DeletedAt      *time.Time `json:"-"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// CanLogin reports whether the account is allowed to authenticate at all.
func (u *User) CanLogin() bool {
	return u != nil && u.Active && u.DeletedAt == nil
}

// LockedAt reports whether a lockout is in force at now.
func (u *User) LockedAt(now time.Time) bool {
	return u != nil && u.LockedUntil != nil && u.LockedUntil.After(now)
}

// Role groups permissions.
type Role struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Permission is a fine-grained capability.
type Permission struct {
	Key         string `json:"key"`
	Description string `json:"description,omitempty"`
}

// Assignment gives a user a role, optionally until ExpiresAt.
type Assignment struct {
	UserID    string     `json:"user_id"`
	Role      string     `json:"role"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// ActiveAt treats an expired assignment as absent.
func (a Assignment) ActiveAt(now time.Time) bool {
	return a.ExpiresAt == nil || a.ExpiresAt.After(now)
}

// Profile is the practitioner record created alongside a user at registration.
type Profile struct {
	UserID       string    `json:"user_id"`
	FirstName    string    `json:"first_name"`
	LastName     string    `json:"last_name"`
	PracticeName string    `json:"practice_name,omitempty"`
	Phone        string    `json:"phone,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

const (
	SignupPending  = "pending"
	SignupApproved = "approved"
	SignupRejected = "rejected"
)

// SignupRequest tracks a pending practitioner awaiting approval.
type SignupRequest struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	Email         string     `json:"email,omitempty"`
	RequestedRole string     `json:"requested_role"`
	Status        string     `json:"status"`
	DecidedBy     string     `json:"decided_by,omitempty"`
	DecidedAt     *time.Time `json:"decided_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Session is one refresh token grant. Only the hash of the token is kept.
type Session struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	TokenHash      string     `json:"-"`
	ExpiresAt      time.Time  `json:"expires_at"`
	Revoked        bool       `json:"revoked"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	IP             string     `json:"ip,omitempty"`
	UserAgent      string     `json:"user_agent,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// CSRFToken is a one-time token record.
type CSRFToken struct {
	TokenHash  string
	SessionRef string
	ExpiresAt  time.Time
	UsedAt     *time.Time
	CreatedAt  time.Time
}

// RateLimitRecord counts attempts for an (identifier, action) pair.
type RateLimitRecord struct {
	Identifier   string
	Action       string
	Attempts     int
	BlockedUntil *time.Time
	UpdatedAt    time.Time
}

// BlockedAt reports whether the block is in force at now.
func (r RateLimitRecord) BlockedAt(now time.Time) bool {
	return r.BlockedUntil != nil && r.BlockedUntil.After(now)
}

// PasswordReset is an outstanding reset grant. At most one per user.
type PasswordReset struct {
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Notification is queued in the outbox and delivered by an external worker.
type Notification struct {
	ID        string            `json:"id"`
	Kind      string            `json:"kind"`
	Recipient string            `json:"recipient"`
	Payload   map[string]string `json:"payload,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	SentAt    *time.Time        `json:"sent_at,omitempty"`
}

// SecurityEvent is an append-only audit record.
type SecurityEvent struct {
	ID         string            `json:"id"`
	OccurredAt time.Time         `json:"occurred_at"`
	UserID     string            `json:"user_id,omitempty"`
	Type       string            `json:"event_type"`
	IP         string            `json:"ip,omitempty"`
	UserAgent  string            `json:"user_agent,omitempty"`
	Detail     map[string]string `json:"detail,omitempty"`
}

// ClientMeta describes the caller of a request.
type ClientMeta struct {
	IP        string
	UserAgent string
}

// TokenPair is returned by login, registration and refresh.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}
