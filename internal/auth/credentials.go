package auth

import (
	"context"
	"strings"
	"time"
)

const (
	defaultLockoutThreshold = 5
	defaultLockoutDuration  = 15 * time.Minute
)

// LockoutPolicy controls per-account lockout after repeated failures.
type LockoutPolicy struct {
	Threshold int
	Duration  time.Duration
}

func (p LockoutPolicy) withDefaults() LockoutPolicy {
	if p.Threshold <= 0 {
		p.Threshold = defaultLockoutThreshold
	}
	if p.Duration <= 0 {
		p.Duration = defaultLockoutDuration
	}
	return p
}

// Credentials is the credential store: user lookup, password verification
// and lockout bookkeeping.
type Credentials struct {
	users  UserStore
	hasher *Hasher
	policy LockoutPolicy
	now    func() time.Time
}

func NewCredentials(users UserStore, hasher *Hasher, policy LockoutPolicy, now func() time.Time) *Credentials {
	if now == nil {
		now = time.Now
	}
	return &Credentials{users: users, hasher: hasher, policy: policy.withDefaults(), now: now}
}

// NormalizeEmail trims and lower-cases an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// FindByEmail returns ErrNotFound for unknown or soft-deleted accounts.
func (c *Credentials) FindByEmail(ctx context.Context, email string) (*User, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return nil, ErrNotFound
	}
	return c.users.FindByEmail(ctx, email)
}

func (c *Credentials) VerifyPassword(plain, hash string) bool {
	return c.hasher.Verify(plain, hash)
}

// BurnVerify spends the same work as VerifyPassword without a real hash.
func (c *Credentials) BurnVerify(plain string) {
	c.hasher.Burn(plain)
}

// IsLocked reports whether u is inside a lockout window.
func (c *Credentials) IsLocked(u *User) bool {
	return u.LockedAt(c.now())
}

// RecordFailedAttempt increments the user's counter and reports whether the
// account is locked afterwards.
func (c *Credentials) RecordFailedAttempt(ctx context.Context, u *User) (bool, error) {
	now := c.now()
	updated, err := c.users.RecordFailure(ctx, u.ID, c.policy.Threshold, c.policy.Duration, now)
	if err != nil {
		return false, err
	}
	*u = *updated
	return u.LockedAt(now), nil
}

// RecordSuccess resets the counter, clears the lock and stamps last login.
func (c *Credentials) RecordSuccess(ctx context.Context, u *User, ip string) error {
	now := c.now()
	if err := c.users.RecordSuccess(ctx, u.ID, ip, now); err != nil {
		return err
	}
	u.FailedAttempts = 0
	u.LockedUntil = nil
	u.LastLoginAt = &now
	u.LastLoginIP = ip
	return nil
}

// UpgradeHash rehashes plain when u's stored hash uses outdated parameters.
func (c *Credentials) UpgradeHash(ctx context.Context, u *User, plain string) error {
	if !c.hasher.NeedsRehash(u.PasswordHash) {
		return nil
	}
	hash, err := c.hasher.Hash(plain)
	if err != nil {
		return err
	}
	if err := c.users.UpdatePassword(ctx, u.ID, hash, c.now()); err != nil {
		return err
	}
	u.PasswordHash = hash
	return nil
}
