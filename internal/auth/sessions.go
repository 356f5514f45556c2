package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"otportal.org/internal/ids"
)

const (
	defaultRefreshTTL = 14 * 24 * time.Hour
	minRefreshTTL     = 7 * 24 * time.Hour
	maxRefreshTTL     = 30 * 24 * time.Hour
	refreshTokenBytes = 32
)

// RoleSource supplies the roles embedded into access tokens.
type RoleSource interface {
	RolesFor(ctx context.Context, userID string) ([]string, error)
}

// SessionManager issues access tokens and manages rotating refresh tokens.
type SessionManager struct {
	store  SessionStore
	tokens *TokenIssuer
	roles  RoleSource
	ttl    time.Duration
	now    func() time.Time
}

// NewSessionManager clamps ttl to the supported 7 to 30 day range.
func NewSessionManager(store SessionStore, tokens *TokenIssuer, roles RoleSource, ttl time.Duration, now func() time.Time) *SessionManager {
	switch {
	case ttl <= 0:
		ttl = defaultRefreshTTL
	case ttl < minRefreshTTL:
		ttl = minRefreshTTL
	case ttl > maxRefreshTTL:
		ttl = maxRefreshTTL
	}
	if now == nil {
		now = time.Now
	}
	return &SessionManager{store: store, tokens: tokens, roles: roles, ttl: ttl, now: now}
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// IssueAccessToken signs a stateless access token.
func (m *SessionManager) IssueAccessToken(userID string, roles []string) (string, time.Time, error) {
	return m.tokens.Issue(userID, roles)
}

// IssueRefreshToken stores a new session and returns the raw token once.
func (m *SessionManager) IssueRefreshToken(ctx context.Context, userID string, meta ClientMeta) (string, *Session, error) {
	raw, err := ids.Secret(refreshTokenBytes)
	if err != nil {
		return "", nil, err
	}
	now := m.now().UTC()
	sess := &Session{
		ID:             ids.New(),
		UserID:         userID,
		TokenHash:      hashToken(raw),
		ExpiresAt:      now.Add(m.ttl),
		LastActivityAt: now,
		IP:             meta.IP,
		UserAgent:      truncate(meta.UserAgent, 512),
		CreatedAt:      now,
	}
	if err := m.store.Create(ctx, sess); err != nil {
		return "", nil, err
	}
	return raw, sess, nil
}

// IssuePair creates a new session and an access token for userID.
func (m *SessionManager) IssuePair(ctx context.Context, userID string, meta ClientMeta) (TokenPair, error) {
	roles, err := m.roles.RolesFor(ctx, userID)
	if err != nil {
		return TokenPair{}, err
	}
	access, accessExp, err := m.tokens.Issue(userID, roles)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, sess, err := m.IssueRefreshToken(ctx, userID, meta)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		TokenType:        "Bearer",
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: sess.ExpiresAt,
	}, nil
}

// ValidateRefreshToken returns the owning user of a live session.
func (m *SessionManager) ValidateRefreshToken(ctx context.Context, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrInvalidToken
	}
	sess, err := m.store.Touch(ctx, hashToken(raw), m.now().UTC())
	if errors.Is(err, ErrNotFound) {
		return "", ErrInvalidToken
	}
	if err != nil {
		return "", err
	}
	return sess.UserID, nil
}

// Rotate replaces the session's refresh token in place and returns a fresh
// pair. The old raw value stops validating as soon as this returns.
func (m *SessionManager) Rotate(ctx context.Context, oldRaw string, meta ClientMeta) (TokenPair, string, error) {
	oldRaw = strings.TrimSpace(oldRaw)
	if oldRaw == "" {
		return TokenPair{}, "", ErrInvalidToken
	}
	raw, err := ids.Secret(refreshTokenBytes)
	if err != nil {
		return TokenPair{}, "", err
	}
	now := m.now().UTC()
	meta.UserAgent = truncate(meta.UserAgent, 512)
	sess, err := m.store.Rotate(ctx, hashToken(oldRaw), hashToken(raw), now.Add(m.ttl), now, meta)
	if errors.Is(err, ErrNotFound) {
		return TokenPair{}, "", ErrInvalidToken
	}
	if err != nil {
		return TokenPair{}, "", err
	}
	roles, err := m.roles.RolesFor(ctx, sess.UserID)
	if err != nil {
		return TokenPair{}, "", err
	}
	access, accessExp, err := m.tokens.Issue(sess.UserID, roles)
	if err != nil {
		return TokenPair{}, "", err
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     raw,
		TokenType:        "Bearer",
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: sess.ExpiresAt,
	}, sess.UserID, nil
}

// Revoke marks the session for raw revoked. ownerID, when set, restricts
// the match to sessions of that user.
func (m *SessionManager) Revoke(ctx context.Context, raw, ownerID string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	return m.store.Revoke(ctx, hashToken(raw), ownerID, m.now().UTC())
}

// RevokeAll revokes every session of userID.
func (m *SessionManager) RevokeAll(ctx context.Context, userID string) (int64, error) {
	return m.store.RevokeAll(ctx, userID, m.now().UTC())
}

func (m *SessionManager) ListSessions(ctx context.Context, userID string) ([]Session, error) {
	return m.store.ListActive(ctx, userID, m.now().UTC())
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
