// Package memory is an in-process auth.Store for tests and local development.
// A single mutex makes every operation atomic, matching the single-statement
// guarantees of the SQL store.
package memory

import (
	"context"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"otportal.org/internal/auth"
)

type state struct {
	users       map[string]auth.User
	assignments map[string]map[string]auth.Assignment
	roles       map[string]auth.Role
	perms       map[string]auth.Permission
	grants      map[string][]string
	profiles    map[string]auth.Profile
	signups     map[string]auth.SignupRequest
	sessions    map[string]auth.Session
	csrf        map[string]auth.CSRFToken
	limits      map[string]auth.RateLimitRecord
	resets      map[string]auth.PasswordReset
	outbox      []auth.Notification
	events      []auth.SecurityEvent
}

func newState() state {
	return state{
		users:       map[string]auth.User{},
		assignments: map[string]map[string]auth.Assignment{},
		roles:       map[string]auth.Role{},
		perms:       map[string]auth.Permission{},
		grants:      map[string][]string{},
		profiles:    map[string]auth.Profile{},
		signups:     map[string]auth.SignupRequest{},
		sessions:    map[string]auth.Session{},
		csrf:        map[string]auth.CSRFToken{},
		limits:      map[string]auth.RateLimitRecord{},
		resets:      map[string]auth.PasswordReset{},
	}
}

func (s state) clone() state {
	c := state{
		users:       maps.Clone(s.users),
		assignments: make(map[string]map[string]auth.Assignment, len(s.assignments)),
		roles:       maps.Clone(s.roles),
		perms:       maps.Clone(s.perms),
		grants:      maps.Clone(s.grants),
		profiles:    maps.Clone(s.profiles),
		signups:     maps.Clone(s.signups),
		sessions:    maps.Clone(s.sessions),
		csrf:        maps.Clone(s.csrf),
		limits:      maps.Clone(s.limits),
		resets:      maps.Clone(s.resets),
		outbox:      append([]auth.Notification(nil), s.outbox...),
		events:      append([]auth.SecurityEvent(nil), s.events...),
	}
	for k, v := range s.assignments {
		c.assignments[k] = maps.Clone(v)
	}
	return c
}

// Store implements auth.Store in memory.
type Store struct {
	txMu sync.Mutex
	mu   sync.Mutex
	st   state
}

var _ auth.Store = (*Store)(nil)

func New() *Store {
	return &Store{st: newState()}
}

func (s *Store) Users() auth.UserStore           { return userStore{s} }
func (s *Store) Roles() auth.RoleStore           { return roleStore{s} }
func (s *Store) Profiles() auth.ProfileStore     { return profileStore{s} }
func (s *Store) Signups() auth.SignupStore       { return signupStore{s} }
func (s *Store) Sessions() auth.SessionStore     { return sessionStore{s} }
func (s *Store) CSRFTokens() auth.CSRFStore      { return csrfStore{s} }
func (s *Store) RateLimits() auth.RateLimitStore { return rateLimitStore{s} }
func (s *Store) Resets() auth.PasswordResetStore { return resetStore{s} }
func (s *Store) Outbox() auth.OutboxStore        { return outboxStore{s} }
func (s *Store) Events() auth.EventStore         { return eventStore{s} }

// WithTx serializes transactions and restores the prior state when fn
// fails. Writes made concurrently by non-transactional callers during a
// failed transaction are rolled back with it.
func (s *Store) WithTx(_ context.Context, fn func(tx auth.Store) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snapshot := s.st.clone()
	s.mu.Unlock()

	if err := fn(txStore{s}); err != nil {
		s.mu.Lock()
		s.st = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

// txStore is the view handed to WithTx callbacks; nested transactions join
// the outer one.
type txStore struct{ *Store }

func (t txStore) WithTx(_ context.Context, fn func(tx auth.Store) error) error {
	return fn(t)
}

// Notifications returns a copy of the outbox.
func (s *Store) Notifications() []auth.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]auth.Notification(nil), s.st.outbox...)
}

func (s *Store) lock() func() {
	s.mu.Lock()
	return s.mu.Unlock
}

type userStore struct{ s *Store }

func (u userStore) Create(_ context.Context, user *auth.User) error {
	defer u.s.lock()()
	email := strings.ToLower(user.Email)
	for _, existing := range u.s.st.users {
		if strings.ToLower(existing.Email) == email {
			return auth.ErrConflict
		}
	}
	if _, ok := u.s.st.users[user.ID]; ok {
		return auth.ErrConflict
	}
	u.s.st.users[user.ID] = *user
	return nil
}

func (u userStore) Find(_ context.Context, id string) (*auth.User, error) {
	defer u.s.lock()()
	user, ok := u.s.st.users[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return &user, nil
}

func (u userStore) FindByEmail(_ context.Context, email string) (*auth.User, error) {
	defer u.s.lock()()
	email = strings.ToLower(strings.TrimSpace(email))
	for _, user := range u.s.st.users {
		if user.DeletedAt == nil && strings.ToLower(user.Email) == email {
			return &user, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (u userStore) Count(context.Context) (int, error) {
	defer u.s.lock()()
	return len(u.s.st.users), nil
}

func (u userStore) RecordFailure(_ context.Context, userID string, threshold int, lockFor time.Duration, now time.Time) (*auth.User, error) {
	defer u.s.lock()()
	user, ok := u.s.st.users[userID]
	if !ok {
		return nil, auth.ErrNotFound
	}
	if user.LockedUntil != nil && !user.LockedUntil.After(now) {
		user.FailedAttempts = 0
		user.LockedUntil = nil
	}
	user.FailedAttempts++
	if user.FailedAttempts >= threshold {
		until := now.Add(lockFor)
		user.LockedUntil = &until
	}
	user.UpdatedAt = now
	u.s.st.users[userID] = user
	return &user, nil
}

func (u userStore) RecordSuccess(_ context.Context, userID, ip string, now time.Time) error {
	defer u.s.lock()()
	user, ok := u.s.st.users[userID]
	if !ok {
		return auth.ErrNotFound
	}
	user.FailedAttempts = 0
	user.LockedUntil = nil
	user.LastLoginAt = &now
	user.LastLoginIP = ip
	user.UpdatedAt = now
	u.s.st.users[userID] = user
	return nil
}

func (u userStore) UpdatePassword(_ context.Context, userID, hash string, now time.Time) error {
	defer u.s.lock()()
	user, ok := u.s.st.users[userID]
	if !ok {
		return auth.ErrNotFound
	}
	user.PasswordHash = hash
	user.FailedAttempts = 0
	user.LockedUntil = nil
	user.UpdatedAt = now
	u.s.st.users[userID] = user
	return nil
}

type roleStore struct{ s *Store }

func (r roleStore) EnsureCatalog(_ context.Context, roles []auth.Role, perms []auth.Permission, grants map[string][]string) error {
	defer r.s.lock()()
	for _, role := range roles {
		r.s.st.roles[role.Name] = role
	}
	for _, p := range perms {
		r.s.st.perms[p.Key] = p
	}
	for role, keys := range grants {
		r.s.st.grants[role] = append([]string(nil), keys...)
	}
	return nil
}

func (r roleStore) Assign(_ context.Context, a auth.Assignment) error {
	defer r.s.lock()()
	if _, ok := r.s.st.users[a.UserID]; !ok {
		return auth.ErrNotFound
	}
	byRole := r.s.st.assignments[a.UserID]
	if byRole == nil {
		byRole = map[string]auth.Assignment{}
		r.s.st.assignments[a.UserID] = byRole
	}
	byRole[a.Role] = a
	return nil
}

func (r roleStore) Revoke(_ context.Context, userID, role string) error {
	defer r.s.lock()()
	delete(r.s.st.assignments[userID], role)
	return nil
}

func (r roleStore) Assignments(_ context.Context, userID string) ([]auth.Assignment, error) {
	defer r.s.lock()()
	out := make([]auth.Assignment, 0, len(r.s.st.assignments[userID]))
	for _, a := range r.s.st.assignments[userID] {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Role < out[j].Role })
	return out, nil
}

type profileStore struct{ s *Store }

func (p profileStore) Create(_ context.Context, profile *auth.Profile) error {
	defer p.s.lock()()
	if _, ok := p.s.st.profiles[profile.UserID]; ok {
		return auth.ErrConflict
	}
	p.s.st.profiles[profile.UserID] = *profile
	return nil
}

func (p profileStore) Find(_ context.Context, userID string) (*auth.Profile, error) {
	defer p.s.lock()()
	profile, ok := p.s.st.profiles[userID]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return &profile, nil
}

type signupStore struct{ s *Store }

func (g signupStore) Create(_ context.Context, req *auth.SignupRequest) error {
	defer g.s.lock()()
	for _, existing := range g.s.st.signups {
		if existing.UserID == req.UserID {
			return auth.ErrConflict
		}
	}
	g.s.st.signups[req.ID] = *req
	return nil
}

func (g signupStore) Find(_ context.Context, id string) (*auth.SignupRequest, error) {
	defer g.s.lock()()
	req, ok := g.s.st.signups[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return &req, nil
}

func (g signupStore) ListPending(context.Context) ([]auth.SignupRequest, error) {
	defer g.s.lock()()
	var out []auth.SignupRequest
	for _, req := range g.s.st.signups {
		if req.Status == auth.SignupPending {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (g signupStore) Decide(_ context.Context, id, status, decidedBy string, now time.Time) (*auth.SignupRequest, error) {
	defer g.s.lock()()
	req, ok := g.s.st.signups[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	if req.Status != auth.SignupPending {
		return nil, auth.ErrConflict
	}
	req.Status = status
	req.DecidedBy = decidedBy
	req.DecidedAt = &now
	g.s.st.signups[id] = req
	return &req, nil
}

type sessionStore struct{ s *Store }

func (m sessionStore) Create(_ context.Context, sess *auth.Session) error {
	defer m.s.lock()()
	for _, existing := range m.s.st.sessions {
		if existing.TokenHash == sess.TokenHash {
			return auth.ErrConflict
		}
	}
	m.s.st.sessions[sess.ID] = *sess
	return nil
}

func (m sessionStore) live(hash string, now time.Time) (auth.Session, bool) {
	for _, sess := range m.s.st.sessions {
		if sess.TokenHash == hash && !sess.Revoked && sess.ExpiresAt.After(now) {
			return sess, true
		}
	}
	return auth.Session{}, false
}

func (m sessionStore) Touch(_ context.Context, hash string, now time.Time) (*auth.Session, error) {
	defer m.s.lock()()
	sess, ok := m.live(hash, now)
	if !ok {
		return nil, auth.ErrNotFound
	}
	sess.LastActivityAt = now
	m.s.st.sessions[sess.ID] = sess
	return &sess, nil
}

func (m sessionStore) Rotate(_ context.Context, oldHash, newHash string, expiresAt, now time.Time, meta auth.ClientMeta) (*auth.Session, error) {
	defer m.s.lock()()
	sess, ok := m.live(oldHash, now)
	if !ok {
		return nil, auth.ErrNotFound
	}
	sess.TokenHash = newHash
	sess.ExpiresAt = expiresAt
	sess.LastActivityAt = now
	if meta.IP != "" {
		sess.IP = meta.IP
	}
	if meta.UserAgent != "" {
		sess.UserAgent = meta.UserAgent
	}
	m.s.st.sessions[sess.ID] = sess
	return &sess, nil
}

func (m sessionStore) Revoke(_ context.Context, hash, userID string, now time.Time) error {
	defer m.s.lock()()
	for id, sess := range m.s.st.sessions {
		if sess.TokenHash != hash || sess.Revoked {
			continue
		}
		if userID != "" && sess.UserID != userID {
			continue
		}
		sess.Revoked = true
		sess.RevokedAt = &now
		m.s.st.sessions[id] = sess
	}
	return nil
}

func (m sessionStore) RevokeAll(_ context.Context, userID string, now time.Time) (int64, error) {
	defer m.s.lock()()
	var n int64
	for id, sess := range m.s.st.sessions {
		if sess.UserID != userID || sess.Revoked {
			continue
		}
		sess.Revoked = true
		sess.RevokedAt = &now
		m.s.st.sessions[id] = sess
		n++
	}
	return n, nil
}

func (m sessionStore) ListActive(_ context.Context, userID string, now time.Time) ([]auth.Session, error) {
	defer m.s.lock()()
	var out []auth.Session
	for _, sess := range m.s.st.sessions {
		if sess.UserID == userID && !sess.Revoked && sess.ExpiresAt.After(now) {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivityAt.After(out[j].LastActivityAt) })
	return out, nil
}

type csrfStore struct{ s *Store }

func (c csrfStore) Create(_ context.Context, t auth.CSRFToken) error {
	defer c.s.lock()()
	if _, ok := c.s.st.csrf[t.TokenHash]; ok {
		return auth.ErrConflict
	}
	c.s.st.csrf[t.TokenHash] = t
	return nil
}

func (c csrfStore) Consume(_ context.Context, hash string, now time.Time) (bool, error) {
	defer c.s.lock()()
	t, ok := c.s.st.csrf[hash]
	if !ok || t.UsedAt != nil || !t.ExpiresAt.After(now) {
		return false, nil
	}
	t.UsedAt = &now
	c.s.st.csrf[hash] = t
	return true, nil
}

func (c csrfStore) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	defer c.s.lock()()
	var n int64
	for hash, t := range c.s.st.csrf {
		if t.UsedAt != nil || !t.ExpiresAt.After(now) {
			delete(c.s.st.csrf, hash)
			n++
		}
	}
	return n, nil
}

type rateLimitStore struct{ s *Store }

func limitKey(identifier, action string) string { return identifier + "|" + action }

func (r rateLimitStore) Get(_ context.Context, identifier, action string) (*auth.RateLimitRecord, error) {
	defer r.s.lock()()
	rec, ok := r.s.st.limits[limitKey(identifier, action)]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return &rec, nil
}

func (r rateLimitStore) Increment(_ context.Context, identifier, action string, max int, window time.Duration, now time.Time) (auth.RateLimitRecord, error) {
	defer r.s.lock()()
	key := limitKey(identifier, action)
	rec, ok := r.s.st.limits[key]
	expiredBlock := rec.BlockedUntil != nil && !rec.BlockedUntil.After(now)
	stale := rec.BlockedUntil == nil && !rec.UpdatedAt.After(now.Add(-window))
	if !ok || expiredBlock || stale {
		rec = auth.RateLimitRecord{Identifier: identifier, Action: action}
	}
	rec.Attempts++
	rec.UpdatedAt = now
	if rec.Attempts >= max && rec.BlockedUntil == nil {
		until := now.Add(window)
		rec.BlockedUntil = &until
	}
	r.s.st.limits[key] = rec
	return rec, nil
}

func (r rateLimitStore) Reset(_ context.Context, identifier, action string) error {
	defer r.s.lock()()
	delete(r.s.st.limits, limitKey(identifier, action))
	return nil
}

func (r rateLimitStore) Purge(_ context.Context, staleBefore time.Time) (int64, error) {
	defer r.s.lock()()
	var n int64
	for key, rec := range r.s.st.limits {
		if rec.BlockedUntil != nil && rec.BlockedUntil.After(staleBefore) {
			continue
		}
		if rec.UpdatedAt.Before(staleBefore) {
			delete(r.s.st.limits, key)
			n++
		}
	}
	return n, nil
}

type resetStore struct{ s *Store }

func (r resetStore) Put(_ context.Context, reset auth.PasswordReset) error {
	defer r.s.lock()()
	r.s.st.resets[reset.UserID] = reset
	return nil
}

func (r resetStore) Consume(_ context.Context, hash string, now time.Time) (string, error) {
	defer r.s.lock()()
	for userID, reset := range r.s.st.resets {
		if reset.TokenHash != hash {
			continue
		}
		if !reset.ExpiresAt.After(now) {
			return "", auth.ErrNotFound
		}
		delete(r.s.st.resets, userID)
		return userID, nil
	}
	return "", auth.ErrNotFound
}

func (r resetStore) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	defer r.s.lock()()
	var n int64
	for userID, reset := range r.s.st.resets {
		if !reset.ExpiresAt.After(now) {
			delete(r.s.st.resets, userID)
			n++
		}
	}
	return n, nil
}

type outboxStore struct{ s *Store }

func (o outboxStore) Enqueue(_ context.Context, n *auth.Notification) error {
	defer o.s.lock()()
	o.s.st.outbox = append(o.s.st.outbox, *n)
	return nil
}

type eventStore struct{ s *Store }

func (e eventStore) Append(_ context.Context, ev *auth.SecurityEvent) error {
	defer e.s.lock()()
	cp := *ev
	cp.Detail = maps.Clone(ev.Detail)
	e.s.st.events = append(e.s.st.events, cp)
	return nil
}

func (e eventStore) List(_ context.Context, limit int) ([]auth.SecurityEvent, error) {
	defer e.s.lock()()
	n := len(e.s.st.events)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]auth.SecurityEvent, 0, limit)
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, e.s.st.events[i])
	}
	return out, nil
}
