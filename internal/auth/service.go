package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"otportal.org/internal/ids"
	"otportal.org/internal/obs"
)

const (
	defaultResetTTL    = time.Hour
	defaultEventsLimit = 100
	maxEventsLimit     = 1000
)

// Service is the auth facade. It orchestrates credentials, sessions, rate
// limits, CSRF and role resolution and emits security events.
type Service struct {
	store Store
	now   func() time.Time
	sink  EventSink

	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	csrfTTL    time.Duration
	resetTTL   time.Duration

	passwordParams PasswordParams
	lockout        LockoutPolicy
	ratePolicy     RatePolicy
	rateStore      RateLimitStore

	bootstrapAdmins    int
	bootstrapConfirmed bool

	hasher      *Hasher
	credentials *Credentials
	tokens      *TokenIssuer
	sessions    *SessionManager
	limiter     *RateLimiter
	csrf        *CSRFGuard
	resolver    *Resolver
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithSigningSecret sets the HS256 access token secret. Required.
func WithSigningSecret(secret []byte) ServiceOption {
	return func(s *Service) error {
		s.secret = secret
		return nil
	}
}

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) ServiceOption {
	return func(s *Service) error {
		s.issuer = strings.TrimSpace(issuer)
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

func WithCSRFTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.csrfTTL = ttl
		}
		return nil
	}
}

func WithResetTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.resetTTL = ttl
		}
		return nil
	}
}

func WithPasswordParams(p PasswordParams) ServiceOption {
	return func(s *Service) error {
		s.passwordParams = p
		return nil
	}
}

func WithLockoutPolicy(p LockoutPolicy) ServiceOption {
	return func(s *Service) error {
		s.lockout = p
		return nil
	}
}

func WithRatePolicy(p RatePolicy) ServiceOption {
	return func(s *Service) error {
		s.ratePolicy = p
		return nil
	}
}

// WithRateLimitStore moves rate-limit counters out of the main store.
func WithRateLimitStore(rs RateLimitStore) ServiceOption {
	return func(s *Service) error {
		if rs == nil {
			return errors.New("auth: rate limit store is nil")
		}
		s.rateStore = rs
		return nil
	}
}

// WithBootstrapAdmins promotes registrants to system_admin while fewer than
// n users exist. It has no effect unless confirmed is true.
func WithBootstrapAdmins(n int, confirmed bool) ServiceOption {
	return func(s *Service) error {
		if n < 0 {
			return fmt.Errorf("%w: bootstrap admin count must not be negative", ErrInvalidInput)
		}
		s.bootstrapAdmins = n
		s.bootstrapConfirmed = confirmed
		return nil
	}
}

// WithEventSink replaces the default sink, which only persists events.
func WithEventSink(sink EventSink) ServiceOption {
	return func(s *Service) error {
		if sink != nil {
			s.sink = sink
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(store Store, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	svc := &Service{
		store:          store,
		now:            time.Now,
		accessTTL:      defaultAccessTTL,
		refreshTTL:     defaultRefreshTTL,
		csrfTTL:        defaultCSRFTTL,
		resetTTL:       defaultResetTTL,
		passwordParams: DefaultPasswordParams,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if svc.sink == nil {
		svc.sink = storeSink{events: store.Events()}
	}
	if svc.rateStore == nil {
		svc.rateStore = store.RateLimits()
	}

	hasher, err := NewHasher(svc.passwordParams)
	if err != nil {
		return nil, err
	}
	tokens, err := NewTokenIssuer(svc.secret, svc.issuer, svc.accessTTL, svc.now)
	if err != nil {
		return nil, err
	}
	svc.hasher = hasher
	svc.tokens = tokens
	svc.credentials = NewCredentials(store.Users(), hasher, svc.lockout, svc.now)
	svc.resolver = NewResolver(store.Roles(), svc.now)
	svc.sessions = NewSessionManager(store.Sessions(), tokens, svc.resolver, svc.refreshTTL, svc.now)
	svc.limiter = NewRateLimiter(svc.rateStore, svc.ratePolicy, svc.now)
	svc.csrf = NewCSRFGuard(store.CSRFTokens(), svc.csrfTTL, svc.now)
	return svc, nil
}

func (s *Service) Resolver() *Resolver       { return s.resolver }
func (s *Service) Sessions() *SessionManager { return s.sessions }
func (s *Service) RateLimiter() *RateLimiter { return s.limiter }
func (s *Service) CSRF() *CSRFGuard          { return s.csrf }

// EnsureBuiltins ensures predefined roles, permissions and grants exist.
func (s *Service) EnsureBuiltins(ctx context.Context) error {
	return s.store.Roles().EnsureCatalog(ctx, BuiltinRoles, BuiltinPermissions, RoleGrants)
}

func (s *Service) emit(ctx context.Context, typ, userID string, meta ClientMeta, detail map[string]string) {
	s.sink.Record(ctx, newEvent(s.now(), typ, userID, meta, detail))
}

func (s *Service) checkRate(ctx context.Context, action string, meta ClientMeta) error {
	err := s.limiter.Check(ctx, action, NormalizeIdentifier(meta.IP))
	var rlErr *RateLimitError
	if errors.As(err, &rlErr) {
		s.emit(ctx, EventRateLimited, "", meta, map[string]string{"action": action})
	}
	return err
}

func (s *Service) countFailure(ctx context.Context, action string, meta ClientMeta) error {
	_, err := s.limiter.Increment(ctx, action, NormalizeIdentifier(meta.IP))
	return err
}

// noteFailure counts a failure on paths that already have an error to
// return; a limiter error is logged instead of replacing it.
func (s *Service) noteFailure(ctx context.Context, action string, meta ClientMeta) {
	if err := s.countFailure(ctx, action, meta); err != nil {
		obs.Logger().WithError(err).WithFields(logrus.Fields{
			"action":     action,
			"request_ip": NormalizeIdentifier(meta.IP),
		}).Error("rate limit increment failed")
	}
}

// LoginResult is returned by Login and Register.
type LoginResult struct {
	User   *User     `json:"user"`
	Roles  []string  `json:"roles"`
	Tokens TokenPair `json:"tokens"`
}

// Login authenticates email and password. Every credential failure returns
// ErrInvalidCredentials; the reason is only recorded in the security log.
func (s *Service) Login(ctx context.Context, email, password string, meta ClientMeta) (*LoginResult, error) {
	if err := s.checkRate(ctx, ActionLogin, meta); err != nil {
		return nil, err
	}
	email = NormalizeEmail(email)

	fail := func(reason, userID string) (*LoginResult, error) {
		if err := s.countFailure(ctx, ActionLogin, meta); err != nil {
			return nil, err
		}
		s.emit(ctx, EventLoginFailed, userID, meta, map[string]string{"reason": reason, "email": email})
		return nil, ErrInvalidCredentials
	}

	if email == "" || password == "" {
		s.credentials.BurnVerify(password)
		return fail(ReasonMissingCredentials, "")
	}
	user, err := s.credentials.FindByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		s.credentials.BurnVerify(password)
		return fail(ReasonUnknownEmail, "")
	}
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	if !user.CanLogin() {
		s.credentials.BurnVerify(password)
		return fail(ReasonInactive, user.ID)
	}
	if s.credentials.IsLocked(user) {
		s.credentials.BurnVerify(password)
		return fail(ReasonAccountLocked, user.ID)
	}
	if !s.credentials.VerifyPassword(password, user.PasswordHash) {
		if _, err := s.credentials.RecordFailedAttempt(ctx, user); err != nil {
			return nil, fmt.Errorf("record failed attempt: %w", err)
		}
		return fail(ReasonBadPassword, user.ID)
	}

	if err := s.credentials.RecordSuccess(ctx, user, NormalizeIdentifier(meta.IP)); err != nil {
		return nil, fmt.Errorf("record success: %w", err)
	}
	if err := s.limiter.Reset(ctx, ActionLogin, NormalizeIdentifier(meta.IP)); err != nil {
		return nil, fmt.Errorf("reset rate limit: %w", err)
	}
	if err := s.credentials.UpgradeHash(ctx, user, password); err != nil {
		return nil, fmt.Errorf("upgrade hash: %w", err)
	}
	return s.startSession(ctx, user, meta, EventLoginSuccess)
}

func (s *Service) startSession(ctx context.Context, user *User, meta ClientMeta, event string) (*LoginResult, error) {
	pair, err := s.sessions.IssuePair(ctx, user.ID, meta)
	if err != nil {
		return nil, fmt.Errorf("issue tokens: %w", err)
	}
	roles, err := s.resolver.RolesFor(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, event, user.ID, meta, nil)
	return &LoginResult{User: user, Roles: roles, Tokens: pair}, nil
}

// Register creates a user with its role, profile and, for pending
// practitioners, a signup request in one transaction, then logs the user in.
func (s *Service) Register(ctx context.Context, in RegisterInput, meta ClientMeta) (*LoginResult, error) {
	if err := s.checkRate(ctx, ActionRegister, meta); err != nil {
		return nil, err
	}
	in.Email = NormalizeEmail(in.Email)
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)
	in.PracticeName = strings.TrimSpace(in.PracticeName)
	in.Phone = strings.TrimSpace(in.Phone)
	if err := validateStruct(in); err != nil {
		s.noteFailure(ctx, ActionRegister, meta)
		return nil, err
	}
	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	user := &User{
		ID:           ids.New(),
		Email:        in.Email,
		PasswordHash: hash,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	role := RolePendingOT
	err = s.store.WithTx(ctx, func(tx Store) error {
		if _, err := tx.Users().FindByEmail(ctx, user.Email); err == nil {
			return fmt.Errorf("%w: email already registered", ErrConflict)
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		if s.bootstrapConfirmed && s.bootstrapAdmins > 0 {
			count, err := tx.Users().Count(ctx)
			if err != nil {
				return err
			}
			if count < s.bootstrapAdmins {
				role = RoleSystemAdmin
			}
		}
		if err := tx.Users().Create(ctx, user); err != nil {
			return err
		}
		if err := tx.Roles().Assign(ctx, Assignment{UserID: user.ID, Role: role, CreatedAt: now}); err != nil {
			return err
		}
		profile := &Profile{
			UserID:       user.ID,
			FirstName:    in.FirstName,
			LastName:     in.LastName,
			PracticeName: in.PracticeName,
			Phone:        in.Phone,
			CreatedAt:    now,
		}
		if err := tx.Profiles().Create(ctx, profile); err != nil {
			return err
		}
		if role != RolePendingOT {
			return nil
		}
		return tx.Signups().Create(ctx, &SignupRequest{
			ID:            ids.New(),
			UserID:        user.ID,
			Email:         user.Email,
			RequestedRole: RoleOT,
			Status:        SignupPending,
			CreatedAt:     now,
		})
	})
	if errors.Is(err, ErrConflict) {
		s.noteFailure(ctx, ActionRegister, meta)
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}
	s.emit(ctx, EventUserRegistered, user.ID, meta, map[string]string{"role": role})

	if err := s.credentials.RecordSuccess(ctx, user, NormalizeIdentifier(meta.IP)); err != nil {
		return nil, fmt.Errorf("record success: %w", err)
	}
	return s.startSession(ctx, user, meta, EventLoginSuccess)
}

// Refresh rotates refreshToken and returns a new pair.
func (s *Service) Refresh(ctx context.Context, refreshToken string, meta ClientMeta) (TokenPair, error) {
	if err := s.checkRate(ctx, ActionRefresh, meta); err != nil {
		return TokenPair{}, err
	}
	failed := func(reason, userID string) (TokenPair, error) {
		if err := s.countFailure(ctx, ActionRefresh, meta); err != nil {
			return TokenPair{}, err
		}
		s.emit(ctx, EventTokenRefreshFailed, userID, meta, map[string]string{"reason": reason})
		return TokenPair{}, ErrInvalidToken
	}

	userID, err := s.sessions.ValidateRefreshToken(ctx, refreshToken)
	if errors.Is(err, ErrInvalidToken) {
		return failed("invalid_token", "")
	}
	if err != nil {
		return TokenPair{}, err
	}
	user, err := s.store.Users().Find(ctx, userID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return TokenPair{}, err
	}
	if !user.CanLogin() {
		if _, err := s.sessions.RevokeAll(ctx, userID); err != nil {
			return TokenPair{}, err
		}
		return failed(ReasonInactive, userID)
	}
	pair, _, err := s.sessions.Rotate(ctx, refreshToken, meta)
	if errors.Is(err, ErrInvalidToken) {
		return failed("rotation_lost", userID)
	}
	if err != nil {
		return TokenPair{}, err
	}
	s.emit(ctx, EventTokenRefreshed, userID, meta, nil)
	return pair, nil
}

// Logout revokes the session of refreshToken, or every session of the
// caller when refreshToken is empty.
func (s *Service) Logout(ctx context.Context, p Principal, refreshToken string, meta ClientMeta) error {
	if !p.Authenticated() {
		return ErrUnauthenticated
	}
	scope := "session"
	if strings.TrimSpace(refreshToken) != "" {
		if err := s.sessions.Revoke(ctx, refreshToken, p.UserID); err != nil {
			return err
		}
	} else {
		scope = "all"
		if _, err := s.sessions.RevokeAll(ctx, p.UserID); err != nil {
			return err
		}
	}
	s.emit(ctx, EventLogout, p.UserID, meta, map[string]string{"scope": scope})
	return nil
}

// RequestPasswordReset never reveals whether email belongs to an account.
func (s *Service) RequestPasswordReset(ctx context.Context, email string, meta ClientMeta) error {
	if err := s.checkRate(ctx, ActionPasswordReset, meta); err != nil {
		return err
	}
	if err := s.countFailure(ctx, ActionPasswordReset, meta); err != nil {
		return err
	}
	email = NormalizeEmail(email)
	user, err := s.credentials.FindByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		s.emit(ctx, EventPasswordResetRequested, "", meta, map[string]string{"matched": "false"})
		return nil
	}
	if err != nil {
		return fmt.Errorf("find user: %w", err)
	}
	if !user.CanLogin() {
		s.emit(ctx, EventPasswordResetRequested, user.ID, meta, map[string]string{"matched": "inactive"})
		return nil
	}

	raw, err := ids.Secret(32)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	reset := PasswordReset{
		UserID:    user.ID,
		TokenHash: hashToken(raw),
		ExpiresAt: now.Add(s.resetTTL),
		CreatedAt: now,
	}
	err = s.store.WithTx(ctx, func(tx Store) error {
		if err := tx.Resets().Put(ctx, reset); err != nil {
			return err
		}
		return tx.Outbox().Enqueue(ctx, &Notification{
			ID:        ids.New(),
			Kind:      "password_reset",
			Recipient: user.Email,
			Payload: map[string]string{
				"user_id":    user.ID,
				"token":      raw,
				"expires_at": reset.ExpiresAt.Format(time.RFC3339),
			},
			CreatedAt: now,
		})
	})
	if err != nil {
		return fmt.Errorf("store reset: %w", err)
	}
	s.emit(ctx, EventPasswordResetRequested, user.ID, meta, map[string]string{"matched": "true"})
	return nil
}

// ResetPassword consumes token, sets the new password, clears the lockout and
// revokes every session of the user.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string, meta ClientMeta) error {
	if err := s.checkRate(ctx, ActionPasswordResetConfirm, meta); err != nil {
		return err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return fieldError("token", "is required")
	}
	if err := validatePassword("new_password", newPassword); err != nil {
		return err
	}
	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	var userID string
	err = s.store.WithTx(ctx, func(tx Store) error {
		id, err := tx.Resets().Consume(ctx, hashToken(token), now)
		if err != nil {
			return err
		}
		userID = id
		if err := tx.Users().UpdatePassword(ctx, id, hash, now); err != nil {
			return err
		}
		_, err = tx.Sessions().RevokeAll(ctx, id, now)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		if err := s.countFailure(ctx, ActionPasswordResetConfirm, meta); err != nil {
			return err
		}
		s.emit(ctx, EventPasswordResetFailed, "", meta, nil)
		return fmt.Errorf("%w: reset token is invalid or expired", ErrInvalidInput)
	}
	if err != nil {
		return fmt.Errorf("reset password: %w", err)
	}
	if err := s.limiter.Reset(ctx, ActionPasswordResetConfirm, NormalizeIdentifier(meta.IP)); err != nil {
		return fmt.Errorf("reset rate limit: %w", err)
	}
	s.emit(ctx, EventPasswordReset, userID, meta, nil)
	return nil
}

// ChangePassword verifies current, stores next and revokes every session.
// Wrong current passwords count toward the account lockout and the
// change_password limiter, and a locked account is refused like a mismatch.
func (s *Service) ChangePassword(ctx context.Context, p Principal, current, next string, meta ClientMeta) error {
	if err := s.checkRate(ctx, ActionChangePassword, meta); err != nil {
		return err
	}
	user, err := s.currentUser(ctx, p)
	if err != nil {
		return err
	}
	reject := func(reason string) error {
		if err := s.countFailure(ctx, ActionChangePassword, meta); err != nil {
			return err
		}
		s.emit(ctx, EventLoginFailed, user.ID, meta, map[string]string{"reason": reason, "flow": "change_password"})
		return fieldError("current_password", "is incorrect")
	}
	if s.credentials.IsLocked(user) {
		s.credentials.BurnVerify(current)
		return reject(ReasonAccountLocked)
	}
	if !s.credentials.VerifyPassword(current, user.PasswordHash) {
		if _, err := s.credentials.RecordFailedAttempt(ctx, user); err != nil {
			return fmt.Errorf("record failed attempt: %w", err)
		}
		return reject(ReasonBadPassword)
	}
	if err := s.limiter.Reset(ctx, ActionChangePassword, NormalizeIdentifier(meta.IP)); err != nil {
		return fmt.Errorf("reset rate limit: %w", err)
	}
	if err := validatePassword("new_password", next); err != nil {
		return err
	}
	hash, err := s.hasher.Hash(next)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	err = s.store.WithTx(ctx, func(tx Store) error {
		if err := tx.Users().UpdatePassword(ctx, user.ID, hash, now); err != nil {
			return err
		}
		_, err := tx.Sessions().RevokeAll(ctx, user.ID, now)
		return err
	})
	if err != nil {
		return fmt.Errorf("change password: %w", err)
	}
	s.emit(ctx, EventPasswordChanged, user.ID, meta, nil)
	return nil
}

// Authenticate verifies a bearer token. It never touches the store.
func (s *Service) Authenticate(ctx context.Context, token string) (Principal, error) {
	claims, err := s.tokens.Parse(token)
	if err != nil {
		return Principal{}, ErrInvalidToken
	}
	return NewPrincipal(claims), nil
}

// VerifyCSRF enforces the CSRF gate for method and records failures.
func (s *Service) VerifyCSRF(ctx context.Context, method, token string, meta ClientMeta) error {
	err := s.csrf.Require(ctx, method, token)
	if errors.Is(err, ErrCSRF) {
		userID := ""
		if p, ok := PrincipalFromContext(ctx); ok {
			userID = p.UserID
		}
		s.emit(ctx, EventCSRFFailed, userID, meta, map[string]string{"method": method, "present": fmt.Sprint(strings.TrimSpace(token) != "")})
	}
	return err
}

func (s *Service) currentUser(ctx context.Context, p Principal) (*User, error) {
	if !p.Authenticated() {
		return nil, ErrUnauthenticated
	}
	user, err := s.store.Users().Find(ctx, p.UserID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}
	if !user.CanLogin() {
		return nil, ErrInvalidToken
	}
	return user, nil
}

// Identity is the caller's view of itself.
type Identity struct {
	User        *User    `json:"user"`
	Profile     *Profile `json:"profile,omitempty"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

// Me resolves the caller's user, roles and permissions.
func (s *Service) Me(ctx context.Context, p Principal) (*Identity, error) {
	user, err := s.currentUser(ctx, p)
	if err != nil {
		return nil, err
	}
	roles, err := s.resolver.RolesFor(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	profile, err := s.store.Profiles().Find(ctx, user.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return &Identity{User: user, Profile: profile, Roles: roles, Permissions: PermissionsFor(roles)}, nil
}

// UserRoles returns the live roles of userID. Callers other than the user
// need users.manage.
func (s *Service) UserRoles(ctx context.Context, p Principal, userID string) ([]string, error) {
	if !p.Authenticated() {
		return nil, ErrUnauthenticated
	}
	userID = strings.TrimSpace(userID)
	if userID != p.UserID {
		if err := s.resolver.RequirePermission(ctx, p.UserID, PermUsersManage); err != nil {
			return nil, err
		}
		if _, err := s.store.Users().Find(ctx, userID); err != nil {
			return nil, err
		}
	}
	return s.resolver.RolesFor(ctx, userID)
}

// ListSessions returns the caller's live sessions.
func (s *Service) ListSessions(ctx context.Context, p Principal) ([]Session, error) {
	if !p.Authenticated() {
		return nil, ErrUnauthenticated
	}
	return s.sessions.ListSessions(ctx, p.UserID)
}

func (s *Service) authorize(ctx context.Context, p Principal, perm string, meta ClientMeta) error {
	if !p.Authenticated() {
		return ErrUnauthenticated
	}
	err := s.resolver.RequirePermission(ctx, p.UserID, perm)
	if errors.Is(err, ErrForbidden) {
		s.emit(ctx, EventAccessDenied, p.UserID, meta, map[string]string{"permission": perm})
	}
	return err
}

func (s *Service) ListPendingSignups(ctx context.Context, p Principal, meta ClientMeta) ([]SignupRequest, error) {
	if err := s.authorize(ctx, p, PermSignupsApprove, meta); err != nil {
		return nil, err
	}
	return s.store.Signups().ListPending(ctx)
}

// ApproveSignup promotes the requester to role and marks the request
// approved. Both writes commit together.
func (s *Service) ApproveSignup(ctx context.Context, p Principal, requestID, role string, meta ClientMeta) (*SignupRequest, error) {
	if err := s.authorize(ctx, p, PermSignupsApprove, meta); err != nil {
		return nil, err
	}
	role = strings.TrimSpace(strings.ToLower(role))
	if role == "" {
		role = RoleOT
	}
	if role != RoleOT && role != RoleOTAdmin {
		return nil, fieldError("role", "must be ot or ot_admin")
	}
	now := s.now().UTC()
	var decided *SignupRequest
	err := s.store.WithTx(ctx, func(tx Store) error {
		req, err := tx.Signups().Decide(ctx, requestID, SignupApproved, p.UserID, now)
		if err != nil {
			return err
		}
		if err := tx.Roles().Revoke(ctx, req.UserID, RolePendingOT); err != nil {
			return err
		}
		if err := tx.Roles().Assign(ctx, Assignment{UserID: req.UserID, Role: role, CreatedAt: now}); err != nil {
			return err
		}
		decided = req
		return nil
	})
	if err != nil {
		return nil, err
	}
	forgetCachedRoles(ctx, decided.UserID)
	s.emit(ctx, EventSignupApproved, p.UserID, meta, map[string]string{"request_id": decided.ID, "subject": decided.UserID, "role": role})
	return decided, nil
}

// RejectSignup marks the request rejected. The requester keeps pending_ot.
func (s *Service) RejectSignup(ctx context.Context, p Principal, requestID string, meta ClientMeta) (*SignupRequest, error) {
	if err := s.authorize(ctx, p, PermSignupsApprove, meta); err != nil {
		return nil, err
	}
	req, err := s.store.Signups().Decide(ctx, requestID, SignupRejected, p.UserID, s.now().UTC())
	if err != nil {
		return nil, err
	}
	s.emit(ctx, EventSignupRejected, p.UserID, meta, map[string]string{"request_id": req.ID, "subject": req.UserID})
	return req, nil
}

// SecurityEvents returns the most recent events, newest first.
func (s *Service) SecurityEvents(ctx context.Context, p Principal, limit int, meta ClientMeta) ([]SecurityEvent, error) {
	if err := s.authorize(ctx, p, PermAuditRead, meta); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultEventsLimit
	}
	if limit > maxEventsLimit {
		limit = maxEventsLimit
	}
	return s.store.Events().List(ctx, limit)
}

// AssignRole grants role to userID, optionally until expiresAt.
func (s *Service) AssignRole(ctx context.Context, p Principal, userID, role string, expiresAt *time.Time, meta ClientMeta) error {
	if err := s.authorize(ctx, p, PermUsersManage, meta); err != nil {
		return err
	}
	if expiresAt != nil && !expiresAt.After(s.now()) {
		return fieldError("expires_at", "must be in the future")
	}
	if _, err := s.store.Users().Find(ctx, userID); err != nil {
		return err
	}
	role = strings.TrimSpace(strings.ToLower(role))
	if !IsBuiltinRole(role) {
		return fieldError("role", "is not a known role")
	}
	if err := s.resolver.Assign(ctx, userID, role, expiresAt); err != nil {
		return err
	}
	s.emit(ctx, EventRoleAssigned, p.UserID, meta, map[string]string{"subject": userID, "role": role})
	return nil
}

// RevokeRole removes role from userID. Removing an absent role is not an error.
func (s *Service) RevokeRole(ctx context.Context, p Principal, userID, role string, meta ClientMeta) error {
	if err := s.authorize(ctx, p, PermUsersManage, meta); err != nil {
		return err
	}
	role = strings.TrimSpace(strings.ToLower(role))
	if err := s.resolver.Revoke(ctx, userID, role); err != nil {
		return err
	}
	s.emit(ctx, EventRoleRevoked, p.UserID, meta, map[string]string{"subject": userID, "role": role})
	return nil
}
