package auth_test

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"slices"
	"strings"
	"testing"
	"time"

	"otportal.org/internal/auth"
	"otportal.org/internal/obs"
	"otportal.org/internal/store/memory"
)

func TestLoginThenAuthenticateResolvesSameUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	reg := f.register(t, "OT1@Example.com", "Passw0rd1")
	if reg.User.Email != "ot1@example.com" {
		t.Fatalf("email not normalized: %s", reg.User.Email)
	}

	res, err := f.svc.Login(ctx, "  ot1@example.COM ", "Passw0rd1", clientMeta)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	p, err := f.svc.Authenticate(ctx, res.Tokens.AccessToken)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if p.UserID != reg.User.ID {
		t.Fatalf("expected %s, got %s", reg.User.ID, p.UserID)
	}
	if !p.HasTokenRole(auth.RolePendingOT) {
		t.Fatalf("token should carry pending_ot, got %v", p.TokenRoles)
	}
	if len(f.events(t, auth.EventLoginSuccess)) != 2 {
		t.Fatalf("expected login_success for register and login")
	}
	user, _ := f.store.Users().Find(ctx, reg.User.ID)
	if user.LastLoginAt == nil || user.LastLoginIP != "203.0.113.7" {
		t.Fatalf("last login not stamped: %+v", user)
	}
}

func TestLoginFailuresAreUniform(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, auth.WithRatePolicy(auth.RatePolicy{MaxAttempts: 100, Window: time.Minute}))
	f.register(t, "ot1@example.com", "Passw0rd1")

	for _, tc := range []struct{ email, password, reason string }{
		{"nobody@example.com", "Passw0rd1", auth.ReasonUnknownEmail},
		{"ot1@example.com", "wrong-pass1", auth.ReasonBadPassword},
		{"", "", auth.ReasonMissingCredentials},
	} {
		_, err := f.svc.Login(ctx, tc.email, tc.password, clientMeta)
		if err != auth.ErrInvalidCredentials {
			t.Fatalf("%s: expected ErrInvalidCredentials, got %v", tc.reason, err)
		}
	}
	failed := f.events(t, auth.EventLoginFailed)
	if len(failed) != 3 {
		t.Fatalf("expected 3 login_failed events, got %d", len(failed))
	}
	reasons := map[string]bool{}
	for _, e := range failed {
		reasons[e.Detail["reason"]] = true
		if e.IP != clientMeta.IP || e.UserAgent != clientMeta.UserAgent {
			t.Fatalf("event missing client metadata: %+v", e)
		}
	}
	for _, r := range []string{auth.ReasonUnknownEmail, auth.ReasonBadPassword, auth.ReasonMissingCredentials} {
		if !reasons[r] {
			t.Fatalf("missing reason %s in %v", r, reasons)
		}
	}
}

func TestLoginMissingCredentialsSpendsHashWork(t *testing.T) {
	if testing.Short() {
		t.Skip("timing comparison")
	}
	ctx := context.Background()
	slow := auth.PasswordParams{Memory: 32 * 1024, Iterations: 3, Parallelism: 1, KeyLength: 32, SaltLength: 16}
	f := newFixture(t,
		auth.WithPasswordParams(slow),
		auth.WithRatePolicy(auth.RatePolicy{MaxAttempts: 100, Window: time.Minute}),
	)

	fastest := func(email, password string) time.Duration {
		best := time.Duration(1<<63 - 1)
		for i := 0; i < 3; i++ {
			start := time.Now()
			if _, err := f.svc.Login(ctx, email, password, clientMeta); err != auth.ErrInvalidCredentials {
				t.Fatalf("expected ErrInvalidCredentials, got %v", err)
			}
			if d := time.Since(start); d < best {
				best = d
			}
		}
		return best
	}
	unknown := fastest("nobody@example.com", "Passw0rd1")
	missing := fastest("nobody@example.com", "")
	if missing < unknown/2 {
		t.Fatalf("missing credentials answered in %v, unknown email in %v", missing, unknown)
	}
}

func TestLockoutRejectsCorrectPassword(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, auth.WithRatePolicy(auth.RatePolicy{MaxAttempts: 100, Window: time.Minute}))
	f.register(t, "ot1@example.com", "Passw0rd1")

	for i := 0; i < 5; i++ {
		if _, err := f.svc.Login(ctx, "ot1@example.com", "Wrong0000", clientMeta); !errors.Is(err, auth.ErrInvalidCredentials) {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
	}
	if _, err := f.svc.Login(ctx, "ot1@example.com", "Passw0rd1", clientMeta); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("locked account accepted correct password: %v", err)
	}
	locked := f.events(t, auth.EventLoginFailed)
	if locked[0].Detail["reason"] != auth.ReasonAccountLocked {
		t.Fatalf("expected account_locked reason, got %v", locked[0].Detail)
	}

	f.clock.Advance(15*time.Minute + time.Second)
	if _, err := f.svc.Login(ctx, "ot1@example.com", "Passw0rd1", clientMeta); err != nil {
		t.Fatalf("login after lock elapsed: %v", err)
	}
}

func TestLoginRateLimited(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, auth.WithRatePolicy(auth.RatePolicy{MaxAttempts: 3, Window: 5 * time.Minute}))
	f.register(t, "ot1@example.com", "Passw0rd1")

	for i := 0; i < 3; i++ {
		_, _ = f.svc.Login(ctx, "ot1@example.com", "Wrong0000", clientMeta)
	}
	_, err := f.svc.Login(ctx, "ot1@example.com", "Passw0rd1", clientMeta)
	var rlErr *auth.RateLimitError
	if !errors.As(err, &rlErr) || rlErr.Action != auth.ActionLogin {
		t.Fatalf("expected login RateLimitError, got %v", err)
	}
	if len(f.events(t, auth.EventRateLimited)) != 1 {
		t.Fatalf("expected a rate_limited event")
	}

	other := auth.ClientMeta{IP: "198.51.100.9", UserAgent: "other"}
	if _, err := f.svc.Login(ctx, "ot1@example.com", "Passw0rd1", other); err != nil {
		t.Fatalf("other client should not be blocked: %v", err)
	}
}

func TestRegisterValidationAndConflict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Register(ctx, auth.RegisterInput{Email: "bad", Password: "short"}, clientMeta)
	var verr *auth.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	for _, field := range []string{"email", "password", "first_name", "last_name"} {
		if _, ok := verr.Fields[field]; !ok {
			t.Fatalf("missing field error %s in %v", field, verr.Fields)
		}
	}

	_, err = f.svc.Register(ctx, auth.RegisterInput{Email: "a@example.com", Password: "onlyletters", FirstName: "A", LastName: "B"}, clientMeta)
	if !errors.As(err, &verr) || verr.Fields["password"] == "" {
		t.Fatalf("expected password strength error, got %v", err)
	}

	f.register(t, "ot1@example.com", "Passw0rd1")
	_, err = f.svc.Register(ctx, auth.RegisterInput{Email: "OT1@EXAMPLE.COM", Password: "Passw0rd1", FirstName: "A", LastName: "B"}, clientMeta)
	if !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

type brokenIncrements struct{ auth.RateLimitStore }

func (brokenIncrements) Increment(context.Context, string, string, int, time.Duration, time.Time) (auth.RateLimitRecord, error) {
	return auth.RateLimitRecord{}, errors.New("redis: connection refused")
}

func TestRegisterLogsRateLimitErrors(t *testing.T) {
	logger := obs.Logger()
	orig := logger.Out
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(orig)

	rates := brokenIncrements{memory.New().RateLimits()}
	f := newFixture(t, auth.WithRateLimitStore(rates))
	_, err := f.svc.Register(context.Background(), auth.RegisterInput{Email: "not-an-email", Password: "Passw0rd1"}, clientMeta)
	var verr *auth.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "rate limit increment failed") || !strings.Contains(out, "connection refused") {
		t.Fatalf("limiter failure not logged: %q", out)
	}
}

func TestRegisterCreatesProfileAndSignup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res := f.register(t, "ot1@example.com", "Passw0rd1")

	if !slices.Equal(res.Roles, []string{auth.RolePendingOT}) {
		t.Fatalf("expected pending_ot, got %v", res.Roles)
	}
	if res.Tokens.AccessToken == "" || res.Tokens.RefreshToken == "" {
		t.Fatalf("registration should log the user in")
	}
	profile, err := f.store.Profiles().Find(ctx, res.User.ID)
	if err != nil || profile.FirstName != "Olive" {
		t.Fatalf("profile not created: %+v %v", profile, err)
	}
	pending, _ := f.store.Signups().ListPending(ctx)
	if len(pending) != 1 || pending[0].UserID != res.User.ID {
		t.Fatalf("expected one pending signup, got %+v", pending)
	}
}

func TestBootstrapAdminsRequiresConfirmation(t *testing.T) {
	unconfirmed := newFixture(t, auth.WithBootstrapAdmins(1, false))
	res := unconfirmed.register(t, "first@example.com", "Passw0rd1")
	if !slices.Equal(res.Roles, []string{auth.RolePendingOT}) {
		t.Fatalf("unconfirmed bootstrap must not promote, got %v", res.Roles)
	}

	f := newFixture(t, auth.WithBootstrapAdmins(1, true))
	first := f.register(t, "first@example.com", "Passw0rd1")
	second := f.register(t, "second@example.com", "Passw0rd1")
	if !slices.Equal(first.Roles, []string{auth.RoleSystemAdmin}) {
		t.Fatalf("first registrant should be system_admin, got %v", first.Roles)
	}
	if !slices.Equal(second.Roles, []string{auth.RolePendingOT}) {
		t.Fatalf("second registrant should be pending, got %v", second.Roles)
	}
	pending, _ := f.store.Signups().ListPending(context.Background())
	if len(pending) != 1 {
		t.Fatalf("only the pending registrant needs approval, got %d", len(pending))
	}
}

func TestRefreshRotatesAndRejectsReuse(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	reg := f.register(t, "ot1@example.com", "Passw0rd1")

	pair, err := f.svc.Refresh(ctx, reg.Tokens.RefreshToken, clientMeta)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if pair.RefreshToken == reg.Tokens.RefreshToken {
		t.Fatalf("refresh token not rotated")
	}
	if _, err := f.svc.Refresh(ctx, reg.Tokens.RefreshToken, clientMeta); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("reused refresh token accepted: %v", err)
	}
	if _, err := f.svc.Refresh(ctx, pair.RefreshToken, clientMeta); err != nil {
		t.Fatalf("fresh refresh token rejected: %v", err)
	}
	if len(f.events(t, auth.EventTokenRefreshFailed)) != 1 {
		t.Fatalf("expected a token_refresh_failed event")
	}
}

func TestLogoutScopes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	reg := f.register(t, "ot1@example.com", "Passw0rd1")
	second, err := f.svc.Login(ctx, "ot1@example.com", "Passw0rd1", clientMeta)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	p, _ := f.svc.Authenticate(ctx, reg.Tokens.AccessToken)

	if err := f.svc.Logout(ctx, p, reg.Tokens.RefreshToken, clientMeta); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := f.svc.Refresh(ctx, reg.Tokens.RefreshToken, clientMeta); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("logged-out session refreshed: %v", err)
	}
	third, err := f.svc.Login(ctx, "ot1@example.com", "Passw0rd1", clientMeta)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	sessions, _ := f.svc.ListSessions(ctx, p)
	if len(sessions) != 2 {
		t.Fatalf("expected two live sessions, got %d", len(sessions))
	}

	if err := f.svc.Logout(ctx, p, "", clientMeta); err != nil {
		t.Fatalf("Logout all: %v", err)
	}
	for _, raw := range []string{second.Tokens.RefreshToken, third.Tokens.RefreshToken} {
		if _, err := f.svc.Sessions().ValidateRefreshToken(ctx, raw); !errors.Is(err, auth.ErrInvalidToken) {
			t.Fatalf("logout everywhere left a session alive")
		}
	}
	if err := f.svc.Logout(ctx, auth.Principal{}, "", clientMeta); !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("anonymous logout: %v", err)
	}
}

func TestPasswordResetRevokesSessions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	reg := f.register(t, "ot1@example.com", "Passw0rd1")
	other, err := f.svc.Login(ctx, "ot1@example.com", "Passw0rd1", clientMeta)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	if err := f.svc.RequestPasswordReset(ctx, "OT1@example.com", clientMeta); err != nil {
		t.Fatalf("RequestPasswordReset: %v", err)
	}
	notes := f.store.Notifications()
	if len(notes) != 1 || notes[0].Kind != "password_reset" || notes[0].Recipient != "ot1@example.com" {
		t.Fatalf("unexpected outbox %+v", notes)
	}
	token := notes[0].Payload["token"]

	if err := f.svc.ResetPassword(ctx, token, "weak", clientMeta); err == nil {
		t.Fatalf("weak password accepted")
	}
	if err := f.svc.ResetPassword(ctx, token, "N3wPassword", clientMeta); err != nil {
		t.Fatalf("ResetPassword: %v", err)
	}
	for _, raw := range []string{reg.Tokens.RefreshToken, other.Tokens.RefreshToken} {
		if _, err := f.svc.Sessions().ValidateRefreshToken(ctx, raw); !errors.Is(err, auth.ErrInvalidToken) {
			t.Fatalf("refresh token survived password reset")
		}
	}
	if err := f.svc.ResetPassword(ctx, token, "An0therPass", clientMeta); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("reset token reused: %v", err)
	}
	if _, err := f.svc.Login(ctx, "ot1@example.com", "Passw0rd1", clientMeta); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("old password still works")
	}
	if _, err := f.svc.Login(ctx, "ot1@example.com", "N3wPassword", clientMeta); err != nil {
		t.Fatalf("new password rejected: %v", err)
	}
}

func TestPasswordResetTokenExpires(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, "ot1@example.com", "Passw0rd1")
	if err := f.svc.RequestPasswordReset(ctx, "ot1@example.com", clientMeta); err != nil {
		t.Fatalf("RequestPasswordReset: %v", err)
	}
	token := f.store.Notifications()[0].Payload["token"]
	f.clock.Advance(time.Hour + time.Second)
	if err := f.svc.ResetPassword(ctx, token, "N3wPassword", clientMeta); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expired reset token accepted: %v", err)
	}
}

func TestResetPasswordAfterRepeatedRequests(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, "ot1@example.com", "Passw0rd1")

	for i := 0; i < 5; i++ {
		if err := f.svc.RequestPasswordReset(ctx, "ot1@example.com", clientMeta); err != nil {
			t.Fatalf("RequestPasswordReset %d: %v", i+1, err)
		}
	}
	notes := f.store.Notifications()
	token := notes[len(notes)-1].Payload["token"]
	if err := f.svc.ResetPassword(ctx, token, "N3wPassword", clientMeta); err != nil {
		t.Fatalf("ResetPassword: %v", err)
	}
	if _, err := f.svc.Login(ctx, "ot1@example.com", "N3wPassword", clientMeta); err != nil {
		t.Fatalf("new password rejected: %v", err)
	}
}

func TestResetPasswordLimitsInvalidTokens(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, "ot1@example.com", "Passw0rd1")

	for i := 0; i < 4; i++ {
		if err := f.svc.ResetPassword(ctx, "bogus", "N3wPassword", clientMeta); !errors.Is(err, auth.ErrInvalidInput) {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
	}
	if err := f.svc.RequestPasswordReset(ctx, "ot1@example.com", clientMeta); err != nil {
		t.Fatalf("RequestPasswordReset: %v", err)
	}
	token := f.store.Notifications()[0].Payload["token"]
	if err := f.svc.ResetPassword(ctx, token, "N3wPassword", clientMeta); err != nil {
		t.Fatalf("ResetPassword: %v", err)
	}

	// the successful reset cleared the four earlier misses
	for i := 0; i < 4; i++ {
		if err := f.svc.ResetPassword(ctx, "bogus", "N3wPassword", clientMeta); !errors.Is(err, auth.ErrInvalidInput) {
			t.Fatalf("attempt %d after reset: %v", i+1, err)
		}
	}
	if err := f.svc.ResetPassword(ctx, "bogus", "N3wPassword", clientMeta); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("fifth miss: %v", err)
	}
	err := f.svc.ResetPassword(ctx, "bogus", "N3wPassword", clientMeta)
	var rlErr *auth.RateLimitError
	if !errors.As(err, &rlErr) || rlErr.Action != auth.ActionPasswordResetConfirm {
		t.Fatalf("expected password_reset_confirm rate limit, got %v", err)
	}
}

func TestRequestPasswordResetIndistinguishable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, auth.WithRatePolicy(auth.RatePolicy{MaxAttempts: 100, Window: time.Minute}))
	f.register(t, "ot1@example.com", "Passw0rd1")

	known := f.svc.RequestPasswordReset(ctx, "ot1@example.com", clientMeta)
	unknown := f.svc.RequestPasswordReset(ctx, "ghost@example.com", clientMeta)
	if known != nil || unknown != nil || !reflect.DeepEqual(known, unknown) {
		t.Fatalf("responses differ: %v vs %v", known, unknown)
	}
	if len(f.store.Notifications()) != 1 {
		t.Fatalf("only the real account gets a notification")
	}
}

func TestChangePassword(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	reg := f.register(t, "ot1@example.com", "Passw0rd1")
	p, _ := f.svc.Authenticate(ctx, reg.Tokens.AccessToken)

	err := f.svc.ChangePassword(ctx, p, "nope", "N3wPassword", clientMeta)
	var verr *auth.ValidationError
	if !errors.As(err, &verr) || verr.Fields["current_password"] == "" {
		t.Fatalf("expected current_password error, got %v", err)
	}
	if err := f.svc.ChangePassword(ctx, p, "Passw0rd1", "N3wPassword", clientMeta); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	if _, err := f.svc.Sessions().ValidateRefreshToken(ctx, reg.Tokens.RefreshToken); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("sessions survived password change")
	}
}

func TestChangePasswordWrongCurrentLocksAccount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, auth.WithRatePolicy(auth.RatePolicy{MaxAttempts: 100, Window: time.Minute}))
	reg := f.register(t, "ot1@example.com", "Passw0rd1")
	p, _ := f.svc.Authenticate(ctx, reg.Tokens.AccessToken)

	for i := 0; i < 5; i++ {
		var verr *auth.ValidationError
		if err := f.svc.ChangePassword(ctx, p, "guess", "N3wPassword", clientMeta); !errors.As(err, &verr) {
			t.Fatalf("attempt %d: expected validation error, got %v", i+1, err)
		}
	}
	user, err := f.store.Users().FindByEmail(ctx, "ot1@example.com")
	if err != nil {
		t.Fatalf("FindByEmail: %v", err)
	}
	if user.FailedAttempts != 5 || user.LockedUntil == nil {
		t.Fatalf("expected locked account, got attempts=%d locked=%v", user.FailedAttempts, user.LockedUntil)
	}

	var verr *auth.ValidationError
	if err := f.svc.ChangePassword(ctx, p, "Passw0rd1", "N3wPassword", clientMeta); !errors.As(err, &verr) {
		t.Fatalf("locked account changed password: %v", err)
	}
	if _, err := f.svc.Login(ctx, "ot1@example.com", "Passw0rd1", clientMeta); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("locked account logged in: %v", err)
	}
	locked := 0
	for _, e := range f.events(t, auth.EventLoginFailed) {
		if e.Detail["flow"] == "change_password" && e.Detail["reason"] == auth.ReasonAccountLocked {
			locked++
		}
	}
	if locked != 1 {
		t.Fatalf("expected one locked change_password event, got %d", locked)
	}

	f.clock.Advance(15*time.Minute + time.Second)
	if err := f.svc.ChangePassword(ctx, p, "Passw0rd1", "N3wPassword", clientMeta); err != nil {
		t.Fatalf("ChangePassword after lockout: %v", err)
	}
}

func TestChangePasswordRateLimited(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, auth.WithLockoutPolicy(auth.LockoutPolicy{Threshold: 100, Duration: time.Minute}))
	reg := f.register(t, "ot1@example.com", "Passw0rd1")
	p, _ := f.svc.Authenticate(ctx, reg.Tokens.AccessToken)

	for i := 0; i < 5; i++ {
		if err := f.svc.ChangePassword(ctx, p, "guess", "N3wPassword", clientMeta); err == nil {
			t.Fatalf("wrong current password accepted")
		}
	}
	err := f.svc.ChangePassword(ctx, p, "Passw0rd1", "N3wPassword", clientMeta)
	var rlErr *auth.RateLimitError
	if !errors.As(err, &rlErr) || rlErr.Action != auth.ActionChangePassword {
		t.Fatalf("expected change_password rate limit, got %v", err)
	}
	if _, err := f.svc.Login(ctx, "ot1@example.com", "Passw0rd1", clientMeta); err != nil {
		t.Fatalf("login shares the change_password budget: %v", err)
	}
}

func TestMeAndUserRoles(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, auth.WithBootstrapAdmins(1, true))
	admin := f.register(t, "admin@example.com", "Passw0rd1")
	ot := f.register(t, "ot1@example.com", "Passw0rd1")
	adminP, _ := f.svc.Authenticate(ctx, admin.Tokens.AccessToken)
	otP, _ := f.svc.Authenticate(ctx, ot.Tokens.AccessToken)

	me, err := f.svc.Me(ctx, otP)
	if err != nil {
		t.Fatalf("Me: %v", err)
	}
	if me.User.Email != "ot1@example.com" || !slices.Equal(me.Roles, []string{auth.RolePendingOT}) {
		t.Fatalf("unexpected identity %+v", me)
	}
	if !slices.Contains(me.Permissions, auth.PermProfileRead) || slices.Contains(me.Permissions, auth.PermClientsRead) {
		t.Fatalf("unexpected permissions %v", me.Permissions)
	}

	if roles, err := f.svc.UserRoles(ctx, otP, ot.User.ID); err != nil || len(roles) != 1 {
		t.Fatalf("self lookup: %v %v", roles, err)
	}
	if _, err := f.svc.UserRoles(ctx, otP, admin.User.ID); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	roles, err := f.svc.UserRoles(ctx, adminP, ot.User.ID)
	if err != nil || !slices.Equal(roles, []string{auth.RolePendingOT}) {
		t.Fatalf("admin lookup: %v %v", roles, err)
	}
	if _, err := f.svc.UserRoles(ctx, adminP, "missing"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestApproveSignupPromotesAtomically(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, auth.WithBootstrapAdmins(1, true))
	admin := f.register(t, "admin@example.com", "Passw0rd1")
	ot := f.register(t, "ot1@example.com", "Passw0rd1")
	adminP, _ := f.svc.Authenticate(ctx, admin.Tokens.AccessToken)
	otP, _ := f.svc.Authenticate(ctx, ot.Tokens.AccessToken)

	pending, err := f.svc.ListPendingSignups(ctx, adminP, clientMeta)
	if err != nil || len(pending) != 1 {
		t.Fatalf("ListPendingSignups: %v %v", pending, err)
	}
	if _, err := f.svc.ListPendingSignups(ctx, otP, clientMeta); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("pending OT listed signups: %v", err)
	}
	if _, err := f.svc.ApproveSignup(ctx, adminP, pending[0].ID, auth.RoleSystemAdmin, clientMeta); err == nil {
		t.Fatalf("approval into system_admin must be refused")
	}

	req, err := f.svc.ApproveSignup(ctx, adminP, pending[0].ID, "", clientMeta)
	if err != nil {
		t.Fatalf("ApproveSignup: %v", err)
	}
	if req.Status != auth.SignupApproved || req.DecidedBy != admin.User.ID {
		t.Fatalf("unexpected request %+v", req)
	}
	roles, _ := f.svc.Resolver().RolesFor(ctx, ot.User.ID)
	if !slices.Equal(roles, []string{auth.RoleOT}) {
		t.Fatalf("expected ot after approval, got %v", roles)
	}
	if _, err := f.svc.ApproveSignup(ctx, adminP, pending[0].ID, "", clientMeta); !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("double approval: %v", err)
	}
	if _, err := f.svc.RejectSignup(ctx, adminP, "missing", clientMeta); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAssignRoleWithExpiry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, auth.WithBootstrapAdmins(1, true))
	admin := f.register(t, "admin@example.com", "Passw0rd1")
	ot := f.register(t, "ot1@example.com", "Passw0rd1")
	adminP, _ := f.svc.Authenticate(ctx, admin.Tokens.AccessToken)

	past := f.clock.Now().Add(-time.Minute)
	if err := f.svc.AssignRole(ctx, adminP, ot.User.ID, auth.RoleOTAdmin, &past, clientMeta); err == nil {
		t.Fatalf("assignment expiring in the past accepted")
	}
	until := f.clock.Now().Add(time.Hour)
	if err := f.svc.AssignRole(ctx, adminP, ot.User.ID, auth.RoleOTAdmin, &until, clientMeta); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}
	if ok, _ := f.svc.Resolver().HasRole(ctx, ot.User.ID, auth.RoleOTAdmin); !ok {
		t.Fatalf("role not granted")
	}
	f.clock.Advance(2 * time.Hour)
	if ok, _ := f.svc.Resolver().HasRole(ctx, ot.User.ID, auth.RoleOTAdmin); ok {
		t.Fatalf("expired assignment still satisfies HasRole")
	}
	if err := f.svc.RevokeRole(ctx, adminP, ot.User.ID, auth.RolePendingOT, clientMeta); err != nil {
		t.Fatalf("RevokeRole: %v", err)
	}
}

func TestSecurityEventsRequireAuditRead(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, auth.WithBootstrapAdmins(1, true))
	admin := f.register(t, "admin@example.com", "Passw0rd1")
	ot := f.register(t, "ot1@example.com", "Passw0rd1")
	adminP, _ := f.svc.Authenticate(ctx, admin.Tokens.AccessToken)
	otP, _ := f.svc.Authenticate(ctx, ot.Tokens.AccessToken)

	if _, err := f.svc.SecurityEvents(ctx, otP, 10, clientMeta); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	denied := f.events(t, auth.EventAccessDenied)
	if len(denied) != 1 || denied[0].UserID != ot.User.ID {
		t.Fatalf("expected access_denied event, got %+v", denied)
	}
	events, err := f.svc.SecurityEvents(ctx, adminP, 2, clientMeta)
	if err != nil || len(events) != 2 {
		t.Fatalf("SecurityEvents: %d %v", len(events), err)
	}
	if events[0].Type != auth.EventAccessDenied {
		t.Fatalf("newest event first, got %s", events[0].Type)
	}
}

func TestVerifyCSRFRecordsFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	token, _, err := f.svc.CSRF().Generate(ctx, "")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if err := f.svc.VerifyCSRF(ctx, "POST", token, clientMeta); err != nil {
		t.Fatalf("VerifyCSRF: %v", err)
	}
	if err := f.svc.VerifyCSRF(ctx, "POST", token, clientMeta); !errors.Is(err, auth.ErrCSRF) {
		t.Fatalf("replayed CSRF token accepted: %v", err)
	}
	if err := f.svc.VerifyCSRF(ctx, "GET", "", clientMeta); err != nil {
		t.Fatalf("GET must bypass CSRF: %v", err)
	}
	if len(f.events(t, auth.EventCSRFFailed)) != 1 {
		t.Fatalf("expected one csrf_failed event")
	}
}

func TestAuthenticateRejectsGarbage(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.Authenticate(context.Background(), "Bearer nonsense"); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestNewServiceRequiresSecret(t *testing.T) {
	f := newFixture(t)
	if _, err := auth.NewService(f.store); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected missing secret to fail, got %v", err)
	}
}
