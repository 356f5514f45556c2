package auth_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"otportal.org/internal/auth"
	"otportal.org/internal/store/memory"
)

func newSessionManager(t *testing.T) (*auth.SessionManager, *memory.Store, *testClock) {
	t.Helper()
	store := memory.New()
	clock := newTestClock()
	tokens, err := auth.NewTokenIssuer(testSecret, "otportal-test", time.Hour, clock.Now)
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}
	resolver := auth.NewResolver(store.Roles(), clock.Now)
	seedUser(t, store, "u1")
	seedUser(t, store, "u2")
	return auth.NewSessionManager(store.Sessions(), tokens, resolver, 14*24*time.Hour, clock.Now), store, clock
}

func TestRotateInvalidatesOldToken(t *testing.T) {
	ctx := context.Background()
	mgr, store, clock := newSessionManager(t)

	pair, err := mgr.IssuePair(ctx, "u1", clientMeta)
	if err != nil {
		t.Fatalf("IssuePair: %v", err)
	}
	if userID, err := mgr.ValidateRefreshToken(ctx, pair.RefreshToken); err != nil || userID != "u1" {
		t.Fatalf("ValidateRefreshToken: %s %v", userID, err)
	}

	rotated, userID, err := mgr.Rotate(ctx, pair.RefreshToken, clientMeta)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if userID != "u1" || rotated.RefreshToken == pair.RefreshToken || rotated.AccessToken == "" {
		t.Fatalf("unexpected rotation result: %+v", rotated)
	}
	if _, err := mgr.ValidateRefreshToken(ctx, pair.RefreshToken); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("old refresh token still valid: %v", err)
	}
	if userID, err := mgr.ValidateRefreshToken(ctx, rotated.RefreshToken); err != nil || userID != "u1" {
		t.Fatalf("new refresh token rejected: %v", err)
	}

	sessions, err := store.Sessions().ListActive(ctx, "u1", clock.Now())
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("rotation must overwrite, not append: %d sessions", len(sessions))
	}
}

func TestConcurrentRotateSingleWinner(t *testing.T) {
	ctx := context.Background()
	mgr, _, _ := newSessionManager(t)
	raw, _, err := mgr.IssueRefreshToken(ctx, "u1", clientMeta)
	if err != nil {
		t.Fatalf("IssueRefreshToken: %v", err)
	}

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	start := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, _, err := mgr.Rotate(ctx, raw, clientMeta); err == nil {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("expected exactly one rotation, got %d", wins.Load())
	}
}

func TestRefreshTokenExpiry(t *testing.T) {
	ctx := context.Background()
	mgr, _, clock := newSessionManager(t)
	raw, sess, err := mgr.IssueRefreshToken(ctx, "u1", clientMeta)
	if err != nil {
		t.Fatalf("IssueRefreshToken: %v", err)
	}
	if sess.TokenHash == raw || len(sess.TokenHash) != 64 {
		t.Fatalf("session must store a sha256 hex digest, got %q", sess.TokenHash)
	}
	clock.Advance(15 * 24 * time.Hour)
	if _, err := mgr.ValidateRefreshToken(ctx, raw); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expired refresh token accepted: %v", err)
	}
	if _, _, err := mgr.Rotate(ctx, raw, clientMeta); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expired refresh token rotated: %v", err)
	}
}

func TestRevokeIsIdempotentAndScoped(t *testing.T) {
	ctx := context.Background()
	mgr, _, _ := newSessionManager(t)
	raw1, _, _ := mgr.IssueRefreshToken(ctx, "u1", clientMeta)
	raw2, _, _ := mgr.IssueRefreshToken(ctx, "u1", clientMeta)
	other, _, _ := mgr.IssueRefreshToken(ctx, "u2", clientMeta)

	if err := mgr.Revoke(ctx, other, "u1"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := mgr.ValidateRefreshToken(ctx, other); err != nil {
		t.Fatalf("revoking another user's token must not take effect: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := mgr.Revoke(ctx, raw1, "u1"); err != nil {
			t.Fatalf("Revoke #%d: %v", i, err)
		}
	}
	if err := mgr.Revoke(ctx, "never-issued", ""); err != nil {
		t.Fatalf("Revoke unknown: %v", err)
	}
	if _, err := mgr.ValidateRefreshToken(ctx, raw1); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("revoked token still valid")
	}
	if _, err := mgr.ValidateRefreshToken(ctx, raw2); err != nil {
		t.Fatalf("sibling session revoked: %v", err)
	}

	n, err := mgr.RevokeAll(ctx, "u1")
	if err != nil || n != 1 {
		t.Fatalf("RevokeAll: n=%d err=%v", n, err)
	}
	if n, _ := mgr.RevokeAll(ctx, "u1"); n != 0 {
		t.Fatalf("second RevokeAll revoked %d", n)
	}
}
