package auth_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"otportal.org/internal/auth"
	"otportal.org/internal/store/memory"
)

func TestCSRFTokenIsSingleUse(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	guard := auth.NewCSRFGuard(memory.New().CSRFTokens(), time.Hour, clock.Now)

	token, exp, err := guard.Generate(ctx, "")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !exp.Equal(clock.Now().Add(time.Hour)) {
		t.Fatalf("unexpected expiry %v", exp)
	}
	ok, err := guard.Validate(ctx, token)
	if err != nil || !ok {
		t.Fatalf("first validation failed: ok=%v err=%v", ok, err)
	}
	ok, err = guard.Validate(ctx, token)
	if err != nil || ok {
		t.Fatalf("second validation must fail: ok=%v err=%v", ok, err)
	}
	if ok, _ := guard.Validate(ctx, "unknown"); ok {
		t.Fatalf("unknown token validated")
	}
}

func TestCSRFConcurrentValidationSucceedsOnce(t *testing.T) {
	ctx := context.Background()
	guard := auth.NewCSRFGuard(memory.New().CSRFTokens(), time.Hour, nil)
	token, _, err := guard.Generate(ctx, "session-1")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	start := make(chan struct{})
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if ok, err := guard.Validate(ctx, token); err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("expected exactly one successful validation, got %d", wins.Load())
	}
}

func TestCSRFExpiredTokenFails(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	guard := auth.NewCSRFGuard(memory.New().CSRFTokens(), time.Minute, clock.Now)
	token, _, err := guard.Generate(ctx, "")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	clock.Advance(2 * time.Minute)
	if err := guard.Require(ctx, http.MethodPost, token); !errors.Is(err, auth.ErrCSRF) {
		t.Fatalf("expected ErrCSRF, got %v", err)
	}
}

func TestCSRFRequireSkipsSafeMethods(t *testing.T) {
	ctx := context.Background()
	guard := auth.NewCSRFGuard(memory.New().CSRFTokens(), time.Hour, nil)
	for _, m := range []string{http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace} {
		if auth.RequiresCheck(m) {
			t.Fatalf("%s must not require a token", m)
		}
		if err := guard.Require(ctx, m, ""); err != nil {
			t.Fatalf("%s: %v", m, err)
		}
	}
	for _, m := range []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete} {
		if err := guard.Require(ctx, m, ""); !errors.Is(err, auth.ErrCSRF) {
			t.Fatalf("%s without token: expected ErrCSRF, got %v", m, err)
		}
	}
}
