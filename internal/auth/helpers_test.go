package auth_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"otportal.org/internal/auth"
	"otportal.org/internal/store/memory"
)

var (
	testSecret = []byte("0123456789abcdef0123456789abcdef")
	fastParams = auth.PasswordParams{Memory: 1024, Iterations: 1, Parallelism: 1, KeyLength: 32, SaltLength: 16}
	clientMeta = auth.ClientMeta{IP: "203.0.113.7", UserAgent: "go-test"}
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	svc   *auth.Service
	store *memory.Store
	clock *testClock
}

func newFixture(t *testing.T, opts ...auth.ServiceOption) fixture {
	t.Helper()
	store := memory.New()
	clock := newTestClock()
	base := []auth.ServiceOption{
		auth.WithSigningSecret(testSecret),
		auth.WithIssuer("otportal-test"),
		auth.WithPasswordParams(fastParams),
		auth.WithClock(clock.Now),
	}
	svc, err := auth.NewService(store, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if err := svc.EnsureBuiltins(context.Background()); err != nil {
		t.Fatalf("EnsureBuiltins: %v", err)
	}
	return fixture{svc: svc, store: store, clock: clock}
}

func (f fixture) register(t *testing.T, email, password string) *auth.LoginResult {
	t.Helper()
	res, err := f.svc.Register(context.Background(), auth.RegisterInput{
		Email:     email,
		Password:  password,
		FirstName: "Olive",
		LastName:  "Therapist",
	}, clientMeta)
	if err != nil {
		t.Fatalf("Register(%s): %v", email, err)
	}
	return res
}

func (f fixture) events(t *testing.T, typ string) []auth.SecurityEvent {
	t.Helper()
	all, err := f.store.Events().List(context.Background(), 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	var out []auth.SecurityEvent
	for _, e := range all {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}
