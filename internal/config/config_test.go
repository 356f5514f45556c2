package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

const secret = "0123456789abcdef0123456789abcdef"

func TestDefaults(t *testing.T) {
	c := LoadFrom(env(map[string]string{"AUTH_JWT_SECRET": secret}))
	if err := c.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if c.AccessTTL != time.Hour || c.RefreshTTL != 14*24*time.Hour {
		t.Fatalf("unexpected ttls %v %v", c.AccessTTL, c.RefreshTTL)
	}
	if !c.CSRFEnabled {
		t.Fatal("csrf must be enabled by default")
	}
	if c.RateBackend != RateBackendPostgres || c.RateMaxAttempts != 5 || c.RateBlockWindow != 5*time.Minute {
		t.Fatalf("unexpected rate settings %+v", c)
	}
	if c.BootstrapAdmins != 0 || c.BootstrapConfirm {
		t.Fatal("bootstrap promotion must be off by default")
	}
}

func TestOverrides(t *testing.T) {
	c := LoadFrom(env(map[string]string{
		"AUTH_JWT_SECRET":        secret,
		"AUTH_ACCESS_TTL":        "300",
		"AUTH_REFRESH_TTL":       "48h",
		"AUTH_RATE_BACKEND":      "Redis",
		"AUTH_REDIS_URL":         "redis://localhost:6379/0",
		"AUTH_ALLOWED_ORIGINS":   "https://portal.example, https://admin.example ,",
		"AUTH_CSRF_ENABLED":      "false",
		"AUTH_BOOTSTRAP_ADMINS":  "2",
		"AUTH_BOOTSTRAP_CONFIRM": "true",
	}))
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.AccessTTL != 5*time.Minute || c.RefreshTTL != 48*time.Hour {
		t.Fatalf("unexpected ttls %v %v", c.AccessTTL, c.RefreshTTL)
	}
	if c.RateBackend != RateBackendRedis {
		t.Fatalf("backend not normalized: %q", c.RateBackend)
	}
	if len(c.AllowedOrigins) != 2 || c.AllowedOrigins[1] != "https://admin.example" {
		t.Fatalf("unexpected origins %v", c.AllowedOrigins)
	}
	if c.CSRFEnabled || c.BootstrapAdmins != 2 || !c.BootstrapConfirm {
		t.Fatalf("unexpected flags %+v", c)
	}
}

func TestValidateListsEveryProblem(t *testing.T) {
	c := LoadFrom(env(map[string]string{
		"AUTH_JWT_SECRET":        "short",
		"AUTH_LOCKOUT_THRESHOLD": "five",
		"AUTH_RATE_BACKEND":      "redis",
		"AUTH_CSRF_TTL":          "soon",
		"AUTH_ENV":               "production",
	}))
	err := c.Validate()
	var cfgErr *Error
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	for _, key := range []string{"AUTH_JWT_SECRET", "AUTH_LOCKOUT_THRESHOLD", "AUTH_REDIS_URL", "AUTH_CSRF_TTL", "AUTH_PG_DSN"} {
		if _, ok := cfgErr.Fields[key]; !ok {
			t.Fatalf("missing problem for %s in %v", key, cfgErr)
		}
	}
	if cfgErr.Fields["AUTH_LOCKOUT_THRESHOLD"] != "must be an integer" {
		t.Fatalf("parse error should win: %q", cfgErr.Fields["AUTH_LOCKOUT_THRESHOLD"])
	}
}

func TestRefreshMustOutliveAccess(t *testing.T) {
	c := LoadFrom(env(map[string]string{
		"AUTH_JWT_SECRET":  secret,
		"AUTH_ACCESS_TTL":  "1h",
		"AUTH_REFRESH_TTL": "30m",
	}))
	var cfgErr *Error
	if !errors.As(c.Validate(), &cfgErr) || cfgErr.Fields["AUTH_REFRESH_TTL"] == "" {
		t.Fatalf("expected refresh ttl problem, got %v", c.Validate())
	}
}

func TestLoadDotEnvDoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	if err := os.WriteFile(path, []byte("OTPORTAL_TEST_A=from_file\nOTPORTAL_TEST_B=from_file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("OTPORTAL_TEST_A", "from_env")
	LoadDotEnv(path)
	t.Cleanup(func() { os.Unsetenv("OTPORTAL_TEST_B") })

	if got := os.Getenv("OTPORTAL_TEST_A"); got != "from_env" {
		t.Fatalf("existing variable overridden: %q", got)
	}
	if got := os.Getenv("OTPORTAL_TEST_B"); got != "from_file" {
		t.Fatalf("file variable not loaded: %q", got)
	}
}
