// Package config reads the service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	RateBackendPostgres = "postgres"
	RateBackendRedis    = "redis"

	minSecretLength = 32
)

type Config struct {
	Env      string
	HTTPAddr string
	GRPCAddr string
	PGDSN    string

	JWTSecret  string
	JWTIssuer  string
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	CSRFTTL     time.Duration
	CSRFEnabled bool

	LockoutThreshold int
	LockoutDuration  time.Duration

	RateMaxAttempts int
	RateBlockWindow time.Duration
	RateBackend     string
	RedisURL        string

	ResetTTL time.Duration

	BootstrapAdmins  int
	BootstrapConfirm bool

	ArgonMemoryKiB int
	ArgonTime      int
	ArgonThreads   int

	ThrottleRPS    float64
	ThrottleBurst  int
	AllowedOrigins []string

	PurgeSchedule string
	OTLPEndpoint  string
	OTLPInsecure  bool
	LogLevel      string

	problems map[string]string
}

// Production reports whether internal error details must be hidden.
func (c Config) Production() bool {
	return strings.EqualFold(c.Env, "production")
}

// LoadDotEnv loads variables from the given files (default .env) without
// overriding ones already set. Missing files are ignored.
func LoadDotEnv(files ...string) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		_ = godotenv.Load(f)
	}
}

// Load reads the configuration from the process environment.
func Load() Config {
	return LoadFrom(os.LookupEnv)
}

// LoadFrom reads the configuration through lookup.
func LoadFrom(lookup func(string) (string, bool)) Config {
	r := reader{lookup: lookup, problems: map[string]string{}}
	c := Config{
		Env:      r.str("AUTH_ENV", "development"),
		HTTPAddr: r.str("AUTH_HTTP_ADDR", ":8080"),
		GRPCAddr: r.str("AUTH_GRPC_ADDR", ":9090"),
		PGDSN:    r.str("AUTH_PG_DSN", ""),

		JWTSecret:  r.str("AUTH_JWT_SECRET", ""),
		JWTIssuer:  r.str("AUTH_JWT_ISSUER", "otportal"),
		AccessTTL:  r.duration("AUTH_ACCESS_TTL", time.Hour),
		RefreshTTL: r.duration("AUTH_REFRESH_TTL", 14*24*time.Hour),

		CSRFTTL:     r.duration("AUTH_CSRF_TTL", time.Hour),
		CSRFEnabled: r.boolean("AUTH_CSRF_ENABLED", true),

		LockoutThreshold: r.integer("AUTH_LOCKOUT_THRESHOLD", 5),
		LockoutDuration:  r.duration("AUTH_LOCKOUT_DURATION", 15*time.Minute),

		RateMaxAttempts: r.integer("AUTH_RATE_MAX_ATTEMPTS", 5),
		RateBlockWindow: r.duration("AUTH_RATE_BLOCK_WINDOW", 5*time.Minute),
		RateBackend:     strings.ToLower(r.str("AUTH_RATE_BACKEND", RateBackendPostgres)),
		RedisURL:        r.str("AUTH_REDIS_URL", ""),

		ResetTTL: r.duration("AUTH_RESET_TTL", time.Hour),

		BootstrapAdmins:  r.integer("AUTH_BOOTSTRAP_ADMINS", 0),
		BootstrapConfirm: r.boolean("AUTH_BOOTSTRAP_CONFIRM", false),

		ArgonMemoryKiB: r.integer("AUTH_ARGON_MEMORY_KIB", 64*1024),
		ArgonTime:      r.integer("AUTH_ARGON_TIME", 2),
		ArgonThreads:   r.integer("AUTH_ARGON_THREADS", 1),

		ThrottleRPS:    r.float("AUTH_THROTTLE_RPS", 20),
		ThrottleBurst:  r.integer("AUTH_THROTTLE_BURST", 40),
		AllowedOrigins: r.list("AUTH_ALLOWED_ORIGINS"),

		PurgeSchedule: r.str("AUTH_PURGE_SCHEDULE", "@every 10m"),
		OTLPEndpoint:  r.str("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTLPInsecure:  r.boolean("OTEL_EXPORTER_OTLP_INSECURE", false),
		LogLevel:      r.str("AUTH_LOG_LEVEL", "info"),
	}
	c.problems = r.problems
	return c
}

// Error lists every invalid key.
type Error struct {
	Fields map[string]string
}

func (e *Error) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "invalid configuration: " + strings.Join(parts, "; ")
}

// Validate checks the loaded values. The returned error, if any, is an *Error.
func (c Config) Validate() error {
	fields := map[string]string{}
	for k, v := range c.problems {
		fields[k] = v
	}
	set := func(key, msg string) {
		if _, ok := fields[key]; !ok {
			fields[key] = msg
		}
	}

	if len(c.JWTSecret) < minSecretLength {
		set("AUTH_JWT_SECRET", fmt.Sprintf("must be at least %d bytes", minSecretLength))
	}
	if strings.TrimSpace(c.JWTIssuer) == "" {
		set("AUTH_JWT_ISSUER", "must not be empty")
	}
	positive := map[string]time.Duration{
		"AUTH_ACCESS_TTL":        c.AccessTTL,
		"AUTH_REFRESH_TTL":       c.RefreshTTL,
		"AUTH_CSRF_TTL":          c.CSRFTTL,
		"AUTH_LOCKOUT_DURATION":  c.LockoutDuration,
		"AUTH_RATE_BLOCK_WINDOW": c.RateBlockWindow,
		"AUTH_RESET_TTL":         c.ResetTTL,
	}
	for key, d := range positive {
		if d <= 0 {
			set(key, "must be a positive duration")
		}
	}
	if c.AccessTTL > 0 && c.RefreshTTL > 0 && c.RefreshTTL <= c.AccessTTL {
		set("AUTH_REFRESH_TTL", "must be longer than AUTH_ACCESS_TTL")
	}
	if c.LockoutThreshold < 1 {
		set("AUTH_LOCKOUT_THRESHOLD", "must be at least 1")
	}
	if c.RateMaxAttempts < 1 {
		set("AUTH_RATE_MAX_ATTEMPTS", "must be at least 1")
	}
	switch c.RateBackend {
	case RateBackendPostgres:
	case RateBackendRedis:
		if c.RedisURL == "" {
			set("AUTH_REDIS_URL", "required when AUTH_RATE_BACKEND=redis")
		}
	default:
		set("AUTH_RATE_BACKEND", "must be postgres or redis")
	}
	if c.BootstrapAdmins < 0 {
		set("AUTH_BOOTSTRAP_ADMINS", "must not be negative")
	}
	if c.ArgonMemoryKiB < 8*1024 {
		set("AUTH_ARGON_MEMORY_KIB", "must be at least 8192")
	}
	if c.ArgonTime < 1 {
		set("AUTH_ARGON_TIME", "must be at least 1")
	}
	if c.ArgonThreads < 1 || c.ArgonThreads > 255 {
		set("AUTH_ARGON_THREADS", "must be between 1 and 255")
	}
	if c.ThrottleRPS < 0 {
		set("AUTH_THROTTLE_RPS", "must not be negative")
	}
	if c.ThrottleBurst < 1 {
		set("AUTH_THROTTLE_BURST", "must be at least 1")
	}
	if c.Production() && c.PGDSN == "" {
		set("AUTH_PG_DSN", "required in production")
	}
	for _, o := range c.AllowedOrigins {
		if o == "*" && c.Production() {
			set("AUTH_ALLOWED_ORIGINS", "wildcard not allowed in production")
		}
	}

	if len(fields) == 0 {
		return nil
	}
	return &Error{Fields: fields}
}

type reader struct {
	lookup   func(string) (string, bool)
	problems map[string]string
}

func (r reader) raw(key string) (string, bool) {
	v, ok := r.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (r reader) str(key, fallback string) string {
	if v, ok := r.raw(key); ok {
		return v
	}
	return fallback
}

func (r reader) integer(key string, fallback int) int {
	v, ok := r.raw(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.problems[key] = "must be an integer"
		return fallback
	}
	return n
}

func (r reader) float(key string, fallback float64) float64 {
	v, ok := r.raw(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.problems[key] = "must be a number"
		return fallback
	}
	return f
}

func (r reader) boolean(key string, fallback bool) bool {
	v, ok := r.raw(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.problems[key] = "must be a boolean"
		return fallback
	}
	return b
}

// duration accepts Go duration strings or a bare number of seconds.
func (r reader) duration(key string, fallback time.Duration) time.Duration {
	v, ok := r.raw(key)
	if !ok {
		return fallback
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.problems[key] = "must be a duration"
		return fallback
	}
	return d
}

func (r reader) list(key string) []string {
	v, ok := r.raw(key)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
