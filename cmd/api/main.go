package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"otportal.org/internal/audit"
	"otportal.org/internal/auth"
	"otportal.org/internal/config"
	"otportal.org/internal/grpcapi"
	"otportal.org/internal/httpapi"
	"otportal.org/internal/janitor"
	"otportal.org/internal/obs"
	"otportal.org/internal/store/memory"
	"otportal.org/internal/store/pg"
	"otportal.org/internal/store/redisrl"
	"otportal.org/internal/telemetry"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

type authStore interface {
	auth.Store
	Close() error
}

type memoryStore struct{ *memory.Store }

func (memoryStore) Close() error { return nil }

func main() {
	log := obs.Logger()

	config.LoadDotEnv()
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		var cfgErr *config.Error
		if errors.As(err, &cfgErr) {
			fields := logrus.Fields{}
			for k, v := range cfgErr.Fields {
				fields[k] = v
			}
			log.WithFields(fields).Fatal("invalid configuration")
		}
		log.WithError(err).Fatal("invalid configuration")
	}
	obs.SetLevel(cfg.LogLevel)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing := telemetry.Setup(ctx, "otportal-auth", version, cfg.OTLPEndpoint, cfg.OTLPInsecure)

	health := obs.NewHealth(2 * time.Second)

	var store authStore
	if cfg.PGDSN != "" {
		pgStore, err := pg.Open(cfg.PGDSN)
		if err != nil {
			log.WithError(err).Fatal("open database")
		}
		health.Register("postgres", pgStore.Ping)
		store = pgStore
	} else {
		log.Warn("AUTH_PG_DSN not set, using in-memory store")
		store = memoryStore{memory.New()}
	}
	defer store.Close()

	rateStore := store.RateLimits()
	opts := []auth.ServiceOption{
		auth.WithSigningSecret([]byte(cfg.JWTSecret)),
		auth.WithIssuer(cfg.JWTIssuer),
		auth.WithAccessTTL(cfg.AccessTTL),
		auth.WithRefreshTTL(cfg.RefreshTTL),
		auth.WithCSRFTTL(cfg.CSRFTTL),
		auth.WithResetTTL(cfg.ResetTTL),
		auth.WithPasswordParams(auth.PasswordParams{
			Memory:      uint32(cfg.ArgonMemoryKiB),
			Iterations:  uint32(cfg.ArgonTime),
			Parallelism: uint8(cfg.ArgonThreads),
			KeyLength:   auth.DefaultPasswordParams.KeyLength,
			SaltLength:  auth.DefaultPasswordParams.SaltLength,
		}),
		auth.WithLockoutPolicy(auth.LockoutPolicy{Threshold: cfg.LockoutThreshold, Duration: cfg.LockoutDuration}),
		auth.WithRatePolicy(auth.RatePolicy{MaxAttempts: cfg.RateMaxAttempts, Window: cfg.RateBlockWindow}),
		auth.WithBootstrapAdmins(cfg.BootstrapAdmins, cfg.BootstrapConfirm),
		auth.WithEventSink(audit.NewRecorder(store.Events())),
	}
	if cfg.RateBackend == config.RateBackendRedis {
		rl, err := redisrl.Open(cfg.RedisURL)
		if err != nil {
			log.WithError(err).Fatal("open redis")
		}
		defer rl.Close()
		health.Register("redis", rl.Ping)
		rateStore = rl
		opts = append(opts, auth.WithRateLimitStore(rl))
	}

	svc, err := auth.NewService(store, opts...)
	if err != nil {
		log.WithError(err).Fatal("build auth service")
	}
	bootCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = svc.EnsureBuiltins(bootCtx)
	cancel()
	if err != nil {
		log.WithError(err).Fatal("ensure roles and permissions")
	}

	purger := janitor.New(store.CSRFTokens(), rateStore, store.Resets(), cfg.RateBlockWindow, nil)
	if err := purger.Start(cfg.PurgeSchedule); err != nil {
		log.WithError(err).WithField("schedule", cfg.PurgeSchedule).Fatal("schedule purge")
	}

	api := httpapi.New(svc, health, httpapi.Options{
		Version:        version,
		CSRFEnabled:    cfg.CSRFEnabled,
		Production:     cfg.Production(),
		AllowedOrigins: cfg.AllowedOrigins,
		ThrottleRPS:    cfg.ThrottleRPS,
		ThrottleBurst:  cfg.ThrottleBurst,
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(api.Handler(), "otportal-auth"),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	grpcSrv := grpcapi.NewServer(health)

	log.WithFields(logrus.Fields{
		"version":      version,
		"http_addr":    cfg.HTTPAddr,
		"grpc_addr":    cfg.GRPCAddr,
		"rate_backend": cfg.RateBackend,
		"csrf":         cfg.CSRFEnabled,
	}).Info("starting otportal-auth")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return err
		}
		return grpcSrv.Serve(lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		grpcSrv.GracefulStop()
		purger.Stop(shutdownCtx)
		err := srv.Shutdown(shutdownCtx)
		_ = shutdownTracing(shutdownCtx)
		return err
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("server stopped with error")
		return
	}
	log.Info("stopped")
}
