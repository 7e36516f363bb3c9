// Command stepupd serves step-up grants over HTTP backed by PostgreSQL and Redis.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/MrEthical07/stepup"
	"github.com/MrEthical07/stepup/internal/config"
	"github.com/MrEthical07/stepup/internal/jobs"
	"github.com/MrEthical07/stepup/metrics/export/prometheus"
	"github.com/MrEthical07/stepup/middleware"
	"github.com/MrEthical07/stepup/store/memory"
	"github.com/MrEthical07/stepup/store/postgres"
	"github.com/MrEthical07/stepup/store/redisstore"
	"github.com/MrEthical07/stepup/totp"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	zerolog.SetGlobalLevel(cfg.Level())

	engineCfg, err := cfg.EngineConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid engine config")
	}
	for _, w := range engineCfg.Lint() {
		log.Warn().Str("code", w.Code).Str("severity", w.Severity.String()).Msg(w.Message)
	}

	if cfg.MigrateOnStart {
		if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
			log.Fatal().Err(err).Msg("failed to run migrations")
		}
		log.Info().Msg("migrations applied")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	store := postgres.New(pool)
	log.Info().Msg("database connected")

	recorders := stepup.MultiRecorder{stepup.NewLogRecorder(log.Logger)}
	var (
		limiter     stepup.AttemptLimiter
		replay      stepup.ReplayGuard = memory.NewReplayGuard(nil)
		redisClient *goredis.Client
	)
	if cfg.RedisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		redisClient, err = redisstore.NewClient(ctx, cfg.RedisURL)
		cancel()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisClient.Close()
		limiter = redisstore.NewAttemptLimiter(redisClient, engineCfg.TOTP)
		replay = redisstore.NewReplayGuard(redisClient)
		recorders = append(recorders, redisstore.NewStreamRecorder(redisClient, redisstore.WithStream(cfg.EventsStream)))
		log.Info().Msg("redis connected")
	} else {
		log.Warn().Msg("REDIS_URL not set: TOTP attempts are not rate limited and used codes are tracked in-process")
	}

	totpCfg := totp.ConfigFrom(engineCfg.TOTP)
	builder := stepup.New().
		WithConfig(engineCfg).
		WithBackend(store).
		WithSecurityEventRecorder(recorders).
		WithTOTPVerifier(totp.NewVerifier(store, totpCfg)).
		WithTOTPEnroller(store).
		WithTOTPProvisioner(totp.NewProvisioner(totpCfg)).
		WithReplayGuard(replay).
		WithLogger(log.Logger)
	if limiter != nil {
		builder = builder.WithAttemptLimiter(limiter)
	}
	engine, err := builder.Build()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build step-up engine")
	}
	defer engine.Close()
	logSecurityReport(engine.SecurityReport())

	health := func(ctx context.Context) error {
		if err := store.Ping(ctx); err != nil {
			return err
		}
		if redisClient != nil {
			return redisClient.Ping(ctx).Err()
		}
		return nil
	}
	handler := &api{
		engine:   engine,
		identity: middleware.HeaderIdentity(cfg.AdminHeader),
		health:   health,
		logger:   log.Logger,
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(30 * time.Second))

	r.Get("/health", handler.Health)
	r.Method(http.MethodGet, "/metrics", prometheus.NewExporter(engine).Handler())
	r.Mount("/v1/step-up", handler.Routes())

	purge := jobs.NewPurgeJob(store, cfg.PurgeInterval, log.Logger)
	purge.Start()
	defer purge.Stop()

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("server stopped")
}

func logSecurityReport(report stepup.SecurityReport) {
	evt := log.Info().
		Bool("production_mode", report.ProductionMode).
		Bool("attempt_limiting", report.AttemptLimitingActive).
		Bool("replay_protection", report.ReplayProtection).
		Bool("async_security_events", report.AsyncSecurityEvents).
		Int("totp_digits", report.TOTPDigits).
		Int("totp_skew", report.TOTPSkew)
	for _, s := range report.Scopes {
		evt = evt.Dur(s.Scope.String()+"_ttl", s.TTL)
	}
	evt.Msg("step-up engine ready")
}
