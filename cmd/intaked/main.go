// Command intaked serves the intake API: per-client admission control in
// front of threshold-triggered group notification.
//
// @title        Intake Guard API
// @version      1.0
// @description  Per-client admission control and threshold-triggered batch notification.
// @BasePath     /api/v1
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/tbourn/intake-guard/internal/accumulator"
	"github.com/tbourn/intake-guard/internal/admission"
	"github.com/tbourn/intake-guard/internal/config"
	"github.com/tbourn/intake-guard/internal/dispatch"
	httpapi "github.com/tbourn/intake-guard/internal/http"
	"github.com/tbourn/intake-guard/internal/http/middleware"
	"github.com/tbourn/intake-guard/internal/observability"
	"github.com/tbourn/intake-guard/internal/repo"
	"github.com/tbourn/intake-guard/internal/services"
	"github.com/tbourn/intake-guard/internal/sysutil"
)

var version = "dev"

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	logger := sysutil.SetupLogging(cfg.LogLevel, cfg.LogPretty, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("intaked stopped")
	}
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			logger.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
		return fmt.Errorf("gorm tracing: %w", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	gate, err := admission.NewGate(repo.NewAdmissionStore(db),
		admission.WithPolicy(services.PolicyFromConfig(cfg.Admission)),
		admission.WithLogger(logger.With().Str("component", "admission").Logger()))
	if err != nil {
		return fmt.Errorf("admission policy: %w", err)
	}

	store, closeStore, err := groupStore(ctx, cfg, db, logger)
	if err != nil {
		return err
	}
	defer closeStore()
	groups, err := accumulator.New(store,
		accumulator.WithThreshold(cfg.Groups.Threshold),
		accumulator.WithLogger(logger.With().Str("component", "accumulator").Logger()))
	if err != nil {
		return fmt.Errorf("accumulator: %w", err)
	}

	transport, err := newTransport(cfg, logger)
	if err != nil {
		return err
	}
	if v, ok := transport.(dispatch.Verifier); ok && cfg.Dispatch.VerifyOnStart {
		vctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err := v.Verify(vctx)
		cancel()
		if err != nil {
			return fmt.Errorf("verify %s transport: %w", transport.Name(), err)
		}
	}
	dispatcher, err := dispatch.New(transport,
		dispatch.WithConfig(services.DispatchConfigFrom(cfg.Dispatch)),
		dispatch.WithLogger(logger.With().Str("component", "dispatch").Logger()))
	if err != nil {
		return fmt.Errorf("dispatcher: %w", err)
	}

	svc := services.NewIntakeService(db, services.SQLRepo{}, gate, groups, dispatcher)
	svc.Subject = cfg.Dispatch.Subject
	svc.Body = cfg.Dispatch.Body
	svc.Async = cfg.Groups.AsyncBatch
	// A run still marked running after two batch budgets belongs to a dead process.
	svc.StaleAfter = 2*cfg.Dispatch.BatchTimeout + time.Minute
	svc.Logger = logger.With().Str("component", "intake").Logger()

	janitor := &services.Janitor{
		Sweeper:  gate,
		Interval: cfg.Admission.SweepInterval,
		Logger:   logger.With().Str("component", "janitor").Logger(),
	}
	janitorDone := janitor.Start(ctx)

	limiter := middleware.NewEdgeLimiter(cfg.RateRPS, cfg.RateBurst)
	limiter.Start(ctx)

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, httpapi.Deps{
		Intake:  svc,
		Audit:   &services.AuditService{DB: db, Gate: gate},
		Limiter: limiter,
	}, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", srv.Addr).
			Str("group_backend", cfg.Groups.Backend).
			Str("transport", transport.Name()).
			Int("threshold", groups.Threshold()).
			Msg("intaked listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	// Background batches finish before the database goes away.
	svc.Wait()
	<-janitorDone
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	log.Info().Msg("bye")
	return nil
}

// groupStore builds the accumulator backend named by GROUP_BACKEND. The
// returned func releases backend resources.
func groupStore(ctx context.Context, cfg config.Config, db *gorm.DB, logger zerolog.Logger) (accumulator.Store, func(), error) {
	noop := func() {}
	switch cfg.Groups.Backend {
	case "", "sql":
		return repo.NewGroupCounterStore(db), noop, nil
	case "memory":
		mem, err := seededMemoryStore(ctx, db)
		if err != nil {
			return nil, noop, fmt.Errorf("seed memory group backend: %w", err)
		}
		logger.Warn().Msg("memory group backend: state is process-local, seeded from batch_runs and pending members")
		return mem, noop, nil
	case "redis":
		rdb, err := newRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, noop, err
		}
		return accumulator.NewRedisStore(rdb, accumulator.WithKeyPrefix(cfg.Redis.KeyPrefix)),
			func() { _ = rdb.Close() }, nil
	default:
		return nil, noop, fmt.Errorf("unknown group backend %q", cfg.Groups.Backend)
	}
}

// seededMemoryStore returns a MemoryStore whose groups resume after the last
// recorded batch run, counting the members still pending. Without this a
// restart would reuse epochs that batch_runs has already claimed.
func seededMemoryStore(ctx context.Context, db *gorm.DB) (*accumulator.MemoryStore, error) {
	epochs, err := repo.NextEpochs(ctx, db)
	if err != nil {
		return nil, err
	}
	pending, err := repo.PendingCounts(ctx, db)
	if err != nil {
		return nil, err
	}
	mem := accumulator.NewMemoryStore()
	for group, epoch := range epochs {
		mem.Seed(group, epoch, int(pending[group]))
	}
	for group, n := range pending {
		if _, ok := epochs[group]; !ok {
			mem.Seed(group, 0, int(n))
		}
	}
	return mem, nil
}

// newTransport builds the notification transport named by NOTIFY_TRANSPORT.
func newTransport(cfg config.Config, logger zerolog.Logger) (dispatch.Transport, error) {
	switch cfg.Dispatch.Transport {
	case "", "log":
		return dispatch.NewLogTransport(logger.With().Str("component", "notify").Logger()), nil
	case "smtp":
		t, err := dispatch.NewSMTPTransport(dispatch.SMTPConfig{
			Host:        cfg.SMTP.Host,
			Port:        cfg.SMTP.Port,
			Username:    cfg.SMTP.Username,
			Password:    cfg.SMTP.Password,
			From:        cfg.SMTP.From,
			StartTLS:    cfg.SMTP.StartTLS,
			QuitTimeout: cfg.SMTP.QuitTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("smtp transport: %w", err)
		}
		return t, nil
	case "webhook":
		t, err := dispatch.NewWebhookTransport(dispatch.WebhookConfig{
			URL:       cfg.Webhook.URL,
			AuthToken: cfg.Webhook.Token,
			Timeout:   cfg.Webhook.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("webhook transport: %w", err)
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unknown notify transport %q", cfg.Dispatch.Transport)
	}
}
