package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/infra"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/storage"
)

const migrationFile = "001_create_dispatch.sql"

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store.Backend, err)
	}
	defer store.Close()

	// optional migration: apply migrations/001_create_dispatch.sql if requested
	if pg, ok := store.(*storage.PostgresStore); ok && cfg.RunMigrations {
		b, err := os.ReadFile(filepath.Join("migrations", migrationFile))
		if err != nil {
			return fmt.Errorf("read migration: %w", err)
		}
		if err := pg.Migrate(ctx, string(b)); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
		logger.Info("migration applied", "file", migrationFile)
	}

	var guard matcher.Guard = matcher.StoreGuard{Drivers: store}
	if cfg.RedisAddr != "" {
		rdb, err := infra.NewRedis(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			return err
		}
		defer rdb.Close()
		guard = matcher.NewRedisGuard(rdb, guard, cfg.RedisLeasePrefix, cfg.LeaseTTL)
		logger.Info("redis driver leases enabled", "addr", cfg.RedisAddr, "ttl", cfg.LeaseTTL)
	}

	var producer *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaEventsTopic, logger)
		defer producer.Close()
	}

	ws := dispatch.NewWSRegistry(logger)
	channels := []dispatch.Channel{{Name: "ws", Notifier: ws}}
	if cfg.FCMEnabled {
		app, err := infra.NewFirebaseApp(ctx, cfg.Store.FirebaseProjectID, cfg.Store.FirebaseCredentialsFile)
		if err != nil {
			return err
		}
		msg, err := app.Messaging(ctx)
		if err != nil {
			return fmt.Errorf("firebase app.Messaging: %w", err)
		}
		channels = append(channels, dispatch.Channel{Name: "fcm", Notifier: dispatch.NewFCMNotifier(msg)})
	}
	if cfg.PushWebhookURL != "" {
		channels = append(channels, dispatch.Channel{Name: "webhook", Notifier: dispatch.NewWebhookNotifier(cfg.PushWebhookURL)})
	}

	estimator := &eta.Estimator{Cache: eta.NewCache(cfg.ETACacheTTL), DefaultSpeedMps: cfg.DefaultSpeedMps}
	if cfg.OSRMEndpoint != "" {
		estimator.Client = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}

	svc := &matcher.Service{
		Rides:        store,
		Drivers:      store,
		Guard:        guard,
		Dispatch:     dispatch.NewChain(logger, channels...),
		ETA:          estimator,
		OfferTimeout: cfg.OfferTimeout,
		Logger:       logger,
	}
	if producer != nil {
		svc.Events = producer
	}
	if cfg.StripeAPIKey != "" {
		svc.OnMatch = payments.NewMatchHold(payments.NewStripeClient(cfg.StripeAPIKey), cfg.PaymentCurrency, logger)
	}

	deps := httpapi.Deps{
		Rides:       store,
		Drivers:     store,
		Dispatcher:  svc,
		WS:          ws,
		Logger:      logger,
		CORSOrigin:  cfg.CORSOrigin,
		DriverAuth:  httpapi.NewDriverAuth(cfg.DriverJWTSecret),
		BaseContext: ctx,
	}
	if producer != nil {
		deps.Locations = producer
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(deps),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr, "backend", cfg.Store.Backend, "channels", len(channels))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
	defer cancel()
	httpErr := srv.Shutdown(shutdownCtx)
	dispatchErr := svc.Shutdown(shutdownCtx)
	return errors.Join(httpErr, dispatchErr)
}
