// Package main is the entry point for the Stay Ledger server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stay-ledger/backend/internal/api"
	"github.com/stay-ledger/backend/internal/calendar"
	"github.com/stay-ledger/backend/internal/config"
	"github.com/stay-ledger/backend/internal/enrich"
	"github.com/stay-ledger/backend/internal/extract"
	"github.com/stay-ledger/backend/internal/guard"
	"github.com/stay-ledger/backend/internal/logging"
	"github.com/stay-ledger/backend/internal/storage"
	"github.com/stay-ledger/backend/internal/websocket"
)

// version is set at build time via -ldflags "-X main.version=x.y.z".
var version = "dev"

func main() {
	configPath := flag.String("config", envOr("CONFIG_PATH", "./config.yaml"), "Path to the YAML config file")
	healthCheck := flag.Bool("health-check", false, "Run health check and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Health check mode for Docker HEALTHCHECK
	if *healthCheck {
		if err := runHealthCheck(cfg.Server.Addr); err != nil {
			fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	logger := logging.New(cfg.Logging)
	logger.WithField("version", version).Info("Starting Stay Ledger")

	db, err := storage.NewDB(cfg.Database.Path)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open database")
	}
	defer db.Close()

	if err := storage.RunMigrations(db, logger); err != nil {
		logger.WithError(err).Fatal("Failed to run migrations")
	}

	hub := websocket.NewHub(logger)
	go hub.Run()
	broadcaster := websocket.NewEventBroadcaster(hub, logger)

	// Repositories
	properties := storage.NewPropertyRepository(db)
	bookings := storage.NewBookingRepository(db)
	mail := storage.NewMailRepository(db)
	runs := storage.NewRunRepository(db)

	// Concurrency guard
	locker, err := newLocker(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	g := guard.New(guard.NewSoftLock(runs, cfg.Sync.Debounce(), logger), locker)

	// Services
	reconciler := calendar.NewReconciler(db, bookings, logger)
	matcher := enrich.NewMatcher(db, properties, bookings, mail, runs, cfg.Enrichment.DaySlack, logger)
	syncService := calendar.NewSyncService(
		properties,
		runs,
		calendar.NewFetcher(cfg.Sync.FetchTimeout()),
		reconciler,
		matcher,
		g,
		calendar.SyncOptions{
			MaxParallelFeeds: cfg.Sync.MaxParallelFeeds,
			FetchTimeout:     cfg.Sync.FetchTimeout(),
		},
		logger,
	)
	emailService := enrich.NewEmailService(db, properties, mail, runs, extract.New(), matcher, g, logger)
	resetter := calendar.NewResetter(db, properties, bookings, runs, logger)

	scheduler := calendar.NewScheduler(
		syncService,
		emailService,
		properties,
		mail,
		broadcaster,
		cfg.Sync.DefaultIntervalMin,
		cfg.Sync.EmailIntervalMin,
		logger,
	)
	if err := scheduler.Start(context.Background()); err != nil {
		logger.WithError(err).Warn("Failed to start sync scheduler")
	}

	router := api.NewRouter(api.Services{
		DB:          db,
		Hub:         hub,
		Broadcaster: broadcaster,
		Properties:  properties,
		Bookings:    bookings,
		Mail:        mail,
		Runs:        runs,
		Reconciler:  reconciler,
		Sync:        syncService,
		Resetter:    resetter,
		Scheduler:   scheduler,
		Matcher:     matcher,
		Email:       emailService,
		StaticDir:   cfg.Server.StaticDir,
	}, logger)

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.WithField("addr", cfg.Server.Addr).Info("Server listening")
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Server error")
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server shutdown error")
	}

	logger.Info("Server stopped")
}

// newLocker picks the shared Redis lock when redis.addr is set and the
// in-process lock otherwise.
func newLocker(cfg *config.Config, logger logrus.FieldLogger) (guard.Locker, error) {
	if cfg.Redis.Addr == "" {
		return guard.NewMemoryLocker(cfg.Sync.LockTTL(), logger), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := guard.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, err
	}
	logger.WithField("addr", cfg.Redis.Addr).Info("Using Redis sync locks")
	return guard.NewRedisLocker(client, cfg.Sync.LockTTL(), logger), nil
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

// runHealthCheck performs a health check against the running server.
func runHealthCheck(addr string) error {
	url := "http://localhost" + addr + "/api/health"
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health endpoint returned %d", resp.StatusCode)
	}
	return nil
}
