// Package main runs the civic bounty service: paid posts, fix review, the reward ledger and
// Lightning payouts behind one HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/civicbounty/service_layer/internal/config"
	"github.com/civicbounty/service_layer/internal/database"
	"github.com/civicbounty/service_layer/internal/database/postgres"
	"github.com/civicbounty/service_layer/internal/httpapi"
	"github.com/civicbounty/service_layer/internal/idempotency"
	"github.com/civicbounty/service_layer/internal/jobs"
	"github.com/civicbounty/service_layer/internal/l402"
	"github.com/civicbounty/service_layer/internal/ledger"
	"github.com/civicbounty/service_layer/internal/lightning"
	"github.com/civicbounty/service_layer/internal/logging"
	"github.com/civicbounty/service_layer/internal/middleware"
	"github.com/civicbounty/service_layer/internal/notify"
	"github.com/civicbounty/service_layer/internal/payout"
	"github.com/civicbounty/service_layer/internal/reconcile"
)

func main() {
	addr := flag.String("addr", "", "listen address (overrides HTTP_ADDR)")
	backend := flag.String("backend", "", "store backend: supabase, postgres or memory (overrides DATABASE_BACKEND)")
	migrateOnly := flag.Bool("migrate", false, "apply Postgres migrations and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.HTTPAddr = *addr
	}
	if *backend != "" {
		cfg.Database.Backend = *backend
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
			os.Exit(1)
		}
	}

	logger := logging.New("civic-bounty", cfg.LogLevel, cfg.LogFormat)
	if err := run(cfg, logger, *migrateOnly); err != nil {
		logger.WithError(err).Fatal("Service exited with error")
	}
}

func run(cfg *config.Config, logger *logging.Logger, migrateOnly bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.WithFields(cfg.Redacted()).Info("Starting civic bounty service")

	repo, closeRepo, err := openRepository(ctx, cfg, logger, migrateOnly)
	if err != nil {
		return err
	}
	defer closeRepo()
	if migrateOnly {
		logger.Info("Migrations applied")
		return nil
	}

	gateway := lightning.NewClient(lightning.Config{
		NodeURL:  cfg.Lightning.NodeURL,
		AdminKey: cfg.Lightning.AdminKey,
		Timeout:  cfg.Lightning.Timeout,
	})
	if cfg.Lightning.NodeURL == "" || cfg.Lightning.AdminKey == "" {
		logger.Warn("Lightning node not configured; payments will fail with gateway unavailable")
	}

	if cfg.L402.RootKey == "" {
		return errors.New("L402_ROOT_KEY is required")
	}
	engine, err := l402.NewEngine(l402.Config{
		RootKey:  []byte(cfg.L402.RootKey),
		Location: cfg.L402.Location,
		TokenTTL: cfg.L402.TokenTTL,
		Pricing: l402.Pricing{
			FeeSats:       cfg.Rewards.PostingFeeSats,
			MinReward:     cfg.Rewards.MinReward,
			DefaultReward: cfg.Rewards.DefaultReward,
		},
	}, gateway, logger)
	if err != nil {
		return fmt.Errorf("create L402 engine: %w", err)
	}

	store, closeStore, err := openIdempotencyStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	cors := middleware.NewCORSMiddleware(cfg.AllowedOrigins())
	hub := notify.NewHub(logger, cors.IsOriginAllowed)
	senders := []notify.Sender{notify.NewLogSender(logger), hub}
	if cfg.Jobs.NotifyWebhookURL != "" {
		senders = append(senders, notify.NewWebhookSender(cfg.Jobs.NotifyWebhookURL, 10*time.Second))
	}
	dispatcher := notify.NewDispatcher(notify.Config{
		Workers:   cfg.Jobs.NotifyWorkers,
		QueueSize: cfg.Jobs.NotifyQueueSize,
	}, logger, senders...)
	dispatcher.Start()

	ledgerSvc := ledger.NewService(repo, gateway, ledger.Policy{
		MaxRewardPerPost:      cfg.Rewards.MaxRewardPerPost,
		MaxOpenPosts:          cfg.Rewards.MaxOpenPosts,
		EarningsSoftThreshold: cfg.Rewards.EarningsSoftThreshold,
	}, logger)
	payouts := payout.New(repo, ledgerSvc, gateway, dispatcher, logger)
	jobSvc := jobs.NewService(repo, ledgerSvc, payouts, dispatcher, jobs.Config{
		AutoApproveConfidence: cfg.Rewards.AutoApproveConfidence,
	}, logger)

	reconciler, err := reconcile.New(repo, cfg.Jobs.ReconcileSchedule, logger)
	if err != nil {
		return err
	}
	if err := reconciler.Start(ctx); err != nil {
		return err
	}

	if cfg.Auth.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set; only anonymous L402 requests will be accepted")
	}
	limiter := middleware.NewRateLimiter(cfg.HTTP.RateLimitRPS, cfg.HTTP.RateLimitBurst, logger)
	limiter.StartCleanup(ctx, 5*time.Minute)

	api := httpapi.New(httpapi.Config{
		Jobs:        jobSvc,
		Ledger:      ledgerSvc,
		Engine:      engine,
		Idempotency: store,
		Hub:         hub,
		Reconciler:  reconciler,
		Auth:        middleware.NewAuthMiddleware([]byte(cfg.Auth.JWTSecret), cfg.AdminIDs(), logger),
		CORS:        cors,
		RateLimiter: limiter,
		Logger:      logger,
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.HTTPAddr).Info("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		logger.WithField("signal", sig.String()).Info("Shutting down")
	case err := <-serverErr:
		runErr = fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP shutdown error")
	}
	if err := reconciler.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Reconciler stop error")
	}
	hub.Close()
	dispatcher.Stop()

	logger.Info("Service stopped")
	return runErr
}

// openRepository connects the configured store backend.
func openRepository(ctx context.Context, cfg *config.Config, logger *logging.Logger, migrateOnly bool) (database.RepositoryInterface, func(), error) {
	noop := func() {}
	switch cfg.Database.Backend {
	case "postgres":
		if cfg.Database.PostgresDSN == "" {
			return nil, noop, errors.New("DATABASE_URL is required for the postgres backend")
		}
		db, err := postgres.Open(ctx, cfg.Database.PostgresDSN)
		if err != nil {
			return nil, noop, err
		}
		if cfg.Database.AutoMigrate || migrateOnly {
			if err := postgres.Migrate(db.DB); err != nil {
				_ = db.Close()
				return nil, noop, err
			}
		}
		return postgres.New(db), func() { _ = db.Close() }, nil
	case "memory":
		if migrateOnly {
			return nil, noop, errors.New("migrations need the postgres backend")
		}
		logger.Warn("Using the in-memory store; all data is lost on restart")
		return database.NewMockRepository(), noop, nil
	default:
		if migrateOnly {
			return nil, noop, errors.New("migrations need the postgres backend")
		}
		client, err := database.NewClient(database.Config{
			URL:        cfg.Database.SupabaseURL,
			ServiceKey: cfg.Database.SupabaseServiceKey,
		})
		if err != nil {
			return nil, noop, fmt.Errorf("create supabase client: %w", err)
		}
		return database.NewRepository(client), noop, nil
	}
}

// openIdempotencyStore uses Redis when configured so replicas share in-flight markers.
func openIdempotencyStore(ctx context.Context, cfg *config.Config, logger *logging.Logger) (idempotency.Store, func(), error) {
	if cfg.Database.RedisURL == "" {
		logger.Info("REDIS_URL not set; using the in-process idempotency store")
		mem := idempotency.NewMemoryStore(idempotency.DefaultTTL)
		go func() {
			ticker := time.NewTicker(10 * time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					mem.Sweep()
				}
			}
		}()
		return mem, func() {}, nil
	}

	store, err := idempotency.NewRedisStore(cfg.Database.RedisURL, idempotency.DefaultTTL)
	if err != nil {
		return nil, nil, fmt.Errorf("create redis store: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	return store, func() { _ = store.Close() }, nil
}
