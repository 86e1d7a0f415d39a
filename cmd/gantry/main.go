package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/rendis/gantry/internal/actions"
	"github.com/rendis/gantry/internal/api"
	"github.com/rendis/gantry/internal/approvals"
	"github.com/rendis/gantry/internal/audit"
	"github.com/rendis/gantry/internal/engine"
	"github.com/rendis/gantry/internal/logging"
	"github.com/rendis/gantry/internal/notify"
	"github.com/rendis/gantry/internal/scheduler"
	"github.com/rendis/gantry/internal/secrets"
	"github.com/rendis/gantry/internal/store"
	"github.com/rendis/gantry/internal/validation"
	"github.com/rendis/gantry/internal/workflows"
)

const pagerDutyEventsURL = "https://events.pagerduty.com/v2/enqueue"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gantry: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	db, err := store.NewLibSQLStore(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	vault := secrets.NewStoreVault(db)
	recorder := audit.NewRecorder(db, logger)

	registry := actions.NewRegistry()
	if err := registry.Register(actions.NewHTTPRequestAction(actions.HTTPConfig{})); err != nil {
		return fmt.Errorf("register actions: %w", err)
	}

	notifier := buildNotifier(cfg, logger)

	eng := engine.New(engine.Config{
		Store:    db,
		Registry: registry,
		Notifier: notifier,
		Vault:    vault,
		Audit:    recorder,
		Logger:   logger,
	})

	coordinator := approvals.NewCoordinator(approvals.Config{
		Store:   db,
		Resumer: eng,
		Audit:   recorder,
		Logger:  logger,
	})

	validator, err := validation.NewDefinitionValidator(registry)
	if err != nil {
		return fmt.Errorf("build validator: %w", err)
	}

	wfService := workflows.NewService(workflows.Config{
		Store:     db,
		Validator: validator,
		Audit:     recorder,
		Logger:    logger,
	})

	pool := engine.NewWorkerPool(cfg.PoolSize)
	defer pool.Shutdown()

	sweeper := scheduler.NewSweeper(scheduler.Config{
		Store:    db,
		Runner:   eng,
		Expirer:  coordinator,
		Logger:   logger,
		Interval: cfg.sweepInterval(),
		Workers:  cfg.PoolSize,
	})
	if err := sweeper.Start(ctx); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}
	defer func() { _ = sweeper.Stop() }()

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	server := api.NewServer(api.Config{
		Workflows: wfService,
		Engine:    eng,
		Approvals: coordinator,
		Store:     db,
		Pool:      pool,
		Logger:    logger,
	})
	server.Register(e)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      e,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("gantry listening", "addr", cfg.ListenAddr)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			_ = srv.Close()
			return fmt.Errorf("shutdown: %w", err)
		}
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(handler))
}

// buildNotifier assembles the delivery stack from whichever provider
// credentials are configured. With none configured, the dispatcher simply
// rejects deliveries with NOTIFY_ERROR.
func buildNotifier(cfg Config, logger *slog.Logger) notify.Notifier {
	client := &http.Client{Timeout: 10 * time.Second}

	var providers []notify.Provider
	if cfg.SlackWebhookURL != "" {
		providers = append(providers, notify.NewSlackProvider(cfg.SlackWebhookURL, client))
	}
	if cfg.PagerDutyRoutingKey != "" {
		providers = append(providers, notify.NewPagerDutyProvider(pagerDutyEventsURL, cfg.PagerDutyRoutingKey, client))
	}
	if cfg.WebhookURL != "" {
		providers = append(providers, notify.NewWebhookProvider(cfg.WebhookURL, client))
	}

	dispatcher := notify.NewProviderDispatcher(logger, providers...)
	return notify.NewRetryingNotifier(dispatcher, notify.DefaultRetryConfig(), logger)
}
