package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"tablevine/internal/auth"
	"tablevine/internal/config"
	transporthttp "tablevine/internal/http"
	"tablevine/internal/liff"
	"tablevine/internal/platform/database"
	"tablevine/internal/platform/logging"
	"tablevine/internal/platform/migrate"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := logging.New(cfg.LogLevel)

	repo, cleanup, err := buildRepository(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	if cleanup != nil {
		defer cleanup()
	}

	providerClient := &http.Client{Timeout: 10 * time.Second}
	loader := liff.NewLoader(providerClient, cfg.LiffSDKPrimaryURL, cfg.LiffSDKFallbackURL, logger)
	initializer := liff.NewInitializer(loader, providerClient, cfg.LiffChannelID, logger)
	client := liff.NewClient(loader, providerClient, cfg.LiffChannelID)
	cache := liff.NewCache()

	signer := auth.NewSessionSigner(cfg.SessionSecret, cfg.SessionTTL)
	authService := auth.NewService(repo, signer, cache, client, logger, cfg.WebSessionTTL)
	reconciler := auth.NewReconciler(authService, auth.NewSDKBootstrap(loader, initializer), logger)

	var line *auth.LineAuthenticator
	if cfg.LineLoginEnabled() {
		line, err = auth.NewLineAuthenticator(ctx, cfg.LineClientID, cfg.LineClientSecret, cfg.LineRedirectURL)
		if err != nil {
			logger.Error("failed to initialize LINE Login", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("LINE Login disabled; conventional web sessions cannot be created")
	}

	router := newRouter(cfg, authService, reconciler, line, logger)

	// Warm the provider descriptor so the first reconcile does not pay the
	// fetch latency. Failures here are not fatal: EnsureLoaded retries on
	// demand.
	go func() {
		warmCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		descriptor, err := loader.FetchDescriptor(warmCtx)
		if err != nil {
			logger.Warn("descriptor warm-up failed", "error", err)
			loader.NotifyFailed(err)
			return
		}
		loader.NotifyLoaded(descriptor)
		logger.Info("provider descriptor warmed", "version", descriptor.Version)
	}()

	go runCleanupLoop(ctx, authService, cache, logger)

	srv := &http.Server{
		Addr:              cfg.HTTPAddress(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    http.DefaultMaxHeaderBytes,
	}

	go func() {
		logger.Info("Tablevine API listening", "addr", srv.Addr, "store", cfg.DataStore)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

func newRouter(cfg config.Config, authService *auth.Service, reconciler *auth.Reconciler, line *auth.LineAuthenticator, logger *slog.Logger) http.Handler {
	if line == nil {
		return transporthttp.NewRouter(cfg, authService, reconciler, nil, logger)
	}
	return transporthttp.NewRouter(cfg, authService, reconciler, line, logger)
}

// runCleanupLoop periodically evicts expired web sessions and cached
// embedded credentials.
func runCleanupLoop(ctx context.Context, authService *auth.Service, cache *liff.Cache, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := authService.CleanupExpiredWebSessions(ctx)
			if err != nil {
				logger.Error("web session cleanup failed", "error", err)
			} else if count > 0 {
				logger.Info("expired web sessions removed", "count", count)
			}
			if purged := cache.Purge(); purged > 0 {
				logger.Info("expired cached sessions removed", "count", purged)
			}
		}
	}
}

func buildRepository(ctx context.Context, cfg config.Config, logger *slog.Logger) (auth.Repository, func(), error) {
	if cfg.UseInMemoryStore() {
		logger.Info("using in-memory repository")
		return auth.NewInMemoryRepository(), nil, nil
	}

	db, err := database.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}

	cleanup := func() {
		_ = db.Close()
	}

	if err := migrate.Apply(ctx, db, logger); err != nil {
		cleanup()
		return nil, nil, err
	}

	logger.Info("connected to postgres")
	return auth.NewPostgresRepository(db), cleanup, nil
}
