// Command server starts the Bindery control-plane HTTP server with an
// embedded worker pool.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/foliosource/bindery/internal/adapter/alerts"
	httpserver "github.com/foliosource/bindery/internal/adapter/httpserver"
	"github.com/foliosource/bindery/internal/adapter/imaging"
	"github.com/foliosource/bindery/internal/adapter/objectstore/minio"
	"github.com/foliosource/bindery/internal/adapter/observability"
	"github.com/foliosource/bindery/internal/adapter/pages"
	"github.com/foliosource/bindery/internal/adapter/repo/postgres"
	"github.com/foliosource/bindery/internal/app"
	"github.com/foliosource/bindery/internal/config"
	"github.com/foliosource/bindery/internal/domain"
	"github.com/foliosource/bindery/internal/urlpolicy"
	"github.com/foliosource/bindery/internal/usecase"
	"github.com/foliosource/bindery/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register all Prometheus metrics once per process so that
	// /metrics/prometheus exposes HTTP, queue, and pipeline instrumentation.
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	// Infra: DB pool, schema, object store.
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.WaitReady(ctx, pool, 30*time.Second); err != nil {
		slog.Error("db not ready", slog.Any("error", err))
		os.Exit(1)
	}
	if err := postgres.Migrate(ctx, cfg.DBURL); err != nil {
		slog.Error("db migrate failed", slog.Any("error", err))
		os.Exit(1)
	}

	store, err := minio.New(minio.Config{
		Endpoint:  cfg.ObjectStoreEndpoint,
		KeyID:     cfg.ObjectStoreKeyID,
		Secret:    cfg.ObjectStoreSecret,
		Bucket:    cfg.ObjectStoreBucket,
		PublicURL: cfg.ObjectStorePublicURL,
		UseSSL:    cfg.ObjectStoreUseSSL,
	})
	if err != nil {
		slog.Error("object store init failed", slog.Any("error", err))
		os.Exit(1)
	}
	if err := store.EnsureBucket(ctx); err != nil {
		slog.Error("object store bucket check failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Repositories
	queue := postgres.NewQueueRepo(pool, cfg.LockTTL)
	catalog := postgres.NewCatalogRepo(pool)

	// Crawl policy: compiled defaults, optionally overridden from YAML.
	policy, err := loadPolicy(cfg)
	if err != nil {
		slog.Error("url policy load failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Scrape pipeline: page handlers, image pipeline, catalog writer.
	siteFetcher := pages.NewSiteFetcher(policy, cfg.UserAgent, cfg.FetchTimeout, cfg.SiteRateLimit)
	registry := pages.NewRegistry(
		pages.NewNavigationHandler(siteFetcher),
		pages.NewCategoryHandler(siteFetcher),
		pages.NewProductHandler(siteFetcher),
	)
	imageFetcher := imaging.NewFetcher(cfg.UserAgent, cfg.ImageMaxBytes, cfg.FetchTimeout)
	processor, err := imaging.NewProcessor(imageFetcher, store, cfg.BaseSiteURL, imaging.Options{
		MaxWidth:    cfg.ImageMaxWidth,
		JPEGQuality: cfg.ImageJPEGQuality,
		Concurrency: cfg.ImageConcurrency,
	})
	if err != nil {
		slog.Error("image processor init failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Usecases
	enqueueSvc := usecase.NewEnqueueService(queue, cfg.RetryAttempts)
	writer := usecase.NewCatalogWriter(catalog)

	var notifier domain.Notifier
	if cfg.AlertWebhookURL != "" {
		notifier = alerts.New(cfg.AlertWebhookURL, nil)
	}

	workers := worker.New(queue, &worker.Pipeline{
		Registry:       registry,
		Images:         processor,
		Writer:         writer,
		Enqueuer:       enqueueSvc,
		Discover:       cfg.EnqueueDiscovered,
		CategoryThumbs: cfg.CategoryThumbs,
	}, notifier, worker.Options{
		Size:          cfg.WorkerConcurrency,
		LockTTL:       cfg.LockTTL,
		PollInterval:  cfg.PollInterval,
		ShutdownGrace: cfg.ShutdownTimeout,
	})
	if cfg.WorkerAutostart {
		if err := workers.Start(ctx); err != nil {
			slog.Error("worker pool start failed", slog.Any("error", err))
			os.Exit(1)
		}
	}

	// Background loops: retention cleanup, lease expiry sweep, health monitor.
	bgCtx, cancelBg := context.WithCancel(ctx)
	defer cancelBg()
	cleanupSvc := postgres.NewCleanupService(queue, cfg.CleanupTTL)
	go cleanupSvc.RunPeriodic(bgCtx, cfg.CleanupInterval)
	sweeper := app.NewLeaseSweeper(queue, cfg.LockTTL, cfg.ExpirySweep)
	go sweeper.Run(bgCtx)
	monitor := app.NewMonitor(queue, workers.Metrics(), notifier, app.MonitorOptions{})
	go monitor.Run(bgCtx)

	// HTTP surface
	dbCheck, storeCheck := app.BuildReadinessChecks(pool, store)
	srv := httpserver.NewServer(cfg, queue, enqueueSvc, workers, dbCheck, storeCheck)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)

	// Drain the pool after the listener closes so no new control requests
	// race the stop, then release whatever leases the grace period left.
	if err := workers.Stop(shutdownCtx); err != nil && !errors.Is(err, domain.ErrConflict) {
		slog.Error("worker pool stop failed", slog.Any("error", err))
	}
	cancelBg()
}

// loadPolicy compiles the crawl policy, from file when one is configured.
func loadPolicy(cfg config.Config) (*urlpolicy.Policy, error) {
	if cfg.URLPolicyFile != "" {
		return urlpolicy.FromFile(cfg.URLPolicyFile, cfg.BaseSiteURL, cfg.RequestDelay)
	}
	return urlpolicy.Default(cfg.BaseSiteURL, cfg.RequestDelay)
}
