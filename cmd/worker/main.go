// Command worker runs a headless scrape worker pool against the shared
// job queue. It serves no control API; metrics are exposed on a side port.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/foliosource/bindery/internal/adapter/alerts"
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
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register Prometheus metrics in the worker process and expose them on a
	// dedicated port so the scraper containers can be scraped directly.
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(fmt.Sprintf(":%d", cfg.MetricsPort), mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.WaitReady(ctx, pool, 30*time.Second); err != nil {
		slog.Error("database not ready", slog.Any("error", err))
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

	queue := postgres.NewQueueRepo(pool, cfg.LockTTL)
	catalog := postgres.NewCatalogRepo(pool)

	var policy *urlpolicy.Policy
	if cfg.URLPolicyFile != "" {
		policy, err = urlpolicy.FromFile(cfg.URLPolicyFile, cfg.BaseSiteURL, cfg.RequestDelay)
	} else {
		policy, err = urlpolicy.Default(cfg.BaseSiteURL, cfg.RequestDelay)
	}
	if err != nil {
		slog.Error("url policy load failed", slog.Any("error", err))
		os.Exit(1)
	}

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
	if err := workers.Start(ctx); err != nil {
		slog.Error("worker pool start failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Lease sweeper and health monitor run in every worker process; the
	// underlying operations are idempotent across replicas.
	bgCtx, cancelBg := context.WithCancel(ctx)
	defer cancelBg()
	cleanupSvc := postgres.NewCleanupService(queue, cfg.CleanupTTL)
	go cleanupSvc.RunPeriodic(bgCtx, cfg.CleanupInterval)
	sweeper := app.NewLeaseSweeper(queue, cfg.LockTTL, cfg.ExpirySweep)
	go sweeper.Run(bgCtx)
	monitor := app.NewMonitor(queue, workers.Metrics(), notifier, app.MonitorOptions{})
	go monitor.Run(bgCtx)

	slog.Info("worker started, waiting for shutdown signal",
		slog.String("worker_id", workers.ID()),
		slog.Int("concurrency", cfg.WorkerConcurrency))
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	slog.Info("signal received, shutting down", slog.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout+10*time.Second)
	defer cancel()
	if err := workers.Stop(shutdownCtx); err != nil && !errors.Is(err, domain.ErrConflict) {
		slog.Error("worker pool stop failed", slog.Any("error", err))
	}
	cancelBg()
	slog.Info("worker stopped")
}
