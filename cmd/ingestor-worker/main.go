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

	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/app"
	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/common/config"
	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/common/database"
	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/common/logger"
	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/feed"
	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/gateway/routes"
	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/observability/metrics"
	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/processor"
	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/reconcile"
	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"
)

const reconcileTimeout = 4 * time.Minute

func main() {
	logger.Init()
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Log.WithError(err).Fatal("invalid configuration")
	}
	if err := run(cfg); err != nil {
		logger.Log.WithError(err).Fatal("worker failed")
	}
	logger.Log.Info("Ingestor worker stopped")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stores, err := app.OpenStores(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open ingestion store: %w", err)
	}
	defer stores.Close()

	cat, err := app.NewCatalog(ctx, cfg, stores.DB)
	if err != nil {
		return fmt.Errorf("set up catalog: %w", err)
	}
	defer cat.Close()

	deadLetters, err := app.NewDeadLetters(cfg)
	if err != nil {
		return fmt.Errorf("set up dead letters: %w", err)
	}
	defer deadLetters.Close()

	proc, err := processor.New(stores.Store, cat.Loader, cfg.ProcessorConcurrency)
	if err != nil {
		return err
	}
	defer proc.Close()
	notifier, closeNotifier := app.NewNotifier(cfg, "ingestor-worker")
	defer closeNotifier()
	if notifier != nil {
		proc.WithNotifier(notifier)
	}

	runner := feed.NewRunner(stores.Feed, stores.Feed, proc, deadLetters.Sink, app.FeedOptions(cfg))
	reconciler := reconcile.New(stores.Store, stores.Feed, app.ReconcileOptions(cfg))
	scheduler, err := reconcile.NewScheduler(reconciler, cfg.ReconcileSchedule, reconcileTimeout)
	if err != nil {
		return err
	}

	router := mux.NewRouter()
	routes.NewHealthHandler("ingestor-worker", map[string]routes.Check{
		"postgres": func(ctx context.Context) error { return database.Ping(ctx, stores.DB) },
	}).Register(router)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	server := &http.Server{
		Addr:        fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.WorkerPort),
		Handler:     router,
		ReadTimeout: cfg.ReadTimeout,
		IdleTimeout: 120 * time.Second,
	}

	logger.Log.WithFields(map[string]interface{}{
		"group":      cfg.FeedConsumerGroup,
		"batch_size": cfg.FeedBatchSize,
		"window":     cfg.FeedBatchWindow.String(),
		"schedule":   cfg.ReconcileSchedule,
		"port":       cfg.WorkerPort,
	}).Info("Ingestor worker started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runner.Run(gctx) })
	g.Go(func() error { return scheduler.Run(gctx) })
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Log.Info("Shutting down Ingestor worker...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
