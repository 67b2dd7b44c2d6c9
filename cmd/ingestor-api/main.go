package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/app"
	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/assets"
	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/catalog"
	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/common/config"
	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/common/database"
	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/common/logger"
	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/gateway/auth"
	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/gateway/httpclient"
	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/gateway/middleware"
	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/gateway/routes"
	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/ingestion"
	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/observability/metrics"
	"github.com/gorilla/mux"
)

func main() {
	logger.Init()
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Log.WithError(err).Fatal("invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stores, err := app.OpenStores(ctx, cfg)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to open ingestion store")
	}
	defer stores.Close()

	cat, err := app.NewCatalog(ctx, cfg, stores.DB)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to set up catalog")
	}
	defer cat.Close()

	authenticator, err := app.NewAuthenticator(ctx, cfg)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to set up authentication")
	}

	var issuer *auth.TokenIssuer
	if cfg.TokenURL != "" {
		issuer, err = auth.NewTokenIssuer(cfg.TokenURL, cfg.ClientID, cfg.ClientSecret, httpclient.New(10*time.Second))
		if err != nil {
			logger.Log.WithError(err).Fatal("failed to set up token endpoint")
		}
	}

	var verifier ingestion.AssetVerifier
	if cfg.VerifyAssets {
		checker, err := assets.NewS3Checker(ctx, cfg.AWSRegion)
		if err != nil {
			logger.Log.WithError(err).Fatal("failed to set up asset verification")
		}
		verifier = checker
	}

	svc := ingestion.NewService(stores.Store, ingestion.NewValidator(), verifier)

	router := mux.NewRouter()
	api := router
	if cfg.PathPrefix != "" {
		api = router.PathPrefix(cfg.PathPrefix).Subrouter()
	}

	routes.NewHealthHandler("ingestor-api", map[string]routes.Check{
		"postgres": func(ctx context.Context) error { return database.Ping(ctx, stores.DB) },
	}).Register(api)
	api.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	routes.NewAuthHandler(issuer, authenticator).Register(api)

	// Registered last: a matcher-less subrouter must not shadow public routes.
	protected := api.NewRoute().Subrouter()
	protected.Use(middleware.Authenticate(authenticator))
	ingestion.NewHTTPHandler(svc, middleware.Username, cfg.MaxRequestBody).Register(protected)
	catalog.NewHTTPHandler(cat.Collections, cfg.MaxRequestBody).Register(protected)
	routes.NewMetricsHandler(stores.DB, stores.Feed, cfg.FeedConsumerGroup).Register(protected)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:      middleware.Recovery(middleware.Logging(middleware.CORS(router))),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host":        cfg.ServerHost,
			"port":        cfg.ServerPort,
			"path_prefix": cfg.PathPrefix,
		}).Info("Ingestor API started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Ingestor API...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Error("server forced to shutdown")
	}

	logger.Log.Info("Ingestor API stopped")
}
