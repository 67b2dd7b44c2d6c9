package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/app"
	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/cli"
	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/common/config"
	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/common/logger"
	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/ingestion"
	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/reconcile"
)

func main() {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = "warn"
	}
	logger.InitWithWriter(os.Stderr, level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCmd(openEnv).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func openEnv(ctx context.Context) (*cli.Env, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	stores, err := app.OpenStores(ctx, cfg)
	if err != nil {
		return nil, err
	}
	deadLetters, err := app.NewDeadLetters(cfg)
	if err != nil {
		_ = stores.Close()
		return nil, err
	}

	env := &cli.Env{
		Service:     ingestion.NewService(stores.Store, ingestion.NewValidator(), nil),
		Reconciler:  reconcile.New(stores.Store, stores.Feed, app.ReconcileOptions(cfg)),
		Feed:        stores.Feed,
		Group:       cfg.FeedConsumerGroup,
		DeadLetters: deadLetters.Source,
		Close: func() error {
			return errors.Join(deadLetters.Close(), stores.Close())
		},
	}
	if cfg.JWTSecret != "" {
		signer, err := app.NewSigner(cfg)
		if err != nil {
			_ = env.Close()
			return nil, err
		}
		env.Signer = signer
	}
	return env, nil
}
