// Package app builds the components the ingestor binaries share from a
// Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/catalog"
	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/common/config"
	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/common/database"
	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/common/kafka"
	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/common/logger"
	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/feed"
	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/feed/spool"
	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/gateway/auth"
	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/gateway/httpclient"
	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/ingestion"
	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/processor"
	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/reconcile"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"gorm.io/gorm"
)

// dlqReplayIdle ends a DLQ replay once the topic has been quiet this long.
const dlqReplayIdle = 5 * time.Second

// Stores is the ingestion database and the change feed that lives in it.
type Stores struct {
	DB    *gorm.DB
	Feed  *feed.GormLog
	Repo  *ingestion.Repository
	Store ingestion.Store
	redis *redis.Client
}

// OpenStores connects, migrates, and wraps the repository in the redis
// status cache when STATUS_CACHE_TTL is positive.
func OpenStores(ctx context.Context, cfg *config.Config) (*Stores, error) {
	db, err := database.OpenPostgres(ctx, cfg.PostgresDSN(), database.DefaultPool)
	if err != nil {
		return nil, err
	}
	s := &Stores{DB: db, Feed: feed.NewGormLog(db)}
	if err := s.Feed.AutoMigrate(); err != nil {
		_ = database.Close(db)
		return nil, fmt.Errorf("migrate change feed: %w", err)
	}
	s.Repo = ingestion.NewRepository(db, s.Feed)
	if err := s.Repo.AutoMigrate(); err != nil {
		_ = database.Close(db)
		return nil, fmt.Errorf("migrate ingestions: %w", err)
	}
	s.Store = s.Repo

	if cfg.StatusCacheTTL > 0 {
		s.redis = database.OpenRedis(ctx, cfg)
		s.Store = ingestion.NewCachedStore(s.Repo, s.redis, cfg.StatusCacheTTL)
	}
	return s, nil
}

func (s *Stores) Close() error {
	var errs []error
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	errs = append(errs, database.Close(s.DB))
	return errors.Join(errs...)
}

// Catalog is the configured loader together with its collection operations.
type Catalog struct {
	Loader      catalog.Loader
	Collections catalog.Collections
	close       func() error
}

func (c *Catalog) Close() error {
	if c.close == nil {
		return nil
	}
	return c.close()
}

// NewCatalog returns the pgSTAC loader, or the STAC API loader when
// CATALOG_LOADER=http. ingestDB is reused when no separate STAC database is
// configured.
func NewCatalog(ctx context.Context, cfg *config.Config, ingestDB *gorm.DB) (*Catalog, error) {
	switch cfg.CatalogLoader {
	case "http":
		client := httpclient.New(30 * time.Second)
		if cfg.TokenURL != "" && cfg.ClientID != "" && cfg.ClientSecret != "" {
			cc := clientcredentials.Config{
				ClientID:     cfg.ClientID,
				ClientSecret: cfg.ClientSecret,
				TokenURL:     cfg.TokenURL,
			}
			client = cc.Client(context.WithValue(ctx, oauth2.HTTPClient, client))
		}
		l := catalog.NewHTTPLoader(cfg.StacURL, client, cfg.CatalogLoadRPS)
		logger.Log.WithField("stac_url", cfg.StacURL).Info("Using STAC API loader")
		return &Catalog{Loader: l, Collections: l}, nil
	default:
		if cfg.StacDBDSN == "" {
			p := catalog.NewPgstac(ingestDB)
			return &Catalog{Loader: p, Collections: p}, nil
		}
		db, err := database.OpenPostgres(ctx, cfg.CatalogDSN(), database.DefaultPool)
		if err != nil {
			return nil, fmt.Errorf("open pgstac database: %w", err)
		}
		p := catalog.NewPgstac(db)
		return &Catalog{Loader: p, Collections: p, close: func() error { return database.Close(db) }}, nil
	}
}

// NewAuthenticator accepts JWKS-verified tokens, HS256 tokens, or both.
func NewAuthenticator(ctx context.Context, cfg *config.Config) (auth.Authenticator, error) {
	var chain auth.Chain
	if cfg.JWKSURL != "" {
		a, err := auth.NewJWKSAuthenticator(ctx, cfg.JWKSURL, cfg.AuthIssuer, cfg.ClientID, cfg.UsernameClaim)
		if err != nil {
			return nil, err
		}
		chain = append(chain, a)
	}
	if cfg.JWTSecret != "" {
		a, err := NewSigner(cfg)
		if err != nil {
			return nil, err
		}
		chain = append(chain, a)
	}
	if len(chain) == 0 {
		return nil, errors.New("no authentication configured: set JWKS_URL or JWT_SECRET")
	}
	return chain, nil
}

// NewSigner is the HS256 authenticator, which can also issue dev tokens.
func NewSigner(cfg *config.Config) (*auth.HS256Authenticator, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is not set")
	}
	return auth.NewHS256Authenticator(cfg.JWTSecret, cfg.AuthIssuer, cfg.UsernameClaim)
}

// DeadLetters is where the runner parks batches it gives up on and where
// replays read them back.
type DeadLetters struct {
	Sink   feed.DeadLetter
	Source reconcile.DeadLetterSource
	close  func() error
}

func (d *DeadLetters) Close() error {
	if d.close == nil {
		return nil
	}
	return d.close()
}

// NewDeadLetters uses the kafka DLQ topic when brokers and topic are set and
// the local badger spool otherwise.
func NewDeadLetters(cfg *config.Config) (*DeadLetters, error) {
	if len(cfg.KafkaBrokers) > 0 && cfg.KafkaDLQTopic != "" {
		producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaDLQTopic)
		consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaDLQTopic, cfg.KafkaGroupID+"-replay")
		logger.Log.WithField("topic", cfg.KafkaDLQTopic).Info("Dead letters go to kafka")
		return &DeadLetters{
			Sink:   kafka.NewDeadLetter(producer),
			Source: kafka.NewDeadLetterReader(consumer, dlqReplayIdle),
			close: func() error {
				return errors.Join(producer.Close(), consumer.Close())
			},
		}, nil
	}

	sp, err := spool.Open(cfg.DeadLetterSpoolPath)
	if err != nil {
		return nil, err
	}
	if cfg.DeadLetterSpoolPath == "" {
		logger.Log.Warn("No dead letter destination configured; using an in-memory spool")
	}
	return &DeadLetters{Sink: sp, Source: sp, close: sp.Close}, nil
}

// NewNotifier publishes outcomes to KAFKA_EVENTS_TOPIC. It returns nil when
// no topic is configured.
func NewNotifier(cfg *config.Config, source string) (processor.Notifier, func() error) {
	if len(cfg.KafkaBrokers) == 0 || cfg.KafkaEventsTopic == "" {
		return nil, func() error { return nil }
	}
	producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
	return kafka.NewNotifier(producer, source), producer.Close
}

func ReconcileOptions(cfg *config.Config) reconcile.Options {
	return reconcile.Options{
		StaleAfter:   cfg.ReconcileStaleAfter,
		RedriveAfter: cfg.ReconcileRedriveAfter,
		Retention:    cfg.FeedRetention,
	}
}

func FeedOptions(cfg *config.Config) feed.Options {
	return feed.Options{
		Group:             cfg.FeedConsumerGroup,
		BatchSize:         cfg.FeedBatchSize,
		Window:            cfg.FeedBatchWindow,
		RetryAttempts:     cfg.FeedRetryAttempts,
		PollInterval:      cfg.FeedPollInterval,
		InvocationTimeout: cfg.FeedInvocationTimeout,
	}
}
