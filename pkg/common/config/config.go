package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Server
	ServerPort     string        `yaml:"server_port"`
	ServerHost     string        `yaml:"server_host"`
	WorkerPort     string        `yaml:"worker_port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxRequestBody int64         `yaml:"max_request_body_bytes"`
	PathPrefix     string        `yaml:"path_prefix"`

	// Database
	PostgresHost     string `yaml:"postgres_host"`
	PostgresPort     string `yaml:"postgres_port"`
	PostgresUser     string `yaml:"postgres_user"`
	PostgresPassword string `yaml:"postgres_password"`
	PostgresDB       string `yaml:"postgres_db"`
	PostgresSSLMode  string `yaml:"postgres_sslmode"`

	// pgSTAC catalog database; empty means the ingestion database.
	StacDBDSN string `yaml:"stac_db_dsn"`

	// Redis
	RedisHost      string        `yaml:"redis_host"`
	RedisPort      string        `yaml:"redis_port"`
	RedisPassword  string        `yaml:"redis_password"`
	RedisDB        int           `yaml:"redis_db"`
	StatusCacheTTL time.Duration `yaml:"status_cache_ttl"`

	// Kafka
	KafkaBrokers     []string `yaml:"kafka_brokers"`
	KafkaGroupID     string   `yaml:"kafka_group_id"`
	KafkaDLQTopic    string   `yaml:"kafka_dlq_topic"`
	KafkaEventsTopic string   `yaml:"kafka_events_topic"`

	// Change feed
	FeedConsumerGroup     string        `yaml:"feed_consumer_group"`
	FeedBatchSize         int           `yaml:"feed_batch_size"`
	FeedBatchWindow       time.Duration `yaml:"feed_batch_window"`
	FeedRetryAttempts     int           `yaml:"feed_retry_attempts"`
	FeedPollInterval      time.Duration `yaml:"feed_poll_interval"`
	FeedInvocationTimeout time.Duration `yaml:"feed_invocation_timeout"`
	FeedRetention         time.Duration `yaml:"feed_retention"`

	// Processor
	ProcessorConcurrency int `yaml:"processor_concurrency"`

	// Reconciliation
	ReconcileSchedule     string        `yaml:"reconcile_schedule"`
	ReconcileStaleAfter   time.Duration `yaml:"reconcile_stale_after"`
	ReconcileRedriveAfter time.Duration `yaml:"reconcile_redrive_after"`

	// Catalog
	CatalogLoader  string  `yaml:"catalog_loader"`
	StacURL        string  `yaml:"stac_url"`
	CatalogLoadRPS float64 `yaml:"catalog_load_rps"`

	// Auth
	JWKSURL       string `yaml:"jwks_url"`
	AuthIssuer    string `yaml:"auth_issuer"`
	ClientID      string `yaml:"client_id"`
	ClientSecret  string `yaml:"client_secret"`
	TokenURL      string `yaml:"token_url"`
	JWTSecret     string `yaml:"jwt_secret"`
	UsernameClaim string `yaml:"username_claim"`

	// Assets
	VerifyAssets bool   `yaml:"verify_assets"`
	AWSRegion    string `yaml:"aws_region"`

	// Dead letter spool used when no DLQ topic is configured
	DeadLetterSpoolPath string `yaml:"deadletter_spool_path"`
}

// Load builds the configuration from defaults, the optional CONFIG_FILE
// overlay, and the environment, in that order of precedence (env wins).
func Load() *Config {
	cfg := Defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			fmt.Fprintf(os.Stderr, "config: ignoring %s: %v\n", path, err)
		}
	}
	cfg.applyEnv()
	return cfg
}

func Defaults() *Config {
	return &Config{
		ServerPort:     "8080",
		ServerHost:     "0.0.0.0",
		WorkerPort:     "8081",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxRequestBody: 4 * 1024 * 1024,

		PostgresHost:     "localhost",
		PostgresPort:     "5432",
		PostgresUser:     "ingestor",
		PostgresPassword: "ingestor",
		PostgresDB:       "ingestor",
		PostgresSSLMode:  "disable",

		RedisHost: "localhost",
		RedisPort: "6379",

		KafkaGroupID: "stac-ingestor",

		FeedConsumerGroup:     "stac-ingestor",
		FeedBatchSize:         1000,
		FeedBatchWindow:       10 * time.Second,
		FeedRetryAttempts:     1,
		FeedPollInterval:      time.Second,
		FeedInvocationTimeout: 180 * time.Second,
		FeedRetention:         24 * time.Hour,

		ProcessorConcurrency: 8,

		ReconcileSchedule:     "@every 5m",
		ReconcileStaleAfter:   15 * time.Minute,
		ReconcileRedriveAfter: time.Hour,

		CatalogLoader:  "pgstac",
		CatalogLoadRPS: 50,

		UsernameClaim: "username",
		AWSRegion:     "us-west-2",
	}
}

func (c *Config) applyEnv() {
	c.ServerPort = getEnv("SERVER_PORT", c.ServerPort)
	c.ServerHost = getEnv("SERVER_HOST", c.ServerHost)
	c.WorkerPort = getEnv("WORKER_PORT", c.WorkerPort)
	c.ReadTimeout = getDuration("READ_TIMEOUT", c.ReadTimeout)
	c.WriteTimeout = getDuration("WRITE_TIMEOUT", c.WriteTimeout)
	c.MaxRequestBody = int64(getIntEnv("MAX_REQUEST_BODY_BYTES", int(c.MaxRequestBody)))
	c.PathPrefix = getEnv("PATH_PREFIX", c.PathPrefix)

	c.PostgresHost = getEnv("POSTGRES_HOST", c.PostgresHost)
	c.PostgresPort = getEnv("POSTGRES_PORT", c.PostgresPort)
	c.PostgresUser = getEnv("POSTGRES_USER", c.PostgresUser)
	c.PostgresPassword = getEnv("POSTGRES_PASSWORD", c.PostgresPassword)
	c.PostgresDB = getEnv("POSTGRES_DB", c.PostgresDB)
	c.PostgresSSLMode = getEnv("POSTGRES_SSLMODE", c.PostgresSSLMode)
	c.StacDBDSN = getEnv("STAC_DB_DSN", c.StacDBDSN)

	c.RedisHost = getEnv("REDIS_HOST", c.RedisHost)
	c.RedisPort = getEnv("REDIS_PORT", c.RedisPort)
	c.RedisPassword = getEnv("REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = getIntEnv("REDIS_DB", c.RedisDB)
	c.StatusCacheTTL = getDuration("STATUS_CACHE_TTL", c.StatusCacheTTL)

	c.KafkaBrokers = getStringSliceEnv("KAFKA_BROKERS", c.KafkaBrokers)
	c.KafkaGroupID = getEnv("KAFKA_GROUP_ID", c.KafkaGroupID)
	c.KafkaDLQTopic = getEnv("KAFKA_DLQ_TOPIC", c.KafkaDLQTopic)
	c.KafkaEventsTopic = getEnv("KAFKA_EVENTS_TOPIC", c.KafkaEventsTopic)

	c.FeedConsumerGroup = getEnv("FEED_CONSUMER_GROUP", c.FeedConsumerGroup)
	c.FeedBatchSize = getIntEnv("FEED_BATCH_SIZE", c.FeedBatchSize)
	c.FeedBatchWindow = getDuration("FEED_BATCH_WINDOW", c.FeedBatchWindow)
	c.FeedRetryAttempts = getIntEnv("FEED_RETRY_ATTEMPTS", c.FeedRetryAttempts)
	c.FeedPollInterval = getDuration("FEED_POLL_INTERVAL", c.FeedPollInterval)
	c.FeedInvocationTimeout = getDuration("FEED_INVOCATION_TIMEOUT", c.FeedInvocationTimeout)
	c.FeedRetention = getDuration("FEED_RETENTION", c.FeedRetention)

	c.ProcessorConcurrency = getIntEnv("PROCESSOR_CONCURRENCY", c.ProcessorConcurrency)

	c.ReconcileSchedule = getEnv("RECONCILE_SCHEDULE", c.ReconcileSchedule)
	c.ReconcileStaleAfter = getDuration("RECONCILE_STALE_AFTER", c.ReconcileStaleAfter)
	c.ReconcileRedriveAfter = getDuration("RECONCILE_REDRIVE_AFTER", c.ReconcileRedriveAfter)

	c.CatalogLoader = getEnv("CATALOG_LOADER", c.CatalogLoader)
	c.StacURL = getEnv("STAC_URL", c.StacURL)
	c.CatalogLoadRPS = getFloatEnv("CATALOG_LOAD_RPS", c.CatalogLoadRPS)

	c.JWKSURL = getEnv("JWKS_URL", c.JWKSURL)
	c.AuthIssuer = getEnv("AUTH_ISSUER", c.AuthIssuer)
	c.ClientID = getEnv("CLIENT_ID", c.ClientID)
	c.ClientSecret = getEnv("CLIENT_SECRET", c.ClientSecret)
	c.TokenURL = getEnv("TOKEN_URL", c.TokenURL)
	c.JWTSecret = getEnv("JWT_SECRET", c.JWTSecret)
	c.UsernameClaim = getEnv("USERNAME_CLAIM", c.UsernameClaim)

	c.VerifyAssets = getBoolEnv("VERIFY_ASSETS", c.VerifyAssets)
	c.AWSRegion = getEnv("AWS_REGION", c.AWSRegion)

	c.DeadLetterSpoolPath = getEnv("DEADLETTER_SPOOL_PATH", c.DeadLetterSpoolPath)
}

// PostgresDSN is the keyword/value DSN of the ingestion database.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
		c.PostgresHost,
		c.PostgresUser,
		c.PostgresPassword,
		c.PostgresDB,
		c.PostgresPort,
		c.PostgresSSLMode,
	)
}

func (c *Config) CatalogDSN() string {
	if c.StacDBDSN != "" {
		return c.StacDBDSN
	}
	return c.PostgresDSN()
}

func (c *Config) Validate() error {
	var errs []error
	if c.FeedBatchSize <= 0 {
		errs = append(errs, errors.New("FEED_BATCH_SIZE must be positive"))
	}
	if c.FeedBatchWindow <= 0 {
		errs = append(errs, errors.New("FEED_BATCH_WINDOW must be positive"))
	}
	if c.FeedRetryAttempts < 0 {
		errs = append(errs, errors.New("FEED_RETRY_ATTEMPTS must not be negative"))
	}
	if c.FeedConsumerGroup == "" {
		errs = append(errs, errors.New("FEED_CONSUMER_GROUP is required"))
	}
	switch c.CatalogLoader {
	case "pgstac":
	case "http":
		if c.StacURL == "" {
			errs = append(errs, errors.New("STAC_URL is required when CATALOG_LOADER=http"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown CATALOG_LOADER %q", c.CatalogLoader))
	}
	if c.TokenURL != "" && c.ClientID == "" {
		errs = append(errs, errors.New("CLIENT_ID is required when TOKEN_URL is set"))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getStringSliceEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
