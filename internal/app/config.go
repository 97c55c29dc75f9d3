package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"

	"github.com/xenking/storefront/internal/domain/currency"
	"github.com/xenking/storefront/internal/domain/money"
)

// Event transports.
const (
	TransportNone  = "none"
	TransportKafka = "kafka"
	TransportSQS   = "sqs"
)

// Config holds the complete application configuration, loadable from
// environment variables (STOREFRONT_ prefix), flags, or YAML config files.
type Config struct {
	Addr              string        `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL       string        `usage:"PostgreSQL connection URL (STOREFRONT_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	APIKeyPepper      string        `usage:"HMAC pepper for API key hashing" flag:"api-key-pepper"`
	BaseCurrency      string        `default:"USD" usage:"Currency catalog prices are stored in" flag:"base-currency"`
	Markup            string        `default:"lt:1000=3,lt:5000=2,le:10000=1.4,le:25000=1.3,le:50000=1.2,*=1.15" usage:"Conversion markup tiers in percent"`
	RateTTL           time.Duration `default:"1h" usage:"Exchange rate freshness" flag:"rate-ttl"`
	CarrierURL        string        `usage:"Carrier quote API base URL" flag:"carrier-url"`
	LowStockThreshold int           `default:"5" usage:"Remaining inventory at or below which INVENTORY_LOW is emitted, negative disables" flag:"low-stock-threshold"`
	RateFeed          RateFeedConfig
	Redis             RedisConfig
	Events            EventsConfig
	AWS               AWSConfig
	Idempotency       IdempotencyConfig
	Notify            NotifyConfig
	Outbox            OutboxConfig
	RateLimit         RateLimitConfig
	CORS              CORSConfig
	Graceful          GracefulConfig
}

// RateFeedConfig locates the exchange rate feed.
type RateFeedConfig struct {
	URL     string        `usage:"Exchange rate feed URL, empty keeps stored rates" flag:"rate-feed-url"`
	Timeout time.Duration `default:"5s" usage:"Rate feed request timeout" flag:"rate-feed-timeout"`
}

// RedisConfig configures the shared rate cache.
type RedisConfig struct {
	URL string `usage:"Redis URL (STOREFRONT_REDIS_URL or REDIS_URL), empty disables the cache" flag:"redis-url"`
}

// EventsConfig selects the event transport.
type EventsConfig struct {
	Transport string      `default:"none" usage:"Event transport: kafka, sqs or none" flag:"events-transport"`
	Kafka     KafkaConfig
	SQSQueue  string      `usage:"SQS queue URL" flag:"sqs-queue"`
}

// KafkaConfig configures the Kafka transport.
type KafkaConfig struct {
	Brokers []string `usage:"Kafka bootstrap brokers" flag:"kafka-brokers"`
	Topic   string   `default:"storefront.events" usage:"Kafka topic" flag:"kafka-topic"`
	Group   string   `default:"storefront-notifier" usage:"Kafka consumer group" flag:"kafka-group"`
}

// AWSConfig is shared by the SQS and DynamoDB clients.
type AWSConfig struct {
	Region   string `default:"us-east-1" usage:"AWS region" flag:"aws-region"`
	Endpoint string `usage:"AWS endpoint override (localstack)" flag:"aws-endpoint"`
}

// IdempotencyConfig configures the Idempotency-Key store.
type IdempotencyConfig struct {
	Table string        `usage:"DynamoDB table for Idempotency-Key records, empty disables" flag:"idempotency-table"`
	TTL   time.Duration `default:"24h" usage:"How long a key is remembered" flag:"idempotency-ttl"`
}

// NotifyConfig configures the notification service client.
type NotifyConfig struct {
	URL     string        `usage:"Notification service URL, empty logs notifications" flag:"notify-url"`
	APIKey  string        `usage:"Notification service API key" flag:"notify-api-key"`
	Admin   string        `default:"admin" usage:"Recipient of NOTIFY_ADMIN actions" flag:"notify-admin"`
	Timeout time.Duration `default:"5s" usage:"Notification request timeout" flag:"notify-timeout"`
}

// OutboxConfig tunes the outbox relay.
type OutboxConfig struct {
	Interval time.Duration `default:"1s" usage:"Outbox polling interval" flag:"outbox-interval"`
	Batch    int           `default:"100" usage:"Outbox rows per dispatch" flag:"outbox-batch"`
}

// RateLimitConfig controls the per-client sliding window rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "STOREFRONT",
		Files:     []string{"config.yaml", "/etc/storefront/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that have no usable default.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database URL is required: set STOREFRONT_DATABASE_URL or DATABASE_URL")
	}
	if !money.ValidCode(money.NormalizeCode(c.BaseCurrency)) {
		return errors.Errorf("invalid base currency %q", c.BaseCurrency)
	}
	if _, err := currency.ParseMarkup(c.Markup); err != nil {
		return errors.Wrap(err, "markup")
	}
	switch c.Events.Transport {
	case TransportNone:
	case TransportKafka:
		if len(c.Events.Kafka.Brokers) == 0 {
			return errors.New("kafka transport requires at least one broker")
		}
	case TransportSQS:
		if c.Events.SQSQueue == "" {
			return errors.New("sqs transport requires a queue URL")
		}
	default:
		return errors.Errorf("unknown event transport %q", c.Events.Transport)
	}
	return nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's STOREFRONT_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if c.Redis.URL == "" {
		if v := os.Getenv("REDIS_URL"); v != "" {
			c.Redis.URL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
