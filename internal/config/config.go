/**
 * @description
 * This package handles configuration management for the payment webhook service. It
 * uses Viper to read settings from environment variables or an optional .env file and
 * validates them before the service starts.
 *
 * @dependencies
 * - github.com/spf13/viper: configuration loading.
 */

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	SignatureSchemeHMAC   = "hmac"
	SignatureSchemePaddle = "paddle"
)

// Config holds all configuration for the payment webhook service.
type Config struct {
	ServerPort  string `mapstructure:"SERVER_PORT"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	// RunMigrations applies the embedded goose migrations at startup.
	RunMigrations bool `mapstructure:"RUN_MIGRATIONS"`

	WebhookSecret         string `mapstructure:"WEBHOOK_SECRET"`
	SignatureScheme       string `mapstructure:"SIGNATURE_SCHEME"`
	SignatureHeader       string `mapstructure:"SIGNATURE_HEADER"`
	AllowUnsignedWebhooks bool   `mapstructure:"ALLOW_UNSIGNED_WEBHOOKS"`
	MaxWebhookBodyBytes   int64  `mapstructure:"MAX_WEBHOOK_BODY_BYTES"`
	AckTerminalRejections bool   `mapstructure:"ACK_TERMINAL_REJECTIONS"`

	ReconcileSchedule    string `mapstructure:"RECONCILE_SCHEDULE"`
	ReconcileWindowHours int    `mapstructure:"RECONCILE_WINDOW_HOURS"`
	ReconcileBatchSize   int    `mapstructure:"RECONCILE_BATCH_SIZE"`

	RetrySweepEnabled     bool   `mapstructure:"RETRY_SWEEP_ENABLED"`
	RetrySweepSchedule    string `mapstructure:"RETRY_SWEEP_SCHEDULE"`
	RetrySweepMaxAttempts int    `mapstructure:"RETRY_SWEEP_MAX_ATTEMPTS"`

	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	EventsExchange       string `mapstructure:"EVENTS_EXCHANGE"`
	OutboxPollIntervalMS int    `mapstructure:"OUTBOX_POLL_INTERVAL_MS"`

	RedisURL                 string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix           string `mapstructure:"REDIS_KEY_PREFIX"`
	ProcessedCacheTTLMinutes int    `mapstructure:"PROCESSED_CACHE_TTL_MINUTES"`

	AdminJWTSecret string `mapstructure:"ADMIN_JWT_SECRET"`
	LogLevel       string `mapstructure:"LOG_LEVEL"`
}

var configKeys = []string{
	"SERVER_PORT",
	"DATABASE_URL",
	"DB_MAX_CONNS",
	"DB_MIN_CONNS",
	"RUN_MIGRATIONS",
	"WEBHOOK_SECRET",
	"SIGNATURE_SCHEME",
	"SIGNATURE_HEADER",
	"ALLOW_UNSIGNED_WEBHOOKS",
	"MAX_WEBHOOK_BODY_BYTES",
	"ACK_TERMINAL_REJECTIONS",
	"RECONCILE_SCHEDULE",
	"RECONCILE_WINDOW_HOURS",
	"RECONCILE_BATCH_SIZE",
	"RETRY_SWEEP_ENABLED",
	"RETRY_SWEEP_SCHEDULE",
	"RETRY_SWEEP_MAX_ATTEMPTS",
	"RABBITMQ_URL",
	"EVENTS_EXCHANGE",
	"OUTBOX_POLL_INTERVAL_MS",
	"REDIS_URL",
	"REDIS_KEY_PREFIX",
	"PROCESSED_CACHE_TTL_MINUTES",
	"ADMIN_JWT_SECRET",
	"LOG_LEVEL",
}

// LoadConfig reads configuration from environment variables and an optional .env file
// under path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("DB_MAX_CONNS", 20)
	viper.SetDefault("DB_MIN_CONNS", 2)
	viper.SetDefault("RUN_MIGRATIONS", true)
	viper.SetDefault("SIGNATURE_SCHEME", SignatureSchemeHMAC)
	viper.SetDefault("SIGNATURE_HEADER", "X-Webhook-Signature")
	viper.SetDefault("ALLOW_UNSIGNED_WEBHOOKS", false)
	viper.SetDefault("MAX_WEBHOOK_BODY_BYTES", 1<<20)
	viper.SetDefault("ACK_TERMINAL_REJECTIONS", true)
	viper.SetDefault("RECONCILE_SCHEDULE", "@every 5m")
	viper.SetDefault("RECONCILE_WINDOW_HOURS", 72)
	viper.SetDefault("RECONCILE_BATCH_SIZE", 100)
	viper.SetDefault("RETRY_SWEEP_ENABLED", true)
	viper.SetDefault("RETRY_SWEEP_SCHEDULE", "@every 10m")
	viper.SetDefault("RETRY_SWEEP_MAX_ATTEMPTS", 5)
	viper.SetDefault("EVENTS_EXCHANGE", "billing.events")
	viper.SetDefault("OUTBOX_POLL_INTERVAL_MS", 1000)
	viper.SetDefault("REDIS_KEY_PREFIX", "billing:webhook_processed")
	viper.SetDefault("PROCESSED_CACHE_TTL_MINUTES", 1440)
	viper.SetDefault("LOG_LEVEL", "info")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	for _, key := range configKeys {
		_ = viper.BindEnv(key)
	}

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("failed to read config file; using environment values", "component", "config", "error", err)
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.DatabaseURL = strings.TrimSpace(config.DatabaseURL)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RabbitMQURL = strings.TrimSpace(config.RabbitMQURL)
	config.SignatureScheme = strings.ToLower(strings.TrimSpace(config.SignatureScheme))
	config.SignatureHeader = strings.TrimSpace(config.SignatureHeader)
	config.LogLevel = strings.ToLower(strings.TrimSpace(config.LogLevel))

	err = config.Validate()
	return
}

// Validate rejects configurations the service cannot start with.
func (c Config) Validate() error {
	var problems []error
	if c.DatabaseURL == "" {
		problems = append(problems, errors.New("DATABASE_URL is required"))
	}
	switch c.SignatureScheme {
	case SignatureSchemeHMAC, SignatureSchemePaddle:
	default:
		problems = append(problems, fmt.Errorf("SIGNATURE_SCHEME must be %q or %q, got %q", SignatureSchemeHMAC, SignatureSchemePaddle, c.SignatureScheme))
	}
	if strings.TrimSpace(c.WebhookSecret) == "" && !c.AllowUnsignedWebhooks {
		problems = append(problems, errors.New("WEBHOOK_SECRET is required unless ALLOW_UNSIGNED_WEBHOOKS=true"))
	}
	if c.SignatureHeader == "" {
		problems = append(problems, errors.New("SIGNATURE_HEADER must not be empty"))
	}
	if c.MaxWebhookBodyBytes <= 0 {
		problems = append(problems, errors.New("MAX_WEBHOOK_BODY_BYTES must be positive"))
	}
	if c.DBMaxConns <= 0 || c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
		problems = append(problems, fmt.Errorf("invalid pool size: DB_MIN_CONNS=%d DB_MAX_CONNS=%d", c.DBMinConns, c.DBMaxConns))
	}
	if strings.TrimSpace(c.ReconcileSchedule) == "" {
		problems = append(problems, errors.New("RECONCILE_SCHEDULE must not be empty"))
	}
	if c.RetrySweepEnabled && strings.TrimSpace(c.RetrySweepSchedule) == "" {
		problems = append(problems, errors.New("RETRY_SWEEP_SCHEDULE must not be empty when the retry sweep is enabled"))
	}
	if c.RabbitMQURL != "" && strings.TrimSpace(c.EventsExchange) == "" {
		problems = append(problems, errors.New("EVENTS_EXCHANGE is required when RABBITMQ_URL is set"))
	}
	return errors.Join(problems...)
}

func (c Config) ReconcileWindow() time.Duration {
	return time.Duration(c.ReconcileWindowHours) * time.Hour
}

func (c Config) OutboxPollInterval() time.Duration {
	return time.Duration(c.OutboxPollIntervalMS) * time.Millisecond
}

func (c Config) ProcessedCacheTTL() time.Duration {
	return time.Duration(c.ProcessedCacheTTLMinutes) * time.Minute
}

// SlogLevel maps LOG_LEVEL to a slog level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
