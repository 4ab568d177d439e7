/**
 * @description
 * Configuration for the gateway-service, read from environment variables (and an optional
 * .env file) through Viper.
 *
 * @dependencies
 * - github.com/spf13/viper: environment binding with defaults.
 * - github.com/sirupsen/logrus: warnings about unreadable config files or coerced values.
 */

package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config holds every setting of the gateway-service.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	EventsExchange       string `mapstructure:"EVENTS_EXCHANGE"`

	BankAPIBaseURL      string `mapstructure:"BANK_API_BASE_URL"`
	BankConsentURL      string `mapstructure:"BANK_CONSENT_URL"`
	BankTimeoutSeconds  int    `mapstructure:"BANK_TIMEOUT_SECONDS"`
	BankIssuer          string `mapstructure:"BANK_ISSUER"`
	GatewayIssuer       string `mapstructure:"GATEWAY_ISSUER"`
	ServiceSharedSecret string `mapstructure:"SERVICE_SHARED_SECRET"`
	IdentityIssuer      string `mapstructure:"IDENTITY_ISSUER"`
	IdentitySecret      string `mapstructure:"IDENTITY_SECRET"`
	PoolAccountToken    string `mapstructure:"POOL_ACCOUNT_TOKEN"`

	LinkCooldownSeconds           int `mapstructure:"LINK_COOLDOWN_SECONDS"`
	ServiceTokenTTLSeconds        int `mapstructure:"SERVICE_TOKEN_TTL_SECONDS"`
	ServiceTokenToleranceSeconds  int `mapstructure:"SERVICE_TOKEN_TOLERANCE_SECONDS"`
	MerchantTokenToleranceSeconds int `mapstructure:"MERCHANT_TOKEN_TOLERANCE_SECONDS"`

	TransferIdempotencyEnabled    bool `mapstructure:"TRANSFER_IDEMPOTENCY_ENABLED"`
	TransferIdempotencyTTLMinutes int  `mapstructure:"TRANSFER_IDEMPOTENCY_TTL_MINUTES"`
	LinkRateLimitPerMinute        int  `mapstructure:"LINK_RATE_LIMIT_PER_MINUTE"`
	MerchantRateLimitPerMinute    int  `mapstructure:"MERCHANT_RATE_LIMIT_PER_MINUTE"`

	StaleTransferSchedule     string `mapstructure:"STALE_TRANSFER_SCHEDULE"`
	StaleTransferAfterMinutes int    `mapstructure:"STALE_TRANSFER_AFTER_MINUTES"`

	CORSAllowedOrigins string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	LogLevel           string `mapstructure:"LOG_LEVEL"`
	LogFormat          string `mapstructure:"LOG_FORMAT"`
}

var envKeys = []string{
	"SERVER_PORT", "DATABASE_URL", "REDIS_URL", "REDIS_RATE_LIMIT_PREFIX", "RABBITMQ_URL",
	"EVENTS_EXCHANGE", "BANK_API_BASE_URL", "BANK_CONSENT_URL", "BANK_TIMEOUT_SECONDS",
	"BANK_ISSUER", "GATEWAY_ISSUER", "SERVICE_SHARED_SECRET", "IDENTITY_ISSUER",
	"IDENTITY_SECRET", "POOL_ACCOUNT_TOKEN", "LINK_COOLDOWN_SECONDS",
	"SERVICE_TOKEN_TTL_SECONDS", "SERVICE_TOKEN_TOLERANCE_SECONDS",
	"MERCHANT_TOKEN_TOLERANCE_SECONDS", "TRANSFER_IDEMPOTENCY_ENABLED",
	"TRANSFER_IDEMPOTENCY_TTL_MINUTES", "LINK_RATE_LIMIT_PER_MINUTE",
	"MERCHANT_RATE_LIMIT_PER_MINUTE", "STALE_TRANSFER_SCHEDULE",
	"STALE_TRANSFER_AFTER_MINUTES", "CORS_ALLOWED_ORIGINS", "LOG_LEVEL", "LOG_FORMAT",
}

// LoadConfig reads configuration from the environment, with an optional .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "gateway:rate_limit")
	viper.SetDefault("EVENTS_EXCHANGE", "gateway_events")
	viper.SetDefault("BANK_TIMEOUT_SECONDS", 15)
	viper.SetDefault("BANK_ISSUER", "bank")
	viper.SetDefault("GATEWAY_ISSUER", "gateway")
	viper.SetDefault("IDENTITY_ISSUER", "identity")
	viper.SetDefault("LINK_COOLDOWN_SECONDS", 60)
	viper.SetDefault("SERVICE_TOKEN_TTL_SECONDS", 30)
	viper.SetDefault("SERVICE_TOKEN_TOLERANCE_SECONDS", 60)
	viper.SetDefault("MERCHANT_TOKEN_TOLERANCE_SECONDS", 600)
	viper.SetDefault("TRANSFER_IDEMPOTENCY_ENABLED", false)
	viper.SetDefault("TRANSFER_IDEMPOTENCY_TTL_MINUTES", 1440)
	viper.SetDefault("LINK_RATE_LIMIT_PER_MINUTE", 10)
	viper.SetDefault("MERCHANT_RATE_LIMIT_PER_MINUTE", 120)
	viper.SetDefault("STALE_TRANSFER_SCHEDULE", "*/5 * * * *")
	viper.SetDefault("STALE_TRANSFER_AFTER_MINUTES", 15)
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_FORMAT", "text")

	for _, key := range envKeys {
		_ = viper.BindEnv(key)
	}
	_ = viper.BindEnv("PORT")

	if err = viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			logrus.WithField("component", "config").WithError(err).Warn("failed to read config file; using environment values")
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "gateway:rate_limit"
	}
	config.BankAPIBaseURL = strings.TrimRight(strings.TrimSpace(config.BankAPIBaseURL), "/")

	if config.BankTimeoutSeconds <= 0 {
		config.BankTimeoutSeconds = 15
	}
	if config.LinkCooldownSeconds < 0 {
		logrus.WithField("component", "config").WithField("value", config.LinkCooldownSeconds).Warn("negative link cooldown configured; coercing to zero")
		config.LinkCooldownSeconds = 0
	}
	if config.ServiceTokenTTLSeconds <= 0 {
		config.ServiceTokenTTLSeconds = 30
	}
	if config.ServiceTokenToleranceSeconds <= 0 {
		config.ServiceTokenToleranceSeconds = 60
	}
	if config.MerchantTokenToleranceSeconds <= 0 {
		config.MerchantTokenToleranceSeconds = 600
	}
	if config.TransferIdempotencyTTLMinutes <= 0 {
		config.TransferIdempotencyTTLMinutes = 1440
	}
	if config.StaleTransferAfterMinutes <= 0 {
		config.StaleTransferAfterMinutes = 15
	}
	if strings.TrimSpace(config.StaleTransferSchedule) == "" {
		config.StaleTransferSchedule = "*/5 * * * *"
	}

	return
}

// Validate reports the first missing setting the server cannot run without.
func (c Config) Validate() error {
	required := map[string]string{
		"DATABASE_URL":          c.DatabaseURL,
		"BANK_API_BASE_URL":     c.BankAPIBaseURL,
		"BANK_CONSENT_URL":      c.BankConsentURL,
		"SERVICE_SHARED_SECRET": c.ServiceSharedSecret,
		"IDENTITY_SECRET":       c.IdentitySecret,
		"POOL_ACCOUNT_TOKEN":    c.PoolAccountToken,
	}
	for _, key := range envKeys {
		if value, ok := required[key]; ok && strings.TrimSpace(value) == "" {
			return errors.New(key + " must be configured")
		}
	}
	return nil
}

// BankTimeout is the per-call bound on bank requests.
func (c Config) BankTimeout() time.Duration {
	return time.Duration(c.BankTimeoutSeconds) * time.Second
}

func (c Config) LinkCooldown() time.Duration {
	return time.Duration(c.LinkCooldownSeconds) * time.Second
}

func (c Config) ServiceTokenTTL() time.Duration {
	return time.Duration(c.ServiceTokenTTLSeconds) * time.Second
}

func (c Config) ServiceTokenTolerance() time.Duration {
	return time.Duration(c.ServiceTokenToleranceSeconds) * time.Second
}

func (c Config) MerchantTokenTolerance() time.Duration {
	return time.Duration(c.MerchantTokenToleranceSeconds) * time.Second
}

func (c Config) TransferIdempotencyTTL() time.Duration {
	return time.Duration(c.TransferIdempotencyTTLMinutes) * time.Minute
}

func (c Config) StaleTransferAfter() time.Duration {
	return time.Duration(c.StaleTransferAfterMinutes) * time.Minute
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
