/**
 * @description
 * This package handles the configuration management for the service. It uses
 * the Viper library to read configuration from environment variables (and an
 * optional .env file), providing a centralized and straightforward way to
 * manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the ledger-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort               string `mapstructure:"SERVER_PORT"`
	DatabaseURL              string `mapstructure:"DATABASE_URL"`
	RedisURL                 string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix     string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL              string `mapstructure:"RABBITMQ_URL"`
	RateFeedURL              string `mapstructure:"RATE_FEED_URL"`
	RateFeedAPIKey           string `mapstructure:"RATE_FEED_API_KEY"`
	RateRefreshSeconds       int    `mapstructure:"RATE_REFRESH_SECONDS"`
	RateMaxAgeSeconds        int    `mapstructure:"RATE_MAX_AGE_SECONDS"`
	JWTSecret                string `mapstructure:"JWT_SECRET"`
	TransferFeeBps           int64  `mapstructure:"TRANSFER_FEE_BPS"`
	SavingsAPYBps            int64  `mapstructure:"SAVINGS_APY_BPS"`
	ReserveAccount           string `mapstructure:"RESERVE_ACCOUNT"`
	ReserveSeedUSD           string `mapstructure:"RESERVE_SEED_USD"`
	Operators                string `mapstructure:"OPERATORS"`
	MoneyRateLimitPerMinute  int    `mapstructure:"MONEY_RATE_LIMIT_PER_MINUTE"`
	IdempotencyTTLMinutes    int    `mapstructure:"IDEMPOTENCY_TTL_MINUTES"`
	CORSAllowedOrigins       string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	ShutdownTimeoutSeconds   int    `mapstructure:"SHUTDOWN_TIMEOUT_SECONDS"`
	RequestTimeoutSeconds    int    `mapstructure:"REQUEST_TIMEOUT_SECONDS"`
	TierUpdateQueueOverride  string `mapstructure:"TIER_UPDATE_QUEUE"`
}

// OperatorList splits the comma-separated OPERATORS value.
func (c Config) OperatorList() []string {
	var out []string
	for _, raw := range strings.Split(c.Operators, ",") {
		if trimmed := strings.TrimSpace(raw); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "ledger:rate_limit")
	viper.SetDefault("RATE_REFRESH_SECONDS", 60)
	viper.SetDefault("RATE_MAX_AGE_SECONDS", 300)
	viper.SetDefault("TRANSFER_FEE_BPS", 50)
	viper.SetDefault("SAVINGS_APY_BPS", 500)
	viper.SetDefault("RESERVE_ACCOUNT", "platform-reserve")
	viper.SetDefault("RESERVE_SEED_USD", "0")
	viper.SetDefault("MONEY_RATE_LIMIT_PER_MINUTE", 60)
	viper.SetDefault("IDEMPOTENCY_TTL_MINUTES", 1440)
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	viper.SetDefault("SHUTDOWN_TIMEOUT_SECONDS", 15)
	viper.SetDefault("REQUEST_TIMEOUT_SECONDS", 60)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "LEDGER_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("RATE_FEED_URL")
	_ = viper.BindEnv("RATE_FEED_API_KEY")
	_ = viper.BindEnv("RATE_REFRESH_SECONDS")
	_ = viper.BindEnv("RATE_MAX_AGE_SECONDS")
	_ = viper.BindEnv("JWT_SECRET")
	_ = viper.BindEnv("TRANSFER_FEE_BPS")
	_ = viper.BindEnv("SAVINGS_APY_BPS")
	_ = viper.BindEnv("RESERVE_ACCOUNT")
	_ = viper.BindEnv("RESERVE_SEED_USD")
	_ = viper.BindEnv("OPERATORS")
	_ = viper.BindEnv("MONEY_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("IDEMPOTENCY_TTL_MINUTES")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("SHUTDOWN_TIMEOUT_SECONDS")
	_ = viper.BindEnv("REQUEST_TIMEOUT_SECONDS")
	_ = viper.BindEnv("TIER_UPDATE_QUEUE")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "ledger:rate_limit"
	}
	config.ReserveAccount = strings.TrimSpace(config.ReserveAccount)
	if config.ReserveAccount == "" {
		config.ReserveAccount = "platform-reserve"
	}

	if config.TransferFeeBps < 0 {
		log.Printf("level=warn component=config msg=\"negative transfer fee configured; coercing to zero\" fee_bps=%d", config.TransferFeeBps)
		config.TransferFeeBps = 0
	}
	if config.SavingsAPYBps < 0 {
		log.Printf("level=warn component=config msg=\"negative savings apy configured; coercing to zero\" apy_bps=%d", config.SavingsAPYBps)
		config.SavingsAPYBps = 0
	}
	if config.RateRefreshSeconds <= 0 {
		config.RateRefreshSeconds = 60
	}
	if config.RateMaxAgeSeconds <= 0 {
		config.RateMaxAgeSeconds = 300
	}
	if config.MoneyRateLimitPerMinute <= 0 {
		config.MoneyRateLimitPerMinute = 60
	}
	if config.IdempotencyTTLMinutes <= 0 {
		config.IdempotencyTTLMinutes = 1440
	}
	if config.ShutdownTimeoutSeconds <= 0 {
		config.ShutdownTimeoutSeconds = 15
	}
	if config.RequestTimeoutSeconds <= 0 {
		config.RequestTimeoutSeconds = 60
	}

	return
}
