/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
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

// Config holds all the configuration variables for the escrow-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	ProcessorAPIBaseURL  string `mapstructure:"PROCESSOR_API_BASE_URL"`
	ProcessorAPIKey      string `mapstructure:"PROCESSOR_API_KEY"`
	ProcessorWebhookKey  string `mapstructure:"PROCESSOR_WEBHOOK_KEY"`
	InternalAPIKey       string `mapstructure:"INTERNAL_API_KEY"`
	AdminJWTSecret       string `mapstructure:"ADMIN_JWT_SECRET"`

	DefaultCurrency     string `mapstructure:"DEFAULT_CURRENCY"`
	PlatformFeeBps      int64  `mapstructure:"PLATFORM_FEE_BPS"`
	EscrowDeadlineHours int    `mapstructure:"ESCROW_DEADLINE_HOURS"`

	RecoverySweepSchedule   string `mapstructure:"RECOVERY_SWEEP_SCHEDULE"`
	RecoveryStuckMinutes    int    `mapstructure:"RECOVERY_STUCK_MINUTES"`
	MaxRecoveryAttempts     int    `mapstructure:"MAX_RECOVERY_ATTEMPTS"`
	TimeoutSweepSchedule    string `mapstructure:"TIMEOUT_SWEEP_SCHEDULE"`
	ReconciliationSchedule  string `mapstructure:"RECONCILIATION_SCHEDULE"`
	EventRateLimitPerMinute int    `mapstructure:"EVENT_RATE_LIMIT_PER_MINUTE"`
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
	viper.SetDefault("DEFAULT_CURRENCY", "USD")
	viper.SetDefault("PLATFORM_FEE_BPS", 1000) // 10% marketplace fee
	viper.SetDefault("ESCROW_DEADLINE_HOURS", 72)
	viper.SetDefault("RECOVERY_SWEEP_SCHEDULE", "@every 1m")
	viper.SetDefault("RECOVERY_STUCK_MINUTES", 5)
	viper.SetDefault("MAX_RECOVERY_ATTEMPTS", 3)
	viper.SetDefault("TIMEOUT_SWEEP_SCHEDULE", "@every 10m")
	viper.SetDefault("RECONCILIATION_SCHEDULE", "@every 1h")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "escrow:rate_limit")
	viper.SetDefault("EVENT_RATE_LIMIT_PER_MINUTE", 60)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("PROCESSOR_API_BASE_URL")
	_ = viper.BindEnv("PROCESSOR_API_KEY")
	_ = viper.BindEnv("PROCESSOR_WEBHOOK_KEY")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "ESCROW_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("ADMIN_JWT_SECRET")
	_ = viper.BindEnv("DEFAULT_CURRENCY")
	_ = viper.BindEnv("PLATFORM_FEE_BPS")
	_ = viper.BindEnv("ESCROW_DEADLINE_HOURS")
	_ = viper.BindEnv("RECOVERY_SWEEP_SCHEDULE")
	_ = viper.BindEnv("RECOVERY_STUCK_MINUTES")
	_ = viper.BindEnv("MAX_RECOVERY_ATTEMPTS")
	_ = viper.BindEnv("TIMEOUT_SWEEP_SCHEDULE")
	_ = viper.BindEnv("RECONCILIATION_SCHEDULE")
	_ = viper.BindEnv("EVENT_RATE_LIMIT_PER_MINUTE")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
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
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("ESCROW_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "escrow:rate_limit"
	}

	if config.PlatformFeeBps < 0 {
		log.Printf("level=warn component=config msg=\"negative platform fee configured; coercing to zero\" fee_bps=%d", config.PlatformFeeBps)
		config.PlatformFeeBps = 0
	}
	if config.PlatformFeeBps > 10000 {
		log.Printf("level=warn component=config msg=\"platform fee above 100%%; capping\" fee_bps=%d", config.PlatformFeeBps)
		config.PlatformFeeBps = 10000
	}
	if config.EscrowDeadlineHours <= 0 {
		config.EscrowDeadlineHours = 72
	}
	if config.RecoveryStuckMinutes <= 0 {
		config.RecoveryStuckMinutes = 5
	}
	if config.MaxRecoveryAttempts <= 0 {
		config.MaxRecoveryAttempts = 3
	}
	if config.EventRateLimitPerMinute <= 0 {
		config.EventRateLimitPerMinute = 60
	}

	return
}
