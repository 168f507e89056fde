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

// Config holds all the configuration variables for the settlement-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                   string `mapstructure:"SERVER_PORT"`
	DatabaseURL                  string `mapstructure:"DATABASE_URL"`
	RedisURL                     string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix         string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL                  string `mapstructure:"RABBITMQ_URL"`
	ComplianceResultQueue        string `mapstructure:"COMPLIANCE_RESULT_QUEUE"`
	ComplianceRoutingKey         string `mapstructure:"COMPLIANCE_ROUTING_KEY"`
	JWKSURL                      string `mapstructure:"JWKS_URL"`
	InternalAPIKey               string `mapstructure:"INTERNAL_API_KEY"`
	DefaultApprovalTTLHours      int    `mapstructure:"DEFAULT_APPROVAL_TTL_HOURS"`
	ExpirySweepSchedule          string `mapstructure:"EXPIRY_SWEEP_SCHEDULE"`
	ApprovalRateLimitPerMinute   int    `mapstructure:"APPROVAL_RATE_LIMIT_PER_MINUTE"`
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
	viper.SetDefault("COMPLIANCE_RESULT_QUEUE", "settlement_service.compliance_results")
	viper.SetDefault("COMPLIANCE_ROUTING_KEY", "compliance.check.completed")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "stablerail:rate_limit")
	viper.SetDefault("DEFAULT_APPROVAL_TTL_HOURS", 24)
	viper.SetDefault("EXPIRY_SWEEP_SCHEDULE", "@every 1m")
	viper.SetDefault("APPROVAL_RATE_LIMIT_PER_MINUTE", 60)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "SETTLEMENT_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("COMPLIANCE_RESULT_QUEUE")
	_ = viper.BindEnv("COMPLIANCE_ROUTING_KEY")
	_ = viper.BindEnv("JWKS_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "SETTLEMENT_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("DEFAULT_APPROVAL_TTL_HOURS")
	_ = viper.BindEnv("EXPIRY_SWEEP_SCHEDULE")
	_ = viper.BindEnv("APPROVAL_RATE_LIMIT_PER_MINUTE")

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
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("SETTLEMENT_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "stablerail:rate_limit"
	}

	if config.DefaultApprovalTTLHours <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive approval TTL configured; using default\" ttl_hours=%d", config.DefaultApprovalTTLHours)
		config.DefaultApprovalTTLHours = 24
	}
	if strings.TrimSpace(config.ExpirySweepSchedule) == "" {
		config.ExpirySweepSchedule = "@every 1m"
	}
	if config.ApprovalRateLimitPerMinute < 0 {
		log.Printf("level=warn component=config msg=\"negative approval rate limit configured; disabling\" limit=%d", config.ApprovalRateLimitPerMinute)
		config.ApprovalRateLimitPerMinute = 0
	}

	return
}
