package config

import (
	"errors"
	"time"

	"github.com/spf13/viper"
)

// Config stores all configuration for the pipeline.
type Config struct {
	PortalLoginURL string `mapstructure:"PORTAL_LOGIN_URL"`
	PortalSalesURL string `mapstructure:"PORTAL_SALES_URL"`
	PortalEmail    string `mapstructure:"PORTAL_EMAIL"`
	PortalPassword string `mapstructure:"PORTAL_PASSWORD"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	RedisAddr   string `mapstructure:"REDIS_ADDR"`
	MetricsAddr string `mapstructure:"METRICS_ADDR"`

	BatchSize        int  `mapstructure:"BATCH_SIZE"`
	MaxAttempts      int  `mapstructure:"MAX_ATTEMPTS"`
	MaxBatchFailures int  `mapstructure:"MAX_BATCH_FAILURES"`
	PageTimeoutSecs  int  `mapstructure:"PAGE_TIMEOUT"`
	Headless         bool `mapstructure:"HEADLESS"`
}

// PageTimeout is the bounded wait applied to login and navigation readiness.
func (c *Config) PageTimeout() time.Duration {
	return time.Duration(c.PageTimeoutSecs) * time.Second
}

// Load reads configuration from a .env file or environment variables.
func Load() (*Config, error) {
	viper.SetConfigFile(".env")
	viper.SetConfigType("env")
	viper.AutomaticEnv()

	// The .env file is optional; production configures purely through the
	// environment.
	_ = viper.ReadInConfig()

	viper.SetDefault("BATCH_SIZE", 50)
	viper.SetDefault("MAX_ATTEMPTS", 3)
	viper.SetDefault("MAX_BATCH_FAILURES", 3)
	viper.SetDefault("PAGE_TIMEOUT", 30) // in seconds
	viper.SetDefault("HEADLESS", true)

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if cfg.PortalLoginURL == "" || cfg.PortalSalesURL == "" {
		return nil, errors.New("PORTAL_LOGIN_URL and PORTAL_SALES_URL are required")
	}
	if cfg.PortalEmail == "" || cfg.PortalPassword == "" {
		return nil, errors.New("PORTAL_EMAIL and PORTAL_PASSWORD are required")
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	return &cfg, nil
}
