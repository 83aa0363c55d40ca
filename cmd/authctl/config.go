package main

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

type config struct {
	LogLevel string `env:"LOG_LEVEL" envDefault:"warn"`

	RedisAddr      string `env:"REDIS_ADDR"`
	RedisNamespace string `env:"REDIS_NAMESPACE" envDefault:"jianwen"`

	Provider         string `env:"AUTH_PROVIDER" envDefault:"memory"`
	GoTrueURL        string `env:"GOTRUE_URL"`
	GoTrueAPIKey     string `env:"GOTRUE_API_KEY"`
	PhoneEmailDomain string `env:"PHONE_EMAIL_DOMAIN"`

	DatabaseURL string `env:"DATABASE_URL"`

	AuditKafkaBrokers []string `env:"AUDIT_KAFKA_BROKERS" envSeparator:","`
	AuditKafkaTopic   string   `env:"AUDIT_KAFKA_TOPIC" envDefault:"auth-audit"`

	Timeout time.Duration `env:"AUTH_TIMEOUT" envDefault:"10s"`
}

func loadConfig() (config, error) {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	switch cfg.Provider {
	case "memory":
	case "gotrue":
		if cfg.GoTrueURL == "" {
			return cfg, fmt.Errorf("GOTRUE_URL is required when AUTH_PROVIDER=gotrue")
		}
	default:
		return cfg, fmt.Errorf("unknown AUTH_PROVIDER %q", cfg.Provider)
	}
	return cfg, nil
}
