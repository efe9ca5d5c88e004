// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/odoo-stockmaster-bridge/internal/domain"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`
	// EncryptionKey is the process-wide master key for field-level encryption
	// of connection credentials. 32 bytes, hex or base64 encoded.
	EncryptionKey     string `env:"POLLER_ENCRYPTION_KEY" validate:"required"`
	DBPath            string `env:"POLLER_DB_PATH" envDefault:"bridge.db"`
	DefaultWebhookURL string `env:"POLLER_DEFAULT_WEBHOOK_URL" validate:"omitempty,url"`
	// HTTPTimeoutSeconds bounds every Odoo RPC and webhook POST.
	HTTPTimeoutSeconds   int `env:"POLLER_HTTP_TIMEOUT_SECONDS" envDefault:"30" validate:"min=1"`
	MinIntervalSeconds   int `env:"POLLER_MIN_INTERVAL_SECONDS" envDefault:"5" validate:"min=1"`
	ShutdownGraceSeconds int `env:"POLLER_SHUTDOWN_GRACE_SECONDS" envDefault:"60" validate:"min=1"`
	// Circuit breaker thresholds
	CBFailureThreshold  int `env:"POLLER_CB_FAILURE_THRESHOLD" envDefault:"5" validate:"min=1"`
	CBRecoverySeconds   int `env:"POLLER_CB_RECOVERY_SECONDS" envDefault:"120" validate:"min=1"`
	CBHalfOpenSuccesses int `env:"POLLER_CB_HALFOPEN_SUCCESSES" envDefault:"2" validate:"min=1"`
	RetryMaxAttempts    int `env:"POLLER_RETRY_MAX_ATTEMPTS" envDefault:"10" validate:"min=1"`
	// ReconfigIntervalSeconds: how often the scheduler re-reads the connection
	// list to pick up added, removed or changed connections.
	ReconfigIntervalSeconds int    `env:"POLLER_RECONFIG_INTERVAL_SECONDS" envDefault:"60" validate:"min=1"`
	MetricsAddr             string `env:"POLLER_METRICS_ADDR" envDefault:":9090"`
	OTLPEndpoint            string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName         string `env:"OTEL_SERVICE_NAME" envDefault:"odoo-stockmaster-bridge"`
}

// Load parses environment variables into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w: %w", domain.ErrConfig, err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w: %w", domain.ErrConfig, err)
	}
	return cfg, nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }

// HTTPTimeout returns the per-request timeout for Odoo RPC and webhook POSTs.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSeconds) * time.Second
}

// MinInterval returns the floor for per-connection poll intervals.
func (c Config) MinInterval() time.Duration {
	return time.Duration(c.MinIntervalSeconds) * time.Second
}

// ShutdownGrace returns how long the scheduler waits for worker tasks on
// shutdown before forcing exit.
func (c Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}

// ReconfigInterval returns the cadence of connection list re-reads.
func (c Config) ReconfigInterval() time.Duration {
	return time.Duration(c.ReconfigIntervalSeconds) * time.Second
}

// BreakerConfig maps the env thresholds to the domain breaker configuration.
func (c Config) BreakerConfig() domain.BreakerConfig {
	return domain.BreakerConfig{
		FailureThreshold:  c.CBFailureThreshold,
		RecoveryTimeout:   time.Duration(c.CBRecoverySeconds) * time.Second,
		HalfOpenSuccesses: c.CBHalfOpenSuccesses,
	}
}
