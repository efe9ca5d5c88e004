package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/odoo-stockmaster-bridge/internal/domain"
)

const testMasterKey = "0000000000000000000000000000000000000000000000000000000000000000"

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("POLLER_ENCRYPTION_KEY", testMasterKey)

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "dev", cfg.AppEnv)
	require.True(t, cfg.IsDev())
	require.Equal(t, "bridge.db", cfg.DBPath)
	require.Equal(t, 30*time.Second, cfg.HTTPTimeout())
	require.Equal(t, 5*time.Second, cfg.MinInterval())
	require.Equal(t, 60*time.Second, cfg.ShutdownGrace())
	require.Equal(t, 60*time.Second, cfg.ReconfigInterval())
	require.Equal(t, ":9090", cfg.MetricsAddr)
	require.Equal(t, 10, cfg.RetryMaxAttempts)

	bc := cfg.BreakerConfig()
	require.Equal(t, 5, bc.FailureThreshold)
	require.Equal(t, 120*time.Second, bc.RecoveryTimeout)
	require.Equal(t, 2, bc.HalfOpenSuccesses)
}

func TestLoad_MissingEncryptionKey(t *testing.T) {
	t.Setenv("POLLER_ENCRYPTION_KEY", "")

	_, err := Load()
	require.ErrorIs(t, err, domain.ErrConfig)
	require.True(t, strings.Contains(err.Error(), "EncryptionKey"), "error should name the missing field: %v", err)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("POLLER_ENCRYPTION_KEY", testMasterKey)
	t.Setenv("APP_ENV", "prod")
	t.Setenv("POLLER_DB_PATH", "/var/lib/bridge/bridge.db")
	t.Setenv("POLLER_HTTP_TIMEOUT_SECONDS", "10")
	t.Setenv("POLLER_RETRY_MAX_ATTEMPTS", "3")
	t.Setenv("POLLER_CB_FAILURE_THRESHOLD", "8")

	cfg, err := Load()
	require.NoError(t, err)
	require.True(t, cfg.IsProd())
	require.Equal(t, "/var/lib/bridge/bridge.db", cfg.DBPath)
	require.Equal(t, 10*time.Second, cfg.HTTPTimeout())
	require.Equal(t, 3, cfg.RetryMaxAttempts)
	require.Equal(t, 8, cfg.BreakerConfig().FailureThreshold)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	t.Setenv("POLLER_ENCRYPTION_KEY", testMasterKey)
	t.Setenv("POLLER_HTTP_TIMEOUT_SECONDS", "0")

	_, err := Load()
	require.ErrorIs(t, err, domain.ErrConfig)
}

func TestLoad_RejectsMalformedWebhookURL(t *testing.T) {
	t.Setenv("POLLER_ENCRYPTION_KEY", testMasterKey)
	t.Setenv("POLLER_DEFAULT_WEBHOOK_URL", "not a url")

	_, err := Load()
	require.ErrorIs(t, err, domain.ErrConfig)
}
