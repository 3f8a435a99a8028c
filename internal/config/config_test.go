package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ARCS_TOKEN_SECRET", "unit-test-secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9080", cfg.ListenAddr)
	assert.Equal(t, 24, cfg.TokenExpiryHours)
	assert.Equal(t, 100, cfg.MaxSessions)
	assert.Equal(t, "data/devices.db", cfg.RegistryPath)
	assert.Equal(t, "data/audit.log", cfg.AuditLogPath)
	assert.Equal(t, 300*time.Second, cfg.IdleTimeout)
	assert.False(t, cfg.TLSEnabled())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ARCS_TOKEN_SECRET", "unit-test-secret")
	t.Setenv("ARCS_LISTEN_ADDR", "127.0.0.1:19080")
	t.Setenv("ARCS_MAX_SESSIONS", "5")
	t.Setenv("ARCS_IDLE_TIMEOUT_SECONDS", "60")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:19080", cfg.ListenAddr)
	assert.Equal(t, 5, cfg.MaxSessions)
	assert.Equal(t, time.Minute, cfg.IdleTimeout)
}

func TestMissingSecretIsFatal(t *testing.T) {
	t.Setenv("ARCS_TOKEN_SECRET", "")

	_, err := Load()
	assert.ErrorIs(t, err, ErrMissingSecret)
}

func TestPlaceholderSecretIsFatal(t *testing.T) {
	t.Setenv("ARCS_TOKEN_SECRET", "change-me")

	_, err := Load()
	assert.ErrorIs(t, err, ErrPlaceholderSecret)
}

func TestInvalidIntFallsBack(t *testing.T) {
	t.Setenv("ARCS_TOKEN_SECRET", "unit-test-secret")
	t.Setenv("ARCS_MAX_SESSIONS", "lots")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.MaxSessions)
}

func TestTLSMustBePaired(t *testing.T) {
	t.Setenv("ARCS_TOKEN_SECRET", "unit-test-secret")
	t.Setenv("ARCS_TLS_CERT", "/tmp/cert.pem")
	t.Setenv("ARCS_TLS_KEY", "")

	_, err := Load()
	assert.Error(t, err)
}
