package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("PROTECT_ROUTES", "true")
	t.Setenv("TOKEN", "secret")
	t.Setenv("INSTANCE_MAX_RETRY_QR", "3")
	t.Setenv("WEBHOOK_ALLOWED_EVENTS", "messages, qr ,,connection")
	t.Setenv("WEBHOOK_TIMEOUT", "3s")
	t.Setenv("SEND_RATE_PER_SECOND", "0.5")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.True(t, cfg.ProtectRoutes)
	assert.Equal(t, "secret", cfg.Token)
	assert.Equal(t, 3, cfg.InstanceMaxRetryQR)
	assert.Equal(t, []string{"messages", "qr", "connection"}, cfg.WebhookAllowedEvents)
	assert.Equal(t, 3*time.Second, cfg.WebhookTimeout)
	assert.InDelta(t, 0.5, cfg.SendRatePerSecond, 1e-9)
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("WEBHOOK_ENABLED=true\nWEBHOOK_URL=http://hooks.local/in\nMARK_MESSAGES_READ=true\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("WEBHOOK_ENABLED")
		os.Unsetenv("WEBHOOK_URL")
		os.Unsetenv("MARK_MESSAGES_READ")
	})

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.WebhookEnabled)
	assert.Equal(t, "http://hooks.local/in", cfg.WebhookURL)
	assert.True(t, cfg.MarkMessagesRead)
	assert.Equal(t, []string{"all"}, cfg.WebhookAllowedEvents)
}
