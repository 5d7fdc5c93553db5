package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("ENT_ADMIN_KEY", "secret")
	t.Setenv("ENT_APPLE_SHARED_SECRET", "apple-secret")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 8090, cfg.Port)
	assert.Equal(t, time.Hour, cfg.SweepInterval)
	assert.Equal(t, 12*time.Hour, cfg.StaleAfter)
	assert.Contains(t, cfg.AppleVerifyURL, "buy.itunes.apple.com")
	assert.Equal(t, "secret", cfg.AdminKey)
}

func TestLoadConfigRequiresSecrets(t *testing.T) {
	t.Setenv("ENT_ADMIN_KEY", "")
	t.Setenv("ENT_APPLE_SHARED_SECRET", "")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ENT_ADMIN_KEY")
	assert.Contains(t, err.Error(), "ENT_APPLE_SHARED_SECRET")
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("ENT_ADMIN_KEY", "secret")
	t.Setenv("ENT_APPLE_SHARED_SECRET", "apple-secret")
	t.Setenv("ENT_PORT", "9999")
	t.Setenv("ENT_SWEEP_INTERVAL", "30m")
	t.Setenv("ENT_STALE_AFTER", "1h")
	t.Setenv("ENT_GOOGLE_VERIFY_URL", "https://play.example/verify")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Port)
	assert.Equal(t, 30*time.Minute, cfg.SweepInterval)
	assert.Equal(t, time.Hour, cfg.StaleAfter)
	assert.Equal(t, "https://play.example/verify", cfg.GoogleVerifyURL)
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	t.Setenv("ENT_ADMIN_KEY", "secret")
	t.Setenv("ENT_APPLE_SHARED_SECRET", "apple-secret")

	t.Setenv("ENT_PORT", "70000")
	_, err := LoadConfig()
	assert.Error(t, err, "out-of-range port must be rejected")
	t.Setenv("ENT_PORT", "8090")

	t.Setenv("ENT_SWEEP_INTERVAL", "5s")
	_, err = LoadConfig()
	assert.Error(t, err, "sub-minute sweep interval must be rejected")
	t.Setenv("ENT_SWEEP_INTERVAL", "")

	t.Setenv("ENT_RATE_LIMIT", "abc")
	_, err = LoadConfig()
	assert.Error(t, err, "non-integer rate limit must be rejected")
}
