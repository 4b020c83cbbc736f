package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 3, cfg.Verification.BurstSize)
	assert.Equal(t, 20*time.Second, cfg.BurstTimeout())
	assert.Equal(t, 15*time.Second, cfg.ResponseTimeout())
	assert.Equal(t, 3*time.Second, cfg.PauseBetweenBursts())
	assert.Equal(t, 72*time.Hour, cfg.SessionWindow())
	assert.Equal(t, 1, cfg.Verification.SkipsAllowedPerDay)
	assert.Equal(t, 10, cfg.RateLimit.Limit)
	assert.Equal(t, time.Minute, cfg.RateLimitWindow())
	assert.Equal(t, 10*time.Minute, cfg.SpotCheckStaleAfter())
	assert.Equal(t, 4.0, cfg.SpotCheck.RatePerDayByTier["spawn"])
	assert.Equal(t, 1.0, cfg.SpotCheck.RatePerDayByTier["autonomous-III"])
	assert.False(t, cfg.Production())
}

func TestLoadYAMLOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "9090"
  env: production
verification:
  challenges_per_day_min: 4
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.True(t, cfg.Production())
	assert.Equal(t, 4, cfg.Verification.ChallengesPerDayMin)
	// Untouched sections keep their defaults.
	assert.Equal(t, 3, cfg.Verification.BurstSize)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Server.Port)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "7070")
	t.Setenv("REDIS_ADDR", "redis.internal:6379")
	t.Setenv("STATE_FILE", "/var/lib/verify/state.json")
	t.Setenv("TICK_SECONDS", "15")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
	assert.True(t, cfg.StateFile.Enabled)
	assert.Equal(t, "/var/lib/verify/state.json", cfg.StateFile.Path)
	assert.Equal(t, 15*time.Second, cfg.TickInterval())
}
