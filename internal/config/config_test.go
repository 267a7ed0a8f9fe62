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
	t.Setenv("LEAGUE_LIVE_JWT_SECRET", "s3cret")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.Error(t, err, "an explicit env file must exist")

	t.Chdir(t.TempDir())
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, RelayNone, cfg.Relay)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 5*time.Minute, cfg.RoomIdleGrace)
	assert.Equal(t, 10*time.Minute, cfg.DraftArchiveGrace)
	assert.Equal(t, time.Second, cfg.TickInterval)
	assert.Equal(t, 15*time.Second, cfg.DraftLeaseTTL)
	assert.Equal(t, 100, cfg.ChatCapacity)
	assert.Equal(t, 30, cfg.RateLimit)
	assert.Equal(t, 4, cfg.NotifyWorkers)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadFromEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("LEAGUE_LIVE_JWT_SECRET=from-file\nLEAGUE_LIVE_RELAY=nats\nLEAGUE_LIVE_CHAT_CAPACITY=25\n"), 0o600))
	t.Setenv("LEAGUE_LIVE_CHAT_CAPACITY", "50")

	// godotenv never overrides variables that are already set; unset the
	// ones the file provides so the test sees the file's values.
	for _, key := range []string{"LEAGUE_LIVE_JWT_SECRET", "LEAGUE_LIVE_RELAY"} {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.JWTSecret)
	assert.Equal(t, RelayNATS, cfg.Relay)
	assert.Equal(t, 50, cfg.ChatCapacity, "process environment wins over the file")
}

func TestLoadRequiresSecret(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("LEAGUE_LIVE_JWT_SECRET", "")
	require.NoError(t, os.Unsetenv("LEAGUE_LIVE_JWT_SECRET"))

	_, err := Load("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := Config{
		Addr: ":8080", JWTSecret: "x", Relay: RelayRedis,
		HeartbeatInterval: time.Second, RoomIdleGrace: time.Second, DraftArchiveGrace: time.Second,
		TickInterval: time.Second, DraftLeaseTTL: time.Second, RateWindow: time.Second, ChatCapacity: 1, NotifyWorkers: 1,
	}
	require.NoError(t, valid.Validate())

	bad := valid
	bad.Relay = "kafka"
	bad.TickInterval = 0
	bad.DraftLeaseTTL = 0
	bad.ChatCapacity = -1
	err := bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RELAY")
	assert.Contains(t, err.Error(), "TICK_INTERVAL")
	assert.Contains(t, err.Error(), "DRAFT_LEASE_TTL")
	assert.Contains(t, err.Error(), "CHAT_CAPACITY")
}
