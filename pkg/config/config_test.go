package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithoutFileYieldsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server: wss://chat.example.com/ws
reconnect_delay: 1s
max_reconnect_attempts: 9
log_level: debug
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "wss://chat.example.com/ws", cfg.Server)
	assert.Equal(t, time.Second, cfg.ReconnectDelay)
	assert.Equal(t, 9, cfg.MaxReconnectAttempts)
	assert.Equal(t, "debug", cfg.LogLevel)

	// Untouched knobs keep their defaults.
	assert.Equal(t, DefaultConfig().TypingExpiry, cfg.TypingExpiry)
	assert.Equal(t, DefaultConfig().PageSize, cfg.PageSize)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: ws://from-file\n"), 0o600))

	t.Setenv("CHATSYNC_SERVER", "ws://from-env")
	t.Setenv("CHATSYNC_TYPING_EXPIRY", "7s")
	t.Setenv("CHATSYNC_MAX_RECONNECT_ATTEMPTS", "2")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "ws://from-env", cfg.Server)
	assert.Equal(t, 7*time.Second, cfg.TypingExpiry)
	assert.Equal(t, 2, cfg.MaxReconnectAttempts)
}

func TestBadEnvValueIsIgnored(t *testing.T) {
	t.Setenv("CHATSYNC_RECONNECT_DELAY", "not-a-duration")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultConfig().ReconnectDelay, cfg.ReconnectDelay)
}

func TestZeroValuesFilledWithDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("initial_page_size: 0\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultConfig().InitialPageSize, cfg.InitialPageSize)
}
