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
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	want := Default()
	assert.Equal(t, want, cfg)
	assert.Equal(t, 50*time.Millisecond, cfg.EditInterval)
	assert.Equal(t, 200, cfg.ChatHistoryLimit)
	assert.Equal(t, 24*time.Hour, cfg.ChatRoomIdleTTL)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("COLLAB_HTTP_ADDR", ":9000")
	t.Setenv("COLLAB_EDIT_INTERVAL", "125ms")
	t.Setenv("COLLAB_RATE_LIMIT_BURST", "7")
	t.Setenv("COLLAB_ALLOWED_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("COLLAB_LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.HTTPAddr)
	assert.Equal(t, 125*time.Millisecond, cfg.EditInterval)
	assert.Equal(t, 7, cfg.RateLimit.Burst)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "collab.yaml")
	content := `
tcp_addr: ":7000"
worker_pool_size: 3
chat_room_idle_ttl: 2h
rate_limit:
  refill_interval: 5s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.TCPAddr)
	assert.Equal(t, 3, cfg.WorkerPoolSize)
	assert.Equal(t, 2*time.Hour, cfg.ChatRoomIdleTTL)
	assert.Equal(t, 5*time.Second, cfg.RateLimit.RefillInterval)
	assert.Equal(t, Default().RateLimit.Burst, cfg.RateLimit.Burst)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("COLLAB_SEND_BUFFER_SIZE=32\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("COLLAB_SEND_BUFFER_SIZE") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.SendBufferSize)
}

func TestLoadMissingFile(t *testing.T) {
	t.Chdir(t.TempDir())
	_, err := Load("does-not-exist.yaml")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Run("non-positive limits fall back to defaults", func(t *testing.T) {
		cfg := Default()
		cfg.MaxMessageSize = 0
		cfg.WorkerPoolSize = -1
		cfg.RateLimit = RateLimit{}
		cfg.AllowedOrigins = []string{" http://x.example ", "", "  "}

		got, err := cfg.Validate()
		require.NoError(t, err)
		assert.Equal(t, Default().MaxMessageSize, got.MaxMessageSize)
		assert.Equal(t, Default().WorkerPoolSize, got.WorkerPoolSize)
		assert.Equal(t, Default().RateLimit, got.RateLimit)
		assert.Equal(t, []string{"http://x.example"}, got.AllowedOrigins)
	})

	t.Run("zero edit interval disables throttling", func(t *testing.T) {
		cfg := Default()
		cfg.EditInterval = 0
		got, err := cfg.Validate()
		require.NoError(t, err)
		assert.Zero(t, got.EditInterval)
	})

	t.Run("bad log level", func(t *testing.T) {
		cfg := Default()
		cfg.LogLevel = "loud"
		_, err := cfg.Validate()
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("empty address", func(t *testing.T) {
		cfg := Default()
		cfg.TCPAddr = " "
		_, err := cfg.Validate()
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})
}
