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
	cfg, err := Load(New(), "", "")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8000", cfg.BaseURL)
	assert.Equal(t, 3*time.Second, cfg.PollInterval)
	assert.Equal(t, 45*time.Second, cfg.RequestTimeout)
	assert.True(t, cfg.Resume)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestEnvironmentAndClamps(t *testing.T) {
	t.Setenv("SCAMWATCH_BASE_URL", "https://engage.example/")
	t.Setenv("SCAMWATCH_POLL_INTERVAL", "250ms")
	t.Setenv("SCAMWATCH_REQUEST_TIMEOUT", "1h")
	t.Setenv("SCAMWATCH_LOG_LEVEL", "DEBUG")

	cfg, err := Load(New(), "", "")
	require.NoError(t, err)
	assert.Equal(t, "https://engage.example", cfg.BaseURL)
	assert.Equal(t, time.Second, cfg.PollInterval)
	assert.Equal(t, 300*time.Second, cfg.RequestTimeout)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestConfigFileAndDotEnv(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "scamwatch.yaml")
	require.NoError(t, os.WriteFile(file, []byte("persona: student\npoll-interval: 5s\n"), 0o600))
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("SCAMWATCH_API_KEY=from-dotenv\n"), 0o600))
	t.Setenv("SCAMWATCH_API_KEY", "")
	os.Unsetenv("SCAMWATCH_API_KEY")

	cfg, err := Load(New(), file, envFile)
	require.NoError(t, err)
	assert.Equal(t, "student", cfg.Persona)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, "from-dotenv", cfg.APIKey)
}

func TestMissingDotEnvIsIgnored(t *testing.T) {
	_, err := Load(New(), "", filepath.Join(t.TempDir(), ".env"))
	require.NoError(t, err)
}

func TestValidate(t *testing.T) {
	t.Setenv("SCAMWATCH_BASE_URL", "localhost:8000")
	_, err := Load(New(), "", "")
	require.Error(t, err)

	t.Setenv("SCAMWATCH_BASE_URL", "http://localhost:8000")
	t.Setenv("SCAMWATCH_LOG_LEVEL", "loud")
	_, err = Load(New(), "", "")
	require.Error(t, err)
}
