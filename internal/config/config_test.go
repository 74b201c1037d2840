package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "console.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaultsWhenDefaultFileMissing(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CONFIG_ENV", "nowhere")

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, "release", cfg.Mode)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "/token", cfg.Backend.TokenPath)
	assert.Equal(t, "/call", cfg.Backend.CallPath)
	assert.Equal(t, 10*time.Second, cfg.Backend.RequestTimeout)
	assert.Equal(t, 30*time.Second, cfg.Call.RingingTimeout)
	assert.Equal(t, 30*time.Second, cfg.Call.ConnectingTimeout)
	assert.Equal(t, 200*time.Millisecond, cfg.Call.LevelInterval)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Retry.BaseDelay)
	assert.Equal(t, 60*time.Second, cfg.Credential.RenewLead)
	assert.Equal(t, 10*time.Second, cfg.Credential.SafetyMargin)
	assert.Equal(t, time.Hour, cfg.Credential.DefaultTTL)
	assert.Equal(t, 8000, cfg.Media.SampleRate)
	assert.Equal(t, 1, cfg.Media.Channels)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.Log.JSON)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := writeConfig(t, `
mode: debug
port: 9090
agent_id: agent-7
backend:
  base_url: https://calls.example.com
  signal_url: wss://calls.example.com/signal
call:
  ringing_timeout: 45s
retry:
  max_attempts: 5
media:
  capture_path: /tmp/mic.ulaw
`)
	t.Setenv("CONSOLE_BACKEND_FROM", "+15550100")
	t.Setenv("CONSOLE_PORT", "9191")

	cfg, err := Load([]string{"--config", path})
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Mode)
	assert.Equal(t, 9191, cfg.Port)
	assert.Equal(t, "agent-7", cfg.AgentID)
	assert.Equal(t, "https://calls.example.com", cfg.Backend.BaseURL)
	assert.Equal(t, "wss://calls.example.com/signal", cfg.Backend.SignalURL)
	assert.Equal(t, "+15550100", cfg.Backend.From)
	assert.Equal(t, 45*time.Second, cfg.Call.RingingTimeout)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, "/tmp/mic.ulaw", cfg.Media.CapturePath)
}

func TestLoadExplicitMissingFileFails(t *testing.T) {
	_, err := Load([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, err)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := writeConfig(t, `
call:
  ringing_timeout: 0s
retry:
  max_attempts: 0
`)
	_, err := Load([]string{"--config", path})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "call.ringing_timeout must be positive")
	assert.Contains(t, err.Error(), "retry.max_attempts must be at least 1")
}

func TestValidateNegativeTimeout(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CONFIG_ENV", "nowhere")
	cfg, err := Load(nil)
	require.NoError(t, err)

	cfg.Credential.RenewLead = -time.Second
	assert.ErrorContains(t, cfg.Validate(), "credential.renew_lead")
}

func TestDefaultRegionIsUnset(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CONFIG_ENV", "nowhere")
	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Empty(t, cfg.Phone.DefaultRegion)
}
