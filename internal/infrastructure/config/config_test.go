package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPolicyConstants(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "8000", cfg.Server.Port)
	assert.Equal(t, 150*time.Millisecond, cfg.Process.OutputDebounce)
	assert.Equal(t, 2*time.Second, cfg.Process.ReadyDelay)
	assert.Equal(t, time.Second, cfg.Process.KillDeadline)
	assert.Equal(t, 300*time.Millisecond, cfg.Dispatch.Debounce)
	assert.Equal(t, 3900, cfg.Dispatch.MaxUnitLen)
	assert.Equal(t, 5, cfg.Dispatch.MaxInPlaceEdit)
	assert.Equal(t, 60*time.Minute, cfg.Session.InactivityTimeout)
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Dispatch, cfg.Dispatch)
}

func TestFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
server:
  port: "9000"
process:
  command: claude-dev
  output_debounce: 50ms
dispatch:
  max_unit_len: 2000
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, "claude-dev", cfg.Process.Command)
	assert.Equal(t, 50*time.Millisecond, cfg.Process.OutputDebounce)
	assert.Equal(t, 2000, cfg.Dispatch.MaxUnitLen)

	// Untouched sections keep defaults.
	assert.Equal(t, 2*time.Second, cfg.Process.ReadyDelay)
	assert.Equal(t, 5, cfg.Dispatch.MaxInPlaceEdit)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: \"9000\"\n"), 0o644))

	t.Setenv("PORT", "9100")
	t.Setenv("SESSION_INACTIVITY_TIMEOUT", "15m")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "9100", cfg.Server.Port)
	assert.Equal(t, 15*time.Minute, cfg.Session.InactivityTimeout)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadMalformedFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
