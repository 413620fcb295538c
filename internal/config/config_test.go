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
	assert.Equal(t, 2*time.Second, cfg.OrchestratorInterval())
	assert.Equal(t, time.Second, cfg.IpcInterval())
	assert.Equal(t, time.Minute, cfg.SchedulerInterval())
	assert.Equal(t, 30*time.Minute, cfg.IdleTimeout())
	assert.Equal(t, 15*time.Second, cfg.InitTimeout())
	assert.Equal(t, 120*time.Second, cfg.StreamTimeout())
	assert.Equal(t, 30*time.Second, cfg.CanonicalTimeout())
	assert.Equal(t, 5*time.Second, cfg.BaseRetry())
	assert.Equal(t, 3, cfg.Sessions.MaxConcurrent)
	assert.Equal(t, 5, cfg.Queue.MaxRetries)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Equal(t, "UTC", cfg.Timezone)
}

// TestLoad_JSON5 accepts comments and trailing commas, the point of
// using JSON5 for hand-edited config.
func TestLoad_JSON5(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		// hand-written config
		data_dir: "/tmp/pb-test",
		timezone: "Europe/Berlin",
		sessions: {
			max_concurrent: 7,
		},
	}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/pb-test", cfg.DataDir)
	assert.Equal(t, "Europe/Berlin", cfg.Timezone)
	assert.Equal(t, 7, cfg.Sessions.MaxConcurrent)
	// Unspecified sections keep their defaults.
	assert.Equal(t, 5, cfg.Queue.MaxRetries)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("POCKETBRAIN_DATA_DIR", "/tmp/pb-env")
	t.Setenv("POCKETBRAIN_AGENT_TOKEN", "sekrit")
	t.Setenv("POCKETBRAIN_MAX_CONCURRENT", "9")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/pb-env", cfg.DataDir)
	assert.Equal(t, "sekrit", cfg.Agent.Token)
	assert.Equal(t, 9, cfg.Sessions.MaxConcurrent)
}

func TestLoad_BadTimezone(t *testing.T) {
	t.Setenv("POCKETBRAIN_TIMEZONE", "Mars/Olympus")
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
}

func TestPaths(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/data"
	assert.Equal(t, "/data/pocketbrain.db", cfg.DatabasePath())
	assert.Equal(t, "/data/ipc", cfg.IpcRoot())
	assert.Equal(t, "/data/chats/family", cfg.ChatDir("family"))
	assert.Equal(t, "/data/chats/family/instructions.md", cfg.InstructionsPath("family"))
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	got, err := ExpandHome("~/x/y")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "x", "y"), got)

	got, err = ExpandHome("/abs/path")
	require.NoError(t, err)
	assert.Equal(t, "/abs/path", got)
}
