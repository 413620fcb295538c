package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, cfg.normalize()
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnv()
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays POCKETBRAIN_* environment variables. Secrets
// (the agent token) are env-only and never persisted.
func (c *Config) applyEnv() {
	if v := os.Getenv("POCKETBRAIN_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("POCKETBRAIN_TIMEZONE"); v != "" {
		c.Timezone = v
	}
	if v := os.Getenv("POCKETBRAIN_AGENT_URL"); v != "" {
		c.Agent.BaseURL = v
	}
	if v := os.Getenv("POCKETBRAIN_AGENT_TOKEN"); v != "" {
		c.Agent.Token = v
	}
	if v := os.Getenv("POCKETBRAIN_CHANNEL"); v != "" {
		c.Channel.Name = v
	}
	if v := os.Getenv("POCKETBRAIN_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Sessions.MaxConcurrent = n
		}
	}
}

func (c *Config) normalize() error {
	dir, err := ExpandHome(c.DataDir)
	if err != nil {
		return err
	}
	c.DataDir = dir
	if c.Sessions.MaxConcurrent <= 0 {
		c.Sessions.MaxConcurrent = 3
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// DatabasePath returns the SQLite database location under the data dir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "pocketbrain.db")
}

// IpcRoot returns the root of the file-IPC tree.
func (c *Config) IpcRoot() string {
	return filepath.Join(c.DataDir, "ipc")
}

// ChatDir returns the per-chat data directory for a chat folder.
func (c *Config) ChatDir(folder string) string {
	return filepath.Join(c.DataDir, "chats", folder)
}

// InstructionsPath returns the chat's optional instructions file,
// injected into new agent sessions.
func (c *Config) InstructionsPath(folder string) string {
	return filepath.Join(c.ChatDir(folder), "instructions.md")
}

// ExpandHome expands a leading "~/" to the user home directory.
func ExpandHome(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		if path == "~" {
			return home, nil
		}
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}
