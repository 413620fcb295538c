// Package config holds the runtime configuration for the PocketBrain
// assistant. Config is loaded once at startup from a JSON5 file plus
// POCKETBRAIN_* environment overrides; there is no dynamic reload.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the PocketBrain runtime.
type Config struct {
	DataDir  string `json:"data_dir"`
	Timezone string `json:"timezone"`

	Poll     PollConfig     `json:"poll"`
	Sessions SessionsConfig `json:"sessions"`
	Queue    QueueConfig    `json:"queue"`
	Agent    AgentConfig    `json:"agent"`
	Channel  ChannelConfig  `json:"channel"`
}

// PollConfig sets the tick intervals of the long-running loops, in
// milliseconds.
type PollConfig struct {
	OrchestratorMS int `json:"orchestrator_ms"`
	IpcMS          int `json:"ipc_ms"`
	SchedulerMS    int `json:"scheduler_ms"`
}

// SessionsConfig bounds the agent session lifecycle.
type SessionsConfig struct {
	MaxConcurrent  int `json:"max_concurrent"`   // global in-flight session slots
	IdleTimeoutMin int `json:"idle_timeout_min"` // abort open sessions after this much silence

	InitTimeoutSec      int `json:"init_timeout_sec"`      // get/create session
	StreamTimeoutSec    int `json:"stream_timeout_sec"`    // prompt event stream
	CanonicalTimeoutSec int `json:"canonical_timeout_sec"` // canonical message fetch
}

// QueueConfig controls retry behavior for failed message batches.
type QueueConfig struct {
	MaxRetries  int `json:"max_retries"`
	BaseRetryMS int `json:"base_retry_ms"`
}

// AgentConfig points at the external agent runtime.
// Token is never read from the config file, only from POCKETBRAIN_AGENT_TOKEN.
type AgentConfig struct {
	BaseURL string `json:"base_url"`
	Token   string `json:"-"`
}

// ChannelConfig selects and tunes the messaging channel adapter.
type ChannelConfig struct {
	Name           string `json:"name"`              // "mock" by default; real adapters register themselves
	SendRatePerMin int    `json:"send_rate_per_min"` // outbound pacing, 0 = unlimited
	MaxChunkChars  int    `json:"max_chunk_chars"`   // outbound message split size
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		DataDir:  "~/.pocketbrain",
		Timezone: "UTC",
		Poll: PollConfig{
			OrchestratorMS: 2000,
			IpcMS:          1000,
			SchedulerMS:    60000,
		},
		Sessions: SessionsConfig{
			MaxConcurrent:       3,
			IdleTimeoutMin:      30,
			InitTimeoutSec:      15,
			StreamTimeoutSec:    120,
			CanonicalTimeoutSec: 30,
		},
		Queue: QueueConfig{
			MaxRetries:  5,
			BaseRetryMS: 5000,
		},
		Agent: AgentConfig{
			BaseURL: "http://127.0.0.1:4096",
		},
		Channel: ChannelConfig{
			Name:           "mock",
			SendRatePerMin: 30,
			MaxChunkChars:  4000,
		},
	}
}

// Location resolves the configured timezone. Cron expressions are
// always evaluated here, never on the host timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// OrchestratorInterval returns the orchestrator tick interval.
func (c *Config) OrchestratorInterval() time.Duration {
	return msOrDefault(c.Poll.OrchestratorMS, 2000)
}

// IpcInterval returns the IPC watcher tick interval.
func (c *Config) IpcInterval() time.Duration {
	return msOrDefault(c.Poll.IpcMS, 1000)
}

// SchedulerInterval returns the scheduler tick interval.
func (c *Config) SchedulerInterval() time.Duration {
	return msOrDefault(c.Poll.SchedulerMS, 60000)
}

// IdleTimeout returns the session idle-abort timeout.
func (c *Config) IdleTimeout() time.Duration {
	if c.Sessions.IdleTimeoutMin <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(c.Sessions.IdleTimeoutMin) * time.Minute
}

// InitTimeout returns the session init (get/create) timeout.
func (c *Config) InitTimeout() time.Duration {
	return secOrDefault(c.Sessions.InitTimeoutSec, 15)
}

// StreamTimeout returns the prompt stream timeout.
func (c *Config) StreamTimeout() time.Duration {
	return secOrDefault(c.Sessions.StreamTimeoutSec, 120)
}

// CanonicalTimeout returns the canonical message fetch timeout.
func (c *Config) CanonicalTimeout() time.Duration {
	return secOrDefault(c.Sessions.CanonicalTimeoutSec, 30)
}

// BaseRetry returns the base delay for queue retry backoff.
func (c *Config) BaseRetry() time.Duration {
	return msOrDefault(c.Queue.BaseRetryMS, 5000)
}

func msOrDefault(ms, def int) time.Duration {
	if ms <= 0 {
		ms = def
	}
	return time.Duration(ms) * time.Millisecond
}

func secOrDefault(sec, def int) time.Duration {
	if sec <= 0 {
		sec = def
	}
	return time.Duration(sec) * time.Second
}
