// Package config holds kbot's runtime configuration: a JSON5 file overlaid
// with environment variables.
package config

import "time"

// DefaultAgentID is the agent serving messages when none is named.
const DefaultAgentID = "main"

// AgentConfig describes the agent subprocess and its session policy.
type AgentConfig struct {
	// ID is the agent identifier used in session keys.
	ID string `json:"id"`
	// Command launches the agent subprocess (argv form).
	Command []string `json:"command"`
	// WorkDir is the agent's working directory.
	WorkDir string `json:"work_dir"`
	// IdentityPromptPath points at the identity prompt file sent to every
	// fresh agent session. Empty disables the identity prompt.
	IdentityPromptPath string `json:"identity_prompt_path"`
	// RotationThreshold is the context-usage fraction that triggers session
	// rotation.
	RotationThreshold float64 `json:"rotation_threshold"`
	// ReadyTimeoutSec bounds the wait for the agent to become healthy
	// before a message fails.
	ReadyTimeoutSec int `json:"ready_timeout_sec"`
	// UsageProbeDebounceSec and UsageProbeTimeoutSec tune the context-usage
	// tracker.
	UsageProbeDebounceSec int `json:"usage_probe_debounce_sec"`
	UsageProbeTimeoutSec  int `json:"usage_probe_timeout_sec"`
}

// DiscordConfig configures the Discord adapter.
type DiscordConfig struct {
	Enabled        bool     `json:"enabled"`
	Token          string   `json:"token"`
	AllowFrom      []string `json:"allow_from,omitempty"`
	RequireMention *bool    `json:"require_mention,omitempty"`
}

// TelegramConfig configures the Telegram adapter.
type TelegramConfig struct {
	Enabled        bool     `json:"enabled"`
	Token          string   `json:"token"`
	Proxy          string   `json:"proxy,omitempty"`
	AllowFrom      []string `json:"allow_from,omitempty"`
	RequireMention *bool    `json:"require_mention,omitempty"`
}

// ChannelsConfig groups the adapter configs.
type ChannelsConfig struct {
	Discord  DiscordConfig  `json:"discord"`
	Telegram TelegramConfig `json:"telegram"`
}

// PairingConfig tunes the DM pairing workflow.
type PairingConfig struct {
	// TTLMinutes bounds how long a pending request stays redeemable.
	TTLMinutes int `json:"ttl_minutes"`
}

// OrchestratorConfig tunes the message pipeline.
type OrchestratorConfig struct {
	// EscalationChannel ("platform:channel") receives agent escalations.
	// Empty falls back to the last active channel.
	EscalationChannel  string `json:"escalation_channel,omitempty"`
	HealthCheckSec     int    `json:"health_check_sec"`
	ShutdownDrainSec   int    `json:"shutdown_drain_sec"`
	InflightPollMS     int    `json:"inflight_poll_ms"`
	ReconnectDelaySec  int    `json:"reconnect_delay_sec"`
	FailureThreshold   int    `json:"failure_threshold"`
	CoalescerMaxLen    int    `json:"coalescer_max_len"`
	CoalescerSoftLimit int    `json:"coalescer_soft_limit"`
}

// Config is the root configuration.
type Config struct {
	// BaseDir roots all on-disk state (sessions, conversations, dm-policy,
	// checkpoint).
	BaseDir      string             `json:"base_dir"`
	Agent        AgentConfig        `json:"agent"`
	Channels     ChannelsConfig     `json:"channels"`
	Pairing      PairingConfig      `json:"pairing"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
}

// Duration helpers over the integer fields.

func (a AgentConfig) ReadyTimeout() time.Duration {
	return time.Duration(a.ReadyTimeoutSec) * time.Second
}

func (a AgentConfig) UsageProbeDebounce() time.Duration {
	return time.Duration(a.UsageProbeDebounceSec) * time.Second
}

func (a AgentConfig) UsageProbeTimeout() time.Duration {
	return time.Duration(a.UsageProbeTimeoutSec) * time.Second
}

func (p PairingConfig) TTL() time.Duration {
	return time.Duration(p.TTLMinutes) * time.Minute
}

func (o OrchestratorConfig) HealthCheckInterval() time.Duration {
	return time.Duration(o.HealthCheckSec) * time.Second
}

func (o OrchestratorConfig) ShutdownDrain() time.Duration {
	return time.Duration(o.ShutdownDrainSec) * time.Second
}

func (o OrchestratorConfig) InflightPoll() time.Duration {
	return time.Duration(o.InflightPollMS) * time.Millisecond
}

func (o OrchestratorConfig) ReconnectDelay() time.Duration {
	return time.Duration(o.ReconnectDelaySec) * time.Second
}
