package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		BaseDir: "~/.kbot",
		Agent: AgentConfig{
			ID:                    DefaultAgentID,
			RotationThreshold:     0.7,
			ReadyTimeoutSec:       30,
			UsageProbeDebounceSec: 30,
			UsageProbeTimeoutSec:  10,
		},
		Pairing: PairingConfig{
			TTLMinutes: 60,
		},
		Orchestrator: OrchestratorConfig{
			HealthCheckSec:     30,
			ShutdownDrainSec:   10,
			InflightPollMS:     100,
			ReconnectDelaySec:  5,
			FailureThreshold:   3,
			CoalescerMaxLen:    2000,
			CoalescerSoftLimit: 1800,
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("KBOT_BASE_DIR", &c.BaseDir)
	envStr("KBOT_DISCORD_TOKEN", &c.Channels.Discord.Token)
	envStr("KBOT_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("KBOT_AGENT_WORKDIR", &c.Agent.WorkDir)
	envStr("KBOT_IDENTITY_PROMPT", &c.Agent.IdentityPromptPath)

	if v := os.Getenv("KBOT_AGENT_CMD"); v != "" {
		c.Agent.Command = strings.Fields(v)
	}

	// Auto-enable channels when credentials arrive via env.
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
}

// Validate rejects configs that cannot run.
func (c *Config) Validate() error {
	if c.BaseDir == "" {
		return fmt.Errorf("base_dir is required")
	}
	if len(c.Agent.Command) == 0 {
		return fmt.Errorf("agent.command is required")
	}
	if c.Agent.RotationThreshold <= 0 || c.Agent.RotationThreshold > 1 {
		return fmt.Errorf("agent.rotation_threshold must be in (0, 1], got %v", c.Agent.RotationThreshold)
	}
	if !c.Channels.Discord.Enabled && !c.Channels.Telegram.Enabled {
		return fmt.Errorf("no channel enabled")
	}
	return nil
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
