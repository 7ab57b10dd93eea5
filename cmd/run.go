package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/kbot/internal/agent"
	"github.com/nextlevelbuilder/kbot/internal/bus"
	"github.com/nextlevelbuilder/kbot/internal/channels"
	"github.com/nextlevelbuilder/kbot/internal/channels/discord"
	"github.com/nextlevelbuilder/kbot/internal/channels/telegram"
	"github.com/nextlevelbuilder/kbot/internal/config"
	"github.com/nextlevelbuilder/kbot/internal/orchestrator"
	"github.com/nextlevelbuilder/kbot/internal/sessions"
	"github.com/nextlevelbuilder/kbot/internal/skills"
	"github.com/nextlevelbuilder/kbot/internal/store"
	"github.com/nextlevelbuilder/kbot/internal/tracing"
	"github.com/nextlevelbuilder/kbot/internal/transform"
	"github.com/nextlevelbuilder/kbot/internal/wake"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the bot (channels + agent + stores)",
		Run: func(cmd *cobra.Command, args []string) {
			runBot()
		},
	}
}

func runBot() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "kbot: %s\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	baseDir := config.ExpandHome(cfg.BaseDir)
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return fmt.Errorf("create base dir %s: %w", baseDir, err)
	}

	locks := store.NewPathLocks()
	sessionLog, err := store.NewSessionLog(filepath.Join(baseDir, "sessions"), locks)
	if err != nil {
		return err
	}
	convs, err := store.NewConversationStore(filepath.Join(baseDir, "conversations"), locks, sessionLog)
	if err != nil {
		return err
	}
	pairing, err := store.NewPairingStore(filepath.Join(baseDir, "dm-policy"), locks, cfg.Pairing.TTL())
	if err != nil {
		return err
	}

	events := bus.NewEmitter()
	mgr := agent.NewManager(agent.Config{
		Command: cfg.Agent.Command,
		WorkDir: config.ExpandHome(cfg.Agent.WorkDir),
		Env:     os.Environ(),
	}, events)

	router := sessions.NewRouter(0)
	lifecycle := sessions.NewLifecycle(cfg.Agent.ID, cfg.Agent.RotationThreshold)
	usage := sessions.NewUsageTracker(lifecycle, mgr,
		cfg.Agent.UsageProbeDebounce(), cfg.Agent.UsageProbeTimeout())

	identity := ""
	if path := cfg.Agent.IdentityPromptPath; path != "" {
		data, err := os.ReadFile(config.ExpandHome(path))
		if err != nil {
			return fmt.Errorf("read identity prompt: %w", err)
		}
		identity = string(data)
	}

	transforms := transform.NewRegistry()
	transforms.Register(passthroughTransformer("discord"))
	transforms.Register(passthroughTransformer("telegram"))

	// Capability providers register here before InitializeAll.
	skillReg := skills.NewRegistry(events)

	bot := orchestrator.New(orchestrator.Config{
		AgentID:            cfg.Agent.ID,
		AgentWorkDir:       config.ExpandHome(cfg.Agent.WorkDir),
		IdentityPrompt:     identity,
		EscalationChannel:  cfg.Orchestrator.EscalationChannel,
		ReadyTimeout:       cfg.Agent.ReadyTimeout(),
		InflightPoll:       cfg.Orchestrator.InflightPoll(),
		ShutdownDrain:      cfg.Orchestrator.ShutdownDrain(),
		CoalescerMaxLen:    cfg.Orchestrator.CoalescerMaxLen,
		CoalescerSoftLimit: cfg.Orchestrator.CoalescerSoftLimit,
	}, orchestrator.Deps{
		Router:        router,
		Lifecycle:     lifecycle,
		Usage:         usage,
		Conversations: convs,
		Sessions:      sessionLog,
		Agent:         mgr,
		Transforms:    transforms,
		Wake:          wake.NewLoader(filepath.Join(baseDir, "checkpoint.yaml")),
	})

	chCfg := channels.LifecycleConfig{
		HealthCheckInterval: cfg.Orchestrator.HealthCheckInterval(),
		ReconnectDelay:      cfg.Orchestrator.ReconnectDelay(),
		FailureThreshold:    cfg.Orchestrator.FailureThreshold,
	}
	if cfg.Channels.Discord.Enabled {
		adapter, err := discord.New(discord.Config{
			Token:          cfg.Channels.Discord.Token,
			AllowFrom:      cfg.Channels.Discord.AllowFrom,
			RequireMention: cfg.Channels.Discord.RequireMention,
		}, pairing)
		if err != nil {
			return err
		}
		if err := bot.AddChannel(channels.NewLifecycle(adapter, chCfg)); err != nil {
			return err
		}
	}
	if cfg.Channels.Telegram.Enabled {
		adapter, err := telegram.New(telegram.Config{
			Token:          cfg.Channels.Telegram.Token,
			Proxy:          cfg.Channels.Telegram.Proxy,
			AllowFrom:      cfg.Channels.Telegram.AllowFrom,
			RequireMention: cfg.Channels.Telegram.RequireMention,
		}, pairing)
		if err != nil {
			return err
		}
		if err := bot.AddChannel(channels.NewLifecycle(adapter, chCfg)); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := bot.Start(ctx); err != nil {
		return err
	}
	for _, initErr := range skillReg.InitializeAll(ctx) {
		slog.Warn("skill initialization failed", "error", initErr)
	}
	defer skillReg.DisposeAll(context.Background())

	// DM policies are read from disk on every access; the watcher is just
	// operator feedback that an edit was picked up.
	if watcher, err := config.Watch(filepath.Join(baseDir, "dm-policy"), func(path string) {
		slog.Info("dm policy file changed", "path", path)
	}); err != nil {
		slog.Warn("dm policy watch unavailable", "error", err)
	} else {
		defer watcher.Close()
	}

	go expiredRequestSweep(ctx, pairing)

	<-ctx.Done()
	slog.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		cfg.Orchestrator.ShutdownDrain()+10*time.Second)
	defer cancel()
	if err := bot.Stop(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		slog.Debug("trace exporter shutdown", "error", err)
	}
	return nil
}

// expiredRequestSweep evicts pairing requests past their TTL every few
// minutes so pending lists stay honest between accesses.
func expiredRequestSweep(ctx context.Context, pairing *store.PairingStore) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := pairing.CleanupExpired(); err != nil {
				slog.Warn("pairing cleanup failed", "error", err)
			} else if n > 0 {
				slog.Info("expired pairing requests evicted", "count", n)
			}
		}
	}
}

// passthroughTransformer admits payloads that are already normalized
// messages, for intake paths that bypass the live adapters (replays,
// webhook bridges). Anything else is a skip.
func passthroughTransformer(platform string) transform.Transformer {
	return transform.Func{
		Name: platform,
		Fn: func(raw any) (*bus.Message, error) {
			switch m := raw.(type) {
			case bus.Message:
				return &m, nil
			case *bus.Message:
				return m, nil
			default:
				return nil, transform.Unsupported(platform, fmt.Sprintf("payload type %T", raw))
			}
		},
	}
}
