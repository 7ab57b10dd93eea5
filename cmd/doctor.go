package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/kbot/internal/config"
	"github.com/nextlevelbuilder/kbot/internal/store"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("kbot doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults + env)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("  Config invalid: %s\n", err)
	}

	fmt.Println()
	fmt.Println("  Agent:")
	if len(cfg.Agent.Command) == 0 {
		fmt.Printf("    %-12s (not configured)\n", "Command:")
	} else {
		fmt.Printf("    %-12s %v\n", "Command:", cfg.Agent.Command)
		checkBinary(cfg.Agent.Command[0])
	}
	if cfg.Agent.IdentityPromptPath != "" {
		path := config.ExpandHome(cfg.Agent.IdentityPromptPath)
		if _, err := os.Stat(path); err != nil {
			fmt.Printf("    %-12s %s (NOT FOUND)\n", "Identity:", path)
		} else {
			fmt.Printf("    %-12s %s (OK)\n", "Identity:", path)
		}
	}

	fmt.Println()
	fmt.Println("  Channels:")
	checkChannel("Discord", cfg.Channels.Discord.Enabled, cfg.Channels.Discord.Token != "")
	checkChannel("Telegram", cfg.Channels.Telegram.Enabled, cfg.Channels.Telegram.Token != "")

	fmt.Println()
	baseDir := config.ExpandHome(cfg.BaseDir)
	fmt.Printf("  Base dir: %s", baseDir)
	if _, err := os.Stat(baseDir); err != nil {
		fmt.Println(" (NOT FOUND, created on first run)")
	} else {
		fmt.Println(" (OK)")
		checkStores(baseDir)
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

// checkStores opens each store read-only-ish and reports whether its state
// is readable.
func checkStores(baseDir string) {
	locks := store.NewPathLocks()

	if log, err := store.NewSessionLog(filepath.Join(baseDir, "sessions"), locks); err != nil {
		fmt.Printf("    %-14s UNREADABLE (%s)\n", "Sessions:", err)
	} else if list, err := log.ListSessions(store.SessionFilter{}); err != nil {
		fmt.Printf("    %-14s UNREADABLE (%s)\n", "Sessions:", err)
	} else {
		active := 0
		for _, sess := range list {
			if sess.Status == store.SessionActive {
				active++
			}
		}
		fmt.Printf("    %-14s %d recorded, %d active\n", "Sessions:", len(list), active)
	}

	sessionLog, _ := store.NewSessionLog(filepath.Join(baseDir, "sessions"), locks)
	if convs, err := store.NewConversationStore(filepath.Join(baseDir, "conversations"), locks, sessionLog); err != nil {
		fmt.Printf("    %-14s UNREADABLE (%s)\n", "Conversations:", err)
	} else if list, err := convs.ListConversations(store.ConversationFilter{}); err != nil {
		fmt.Printf("    %-14s UNREADABLE (%s)\n", "Conversations:", err)
	} else {
		fmt.Printf("    %-14s %d\n", "Conversations:", len(list))
	}

	if pairing, err := store.NewPairingStore(filepath.Join(baseDir, "dm-policy"), locks, 0); err != nil {
		fmt.Printf("    %-14s UNREADABLE (%s)\n", "Pairing:", err)
	} else if pending, err := pairing.ListRequests(store.RequestPending); err != nil {
		fmt.Printf("    %-14s UNREADABLE (%s)\n", "Pairing:", err)
	} else {
		fmt.Printf("    %-14s %d pending\n", "Pairing:", len(pending))
	}
}

func checkChannel(name string, enabled, hasCredentials bool) {
	status := "disabled"
	if enabled && hasCredentials {
		status = "enabled"
	} else if enabled {
		status = "enabled (missing credentials)"
	}
	fmt.Printf("    %-12s %s\n", name+":", status)
}

func checkBinary(name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-12s %s NOT FOUND in PATH\n", "Binary:", name)
	} else {
		fmt.Printf("    %-12s %s\n", "Binary:", path)
	}
}
