package cmd

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/kbot/internal/config"
	"github.com/nextlevelbuilder/kbot/internal/store"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect agent sessions",
	}
	cmd.AddCommand(sessionsListCmd())
	return cmd
}

func sessionsListCmd() *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded agent sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			dir := filepath.Join(config.ExpandHome(cfg.BaseDir), "sessions")
			log, err := store.NewSessionLog(dir, store.NewPathLocks())
			if err != nil {
				return err
			}
			list, err := log.ListSessions(store.SessionFilter{
				Status: store.SessionStatus(status),
				Limit:  limit,
			})
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Println("No sessions recorded.")
				return nil
			}
			fmt.Printf("%-38s %-10s %-12s %-28s %s\n",
				"ID", "STATUS", "AGENT", "SESSION KEY", "STARTED")
			for _, sess := range list {
				fmt.Printf("%-38s %-10s %-12s %-28s %s\n",
					sess.ID, sess.Status, sess.AgentType, sess.SessionKey,
					sess.StartedAt.Local().Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (active|completed|abandoned)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum sessions to show")
	return cmd
}
