package cmd

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/kbot/internal/config"
	"github.com/nextlevelbuilder/kbot/internal/store"
)

func pairingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pairing",
		Short: "Manage DM pairing requests",
	}
	cmd.AddCommand(pairingListCmd())
	cmd.AddCommand(pairingApproveCmd())
	cmd.AddCommand(pairingRejectCmd())
	return cmd
}

func openPairingStore() (*store.PairingStore, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(config.ExpandHome(cfg.BaseDir), "dm-policy")
	return store.NewPairingStore(dir, store.NewPathLocks(), cfg.Pairing.TTL())
}

func pairingListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pairing requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			pairing, err := openPairingStore()
			if err != nil {
				return err
			}
			if _, err := pairing.CleanupExpired(); err != nil {
				return err
			}
			requests, err := pairing.ListRequests(status)
			if err != nil {
				return err
			}
			if len(requests) == 0 {
				fmt.Println("No pairing requests.")
				return nil
			}
			fmt.Printf("%-8s %-24s %-12s %-10s %-10s %s\n",
				"CODE", "CHANNEL", "USER", "PLATFORM", "STATUS", "EXPIRES")
			for _, req := range requests {
				fmt.Printf("%-8s %-24s %-12s %-10s %-10s %s\n",
					req.Code, req.Channel, req.UserID, req.Platform, req.Status,
					req.ExpiresAt.Local().Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending|approved|rejected)")
	return cmd
}

func pairingApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <code>",
		Short: "Approve a pending pairing request by code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pairing, err := openPairingStore()
			if err != nil {
				return err
			}
			req, err := resolveByCode(pairing, args[0], func(id string) (*store.PairingRequest, error) {
				return pairing.ApproveRequest(id)
			})
			if err != nil {
				return err
			}
			fmt.Printf("Approved %s for %s on %s.\n", req.Code, req.UserID, req.Platform)
			return nil
		},
	}
}

func pairingRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <code>",
		Short: "Reject a pending pairing request by code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pairing, err := openPairingStore()
			if err != nil {
				return err
			}
			req, err := resolveByCode(pairing, args[0], func(id string) (*store.PairingRequest, error) {
				return pairing.RejectRequest(id, reason)
			})
			if err != nil {
				return err
			}
			fmt.Printf("Rejected %s for %s on %s.\n", req.Code, req.UserID, req.Platform)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the request")
	return cmd
}

// resolveByCode maps the operator-facing pairing code onto the request id
// and applies the resolution.
func resolveByCode(pairing *store.PairingStore, code string, apply func(id string) (*store.PairingRequest, error)) (*store.PairingRequest, error) {
	requests, err := pairing.ListRequests(store.RequestPending)
	if err != nil {
		return nil, err
	}
	for _, req := range requests {
		if req.Code == code {
			return apply(req.ID)
		}
	}
	return nil, fmt.Errorf("no pending request with code %q", code)
}
