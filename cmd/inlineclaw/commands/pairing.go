package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/inlineclaw/pkg/inlineclaw/channels"
	"github.com/jholhewres/inlineclaw/pkg/inlineclaw/config"
	"github.com/jholhewres/inlineclaw/pkg/inlineclaw/store"
)

// withStores opens the database for one-shot admin commands.
func withStores(cmd *cobra.Command, fn func(ctx context.Context, cfg *config.Config, ps *store.PairingStore, ss *store.SessionStore) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg, os.Stderr)
	db, err := store.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	ps := store.NewPairingStore(db, store.PairingOptions{TTL: cfg.Pairing.TTL, MaxPending: cfg.Pairing.MaxPending}, logger)
	ss := store.NewSessionStore(db, logger)
	return fn(cmd.Context(), cfg, ps, ss)
}

func newPairingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pairing",
		Short: "Manage pending pairing requests",
	}
	cmd.PersistentFlags().String("channel", channels.Name, "channel the request belongs to")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List pending pairing requests",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				channel, _ := cmd.Flags().GetString("channel")
				return withStores(cmd, func(ctx context.Context, _ *config.Config, ps *store.PairingStore, _ *store.SessionStore) error {
					reqs, err := ps.ListPairingRequests(ctx, channel)
					if err != nil {
						return err
					}
					if len(reqs) == 0 {
						fmt.Println("No pending pairing requests.")
						return nil
					}
					w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
					fmt.Fprintln(w, "CODE\tSENDER\tNAME\tREQUESTED")
					for _, r := range reqs {
						name := r.Meta["username"]
						if name == "" {
							name = r.Meta["name"]
						}
						fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Code, r.SenderID, name, r.CreatedAt.Local().Format(time.DateTime))
					}
					return w.Flush()
				})
			},
		},
		&cobra.Command{
			Use:   "approve <code>",
			Short: "Approve a pairing code and allow its sender",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				channel, _ := cmd.Flags().GetString("channel")
				return withStores(cmd, func(ctx context.Context, _ *config.Config, ps *store.PairingStore, _ *store.SessionStore) error {
					req, err := ps.ApprovePairingCode(ctx, channel, args[0])
					if errors.Is(err, store.ErrPairingNotFound) {
						return fmt.Errorf("no pending request with code %s (it may have expired)", args[0])
					}
					if err != nil {
						return err
					}
					fmt.Printf("Approved %s sender %s.\n", channel, req.SenderID)
					return nil
				})
			},
		},
	)
	return cmd
}

func newAllowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "allow",
		Short: "Manage the stored sender allowlist",
	}
	cmd.PersistentFlags().String("channel", channels.Name, "channel of the allowlist")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List allowed senders",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				channel, _ := cmd.Flags().GetString("channel")
				return withStores(cmd, func(ctx context.Context, cfg *config.Config, ps *store.PairingStore, _ *store.SessionStore) error {
					stored, err := ps.ReadAllowlist(ctx, channel)
					if err != nil {
						return err
					}
					for _, e := range cfg.Inline.AllowFrom {
						fmt.Printf("%s\t(config)\n", e)
					}
					for _, e := range stored {
						fmt.Printf("%s\t(stored)\n", e)
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "add <sender>",
			Short: "Allow a sender id or @username",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				channel, _ := cmd.Flags().GetString("channel")
				return withStores(cmd, func(ctx context.Context, _ *config.Config, ps *store.PairingStore, _ *store.SessionStore) error {
					if err := ps.AddAllowlistEntry(ctx, channel, args[0], "cli"); err != nil {
						return err
					}
					fmt.Printf("Allowed %s.\n", args[0])
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "remove <sender>",
			Short: "Remove a stored allowlist entry",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				channel, _ := cmd.Flags().GetString("channel")
				return withStores(cmd, func(ctx context.Context, _ *config.Config, ps *store.PairingStore, _ *store.SessionStore) error {
					removed, err := ps.RemoveAllowlistEntry(ctx, channel, args[0])
					if err != nil {
						return err
					}
					if !removed {
						return fmt.Errorf("%s is not in the stored allowlist", args[0])
					}
					fmt.Printf("Removed %s.\n", args[0])
					return nil
				})
			},
		},
	)
	return cmd
}

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recorded inbound sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			return withStores(cmd, func(ctx context.Context, _ *config.Config, _ *store.PairingStore, ss *store.SessionStore) error {
				recs, err := ss.List(ctx, limit)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "SESSION\tTYPE\tLABEL\tMESSAGES\tUPDATED")
				for _, r := range recs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", r.SessionKey, r.ChatType, r.ConversationLabel, r.MessageCount, r.UpdatedAt.Local().Format(time.DateTime))
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().Int("limit", 20, "maximum sessions to show")
	return cmd
}
