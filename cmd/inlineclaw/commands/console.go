package commands

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/jholhewres/inlineclaw/pkg/inlineclaw/channels"
	"github.com/jholhewres/inlineclaw/pkg/inlineclaw/channels/console"
)

// newConsoleCmd creates `inlineclaw console`, which runs the full monitor
// against a local terminal instead of Inline.
func newConsoleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "console",
		Short: "Chat with the agent locally through the monitor",
		Long: `Run the monitor against a simulated Inline account in this terminal.
Lines go to a direct chat; /group, /reply and /react exercise group
mentions, reply threading and reactions.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := newLogger(cmd, cfg, os.Stderr)

			st, err := openStack(cfg, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			err = runMonitor(cmd.Context(), cfg, console.New(cfg.Console, logger), st, logger)
			// Quitting the console closes the transport.
			if errors.Is(err, channels.ErrTransportClosed) {
				return nil
			}
			return err
		},
	}
}
