package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zalando/go-keyring"

	"github.com/jholhewres/inlineclaw/pkg/inlineclaw/config"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Store the Inline bot token in the OS keyring",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "set",
			Short: "Prompt for the bot token and store it",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				token, err := config.ReadSecret("Inline bot token: ")
				if err != nil {
					return err
				}
				if token == "" {
					return fmt.Errorf("empty token")
				}
				if err := config.StoreToken(token); err != nil {
					printErr("OS keyring unavailable: %v", err)
					return fmt.Errorf("store the token in INLINE_TOKEN instead")
				}
				fmt.Println("Token stored in the OS keyring.")
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete",
			Short: "Remove the stored bot token",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				err := config.DeleteToken()
				if errors.Is(err, keyring.ErrNotFound) {
					fmt.Println("No token stored.")
					return nil
				}
				if err != nil {
					return err
				}
				fmt.Println("Token removed.")
				return nil
			},
		},
	)
	return cmd
}
