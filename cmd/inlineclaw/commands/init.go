package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/jholhewres/inlineclaw/pkg/inlineclaw/config"
	"github.com/jholhewres/inlineclaw/pkg/inlineclaw/monitor"
)

// newInitCmd creates `inlineclaw init`, an interactive config wizard.
func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a config file interactively",
		Args:  cobra.NoArgs,
		RunE:  runInit,
	}
	cmd.Flags().StringP("output", "o", "inlineclaw.yaml", "where to write the config")
	cmd.Flags().Bool("force", false, "overwrite an existing file")
	return cmd
}

func runInit(cmd *cobra.Command, _ []string) error {
	out, _ := cmd.Flags().GetString("output")
	force, _ := cmd.Flags().GetBool("force")
	if _, err := os.Stat(out); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", out)
	}

	cfg := config.DefaultConfig()
	var (
		realtimeURL = cfg.Bridge.RealtimeURL
		agentURL    = "http://127.0.0.1:9000/dispatch"
		dmPolicy    = string(cfg.Inline.DMPolicy)
		groupPolicy = string(cfg.Inline.GroupPolicy)
		allowFrom   string
		mention     = cfg.Inline.RequireMention
		token       string
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Sidecar realtime URL").
				Value(&realtimeURL).
				Validate(requireValue),
			huh.NewInput().
				Title("Agent dispatch URL").
				Value(&agentURL).
				Validate(requireValue),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Who may DM the bot?").
				Options(
					huh.NewOption("Paired senders (pairing code)", string(monitor.DMPairing)),
					huh.NewOption("Allowlist only", string(monitor.DMAllowlist)),
					huh.NewOption("Anyone", string(monitor.DMOpen)),
					huh.NewOption("Nobody", string(monitor.DMDisabled)),
				).
				Value(&dmPolicy),
			huh.NewSelect[string]().
				Title("Who may trigger the bot in groups?").
				Options(
					huh.NewOption("Allowlisted senders", string(monitor.GroupAllowlist)),
					huh.NewOption("Anyone", string(monitor.GroupOpen)),
					huh.NewOption("Nobody", string(monitor.GroupDisabled)),
				).
				Value(&groupPolicy),
			huh.NewInput().
				Title("Allowed senders").
				Description("Comma-separated user ids or @usernames").
				Value(&allowFrom),
			huh.NewConfirm().
				Title("Require a mention in groups?").
				Value(&mention),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Inline bot token").
				Description("Stored in the OS keyring, never in the file. Leave empty to use INLINE_TOKEN.").
				EchoMode(huh.EchoModePassword).
				Value(&token),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	cfg.Bridge.RealtimeURL = strings.TrimSpace(realtimeURL)
	cfg.Agent.URL = strings.TrimSpace(agentURL)
	cfg.Inline.DMPolicy = monitor.DMPolicy(dmPolicy)
	cfg.Inline.GroupPolicy = monitor.GroupPolicy(groupPolicy)
	cfg.Inline.AllowFrom = splitList(allowFrom)
	cfg.Inline.RequireMention = mention

	if err := config.Save(cfg, out); err != nil {
		return err
	}
	fmt.Printf("Config written to %s\n", out)

	if token = strings.TrimSpace(token); token != "" {
		if err := config.StoreToken(token); err != nil {
			printErr("Could not store the token in the OS keyring (%v); set INLINE_TOKEN instead.", err)
		} else {
			fmt.Println("Token stored in the OS keyring.")
		}
	}
	fmt.Printf("Start with: inlineclaw serve --config %s\n", out)
	return nil
}

func requireValue(s string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("required")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
