package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

const (
	keyringService = "inlineclaw"
	keyringToken   = "inline_token"
)

// StoreToken saves the bot token in the OS keyring.
func StoreToken(token string) error {
	return keyring.Set(keyringService, keyringToken, token)
}

// DeleteToken removes the bot token from the OS keyring.
func DeleteToken() error {
	return keyring.Delete(keyringService, keyringToken)
}

// storedToken returns the stored token, or "" when none is available.
func storedToken() string {
	val, err := keyring.Get(keyringService, keyringToken)
	if err != nil {
		return ""
	}
	return val
}

// ResolveToken fills cfg.Bridge.Token: OS keyring first, then whatever the
// config file and environment provided.
func ResolveToken(cfg *Config, logger *slog.Logger) {
	if val := storedToken(); val != "" {
		cfg.Bridge.Token = val
		logger.Debug("bot token loaded from OS keyring")
		return
	}
	if cfg.Bridge.Token != "" && !strings.HasPrefix(cfg.Bridge.Token, "${") {
		logger.Debug("bot token loaded from config/env")
		return
	}
	cfg.Bridge.Token = ""
	logger.Warn("no bot token found. Set one with: inlineclaw token set")
}

// ReadSecret prompts for a secret without echo. Non-terminal stdin is read
// as a plain line so the value can be piped in.
func ReadSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading secret: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	return strings.TrimSpace(line), nil
}
