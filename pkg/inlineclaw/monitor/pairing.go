package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jholhewres/inlineclaw/pkg/inlineclaw/channels"
)

// PairingStore is the persisted side of DM pairing.
type PairingStore interface {
	ReadAllowlist(ctx context.Context, channel string) ([]string, error)
	UpsertPairingRequest(ctx context.Context, channel, senderID string, meta map[string]string) (code string, created bool, err error)
}

// BuildPairingReply renders the message sent to an unknown DM sender.
func BuildPairingReply(channel, idLine, code string) string {
	var b strings.Builder
	b.WriteString("This bot only answers approved contacts.\n\n")
	b.WriteString(idLine)
	b.WriteString("\n\nPairing code: ")
	b.WriteString(code)
	b.WriteString("\n\nAsk the bot owner to approve you with:\n")
	fmt.Fprintf(&b, "inlineclaw pairing approve %s --channel %s", code, channel)
	return b.String()
}

// requestPairing upserts a pairing request and, only when it is new, tells
// the sender their code. Failures are logged and never retried.
func (m *Monitor) requestPairing(ctx context.Context, in inbound, profile SenderProfile, logger *slog.Logger) {
	if m.pairing == nil {
		logger.Warn("pairing required but no pairing store configured")
		return
	}

	senderID := channels.FormatID(in.senderID)
	meta := map[string]string{}
	if profile.Username != "" {
		meta["username"] = profile.Username
	}
	if profile.DisplayName != "" {
		meta["name"] = profile.DisplayName
	}

	code, created, err := m.pairing.UpsertPairingRequest(ctx, channels.Name, senderID, meta)
	if err != nil {
		logger.Warn("pairing request failed", "error", err)
		return
	}
	if !created || code == "" {
		logger.Debug("pairing request already pending")
		return
	}

	text := BuildPairingReply(channels.Name, "Your Inline user id: "+senderID, code)
	if err := m.send(ctx, channels.SendRequest{ChatID: in.chatID, Text: text}); err != nil {
		logger.Warn("sending pairing reply failed", "error", err)
		return
	}
	logger.Info("pairing code sent")
}
