package monitor

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jholhewres/inlineclaw/pkg/inlineclaw/channels"
)

const (
	historyHeader      = "Recent chat history (oldest first):"
	historyTextLimit   = 240
	replyLookupWindow  = 5
	assistantLabel     = "assistant"
	emptyMessageMarker = "[no text]"
)

// HistoryContext is the rendered history window plus what it revealed about
// the message being replied to.
type HistoryContext struct {
	Text            string
	RepliedToBot    bool
	ReplyToSenderID int64
}

// buildHistory renders up to limit messages before currentID. currentID 0
// means the window ends at the latest message. Fetch failures yield an empty
// window.
func (m *Monitor) buildHistory(ctx context.Context, chatID, currentID, replyToID int64, limit int) HistoryContext {
	var hc HistoryContext
	replyFound := false

	var window []channels.HistoryMessage
	if limit > 0 {
		msgs, err := m.transport.GetChatHistory(ctx, chatID, currentID, limit)
		if err != nil {
			m.logger.Debug("history fetch failed", "chat_id", chatID, "error", err)
		}
		for _, hm := range msgs {
			if hm.ID == 0 || (currentID != 0 && hm.ID >= currentID) {
				continue
			}
			window = append(window, hm)
		}
	}

	sort.SliceStable(window, func(i, j int) bool {
		if !window[i].Timestamp.Equal(window[j].Timestamp) {
			return window[i].Timestamp.Before(window[j].Timestamp)
		}
		return window[i].ID < window[j].ID
	})
	if len(window) > limit {
		window = window[len(window)-limit:]
	}

	lines := make([]string, 0, len(window))
	for _, hm := range window {
		isBot := m.isBotAuthored(hm)
		if isBot {
			m.botMsgs.Remember(chatID, hm.ID)
		}
		if replyToID != 0 && hm.ID == replyToID {
			replyFound = true
			hc.RepliedToBot = isBot
			hc.ReplyToSenderID = hm.FromID
		}
		lines = append(lines, m.renderHistoryLine(ctx, chatID, hm, isBot))
	}

	if replyToID != 0 && !replyFound {
		if hm, err := m.lookupMessage(ctx, chatID, replyToID); err == nil {
			isBot := m.isBotAuthored(*hm)
			if isBot {
				m.botMsgs.Remember(chatID, hm.ID)
			}
			hc.RepliedToBot = isBot
			hc.ReplyToSenderID = hm.FromID
		} else {
			m.logger.Debug("reply target lookup failed", "chat_id", chatID, "reply_to", replyToID, "error", err)
		}
	}

	if len(lines) > 0 {
		hc.Text = historyHeader + "\n" + strings.Join(lines, "\n")
	}
	return hc
}

func (m *Monitor) renderHistoryLine(ctx context.Context, chatID int64, hm channels.HistoryMessage, isBot bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%d", hm.ID)
	if hm.ReplyToID != 0 {
		fmt.Fprintf(&b, " ->%d", hm.ReplyToID)
	}
	b.WriteString(" ")
	if isBot {
		b.WriteString(assistantLabel)
	} else {
		b.WriteString(m.senderLabel(ctx, chatID, hm.FromID))
	}
	b.WriteString(": ")

	text := collapseWhitespace(hm.Text)
	if text == "" {
		text = emptyMessageMarker
	}
	b.WriteString(truncateRunes(text, historyTextLimit))
	return b.String()
}

// senderLabel prefers @handle, then display name, then the raw id.
func (m *Monitor) senderLabel(ctx context.Context, chatID, userID int64) string {
	p, _ := m.senders.Resolve(ctx, chatID, userID)
	switch {
	case p.Username != "":
		return "@" + p.Username
	case p.DisplayName != "":
		return p.DisplayName
	default:
		return fmt.Sprintf("user:%d", userID)
	}
}

func (m *Monitor) isBotAuthored(hm channels.HistoryMessage) bool {
	return hm.Out || (m.botID != 0 && hm.FromID == m.botID)
}

// lookupMessage does a point lookup and, if that fails, searches a small
// history window ending at the target.
func (m *Monitor) lookupMessage(ctx context.Context, chatID, messageID int64) (*channels.HistoryMessage, error) {
	hm, err := m.transport.GetMessage(ctx, chatID, messageID)
	if err == nil && hm != nil {
		return hm, nil
	}

	msgs, herr := m.transport.GetChatHistory(ctx, chatID, messageID+1, replyLookupWindow)
	if herr != nil {
		return nil, fmt.Errorf("lookup message %d: %w", messageID, herr)
	}
	for i := range msgs {
		if msgs[i].ID == messageID {
			return &msgs[i], nil
		}
	}
	return nil, channels.ErrMessageNotFound
}

// isBotMessage checks memory first and falls back to a lookup, remembering
// positive answers.
func (m *Monitor) isBotMessage(ctx context.Context, chatID, messageID int64) bool {
	if messageID == 0 {
		return false
	}
	if m.botMsgs.Has(chatID, messageID) {
		return true
	}
	hm, err := m.lookupMessage(ctx, chatID, messageID)
	if err != nil {
		m.logger.Debug("reaction target lookup failed", "chat_id", chatID, "msg_id", messageID, "error", err)
		return false
	}
	if m.isBotAuthored(*hm) {
		m.botMsgs.Remember(chatID, messageID)
		return true
	}
	return false
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncateRunes(s string, limit int) string {
	r := []rune(s)
	if limit <= 0 || len(r) <= limit {
		return s
	}
	return string(r[:limit-1]) + "…"
}
