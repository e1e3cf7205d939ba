package monitor

import (
	"fmt"
	"time"

	"github.com/jholhewres/inlineclaw/pkg/inlineclaw/channels"
	"github.com/jholhewres/inlineclaw/pkg/inlineclaw/pipeline"
)

// inbound is the common shape of messages and reactions once they pass the
// echo and reaction gates.
type inbound struct {
	chatID    int64
	senderID  int64
	messageID int64 // 0 for reactions
	text      string
	replyToID int64
	mentioned bool
	timestamp time.Time

	reaction *channels.Reaction
	removed  bool
}

func inboundFromMessage(msg channels.NewMessage) inbound {
	return inbound{
		chatID:    msg.ChatID,
		senderID:  msg.FromID,
		messageID: msg.ID,
		text:      msg.Text,
		replyToID: msg.ReplyToID,
		mentioned: msg.Mentioned,
		timestamp: msg.Timestamp,
	}
}

func inboundFromReaction(r channels.Reaction, removed bool) inbound {
	verb := "added"
	if removed {
		verb = "removed"
	}
	return inbound{
		chatID:    r.ChatID,
		senderID:  r.UserID,
		text:      fmt.Sprintf("Reaction %s: %s on message #%d", verb, r.Emoji, r.TargetMessageID),
		timestamp: r.Timestamp,
		reaction:  &r,
		removed:   removed,
	}
}

// messageSid is the stable id the session store and agent see.
func (in inbound) messageSid() string {
	if in.reaction == nil {
		return channels.FormatID(in.messageID)
	}
	kind := "reaction"
	if in.removed {
		kind = "unreaction"
	}
	return fmt.Sprintf("%s:%d:%d:%d", kind, in.reaction.TargetMessageID, in.senderID, in.timestamp.Unix())
}

type contextInput struct {
	in           inbound
	chat         channels.ChatInfo
	profile      SenderProfile
	route        pipeline.Route
	history      HistoryContext
	wasMentioned bool
	cmdAuthed    bool
}

// buildContext assembles the agent-facing context for one event.
func (m *Monitor) buildContext(ci contextInput) pipeline.InboundContext {
	in := ci.in
	senderID := channels.FormatID(in.senderID)
	senderLabel := profileLabel(ci.profile, in.senderID)

	chatType := pipeline.PeerDirect
	to := "user:" + senderID
	label := senderLabel
	if ci.chat.IsGroup() {
		chatType = pipeline.PeerGroup
		to = "chat:" + channels.FormatID(in.chatID)
		label = ci.chat.Title
		if label == "" {
			label = fmt.Sprintf("chat:%d", in.chatID)
		}
	}

	body := fmt.Sprintf("[Inline %s] %s", label, in.text)
	if ci.chat.IsGroup() {
		body = fmt.Sprintf("[Inline %s] %s: %s", label, senderLabel, in.text)
	}

	ic := pipeline.InboundContext{
		Body:              body,
		RawBody:           in.text,
		HistoryText:       ci.history.Text,
		From:              channels.Name + ":" + senderID,
		To:                to,
		SessionKey:        ci.route.SessionKey,
		AgentID:           ci.route.AgentID,
		AccountID:         ci.route.AccountID,
		ChatType:          chatType,
		ConversationLabel: label,
		SenderID:          senderID,
		SenderName:        ci.profile.DisplayName,
		SenderUsername:    ci.profile.Username,
		Provider:          channels.Name,
		Surface:           channels.Name,
		MessageSid:        in.messageSid(),
		ReplyToBot:        ci.history.RepliedToBot,
		Timestamp:         in.timestamp,
		WasMentioned:      ci.wasMentioned,
		CommandAuthorized: ci.cmdAuthed,
		BlockStreaming:    m.cfg.BlockStreaming,
	}
	if ci.chat.IsGroup() {
		ic.GroupSubject = ci.chat.Title
	}
	if in.replyToID != 0 {
		ic.ReplyToID = channels.FormatID(in.replyToID)
	}
	if ci.history.ReplyToSenderID != 0 {
		ic.ReplyToSenderID = channels.FormatID(ci.history.ReplyToSenderID)
	}
	if in.reaction != nil {
		// Reactions only get here when they target one of our messages.
		ic.ReactionEmoji = in.reaction.Emoji
		ic.ReplyToID = channels.FormatID(in.reaction.TargetMessageID)
		ic.ReplyToBot = true
	}
	return ic
}

func profileLabel(p SenderProfile, userID int64) string {
	switch {
	case p.DisplayName != "" && p.Username != "":
		return fmt.Sprintf("%s (@%s)", p.DisplayName, p.Username)
	case p.Username != "":
		return "@" + p.Username
	case p.DisplayName != "":
		return p.DisplayName
	default:
		return fmt.Sprintf("user:%d", userID)
	}
}
