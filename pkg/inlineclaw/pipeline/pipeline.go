// Package pipeline defines the boundary between the Inline monitor and the
// agent reply system: route resolution, session recording and reply dispatch.
package pipeline

import (
	"context"
	"strings"
	"time"
)

// PeerKind distinguishes direct conversations from group conversations.
type PeerKind string

const (
	PeerDirect PeerKind = "direct"
	PeerGroup  PeerKind = "group"
)

// Peer identifies the conversation a route is resolved for. Direct peers are
// keyed by sender id, group peers by chat id.
type Peer struct {
	Channel   string
	AccountID string
	Kind      PeerKind
	ID        string
}

// Route is the resolved agent + session for a peer.
type Route struct {
	AgentID        string
	SessionKey     string
	MainSessionKey string
	AccountID      string
}

// InboundContext is everything the agent needs to answer one inbound event.
type InboundContext struct {
	Body               string    `json:"body"`
	RawBody            string    `json:"rawBody"`
	CommandBody        string    `json:"commandBody,omitempty"`
	HistoryText        string    `json:"history,omitempty"`
	From               string    `json:"from"`
	To                 string    `json:"to"`
	SessionKey         string    `json:"sessionKey"`
	AgentID            string    `json:"agentId"`
	AccountID          string    `json:"accountId,omitempty"`
	ChatType           PeerKind  `json:"chatType"`
	ConversationLabel  string    `json:"conversationLabel,omitempty"`
	GroupSubject       string    `json:"groupSubject,omitempty"`
	SenderID           string    `json:"senderId"`
	SenderName         string    `json:"senderName,omitempty"`
	SenderUsername     string    `json:"senderUsername,omitempty"`
	Provider           string    `json:"provider"`
	Surface            string    `json:"surface"`
	MessageSid         string    `json:"messageSid"`
	ReplyToID          string    `json:"replyToId,omitempty"`
	ReplyToSenderID    string    `json:"replyToSenderId,omitempty"`
	ReplyToBot         bool      `json:"replyToBot,omitempty"`
	ReactionEmoji      string    `json:"reactionEmoji,omitempty"`
	Timestamp          time.Time `json:"timestamp"`
	WasMentioned       bool      `json:"wasMentioned"`
	CommandAuthorized  bool      `json:"commandAuthorized"`
	OriginatingChannel string    `json:"originatingChannel"`
	OriginatingTo      string    `json:"originatingTo"`
	BlockStreaming     bool      `json:"blockStreaming,omitempty"`
}

// LastRoute moves the main session's "last heard from" pointer.
type LastRoute struct {
	SessionKey string
	Channel    string
	To         string
	AccountID  string
}

// ReplyPayload is one reply produced by the agent.
type ReplyPayload struct {
	Text      string   `json:"text,omitempty"`
	MediaURLs []string `json:"mediaUrls,omitempty"`
	ReplyToID int64    `json:"replyToId,omitempty"`
}

// Dispatcher delivers replies and drives the typing indicator for one event.
type Dispatcher interface {
	Deliver(ctx context.Context, payload ReplyPayload) error
	StartTyping(ctx context.Context) error
	StopTyping(ctx context.Context) error
}

// Pipeline is the reply system the monitor hands inbound events to.
type Pipeline interface {
	ResolveAgentRoute(ctx context.Context, peer Peer) (Route, error)
	FinalizeInboundContext(ic InboundContext) InboundContext
	RecordInboundSession(ctx context.Context, ic InboundContext, last *LastRoute) error
	DispatchReply(ctx context.Context, ic InboundContext, d Dispatcher, timeout time.Duration) error
}

// FinalizeContext fills derived fields and trims the free-text ones. It is
// the default FinalizeInboundContext behavior.
func FinalizeContext(ic InboundContext) InboundContext {
	ic.Body = strings.TrimSpace(ic.Body)
	ic.RawBody = strings.TrimSpace(ic.RawBody)
	if ic.CommandBody == "" {
		ic.CommandBody = ic.RawBody
	}
	if ic.Body == "" {
		ic.Body = ic.RawBody
	}
	if ic.Surface == "" {
		ic.Surface = ic.Provider
	}
	if ic.OriginatingChannel == "" {
		ic.OriginatingChannel = ic.Provider
	}
	if ic.OriginatingTo == "" {
		ic.OriginatingTo = ic.To
	}
	if ic.ChatType == "" {
		ic.ChatType = PeerDirect
	}
	if ic.Timestamp.IsZero() {
		ic.Timestamp = time.Now()
	}
	return ic
}
