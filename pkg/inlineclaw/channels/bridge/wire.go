package bridge

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jholhewres/inlineclaw/pkg/inlineclaw/channels"
)

// Envelope types.
const (
	typeConnectionInit  = "connection_init"
	typeConnectionOpen  = "connection_open"
	typeConnectionError = "connection_error"
	typeRPCCall         = "rpc_call"
	typeRPCResult       = "rpc_result"
	typeRPCError        = "rpc_error"
	typeEvent           = "event"
)

// Server-pushed event names.
const (
	eventNewMessage      = "newMessage"
	eventReactionAdded   = "reactionAdded"
	eventReactionRemoved = "reactionRemoved"
)

// envelope is the single frame shape exchanged with the sidecar.
type envelope struct {
	Type   string          `json:"type"`
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params any             `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
	Event  string          `json:"event,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	Token  string          `json:"token,omitempty"`
}

// RPC error codes reported by the platform.
const (
	CodeBadRequest        = 1
	CodeUnauthenticated   = 2
	CodeRateLimited       = 3
	CodeInternal          = 4
	CodeInvalidPeer       = 5
	CodeInvalidMessageID  = 6
	CodeInvalidUserID     = 7
	CodeUserAlreadyInChat = 8
	CodeInvalidSpaceID    = 9
	CodeInvalidChatID     = 10
)

var codeLabels = map[int]string{
	CodeBadRequest:        "Bad request",
	CodeUnauthenticated:   "Not authenticated",
	CodeRateLimited:       "Rate limited",
	CodeInternal:          "Internal server error",
	CodeInvalidPeer:       "Invalid peer (chat/user id)",
	CodeInvalidMessageID:  "Invalid message id",
	CodeInvalidUserID:     "Invalid user id",
	CodeUserAlreadyInChat: "User already in chat/space",
	CodeInvalidSpaceID:    "Invalid space id",
	CodeInvalidChatID:     "Invalid chat id",
}

// RPCError is a failed RPC as reported by the sidecar.
type RPCError struct {
	Code    int    `json:"code"`
	Status  int    `json:"status,omitempty"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	label, ok := codeLabels[e.Code]
	if !ok {
		label = "Unknown RPC error"
	}
	s := "inline rpc: " + label
	if e.Message != "" && e.Message != label {
		s += ": " + e.Message
	}
	if e.Status != 0 {
		s += fmt.Sprintf(" (HTTP %d)", e.Status)
	}
	return s
}

// Is lets callers match an invalid message id with channels.ErrMessageNotFound.
func (e *RPCError) Is(target error) bool {
	return target == channels.ErrMessageNotFound && e.Code == CodeInvalidMessageID
}

type wireUser struct {
	ID        int64  `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Username  string `json:"username"`
}

func (u wireUser) user() channels.User {
	return channels.User{ID: u.ID, FirstName: u.FirstName, LastName: u.LastName, Username: u.Username}
}

type wireChat struct {
	ID    int64  `json:"id"`
	Type  string `json:"type"` // "private", "group" or "thread"
	Title string `json:"title"`
}

func (c wireChat) info() *channels.ChatInfo {
	kind := channels.ChatGroup
	if c.Type == "private" || c.Type == "direct" {
		kind = channels.ChatDirect
	}
	return &channels.ChatInfo{Kind: kind, Title: c.Title}
}

type wireMessage struct {
	ID        int64  `json:"id"`
	ChatID    int64  `json:"chatId"`
	FromID    int64  `json:"fromId"`
	Text      string `json:"text"`
	Out       bool   `json:"out"`
	Mentioned bool   `json:"mentioned"`
	ReplyToID int64  `json:"replyToMsgId"`
	Date      int64  `json:"date"`
}

func (m wireMessage) event() channels.NewMessage {
	return channels.NewMessage{
		ID:        m.ID,
		ChatID:    m.ChatID,
		FromID:    m.FromID,
		Text:      m.Text,
		Out:       m.Out,
		Mentioned: m.Mentioned,
		ReplyToID: m.ReplyToID,
		Timestamp: unixTime(m.Date),
	}
}

func (m wireMessage) history() channels.HistoryMessage {
	return channels.HistoryMessage{
		ID:        m.ID,
		FromID:    m.FromID,
		Text:      m.Text,
		ReplyToID: m.ReplyToID,
		Out:       m.Out,
		Timestamp: unixTime(m.Date),
	}
}

type wireReaction struct {
	ChatID    int64  `json:"chatId"`
	Emoji     string `json:"emoji"`
	UserID    int64  `json:"userId"`
	MessageID int64  `json:"messageId"`
	Date      int64  `json:"date"`
}

func (r wireReaction) reaction() channels.Reaction {
	return channels.Reaction{
		ChatID:          r.ChatID,
		Emoji:           r.Emoji,
		UserID:          r.UserID,
		TargetMessageID: r.MessageID,
		Timestamp:       unixTime(r.Date),
	}
}

// decodeEvent maps a pushed event to an InboundEvent. Unknown events return
// (nil, nil).
func decodeEvent(name string, data json.RawMessage) (channels.InboundEvent, error) {
	switch name {
	case eventNewMessage:
		var m wireMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", name, err)
		}
		return m.event(), nil
	case eventReactionAdded, eventReactionRemoved:
		var r wireReaction
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", name, err)
		}
		if name == eventReactionAdded {
			return channels.ReactionAdded{Reaction: r.reaction()}, nil
		}
		return channels.ReactionRemoved{Reaction: r.reaction()}, nil
	}
	return nil, nil
}

func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}
