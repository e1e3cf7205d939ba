// Package channels defines the transport contracts and event types shared by
// the Inline monitor and its transports. A transport owns the realtime
// connection and the RPC surface; the monitor only sees the interfaces below.
package channels

import (
	"context"
	"errors"
	"strconv"
	"time"
)

// Name is the channel identifier used for routing, pairing and sessions.
const Name = "inline"

// InboundEvent is a realtime event pulled from a transport. The set of
// implementations is closed: NewMessage, ReactionAdded and ReactionRemoved.
type InboundEvent interface {
	// Chat returns the chat the event belongs to.
	Chat() int64

	isInboundEvent()
}

// NewMessage is a message posted to a chat. Zero IDs mean "absent".
type NewMessage struct {
	ID        int64
	ChatID    int64
	FromID    int64
	Text      string
	Out       bool // authored by the connected account
	Mentioned bool // platform-side mention flag
	ReplyToID int64
	Timestamp time.Time
}

// Reaction carries the fields shared by added and removed reactions.
type Reaction struct {
	ChatID          int64
	Emoji           string
	UserID          int64
	TargetMessageID int64
	Timestamp       time.Time
}

// ReactionAdded is emitted when a user reacts to a message.
type ReactionAdded struct{ Reaction }

// ReactionRemoved is emitted when a user withdraws a reaction.
type ReactionRemoved struct{ Reaction }

func (m NewMessage) Chat() int64      { return m.ChatID }
func (r ReactionAdded) Chat() int64   { return r.ChatID }
func (r ReactionRemoved) Chat() int64 { return r.ChatID }

func (NewMessage) isInboundEvent()      {}
func (ReactionAdded) isInboundEvent()   {}
func (ReactionRemoved) isInboundEvent() {}

// ChatKind distinguishes one-to-one chats from multi-party chats.
type ChatKind string

const (
	ChatDirect ChatKind = "direct"
	ChatGroup  ChatKind = "group"
)

// ChatInfo is the resolved metadata of a chat.
type ChatInfo struct {
	Kind  ChatKind
	Title string
}

// IsGroup reports whether the chat is multi-party.
func (c ChatInfo) IsGroup() bool { return c.Kind == ChatGroup }

// User is a chat participant as returned by the platform.
type User struct {
	ID        int64
	FirstName string
	LastName  string
	Username  string
}

// Me identifies the connected bot account.
type Me struct {
	ID       int64
	Username string
}

// HistoryMessage is a message returned by history or point lookups.
type HistoryMessage struct {
	ID        int64
	FromID    int64
	Text      string
	ReplyToID int64
	Out       bool
	Timestamp time.Time
}

// UploadKind is the native media kind an upload is stored as.
type UploadKind string

const (
	UploadPhoto    UploadKind = "photo"
	UploadVideo    UploadKind = "video"
	UploadDocument UploadKind = "document"
)

// Upload is a file handed to UploadFile.
type Upload struct {
	Kind        UploadKind
	FileName    string
	ContentType string
	Data        []byte
}

// SendRequest is an outgoing message. MediaID refers to a previously
// uploaded file; MediaKind must be set with it.
type SendRequest struct {
	ChatID        int64
	Text          string
	ReplyToID     int64
	ParseMarkdown bool
	MediaID       string
	MediaKind     UploadKind
}

// SendResult is returned by SendMessage.
type SendResult struct {
	MessageID int64
}

// EventSource yields realtime events one at a time.
type EventSource interface {
	// NextEvent blocks until the next event arrives. After Close it returns
	// ErrTransportClosed.
	NextEvent(ctx context.Context) (InboundEvent, error)
}

// ChatDirectory answers metadata and history queries.
type ChatDirectory interface {
	GetChat(ctx context.Context, chatID int64) (*ChatInfo, error)
	GetChatParticipants(ctx context.Context, chatID int64) ([]User, error)

	// GetChatHistory returns up to limit messages older than beforeID.
	// beforeID == 0 means "latest".
	GetChatHistory(ctx context.Context, chatID, beforeID int64, limit int) ([]HistoryMessage, error)

	// GetMessage looks up a single message. Returns ErrMessageNotFound when
	// the platform has no such message.
	GetMessage(ctx context.Context, chatID, messageID int64) (*HistoryMessage, error)
}

// Messenger sends messages, typing indicators and uploads.
type Messenger interface {
	SendMessage(ctx context.Context, req SendRequest) (*SendResult, error)
	SendTyping(ctx context.Context, chatID int64, typing bool) error
	UploadFile(ctx context.Context, up Upload) (string, error)
}

// Transport is the full realtime + RPC surface the monitor needs.
type Transport interface {
	EventSource
	ChatDirectory
	Messenger

	Connect(ctx context.Context) error
	Close() error
	Me(ctx context.Context) (*Me, error)
}

// ReadMarker is implemented by transports that can mark messages as read.
type ReadMarker interface {
	MarkRead(ctx context.Context, chatID, maxID int64) error
}

// FormatID renders a platform id the way allowlists and session keys use it.
func FormatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// Common errors.
var (
	ErrTransportClosed = errors.New("channels: transport closed")
	ErrNotConnected    = errors.New("channels: not connected")
	ErrMessageNotFound = errors.New("channels: message not found")
)
