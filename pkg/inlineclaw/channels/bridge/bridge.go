// Package bridge implements channels.Transport against an Inline protocol
// sidecar. Realtime events and RPCs share one websocket carrying JSON
// envelopes; file uploads go through the HTTP API.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/jholhewres/inlineclaw/pkg/inlineclaw/channels"
)

// Config configures the bridge transport.
type Config struct {
	// Token is the bot token presented in connection_init.
	Token string `yaml:"token" env:"INLINE_TOKEN"`

	// APIBaseURL is the HTTP API root used for uploads.
	APIBaseURL string `yaml:"api_base_url" env:"INLINE_API_BASE_URL"`

	// RealtimeURL is the sidecar websocket endpoint.
	RealtimeURL string `yaml:"realtime_url" env:"INLINE_REALTIME_URL"`

	// RequestsPerSecond paces RPC calls (default: 20, burst 5).
	RequestsPerSecond float64 `yaml:"requests_per_second"`

	// EventBuffer is the number of events handed to the monitor without
	// backlog (default: 256). Events beyond it wait in an overflow backlog,
	// logged each time the backlog grows by another EventBuffer.
	EventBuffer int `yaml:"event_buffer"`

	// HandshakeTimeout bounds dial plus connection_open (default: 15s).
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// DefaultConfig returns the default bridge configuration.
func DefaultConfig() Config {
	return Config{
		APIBaseURL:        "https://api.inline.chat/v1",
		RealtimeURL:       "ws://127.0.0.1:8787/realtime",
		RequestsPerSecond: 20,
		EventBuffer:       256,
		HandshakeTimeout:  15 * time.Second,
	}
}

type rpcResponse struct {
	result json.RawMessage
	err    error
}

// Bridge is a websocket client for the Inline sidecar.
type Bridge struct {
	cfg     Config
	logger  *slog.Logger
	client  *http.Client
	limiter *rate.Limiter

	conn    *websocket.Conn
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan rpcResponse
	seq       atomic.Uint64

	events    chan channels.InboundEvent
	eventsMu  sync.Mutex
	backlog   []channels.InboundEvent
	connected chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New creates a bridge. Connect must be called before use.
func New(cfg Config, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = def.RequestsPerSecond
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	return &Bridge{
		cfg:       cfg,
		logger:    logger.With("component", "inline-bridge"),
		client:    &http.Client{Timeout: 60 * time.Second},
		limiter:   rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 5),
		pending:   make(map[string]chan rpcResponse),
		events:    make(chan channels.InboundEvent, cfg.EventBuffer),
		connected: make(chan struct{}),
		closed:    make(chan struct{}),
	}
}

// Connect dials the sidecar, authenticates and starts the reader.
func (b *Bridge) Connect(ctx context.Context) error {
	if b.cfg.Token == "" {
		return fmt.Errorf("inline bridge: token is required")
	}
	select {
	case <-b.closed:
		return channels.ErrTransportClosed
	case <-b.connected:
		return fmt.Errorf("inline bridge: already connected")
	default:
	}

	hctx, cancel := context.WithTimeout(ctx, b.cfg.HandshakeTimeout)
	defer cancel()

	dialer := *websocket.DefaultDialer
	conn, _, err := dialer.DialContext(hctx, b.cfg.RealtimeURL, nil)
	if err != nil {
		return fmt.Errorf("inline bridge: dial %s: %w", b.cfg.RealtimeURL, err)
	}

	if err := conn.WriteJSON(envelope{Type: typeConnectionInit, Token: b.cfg.Token}); err != nil {
		conn.Close()
		return fmt.Errorf("inline bridge: sending connection_init: %w", err)
	}

	if deadline, ok := hctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}
	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			conn.Close()
			return fmt.Errorf("inline bridge: waiting for connection_open: %w", err)
		}
		if env.Type == typeConnectionOpen {
			break
		}
		if env.Type == typeConnectionError {
			conn.Close()
			if env.Error != nil {
				return fmt.Errorf("inline bridge: connection rejected: %w", env.Error)
			}
			return fmt.Errorf("inline bridge: connection rejected")
		}
	}
	conn.SetReadDeadline(time.Time{})

	b.conn = conn
	close(b.connected)
	go b.readLoop()

	b.logger.Info("connected", "url", b.cfg.RealtimeURL)
	return nil
}

// Close shuts the connection down. Pending calls fail and NextEvent returns
// ErrTransportClosed. Safe to call more than once.
func (b *Bridge) Close() error {
	b.shutdown(nil)
	return nil
}

func (b *Bridge) shutdown(cause error) {
	b.closeOnce.Do(func() {
		b.closeErr = cause
		close(b.closed)
		if b.conn != nil {
			b.writeMu.Lock()
			_ = b.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			b.writeMu.Unlock()
			b.conn.Close()
		}

		b.pendingMu.Lock()
		for id, ch := range b.pending {
			ch <- rpcResponse{err: channels.ErrTransportClosed}
			delete(b.pending, id)
		}
		b.pendingMu.Unlock()

		if cause != nil {
			b.logger.Warn("connection lost", "error", cause)
		} else {
			b.logger.Info("closed")
		}
	})
}

// NextEvent blocks until an event arrives, the context ends or the bridge
// closes.
func (b *Bridge) NextEvent(ctx context.Context) (channels.InboundEvent, error) {
	select {
	case ev := <-b.events:
		b.refill()
		return ev, nil
	case <-b.closed:
		if b.closeErr != nil {
			return nil, fmt.Errorf("%w: %v", channels.ErrTransportClosed, b.closeErr)
		}
		return nil, channels.ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *Bridge) readLoop() {
	for {
		var env envelope
		if err := b.conn.ReadJSON(&env); err != nil {
			select {
			case <-b.closed:
			default:
				b.shutdown(err)
			}
			return
		}

		switch env.Type {
		case typeRPCResult:
			b.resolve(env.ID, rpcResponse{result: env.Result})
		case typeRPCError:
			rpcErr := env.Error
			if rpcErr == nil {
				rpcErr = &RPCError{Message: "empty error"}
			}
			b.resolve(env.ID, rpcResponse{err: rpcErr})
		case typeEvent:
			b.enqueue(env.Event, env.Data)
		case typeConnectionError:
			err := errors.New("connection error")
			if env.Error != nil {
				err = env.Error
			}
			b.shutdown(err)
			return
		default:
			b.logger.Debug("ignoring frame", "type", env.Type)
		}
	}
}

func (b *Bridge) resolve(id string, resp rpcResponse) {
	b.pendingMu.Lock()
	ch, ok := b.pending[id]
	delete(b.pending, id)
	b.pendingMu.Unlock()
	if !ok {
		b.logger.Debug("result for unknown call", "id", id)
		return
	}
	ch <- resp
}

func (b *Bridge) enqueue(name string, data json.RawMessage) {
	ev, err := decodeEvent(name, data)
	if err != nil {
		b.logger.Warn("bad event", "event", name, "error", err)
		return
	}
	if ev == nil {
		b.logger.Debug("ignoring event", "event", name)
		return
	}
	// The reader must never block: the monitor waits on RPC results while
	// it handles an event.
	b.eventsMu.Lock()
	defer b.eventsMu.Unlock()
	if len(b.backlog) == 0 {
		select {
		case b.events <- ev:
			return
		default:
		}
	}
	b.backlog = append(b.backlog, ev)
	if n := len(b.backlog); n%b.cfg.EventBuffer == 1 || b.cfg.EventBuffer == 1 {
		b.logger.Warn("event queue full, backlogging", "event", name, "chat_id", ev.Chat(), "backlog", n)
	}
}

// refill moves backlogged events into the queue in arrival order.
func (b *Bridge) refill() {
	b.eventsMu.Lock()
	defer b.eventsMu.Unlock()
	for len(b.backlog) > 0 {
		select {
		case b.events <- b.backlog[0]:
			b.backlog[0] = nil
			b.backlog = b.backlog[1:]
		default:
			return
		}
	}
}

// Backlog reports how many events are waiting behind a full queue.
func (b *Bridge) Backlog() int {
	b.eventsMu.Lock()
	defer b.eventsMu.Unlock()
	return len(b.backlog)
}

// call performs one RPC and decodes its result into out (when non-nil).
func (b *Bridge) call(ctx context.Context, method string, params, out any) error {
	select {
	case <-b.connected:
	default:
		return channels.ErrNotConnected
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}

	id := strconv.FormatUint(b.seq.Add(1), 10)
	ch := make(chan rpcResponse, 1)

	b.pendingMu.Lock()
	select {
	case <-b.closed:
		b.pendingMu.Unlock()
		return channels.ErrTransportClosed
	default:
	}
	b.pending[id] = ch
	b.pendingMu.Unlock()

	b.writeMu.Lock()
	err := b.conn.WriteJSON(envelope{Type: typeRPCCall, ID: id, Method: method, Params: params})
	b.writeMu.Unlock()
	if err != nil {
		b.forget(id)
		return fmt.Errorf("inline bridge: %s: %w", method, err)
	}

	select {
	case resp := <-ch:
		if resp.err != nil {
			return fmt.Errorf("inline bridge: %s: %w", method, resp.err)
		}
		if out == nil || len(resp.result) == 0 {
			return nil
		}
		if err := json.Unmarshal(resp.result, out); err != nil {
			return fmt.Errorf("inline bridge: decoding %s result: %w", method, err)
		}
		return nil
	case <-ctx.Done():
		b.forget(id)
		return ctx.Err()
	}
}

func (b *Bridge) forget(id string) {
	b.pendingMu.Lock()
	delete(b.pending, id)
	b.pendingMu.Unlock()
}

// Me returns the connected bot account.
func (b *Bridge) Me(ctx context.Context) (*channels.Me, error) {
	var res struct {
		User wireUser `json:"user"`
	}
	if err := b.call(ctx, "getMe", nil, &res); err != nil {
		return nil, err
	}
	return &channels.Me{ID: res.User.ID, Username: res.User.Username}, nil
}

// GetChat returns chat metadata.
func (b *Bridge) GetChat(ctx context.Context, chatID int64) (*channels.ChatInfo, error) {
	var res struct {
		Chat wireChat `json:"chat"`
	}
	if err := b.call(ctx, "getChat", map[string]any{"chatId": chatID}, &res); err != nil {
		return nil, err
	}
	return res.Chat.info(), nil
}

// GetChatParticipants lists the users of a chat.
func (b *Bridge) GetChatParticipants(ctx context.Context, chatID int64) ([]channels.User, error) {
	var res struct {
		Users []wireUser `json:"users"`
	}
	if err := b.call(ctx, "getChatParticipants", map[string]any{"chatId": chatID}, &res); err != nil {
		return nil, err
	}
	users := make([]channels.User, 0, len(res.Users))
	for _, u := range res.Users {
		users = append(users, u.user())
	}
	return users, nil
}

// GetChatHistory returns up to limit messages older than beforeID.
func (b *Bridge) GetChatHistory(ctx context.Context, chatID, beforeID int64, limit int) ([]channels.HistoryMessage, error) {
	params := map[string]any{"chatId": chatID, "limit": limit}
	if beforeID > 0 {
		params["offsetId"] = beforeID
	}
	var res struct {
		Messages []wireMessage `json:"messages"`
	}
	if err := b.call(ctx, "getChatHistory", params, &res); err != nil {
		return nil, err
	}
	out := make([]channels.HistoryMessage, 0, len(res.Messages))
	for _, m := range res.Messages {
		out = append(out, m.history())
	}
	return out, nil
}

// GetMessage looks up one message by id.
func (b *Bridge) GetMessage(ctx context.Context, chatID, messageID int64) (*channels.HistoryMessage, error) {
	var res struct {
		Messages []wireMessage `json:"messages"`
	}
	params := map[string]any{"chatId": chatID, "messageIds": []int64{messageID}}
	if err := b.call(ctx, "getMessages", params, &res); err != nil {
		return nil, err
	}
	for _, m := range res.Messages {
		if m.ID == messageID {
			h := m.history()
			return &h, nil
		}
	}
	return nil, channels.ErrMessageNotFound
}

// SendMessage posts a message, optionally with previously uploaded media.
func (b *Bridge) SendMessage(ctx context.Context, req channels.SendRequest) (*channels.SendResult, error) {
	params := map[string]any{"chatId": req.ChatID}
	if req.Text != "" {
		params["text"] = req.Text
	}
	if req.ReplyToID != 0 {
		params["replyToMsgId"] = req.ReplyToID
	}
	if req.ParseMarkdown {
		params["parseMarkdown"] = true
	}
	if req.MediaID != "" {
		params["media"] = map[string]any{"kind": req.MediaKind, "id": req.MediaID}
	}
	var res struct {
		MessageID int64 `json:"messageId"`
	}
	if err := b.call(ctx, "sendMessage", params, &res); err != nil {
		return nil, err
	}
	return &channels.SendResult{MessageID: res.MessageID}, nil
}

// SendTyping starts or stops the typing indicator.
func (b *Bridge) SendTyping(ctx context.Context, chatID int64, typing bool) error {
	action := ""
	if typing {
		action = "typing"
	}
	return b.call(ctx, "sendComposeAction", map[string]any{"chatId": chatID, "action": action}, nil)
}

// MarkRead marks messages up to maxID as read.
func (b *Bridge) MarkRead(ctx context.Context, chatID, maxID int64) error {
	return b.call(ctx, "readMessages", map[string]any{"chatId": chatID, "maxId": maxID}, nil)
}

// Compile-time interface verification.
var (
	_ channels.Transport  = (*Bridge)(nil)
	_ channels.ReadMarker = (*Bridge)(nil)
)
