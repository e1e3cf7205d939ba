// Package console is a local stand-in for the Inline platform. Typed lines
// become inbound events in a simulated direct chat or group, and replies are
// printed back, so the whole monitor runs without a network.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"

	"github.com/jholhewres/inlineclaw/pkg/inlineclaw/channels"
)

// Simulated chats and accounts.
const (
	DirectChat int64 = 1
	GroupChat  int64 = 2
	BotID      int64 = 1000
)

// Config configures the console transport.
type Config struct {
	UserID      int64  `yaml:"user_id"`
	Username    string `yaml:"username"`
	FirstName   string `yaml:"first_name"`
	BotUsername string `yaml:"bot_username"`
	HistoryFile string `yaml:"history_file"`
}

// DefaultConfig returns the default console identities.
func DefaultConfig() Config {
	return Config{
		UserID:      42,
		Username:    "you",
		FirstName:   "You",
		BotUsername: "clawbot",
		HistoryFile: filepath.Join(os.TempDir(), ".inlineclaw_history"),
	}
}

const usage = `Type a message to talk to the bot in a direct chat.
  /group <text>          post in the group chat
  /reply <id> <text>     reply to message #id
  /react <emoji> <id>    react to message #id
  /unreact <emoji> <id>  remove a reaction
  /quit                  exit
Other /commands are sent as text.`

// Console implements channels.Transport on a terminal.
type Console struct {
	cfg    Config
	logger *slog.Logger
	out    io.Writer
	rl     *readline.Instance

	mu      sync.Mutex
	nextID  int64
	history map[int64][]channels.HistoryMessage
	uploads map[string]channels.Upload

	events    chan channels.InboundEvent
	closed    chan struct{}
	closeOnce sync.Once
}

// New creates a console transport writing to stdout.
func New(cfg Config, logger *slog.Logger) *Console {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.UserID == 0 {
		cfg.UserID = def.UserID
	}
	if cfg.Username == "" {
		cfg.Username = def.Username
	}
	if cfg.FirstName == "" {
		cfg.FirstName = def.FirstName
	}
	if cfg.BotUsername == "" {
		cfg.BotUsername = def.BotUsername
	}
	return &Console{
		cfg:     cfg,
		logger:  logger.With("component", "console"),
		out:     os.Stdout,
		history: make(map[int64][]channels.HistoryMessage),
		uploads: make(map[string]channels.Upload),
		events:  make(chan channels.InboundEvent, 16),
		closed:  make(chan struct{}),
	}
}

// Connect opens the terminal and starts reading lines.
func (c *Console) Connect(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "you> ",
		HistoryFile:     c.cfg.HistoryFile,
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("console: initializing readline: %w", err)
	}
	c.rl = rl
	c.out = rl.Stdout()

	fmt.Fprintln(c.out, usage)
	go c.readLoop()
	return nil
}

func (c *Console) readLoop() {
	defer c.Close()
	for {
		line, err := c.rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				return
			}
			c.logger.Warn("reading input", "error", err)
			continue
		}
		input := strings.TrimSpace(line)
		if input == "/quit" || input == "/exit" {
			return
		}
		ev, err := c.Feed(input)
		if err != nil {
			fmt.Fprintf(c.out, "! %v\n", err)
			continue
		}
		if ev == nil {
			continue
		}
		select {
		case c.events <- ev:
		case <-c.closed:
			return
		}
	}
}

// Feed turns one typed line into an event and records it in the simulated
// history. Blank lines yield (nil, nil).
func (c *Console) Feed(line string) (channels.InboundEvent, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, nil
	}

	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "/group":
		if rest == "" {
			return nil, fmt.Errorf("usage: /group <text>")
		}
		return c.post(GroupChat, rest, 0), nil

	case "/reply":
		idText, text, _ := strings.Cut(rest, " ")
		target, err := strconv.ParseInt(strings.TrimPrefix(idText, "#"), 10, 64)
		if err != nil || strings.TrimSpace(text) == "" {
			return nil, fmt.Errorf("usage: /reply <id> <text>")
		}
		chatID, ok := c.chatOf(target)
		if !ok {
			return nil, fmt.Errorf("no message #%d", target)
		}
		return c.post(chatID, strings.TrimSpace(text), target), nil

	case "/react", "/unreact":
		emoji, idText, _ := strings.Cut(rest, " ")
		target, err := strconv.ParseInt(strings.TrimPrefix(strings.TrimSpace(idText), "#"), 10, 64)
		if err != nil || emoji == "" {
			return nil, fmt.Errorf("usage: %s <emoji> <id>", cmd)
		}
		chatID, ok := c.chatOf(target)
		if !ok {
			return nil, fmt.Errorf("no message #%d", target)
		}
		r := channels.Reaction{
			ChatID:          chatID,
			Emoji:           emoji,
			UserID:          c.cfg.UserID,
			TargetMessageID: target,
			Timestamp:       time.Now(),
		}
		if cmd == "/react" {
			return channels.ReactionAdded{Reaction: r}, nil
		}
		return channels.ReactionRemoved{Reaction: r}, nil

	case "/help":
		fmt.Fprintln(c.out, usage)
		return nil, nil
	}

	return c.post(DirectChat, line, 0), nil
}

func (c *Console) post(chatID int64, text string, replyTo int64) channels.NewMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	msg := channels.NewMessage{
		ID:        c.nextID,
		ChatID:    chatID,
		FromID:    c.cfg.UserID,
		Text:      text,
		ReplyToID: replyTo,
		Timestamp: time.Now(),
	}
	c.history[chatID] = append(c.history[chatID], channels.HistoryMessage{
		ID:        msg.ID,
		FromID:    msg.FromID,
		Text:      msg.Text,
		ReplyToID: msg.ReplyToID,
		Timestamp: msg.Timestamp,
	})
	return msg
}

func (c *Console) chatOf(id int64) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for chatID, msgs := range c.history {
		for _, m := range msgs {
			if m.ID == id {
				return chatID, true
			}
		}
	}
	return 0, false
}

// Close stops reading. Safe to call more than once.
func (c *Console) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.rl != nil {
			c.rl.Close()
		}
	})
	return nil
}

// NextEvent returns the next typed event.
func (c *Console) NextEvent(ctx context.Context) (channels.InboundEvent, error) {
	select {
	case ev := <-c.events:
		return ev, nil
	case <-c.closed:
		return nil, channels.ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Me returns the simulated bot account.
func (c *Console) Me(ctx context.Context) (*channels.Me, error) {
	return &channels.Me{ID: BotID, Username: c.cfg.BotUsername}, nil
}

// GetChat describes the two simulated chats.
func (c *Console) GetChat(ctx context.Context, chatID int64) (*channels.ChatInfo, error) {
	switch chatID {
	case DirectChat:
		return &channels.ChatInfo{Kind: channels.ChatDirect}, nil
	case GroupChat:
		return &channels.ChatInfo{Kind: channels.ChatGroup, Title: "Console group"}, nil
	}
	return nil, fmt.Errorf("console: unknown chat %d", chatID)
}

// GetChatParticipants returns the typing user and the bot.
func (c *Console) GetChatParticipants(ctx context.Context, chatID int64) ([]channels.User, error) {
	return []channels.User{
		{ID: c.cfg.UserID, FirstName: c.cfg.FirstName, Username: c.cfg.Username},
		{ID: BotID, FirstName: "Claw", Username: c.cfg.BotUsername},
	}, nil
}

// GetChatHistory returns up to limit messages older than beforeID, newest last.
func (c *Console) GetChatHistory(ctx context.Context, chatID, beforeID int64, limit int) ([]channels.HistoryMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []channels.HistoryMessage
	for _, m := range c.history[chatID] {
		if beforeID == 0 || m.ID < beforeID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// GetMessage looks up a message in the simulated history.
func (c *Console) GetMessage(ctx context.Context, chatID, messageID int64) (*channels.HistoryMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.history[chatID] {
		if m.ID == messageID {
			return &m, nil
		}
	}
	return nil, channels.ErrMessageNotFound
}

// SendMessage prints the reply and records it as a bot message.
func (c *Console) SendMessage(ctx context.Context, req channels.SendRequest) (*channels.SendResult, error) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.history[req.ChatID] = append(c.history[req.ChatID], channels.HistoryMessage{
		ID:        id,
		FromID:    BotID,
		Text:      req.Text,
		ReplyToID: req.ReplyToID,
		Out:       true,
		Timestamp: time.Now(),
	})
	up, hasUpload := c.uploads[req.MediaID]
	c.mu.Unlock()

	where := "dm"
	if req.ChatID == GroupChat {
		where = "group"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[%s #%d", where, id)
	if req.ReplyToID != 0 {
		fmt.Fprintf(&b, " ->%d", req.ReplyToID)
	}
	b.WriteString("] bot: ")
	if hasUpload {
		fmt.Fprintf(&b, "<%s %s, %d bytes> ", up.Kind, up.FileName, len(up.Data))
	}
	b.WriteString(req.Text)
	fmt.Fprintln(c.out, b.String())

	return &channels.SendResult{MessageID: id}, nil
}

// SendTyping logs the indicator at debug level.
func (c *Console) SendTyping(ctx context.Context, chatID int64, typing bool) error {
	c.logger.Debug("typing", "chat_id", chatID, "on", typing)
	return nil
}

// UploadFile keeps the file in memory and returns a local id.
func (c *Console) UploadFile(ctx context.Context, up channels.Upload) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := fmt.Sprintf("console-file-%d", len(c.uploads)+1)
	c.uploads[id] = up
	return id, nil
}

// MarkRead is a no-op; the console has no unread state.
func (c *Console) MarkRead(ctx context.Context, chatID, maxID int64) error {
	return nil
}

var (
	_ channels.Transport  = (*Console)(nil)
	_ channels.ReadMarker = (*Console)(nil)
)
