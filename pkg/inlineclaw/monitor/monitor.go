// Package monitor consumes realtime Inline events, applies access policy and
// mention gating, builds conversational context and hands it to the reply
// pipeline, then delivers the replies back to the chat.
//
// Events are processed strictly one at a time in stream order. Caches are
// owned by the Monitor and live as long as it does.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jholhewres/inlineclaw/pkg/inlineclaw/channels"
	"github.com/jholhewres/inlineclaw/pkg/inlineclaw/media"
	"github.com/jholhewres/inlineclaw/pkg/inlineclaw/pipeline"
)

// State is the monitor lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateConnected State = "connected"
	StateRunning   State = "running"
	StateStopping  State = "stopping"
	StateStopped   State = "stopped"
)

// ErrNotIdle is returned by Run on a monitor that was already started or
// stopped.
var ErrNotIdle = errors.New("monitor: not idle")

// Options wires a Monitor to its collaborators.
type Options struct {
	Config    Config
	Transport channels.Transport
	Pipeline  pipeline.Pipeline

	// Pairing may be nil, in which case the persisted allowlist is empty and
	// pairing requests are not issued.
	Pairing PairingStore

	// Media defaults to a media.Loader confined to Config.MediaLocalRoots.
	Media MediaLoader

	Logger *slog.Logger
}

// Monitor runs the inbound event loop for one account.
type Monitor struct {
	cfg       Config
	transport channels.Transport
	pipeline  pipeline.Pipeline
	pairing   PairingStore
	media     MediaLoader
	logger    *slog.Logger

	chats    *ChatCache
	senders  *SenderCache
	botMsgs  *BotMessageMemory
	mentions *mentionMatcher

	botID       int64
	botUsername string

	mu        sync.Mutex
	state     State
	cancel    context.CancelFunc
	stopOnce  sync.Once
	closeOnce sync.Once
}

// New creates a monitor in the Idle state.
func New(opts Options) (*Monitor, error) {
	if opts.Transport == nil {
		return nil, errors.New("monitor: transport is required")
	}
	if opts.Pipeline == nil {
		return nil, errors.New("monitor: pipeline is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "inline-monitor")

	cfg := opts.Config.normalize()
	loader := opts.Media
	if loader == nil {
		loader = media.NewLoader(cfg.MediaLocalRoots, cfg.mediaMaxBytes())
	}

	return &Monitor{
		cfg:       cfg,
		transport: opts.Transport,
		pipeline:  opts.Pipeline,
		pairing:   opts.Pairing,
		media:     loader,
		logger:    logger,
		chats:     NewChatCache(opts.Transport, logger),
		senders:   NewSenderCache(opts.Transport, logger),
		botMsgs:   NewBotMessageMemory(cfg.BotMessageCap),
		state:     StateIdle,
	}, nil
}

// State returns the current lifecycle state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Monitor) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// advance moves to s unless a stop is already under way.
func (m *Monitor) advance(s State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateStopping || m.state == StateStopped {
		return false
	}
	m.state = s
	return true
}

// Run connects the transport and processes events until ctx is cancelled,
// Stop is called, or the transport fails. Cancellation and Stop return nil;
// transport errors are returned.
func (m *Monitor) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return ErrNotIdle
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	defer func() {
		cancel()
		m.closeTransport()
		m.setState(StateStopped)
		m.logger.Info("monitor stopped")
	}()

	if err := m.transport.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("monitor: connect: %w", err)
	}
	m.advance(StateConnected)

	me, err := m.transport.Me(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("monitor: identify bot: %w", err)
	}
	m.botID = me.ID
	m.botUsername = me.Username
	m.mentions = newMentionMatcher(m.cfg.MentionPatterns, me.Username, m.logger)

	// Stop may have raced the handshake.
	if !m.advance(StateRunning) {
		return nil
	}

	m.logger.Info("monitor running", "bot_id", me.ID, "bot_username", me.Username,
		"dm_policy", m.cfg.DMPolicy, "group_policy", m.cfg.GroupPolicy)

	// Cancellation closes the transport, which unblocks NextEvent.
	go func() {
		<-ctx.Done()
		m.closeTransport()
	}()

	// Work already started finishes even if we are asked to stop.
	work := context.WithoutCancel(ctx)

	for {
		if ctx.Err() != nil {
			return nil
		}
		evt, err := m.transport.NextEvent(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("monitor: read event: %w", err)
		}
		m.processEvent(work, evt)
	}
}

// Stop requests shutdown. It is safe to call any number of times and from
// any goroutine. Events still queued in the transport are not processed.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		cancel := m.cancel
		if cancel == nil {
			m.state = StateStopped
			m.mu.Unlock()
			return
		}
		if m.state != StateStopped {
			m.state = StateStopping
		}
		m.mu.Unlock()

		m.logger.Info("monitor stopping")
		cancel()
		m.closeTransport()
	})
}

func (m *Monitor) closeTransport() {
	m.closeOnce.Do(func() {
		if err := m.transport.Close(); err != nil {
			m.logger.Debug("transport close", "error", err)
		}
	})
}

// processEvent handles one event. Panics and errors are logged and never
// escape, so one bad event cannot stop the loop.
func (m *Monitor) processEvent(ctx context.Context, evt channels.InboundEvent) {
	if evt == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("event handler panicked", "chat_id", evt.Chat(), "panic", r)
		}
	}()

	var err error
	switch e := evt.(type) {
	case channels.NewMessage:
		err = m.handleMessage(ctx, e)
	case channels.ReactionAdded:
		err = m.handleReaction(ctx, e.Reaction, false)
	case channels.ReactionRemoved:
		err = m.handleReaction(ctx, e.Reaction, true)
	default:
		m.logger.Debug("ignoring unknown event", "type", fmt.Sprintf("%T", evt))
	}
	if err != nil {
		m.logger.Warn("event processing failed", "chat_id", evt.Chat(), "error", err)
	}
}

func (m *Monitor) handleMessage(ctx context.Context, msg channels.NewMessage) error {
	// Echoes of our own sends never reach the caches or the pipeline.
	if msg.Out || (m.botID != 0 && msg.FromID == m.botID) {
		return nil
	}
	return m.handleInbound(ctx, inboundFromMessage(msg))
}

// handleReaction only lets through reactions by others on bot messages.
func (m *Monitor) handleReaction(ctx context.Context, r channels.Reaction, removed bool) error {
	if m.botID != 0 && r.UserID == m.botID {
		return nil
	}
	if !m.isBotMessage(ctx, r.ChatID, r.TargetMessageID) {
		m.logger.Debug("ignoring reaction on non-bot message", "chat_id", r.ChatID, "msg_id", r.TargetMessageID)
		return nil
	}
	return m.handleInbound(ctx, inboundFromReaction(r, removed))
}

func (m *Monitor) handleInbound(ctx context.Context, in inbound) error {
	logger := m.logger.With("chat_id", in.chatID, "from", in.senderID, "msg_id", in.messageID)

	// ── Step 1: chat metadata ──
	chat := m.chats.Resolve(ctx, in.chatID)
	isGroup := chat.IsGroup()
	profile, _ := m.senders.Resolve(ctx, in.chatID, in.senderID)
	sender := Sender{ID: channels.FormatID(in.senderID), Username: profile.Username}

	// ── Step 2: command gate ──
	stored := m.readAllowlist(ctx, logger)
	hasCommand := m.cfg.Commands.Text && in.reaction == nil && isControlCommand(in.text)
	cmdAuthorized := m.cfg.CommandAuthorized(isGroup, sender, stored)

	// ── Step 3: access policy ──
	if isGroup {
		if d := m.cfg.EvaluateGroup(sender, stored); !d.Allowed {
			logger.Debug("group message rejected", "reason", d.Reason)
			return nil
		}
		if hasCommand && !cmdAuthorized {
			logger.Info("blocked control command from unauthorized sender")
			return nil
		}
	} else {
		d := m.cfg.EvaluateDM(sender, stored)
		if !d.Allowed {
			if d.NeedsPairing {
				m.requestPairing(ctx, in, profile, logger)
			} else {
				logger.Debug("direct message rejected", "reason", d.Reason)
			}
			return nil
		}
	}

	// ── Step 4: route ──
	peer := pipeline.Peer{Channel: channels.Name, AccountID: m.cfg.AccountID, Kind: pipeline.PeerDirect, ID: sender.ID}
	if isGroup {
		peer.Kind = pipeline.PeerGroup
		peer.ID = channels.FormatID(in.chatID)
	}
	route, err := m.pipeline.ResolveAgentRoute(ctx, peer)
	if err != nil {
		return fmt.Errorf("resolve route: %w", err)
	}

	// ── Step 5: mention gating ──
	limit := m.cfg.dmHistoryLimit()
	if isGroup {
		limit = m.cfg.groupHistoryLimit()
	}
	var history *HistoryContext

	wasMentioned := in.mentioned || m.mentions.matches(in.text)
	if isGroup && !wasMentioned && m.cfg.RequiresMention(channels.FormatID(in.chatID)) {
		implicit := in.reaction != nil
		if !implicit && in.replyToID != 0 && m.cfg.ReplyToBotWithoutMention {
			h := m.buildHistory(ctx, in.chatID, in.messageID, in.replyToID, limit)
			history = &h
			implicit = h.RepliedToBot
		}
		bypass := hasCommand && cmdAuthorized
		if !implicit && !bypass {
			logger.Debug("skipping group message without mention")
			return nil
		}
		wasMentioned = true
	}

	// ── Step 6: history ──
	if history == nil {
		h := m.buildHistory(ctx, in.chatID, in.messageID, in.replyToID, limit)
		history = &h
	}

	// ── Step 7: context + session ──
	ic := m.buildContext(contextInput{
		in:           in,
		chat:         chat,
		profile:      profile,
		route:        route,
		history:      *history,
		wasMentioned: wasMentioned,
		cmdAuthed:    cmdAuthorized,
	})
	ic = m.pipeline.FinalizeInboundContext(ic)

	var last *pipeline.LastRoute
	if !isGroup {
		last = &pipeline.LastRoute{
			SessionKey: route.MainSessionKey,
			Channel:    channels.Name,
			To:         "user:" + sender.ID,
			AccountID:  route.AccountID,
		}
	}
	if err := m.pipeline.RecordInboundSession(ctx, ic, last); err != nil {
		logger.Warn("recording inbound session failed", "error", err)
	}

	// ── Step 8: dispatch ──
	d := &replyDispatcher{
		m:      m,
		logger: logger,
		target: deliveryTarget{
			chatID:           in.chatID,
			isGroup:          isGroup,
			inboundMessageID: in.messageID,
			inboundReplyToID: in.replyToID,
		},
	}
	if err := m.pipeline.DispatchReply(ctx, ic, d, m.cfg.ReplyTimeout); err != nil {
		return fmt.Errorf("dispatch reply: %w", err)
	}

	if m.cfg.MarkRead && in.messageID != 0 {
		if rm, ok := m.transport.(channels.ReadMarker); ok {
			if err := rm.MarkRead(ctx, in.chatID, in.messageID); err != nil {
				logger.Debug("mark read failed", "error", err)
			}
		}
	}
	return nil
}

// readAllowlist returns the persisted allowlist; read errors count as empty.
func (m *Monitor) readAllowlist(ctx context.Context, logger *slog.Logger) []string {
	if m.pairing == nil {
		return nil
	}
	entries, err := m.pairing.ReadAllowlist(ctx, channels.Name)
	if err != nil {
		logger.Warn("reading stored allowlist failed", "error", err)
		return nil
	}
	return entries
}
