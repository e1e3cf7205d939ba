package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jholhewres/inlineclaw/pkg/inlineclaw/store"
)

// DefaultTimeout bounds one reply dispatch.
const DefaultTimeout = 25 * time.Second

// SilentReply is the agent's way of declining to answer.
const SilentReply = "NO_REPLY"

// Binding routes a specific peer to a non-default agent.
type Binding struct {
	Kind    PeerKind `yaml:"kind"`
	ID      string   `yaml:"id"`
	AgentID string   `yaml:"agent"`
}

// Config configures the HTTP agent gateway.
type Config struct {
	// AgentID is the agent used when no binding matches (default: "main").
	AgentID string `yaml:"id"`

	// URL is the agent's dispatch endpoint.
	URL string `yaml:"url" env:"INLINECLAW_AGENT_URL"`

	// Token is sent as a bearer token when set.
	Token string `yaml:"token" env:"INLINECLAW_AGENT_TOKEN"`

	// Timeout bounds a single dispatch (default: 25s).
	Timeout time.Duration `yaml:"timeout"`

	Bindings []Binding `yaml:"bindings"`
}

// DefaultConfig returns the default gateway configuration.
func DefaultConfig() Config {
	return Config{
		AgentID: "main",
		Timeout: DefaultTimeout,
	}
}

// SessionRecorder persists inbound sessions. Implemented by store.SessionStore.
type SessionRecorder interface {
	Record(ctx context.Context, rec store.SessionRecord, last *store.LastRoute) error
}

// Gateway implements Pipeline by posting inbound contexts to an HTTP agent.
type Gateway struct {
	cfg      Config
	sessions SessionRecorder
	client   *http.Client
	logger   *slog.Logger
}

// NewGateway creates a gateway. sessions may be nil to skip persistence.
func NewGateway(cfg Config, sessions SessionRecorder, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AgentID == "" {
		cfg.AgentID = "main"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Gateway{
		cfg:      cfg,
		sessions: sessions,
		client:   &http.Client{},
		logger:   logger.With("component", "agent-gateway"),
	}
}

// ResolveAgentRoute picks the agent for peer and derives its session keys.
func (g *Gateway) ResolveAgentRoute(_ context.Context, peer Peer) (Route, error) {
	if peer.ID == "" {
		return Route{}, errors.New("pipeline: peer id required")
	}
	agentID := g.cfg.AgentID
	for _, b := range g.cfg.Bindings {
		if b.Kind == peer.Kind && b.ID == peer.ID && b.AgentID != "" {
			agentID = b.AgentID
			break
		}
	}
	kind := peer.Kind
	if kind == "" {
		kind = PeerDirect
	}
	return Route{
		AgentID:        agentID,
		SessionKey:     fmt.Sprintf("agent:%s:%s:%s:%s", agentID, peer.Channel, kind, peer.ID),
		MainSessionKey: fmt.Sprintf("agent:%s:main", agentID),
		AccountID:      peer.AccountID,
	}, nil
}

// FinalizeInboundContext applies FinalizeContext.
func (g *Gateway) FinalizeInboundContext(ic InboundContext) InboundContext {
	return FinalizeContext(ic)
}

// RecordInboundSession stores the session and, for DMs, the last route.
func (g *Gateway) RecordInboundSession(ctx context.Context, ic InboundContext, last *LastRoute) error {
	if g.sessions == nil {
		return nil
	}
	peerID := ic.SenderID
	if ic.ChatType == PeerGroup {
		peerID = strings.TrimPrefix(ic.To, "chat:")
	}
	rec := store.SessionRecord{
		SessionKey:        ic.SessionKey,
		AgentID:           ic.AgentID,
		AccountID:         ic.AccountID,
		Channel:           ic.Provider,
		ChatType:          string(ic.ChatType),
		PeerID:            peerID,
		SenderID:          ic.SenderID,
		ConversationLabel: ic.ConversationLabel,
		LastMessageID:     ic.MessageSid,
	}
	var lr *store.LastRoute
	if last != nil {
		lr = &store.LastRoute{
			SessionKey: last.SessionKey,
			Channel:    last.Channel,
			To:         last.To,
			AccountID:  last.AccountID,
		}
	}
	return g.sessions.Record(ctx, rec, lr)
}

type dispatchRequest struct {
	Context InboundContext `json:"context"`
}

type dispatchResponse struct {
	Replies []ReplyPayload `json:"replies"`
	Error   string         `json:"error,omitempty"`
}

// DispatchReply posts ic to the agent and delivers every reply it returns.
// Typing is shown for the duration of the call. timeout applies to the agent
// request, not to delivery.
func (g *Gateway) DispatchReply(ctx context.Context, ic InboundContext, d Dispatcher, timeout time.Duration) error {
	if g.cfg.URL == "" {
		return errors.New("pipeline: agent url not configured")
	}
	if timeout <= 0 {
		timeout = g.cfg.Timeout
	}
	if err := d.StartTyping(ctx); err != nil {
		g.logger.Debug("start typing failed", "error", err)
	}
	defer func() {
		if err := d.StopTyping(context.WithoutCancel(ctx)); err != nil {
			g.logger.Debug("stop typing failed", "error", err)
		}
	}()

	// The timeout bounds the agent call only. Sends already under way run
	// to completion so a late reply still reaches the chat.
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	replies, err := g.call(callCtx, ic)
	cancel()
	if err != nil {
		return err
	}
	ctx = context.WithoutCancel(ctx)

	delivered := 0
	for _, r := range replies {
		if strings.TrimSpace(r.Text) == SilentReply && len(r.MediaURLs) == 0 {
			continue
		}
		if err := d.Deliver(ctx, r); err != nil {
			return fmt.Errorf("pipeline: deliver reply: %w", err)
		}
		delivered++
	}
	g.logger.Debug("dispatch complete", "session", ic.SessionKey, "replies", delivered)
	return nil
}

func (g *Gateway) call(ctx context.Context, ic InboundContext) ([]ReplyPayload, error) {
	body, err := json.Marshal(dispatchRequest{Context: ic})
	if err != nil {
		return nil, fmt.Errorf("pipeline: marshal context: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("pipeline: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.Token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pipeline: agent request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("pipeline: read agent response: %w", err)
	}

	var out dispatchResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("pipeline: decode agent response (HTTP %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode >= 300 || out.Error != "" {
		return nil, fmt.Errorf("pipeline: agent returned HTTP %d: %s", resp.StatusCode, out.Error)
	}
	return out.Replies, nil
}
