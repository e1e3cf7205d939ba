package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/inlineclaw/pkg/inlineclaw/channels"
	"github.com/jholhewres/inlineclaw/pkg/inlineclaw/media"
	"github.com/jholhewres/inlineclaw/pkg/inlineclaw/pipeline"
)

const (
	testBotID = 1
	dmChat    = 10
	groupChat = 20
)

type fakeTransport struct {
	mu sync.Mutex

	me           channels.Me
	chats        map[int64]channels.ChatInfo
	participants map[int64][]channels.User
	history      map[int64][]channels.HistoryMessage
	uploadErr    error
	sendErr      error

	events    []channels.InboundEvent
	closed    chan struct{}
	closeOnce sync.Once

	getChatCalls     int
	participantCalls int
	getMessageCalls  int
	sent             []channels.SendRequest
	uploads          []channels.Upload
	typing           []bool
	markedRead       []int64
	nextID           int64
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		me: channels.Me{ID: testBotID, Username: "clawbot"},
		chats: map[int64]channels.ChatInfo{
			dmChat:    {Kind: channels.ChatDirect},
			groupChat: {Kind: channels.ChatGroup, Title: "Team"},
		},
		participants: map[int64][]channels.User{},
		history:      map[int64][]channels.HistoryMessage{},
		closed:       make(chan struct{}),
		nextID:       1000,
	}
}

func (f *fakeTransport) Connect(context.Context) error { return nil }

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) Me(context.Context) (*channels.Me, error) {
	me := f.me
	return &me, nil
}

// NextEvent replays the queued events and then reports the stream closed.
func (f *fakeTransport) NextEvent(ctx context.Context) (channels.InboundEvent, error) {
	f.mu.Lock()
	if len(f.events) > 0 {
		evt := f.events[0]
		f.events = f.events[1:]
		f.mu.Unlock()
		return evt, nil
	}
	f.mu.Unlock()

	select {
	case <-f.closed:
		return nil, channels.ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		return nil, io.EOF
	}
}

func (f *fakeTransport) GetChat(_ context.Context, chatID int64) (*channels.ChatInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getChatCalls++
	info, ok := f.chats[chatID]
	if !ok {
		return nil, fmt.Errorf("chat %d unavailable", chatID)
	}
	return &info, nil
}

func (f *fakeTransport) GetChatParticipants(_ context.Context, chatID int64) ([]channels.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.participantCalls++
	return f.participants[chatID], nil
}

func (f *fakeTransport) GetChatHistory(_ context.Context, chatID, beforeID int64, limit int) ([]channels.HistoryMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []channels.HistoryMessage
	for _, hm := range f.history[chatID] {
		if beforeID == 0 || hm.ID < beforeID {
			out = append(out, hm)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (f *fakeTransport) GetMessage(_ context.Context, chatID, messageID int64) (*channels.HistoryMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getMessageCalls++
	for _, hm := range f.history[chatID] {
		if hm.ID == messageID {
			hm := hm
			return &hm, nil
		}
	}
	return nil, channels.ErrMessageNotFound
}

func (f *fakeTransport) SendMessage(_ context.Context, req channels.SendRequest) (*channels.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.nextID++
	f.sent = append(f.sent, req)
	return &channels.SendResult{MessageID: f.nextID}, nil
}

func (f *fakeTransport) SendTyping(_ context.Context, _ int64, typing bool) error {
	f.mu.Lock()
	f.typing = append(f.typing, typing)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) UploadFile(_ context.Context, up channels.Upload) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.uploads = append(f.uploads, up)
	return fmt.Sprintf("file-%d", len(f.uploads)), nil
}

func (f *fakeTransport) MarkRead(_ context.Context, _ int64, maxID int64) error {
	f.mu.Lock()
	f.markedRead = append(f.markedRead, maxID)
	f.mu.Unlock()
	return nil
}

type fakePipeline struct {
	mu         sync.Mutex
	replies    []pipeline.ReplyPayload
	panicOn    string
	dispatched []pipeline.InboundContext
	recorded   []pipeline.InboundContext
	lastRoutes []*pipeline.LastRoute
	onDispatch func()
}

func (p *fakePipeline) ResolveAgentRoute(_ context.Context, peer pipeline.Peer) (pipeline.Route, error) {
	return pipeline.Route{
		AgentID:        "main",
		SessionKey:     fmt.Sprintf("agent:main:%s:%s:%s", peer.Channel, peer.Kind, peer.ID),
		MainSessionKey: "agent:main:main",
		AccountID:      peer.AccountID,
	}, nil
}

func (p *fakePipeline) FinalizeInboundContext(ic pipeline.InboundContext) pipeline.InboundContext {
	return pipeline.FinalizeContext(ic)
}

func (p *fakePipeline) RecordInboundSession(_ context.Context, ic pipeline.InboundContext, last *pipeline.LastRoute) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recorded = append(p.recorded, ic)
	p.lastRoutes = append(p.lastRoutes, last)
	return nil
}

func (p *fakePipeline) DispatchReply(ctx context.Context, ic pipeline.InboundContext, d pipeline.Dispatcher, _ time.Duration) error {
	if p.panicOn != "" && ic.RawBody == p.panicOn {
		panic("boom")
	}
	p.mu.Lock()
	p.dispatched = append(p.dispatched, ic)
	replies := p.replies
	hook := p.onDispatch
	p.mu.Unlock()

	if hook != nil {
		hook()
	}

	d.StartTyping(ctx)
	defer d.StopTyping(ctx)
	for _, r := range replies {
		if err := d.Deliver(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (p *fakePipeline) bodies() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.dispatched))
	for i, ic := range p.dispatched {
		out[i] = ic.RawBody
	}
	return out
}

type fakePairing struct {
	allow   []string
	readErr error
	codes   map[string]string
	upserts int
}

func (s *fakePairing) ReadAllowlist(context.Context, string) ([]string, error) {
	return s.allow, s.readErr
}

func (s *fakePairing) UpsertPairingRequest(_ context.Context, _, senderID string, _ map[string]string) (string, bool, error) {
	s.upserts++
	if s.codes == nil {
		s.codes = map[string]string{}
	}
	if code, ok := s.codes[senderID]; ok {
		return code, false, nil
	}
	code := fmt.Sprintf("CODE%04d", len(s.codes)+1)
	s.codes[senderID] = code
	return code, true, nil
}

type loadCall struct {
	source  string
	relaxed bool
}

type fakeLoader struct {
	files      map[string]*media.Media
	strictDeny map[string]bool
	calls      []loadCall
}

func (l *fakeLoader) Load(_ context.Context, source string, opts media.LoadOptions) (*media.Media, error) {
	l.calls = append(l.calls, loadCall{source, opts.Relaxed})
	if l.strictDeny[source] && !opts.Relaxed {
		return nil, fmt.Errorf("%w: %s", media.ErrPathNotAllowed, source)
	}
	if m, ok := l.files[source]; ok {
		return m, nil
	}
	return nil, errors.New("not found")
}

type harness struct {
	m        *Monitor
	ft       *fakeTransport
	pipe     *fakePipeline
	pairing  *fakePairing
	loader   *fakeLoader
	testingT *testing.T
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		ft:       newFakeTransport(),
		pipe:     &fakePipeline{},
		pairing:  &fakePairing{},
		loader:   &fakeLoader{files: map[string]*media.Media{}, strictDeny: map[string]bool{}},
		testingT: t,
	}
	m, err := New(Options{
		Config:    cfg,
		Transport: h.ft,
		Pipeline:  h.pipe,
		Pairing:   h.pairing,
		Media:     h.loader,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.m = m
	return h
}

// run feeds events through the loop until the fake stream ends.
func (h *harness) run(events ...channels.InboundEvent) {
	h.testingT.Helper()
	h.ft.events = append(h.ft.events, events...)
	err := h.m.Run(context.Background())
	if !errors.Is(err, io.EOF) {
		h.testingT.Fatalf("Run returned %v, want end of stream", err)
	}
}

func openConfig() Config {
	cfg := DefaultConfig()
	cfg.DMPolicy = DMOpen
	cfg.GroupPolicy = GroupOpen
	return cfg
}

func dm(id int64, from int64, text string) channels.NewMessage {
	return channels.NewMessage{ID: id, ChatID: dmChat, FromID: from, Text: text, Timestamp: time.Unix(id, 0)}
}

func group(id int64, from int64, text string) channels.NewMessage {
	return channels.NewMessage{ID: id, ChatID: groupChat, FromID: from, Text: text, Timestamp: time.Unix(id, 0)}
}
