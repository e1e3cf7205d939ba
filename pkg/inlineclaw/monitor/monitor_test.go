package monitor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jholhewres/inlineclaw/pkg/inlineclaw/channels"
	"github.com/jholhewres/inlineclaw/pkg/inlineclaw/media"
	"github.com/jholhewres/inlineclaw/pkg/inlineclaw/pipeline"
)

func boolPtr(b bool) *bool { return &b }

func TestEchoSuppression(t *testing.T) {
	h := newHarness(t, openConfig())

	out := dm(5, 42, "sent from another device")
	out.Out = true
	h.run(out, dm(6, testBotID, "echo of bot"))

	if n := len(h.pipe.bodies()); n != 0 {
		t.Errorf("dispatched %d echoes", n)
	}
	if h.ft.getChatCalls != 0 || h.ft.participantCalls != 0 {
		t.Errorf("echo touched caches: getChat=%d participants=%d", h.ft.getChatCalls, h.ft.participantCalls)
	}
}

func TestReactionGating(t *testing.T) {
	t.Run("reaction on other user's message is dropped", func(t *testing.T) {
		h := newHarness(t, openConfig())
		h.ft.history[groupChat] = []channels.HistoryMessage{{ID: 7, FromID: 99, Text: "hi"}}

		h.run(channels.ReactionAdded{Reaction: channels.Reaction{ChatID: groupChat, Emoji: "👍", UserID: 42, TargetMessageID: 7}})

		if n := len(h.pipe.bodies()); n != 0 {
			t.Errorf("dispatched %d reactions", n)
		}
		if h.ft.getMessageCalls == 0 {
			t.Error("expected a lookup on memory miss")
		}
	})

	t.Run("bot's own reaction is dropped", func(t *testing.T) {
		h := newHarness(t, openConfig())
		h.m.botMsgs.Remember(groupChat, 7)

		h.run(channels.ReactionAdded{Reaction: channels.Reaction{ChatID: groupChat, Emoji: "👍", UserID: testBotID, TargetMessageID: 7}})

		if n := len(h.pipe.bodies()); n != 0 {
			t.Errorf("dispatched %d reactions", n)
		}
	})

	t.Run("reaction on bot message is an implicit mention", func(t *testing.T) {
		h := newHarness(t, openConfig())
		h.m.botMsgs.Remember(groupChat, 7)

		h.run(channels.ReactionRemoved{Reaction: channels.Reaction{ChatID: groupChat, Emoji: "🔥", UserID: 42, TargetMessageID: 7}})

		if len(h.pipe.dispatched) != 1 {
			t.Fatalf("dispatched %d, want 1", len(h.pipe.dispatched))
		}
		ic := h.pipe.dispatched[0]
		if ic.ReactionEmoji != "🔥" || !ic.WasMentioned || !strings.Contains(ic.RawBody, "removed") {
			t.Errorf("context = %+v", ic)
		}
		if h.ft.getMessageCalls != 0 {
			t.Error("memory hit should not need a lookup")
		}
	})

	t.Run("lookup confirms and remembers bot message", func(t *testing.T) {
		h := newHarness(t, openConfig())
		h.ft.history[groupChat] = []channels.HistoryMessage{{ID: 8, FromID: testBotID, Text: "answer"}}

		h.run(channels.ReactionAdded{Reaction: channels.Reaction{ChatID: groupChat, Emoji: "❤️", UserID: 42, TargetMessageID: 8}})

		if len(h.pipe.dispatched) != 1 {
			t.Fatalf("dispatched %d, want 1", len(h.pipe.dispatched))
		}
		if !h.m.botMsgs.Has(groupChat, 8) {
			t.Error("confirmed bot message not remembered")
		}
	})
}

func TestPairingSendsOnce(t *testing.T) {
	cfg := DefaultConfig() // dm_policy: pairing
	h := newHarness(t, cfg)

	h.run(dm(1, 42, "hello"), dm(2, 42, "hello again"))

	if h.pairing.upserts != 2 {
		t.Errorf("upserts = %d, want 2", h.pairing.upserts)
	}
	if len(h.ft.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(h.ft.sent))
	}
	text := h.ft.sent[0].Text
	if !strings.Contains(text, "CODE0001") || !strings.Contains(text, "42") {
		t.Errorf("pairing reply = %q", text)
	}
	if len(h.pipe.dispatched) != 0 || len(h.pipe.recorded) != 0 {
		t.Error("unpaired sender must not reach the pipeline")
	}
}

func TestPairedSenderPasses(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.pairing.allow = []string{"inline:42"}

	h.run(dm(1, 42, "hello"))

	if got := h.pipe.bodies(); len(got) != 1 || got[0] != "hello" {
		t.Errorf("dispatched = %v", got)
	}
}

func TestAllowlistReadErrorIsEmpty(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DMPolicy = DMAllowlist
	h := newHarness(t, cfg)
	h.pairing.readErr = errors.New("disk on fire")

	h.run(dm(1, 42, "hello"))

	if len(h.pipe.dispatched) != 0 || len(h.ft.sent) != 0 {
		t.Error("allowlist policy with unreadable store must reject silently")
	}
}

func TestGroupMentionOverride(t *testing.T) {
	cfg := openConfig()
	cfg.RequireMention = true
	cfg.Groups = map[string]GroupConfig{"88": {RequireMention: boolPtr(false)}}

	h := newHarness(t, cfg)
	h.ft.chats[88] = channels.ChatInfo{Kind: channels.ChatGroup}
	h.ft.chats[89] = channels.ChatInfo{Kind: channels.ChatGroup}

	h.run(
		channels.NewMessage{ID: 1, ChatID: 88, FromID: 42, Text: "no mention here"},
		channels.NewMessage{ID: 2, ChatID: 89, FromID: 42, Text: "nor here"},
	)

	got := h.pipe.bodies()
	if len(got) != 1 || got[0] != "no mention here" {
		t.Errorf("dispatched = %v, want only chat 88", got)
	}
}

func TestGroupMentionDetection(t *testing.T) {
	cfg := openConfig()
	cfg.MentionPatterns = []string{`\bclaw\b`}
	h := newHarness(t, cfg)

	flagged := group(4, 42, "flag only")
	flagged.Mentioned = true
	h.run(
		group(1, 42, "hey @ClawBot what's up"),
		group(2, 42, "ask claw about it"),
		group(3, 42, "email me at x@clawbot.dev"),
		flagged,
	)

	got := h.pipe.bodies()
	want := []string{"hey @ClawBot what's up", "ask claw about it", "flag only"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("dispatched = %v, want %v", got, want)
	}
}

func TestReplyToBotCountsAsMention(t *testing.T) {
	cfg := openConfig()
	h := newHarness(t, cfg)
	h.ft.history[groupChat] = []channels.HistoryMessage{
		{ID: 3, FromID: testBotID, Text: "I am the bot", Timestamp: time.Unix(3, 0)},
		{ID: 4, FromID: 55, Text: "someone else", Timestamp: time.Unix(4, 0)},
	}

	toBot := group(10, 42, "thanks")
	toBot.ReplyToID = 3
	toOther := group(11, 42, "agreed")
	toOther.ReplyToID = 4
	h.run(toBot, toOther)

	if got := h.pipe.bodies(); len(got) != 1 || got[0] != "thanks" {
		t.Fatalf("dispatched = %v", got)
	}
	ic := h.pipe.dispatched[0]
	if !ic.ReplyToBot || ic.ReplyToID != "3" || !ic.WasMentioned {
		t.Errorf("context = %+v", ic)
	}
}

func TestGroupCommands(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GroupPolicy = GroupOpen
	cfg.AllowFrom = []string{"42"}
	h := newHarness(t, cfg)

	h.run(
		group(1, 42, "/status"),    // authorized, bypasses mention gate
		group(2, 77, "/reset"),     // unauthorized, blocked
		group(3, 77, "plain text"), // needs a mention
	)

	got := h.pipe.bodies()
	if len(got) != 1 || got[0] != "/status" {
		t.Fatalf("dispatched = %v", got)
	}
	if !h.pipe.dispatched[0].CommandAuthorized {
		t.Error("CommandAuthorized not set")
	}
}

func TestSessionLastRoute(t *testing.T) {
	cfg := openConfig()
	cfg.Groups = map[string]GroupConfig{"*": {RequireMention: boolPtr(false)}}
	h := newHarness(t, cfg)

	h.run(dm(1, 42, "dm"), group(2, 42, "group"))

	if len(h.pipe.lastRoutes) != 2 {
		t.Fatalf("recorded %d sessions", len(h.pipe.lastRoutes))
	}
	if lr := h.pipe.lastRoutes[0]; lr == nil || lr.To != "user:42" || lr.SessionKey != "agent:main:main" {
		t.Errorf("dm last route = %+v", lr)
	}
	if h.pipe.lastRoutes[1] != nil {
		t.Error("group must not move the last route")
	}
	if h.pipe.recorded[0].SessionKey != "agent:main:inline:direct:42" ||
		h.pipe.recorded[1].SessionKey != "agent:main:inline:group:20" {
		t.Errorf("session keys = %q, %q", h.pipe.recorded[0].SessionKey, h.pipe.recorded[1].SessionKey)
	}
}

func TestChatInfoDegradesToGroup(t *testing.T) {
	cfg := openConfig()
	h := newHarness(t, cfg)
	delete(h.ft.chats, dmChat)

	// Degraded to a group that requires a mention, so it is skipped.
	h.run(dm(1, 42, "hello"))
	if len(h.pipe.dispatched) != 0 {
		t.Error("degraded chat should be gated as a group")
	}

	// The failure is not cached; a later success resolves it as direct.
	h2 := newHarness(t, cfg)
	delete(h2.ft.chats, dmChat)
	h2.m.chats.Resolve(context.Background(), dmChat)
	h2.ft.chats[dmChat] = channels.ChatInfo{Kind: channels.ChatDirect}
	if info := h2.m.chats.Resolve(context.Background(), dmChat); info.Kind != channels.ChatDirect {
		t.Errorf("Resolve after recovery = %+v", info)
	}
}

func TestPanicRecovery(t *testing.T) {
	h := newHarness(t, openConfig())
	h.pipe.panicOn = "explode"

	h.run(dm(1, 42, "explode"), dm(2, 42, "still alive"))

	if got := h.pipe.bodies(); len(got) != 1 || got[0] != "still alive" {
		t.Errorf("dispatched = %v", got)
	}
}

func TestStop(t *testing.T) {
	t.Run("before run", func(t *testing.T) {
		h := newHarness(t, openConfig())
		h.m.Stop()
		h.m.Stop()
		if h.m.State() != StateStopped {
			t.Errorf("state = %s", h.m.State())
		}
		if err := h.m.Run(context.Background()); !errors.Is(err, ErrNotIdle) {
			t.Errorf("Run after Stop = %v", err)
		}
	})

	t.Run("remaining events are not processed", func(t *testing.T) {
		h := newHarness(t, openConfig())
		h.pipe.onDispatch = func() {
			h.m.Stop()
			h.m.Stop()
		}
		h.ft.events = []channels.InboundEvent{dm(1, 42, "first"), dm(2, 42, "second")}

		if err := h.m.Run(context.Background()); err != nil {
			t.Fatalf("Run = %v", err)
		}
		if got := h.pipe.bodies(); len(got) != 1 || got[0] != "first" {
			t.Errorf("dispatched = %v", got)
		}
		if h.m.State() != StateStopped {
			t.Errorf("state = %s", h.m.State())
		}
		select {
		case <-h.ft.closed:
		default:
			t.Error("transport not closed")
		}
	})

	t.Run("context cancellation", func(t *testing.T) {
		h := newHarness(t, openConfig())
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := h.m.Run(ctx); err != nil {
			t.Errorf("Run = %v", err)
		}
	})
}

func TestMarkRead(t *testing.T) {
	cfg := openConfig()
	cfg.MarkRead = true
	h := newHarness(t, cfg)

	h.run(dm(9, 42, "read me"))

	if len(h.ft.markedRead) != 1 || h.ft.markedRead[0] != 9 {
		t.Errorf("markedRead = %v", h.ft.markedRead)
	}
}

func TestDispatchDeliversAndTypes(t *testing.T) {
	h := newHarness(t, openConfig())
	h.pipe.replies = []pipeline.ReplyPayload{{Text: "hi back"}}

	h.run(dm(1, 42, "hi"))

	if len(h.ft.sent) != 1 || h.ft.sent[0].Text != "hi back" || h.ft.sent[0].ChatID != dmChat {
		t.Fatalf("sent = %+v", h.ft.sent)
	}
	if len(h.ft.typing) != 2 || !h.ft.typing[0] || h.ft.typing[1] {
		t.Errorf("typing = %v", h.ft.typing)
	}
	// The reply is now known as ours.
	if !h.m.botMsgs.Has(dmChat, 1001) {
		t.Error("sent message not remembered")
	}
}

func TestRelaxedRetryThroughLoop(t *testing.T) {
	h := newHarness(t, openConfig())
	h.loader.strictDeny["/srv/out/a.png"] = true
	h.loader.files["/srv/out/a.png"] = &media.Media{Data: []byte("x"), ContentType: "image/png", FileName: "a.png", Kind: media.KindImage}
	h.pipe.replies = []pipeline.ReplyPayload{{Text: "see", MediaURLs: []string{"/srv/out/a.png"}}}

	h.run(dm(1, 42, "pic please"))

	if len(h.loader.calls) != 2 || h.loader.calls[0].relaxed || !h.loader.calls[1].relaxed {
		t.Errorf("load calls = %+v", h.loader.calls)
	}
	if len(h.ft.uploads) != 1 || h.ft.uploads[0].Kind != channels.UploadPhoto {
		t.Errorf("uploads = %+v", h.ft.uploads)
	}
}
