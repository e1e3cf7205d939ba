package monitor

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jholhewres/inlineclaw/pkg/inlineclaw/channels"
	"github.com/jholhewres/inlineclaw/pkg/inlineclaw/media"
	"github.com/jholhewres/inlineclaw/pkg/inlineclaw/pipeline"
)

func pngMedia(name string) *media.Media {
	return &media.Media{Data: []byte("png"), ContentType: "image/png", FileName: name, Kind: media.KindImage}
}

func TestDeliverCaptionOnFirstMediaOnly(t *testing.T) {
	h := startedHarness(t)
	h.loader.files["https://x/a.png"] = pngMedia("a.png")
	h.loader.files["https://x/b.pdf"] = &media.Media{Data: []byte("%PDF"), ContentType: "application/pdf", FileName: "b.pdf", Kind: media.KindDocument}

	err := h.m.deliver(context.Background(), deliveryTarget{chatID: dmChat}, pipeline.ReplyPayload{
		Text:      "caption",
		MediaURLs: []string{"https://x/a.png", " ", "https://x/b.pdf"},
		ReplyToID: 77,
	})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}

	if len(h.ft.sent) != 2 {
		t.Fatalf("sent %d, want 2", len(h.ft.sent))
	}
	first, second := h.ft.sent[0], h.ft.sent[1]
	if first.Text != "caption" || first.ReplyToID != 77 || !first.ParseMarkdown || first.MediaKind != channels.UploadPhoto {
		t.Errorf("first = %+v", first)
	}
	if second.Text != "" || second.ReplyToID != 0 || second.ParseMarkdown || second.MediaKind != channels.UploadDocument {
		t.Errorf("second = %+v", second)
	}
	if first.MediaID != "file-1" || second.MediaID != "file-2" {
		t.Errorf("media ids = %q, %q", first.MediaID, second.MediaID)
	}
}

func TestDeliverMentionRewrite(t *testing.T) {
	h := startedHarness(t)
	h.m.senders.Remember(42, SenderProfile{Username: "alice"})

	err := h.m.deliver(context.Background(), deliveryTarget{chatID: dmChat}, pipeline.ReplyPayload{
		Text: "hi @42 and @99, not @42abc",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := h.ft.sent[0].Text; got != "hi @alice and @99, not @42abc" {
		t.Errorf("text = %q", got)
	}
}

func TestDeliverFallbackToLink(t *testing.T) {
	h := startedHarness(t)
	h.loader.files["https://x/a.png"] = pngMedia("a.png")
	h.ft.uploadErr = errors.New("upload rejected")

	err := h.m.deliver(context.Background(), deliveryTarget{chatID: dmChat}, pipeline.ReplyPayload{
		Text:      "look",
		MediaURLs: []string{"https://x/a.png", "https://x/missing.png"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(h.ft.sent) != 2 {
		t.Fatalf("sent %d", len(h.ft.sent))
	}
	if h.ft.sent[0].Text != "look\nhttps://x/a.png" || h.ft.sent[0].MediaID != "" {
		t.Errorf("first fallback = %+v", h.ft.sent[0])
	}
	if h.ft.sent[1].Text != "https://x/missing.png" {
		t.Errorf("second fallback = %+v", h.ft.sent[1])
	}
}

func TestDeliverNoRelaxedRetryForURLs(t *testing.T) {
	h := startedHarness(t)
	h.loader.strictDeny["https://x/a.png"] = true

	h.m.deliver(context.Background(), deliveryTarget{chatID: dmChat}, pipeline.ReplyPayload{
		MediaURLs: []string{"https://x/a.png"},
	})
	if len(h.loader.calls) != 1 {
		t.Errorf("load calls = %+v, want a single strict attempt", h.loader.calls)
	}
}

func TestDeliverGroupThreadContinuation(t *testing.T) {
	tests := []struct {
		name   string
		target deliveryTarget
		reply  int64
		want   int64
	}{
		{"group reply continues thread", deliveryTarget{chatID: groupChat, isGroup: true, inboundMessageID: 9, inboundReplyToID: 4}, 0, 9},
		{"explicit target wins", deliveryTarget{chatID: groupChat, isGroup: true, inboundMessageID: 9, inboundReplyToID: 4}, 3, 3},
		{"group non-reply stays flat", deliveryTarget{chatID: groupChat, isGroup: true, inboundMessageID: 9}, 0, 0},
		{"dm reply stays flat", deliveryTarget{chatID: dmChat, inboundMessageID: 9, inboundReplyToID: 4}, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := startedHarness(t)
			if err := h.m.deliver(context.Background(), tt.target, pipeline.ReplyPayload{Text: "ok", ReplyToID: tt.reply}); err != nil {
				t.Fatal(err)
			}
			if got := h.ft.sent[0].ReplyToID; got != tt.want {
				t.Errorf("ReplyToID = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestDeliverEmptyAndSendFailure(t *testing.T) {
	h := startedHarness(t)
	if err := h.m.deliver(context.Background(), deliveryTarget{chatID: dmChat}, pipeline.ReplyPayload{Text: "  "}); err != nil {
		t.Fatal(err)
	}
	if len(h.ft.sent) != 0 {
		t.Error("blank payload should send nothing")
	}

	h.ft.sendErr = errors.New("rate limited")
	if err := h.m.deliver(context.Background(), deliveryTarget{chatID: dmChat}, pipeline.ReplyPayload{Text: "x"}); err == nil {
		t.Error("send failure should surface")
	}
}

func TestRewriteMentions(t *testing.T) {
	lookup := func(id int64) (string, bool) {
		if id == 1 {
			return "one", true
		}
		return "", false
	}
	for in, want := range map[string]string{
		"@1":         "@one",
		"@1 @2":      "@one @2",
		"mail@1.com": "mail@1.com",
		"ops@1":      "ops@1",
		"(@1), @1!":  "(@one), @one!",
		"hi\n@1":     "hi\n@one",
		"no mention": "no mention",
	} {
		if got := rewriteMentions(in, lookup); got != want {
			t.Errorf("rewriteMentions(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBuildPairingReply(t *testing.T) {
	got := BuildPairingReply("inline", "Your Inline user id: 42", "ABCD2345")
	for _, want := range []string{"Your Inline user id: 42", "Pairing code: ABCD2345", "inlineclaw pairing approve ABCD2345"} {
		if !strings.Contains(got, want) {
			t.Errorf("reply missing %q:\n%s", want, got)
		}
	}
}
