package monitor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jholhewres/inlineclaw/pkg/inlineclaw/channels"
)

func startedHarness(t *testing.T) *harness {
	t.Helper()
	h := newHarness(t, openConfig())
	h.m.botID = testBotID
	return h
}

func TestBuildHistory(t *testing.T) {
	h := startedHarness(t)
	h.ft.participants[groupChat] = []channels.User{
		{ID: 42, FirstName: "Ann", Username: "ann"},
		{ID: 55, FirstName: "Bob"},
	}
	h.ft.history[groupChat] = []channels.HistoryMessage{
		// Out of order on purpose; the builder sorts by time then id.
		{ID: 5, FromID: 55, Text: "second", Timestamp: time.Unix(200, 0)},
		{ID: 3, FromID: 42, Text: "  first\n\nline  ", Timestamp: time.Unix(100, 0)},
		{ID: 6, FromID: testBotID, Text: "bot says", ReplyToID: 5, Timestamp: time.Unix(300, 0)},
		{ID: 7, FromID: 66, Text: "", Timestamp: time.Unix(300, 0)},
		{ID: 9, FromID: 42, Text: "the current message", Timestamp: time.Unix(400, 0)},
		{ID: 12, FromID: 42, Text: "after", Timestamp: time.Unix(500, 0)},
	}

	hc := h.m.buildHistory(context.Background(), groupChat, 9, 6, 12)

	want := strings.Join([]string{
		historyHeader,
		"#3 @ann: first line",
		"#5 Bob: second",
		"#6 ->5 assistant: bot says",
		"#7 user:66: [no text]",
	}, "\n")
	if hc.Text != want {
		t.Errorf("history =\n%s\nwant\n%s", hc.Text, want)
	}
	if !hc.RepliedToBot || hc.ReplyToSenderID != testBotID {
		t.Errorf("reply info = %+v", hc)
	}
	if !h.m.botMsgs.Has(groupChat, 6) {
		t.Error("bot message in window not remembered")
	}
}

func TestBuildHistoryWindow(t *testing.T) {
	h := startedHarness(t)
	for i := int64(1); i <= 10; i++ {
		h.ft.history[dmChat] = append(h.ft.history[dmChat],
			channels.HistoryMessage{ID: i, FromID: 42, Text: "m", Timestamp: time.Unix(i, 0)})
	}

	hc := h.m.buildHistory(context.Background(), dmChat, 11, 0, 3)
	lines := strings.Split(hc.Text, "\n")
	if len(lines) != 4 || !strings.HasPrefix(lines[1], "#8 ") || !strings.HasPrefix(lines[3], "#10 ") {
		t.Errorf("window = %q", lines)
	}
}

func TestBuildHistoryEmpty(t *testing.T) {
	h := startedHarness(t)
	if hc := h.m.buildHistory(context.Background(), dmChat, 5, 0, 6); hc.Text != "" {
		t.Errorf("empty chat produced %q", hc.Text)
	}

	h.ft.history[dmChat] = []channels.HistoryMessage{{ID: 1, Text: "x"}}
	if hc := h.m.buildHistory(context.Background(), dmChat, 5, 0, 0); hc.Text != "" {
		t.Errorf("zero limit produced %q", hc.Text)
	}
}

func TestBuildHistoryReplyOutsideWindow(t *testing.T) {
	h := startedHarness(t)
	h.ft.history[groupChat] = []channels.HistoryMessage{
		{ID: 2, FromID: testBotID, Text: "old bot message", Timestamp: time.Unix(2, 0)},
		{ID: 20, FromID: 42, Text: "recent", Timestamp: time.Unix(20, 0)},
	}

	hc := h.m.buildHistory(context.Background(), groupChat, 30, 2, 1)

	if strings.Contains(hc.Text, "#2 ") {
		t.Errorf("window should not include #2: %q", hc.Text)
	}
	if !hc.RepliedToBot {
		t.Error("point lookup should confirm the bot reply target")
	}
	if h.ft.getMessageCalls != 1 {
		t.Errorf("GetMessage calls = %d, want 1", h.ft.getMessageCalls)
	}
}

func TestTruncateRunes(t *testing.T) {
	long := strings.Repeat("é", 300)
	got := truncateRunes(long, historyTextLimit)
	if n := len([]rune(got)); n != historyTextLimit {
		t.Errorf("len = %d", n)
	}
	if !strings.HasSuffix(got, "…") {
		t.Error("missing ellipsis")
	}
	if truncateRunes("short", 10) != "short" {
		t.Error("short text changed")
	}
}
