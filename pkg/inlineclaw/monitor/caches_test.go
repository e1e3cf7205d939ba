package monitor

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/inlineclaw/pkg/inlineclaw/channels"
)

func TestBotMessageMemory(t *testing.T) {
	t.Run("cap and fifo eviction", func(t *testing.T) {
		mem := NewBotMessageMemory(500)
		for id := int64(1); id <= 501; id++ {
			mem.Remember(dmChat, id)
		}
		if n := mem.Len(dmChat); n != 500 {
			t.Errorf("Len = %d, want 500", n)
		}
		if mem.Has(dmChat, 1) {
			t.Error("oldest id should be evicted")
		}
		if !mem.Has(dmChat, 2) || !mem.Has(dmChat, 501) {
			t.Error("recent ids missing")
		}
	})

	t.Run("lookups do not refresh position", func(t *testing.T) {
		mem := NewBotMessageMemory(2)
		mem.Remember(1, 10)
		mem.Remember(1, 11)
		mem.Has(1, 10)
		mem.Remember(1, 10)
		mem.Remember(1, 12)
		if mem.Has(1, 10) {
			t.Error("10 was inserted first and should be evicted")
		}
	})

	t.Run("chats are independent", func(t *testing.T) {
		mem := NewBotMessageMemory(1)
		mem.Remember(1, 10)
		mem.Remember(2, 20)
		if !mem.Has(1, 10) || !mem.Has(2, 20) || mem.Has(1, 20) {
			t.Error("per-chat isolation broken")
		}
		mem.Remember(3, 0)
		if mem.Len(3) != 0 {
			t.Error("zero id should be ignored")
		}
	})
}

// blockingDirectory counts participant fetches and holds them until released.
type blockingDirectory struct {
	*fakeTransport
	mu      sync.Mutex
	calls   int
	entered chan struct{}
	release chan struct{}
}

func (d *blockingDirectory) GetChatParticipants(ctx context.Context, chatID int64) ([]channels.User, error) {
	d.mu.Lock()
	d.calls++
	first := d.calls == 1
	d.mu.Unlock()
	if first {
		close(d.entered)
	}
	<-d.release
	return []channels.User{{ID: 42, FirstName: "Ann", LastName: "Lee", Username: "@ann"}}, nil
}

func TestSenderCacheSingleFlight(t *testing.T) {
	dir := &blockingDirectory{
		fakeTransport: newFakeTransport(),
		entered:       make(chan struct{}),
		release:       make(chan struct{}),
	}
	cache := NewSenderCache(dir, slog.New(slog.NewTextHandler(io.Discard, nil)))

	var wg sync.WaitGroup
	results := make([]SenderProfile, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = cache.Resolve(context.Background(), groupChat, 42)
		}(i)
	}

	<-dir.entered
	time.Sleep(20 * time.Millisecond)
	close(dir.release)
	wg.Wait()

	if dir.calls != 1 {
		t.Errorf("participant fetches = %d, want 1", dir.calls)
	}
	for i, p := range results {
		if p.Username != "ann" || p.DisplayName != "Ann Lee" {
			t.Errorf("result %d = %+v", i, p)
		}
	}
}

func TestSenderCacheMerge(t *testing.T) {
	cache := NewSenderCache(newFakeTransport(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	cache.Remember(42, SenderProfile{DisplayName: "Ann", Username: "ann"})
	cache.Remember(42, SenderProfile{DisplayName: "Ann Lee"})

	p, ok := cache.Lookup(42)
	if !ok || p.DisplayName != "Ann Lee" || p.Username != "ann" {
		t.Errorf("merged profile = %+v", p)
	}
	if name, ok := cache.Username(42); !ok || name != "ann" {
		t.Errorf("Username = %q, %v", name, ok)
	}
	if _, ok := cache.Username(7); ok {
		t.Error("unknown user should miss")
	}
}

func TestSenderCacheHydratesOnce(t *testing.T) {
	ft := newFakeTransport()
	ft.participants[groupChat] = []channels.User{{ID: 42, Username: "ann"}}
	cache := NewSenderCache(ft, slog.New(slog.NewTextHandler(io.Discard, nil)))
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return base }

	cache.Resolve(context.Background(), groupChat, 42)
	if _, ok := cache.Resolve(context.Background(), groupChat, 99); ok {
		t.Error("user outside participants should miss")
	}
	cache.Resolve(context.Background(), groupChat, 99)

	if ft.participantCalls != 1 {
		t.Errorf("participant fetches = %d, want 1", ft.participantCalls)
	}
}

func TestSenderCacheRehydratesLateJoiner(t *testing.T) {
	ft := newFakeTransport()
	ft.participants[groupChat] = []channels.User{{ID: 42, Username: "ann"}}
	cache := NewSenderCache(ft, slog.New(slog.NewTextHandler(io.Discard, nil)))
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return base }

	cache.Resolve(context.Background(), groupChat, 42)
	ft.participants[groupChat] = append(ft.participants[groupChat], channels.User{ID: 99, Username: "bob"})

	cache.now = func() time.Time { return base.Add(time.Minute) }
	if _, ok := cache.Resolve(context.Background(), groupChat, 99); ok {
		t.Error("miss inside the cooldown should not refetch")
	}

	cache.now = func() time.Time { return base.Add(rehydrateAfter) }
	p, ok := cache.Resolve(context.Background(), groupChat, 99)
	if !ok || p.Username != "bob" {
		t.Errorf("late joiner = %+v, %v", p, ok)
	}
	if ft.participantCalls != 2 {
		t.Errorf("participant fetches = %d, want 2", ft.participantCalls)
	}
	if name, ok := cache.Username(42); !ok || name != "ann" {
		t.Errorf("existing profile lost: %q, %v", name, ok)
	}
}
