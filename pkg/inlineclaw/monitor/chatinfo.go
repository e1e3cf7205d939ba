package monitor

import (
	"context"
	"log/slog"
	"sync"

	"github.com/jholhewres/inlineclaw/pkg/inlineclaw/channels"
)

// ChatCache resolves chat metadata once per chat id and keeps it for the life
// of the monitor.
type ChatCache struct {
	dir    channels.ChatDirectory
	logger *slog.Logger

	mu      sync.Mutex
	entries map[int64]channels.ChatInfo
}

// NewChatCache creates an empty chat cache.
func NewChatCache(dir channels.ChatDirectory, logger *slog.Logger) *ChatCache {
	return &ChatCache{
		dir:     dir,
		logger:  logger,
		entries: make(map[int64]channels.ChatInfo),
	}
}

// Resolve returns the chat's kind and title. A failed lookup degrades to an
// untitled group and is not cached, so the next event retries.
func (c *ChatCache) Resolve(ctx context.Context, chatID int64) channels.ChatInfo {
	c.mu.Lock()
	info, ok := c.entries[chatID]
	c.mu.Unlock()
	if ok {
		return info
	}

	got, err := c.dir.GetChat(ctx, chatID)
	if err != nil || got == nil {
		c.logger.Warn("chat lookup failed, treating as group", "chat_id", chatID, "error", err)
		return channels.ChatInfo{Kind: channels.ChatGroup}
	}

	info = *got
	if info.Kind != channels.ChatDirect {
		info.Kind = channels.ChatGroup
	}

	c.mu.Lock()
	// A concurrent resolver may have won; the first stored value sticks.
	if prev, ok := c.entries[chatID]; ok {
		info = prev
	} else {
		c.entries[chatID] = info
	}
	c.mu.Unlock()
	return info
}
