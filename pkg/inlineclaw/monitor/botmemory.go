package monitor

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// BotMessageMemory remembers which message ids the bot authored, per chat.
// Each chat keeps at most capacity ids; the oldest insertion is evicted first.
type BotMessageMemory struct {
	mu       sync.Mutex
	capacity int
	chats    map[int64]*lru.Cache[int64, struct{}]
}

// NewBotMessageMemory creates a memory holding up to capacity ids per chat.
func NewBotMessageMemory(capacity int) *BotMessageMemory {
	if capacity <= 0 {
		capacity = defaultBotMessageCap
	}
	return &BotMessageMemory{
		capacity: capacity,
		chats:    make(map[int64]*lru.Cache[int64, struct{}]),
	}
}

// Remember records msgID as bot-authored. Re-remembering an id keeps its
// original position, so eviction stays in insertion order.
func (b *BotMessageMemory) Remember(chatID, msgID int64) {
	if msgID == 0 {
		return
	}
	b.chat(chatID, true).ContainsOrAdd(msgID, struct{}{})
}

// Has reports whether msgID is a remembered bot message.
func (b *BotMessageMemory) Has(chatID, msgID int64) bool {
	c := b.chat(chatID, false)
	return c != nil && c.Contains(msgID)
}

// Len returns the number of ids remembered for a chat.
func (b *BotMessageMemory) Len(chatID int64) int {
	c := b.chat(chatID, false)
	if c == nil {
		return 0
	}
	return c.Len()
}

func (b *BotMessageMemory) chat(chatID int64, create bool) *lru.Cache[int64, struct{}] {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.chats[chatID]
	if !ok && create {
		// New only fails for a non-positive size.
		c, _ = lru.New[int64, struct{}](b.capacity)
		b.chats[chatID] = c
	}
	return c
}
