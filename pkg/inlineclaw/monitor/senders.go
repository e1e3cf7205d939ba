package monitor

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jholhewres/inlineclaw/pkg/inlineclaw/channels"
)

// SenderProfile is what we know about a user's names.
type SenderProfile struct {
	DisplayName string
	Username    string
}

func (p SenderProfile) merge(next SenderProfile) SenderProfile {
	if next.DisplayName != "" {
		p.DisplayName = next.DisplayName
	}
	if next.Username != "" {
		p.Username = next.Username
	}
	return p
}

func profileFromUser(u channels.User) SenderProfile {
	return SenderProfile{
		DisplayName: strings.TrimSpace(u.FirstName + " " + u.LastName),
		Username:    strings.TrimPrefix(strings.TrimSpace(u.Username), "@"),
	}
}

// rehydrateAfter is how long a chat's participant list is trusted before a
// miss fetches it again.
const rehydrateAfter = 5 * time.Minute

// SenderCache holds user profiles learned from chat participant lists.
// Participant fetches for the same chat are collapsed into one call.
type SenderCache struct {
	dir    channels.ChatDirectory
	logger *slog.Logger
	flight singleflight.Group

	now func() time.Time

	mu       sync.Mutex
	profiles map[int64]SenderProfile
	hydrated map[int64]time.Time
}

// NewSenderCache creates an empty sender cache.
func NewSenderCache(dir channels.ChatDirectory, logger *slog.Logger) *SenderCache {
	return &SenderCache{
		dir:      dir,
		logger:   logger,
		now:      time.Now,
		profiles: make(map[int64]SenderProfile),
		hydrated: make(map[int64]time.Time),
	}
}

// Remember merges p into the stored profile. Empty fields never erase known
// values.
func (c *SenderCache) Remember(userID int64, p SenderProfile) {
	if userID == 0 {
		return
	}
	c.mu.Lock()
	c.profiles[userID] = c.profiles[userID].merge(p)
	c.mu.Unlock()
}

// Lookup returns a cached profile without touching the network.
func (c *SenderCache) Lookup(userID int64) (SenderProfile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.profiles[userID]
	return p, ok
}

// Resolve returns the profile for userID, hydrating the chat's participants
// on a miss. After a successful hydration further misses in that chat wait
// rehydrateAfter before fetching again, so late joiners are picked up.
func (c *SenderCache) Resolve(ctx context.Context, chatID, userID int64) (SenderProfile, bool) {
	if p, ok := c.Lookup(userID); ok {
		return p, true
	}
	c.mu.Lock()
	last, done := c.hydrated[chatID]
	c.mu.Unlock()
	if done && c.now().Sub(last) < rehydrateAfter {
		return SenderProfile{}, false
	}

	if err := c.Hydrate(ctx, chatID); err != nil {
		c.logger.Debug("participant hydration failed", "chat_id", chatID, "error", err)
		return SenderProfile{}, false
	}
	return c.Lookup(userID)
}

// Hydrate loads the participant list for chatID. Concurrent calls for the
// same chat share one fetch; a failure is not remembered.
func (c *SenderCache) Hydrate(ctx context.Context, chatID int64) error {
	_, err, _ := c.flight.Do(strconv.FormatInt(chatID, 10), func() (any, error) {
		users, err := c.dir.GetChatParticipants(ctx, chatID)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		for _, u := range users {
			if u.ID != 0 {
				c.profiles[u.ID] = c.profiles[u.ID].merge(profileFromUser(u))
			}
		}
		c.hydrated[chatID] = c.now()
		c.mu.Unlock()
		return nil, nil
	})
	return err
}

// Username returns the known handle for userID.
func (c *SenderCache) Username(userID int64) (string, bool) {
	p, ok := c.Lookup(userID)
	if !ok || p.Username == "" {
		return "", false
	}
	return p.Username, true
}
