package core

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const TypingUpdatedEvent = "typing.updated"

type TypingUpdatedPayload struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
	Typing bool   `json:"typing"`
}

// TypingEntry records that a user is composing a message in a room. Absence
// of an entry is the "not typing" state; entries are removed, never flagged.
type TypingEntry struct {
	StartedAt time.Time
	ExpiresAt time.Time
}

type typingKey struct {
	roomID string
	userID string
}

// TypingCoordinator owns the per-(room, user) typing entries. Every entry has
// exactly one expiry timer; refreshes replace the timer through the keyed
// scheduler, and the expiry sweep is idempotent against a concurrent explicit
// stop: whichever removes the entry first wins, the other is a no-op.
type TypingCoordinator struct {
	mu          sync.Mutex
	entries     map[typingKey]*TypingEntry
	broadcaster Broadcaster
	scheduler   *KeyedScheduler
	ttl         time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

func NewTypingCoordinator(broadcaster Broadcaster, ttl time.Duration, logger *slog.Logger) *TypingCoordinator {
	return &TypingCoordinator{
		entries:     make(map[typingKey]*TypingEntry),
		broadcaster: broadcaster,
		scheduler:   NewKeyedScheduler(),
		ttl:         ttl,
		logger:      logger,
		now:         time.Now,
	}
}

func typingTimerKey(k typingKey) string {
	return "typing:" + k.roomID + ":" + k.userID
}

// StartTyping upserts the entry with a fresh TTL. A new entry broadcasts
// "typing started" to the room excluding the sender; a refresh is silent.
func (c *TypingCoordinator) StartTyping(userID, roomID string) {
	k := typingKey{roomID: roomID, userID: userID}
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	entry, existed := c.entries[k]
	if existed {
		entry.ExpiresAt = now.Add(c.ttl)
	} else {
		c.entries[k] = &TypingEntry{StartedAt: now, ExpiresAt: now.Add(c.ttl)}
	}
	c.scheduler.Schedule(typingTimerKey(k), c.ttl, func() {
		c.expire(k)
	})
	if !existed {
		c.broadcastLocked(k, true)
	}
}

// StopTyping removes the entry immediately and broadcasts "typing stopped"
// if one existed. Stopping a user who is not typing is a no-op.
func (c *TypingCoordinator) StopTyping(userID, roomID string) {
	k := typingKey{roomID: roomID, userID: userID}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[k]; !ok {
		return
	}
	delete(c.entries, k)
	c.scheduler.Cancel(typingTimerKey(k))
	c.broadcastLocked(k, false)
}

// StopAll force-stops the user's typing in each of the given rooms. Used by
// the disconnect cascade so a dead socket does not leave ghost typing
// indicators until the TTL fires.
func (c *TypingCoordinator) StopAll(userID string, roomIDs ...string) {
	for _, roomID := range roomIDs {
		c.StopTyping(userID, roomID)
	}
}

// Typing returns the ids of users currently typing in the room. Entries past
// their expiry are skipped even if the sweep has not removed them yet.
func (c *TypingCoordinator) Typing(roomID string) []string {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	var users []string
	for k, entry := range c.entries {
		if k.roomID != roomID {
			continue
		}
		if entry.ExpiresAt.After(now) {
			users = append(users, k.userID)
		}
	}
	return users
}

// Close cancels all expiry timers.
func (c *TypingCoordinator) Close() {
	c.scheduler.Close()
}

func (c *TypingCoordinator) expire(k typingKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[k]
	if !ok {
		// lost the race to an explicit stop
		return
	}
	if entry.ExpiresAt.After(c.now()) {
		// refreshed between the timer firing and acquiring the lock; the
		// replacement timer owns the entry now
		return
	}
	delete(c.entries, k)
	c.broadcastLocked(k, false)
}

func (c *TypingCoordinator) broadcastLocked(k typingKey, typing bool) {
	e, err := NewEvent(TypingUpdatedEvent, TypingUpdatedPayload{
		RoomID: k.roomID,
		UserID: k.userID,
		Typing: typing,
	})
	if err != nil {
		c.logger.Error(fmt.Sprintf("typing broadcast: %v", err))
		return
	}
	c.broadcaster.ToRoom(k.roomID, e, k.userID)
}
