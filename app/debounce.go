package pulse

import (
	"time"

	"github.com/putto11262002/pulse/core"
)

// typingDebouncer collapses keystroke bursts at the transport edge: per
// (user, room) at most one typing start is forwarded to the coordinator per
// window. It bounds event rate only; typing state lifetime is the
// coordinator's TTL, a separate concern.
type typingDebouncer struct {
	window time.Duration
	last   *core.SyncMap[string, time.Time]
	now    func() time.Time
}

func newTypingDebouncer(window time.Duration) *typingDebouncer {
	return &typingDebouncer{
		window: window,
		last:   core.NewSyncMap[string, time.Time](),
		now:    time.Now,
	}
}

// Allow reports whether a typing start for (user, room) may be forwarded,
// recording the forward time when it is.
func (d *typingDebouncer) Allow(userID, roomID string) bool {
	key := userID + ":" + roomID
	now := d.now()
	allowed := false
	d.last.LoadAndStore(key, func(last time.Time, ok bool) time.Time {
		if ok && now.Sub(last) < d.window {
			return last
		}
		allowed = true
		return now
	})
	return allowed
}

// Reset clears the window for (user, room) so the next start is forwarded
// immediately. Called on explicit stop and on disconnect.
func (d *typingDebouncer) Reset(userID, roomID string) {
	d.last.Delete(userID + ":" + roomID)
}
