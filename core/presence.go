package core

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type PresenceState string

const (
	PresenceOnline  PresenceState = "online"
	PresenceAway    PresenceState = "away"
	PresenceBusy    PresenceState = "busy"
	PresenceOffline PresenceState = "offline"
)

var ErrInvalidPresenceState = errors.New("invalid presence state")

// UserPresence is the coarse availability of one user. It is owned and
// mutated exclusively by the PresenceCoordinator.
type UserPresence struct {
	UserID       string        `json:"user_id"`
	State        PresenceState `json:"state"`
	CustomStatus string        `json:"custom_status,omitempty"`
	LastActivity time.Time     `json:"last_activity"`
	ChangedAt    time.Time     `json:"changed_at"`
}

const PresenceUpdatedEvent = "presence.updated"

type PresenceUpdatedPayload struct {
	UserID       string        `json:"user_id"`
	State        PresenceState `json:"state"`
	CustomStatus string        `json:"custom_status,omitempty"`
}

// PresenceCoordinator drives the per-user presence state machine:
//
//	OFFLINE -> ONLINE on first connection
//	ONLINE <-> AWAY on inactivity / renewed activity
//	ONLINE|AWAY -> BUSY only on explicit request
//	any -> OFFLINE when the last connection closes
//
// Each user owns exactly one inactivity timer; the keyed scheduler replaces
// it on every reschedule so a stale timer can never fire a phantom AWAY.
type PresenceCoordinator struct {
	mu          sync.Mutex
	users       map[string]*UserPresence
	registry    *Registry
	broadcaster Broadcaster
	scheduler   *KeyedScheduler
	awayAfter   time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

func NewPresenceCoordinator(registry *Registry, broadcaster Broadcaster, awayAfter time.Duration, logger *slog.Logger) *PresenceCoordinator {
	return &PresenceCoordinator{
		users:       make(map[string]*UserPresence),
		registry:    registry,
		broadcaster: broadcaster,
		scheduler:   NewKeyedScheduler(),
		awayAfter:   awayAfter,
		logger:      logger,
		now:         time.Now,
	}
}

func presenceTimerKey(userID string) string {
	return "presence:" + userID
}

// OnUserConnected transitions the user ONLINE when their first connection
// opens. Reconnects start from a clean slate: no state from the previous
// session is carried over.
func (p *PresenceCoordinator) OnUserConnected(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	p.users[userID] = &UserPresence{
		UserID:       userID,
		State:        PresenceOnline,
		LastActivity: now,
		ChangedAt:    now,
	}
	p.scheduler.Schedule(presenceTimerKey(userID), p.awayAfter, func() {
		p.onInactive(userID)
	})
	p.broadcastLocked(userID)
}

// RecordActivity refreshes the user's last-activity timestamp and pulls an
// AWAY user back ONLINE.
func (p *PresenceCoordinator) RecordActivity(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.users[userID]
	if !ok || u.State == PresenceOffline {
		return
	}
	u.LastActivity = p.now()
	switch u.State {
	case PresenceAway:
		u.State = PresenceOnline
		u.ChangedAt = u.LastActivity
		p.scheduler.Schedule(presenceTimerKey(userID), p.awayAfter, func() {
			p.onInactive(userID)
		})
		p.broadcastLocked(userID)
	case PresenceOnline:
		p.scheduler.Schedule(presenceTimerKey(userID), p.awayAfter, func() {
			p.onInactive(userID)
		})
	}
	// BUSY is an explicit override: activity refreshes the timestamp but
	// never moves the state.
}

// SetPresence applies an explicit state override. OFFLINE cannot be set
// explicitly; it is derived from the connection count.
func (p *PresenceCoordinator) SetPresence(userID string, state PresenceState, customStatus string) error {
	switch state {
	case PresenceOnline, PresenceAway, PresenceBusy:
	default:
		return fmt.Errorf("set presence %q: %w", state, ErrInvalidPresenceState)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.users[userID]
	if !ok || u.State == PresenceOffline {
		return nil
	}
	now := p.now()
	u.State = state
	u.CustomStatus = customStatus
	u.ChangedAt = now
	u.LastActivity = now
	if state == PresenceOnline {
		p.scheduler.Schedule(presenceTimerKey(userID), p.awayAfter, func() {
			p.onInactive(userID)
		})
	} else {
		// BUSY and explicit AWAY do not decay.
		p.scheduler.Cancel(presenceTimerKey(userID))
	}
	p.broadcastLocked(userID)
	return nil
}

// OnUserFullyDisconnected forces the user OFFLINE and cancels the inactivity
// timer. Invoked by the registry when the last connection closes; rooms is
// the subscription set the registry captured before removing the connection,
// since its own index no longer knows the user by the time this runs.
func (p *PresenceCoordinator) OnUserFullyDisconnected(userID string, rooms []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scheduler.Cancel(presenceTimerKey(userID))
	u, ok := p.users[userID]
	if !ok || u.State == PresenceOffline {
		return
	}
	u.State = PresenceOffline
	u.CustomStatus = ""
	u.ChangedAt = p.now()
	p.broadcastRoomsLocked(userID, rooms)
	delete(p.users, userID)
}

// Presence returns the user's presence; unknown users are OFFLINE.
func (p *PresenceCoordinator) Presence(userID string) UserPresence {
	p.mu.Lock()
	defer p.mu.Unlock()
	if u, ok := p.users[userID]; ok {
		return *u
	}
	return UserPresence{UserID: userID, State: PresenceOffline}
}

// Close cancels all inactivity timers.
func (p *PresenceCoordinator) Close() {
	p.scheduler.Close()
}

func (p *PresenceCoordinator) onInactive(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.users[userID]
	if !ok || u.State != PresenceOnline {
		return
	}
	u.State = PresenceAway
	u.ChangedAt = p.now()
	p.broadcastLocked(userID)
}

// broadcastLocked fans the user's current presence out to every room any of
// their connections is subscribed to, plus the user's own connections so all
// clients of the same account stay in sync. Callers hold p.mu; holding it
// through the emit keeps each user's presence events totally ordered.
func (p *PresenceCoordinator) broadcastLocked(userID string) {
	p.broadcastRoomsLocked(userID, p.registry.UserRooms(userID))
}

func (p *PresenceCoordinator) broadcastRoomsLocked(userID string, rooms []string) {
	u, ok := p.users[userID]
	var payload PresenceUpdatedPayload
	if ok {
		payload = PresenceUpdatedPayload{UserID: userID, State: u.State, CustomStatus: u.CustomStatus}
	} else {
		payload = PresenceUpdatedPayload{UserID: userID, State: PresenceOffline}
	}
	e, err := NewEvent(PresenceUpdatedEvent, payload)
	if err != nil {
		p.logger.Error(fmt.Sprintf("presence broadcast: %v", err))
		return
	}
	for _, roomID := range rooms {
		p.broadcaster.ToRoom(roomID, e, userID)
	}
	p.broadcaster.ToUsers(e, userID)
}
