package pulse

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/putto11262002/pulse/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRoster is an in-memory RosterStore: room id -> member usernames.
type fakeRoster struct {
	mu      sync.Mutex
	members map[string][]string
}

func newFakeRoster() *fakeRoster {
	return &fakeRoster{members: make(map[string][]string)}
}

func (s *fakeRoster) addMember(roomID, username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[roomID] = append(s.members[roomID], username)
}

func (s *fakeRoster) CreateRoom(_ context.Context, _, _ string) (string, error) {
	return "", nil
}

func (s *fakeRoster) AddMember(_ context.Context, roomID, username string) error {
	s.addMember(roomID, username)
	return nil
}

func (s *fakeRoster) RemoveMember(_ context.Context, _, _ string) error {
	return nil
}

func (s *fakeRoster) RoomsOf(_ context.Context, username string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rooms []string
	for roomID, members := range s.members {
		for _, m := range members {
			if m == username {
				rooms = append(rooms, roomID)
				break
			}
		}
	}
	return rooms, nil
}

func (s *fakeRoster) IsRoomMember(_ context.Context, roomID, username string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.members[roomID] {
		if m == username {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeRoster) RoomMembers(_ context.Context, roomID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.members[roomID]...), nil
}

// recordingBroadcaster counts room fan-outs per room.
type recordingBroadcaster struct {
	mu        sync.Mutex
	roomSends map[string][]*core.Event
}

func newRecordingBroadcaster() *recordingBroadcaster {
	return &recordingBroadcaster{roomSends: make(map[string][]*core.Event)}
}

func (b *recordingBroadcaster) ToRoom(roomID string, e *core.Event, _ ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.roomSends[roomID] = append(b.roomSends[roomID], e)
}

func (b *recordingBroadcaster) ToUsers(_ *core.Event, _ ...string) {}

func (b *recordingBroadcaster) eventsTo(roomID string) []*core.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*core.Event(nil), b.roomSends[roomID]...)
}

type cascadeFixture struct {
	app         *App
	roster      *fakeRoster
	broadcaster *recordingBroadcaster
}

func newCascadeFixture(t *testing.T) *cascadeFixture {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	roster := newFakeRoster()
	broadcaster := newRecordingBroadcaster()
	registry := core.NewRegistry(logger)
	presence := core.NewPresenceCoordinator(registry, broadcaster, time.Minute, logger)
	typing := core.NewTypingCoordinator(broadcaster, time.Minute, logger)
	registry.OnUserFullyDisconnected(presence.OnUserFullyDisconnected)
	t.Cleanup(func() {
		presence.Close()
		typing.Close()
	})

	return &cascadeFixture{
		app: &App{
			logger:         logger,
			registry:       registry,
			presence:       presence,
			typing:         typing,
			typingDebounce: newTypingDebouncer(time.Millisecond),
			rosterStore:    roster,
		},
		roster:      roster,
		broadcaster: broadcaster,
	}
}

func TestConnectionOpened(t *testing.T) {

	t.Run("auto-subscribes roster rooms and goes online", func(t *testing.T) {
		f := newCascadeFixture(t)
		f.roster.addMember("room-1", "alice")
		f.roster.addMember("room-2", "alice")

		f.app.onConnectionOpened("alice", "conn-1")

		assert.True(t, f.app.registry.UserInRoom("alice", "room-1"))
		assert.True(t, f.app.registry.UserInRoom("alice", "room-2"))
		assert.Equal(t, core.PresenceOnline, f.app.presence.Presence("alice").State)
	})

	t.Run("second connection does not reset presence", func(t *testing.T) {
		f := newCascadeFixture(t)
		f.roster.addMember("room-1", "alice")

		f.app.onConnectionOpened("alice", "conn-1")
		require.NoError(t, f.app.presence.SetPresence("alice", core.PresenceBusy, "in a meeting"))

		f.app.onConnectionOpened("alice", "conn-2")

		assert.Equal(t, core.PresenceBusy, f.app.presence.Presence("alice").State)
	})
}

func TestDisconnectCascade(t *testing.T) {

	t.Run("typing stops immediately on disconnect", func(t *testing.T) {
		f := newCascadeFixture(t)
		f.roster.addMember("room-1", "alice")
		f.app.onConnectionOpened("alice", "conn-1")
		f.app.typing.StartTyping("alice", "room-1")

		f.app.onConnectionClosed("alice", "conn-1")

		// stop happens eagerly, not after the 1m TTL
		assert.Empty(t, f.app.typing.Typing("room-1"))
		events := f.broadcaster.eventsTo("room-1")
		var last core.TypingUpdatedPayload
		for _, e := range events {
			if e.Type == core.TypingUpdatedEvent {
				last = decodeTypingPayload(t, e)
			}
		}
		assert.False(t, last.Typing)
		assert.Equal(t, core.PresenceOffline, f.app.presence.Presence("alice").State)

		// the offline presence update must reach the room even though the
		// registry no longer knows the user
		var sawOffline bool
		for _, e := range events {
			if e.Type != core.PresenceUpdatedEvent {
				continue
			}
			var p core.PresenceUpdatedPayload
			require.NoError(t, json.Unmarshal(e.Payload, &p))
			if p.UserID == "alice" && p.State == core.PresenceOffline {
				sawOffline = true
			}
		}
		assert.True(t, sawOffline)
	})

	t.Run("two connections, closing one keeps typing alive", func(t *testing.T) {
		f := newCascadeFixture(t)
		f.roster.addMember("room-1", "alice")
		f.app.onConnectionOpened("alice", "conn-1")
		f.app.onConnectionOpened("alice", "conn-2")
		f.app.typing.StartTyping("alice", "room-1")

		f.app.onConnectionClosed("alice", "conn-1")

		assert.ElementsMatch(t, []string{"alice"}, f.app.typing.Typing("room-1"))
		assert.Equal(t, core.PresenceOnline, f.app.presence.Presence("alice").State)

		f.app.onConnectionClosed("alice", "conn-2")

		assert.Empty(t, f.app.typing.Typing("room-1"))
		assert.Equal(t, core.PresenceOffline, f.app.presence.Presence("alice").State)
	})

	t.Run("double disconnect is a no-op", func(t *testing.T) {
		f := newCascadeFixture(t)
		f.roster.addMember("room-1", "alice")
		f.app.onConnectionOpened("alice", "conn-1")

		f.app.onConnectionClosed("alice", "conn-1")
		f.app.onConnectionClosed("alice", "conn-1")

		assert.Equal(t, core.PresenceOffline, f.app.presence.Presence("alice").State)
	})
}

func decodeTypingPayload(t *testing.T, e *core.Event) core.TypingUpdatedPayload {
	t.Helper()
	var payload core.TypingUpdatedPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		t.Fatalf("unmarshal %s payload: %v", e.Type, err)
	}
	return payload
}
