package core

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type roomSend struct {
	roomID string
	event  *Event
	except []string
}

type userSend struct {
	event   *Event
	userIDs []string
}

// fakeBroadcaster records every fan-out call so tests can assert on exactly
// which events were emitted and to whom.
type fakeBroadcaster struct {
	mu        sync.Mutex
	roomSends []roomSend
	userSends []userSend
}

func newFakeBroadcaster() *fakeBroadcaster {
	return &fakeBroadcaster{}
}

func (b *fakeBroadcaster) ToRoom(roomID string, e *Event, except ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.roomSends = append(b.roomSends, roomSend{roomID: roomID, event: e, except: except})
}

func (b *fakeBroadcaster) ToUsers(e *Event, userIDs ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.userSends = append(b.userSends, userSend{event: e, userIDs: userIDs})
}

func (b *fakeBroadcaster) roomSendsTo(roomID string) []roomSend {
	b.mu.Lock()
	defer b.mu.Unlock()
	var sends []roomSend
	for _, s := range b.roomSends {
		if s.roomID == roomID {
			sends = append(sends, s)
		}
	}
	return sends
}

func (b *fakeBroadcaster) roomSendCount(roomID string) int {
	return len(b.roomSendsTo(roomID))
}

func (b *fakeBroadcaster) userSendsTo(userID string) []userSend {
	b.mu.Lock()
	defer b.mu.Unlock()
	var sends []userSend
	for _, s := range b.userSends {
		for _, id := range s.userIDs {
			if id == userID {
				sends = append(sends, s)
				break
			}
		}
	}
	return sends
}

func decodePayload[T any](t *testing.T, e *Event) T {
	t.Helper()
	var payload T
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		t.Fatalf("unmarshal %s payload: %v", e.Type, err)
	}
	return payload
}

// fakeIndex is an in-memory MessageIndex mapping message ids to room ids.
type fakeIndex struct {
	mu    sync.Mutex
	rooms map[string]string
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{rooms: make(map[string]string)}
}

func (i *fakeIndex) add(messageID, roomID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.rooms[messageID] = roomID
}

func (i *fakeIndex) MessageRoom(_ context.Context, messageID string) (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	roomID, ok := i.rooms[messageID]
	if !ok {
		return "", ErrUnknownMessage
	}
	return roomID, nil
}
