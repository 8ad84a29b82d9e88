package core

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	// ErrConnNotFound is returned by registry operations that reference a
	// connection id that is not (or no longer) registered. Callers are
	// expected to log and continue: a stale disconnect racing a register is
	// normal during reconnects.
	ErrConnNotFound = errors.New("connection not found")
)

// ConnHandle describes one live transport connection of a user together with
// the rooms the connection is subscribed to. Handles returned by the registry
// are detached copies; mutating them has no effect on registry state.
type ConnHandle struct {
	ID     string
	UserID string
	rooms  map[string]struct{}
}

// Rooms returns the room ids the connection is subscribed to.
func (h *ConnHandle) Rooms() []string {
	rooms := make([]string, 0, len(h.rooms))
	for id := range h.rooms {
		rooms = append(rooms, id)
	}
	return rooms
}

func (h *ConnHandle) InRoom(roomID string) bool {
	_, ok := h.rooms[roomID]
	return ok
}

func (h *ConnHandle) clone() ConnHandle {
	c := ConnHandle{ID: h.ID, UserID: h.UserID, rooms: make(map[string]struct{}, len(h.rooms))}
	for id := range h.rooms {
		c.rooms[id] = struct{}{}
	}
	return c
}

// Registry is the index from user ids to their open connections and from
// connections to their room subscriptions. It is the only component that
// mutates connection handles; every other coordinator reads through its
// accessor methods.
type Registry struct {
	mu     sync.RWMutex
	byConn map[string]*ConnHandle
	byUser map[string]map[string]*ConnHandle
	logger *slog.Logger

	onUserFullyDisconnected func(userID string, rooms []string)
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		byConn: make(map[string]*ConnHandle),
		byUser: make(map[string]map[string]*ConnHandle),
		logger: logger,
	}
}

// OnUserFullyDisconnected registers the callback invoked when the last
// connection of a user is removed. rooms is the union of the user's room
// subscriptions captured before removal; the registry index is already empty
// for the user by the time the callback runs. It must be set before the
// registry starts receiving traffic.
func (r *Registry) OnUserFullyDisconnected(f func(userID string, rooms []string)) {
	r.onUserFullyDisconnected = f
}

// Register adds a connection handle for the user and reports whether it is
// the user's first open connection. Registering an already known
// (user, connection) pair is a no-op returning the existing handle.
func (r *Registry) Register(userID, connID string) (ConnHandle, bool) {
	r.mu.Lock()
	var orphaned string
	var orphanedRooms []string
	if h, ok := r.byConn[connID]; ok {
		if h.UserID == userID {
			c := h.clone()
			r.mu.Unlock()
			return c, false
		}
		// a conn id reused by another user must not leave a ghost handle on
		// the old owner
		r.logger.Warn(fmt.Sprintf("connection %q re-registered from %q to %q", connID, h.UserID, userID))
		if conns, ok := r.byUser[h.UserID]; ok {
			delete(conns, connID)
			if len(conns) == 0 {
				delete(r.byUser, h.UserID)
				orphaned = h.UserID
				orphanedRooms = h.Rooms()
			}
		}
	}
	h := &ConnHandle{ID: connID, UserID: userID, rooms: make(map[string]struct{})}
	r.byConn[connID] = h
	conns, ok := r.byUser[userID]
	first := !ok
	if !ok {
		conns = make(map[string]*ConnHandle)
		r.byUser[userID] = conns
	}
	conns[connID] = h
	c := h.clone()
	r.mu.Unlock()

	if orphaned != "" && r.onUserFullyDisconnected != nil {
		r.onUserFullyDisconnected(orphaned, orphanedRooms)
	}
	return c, first
}

// Deregister removes the connection and returns a detached copy of its
// handle. When the removed connection was the user's last one, the
// user-fully-disconnected callback fires after registry state is consistent.
func (r *Registry) Deregister(connID string) (ConnHandle, error) {
	r.mu.Lock()
	h, ok := r.byConn[connID]
	if !ok {
		r.mu.Unlock()
		return ConnHandle{}, fmt.Errorf("deregister %q: %w", connID, ErrConnNotFound)
	}
	delete(r.byConn, connID)
	last := false
	if conns, ok := r.byUser[h.UserID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.byUser, h.UserID)
			last = true
		}
	}
	detached := h.clone()
	r.mu.Unlock()

	if last && r.onUserFullyDisconnected != nil {
		// the detached handle was the user's only remaining connection, so
		// its subscription set is the user's full room union
		r.onUserFullyDisconnected(detached.UserID, detached.Rooms())
	}
	return detached, nil
}

// Subscribe adds the room to the connection's subscription set.
func (r *Registry) Subscribe(connID, roomID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.byConn[connID]
	if !ok {
		return fmt.Errorf("subscribe %q: %w", connID, ErrConnNotFound)
	}
	h.rooms[roomID] = struct{}{}
	return nil
}

// Unsubscribe removes the room from the connection's subscription set.
func (r *Registry) Unsubscribe(connID, roomID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.byConn[connID]
	if !ok {
		return fmt.Errorf("unsubscribe %q: %w", connID, ErrConnNotFound)
	}
	delete(h.rooms, roomID)
	return nil
}

// ConnectionsFor returns detached copies of the user's connection handles.
func (r *Registry) ConnectionsFor(userID string) []ConnHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := r.byUser[userID]
	handles := make([]ConnHandle, 0, len(conns))
	for _, h := range conns {
		handles = append(handles, h.clone())
	}
	return handles
}

func (r *Registry) IsUserConnected(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byUser[userID]
	return ok
}

// UserRooms returns the union of room subscriptions across all of the user's
// open connections.
func (r *Registry) UserRooms(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, h := range r.byUser[userID] {
		for roomID := range h.rooms {
			seen[roomID] = struct{}{}
		}
	}
	rooms := make([]string, 0, len(seen))
	for roomID := range seen {
		rooms = append(rooms, roomID)
	}
	return rooms
}

// UserInRoom reports whether any of the user's connections is subscribed to
// the room. Disconnect cascades use it to decide whether the user has truly
// left the room or another client is still attached.
func (r *Registry) UserInRoom(userID, roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.byUser[userID] {
		if _, ok := h.rooms[roomID]; ok {
			return true
		}
	}
	return false
}

// RoomConns returns the ids of connections subscribed to the room, skipping
// connections owned by any of the except users.
func (r *Registry) RoomConns(roomID string, except ...string) []string {
	skip := make(map[string]struct{}, len(except))
	for _, userID := range except {
		skip[userID] = struct{}{}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for connID, h := range r.byConn {
		if _, ok := skip[h.UserID]; ok {
			continue
		}
		if _, ok := h.rooms[roomID]; ok {
			ids = append(ids, connID)
		}
	}
	return ids
}

// UserConns returns the ids of the user's open connections.
func (r *Registry) UserConns(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := r.byUser[userID]
	ids := make([]string, 0, len(conns))
	for connID := range conns {
		ids = append(ids, connID)
	}
	return ids
}
