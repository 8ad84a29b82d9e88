package core

import "log/slog"

// Broadcaster is the fan-out primitive consumed by the coordinators. Sends
// are fire-and-forget: coordinators never wait for delivery, and a slow
// client is the transport's problem, not the coordinator's.
//
// The interface is also the clustering seam: a multi-process deployment would
// substitute an implementation that relays events through an external broker
// before they reach the local hub.
type Broadcaster interface {
	// ToRoom delivers the event to every connection subscribed to the room,
	// skipping connections owned by the except users.
	ToRoom(roomID string, e *Event, except ...string)
	// ToUsers delivers the event to every open connection of each user.
	ToUsers(e *Event, userIDs ...string)
}

// HubGateway resolves room and user targets through the registry and hands
// the resulting connection set to the websocket hub.
type HubGateway struct {
	hub      *ConnManager
	registry *Registry
	logger   *slog.Logger
}

func NewHubGateway(hub *ConnManager, registry *Registry, logger *slog.Logger) *HubGateway {
	return &HubGateway{hub: hub, registry: registry, logger: logger}
}

func (g *HubGateway) ToRoom(roomID string, e *Event, except ...string) {
	connIDs := g.registry.RoomConns(roomID, except...)
	if len(connIDs) == 0 {
		return
	}
	g.hub.SendToConns(e, connIDs...)
}

func (g *HubGateway) ToUsers(e *Event, userIDs ...string) {
	for _, userID := range userIDs {
		connIDs := g.registry.UserConns(userID)
		if len(connIDs) == 0 {
			continue
		}
		g.hub.SendToConns(e, connIDs...)
	}
}
