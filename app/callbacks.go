package pulse

import (
	"context"
	"fmt"
)

// onConnectionOpened runs when the hub finishes a websocket upgrade. The
// connection is registered, auto-subscribed to every room the user is a
// member of, and presence moves ONLINE when this is the user's first open
// connection.
func (app *App) onConnectionOpened(userID, connID string) {
	// first is reported by Register under the registry lock, so two
	// connections of the same user opening concurrently cannot both see it
	_, first := app.registry.Register(userID, connID)

	rooms, err := app.rosterStore.RoomsOf(context.Background(), userID)
	if err != nil {
		app.logger.Error(fmt.Sprintf("RoomsOf(%s): %v", userID, err))
	}
	for _, roomID := range rooms {
		if err := app.registry.Subscribe(connID, roomID); err != nil {
			app.logger.Warn(err.Error())
		}
	}

	if first {
		app.presence.OnUserConnected(userID)
	} else {
		app.presence.RecordActivity(userID)
	}
}

// onConnectionClosed runs when a websocket connection dies. The handle is
// removed eagerly, and typing indicators owned by the user are force-stopped
// in every room no other connection of theirs is still subscribed to, so a
// dead socket never leaves a ghost indicator until the TTL fires. The
// registry invokes the presence OFFLINE transition itself when this was the
// last connection.
func (app *App) onConnectionClosed(userID, connID string) {
	handle, err := app.registry.Deregister(connID)
	if err != nil {
		// double-disconnect or a close racing a failed register; nothing to
		// clean up
		app.logger.Warn(err.Error())
		return
	}

	for _, roomID := range handle.Rooms() {
		if !app.registry.UserInRoom(userID, roomID) {
			app.typing.StopTyping(userID, roomID)
			app.typingDebounce.Reset(userID, roomID)
		}
	}
}
