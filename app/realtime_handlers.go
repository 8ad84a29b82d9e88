package pulse

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/putto11262002/pulse/core"
	"github.com/putto11262002/pulse/pkg/router"
)

// RealtimeHandler exposes the pull-based query surface over the coordinator
// state: presence, typing, read summaries, unread counts and notification
// preferences.
type RealtimeHandler struct {
	presence *core.PresenceCoordinator
	typing   *core.TypingCoordinator
	receipts *core.ReadReceiptCoordinator
	notifier *core.NotificationDispatcher
	roster   core.RosterStore
}

func NewRealtimeHandler(
	presence *core.PresenceCoordinator,
	typing *core.TypingCoordinator,
	receipts *core.ReadReceiptCoordinator,
	notifier *core.NotificationDispatcher,
	roster core.RosterStore,
) *RealtimeHandler {
	return &RealtimeHandler{
		presence: presence,
		typing:   typing,
		receipts: receipts,
		notifier: notifier,
		roster:   roster,
	}
}

func (h *RealtimeHandler) GetPresenceHandler(w http.ResponseWriter, r *http.Request) error {
	userID := r.PathValue("userID")
	presence := h.presence.Presence(userID)
	return json.NewEncoder(w).Encode(presence)
}

type TypingResponse struct {
	RoomID string   `json:"room_id"`
	Users  []string `json:"users"`
}

func (h *RealtimeHandler) GetTypingHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)
	roomID := r.PathValue("roomID")

	isMember, err := h.roster.IsRoomMember(r.Context(), roomID, session.Username)
	if err != nil {
		return fmt.Errorf("IsRoomMember: %w", err)
	}
	if !isMember {
		return router.NewJsonError(http.StatusForbidden, core.ErrNotRoomMember.Error())
	}

	users := h.typing.Typing(roomID)
	if users == nil {
		users = []string{}
	}
	return json.NewEncoder(w).Encode(TypingResponse{RoomID: roomID, Users: users})
}

func (h *RealtimeHandler) GetReadSummaryHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)
	messageID := r.PathValue("messageID")

	summary, err := h.receipts.Summary(r.Context(), messageID, session.Username)
	if err != nil {
		if errors.Is(err, core.ErrUnknownMessage) {
			return router.NewJsonError(http.StatusNotFound, core.ErrUnknownMessage.Error())
		}
		return err
	}
	return json.NewEncoder(w).Encode(summary)
}

type UnreadResponse struct {
	Count int `json:"count"`
}

func (h *RealtimeHandler) GetUnreadCountHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)
	count := h.receipts.UnreadCount(session.Username)
	return json.NewEncoder(w).Encode(UnreadResponse{Count: count})
}

type NotificationPrefsPayload struct {
	Enabled    bool                                               `json:"enabled"`
	QuietHours core.QuietHours                                    `json:"quiet_hours"`
	Channels   map[core.NotificationType]core.NotificationChannel `json:"channels" validate:"dive,oneof=in_app email sms none"`
}

func (h *RealtimeHandler) GetNotificationPrefsHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)
	return json.NewEncoder(w).Encode(h.notifier.Prefs(session.Username))
}

func (h *RealtimeHandler) PutNotificationPrefsHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)

	var payload NotificationPrefsPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return fmt.Errorf("Decode: %w", err)
	}
	defer r.Body.Close()

	if err := validate.Struct(payload); err != nil {
		return router.NewJsonError(http.StatusBadRequest, FormatValidationErrors(err))
	}

	h.notifier.SetPrefs(session.Username, core.NotificationPrefs{
		Enabled:    payload.Enabled,
		QuietHours: payload.QuietHours,
		Channels:   payload.Channels,
	})
	w.WriteHeader(http.StatusNoContent)
	return nil
}
