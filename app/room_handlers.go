package pulse

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/putto11262002/pulse/core"
	"github.com/putto11262002/pulse/pkg/router"
)

type RoomHandler struct {
	roster core.RosterStore
}

func NewRoomHandler(roster core.RosterStore) *RoomHandler {
	return &RoomHandler{roster: roster}
}

type CreateRoomPayload struct {
	Name string `json:"name" validate:"required"`
}

type CreateRoomResponse struct {
	ID string `json:"id"`
}

func (h *RoomHandler) CreateRoomHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)

	var payload CreateRoomPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return fmt.Errorf("Decode: %w", err)
	}
	defer r.Body.Close()

	if err := validate.Struct(payload); err != nil {
		return router.NewJsonError(http.StatusBadRequest, FormatValidationErrors(err))
	}

	id, err := h.roster.CreateRoom(r.Context(), payload.Name, session.Username)
	if err != nil {
		if errors.Is(err, core.ErrInvalidUser) {
			return router.NewJsonError(http.StatusBadRequest, err.Error())
		}
		return err
	}

	w.WriteHeader(http.StatusCreated)
	return json.NewEncoder(w).Encode(CreateRoomResponse{ID: id})
}

type AddMemberPayload struct {
	Username string `json:"username" validate:"required"`
}

func (h *RoomHandler) AddMemberHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)
	roomID := r.PathValue("roomID")

	isMember, err := h.roster.IsRoomMember(r.Context(), roomID, session.Username)
	if err != nil {
		return fmt.Errorf("IsRoomMember: %w", err)
	}
	if !isMember {
		return router.NewJsonError(http.StatusForbidden, core.ErrNotRoomMember.Error())
	}

	var payload AddMemberPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return fmt.Errorf("Decode: %w", err)
	}
	defer r.Body.Close()

	if err := validate.Struct(payload); err != nil {
		return router.NewJsonError(http.StatusBadRequest, FormatValidationErrors(err))
	}

	if err := h.roster.AddMember(r.Context(), roomID, payload.Username); err != nil {
		switch {
		case errors.Is(err, core.ErrInvalidUser):
			return router.NewJsonError(http.StatusBadRequest, err.Error())
		case errors.Is(err, core.ErrInvalidRoom):
			return router.NewJsonError(http.StatusNotFound, err.Error())
		default:
			return err
		}
	}

	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (h *RoomHandler) RemoveMemberHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)
	roomID := r.PathValue("roomID")
	username := r.PathValue("username")

	// members may remove themselves; removing someone else requires membership
	if username != session.Username {
		isMember, err := h.roster.IsRoomMember(r.Context(), roomID, session.Username)
		if err != nil {
			return fmt.Errorf("IsRoomMember: %w", err)
		}
		if !isMember {
			return router.NewJsonError(http.StatusForbidden, core.ErrNotRoomMember.Error())
		}
	}

	if err := h.roster.RemoveMember(r.Context(), roomID, username); err != nil {
		return fmt.Errorf("RemoveMember: %w", err)
	}

	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (h *RoomHandler) GetMyRoomsHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)
	rooms, err := h.roster.RoomsOf(r.Context(), session.Username)
	if err != nil {
		return fmt.Errorf("RoomsOf: %w", err)
	}
	if rooms == nil {
		rooms = []string{}
	}
	return json.NewEncoder(w).Encode(rooms)
}
