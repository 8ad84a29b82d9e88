package pulse

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/putto11262002/pulse/core"
	"github.com/putto11262002/pulse/pkg/router"
)

type UserHandler struct {
	store core.UserStore
}

func NewUserHandler(store core.UserStore) *UserHandler {
	return &UserHandler{store: store}
}

type RegisterUserPayload struct {
	Name     string `json:"name" validate:"required"`
	Username string `json:"username" validate:"required,min=3,max=32"`
	Password string `json:"password" validate:"required,min=8"`
}

func (h *UserHandler) RegisterUserHandler(w http.ResponseWriter, r *http.Request) error {
	var payload RegisterUserPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return fmt.Errorf("Decode: %w", err)
	}
	defer r.Body.Close()

	if err := validate.Struct(payload); err != nil {
		return router.NewJsonError(http.StatusBadRequest, FormatValidationErrors(err))
	}

	err := h.store.CreateUser(r.Context(), core.User{
		Name:     payload.Name,
		Username: payload.Username,
		Password: payload.Password,
	})
	if err != nil {
		if errors.Is(err, core.ErrConflictedUser) {
			return router.NewJsonError(http.StatusConflict, "user already exists")
		}
		return err
	}

	w.WriteHeader(http.StatusCreated)
	return nil
}

func (h *UserHandler) MeHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)
	user, err := h.store.GetUserByUsername(r.Context(), session.Username)
	if err != nil {
		return fmt.Errorf("GetUserByUsername: %w", err)
	}
	if user == nil {
		return router.NewJsonError(http.StatusNotFound, "user not found")
	}
	return json.NewEncoder(w).Encode(user)
}
