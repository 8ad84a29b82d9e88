package core

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInvalidRoom is returned when a room is not found.
	ErrInvalidRoom = errors.New("invalid room")
	// ErrInvalidUser is returned when a user is not found or is invalid.
	ErrInvalidUser = errors.New("invalid user")
	// ErrUnknownMessage is returned when a message id does not exist.
	ErrUnknownMessage = errors.New("unknown message")
	// ErrNotRoomMember is returned when a user acts on a room they are not a
	// member of.
	ErrNotRoomMember = errors.New("not a room member")
)

type MemberRole string

const (
	Owner  MemberRole = "owner"
	Member MemberRole = "member"
)

// Room is a chat room known to the roster.
type Room struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// RoomMember binds a user to a room with a role.
type RoomMember struct {
	RoomID   string     `json:"room_id"`
	Username string     `json:"username"`
	Role     MemberRole `json:"role"`
	JoinedAt time.Time  `json:"joined_at"`
}

// Message is a persisted chat message. The realtime layer persists messages
// only so receipts have real ids to validate against; history pagination and
// search live elsewhere.
type Message struct {
	ID     string    `json:"id"`
	RoomID string    `json:"room_id"`
	Sender string    `json:"sender"`
	Data   string    `json:"data"`
	SentAt time.Time `json:"sent_at"`
}

type MessageCreateInput struct {
	RoomID string `json:"room_id" validate:"required"`
	Sender string `json:"sender" validate:"required"`
	Data   string `json:"data" validate:"required"`
}

// RosterStore is the room-membership collaborator. Coordinators consult it to
// validate event scoping before mutating any state.
type RosterStore interface {
	CreateRoom(ctx context.Context, name, ownerUsername string) (string, error)

	AddMember(ctx context.Context, roomID, username string) error

	RemoveMember(ctx context.Context, roomID, username string) error

	// RoomsOf returns the ids of the rooms the user is a member of.
	RoomsOf(ctx context.Context, username string) ([]string, error)

	IsRoomMember(ctx context.Context, roomID, username string) (bool, error)

	RoomMembers(ctx context.Context, roomID string) ([]string, error)
}

// MessageStore persists messages and answers existence queries for the
// receipt coordinator.
type MessageStore interface {
	MessageIndex

	SaveMessage(ctx context.Context, input MessageCreateInput) (*Message, error)
}
