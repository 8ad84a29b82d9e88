package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type SQLiteRosterStore struct {
	db        *sql.DB
	userStore UserStore
}

func NewSQLiteRosterStore(db *sql.DB, userStore UserStore) *SQLiteRosterStore {
	return &SQLiteRosterStore{
		db:        db,
		userStore: userStore,
	}
}

func (s *SQLiteRosterStore) CreateRoom(ctx context.Context, name, ownerUsername string) (string, error) {
	owner, err := s.userStore.GetUserByUsername(ctx, ownerUsername)
	if err != nil {
		return "", fmt.Errorf("GetUserByUsername: %w", err)
	}
	if owner == nil {
		return "", ErrInvalidUser
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("BeginTx: %w", err)
	}
	defer tx.Rollback()

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO rooms (id, name, created_at) VALUES (@id, @name, @created_at)`,
		sql.Named("id", id), sql.Named("name", name), sql.Named("created_at", now))
	if err != nil {
		return "", fmt.Errorf("ExecContext(insert room): %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO room_members (room_id, username, role, joined_at) VALUES (@room_id, @username, @role, @joined_at)`,
		sql.Named("room_id", id), sql.Named("username", ownerUsername),
		sql.Named("role", Owner), sql.Named("joined_at", now))
	if err != nil {
		return "", fmt.Errorf("ExecContext(insert room_members): %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("Commit: %w", err)
	}

	return id, nil
}

func (s *SQLiteRosterStore) AddMember(ctx context.Context, roomID, username string) error {
	user, err := s.userStore.GetUserByUsername(ctx, username)
	if err != nil {
		return fmt.Errorf("GetUserByUsername: %w", err)
	}
	if user == nil {
		return ErrInvalidUser
	}

	row := s.db.QueryRowContext(ctx, `SELECT id FROM rooms WHERE id = ? LIMIT 1`, roomID)
	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrInvalidRoom
		}
		return fmt.Errorf("Scan: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO room_members (room_id, username, role, joined_at)
		 VALUES (@room_id, @username, @role, @joined_at)
		 ON CONFLICT (room_id, username) DO NOTHING`,
		sql.Named("room_id", roomID), sql.Named("username", username),
		sql.Named("role", Member), sql.Named("joined_at", time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("ExecContext(insert room_members): %w", err)
	}
	return nil
}

func (s *SQLiteRosterStore) RemoveMember(ctx context.Context, roomID, username string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM room_members WHERE room_id = ? AND username = ?`, roomID, username)
	if err != nil {
		return fmt.Errorf("ExecContext(delete room_members): %w", err)
	}
	return nil
}

func (s *SQLiteRosterStore) RoomsOf(ctx context.Context, username string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT room_id FROM room_members WHERE username = ?`, username)
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	var roomIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("Scan: %w", err)
		}
		roomIDs = append(roomIDs, id)
	}
	return roomIDs, rows.Err()
}

func (s *SQLiteRosterStore) IsRoomMember(ctx context.Context, roomID, username string) (bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM room_members WHERE room_id = ? AND username = ? LIMIT 1`, roomID, username)
	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("Scan: %w", err)
	}
	return true, nil
}

func (s *SQLiteRosterStore) RoomMembers(ctx context.Context, roomID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT username FROM room_members WHERE room_id = ?`, roomID)
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	var usernames []string
	for rows.Next() {
		var username string
		if err := rows.Scan(&username); err != nil {
			return nil, fmt.Errorf("Scan: %w", err)
		}
		usernames = append(usernames, username)
	}
	return usernames, rows.Err()
}

type SQLiteMessageStore struct {
	db     *sql.DB
	roster RosterStore
}

func NewSQLiteMessageStore(db *sql.DB, roster RosterStore) *SQLiteMessageStore {
	return &SQLiteMessageStore{db: db, roster: roster}
}

func (s *SQLiteMessageStore) SaveMessage(ctx context.Context, input MessageCreateInput) (*Message, error) {
	isMember, err := s.roster.IsRoomMember(ctx, input.RoomID, input.Sender)
	if err != nil {
		return nil, fmt.Errorf("IsRoomMember: %w", err)
	}
	if !isMember {
		return nil, ErrNotRoomMember
	}

	msg := &Message{
		ID:     uuid.New().String(),
		RoomID: input.RoomID,
		Sender: input.Sender,
		Data:   input.Data,
		SentAt: time.Now().UTC(),
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, room_id, sender, data, sent_at)
		 VALUES (@id, @room_id, @sender, @data, @sent_at)`,
		sql.Named("id", msg.ID), sql.Named("room_id", msg.RoomID),
		sql.Named("sender", msg.Sender), sql.Named("data", msg.Data),
		sql.Named("sent_at", msg.SentAt))
	if err != nil {
		return nil, fmt.Errorf("ExecContext(insert message): %w", err)
	}

	return msg, nil
}

func (s *SQLiteMessageStore) MessageRoom(ctx context.Context, messageID string) (string, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT room_id FROM messages WHERE id = ? LIMIT 1`, messageID)
	var roomID string
	if err := row.Scan(&roomID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrUnknownMessage
		}
		return "", fmt.Errorf("Scan: %w", err)
	}
	return roomID, nil
}
