package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Room is a named multicast scope. LastSeq is the highest message sequence
// assigned in the room; it only ever advances, inside the message-create
// transaction.
type Room struct {
	ID      int64
	Name    string
	IsGroup bool
	LastSeq int64
}

// GetRoomByName looks up a room by its unique name. Returns ErrRoomNotFound
// if absent.
func (s *Store) GetRoomByName(ctx context.Context, name string) (*Room, error) {
	const query = `
		SELECT id, name, is_group, last_seq
		FROM rooms
		WHERE name = $1`

	var r Room
	err := s.db.QueryRowContext(ctx, query, name).Scan(&r.ID, &r.Name, &r.IsGroup, &r.LastSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get room: %w", err)
	}
	return &r, nil
}

// CreateRoom creates a room and auto-joins the creator, so a room is never
// left without participants.
func (s *Store) CreateRoom(ctx context.Context, name string, isGroup bool, creatorID int64) (*Room, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: create room: begin: %w", err)
	}
	defer tx.Rollback()

	var r Room
	err = tx.QueryRowContext(ctx, `
		INSERT INTO rooms (name, is_group)
		VALUES ($1, $2)
		RETURNING id, name, is_group, last_seq`,
		name, isGroup,
	).Scan(&r.ID, &r.Name, &r.IsGroup, &r.LastSeq)
	if err != nil {
		return nil, fmt.Errorf("store: create room: insert: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO room_participants (room_id, user_id)
		VALUES ($1, $2)`,
		r.ID, creatorID,
	); err != nil {
		return nil, fmt.Errorf("store: create room: add creator: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: create room: commit: %w", err)
	}
	return &r, nil
}

// AddParticipant joins a user to a room. Joining twice is a no-op.
func (s *Store) AddParticipant(ctx context.Context, roomID, userID int64) error {
	const query = `
		INSERT INTO room_participants (room_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (room_id, user_id) DO NOTHING`

	if _, err := s.db.ExecContext(ctx, query, roomID, userID); err != nil {
		return fmt.Errorf("store: add participant: %w", err)
	}
	return nil
}

// IsParticipant reports whether the user has joined the room.
func (s *Store) IsParticipant(ctx context.Context, roomID, userID int64) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM room_participants
			WHERE room_id = $1 AND user_id = $2
		)`

	var ok bool
	if err := s.db.QueryRowContext(ctx, query, roomID, userID).Scan(&ok); err != nil {
		return false, fmt.Errorf("store: is participant: %w", err)
	}
	return ok, nil
}
