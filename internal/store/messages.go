package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// Message is one persisted chat message with its moderation outcome.
// Toxicity is empty for non-toxic messages; IsFlagged holds exactly when
// Toxicity is set.
type Message struct {
	ID             string    `json:"id"`
	RoomID         int64     `json:"room_id"`
	Seq            int64     `json:"seq"`
	SenderID       int64     `json:"sender_id"`
	SenderName     string    `json:"sender_name"`
	Content        string    `json:"content"`
	UpdatedContent string    `json:"updated_content"`
	Toxicity       string    `json:"toxicity,omitempty"`
	IsFlagged      bool      `json:"is_flagged"`
	CreatedAt      time.Time `json:"timestamp"`
}

// CreateParams carries the pipeline-derived fields for one accepted message.
type CreateParams struct {
	RoomID         int64
	SenderID       int64
	SenderName     string
	Content        string // raw text as sent
	UpdatedContent string // text after lexicon substitution
	Toxicity       string // resolved category, empty for non-toxic
	IsFlagged      bool
}

// CreateModerated persists one accepted message atomically: it advances the
// room's sequence, inserts the message row, and increments the sender's
// toxic or non-toxic counter, all in a single transaction. Either every
// effect commits or none does, so a failure is never visible as a
// half-applied send.
func (s *Store) CreateModerated(ctx context.Context, p CreateParams) (*Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: create message: begin: %w", err)
	}
	defer tx.Rollback()

	// The row lock taken by this UPDATE serializes concurrent sends to the
	// same room at the database level, so sequences are gapless-monotonic
	// per room.
	var seq int64
	err = tx.QueryRowContext(ctx, `
		UPDATE rooms SET last_seq = last_seq + 1
		WHERE id = $1
		RETURNING last_seq`,
		p.RoomID,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: create message: advance seq: %w", err)
	}

	msg := &Message{
		ID:             uuid.New().String(),
		RoomID:         p.RoomID,
		Seq:            seq,
		SenderID:       p.SenderID,
		SenderName:     p.SenderName,
		Content:        p.Content,
		UpdatedContent: p.UpdatedContent,
		Toxicity:       p.Toxicity,
		IsFlagged:      p.IsFlagged,
	}

	toxicity := sql.NullString{String: p.Toxicity, Valid: p.Toxicity != ""}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO messages (id, room_id, sender_id, content, updated_content, toxicity, is_flagged, seq)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`,
		msg.ID, msg.RoomID, msg.SenderID, msg.Content, msg.UpdatedContent, toxicity, msg.IsFlagged, msg.Seq,
	).Scan(&msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: create message: insert: %w", err)
	}

	counterCol := "non_toxic_count"
	if p.IsFlagged {
		counterCol = "toxic_count"
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE profiles SET `+counterCol+` = `+counterCol+` + 1 WHERE user_id = $1`,
		p.SenderID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: create message: update reputation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		log.Printf("store: no profile row for sender %d, reputation not counted", p.SenderID)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: create message: commit: %w", err)
	}
	return msg, nil
}

// ListRecent returns up to limit of the room's most recent messages in
// storage order (oldest first). Used to replay history to a joining
// connection.
func (s *Store) ListRecent(ctx context.Context, roomID int64, limit int) ([]Message, error) {
	const query = `
		SELECT m.id, m.room_id, m.seq, m.sender_id, u.username,
		       m.content, m.updated_content, m.toxicity, m.is_flagged, m.created_at
		FROM (
			SELECT * FROM messages
			WHERE room_id = $1
			ORDER BY seq DESC
			LIMIT $2
		) m
		JOIN users u ON u.id = m.sender_id
		ORDER BY m.seq ASC`

	rows, err := s.db.QueryContext(ctx, query, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list recent: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var toxicity sql.NullString
		if err := rows.Scan(&m.ID, &m.RoomID, &m.Seq, &m.SenderID, &m.SenderName,
			&m.Content, &m.UpdatedContent, &toxicity, &m.IsFlagged, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: list recent: scan: %w", err)
		}
		m.Toxicity = toxicity.String
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list recent: rows: %w", err)
	}
	return out, nil
}
