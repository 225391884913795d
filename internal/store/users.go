package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// User is the read-only identity surface the chat core needs. Account
// management (registration, password auth, JWT issuance) lives in the
// external user service; the core only resolves claimed tokens to users.
type User struct {
	ID       int64
	Username string
	Role     string // admin | moderator | user
	Blocked  bool
}

// ResolveToken looks up the user owning an auth token. Returns
// ErrUserNotFound for unknown or empty tokens.
func (s *Store) ResolveToken(ctx context.Context, token string) (*User, error) {
	if token == "" {
		return nil, ErrUserNotFound
	}

	const query = `
		SELECT id, username, role, is_blocked
		FROM users
		WHERE auth_token = $1`

	var u User
	err := s.db.QueryRowContext(ctx, query, token).Scan(&u.ID, &u.Username, &u.Role, &u.Blocked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: resolve token: %w", err)
	}
	return &u, nil
}

// GetUser fetches a user by ID. Returns ErrUserNotFound if absent.
func (s *Store) GetUser(ctx context.Context, id int64) (*User, error) {
	const query = `
		SELECT id, username, role, is_blocked
		FROM users
		WHERE id = $1`

	var u User
	err := s.db.QueryRowContext(ctx, query, id).Scan(&u.ID, &u.Username, &u.Role, &u.Blocked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get user: %w", err)
	}
	return &u, nil
}

// Reputation returns the user's toxic / non-toxic message counters.
func (s *Store) Reputation(ctx context.Context, userID int64) (toxic, nonToxic int64, err error) {
	const query = `
		SELECT toxic_count, non_toxic_count
		FROM profiles
		WHERE user_id = $1`

	err = s.db.QueryRowContext(ctx, query, userID).Scan(&toxic, &nonToxic)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, ErrUserNotFound
	}
	if err != nil {
		return 0, 0, fmt.Errorf("store: reputation: %w", err)
	}
	return toxic, nonToxic, nil
}
