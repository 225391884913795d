// Package store provides PostgreSQL-backed persistence for the chat core:
// identity resolution, rooms with their per-room message sequence, messages
// with moderation fields, and per-user reputation counters. All writes that
// must be atomic with message creation happen inside a single transaction.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
)

// Sentinel errors for lookups that callers branch on.
var (
	ErrUserNotFound = errors.New("store: user not found")
	ErrRoomNotFound = errors.New("store: room not found")
)

// Store wraps the database handle. It is safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL using the given DSN and verifies the
// connection with a ping.
func Open(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	return &Store{db: db}, nil
}

// NewStore wraps an existing database handle (used by tests).
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate applies all pending schema migrations from migrationsDir.
func Migrate(databaseURL, migrationsDir string) error {
	m, err := migrate.New("file://"+migrationsDir, databaseURL)
	if err != nil {
		return fmt.Errorf("store: migrate init: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate up: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("store: migrate version: %w", err)
	}
	log.Printf("store: schema at version %d (dirty=%v)", version, dirty)
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}
