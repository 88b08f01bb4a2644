// Package storage defines the unified Store interface for session persistence.
// Two backends are provided: SQLite (default, zero-config) and PostgreSQL
// (production/multi-instance).
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("storage: record not found")

// SessionRecord is the persisted view of a session.
type SessionRecord struct {
	ID            string    `json:"id"`
	WorkspacePath string    `json:"workspace_path"`
	RuntimeMode   string    `json:"runtime_mode"`
	NetworkMode   string    `json:"network_mode"`
	State         string    `json:"state"`
	Plugins       []string  `json:"plugins"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// EventRecord is one persisted sandbox lifecycle or output event.
type EventRecord struct {
	ID        uint      `json:"id"`
	SessionID string    `json:"session_id"`
	Type      string    `json:"type"`
	State     string    `json:"state,omitempty"`
	Stream    string    `json:"stream,omitempty"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionStore persists session records.
type SessionStore interface {
	Create(ctx context.Context, rec *SessionRecord) error
	Get(ctx context.Context, id string) (*SessionRecord, error)
	List(ctx context.Context) ([]SessionRecord, error)
	ListByState(ctx context.Context, state string) ([]SessionRecord, error)
	UpdateState(ctx context.Context, id, state string) error
	Delete(ctx context.Context, id string) error
}

// EventStore persists sandbox events.
type EventStore interface {
	Append(ctx context.Context, rec *EventRecord) error
	ListBySession(ctx context.Context, sessionID string, limit int) ([]EventRecord, error)
	DeleteBySession(ctx context.Context, sessionID string) error
}

// Store is the unified persistence interface. Both backends implement it;
// the sub-stores share the same underlying connection.
type Store interface {
	Sessions() SessionStore
	Events() EventStore

	// Lifecycle.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"
