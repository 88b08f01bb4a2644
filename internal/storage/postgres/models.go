package postgres

import (
	"encoding/json"
	"time"

	"github.com/XavTo/OpenHands-Fork/internal/storage"
)

// SessionModel maps to the "sessions" table.
type SessionModel struct {
	ID            string `gorm:"primaryKey"`
	// No unique index: the workspace-busy rule applies to live sandboxes
	// only, and terminal records legitimately share a path with a
	// successor session.
	WorkspacePath string `gorm:"not null;index"`
	RuntimeMode   string `gorm:"not null"`
	NetworkMode   string `gorm:"not null"`
	State         string `gorm:"not null;index"`
	Plugins       string `gorm:"type:text"` // JSON-encoded list.
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (SessionModel) TableName() string { return "sessions" }

// SessionEventModel maps to the "session_events" table.
type SessionEventModel struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	SessionID string `gorm:"not null;index"`
	Type      string `gorm:"not null"`
	State     string
	Stream    string
	Message   string `gorm:"type:text"`
	CreatedAt time.Time
}

func (SessionEventModel) TableName() string { return "session_events" }

func toSessionModel(rec *storage.SessionRecord) SessionModel {
	plugins, _ := json.Marshal(rec.Plugins)
	return SessionModel{
		ID:            rec.ID,
		WorkspacePath: rec.WorkspacePath,
		RuntimeMode:   rec.RuntimeMode,
		NetworkMode:   rec.NetworkMode,
		State:         rec.State,
		Plugins:       string(plugins),
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
	}
}

func toSessionRecord(m *SessionModel) *storage.SessionRecord {
	var plugins []string
	if m.Plugins != "" {
		json.Unmarshal([]byte(m.Plugins), &plugins)
	}
	return &storage.SessionRecord{
		ID:            m.ID,
		WorkspacePath: m.WorkspacePath,
		RuntimeMode:   m.RuntimeMode,
		NetworkMode:   m.NetworkMode,
		State:         m.State,
		Plugins:       plugins,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

func toEventModel(rec *storage.EventRecord) SessionEventModel {
	return SessionEventModel{
		ID:        rec.ID,
		SessionID: rec.SessionID,
		Type:      rec.Type,
		State:     rec.State,
		Stream:    rec.Stream,
		Message:   rec.Message,
		CreatedAt: rec.CreatedAt,
	}
}

func toEventRecord(m *SessionEventModel) storage.EventRecord {
	return storage.EventRecord{
		ID:        m.ID,
		SessionID: m.SessionID,
		Type:      m.Type,
		State:     m.State,
		Stream:    m.Stream,
		Message:   m.Message,
		CreatedAt: m.CreatedAt,
	}
}
