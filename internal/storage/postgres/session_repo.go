package postgres

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/XavTo/OpenHands-Fork/internal/storage"
)

// SessionRepository implements session persistence on GORM. Both the
// PostgreSQL and SQLite backends reuse it; GORM's dialects handle the SQL
// differences transparently.
type SessionRepository struct {
	db *gorm.DB
}

// NewSessionRepository creates a SessionRepository.
func NewSessionRepository(db *gorm.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Create persists a new session. The unique index on workspace_path backs
// the one-live-sandbox-per-workspace rule at the storage level.
func (r *SessionRepository) Create(ctx context.Context, rec *storage.SessionRecord) error {
	model := toSessionModel(rec)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	return nil
}

// Get retrieves a session by ID.
func (r *SessionRepository) Get(ctx context.Context, id string) (*storage.SessionRecord, error) {
	var model SessionModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("getting session %s: %w", id, err)
	}
	return toSessionRecord(&model), nil
}

// List returns all sessions, newest first.
func (r *SessionRepository) List(ctx context.Context) ([]storage.SessionRecord, error) {
	var models []SessionModel
	if err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	records := make([]storage.SessionRecord, len(models))
	for i := range models {
		records[i] = *toSessionRecord(&models[i])
	}
	return records, nil
}

// ListByState returns sessions in the given state, newest first.
func (r *SessionRepository) ListByState(ctx context.Context, state string) ([]storage.SessionRecord, error) {
	var models []SessionModel
	if err := r.db.WithContext(ctx).
		Where("state = ?", state).
		Order("created_at DESC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing sessions by state %s: %w", state, err)
	}
	records := make([]storage.SessionRecord, len(models))
	for i := range models {
		records[i] = *toSessionRecord(&models[i])
	}
	return records, nil
}

// UpdateState moves a session to a new state.
func (r *SessionRepository) UpdateState(ctx context.Context, id, state string) error {
	result := r.db.WithContext(ctx).
		Model(&SessionModel{}).
		Where("id = ?", id).
		Update("state", state)
	if result.Error != nil {
		return fmt.Errorf("updating session %s state: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Delete removes a session record.
func (r *SessionRepository) Delete(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Delete(&SessionModel{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("deleting session %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// compile-time interface check
var _ storage.SessionStore = (*SessionRepository)(nil)
