package postgres

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/XavTo/OpenHands-Fork/internal/storage"
)

// EventRepository implements sandbox event persistence on GORM. Shared by
// both backends, same as SessionRepository.
type EventRepository struct {
	db *gorm.DB
}

// NewEventRepository creates an EventRepository.
func NewEventRepository(db *gorm.DB) *EventRepository {
	return &EventRepository{db: db}
}

// Append persists one event.
func (r *EventRepository) Append(ctx context.Context, rec *storage.EventRecord) error {
	model := toEventModel(rec)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending event: %w", err)
	}
	rec.ID = model.ID
	return nil
}

// ListBySession returns a session's events in insertion order. A limit of
// zero returns everything.
func (r *EventRepository) ListBySession(ctx context.Context, sessionID string, limit int) ([]storage.EventRecord, error) {
	q := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var models []SessionEventModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing events for session %s: %w", sessionID, err)
	}
	records := make([]storage.EventRecord, len(models))
	for i := range models {
		records[i] = toEventRecord(&models[i])
	}
	return records, nil
}

// DeleteBySession removes all of a session's events.
func (r *EventRepository) DeleteBySession(ctx context.Context, sessionID string) error {
	if err := r.db.WithContext(ctx).
		Delete(&SessionEventModel{}, "session_id = ?", sessionID).Error; err != nil {
		return fmt.Errorf("deleting events for session %s: %w", sessionID, err)
	}
	return nil
}

// compile-time interface check
var _ storage.EventStore = (*EventRepository)(nil)
