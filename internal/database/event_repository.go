package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/picturebook/internal/models"
)

// EventRepository stores generation lifecycle events
type EventRepository struct {
	db *DB
}

// NewEventRepository creates a new EventRepository
func NewEventRepository(db *DB) *EventRepository {
	return &EventRepository{db: db}
}

// Insert records an event. Re-inserting the same event ID is a no-op.
func (r *EventRepository) Insert(ctx context.Context, event *models.Event) error {
	query := `
		INSERT INTO generation_events (
			id, type, session_id, status, error_kind, message, size, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, query,
		event.ID, event.Type, nullString(event.SessionID), nullString(event.Status),
		nullString(event.ErrorKind), nullString(event.Message), nullString(event.Size),
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", event.ID, err)
	}
	return nil
}

// HandleEvent implements kafka.MessageHandler by inserting the event.
func (r *EventRepository) HandleEvent(ctx context.Context, event *models.Event) error {
	if err := r.Insert(ctx, event); err != nil {
		return err
	}
	log.Debug().Str("event_id", event.ID.String()).Str("event", event.Type).Msg("Event stored")
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
