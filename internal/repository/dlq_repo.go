package repository

import (
	"context"
	"database/sql"
	"fmt"

	"pagemeter/internal/model"
)

type DLQRepository interface {
	Create(ctx context.Context, message *model.DeadLetterMessage) error
}

type dlqRepository struct {
	db *sql.DB
}

// NewDLQRepository shares the queue worker's database/sql handle so dead
// letters are written on the same connection pool pgmq reads from.
func NewDLQRepository(db *sql.DB) DLQRepository {
	return &dlqRepository{db: db}
}

func (r *dlqRepository) Create(ctx context.Context, message *model.DeadLetterMessage) error {
	query := `
        INSERT INTO dead_letter_messages (queue_name, message_id, payload, read_count, last_error, status)
        VALUES ($1, $2, $3::jsonb, $4, $5, $6)
        RETURNING id, created_at
    `
	err := r.db.QueryRowContext(
		ctx,
		query,
		message.QueueName,
		message.MessageID,
		message.Payload,
		message.ReadCount,
		message.LastError,
		message.Status,
	).Scan(&message.ID, &message.CreatedAt)
	if err != nil {
		return fmt.Errorf("recording dead letter %s/%s: %w", message.QueueName, message.MessageID, err)
	}
	return nil
}
