package model

import "time"

// DeadLetterMessage is a queue message that exhausted its delivery attempts,
// persisted for manual inspection.
type DeadLetterMessage struct {
	ID        string    `db:"id"`
	QueueName string    `db:"queue_name"`
	MessageID string    `db:"message_id"`
	Payload   string    `db:"payload"` // JSON string
	ReadCount int       `db:"read_count"`
	LastError *string   `db:"last_error"`
	Status    string    `db:"status"`
	CreatedAt time.Time `db:"created_at"`
}
