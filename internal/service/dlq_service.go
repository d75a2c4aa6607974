package service

import (
	"context"
	"encoding/json"
	"strconv"

	"pagemeter/internal/model"
	"pagemeter/internal/repository"

	"github.com/rs/zerolog"
)

// DLQService parks queue messages that could not be handled.
type DLQService interface {
	Record(ctx context.Context, queue string, msgID int64, readCount int, payload []byte, cause error) error
}

type dlqService struct {
	repo   repository.DLQRepository
	logger zerolog.Logger
}

func NewDLQService(repo repository.DLQRepository, logger zerolog.Logger) DLQService {
	return &dlqService{repo: repo, logger: logger.With().Str("service", "DLQService").Logger()}
}

func (s *dlqService) Record(ctx context.Context, queue string, msgID int64, readCount int, payload []byte, cause error) error {
	// payload column is JSONB; keep undecodable bodies as a JSON string
	body := string(payload)
	if !json.Valid(payload) {
		quoted, _ := json.Marshal(body)
		body = string(quoted)
	}

	var lastError *string
	if cause != nil {
		msg := cause.Error()
		lastError = &msg
	}

	dbMessage := &model.DeadLetterMessage{
		QueueName: queue,
		MessageID: strconv.FormatInt(msgID, 10),
		Payload:   body,
		ReadCount: readCount,
		LastError: lastError,
		Status:    "unprocessed",
	}
	if err := s.repo.Create(ctx, dbMessage); err != nil {
		s.logger.Error().Err(err).Str("queue", queue).Int64("msg_id", msgID).Msg("Failed to record dead letter")
		return err
	}
	s.logger.Warn().Str("queue", queue).Int64("msg_id", msgID).Int("read_count", readCount).Str("dead_letter_id", dbMessage.ID).Msg("Message moved to dead letters")
	return nil
}
