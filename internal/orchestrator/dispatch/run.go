package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"pagemeter/internal/apperr"
	"pagemeter/internal/pgmq"
	"pagemeter/internal/service"

	"github.com/rs/zerolog"
)

// Queue is the part of the pgmq client the dispatcher needs.
type Queue interface {
	ReadWithPoll(ctx context.Context, queue string, visibilitySec, timeoutSec, maxMessages int) ([]*pgmq.Message, error)
	Delete(ctx context.Context, queue string, msgIDs []int64) error
}

// Scheduler is the part of the batch scheduler the dispatcher drives.
type Scheduler interface {
	DispatchNext(ctx context.Context, jobID string) error
	ReconcileReservations(ctx context.Context, olderThan time.Duration, limit int) (service.ReconcileReport, error)
}

type Options struct {
	QueueName         string
	VisibilitySec     int
	PollTimeoutSec    int
	PollMaxMsg        int
	MaxReads          int
	StaleAfter        time.Duration
	ReconcileInterval time.Duration
	ReconcileLimit    int
}

// Run starts the dispatch orchestrator. Stale reservations are reconciled
// every ReconcileInterval between polls.
func Run(ctx context.Context, logger zerolog.Logger, queue Queue, scheduler Scheduler, dlq service.DLQService, opts Options) error {
	logger = logger.With().Str("orchestrator", "dispatch").Str("queue", opts.QueueName).Logger()
	logger.Info().Int("max_reads", opts.MaxReads).Msg("Starting dispatch orchestrator")

	lastReconcile := time.Now()
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Shutting down dispatch orchestrator")
			return nil
		default:
		}

		if opts.ReconcileInterval > 0 && time.Since(lastReconcile) >= opts.ReconcileInterval {
			reconcile(ctx, logger, scheduler, opts)
			lastReconcile = time.Now()
		}

		msgs, err := queue.ReadWithPoll(ctx, opts.QueueName, opts.VisibilitySec, opts.PollTimeoutSec, opts.PollMaxMsg)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			logger.Error().Err(err).Msg("Error reading dispatch queue")
			time.Sleep(time.Second)
			continue
		}
		if len(msgs) == 0 {
			continue
		}
		handleBatch(ctx, logger, queue, scheduler, dlq, opts, msgs)
	}
}

// RunReconcile sweeps stale reservations until ctx is done.
func RunReconcile(ctx context.Context, logger zerolog.Logger, scheduler Scheduler, opts Options) error {
	logger = logger.With().Str("orchestrator", "reconcile").Logger()
	logger.Info().Str("stale_after", opts.StaleAfter.String()).Msg("Starting reconcile orchestrator")
	interval := opts.ReconcileInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		reconcile(ctx, logger, scheduler, opts)
		select {
		case <-ctx.Done():
			logger.Info().Msg("Shutting down reconcile orchestrator")
			return nil
		case <-ticker.C:
		}
	}
}

func reconcile(ctx context.Context, logger zerolog.Logger, scheduler Scheduler, opts Options) {
	limit := opts.ReconcileLimit
	if limit <= 0 {
		limit = 500
	}
	report, err := scheduler.ReconcileReservations(ctx, opts.StaleAfter, limit)
	if err != nil {
		logger.Error().Err(err).Msg("Reconcile pass failed")
		return
	}
	logger.Debug().
		Int("committed", report.Committed).
		Int("released", report.Released).
		Int("skipped", report.Skipped).
		Msg("Reconcile pass finished")
}

type decoded struct {
	msg     *pgmq.Message
	payload pgmq.DispatchMessage
}

// handleBatch dispatches one read batch, lowest priority number first.
// Ordering only holds within the batch read by one poll: a more urgent job
// sent after a full batch waits until the next read. A message is deleted
// once its job is dispatched, gone, or dead-lettered; anything else stays on
// the queue and is redelivered after the visibility timeout.
func handleBatch(ctx context.Context, logger zerolog.Logger, queue Queue, scheduler Scheduler, dlq service.DLQService, opts Options, msgs []*pgmq.Message) {
	var batch []decoded
	for _, msg := range msgs {
		var payload pgmq.DispatchMessage
		if err := json.Unmarshal(msg.Data, &payload); err != nil || payload.JobID == "" {
			if err == nil {
				err = errors.New("missing job_id")
			}
			logger.Error().Err(err).Int64("msg_id", msg.ID).Msg("Malformed dispatch message")
			deadLetter(ctx, logger, queue, dlq, opts, msg, fmt.Errorf("decoding payload: %w", err))
			continue
		}
		if opts.MaxReads > 0 && msg.ReadCount > opts.MaxReads {
			deadLetter(ctx, logger, queue, dlq, opts, msg, fmt.Errorf("read %d times without dispatching", msg.ReadCount))
			continue
		}
		batch = append(batch, decoded{msg: msg, payload: payload})
	}
	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].payload.Priority < batch[j].payload.Priority
	})

	for _, d := range batch {
		jobLogger := logger.With().Int64("msg_id", d.msg.ID).Str("job_id", d.payload.JobID).Logger()
		err := scheduler.DispatchNext(ctx, d.payload.JobID)
		switch {
		case err == nil:
			jobLogger.Info().Msg("Job dispatched")
		case apperr.IsNotFound(err):
			jobLogger.Warn().Msg("Job no longer exists, dropping message")
		default:
			jobLogger.Error().Err(err).Int("read_count", d.msg.ReadCount).Msg("Dispatch failed, leaving message for redelivery")
			continue
		}
		if err := queue.Delete(ctx, opts.QueueName, []int64{d.msg.ID}); err != nil {
			jobLogger.Error().Err(err).Msg("Error deleting dispatch message")
		}
	}
}

func deadLetter(ctx context.Context, logger zerolog.Logger, queue Queue, dlq service.DLQService, opts Options, msg *pgmq.Message, cause error) {
	if err := dlq.Record(ctx, opts.QueueName, msg.ID, msg.ReadCount, msg.Data, cause); err != nil {
		// keep the message; it is retried on the next delivery
		return
	}
	if err := queue.Delete(ctx, opts.QueueName, []int64{msg.ID}); err != nil {
		logger.Error().Err(err).Int64("msg_id", msg.ID).Msg("Error deleting dead-lettered message")
	}
}
