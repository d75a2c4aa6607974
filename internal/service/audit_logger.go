package service

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"pagemeter/internal/model"
	"pagemeter/internal/pubsub"
	"pagemeter/internal/repository"

	"github.com/rs/zerolog"
)

// AuditLogger is the best-effort sink for usage audit records. Record never
// blocks and never fails the caller; problems are logged and counted.
type AuditLogger interface {
	Record(rec *model.UsageAuditRecord)
	// Flush writes everything recorded so far before returning.
	Flush(ctx context.Context) error
	// Close drains the buffer and stops the worker.
	Close()
	Stats() AuditStats
}

type AuditStats struct {
	Written uint64 `json:"written"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
}

type AuditConfig struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	// Topic receives every written record as JSON when a publisher is set.
	Topic string
}

type auditLogger struct {
	repo      repository.AuditRepository
	publisher pubsub.Publisher
	cfg       AuditConfig
	logger    zerolog.Logger

	buffer  chan *model.UsageAuditRecord
	flushCh chan chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
	once    sync.Once

	// sendMu orders buffer sends before Close stops the worker
	sendMu sync.RWMutex
	closed atomic.Bool

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewAuditLogger starts the background flush worker. publisher may be nil.
func NewAuditLogger(repo repository.AuditRepository, publisher pubsub.Publisher, cfg AuditConfig, logger zerolog.Logger) AuditLogger {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 10000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	a := &auditLogger{
		repo:      repo,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.With().Str("service", "AuditLogger").Logger(),
		buffer:    make(chan *model.UsageAuditRecord, cfg.BufferSize),
		flushCh:   make(chan chan struct{}),
		stopCh:    make(chan struct{}),
	}
	a.wg.Add(1)
	go a.flushWorker()
	return a
}

func (a *auditLogger) Record(rec *model.UsageAuditRecord) {
	if rec == nil {
		return
	}
	if rec.ID == "" {
		rec.ID = model.NewID(model.PrefixAudit)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	a.sendMu.RLock()
	defer a.sendMu.RUnlock()
	if a.closed.Load() {
		a.drop(rec, "audit logger closed")
		return
	}
	select {
	case a.buffer <- rec:
	default:
		a.drop(rec, "audit buffer full")
	}
}

func (a *auditLogger) drop(rec *model.UsageAuditRecord, reason string) {
	a.dropped.Add(1)
	a.logger.Error().
		Str("account_id", rec.AccountID).
		Str("action", string(rec.Action)).
		Str("reservation_id", rec.ReservationID).
		Msg("Dropping audit record: " + reason)
}

func (a *auditLogger) Flush(ctx context.Context) error {
	if a.closed.Load() {
		return nil
	}
	done := make(chan struct{})
	select {
	case a.flushCh <- done:
	case <-a.stopCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *auditLogger) Close() {
	a.once.Do(func() {
		a.sendMu.Lock()
		a.closed.Store(true)
		a.sendMu.Unlock()
		close(a.stopCh)
		a.wg.Wait()
	})
}

func (a *auditLogger) Stats() AuditStats {
	return AuditStats{
		Written: a.written.Load(),
		Dropped: a.dropped.Load(),
		Failed:  a.failed.Load(),
	}
}

func (a *auditLogger) flushWorker() {
	defer a.wg.Done()

	batch := make([]*model.UsageAuditRecord, 0, a.cfg.BatchSize)
	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) > 0 {
			a.writeBatch(batch)
			batch = make([]*model.UsageAuditRecord, 0, a.cfg.BatchSize)
		}
	}
	// drain moves whatever is buffered right now into batches.
	drain := func() {
		for {
			select {
			case rec := <-a.buffer:
				batch = append(batch, rec)
				if len(batch) >= a.cfg.BatchSize {
					flush()
				}
			default:
				flush()
				return
			}
		}
	}

	for {
		select {
		case <-a.stopCh:
			drain()
			return

		case done := <-a.flushCh:
			drain()
			close(done)

		case rec := <-a.buffer:
			batch = append(batch, rec)
			if len(batch) >= a.cfg.BatchSize {
				flush()
			}

		case <-ticker.C:
			flush()
		}
	}
}

func (a *auditLogger) writeBatch(batch []*model.UsageAuditRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	if err := a.repo.InsertBatch(ctx, batch); err != nil {
		a.failed.Add(uint64(len(batch)))
		a.logger.Error().Err(err).Int("batch_size", len(batch)).Msg("Failed to flush audit batch")
		return
	}
	a.written.Add(uint64(len(batch)))
	a.logger.Debug().
		Int("batch_size", len(batch)).
		Int64("elapsed_ms", time.Since(start).Milliseconds()).
		Msg("Flushed audit batch")

	if a.publisher == nil || a.cfg.Topic == "" {
		return
	}
	for _, rec := range batch {
		payload, err := json.Marshal(rec)
		if err != nil {
			a.logger.Error().Err(err).Str("audit_id", rec.ID).Msg("Failed to marshal audit record")
			continue
		}
		attrs := map[string]string{"account_id": rec.AccountID, "action": string(rec.Action)}
		if _, err := a.publisher.Publish(ctx, a.cfg.Topic, payload, attrs); err != nil {
			a.logger.Warn().Err(err).Str("audit_id", rec.ID).Msg("Failed to publish audit record")
		}
	}
}
