package service

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"pagemeter/internal/apperr"
	"pagemeter/internal/gateway"
	"pagemeter/internal/model"
	"pagemeter/internal/pdfinfo"
	"pagemeter/internal/repository"
	"pagemeter/internal/storage"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// FileUpload is one document submitted with a job.
type FileUpload struct {
	Filename string
	Data     []byte
	// EstimatedPages is counted from the document when zero.
	EstimatedPages int
}

type JobOptions struct {
	Priority     int
	DocumentType string
	MergeOutput  bool
	MergeFormat  model.MergeFormat
}

// DispatchQueue hands a job to whichever worker runs DispatchNext.
type DispatchQueue interface {
	Enqueue(ctx context.Context, jobID string, priority int) error
}

// ReconcileReport counts what a reconcile pass did with stale reservations.
type ReconcileReport struct {
	Committed int `json:"committed"`
	Released  int `json:"released"`
	Skipped   int `json:"skipped"`
}

// BatchScheduler owns the job and file state machines.
type BatchScheduler interface {
	CreateJob(ctx context.Context, accountID string, files []FileUpload, opts JobOptions) (*model.BatchJob, error)
	// DispatchNext reserves and dispatches every pending file of the job in
	// submission order. It returns once all files are handed to workers.
	DispatchNext(ctx context.Context, jobID string) error
	RetryFile(ctx context.Context, jobID, fileID string) (*model.BatchFile, error)
	RetryAll(ctx context.Context, jobID string) (*model.BatchJob, error)
	Cancel(ctx context.Context, jobID string) (*model.BatchJob, error)
	GetJob(ctx context.Context, jobID string) (*model.BatchJob, error)
	GetSnapshot(ctx context.Context, jobID string) (*model.JobSnapshot, error)
	ListFiles(ctx context.Context, jobID string) ([]*model.BatchFile, error)
	ListJobs(ctx context.Context, accountID string, limit, offset int) ([]*model.BatchJob, error)
	DeleteJob(ctx context.Context, jobID string) error
	// OutputURLs returns download links for the job's deliverable, building
	// it first if needed.
	OutputURLs(ctx context.Context, jobID string) ([]string, error)
	ReconcileReservations(ctx context.Context, olderThan time.Duration, limit int) (ReconcileReport, error)
	// Wait blocks until all in-flight files have settled.
	Wait()
}

type SchedulerConfig struct {
	WorkerPoolSize   int
	MaxFilesPerJob   int
	MaxFileSizeBytes int64
	MaxAttempts      int
	BackoffInitial   time.Duration
	BackoffMax       time.Duration
	GatewayTimeout   time.Duration
	SignedURLTTL     time.Duration
	MaxCASRetries    int
	Now              func() time.Time
}

type batchScheduler struct {
	repo     repository.BatchRepository
	ledger   UsageLedger
	gateway  gateway.ProcessingGateway
	files    storage.FileStore
	merger   MergeOutputBuilder
	audit    AuditLogger
	queue    DispatchQueue
	statuses StatusPublisher
	cfg      SchedulerConfig
	logger   zerolog.Logger

	workers  *semaphore.Weighted
	jobLocks *keyedMutex
	wg       sync.WaitGroup
}

var (
	errJobCancelled = errors.New("job cancelled")
	errFileTaken    = errors.New("file no longer pending")
)

// NewBatchScheduler wires the scheduler. queue and statuses may be nil:
// without a queue jobs are dispatched in-process.
func NewBatchScheduler(
	repo repository.BatchRepository,
	ledger UsageLedger,
	gw gateway.ProcessingGateway,
	files storage.FileStore,
	merger MergeOutputBuilder,
	audit AuditLogger,
	queue DispatchQueue,
	statuses StatusPublisher,
	cfg SchedulerConfig,
	logger zerolog.Logger,
) BatchScheduler {
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = 8
	}
	if cfg.MaxFilesPerJob <= 0 {
		cfg.MaxFilesPerJob = 20
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = time.Second
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		cfg.BackoffMax = cfg.BackoffInitial
	}
	if cfg.SignedURLTTL <= 0 {
		cfg.SignedURLTTL = 15 * time.Minute
	}
	if cfg.MaxCASRetries <= 0 {
		cfg.MaxCASRetries = 8
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &batchScheduler{
		repo:     repo,
		ledger:   ledger,
		gateway:  gw,
		files:    files,
		merger:   merger,
		audit:    audit,
		queue:    queue,
		statuses: statuses,
		cfg:      cfg,
		logger:   logger.With().Str("service", "BatchScheduler").Logger(),
		workers:  semaphore.NewWeighted(int64(cfg.WorkerPoolSize)),
		jobLocks: newKeyedMutex(),
	}
}

func (s *batchScheduler) now() time.Time {
	return s.cfg.Now().UTC().Truncate(time.Microsecond)
}

func (s *batchScheduler) Wait() {
	s.wg.Wait()
}

func (s *batchScheduler) CreateJob(ctx context.Context, accountID string, uploads []FileUpload, opts JobOptions) (*model.BatchJob, error) {
	if accountID == "" {
		return nil, apperr.Validation("account_id", "must not be empty")
	}
	if len(uploads) == 0 {
		return nil, apperr.Validation("files", "a job needs at least one file")
	}
	if len(uploads) > s.cfg.MaxFilesPerJob {
		return nil, apperr.Validation("files", "at most %d files per job, got %d", s.cfg.MaxFilesPerJob, len(uploads))
	}
	if opts.MergeFormat == "" {
		opts.MergeFormat = model.MergeCombined
	}
	if !opts.MergeFormat.Valid() {
		return nil, apperr.Validation("merge_format", "unknown format %q", opts.MergeFormat)
	}

	now := s.now()
	job := &model.BatchJob{
		ID:           model.NewID(model.PrefixJob),
		AccountID:    accountID,
		Status:       model.JobPending,
		Priority:     opts.Priority,
		DocumentType: opts.DocumentType,
		TotalFiles:   len(uploads),
		MergeOutput:  opts.MergeOutput,
		MergeFormat:  opts.MergeFormat,
		Version:      1,
		CreatedAt:    now,
	}
	files := make([]*model.BatchFile, len(uploads))
	for i, up := range uploads {
		pages, err := s.validateUpload(i, up)
		if err != nil {
			return nil, err
		}
		fileID := model.NewID(model.PrefixFile)
		files[i] = &model.BatchFile{
			ID:               fileID,
			JobID:            job.ID,
			Position:         i,
			OriginalFilename: up.Filename,
			FileSizeBytes:    int64(len(up.Data)),
			StorageKey:       storage.InputKey(job.ID, fileID),
			EstimatedPages:   pages,
			Status:           model.FilePending,
		}
		job.EstimatedPages += pages
	}

	if _, err := s.ledger.EnsureAccount(ctx, accountID); err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, f := range files {
		g.Go(func() error {
			return s.files.Put(gctx, f.StorageKey, uploads[i].Data, "application/pdf")
		})
	}
	if err := g.Wait(); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to upload job inputs")
		s.cleanupObjects(job.ID)
		return nil, fmt.Errorf("uploading inputs: %w", err)
	}

	if err := s.repo.CreateJob(ctx, job, files); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to create job")
		s.cleanupObjects(job.ID)
		return nil, err
	}
	s.logger.Info().
		Str("job_id", job.ID).
		Str("account_id", accountID).
		Int("files", job.TotalFiles).
		Int("estimated_pages", job.EstimatedPages).
		Msg("Created batch job")
	s.publish(job, files)

	s.enqueue(ctx, job)
	return job, nil
}

func (s *batchScheduler) validateUpload(i int, up FileUpload) (int, error) {
	field := fmt.Sprintf("files[%d]", i)
	if len(up.Data) == 0 {
		return 0, apperr.Validation(field, "file is empty")
	}
	if s.cfg.MaxFileSizeBytes > 0 && int64(len(up.Data)) > s.cfg.MaxFileSizeBytes {
		return 0, apperr.Validation(field, "file exceeds %d bytes", s.cfg.MaxFileSizeBytes)
	}
	if !strings.EqualFold(path.Ext(up.Filename), ".pdf") || !pdfinfo.IsPDF(up.Data) {
		return 0, apperr.Validation(field, "only PDF documents are supported")
	}
	if up.EstimatedPages < 0 {
		return 0, apperr.Validation(field, "estimated pages must not be negative")
	}
	if up.EstimatedPages > 0 {
		return up.EstimatedPages, nil
	}
	pages, err := pdfinfo.CountPages(up.Data)
	if err != nil {
		return 0, apperr.Validation(field, "unreadable PDF: %v", err)
	}
	if pages == 0 {
		return 0, apperr.Validation(field, "document has no pages")
	}
	return pages, nil
}

func (s *batchScheduler) cleanupObjects(jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.files.DeletePrefix(ctx, storage.JobPrefix(jobID)); err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to clean up job objects")
	}
}

// enqueue hands the job to the dispatch queue, or dispatches it in-process
// when there is no queue or the queue is unreachable.
func (s *batchScheduler) enqueue(ctx context.Context, job *model.BatchJob) {
	if s.queue != nil {
		err := s.queue.Enqueue(ctx, job.ID, job.Priority)
		if err == nil {
			return
		}
		s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Enqueue failed, dispatching in-process")
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.DispatchNext(context.WithoutCancel(ctx), job.ID); err != nil {
			s.logger.Error().Err(err).Str("job_id", job.ID).Msg("In-process dispatch failed")
		}
	}()
}

// mutateJob applies fn to a fresh copy of the job and its files, recomputes
// the aggregate and writes the result conditionally on the job version. It
// is the only path that changes job counters.
func (s *batchScheduler) mutateJob(ctx context.Context, jobID string, fn func(job *model.BatchJob, files []*model.BatchFile) ([]*model.BatchFile, error)) (*model.BatchJob, []*model.BatchFile, error) {
	unlock := s.jobLocks.Lock(jobID)
	defer unlock()

	for attempt := 1; attempt <= s.cfg.MaxCASRetries; attempt++ {
		job, err := s.repo.GetJob(ctx, jobID)
		if err != nil {
			return nil, nil, err
		}
		files, err := s.repo.ListFiles(ctx, jobID)
		if err != nil {
			return nil, nil, err
		}
		expected := job.Version
		dirty, err := fn(job, files)
		if err != nil {
			return nil, nil, err
		}
		if err := job.Recompute(files, s.now()); err != nil {
			return nil, nil, err
		}
		err = s.repo.SaveJobState(ctx, job, expected, dirty...)
		if errors.Is(err, repository.ErrVersionConflict) {
			s.logger.Debug().Str("job_id", jobID).Int("attempt", attempt).Msg("Job version conflict, retrying")
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		s.publish(job, files)
		return job, files, nil
	}
	return nil, nil, fmt.Errorf("job %s: %w", jobID, repository.ErrVersionConflict)
}

func findFile(files []*model.BatchFile, fileID string) (*model.BatchFile, error) {
	for _, f := range files {
		if f.ID == fileID {
			return f, nil
		}
	}
	return nil, apperr.NotFound("file", fileID)
}

func (s *batchScheduler) publish(job *model.BatchJob, files []*model.BatchFile) {
	if s.statuses == nil {
		return
	}
	snap := model.NewJobSnapshot(job, files, s.now())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.statuses.PublishStatus(ctx, snap); err != nil {
			s.logger.Warn().Err(err).Str("job_id", snap.Job.ID).Msg("Failed to publish job status")
		}
	}()
}

func (s *batchScheduler) DispatchNext(ctx context.Context, jobID string) error {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}
	files, err := s.repo.ListFiles(ctx, jobID)
	if err != nil {
		return err
	}
	logger := s.logger.With().Str("job_id", jobID).Logger()

	for _, f := range files {
		if f.Status != model.FilePending {
			continue
		}
		if err := s.workers.Acquire(ctx, 1); err != nil {
			return err
		}
		dispatched, err := s.dispatchFile(ctx, f.ID)
		if !dispatched {
			s.workers.Release(1)
		}
		if errors.Is(err, errJobCancelled) {
			logger.Info().Msg("Job cancelled, stopping dispatch")
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// dispatchFile reserves pages for one pending file and starts its worker.
// The caller holds a worker slot; dispatched reports whether the worker now
// owns it.
func (s *batchScheduler) dispatchFile(ctx context.Context, fileID string) (dispatched bool, err error) {
	// cancellation is observed here, before anything is reserved
	file, err := s.repo.GetFile(ctx, fileID)
	if err != nil {
		return false, err
	}
	job, err := s.repo.GetJob(ctx, file.JobID)
	if err != nil {
		return false, err
	}
	if job.Status == model.JobCancelled {
		return false, errJobCancelled
	}
	if file.Status != model.FilePending {
		return false, nil
	}

	ref := model.ReservationRef{JobID: job.ID, FileID: file.ID}
	res, err := s.ledger.Reserve(ctx, job.AccountID, file.EstimatedPages, ref)
	var qe *apperr.QuotaExceededError
	if errors.As(err, &qe) {
		_, _, err := s.mutateJob(ctx, job.ID, func(_ *model.BatchJob, files []*model.BatchFile) ([]*model.BatchFile, error) {
			f, err := findFile(files, file.ID)
			if err != nil {
				return nil, err
			}
			if f.Status != model.FilePending {
				return nil, errFileTaken
			}
			if err := f.Fail(model.ErrorCodeLimitExceeded, qe.Error(), s.now()); err != nil {
				return nil, err
			}
			return []*model.BatchFile{f}, nil
		})
		if errors.Is(err, errFileTaken) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		s.recordLimitExceeded(ref, qe)
		s.logger.Info().Str("job_id", job.ID).Str("file_id", file.ID).Int("pages", file.EstimatedPages).Msg("File refused: page allowance exhausted")
		return false, nil
	}
	if err != nil {
		return false, err
	}

	job, files, err := s.mutateJob(ctx, job.ID, func(j *model.BatchJob, files []*model.BatchFile) ([]*model.BatchFile, error) {
		if j.Status == model.JobCancelled {
			return nil, errJobCancelled
		}
		f, err := findFile(files, file.ID)
		if err != nil {
			return nil, err
		}
		if f.Status != model.FilePending {
			return nil, errFileTaken
		}
		if err := f.TransitionTo(model.FileProcessing, s.now()); err != nil {
			return nil, err
		}
		f.Attempts++
		f.ReservationID = res.ID
		return []*model.BatchFile{f}, nil
	})
	if err != nil {
		if relErr := s.ledger.Release(context.WithoutCancel(ctx), res); relErr != nil {
			s.logger.Error().Err(relErr).Str("reservation_id", res.ID).Msg("Failed to release reservation of undispatched file")
		}
		if errors.Is(err, errFileTaken) {
			return false, nil
		}
		return false, err
	}
	f, _ := findFile(files, file.ID)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.workers.Release(1)
		s.runFile(context.WithoutCancel(ctx), job, f, res)
	}()
	return true, nil
}

func (s *batchScheduler) recordLimitExceeded(ref model.ReservationRef, qe *apperr.QuotaExceededError) {
	s.audit.Record(&model.UsageAuditRecord{
		AccountID:              qe.AccountID,
		Action:                 model.AuditLimitExceeded,
		PagesBefore:            qe.Usage.TotalPagesUsed,
		PagesAfter:             qe.Usage.TotalPagesUsed,
		PagesCount:             qe.Requested,
		SubscriptionPlanAtTime: qe.Usage.SubscriptionPlan,
		JobID:                  ref.JobID,
		FileID:                 ref.FileID,
		CreatedAt:              s.now(),
	})
}

// backoff is the wait before attempt n+1.
func (s *batchScheduler) backoff(attempt int) time.Duration {
	d := s.cfg.BackoffInitial
	for i := 1; i < attempt && d < s.cfg.BackoffMax; i++ {
		d *= 2
	}
	return min(d, s.cfg.BackoffMax)
}

// runFile drives one dispatched file to a terminal state, retrying
// transient failures with a fresh reservation each time.
func (s *batchScheduler) runFile(ctx context.Context, job *model.BatchJob, file *model.BatchFile, res *model.UsageReservation) {
	logger := s.logger.With().Str("job_id", job.ID).Str("file_id", file.ID).Logger()
	attempt := file.Attempts

	for {
		result, err := s.process(ctx, job, file)
		if err == nil {
			s.onFileResult(ctx, file.ID, job.ID, res, result, nil)
			return
		}
		transient := apperr.IsTransient(err) || errors.Is(err, context.DeadlineExceeded)
		if !transient {
			s.onFileResult(ctx, file.ID, job.ID, res, nil, err)
			return
		}

		// the failed attempt is never billed
		if relErr := s.ledger.Release(ctx, res); relErr != nil {
			logger.Error().Err(relErr).Str("reservation_id", res.ID).Msg("Failed to release reservation after transient failure")
		}
		if attempt >= s.cfg.MaxAttempts {
			logger.Warn().Err(err).Int("attempts", attempt).Msg("Exhausted processing retries")
			s.finishFile(ctx, job.ID, file.ID, func(f *model.BatchFile) error {
				return f.Fail(model.ErrorCodeGatewayUnavailable, err.Error(), s.now())
			})
			return
		}
		wait := s.backoff(attempt)
		logger.Warn().Err(err).Int("attempt", attempt).Str("backoff", wait.String()).Msg("Transient processing failure, retrying")
		s.noteRetry(ctx, job.ID, file.ID, err)

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			s.finishFile(ctx, job.ID, file.ID, func(f *model.BatchFile) error {
				return f.Fail(model.ErrorCodeGatewayUnavailable, ctx.Err().Error(), s.now())
			})
			return
		}

		current, err := s.repo.GetJob(ctx, job.ID)
		if err == nil && current.Status == model.JobCancelled {
			logger.Info().Msg("Job cancelled during retry, skipping file")
			s.finishFile(ctx, job.ID, file.ID, func(f *model.BatchFile) error {
				if err := f.TransitionTo(model.FileSkipped, s.now()); err != nil {
					return err
				}
				f.ErrorCode = model.ErrorCodeCancelled
				return nil
			})
			return
		}

		next, err := s.ledger.Reserve(ctx, job.AccountID, file.EstimatedPages, model.ReservationRef{JobID: job.ID, FileID: file.ID})
		var qe *apperr.QuotaExceededError
		if errors.As(err, &qe) {
			s.finishFile(ctx, job.ID, file.ID, func(f *model.BatchFile) error {
				return f.Fail(model.ErrorCodeLimitExceeded, qe.Error(), s.now())
			})
			s.recordLimitExceeded(model.ReservationRef{JobID: job.ID, FileID: file.ID}, qe)
			return
		}
		if err != nil {
			logger.Error().Err(err).Msg("Failed to re-reserve pages for retry")
			s.finishFile(ctx, job.ID, file.ID, func(f *model.BatchFile) error {
				return f.Fail(model.ErrorCodeProcessingFailed, "reserving pages for retry: "+err.Error(), s.now())
			})
			return
		}
		res = next
		attempt++
		if _, _, err := s.mutateJob(ctx, job.ID, func(_ *model.BatchJob, files []*model.BatchFile) ([]*model.BatchFile, error) {
			f, err := findFile(files, file.ID)
			if err != nil {
				return nil, err
			}
			f.Attempts = attempt
			f.ReservationID = res.ID
			return []*model.BatchFile{f}, nil
		}); err != nil {
			logger.Error().Err(err).Msg("Failed to record retry attempt")
		}
	}
}

func (s *batchScheduler) process(ctx context.Context, job *model.BatchJob, file *model.BatchFile) (*gateway.Result, error) {
	data, err := s.files.Get(ctx, file.StorageKey)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return nil, apperr.Permanent(err)
	}
	if err != nil {
		return nil, apperr.Transient(err)
	}
	callCtx := ctx
	if s.cfg.GatewayTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.cfg.GatewayTimeout)
		defer cancel()
	}
	return s.gateway.Process(callCtx, data, job.DocumentType)
}

// noteRetry keeps the file processing but records why it is being retried
// and that it no longer holds a reservation.
func (s *batchScheduler) noteRetry(ctx context.Context, jobID, fileID string, cause error) {
	_, _, err := s.mutateJob(ctx, jobID, func(_ *model.BatchJob, files []*model.BatchFile) ([]*model.BatchFile, error) {
		f, err := findFile(files, fileID)
		if err != nil {
			return nil, err
		}
		f.ReservationID = ""
		f.ErrorMessage = cause.Error()
		return []*model.BatchFile{f}, nil
	})
	if err != nil {
		s.logger.Error().Err(err).Str("file_id", fileID).Msg("Failed to record retry state")
	}
}

// onFileResult settles the reservation of a finished gateway call and moves
// the file to its terminal state.
func (s *batchScheduler) onFileResult(ctx context.Context, fileID, jobID string, res *model.UsageReservation, result *gateway.Result, procErr error) {
	logger := s.logger.With().Str("job_id", jobID).Str("file_id", fileID).Logger()

	if procErr != nil {
		if err := s.ledger.Release(ctx, res); err != nil {
			logger.Error().Err(err).Str("reservation_id", res.ID).Msg("Failed to release reservation of failed file")
		}
		logger.Warn().Err(procErr).Msg("File processing failed permanently")
		s.finishFile(ctx, jobID, fileID, func(f *model.BatchFile) error {
			return f.Fail(model.ErrorCodeProcessingFailed, procErr.Error(), s.now())
		})
		return
	}

	adjusted, err := s.ledger.Adjust(ctx, res, result.PagesActual)
	if err != nil {
		if relErr := s.ledger.Release(ctx, res); relErr != nil {
			logger.Error().Err(relErr).Str("reservation_id", res.ID).Msg("Failed to release reservation after adjust failure")
		}
		var qe *apperr.QuotaExceededError
		if errors.As(err, &qe) {
			s.recordLimitExceeded(model.ReservationRef{JobID: jobID, FileID: fileID}, qe)
			s.finishFile(ctx, jobID, fileID, func(f *model.BatchFile) error {
				return f.Fail(model.ErrorCodeLimitExceeded, qe.Error(), s.now())
			})
			return
		}
		logger.Error().Err(err).Msg("Failed to bill actual page count")
		s.finishFile(ctx, jobID, fileID, func(f *model.BatchFile) error {
			return f.Fail(model.ErrorCodeProcessingFailed, "billing actual pages: "+err.Error(), s.now())
		})
		return
	}

	resultKey := storage.ResultKey(jobID, fileID)
	if err := s.files.Put(ctx, resultKey, []byte(result.Text), "text/plain; charset=utf-8"); err != nil {
		if relErr := s.ledger.Release(ctx, adjusted); relErr != nil {
			logger.Error().Err(relErr).Str("reservation_id", res.ID).Msg("Failed to release reservation after storage failure")
		}
		logger.Error().Err(err).Msg("Failed to store file result")
		s.finishFile(ctx, jobID, fileID, func(f *model.BatchFile) error {
			return f.Fail(model.ErrorCodeProcessingFailed, "storing result: "+err.Error(), s.now())
		})
		return
	}

	// a failed commit leaves the reservation held; the reconcile pass
	// commits it because the file is completed
	if err := s.ledger.Commit(ctx, adjusted); err != nil {
		logger.Error().Err(err).Str("reservation_id", adjusted.ID).Msg("Failed to commit reservation, leaving it to reconcile")
	}
	s.finishFile(ctx, jobID, fileID, func(f *model.BatchFile) error {
		if err := f.TransitionTo(model.FileCompleted, s.now()); err != nil {
			return err
		}
		pages := result.PagesActual
		f.ActualPages = &pages
		f.ResultKey = resultKey
		f.ErrorMessage = ""
		return nil
	}, adjusted.CreditCents)
	logger.Info().Int("pages", result.PagesActual).Int64("credit_cents", adjusted.CreditCents).Msg("File completed")
}

// finishFile applies a terminal transition and, once every file is
// terminal, builds the deliverable. cost is added to the job total.
func (s *batchScheduler) finishFile(ctx context.Context, jobID, fileID string, transition func(f *model.BatchFile) error, cost ...int64) {
	job, files, err := s.mutateJob(ctx, jobID, func(j *model.BatchJob, files []*model.BatchFile) ([]*model.BatchFile, error) {
		f, err := findFile(files, fileID)
		if err != nil {
			return nil, err
		}
		if err := transition(f); err != nil {
			return nil, err
		}
		for _, c := range cost {
			j.TotalCostCents += c
		}
		return []*model.BatchFile{f}, nil
	})
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Str("file_id", fileID).Msg("Failed to record file result")
		return
	}
	s.maybeMerge(ctx, job, files)
}

func allTerminal(files []*model.BatchFile) bool {
	for _, f := range files {
		if !f.Status.Terminal() {
			return false
		}
	}
	return true
}

func (s *batchScheduler) maybeMerge(ctx context.Context, job *model.BatchJob, files []*model.BatchFile) {
	if !job.MergeOutput || len(job.OutputKeys) > 0 || job.ProcessedFiles == 0 {
		return
	}
	if !job.Status.Terminal() || !allTerminal(files) {
		return
	}
	if _, err := s.buildOutput(ctx, job, files); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to build merge output")
	}
}

func (s *batchScheduler) buildOutput(ctx context.Context, job *model.BatchJob, files []*model.BatchFile) ([]string, error) {
	keys, err := s.merger.Store(ctx, job, files)
	if err != nil {
		return nil, err
	}
	_, _, err = s.mutateJob(ctx, job.ID, func(j *model.BatchJob, _ []*model.BatchFile) ([]*model.BatchFile, error) {
		j.OutputKeys = keys
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *batchScheduler) RetryFile(ctx context.Context, jobID, fileID string) (*model.BatchFile, error) {
	var retried *model.BatchFile
	job, _, err := s.mutateJob(ctx, jobID, func(j *model.BatchJob, files []*model.BatchFile) ([]*model.BatchFile, error) {
		if j.Status == model.JobCancelled {
			return nil, &model.InvalidTransitionError{Entity: "job", ID: j.ID, From: string(j.Status), To: string(model.JobProcessing)}
		}
		f, err := findFile(files, fileID)
		if err != nil {
			return nil, err
		}
		if err := f.TransitionTo(model.FilePending, s.now()); err != nil {
			return nil, err
		}
		j.OutputKeys = nil
		retried = f
		return []*model.BatchFile{f}, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("job_id", jobID).Str("file_id", fileID).Msg("File queued for retry")
	s.enqueue(ctx, job)
	return retried, nil
}

func (s *batchScheduler) RetryAll(ctx context.Context, jobID string) (*model.BatchJob, error) {
	retried := 0
	job, _, err := s.mutateJob(ctx, jobID, func(j *model.BatchJob, files []*model.BatchFile) ([]*model.BatchFile, error) {
		if j.Status == model.JobCancelled {
			return nil, &model.InvalidTransitionError{Entity: "job", ID: j.ID, From: string(j.Status), To: string(model.JobProcessing)}
		}
		var dirty []*model.BatchFile
		for _, f := range files {
			if f.Status != model.FileFailed {
				continue
			}
			if err := f.TransitionTo(model.FilePending, s.now()); err != nil {
				return nil, err
			}
			dirty = append(dirty, f)
		}
		if len(dirty) > 0 {
			j.OutputKeys = nil
		}
		retried = len(dirty)
		return dirty, nil
	})
	if err != nil {
		return nil, err
	}
	if retried == 0 {
		return job, nil
	}
	s.logger.Info().Str("job_id", jobID).Int("files", retried).Msg("Failed files queued for retry")
	s.enqueue(ctx, job)
	return job, nil
}

func (s *batchScheduler) Cancel(ctx context.Context, jobID string) (*model.BatchJob, error) {
	job, files, err := s.mutateJob(ctx, jobID, func(j *model.BatchJob, files []*model.BatchFile) ([]*model.BatchFile, error) {
		if j.Status == model.JobCancelled {
			return nil, nil
		}
		if err := j.TransitionTo(model.JobCancelled, s.now()); err != nil {
			return nil, err
		}
		var dirty []*model.BatchFile
		for _, f := range files {
			if f.Status != model.FilePending {
				continue
			}
			if err := f.TransitionTo(model.FileSkipped, s.now()); err != nil {
				return nil, err
			}
			f.ErrorCode = model.ErrorCodeCancelled
			dirty = append(dirty, f)
		}
		return dirty, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("job_id", jobID).Int("processed", job.ProcessedFiles).Int("skipped", job.SkippedFiles).Msg("Job cancelled")
	s.maybeMerge(ctx, job, files)
	return job, nil
}

func (s *batchScheduler) GetJob(ctx context.Context, jobID string) (*model.BatchJob, error) {
	return s.repo.GetJob(ctx, jobID)
}

func (s *batchScheduler) GetSnapshot(ctx context.Context, jobID string) (*model.JobSnapshot, error) {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	files, err := s.repo.ListFiles(ctx, jobID)
	if err != nil {
		return nil, err
	}
	snap := model.NewJobSnapshot(job, files, s.now())
	return &snap, nil
}

func (s *batchScheduler) ListFiles(ctx context.Context, jobID string) ([]*model.BatchFile, error) {
	if _, err := s.repo.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return s.repo.ListFiles(ctx, jobID)
}

func (s *batchScheduler) ListJobs(ctx context.Context, accountID string, limit, offset int) ([]*model.BatchJob, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListJobsByAccount(ctx, accountID, limit, offset)
}

func (s *batchScheduler) DeleteJob(ctx context.Context, jobID string) error {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == model.JobProcessing {
		return fmt.Errorf("deleting job %s: %w", jobID, apperr.ErrJobNotFinished)
	}
	files, err := s.repo.ListFiles(ctx, jobID)
	if err != nil {
		return err
	}
	// a cancelled job may still have files in flight
	if !allTerminal(files) && job.Status != model.JobPending {
		return fmt.Errorf("deleting job %s: %w", jobID, apperr.ErrJobNotFinished)
	}
	if job.Status == model.JobPending {
		if _, err := s.Cancel(ctx, jobID); err != nil {
			return err
		}
	}
	for _, prefix := range []string{storage.JobPrefix(jobID), storage.OutputPrefix(jobID)} {
		if err := s.files.DeletePrefix(ctx, prefix); err != nil {
			s.logger.Warn().Err(err).Str("job_id", jobID).Str("prefix", prefix).Msg("Failed to delete job objects")
		}
	}
	if err := s.repo.DeleteJob(ctx, jobID); err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to delete job")
		return err
	}
	s.logger.Info().Str("job_id", jobID).Msg("Deleted job")
	return nil
}

func (s *batchScheduler) OutputURLs(ctx context.Context, jobID string) ([]string, error) {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	files, err := s.repo.ListFiles(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !job.Status.Terminal() || !allTerminal(files) {
		return nil, fmt.Errorf("output of job %s: %w", jobID, apperr.ErrJobNotFinished)
	}
	keys := job.OutputKeys
	if len(keys) == 0 {
		if keys, err = s.buildOutput(ctx, job, files); err != nil {
			return nil, err
		}
	}
	urls := make([]string, 0, len(keys))
	for _, key := range keys {
		url, err := s.files.SignedURL(ctx, key, s.cfg.SignedURLTTL)
		if err != nil {
			return nil, err
		}
		urls = append(urls, url)
	}
	return urls, nil
}

func (s *batchScheduler) ReconcileReservations(ctx context.Context, olderThan time.Duration, limit int) (ReconcileReport, error) {
	var report ReconcileReport
	stale, err := s.ledger.ListStaleReservations(ctx, olderThan, limit)
	if err != nil {
		return report, err
	}
	for _, res := range stale {
		action, err := s.settleStale(ctx, res)
		if err != nil {
			return report, err
		}
		switch action {
		case model.ReservationCommitted:
			report.Committed++
		case model.ReservationReleased:
			report.Released++
		default:
			report.Skipped++
		}
	}
	if len(stale) > 0 {
		s.logger.Info().
			Int("committed", report.Committed).
			Int("released", report.Released).
			Int("skipped", report.Skipped).
			Msg("Reconciled stale reservations")
	}
	return report, nil
}

// settleStale decides the fate of a held reservation from its file.
func (s *batchScheduler) settleStale(ctx context.Context, res *model.UsageReservation) (model.ReservationState, error) {
	release := func() (model.ReservationState, error) {
		if err := s.ledger.Release(ctx, res); err != nil {
			return "", err
		}
		return model.ReservationReleased, nil
	}
	if res.FileID == "" {
		return release()
	}
	file, err := s.repo.GetFile(ctx, res.FileID)
	if apperr.IsNotFound(err) {
		return release()
	}
	if err != nil {
		return "", err
	}
	if file.ReservationID != res.ID {
		return release()
	}
	switch file.Status {
	case model.FileCompleted:
		if err := s.ledger.Commit(ctx, res); err != nil {
			return "", err
		}
		return model.ReservationCommitted, nil
	case model.FileProcessing:
		return model.ReservationHeld, nil
	}
	return release()
}
