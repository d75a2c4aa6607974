package repository

import (
	"context"
	"errors"
	"fmt"

	"pagemeter/internal/apperr"
	"pagemeter/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const jobColumns = `id, account_id, status, priority, document_type, total_files, processed_files,
	failed_files, skipped_files, estimated_pages, processed_pages, total_cost_cents, merge_output,
	merge_format, output_keys, version, created_at, started_at, completed_at`

const fileColumns = `id, job_id, position, original_filename, file_size_bytes, storage_key, result_key,
	estimated_pages, actual_pages, status, error_code, error_message, attempts, reservation_id,
	started_at, completed_at`

type batchRepo struct {
	pool *pgxpool.Pool
}

// NewBatchRepo creates a Postgres-backed BatchRepository.
func NewBatchRepo(pool *pgxpool.Pool) BatchRepository {
	return &batchRepo{pool: pool}
}

func scanJob(row pgx.Row) (*model.BatchJob, error) {
	var j model.BatchJob
	err := row.Scan(
		&j.ID,
		&j.AccountID,
		&j.Status,
		&j.Priority,
		&j.DocumentType,
		&j.TotalFiles,
		&j.ProcessedFiles,
		&j.FailedFiles,
		&j.SkippedFiles,
		&j.EstimatedPages,
		&j.ProcessedPages,
		&j.TotalCostCents,
		&j.MergeOutput,
		&j.MergeFormat,
		&j.OutputKeys,
		&j.Version,
		&j.CreatedAt,
		&j.StartedAt,
		&j.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func scanFile(row pgx.Row) (*model.BatchFile, error) {
	var f model.BatchFile
	err := row.Scan(
		&f.ID,
		&f.JobID,
		&f.Position,
		&f.OriginalFilename,
		&f.FileSizeBytes,
		&f.StorageKey,
		&f.ResultKey,
		&f.EstimatedPages,
		&f.ActualPages,
		&f.Status,
		&f.ErrorCode,
		&f.ErrorMessage,
		&f.Attempts,
		&f.ReservationID,
		&f.StartedAt,
		&f.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (r *batchRepo) CreateJob(ctx context.Context, job *model.BatchJob, files []*model.BatchFile) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("starting transaction for job %s: %w", job.ID, err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	outputKeys := job.OutputKeys
	if outputKeys == nil {
		outputKeys = []string{}
	}
	jq := `INSERT INTO batch_jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`
	_, err = tx.Exec(ctx, jq,
		job.ID,
		job.AccountID,
		job.Status,
		job.Priority,
		job.DocumentType,
		job.TotalFiles,
		job.ProcessedFiles,
		job.FailedFiles,
		job.SkippedFiles,
		job.EstimatedPages,
		job.ProcessedPages,
		job.TotalCostCents,
		job.MergeOutput,
		job.MergeFormat,
		outputKeys,
		job.Version,
		job.CreatedAt,
		job.StartedAt,
		job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting job %s: %w", job.ID, err)
	}

	fq := `INSERT INTO batch_files (` + fileColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`
	batch := &pgx.Batch{}
	for _, f := range files {
		batch.Queue(fq,
			f.ID,
			f.JobID,
			f.Position,
			f.OriginalFilename,
			f.FileSizeBytes,
			f.StorageKey,
			f.ResultKey,
			f.EstimatedPages,
			f.ActualPages,
			f.Status,
			f.ErrorCode,
			f.ErrorMessage,
			f.Attempts,
			f.ReservationID,
			f.StartedAt,
			f.CompletedAt,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("inserting files for job %s: %w", job.ID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing job %s: %w", job.ID, err)
	}
	return nil
}

func (r *batchRepo) GetJob(ctx context.Context, jobID string) (*model.BatchJob, error) {
	q := `SELECT ` + jobColumns + ` FROM batch_jobs WHERE id = $1`
	job, err := scanJob(r.pool.QueryRow(ctx, q, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("job", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch job %s: %w", jobID, err)
	}
	return job, nil
}

func (r *batchRepo) ListFiles(ctx context.Context, jobID string) ([]*model.BatchFile, error) {
	q := `SELECT ` + fileColumns + ` FROM batch_files WHERE job_id = $1 ORDER BY position`
	rows, err := r.pool.Query(ctx, q, jobID)
	if err != nil {
		return nil, fmt.Errorf("querying files of job %s: %w", jobID, err)
	}
	defer rows.Close()

	var files []*model.BatchFile
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning file row: %w", err)
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("file row iteration: %w", err)
	}
	return files, nil
}

func (r *batchRepo) GetFile(ctx context.Context, fileID string) (*model.BatchFile, error) {
	q := `SELECT ` + fileColumns + ` FROM batch_files WHERE id = $1`
	f, err := scanFile(r.pool.QueryRow(ctx, q, fileID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("file", fileID)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch file %s: %w", fileID, err)
	}
	return f, nil
}

func (r *batchRepo) SaveJobState(ctx context.Context, job *model.BatchJob, expectedVersion int64, files ...*model.BatchFile) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("starting transaction for job %s: %w", job.ID, err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	outputKeys := job.OutputKeys
	if outputKeys == nil {
		outputKeys = []string{}
	}
	const jq = `
		UPDATE batch_jobs
		SET status = $3, processed_files = $4, failed_files = $5, skipped_files = $6,
		    processed_pages = $7, total_cost_cents = $8, output_keys = $9,
		    started_at = $10, completed_at = $11, version = version + 1
		WHERE id = $1 AND version = $2
	`
	tag, err := tx.Exec(ctx, jq,
		job.ID,
		expectedVersion,
		job.Status,
		job.ProcessedFiles,
		job.FailedFiles,
		job.SkippedFiles,
		job.ProcessedPages,
		job.TotalCostCents,
		outputKeys,
		job.StartedAt,
		job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("updating job %s: %w", job.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}

	const fq = `
		UPDATE batch_files
		SET result_key = $2, actual_pages = $3, status = $4, error_code = $5, error_message = $6,
		    attempts = $7, reservation_id = $8, started_at = $9, completed_at = $10
		WHERE id = $1
	`
	for _, f := range files {
		if _, err := tx.Exec(ctx, fq,
			f.ID,
			f.ResultKey,
			f.ActualPages,
			f.Status,
			f.ErrorCode,
			f.ErrorMessage,
			f.Attempts,
			f.ReservationID,
			f.StartedAt,
			f.CompletedAt,
		); err != nil {
			return fmt.Errorf("updating file %s: %w", f.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing job %s: %w", job.ID, err)
	}
	job.Version = expectedVersion + 1
	return nil
}

func (r *batchRepo) ListJobsByAccount(ctx context.Context, accountID string, limit, offset int) ([]*model.BatchJob, error) {
	q := `SELECT ` + jobColumns + `
		FROM batch_jobs
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, q, accountID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("querying jobs of account %s: %w", accountID, err)
	}
	defer rows.Close()

	var jobs []*model.BatchJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("job row iteration: %w", err)
	}
	return jobs, nil
}

func (r *batchRepo) DeleteJob(ctx context.Context, jobID string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM batch_jobs WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("deleting job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("job", jobID)
	}
	return nil
}
