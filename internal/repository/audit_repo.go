package repository

import (
	"context"
	"fmt"

	"pagemeter/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type auditRepo struct {
	pool *pgxpool.Pool
}

// NewAuditRepo creates a Postgres-backed AuditRepository.
func NewAuditRepo(pool *pgxpool.Pool) AuditRepository {
	return &auditRepo{pool: pool}
}

var auditColumns = []string{
	"id", "account_id", "action", "pages_before", "pages_after", "pages_count", "credit_cents",
	"subscription_plan_at_time", "job_id", "file_id", "reservation_id", "created_at",
}

// InsertBatch appends records with COPY; ids make retries of the same
// batch fail loudly instead of duplicating rows.
func (r *auditRepo) InsertBatch(ctx context.Context, records []*model.UsageAuditRecord) error {
	if len(records) == 0 {
		return nil
	}
	n, err := r.pool.CopyFrom(ctx, pgx.Identifier{"usage_audit_records"}, auditColumns,
		pgx.CopyFromSlice(len(records), func(i int) ([]any, error) {
			rec := records[i]
			return []any{
				rec.ID,
				rec.AccountID,
				string(rec.Action),
				rec.PagesBefore,
				rec.PagesAfter,
				rec.PagesCount,
				rec.CreditCents,
				string(rec.SubscriptionPlanAtTime),
				rec.JobID,
				rec.FileID,
				rec.ReservationID,
				rec.CreatedAt,
			}, nil
		}))
	if err != nil {
		return fmt.Errorf("copying %d audit records: %w", len(records), err)
	}
	if int(n) != len(records) {
		return fmt.Errorf("copied %d of %d audit records", n, len(records))
	}
	return nil
}

func (r *auditRepo) ListByAccount(ctx context.Context, accountID string, limit int) ([]*model.UsageAuditRecord, error) {
	const q = `
		SELECT id, account_id, action, pages_before, pages_after, pages_count, credit_cents,
		       subscription_plan_at_time, job_id, file_id, reservation_id, created_at
		FROM usage_audit_records
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, q, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying audit records of account %s: %w", accountID, err)
	}
	defer rows.Close()

	var out []*model.UsageAuditRecord
	for rows.Next() {
		var rec model.UsageAuditRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.AccountID,
			&rec.Action,
			&rec.PagesBefore,
			&rec.PagesAfter,
			&rec.PagesCount,
			&rec.CreditCents,
			&rec.SubscriptionPlanAtTime,
			&rec.JobID,
			&rec.FileID,
			&rec.ReservationID,
			&rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning audit row: %w", err)
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit row iteration: %w", err)
	}
	return out, nil
}
