package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pagemeter/internal/apperr"
	"pagemeter/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const accountColumns = `account_id, free_pages_remaining, credit_balance_cents, subscription_plan,
	pages_used_this_period, period_end, total_pages_used, version, created_at, updated_at`

const reservationColumns = `id, account_id, job_id, file_id, pages, free_pages, subscription_pages,
	credit_pages, credit_cents, state, plan_at_time, period_end, pages_before, pages_after,
	created_at, settled_at`

type accountRepo struct {
	pool *pgxpool.Pool
}

// NewAccountRepo creates a Postgres-backed AccountRepository.
func NewAccountRepo(pool *pgxpool.Pool) AccountRepository {
	return &accountRepo{pool: pool}
}

func scanAccount(row pgx.Row) (*model.Account, error) {
	var a model.Account
	err := row.Scan(
		&a.AccountID,
		&a.FreePagesRemaining,
		&a.CreditBalanceCents,
		&a.SubscriptionPlan,
		&a.PagesUsedThisPeriod,
		&a.PeriodEnd,
		&a.TotalPagesUsed,
		&a.Version,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func scanReservation(row pgx.Row) (*model.UsageReservation, error) {
	var r model.UsageReservation
	err := row.Scan(
		&r.ID,
		&r.AccountID,
		&r.JobID,
		&r.FileID,
		&r.Pages,
		&r.FreePages,
		&r.SubscriptionPages,
		&r.CreditPages,
		&r.CreditCents,
		&r.State,
		&r.PlanAtTime,
		&r.PeriodEnd,
		&r.PagesBefore,
		&r.PagesAfter,
		&r.CreatedAt,
		&r.SettledAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (r *accountRepo) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	q := `SELECT ` + accountColumns + ` FROM accounts WHERE account_id = $1`
	a, err := scanAccount(r.pool.QueryRow(ctx, q, accountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("account", accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch account %s: %w", accountID, err)
	}
	return a, nil
}

func (r *accountRepo) CreateAccount(ctx context.Context, acct *model.Account) (bool, error) {
	const q = `
		INSERT INTO accounts (account_id, free_pages_remaining, credit_balance_cents, subscription_plan,
		                      pages_used_this_period, period_end, total_pages_used, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (account_id) DO NOTHING
	`
	tag, err := r.pool.Exec(ctx, q,
		acct.AccountID,
		acct.FreePagesRemaining,
		acct.CreditBalanceCents,
		acct.SubscriptionPlan,
		acct.PagesUsedThisPeriod,
		acct.PeriodEnd,
		acct.TotalPagesUsed,
		acct.Version,
		acct.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("creating account %s: %w", acct.AccountID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// writeAccount is the version-checked update every counter change goes
// through. On success acct.Version is bumped to match the row.
func writeAccount(ctx context.Context, tx pgx.Tx, acct *model.Account, expectedVersion int64) error {
	const q = `
		UPDATE accounts
		SET free_pages_remaining = $3,
		    credit_balance_cents = $4,
		    subscription_plan = $5,
		    pages_used_this_period = $6,
		    period_end = $7,
		    total_pages_used = $8,
		    version = version + 1,
		    updated_at = $9
		WHERE account_id = $1 AND version = $2
	`
	tag, err := tx.Exec(ctx, q,
		acct.AccountID,
		expectedVersion,
		acct.FreePagesRemaining,
		acct.CreditBalanceCents,
		acct.SubscriptionPlan,
		acct.PagesUsedThisPeriod,
		acct.PeriodEnd,
		acct.TotalPagesUsed,
		acct.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("updating account %s: %w", acct.AccountID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	acct.Version = expectedVersion + 1
	return nil
}

// inTx runs fn in a read-committed transaction; the version predicate in
// writeAccount provides the isolation the ledger needs.
func (r *accountRepo) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (r *accountRepo) UpdateAccount(ctx context.Context, acct *model.Account, expectedVersion int64) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		return writeAccount(ctx, tx, acct, expectedVersion)
	})
}

func (r *accountRepo) InsertReservation(ctx context.Context, acct *model.Account, expectedVersion int64, res *model.UsageReservation) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		if err := writeAccount(ctx, tx, acct, expectedVersion); err != nil {
			return err
		}
		q := `INSERT INTO usage_reservations (` + reservationColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`
		_, err := tx.Exec(ctx, q,
			res.ID,
			res.AccountID,
			res.JobID,
			res.FileID,
			res.Pages,
			res.FreePages,
			res.SubscriptionPages,
			res.CreditPages,
			res.CreditCents,
			res.State,
			res.PlanAtTime,
			res.PeriodEnd,
			res.PagesBefore,
			res.PagesAfter,
			res.CreatedAt,
			res.SettledAt,
		)
		if err != nil {
			return fmt.Errorf("inserting reservation %s: %w", res.ID, err)
		}
		return nil
	})
}

func (r *accountRepo) GetReservation(ctx context.Context, reservationID string) (*model.UsageReservation, error) {
	q := `SELECT ` + reservationColumns + ` FROM usage_reservations WHERE id = $1`
	res, err := scanReservation(r.pool.QueryRow(ctx, q, reservationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("reservation", reservationID)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch reservation %s: %w", reservationID, err)
	}
	return res, nil
}

func (r *accountRepo) CommitReservation(ctx context.Context, reservationID string, at time.Time) (bool, error) {
	const q = `
		UPDATE usage_reservations
		SET state = 'committed', settled_at = $2
		WHERE id = $1 AND state = 'held'
	`
	tag, err := r.pool.Exec(ctx, q, reservationID, at)
	if err != nil {
		return false, fmt.Errorf("committing reservation %s: %w", reservationID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *accountRepo) ReleaseReservation(ctx context.Context, acct *model.Account, expectedVersion int64, res *model.UsageReservation) (bool, error) {
	released := false
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		const q = `
			UPDATE usage_reservations
			SET state = 'released', settled_at = $2
			WHERE id = $1 AND state = 'held'
		`
		tag, err := tx.Exec(ctx, q, res.ID, res.SettledAt)
		if err != nil {
			return fmt.Errorf("releasing reservation %s: %w", res.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		if err := writeAccount(ctx, tx, acct, expectedVersion); err != nil {
			return err
		}
		released = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return released, nil
}

func (r *accountRepo) AdjustReservation(ctx context.Context, acct *model.Account, expectedVersion int64, res *model.UsageReservation) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		const q = `
			UPDATE usage_reservations
			SET pages = $2, free_pages = $3, subscription_pages = $4, credit_pages = $5,
			    credit_cents = $6, pages_after = $7
			WHERE id = $1 AND state = 'held'
		`
		tag, err := tx.Exec(ctx, q,
			res.ID,
			res.Pages,
			res.FreePages,
			res.SubscriptionPages,
			res.CreditPages,
			res.CreditCents,
			res.PagesAfter,
		)
		if err != nil {
			return fmt.Errorf("adjusting reservation %s: %w", res.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return ErrReservationNotHeld
		}
		return writeAccount(ctx, tx, acct, expectedVersion)
	})
}

func (r *accountRepo) ApplyTopUp(ctx context.Context, acct *model.Account, expectedVersion int64, reference string, amountCents int64) (bool, error) {
	applied := false
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		const q = `
			INSERT INTO credit_topups (reference, account_id, amount_cents)
			VALUES ($1, $2, $3)
			ON CONFLICT (reference) DO NOTHING
		`
		tag, err := tx.Exec(ctx, q, reference, acct.AccountID, amountCents)
		if err != nil {
			return fmt.Errorf("recording top-up %s: %w", reference, err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		if err := writeAccount(ctx, tx, acct, expectedVersion); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func (r *accountRepo) ListHeldReservations(ctx context.Context, createdBefore time.Time, limit int) ([]*model.UsageReservation, error) {
	q := `SELECT ` + reservationColumns + `
		FROM usage_reservations
		WHERE state = 'held' AND created_at < $1
		ORDER BY created_at
		LIMIT $2`
	rows, err := r.pool.Query(ctx, q, createdBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("querying held reservations: %w", err)
	}
	defer rows.Close()

	var out []*model.UsageReservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning reservation row: %w", err)
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reservation row iteration: %w", err)
	}
	return out, nil
}
