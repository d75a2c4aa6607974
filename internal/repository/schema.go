package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema creates every table the service needs. Statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS accounts (
    account_id             TEXT PRIMARY KEY,
    free_pages_remaining   INT NOT NULL CHECK (free_pages_remaining >= 0),
    credit_balance_cents   BIGINT NOT NULL CHECK (credit_balance_cents >= 0),
    subscription_plan      TEXT NOT NULL,
    pages_used_this_period INT NOT NULL CHECK (pages_used_this_period >= 0),
    period_end             TIMESTAMPTZ NOT NULL,
    total_pages_used       INT NOT NULL DEFAULT 0 CHECK (total_pages_used >= 0),
    version                BIGINT NOT NULL DEFAULT 1,
    created_at             TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at             TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS usage_reservations (
    id                 TEXT PRIMARY KEY,
    account_id         TEXT NOT NULL REFERENCES accounts(account_id),
    job_id             TEXT NOT NULL DEFAULT '',
    file_id            TEXT NOT NULL DEFAULT '',
    pages              INT NOT NULL,
    free_pages         INT NOT NULL,
    subscription_pages INT NOT NULL,
    credit_pages       INT NOT NULL,
    credit_cents       BIGINT NOT NULL,
    state              TEXT NOT NULL,
    plan_at_time       TEXT NOT NULL,
    period_end         TIMESTAMPTZ NOT NULL,
    pages_before       INT NOT NULL,
    pages_after        INT NOT NULL,
    created_at         TIMESTAMPTZ NOT NULL,
    settled_at         TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS usage_reservations_held_idx ON usage_reservations (created_at) WHERE state = 'held';

CREATE TABLE IF NOT EXISTS credit_topups (
    reference    TEXT PRIMARY KEY,
    account_id   TEXT NOT NULL REFERENCES accounts(account_id),
    amount_cents BIGINT NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS batch_jobs (
    id               TEXT PRIMARY KEY,
    account_id       TEXT NOT NULL,
    status           TEXT NOT NULL,
    priority         INT NOT NULL DEFAULT 0,
    document_type    TEXT NOT NULL DEFAULT '',
    total_files      INT NOT NULL,
    processed_files  INT NOT NULL DEFAULT 0,
    failed_files     INT NOT NULL DEFAULT 0,
    skipped_files    INT NOT NULL DEFAULT 0,
    estimated_pages  INT NOT NULL DEFAULT 0,
    processed_pages  INT NOT NULL DEFAULT 0,
    total_cost_cents BIGINT NOT NULL DEFAULT 0,
    merge_output     BOOLEAN NOT NULL DEFAULT FALSE,
    merge_format     TEXT NOT NULL,
    output_keys      TEXT[] NOT NULL DEFAULT '{}',
    version          BIGINT NOT NULL DEFAULT 1,
    created_at       TIMESTAMPTZ NOT NULL,
    started_at       TIMESTAMPTZ,
    completed_at     TIMESTAMPTZ,
    CHECK (processed_files + failed_files <= total_files)
);
CREATE INDEX IF NOT EXISTS batch_jobs_account_idx ON batch_jobs (account_id, created_at DESC);

CREATE TABLE IF NOT EXISTS batch_files (
    id                TEXT PRIMARY KEY,
    job_id            TEXT NOT NULL REFERENCES batch_jobs(id) ON DELETE CASCADE,
    position          INT NOT NULL,
    original_filename TEXT NOT NULL,
    file_size_bytes   BIGINT NOT NULL,
    storage_key       TEXT NOT NULL,
    result_key        TEXT NOT NULL DEFAULT '',
    estimated_pages   INT NOT NULL,
    actual_pages      INT,
    status            TEXT NOT NULL,
    error_code        TEXT NOT NULL DEFAULT '',
    error_message     TEXT NOT NULL DEFAULT '',
    attempts          INT NOT NULL DEFAULT 0,
    reservation_id    TEXT NOT NULL DEFAULT '',
    started_at        TIMESTAMPTZ,
    completed_at      TIMESTAMPTZ,
    UNIQUE (job_id, position)
);

CREATE TABLE IF NOT EXISTS usage_audit_records (
    id                        TEXT PRIMARY KEY,
    account_id                TEXT NOT NULL,
    action                    TEXT NOT NULL,
    pages_before              INT NOT NULL,
    pages_after               INT NOT NULL,
    pages_count               INT NOT NULL,
    credit_cents              BIGINT NOT NULL DEFAULT 0,
    subscription_plan_at_time TEXT NOT NULL,
    job_id                    TEXT NOT NULL DEFAULT '',
    file_id                   TEXT NOT NULL DEFAULT '',
    reservation_id            TEXT NOT NULL DEFAULT '',
    created_at                TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS usage_audit_account_idx ON usage_audit_records (account_id, created_at DESC);

CREATE TABLE IF NOT EXISTS dead_letter_messages (
    id         BIGSERIAL PRIMARY KEY,
    queue_name TEXT NOT NULL,
    message_id TEXT NOT NULL,
    payload    JSONB NOT NULL,
    read_count INT NOT NULL,
    last_error TEXT,
    status     TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// EnsureSchema applies Schema.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}
