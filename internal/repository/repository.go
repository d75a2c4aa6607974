package repository

import (
	"context"
	"errors"
	"time"

	"pagemeter/internal/model"
)

var (
	// ErrVersionConflict is returned by conditional writes when the row
	// changed since it was read. Callers reload and retry.
	ErrVersionConflict = errors.New("version_conflict")
	// ErrReservationNotHeld is returned when a reservation was already
	// committed or released by the time a write tried to change it.
	ErrReservationNotHeld = errors.New("reservation_not_held")
)

// AccountRepository stores usage accounts and their reservations. Every
// write that touches counters is conditional on the account version.
type AccountRepository interface {
	GetAccount(ctx context.Context, accountID string) (*model.Account, error)
	// CreateAccount inserts acct unless it exists and reports whether it did.
	CreateAccount(ctx context.Context, acct *model.Account) (bool, error)
	UpdateAccount(ctx context.Context, acct *model.Account, expectedVersion int64) error
	// InsertReservation writes acct and creates res in one transaction.
	InsertReservation(ctx context.Context, acct *model.Account, expectedVersion int64, res *model.UsageReservation) error
	GetReservation(ctx context.Context, reservationID string) (*model.UsageReservation, error)
	// CommitReservation moves a held reservation to committed. It reports
	// false when the reservation was no longer held.
	CommitReservation(ctx context.Context, reservationID string, at time.Time) (bool, error)
	// ReleaseReservation writes the refunded acct and moves res to released.
	// It reports false, and writes nothing, when res was no longer held.
	ReleaseReservation(ctx context.Context, acct *model.Account, expectedVersion int64, res *model.UsageReservation) (bool, error)
	// AdjustReservation writes acct and the re-based allocation of a held res.
	AdjustReservation(ctx context.Context, acct *model.Account, expectedVersion int64, res *model.UsageReservation) error
	// ApplyTopUp records a payment reference and writes acct. It reports
	// false, and writes nothing, when the reference was already applied.
	ApplyTopUp(ctx context.Context, acct *model.Account, expectedVersion int64, reference string, amountCents int64) (bool, error)
	ListHeldReservations(ctx context.Context, createdBefore time.Time, limit int) ([]*model.UsageReservation, error)
}

// BatchRepository stores jobs and their files.
type BatchRepository interface {
	CreateJob(ctx context.Context, job *model.BatchJob, files []*model.BatchFile) error
	GetJob(ctx context.Context, jobID string) (*model.BatchJob, error)
	// ListFiles returns the files of a job in submission order.
	ListFiles(ctx context.Context, jobID string) ([]*model.BatchFile, error)
	GetFile(ctx context.Context, fileID string) (*model.BatchFile, error)
	// SaveJobState writes job and the given files if the job row is still at
	// expectedVersion, bumping job.Version on success.
	SaveJobState(ctx context.Context, job *model.BatchJob, expectedVersion int64, files ...*model.BatchFile) error
	ListJobsByAccount(ctx context.Context, accountID string, limit, offset int) ([]*model.BatchJob, error)
	DeleteJob(ctx context.Context, jobID string) error
}

// AuditRepository is the append-only sink for usage audit records.
type AuditRepository interface {
	InsertBatch(ctx context.Context, records []*model.UsageAuditRecord) error
	ListByAccount(ctx context.Context, accountID string, limit int) ([]*model.UsageAuditRecord, error)
}
