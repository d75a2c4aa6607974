// Package memory is an in-process implementation of the repository
// interfaces, used by tests and by local runs with STORE_BACKEND=memory.
// It honours the same version checks as the Postgres store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"pagemeter/internal/apperr"
	"pagemeter/internal/model"
	"pagemeter/internal/repository"
)

// Store holds every table behind one lock. Values are copied on the way in
// and out so callers never share state with the store.
type Store struct {
	mu           sync.RWMutex
	accounts     map[string]model.Account
	reservations map[string]model.UsageReservation
	topups       map[string]int64
	jobs         map[string]model.BatchJob
	files        map[string]model.BatchFile
	audit        []model.UsageAuditRecord
}

var (
	_ repository.AccountRepository = (*Store)(nil)
	_ repository.BatchRepository   = (*Store)(nil)
	_ repository.AuditRepository   = (*Store)(nil)
)

func New() *Store {
	return &Store{
		accounts:     make(map[string]model.Account),
		reservations: make(map[string]model.UsageReservation),
		topups:       make(map[string]int64),
		jobs:         make(map[string]model.BatchJob),
		files:        make(map[string]model.BatchFile),
	}
}

func copyJob(j model.BatchJob) *model.BatchJob {
	j.OutputKeys = append([]string(nil), j.OutputKeys...)
	return &j
}

func copyFile(f model.BatchFile) *model.BatchFile {
	if f.ActualPages != nil {
		pages := *f.ActualPages
		f.ActualPages = &pages
	}
	return &f
}

// accounts

func (s *Store) GetAccount(_ context.Context, accountID string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return nil, apperr.NotFound("account", accountID)
	}
	return &a, nil
}

func (s *Store) CreateAccount(_ context.Context, acct *model.Account) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[acct.AccountID]; ok {
		return false, nil
	}
	s.accounts[acct.AccountID] = *acct
	return true, nil
}

// writeAccountLocked mirrors the conditional UPDATE of the Postgres store.
func (s *Store) writeAccountLocked(acct *model.Account, expectedVersion int64) error {
	cur, ok := s.accounts[acct.AccountID]
	if !ok {
		return apperr.NotFound("account", acct.AccountID)
	}
	if cur.Version != expectedVersion {
		return repository.ErrVersionConflict
	}
	acct.Version = expectedVersion + 1
	s.accounts[acct.AccountID] = *acct
	return nil
}

func (s *Store) UpdateAccount(_ context.Context, acct *model.Account, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeAccountLocked(acct, expectedVersion)
}

func (s *Store) InsertReservation(_ context.Context, acct *model.Account, expectedVersion int64, res *model.UsageReservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeAccountLocked(acct, expectedVersion); err != nil {
		return err
	}
	s.reservations[res.ID] = *res
	return nil
}

func (s *Store) GetReservation(_ context.Context, reservationID string) (*model.UsageReservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reservations[reservationID]
	if !ok {
		return nil, apperr.NotFound("reservation", reservationID)
	}
	return &r, nil
}

func (s *Store) CommitReservation(_ context.Context, reservationID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[reservationID]
	if !ok {
		return false, apperr.NotFound("reservation", reservationID)
	}
	if r.State != model.ReservationHeld {
		return false, nil
	}
	r.State = model.ReservationCommitted
	r.SettledAt = &at
	s.reservations[reservationID] = r
	return true, nil
}

func (s *Store) ReleaseReservation(_ context.Context, acct *model.Account, expectedVersion int64, res *model.UsageReservation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[res.ID]
	if !ok {
		return false, apperr.NotFound("reservation", res.ID)
	}
	if r.State != model.ReservationHeld {
		return false, nil
	}
	if err := s.writeAccountLocked(acct, expectedVersion); err != nil {
		return false, err
	}
	r.State = model.ReservationReleased
	r.SettledAt = res.SettledAt
	s.reservations[res.ID] = r
	return true, nil
}

func (s *Store) AdjustReservation(_ context.Context, acct *model.Account, expectedVersion int64, res *model.UsageReservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[res.ID]
	if !ok {
		return apperr.NotFound("reservation", res.ID)
	}
	if r.State != model.ReservationHeld {
		return repository.ErrReservationNotHeld
	}
	if err := s.writeAccountLocked(acct, expectedVersion); err != nil {
		return err
	}
	r.Pages = res.Pages
	r.FreePages = res.FreePages
	r.SubscriptionPages = res.SubscriptionPages
	r.CreditPages = res.CreditPages
	r.CreditCents = res.CreditCents
	r.PagesAfter = res.PagesAfter
	s.reservations[res.ID] = r
	return nil
}

func (s *Store) ApplyTopUp(_ context.Context, acct *model.Account, expectedVersion int64, reference string, amountCents int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.topups[reference]; ok {
		return false, nil
	}
	if err := s.writeAccountLocked(acct, expectedVersion); err != nil {
		return false, err
	}
	s.topups[reference] = amountCents
	return true, nil
}

func (s *Store) ListHeldReservations(_ context.Context, createdBefore time.Time, limit int) ([]*model.UsageReservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.UsageReservation
	for _, r := range s.reservations {
		if r.State == model.ReservationHeld && r.CreatedAt.Before(createdBefore) {
			r := r
			out = append(out, &r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// jobs

func (s *Store) CreateJob(_ context.Context, job *model.BatchJob, files []*model.BatchFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = *copyJob(*job)
	for _, f := range files {
		s.files[f.ID] = *copyFile(*f)
	}
	return nil
}

func (s *Store) GetJob(_ context.Context, jobID string) (*model.BatchJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, apperr.NotFound("job", jobID)
	}
	return copyJob(j), nil
}

func (s *Store) ListFiles(_ context.Context, jobID string) ([]*model.BatchFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.BatchFile
	for _, f := range s.files {
		if f.JobID == jobID {
			out = append(out, copyFile(f))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (s *Store) GetFile(_ context.Context, fileID string) (*model.BatchFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.files[fileID]
	if !ok {
		return nil, apperr.NotFound("file", fileID)
	}
	return copyFile(f), nil
}

func (s *Store) SaveJobState(_ context.Context, job *model.BatchJob, expectedVersion int64, files ...*model.BatchFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[job.ID]
	if !ok {
		return apperr.NotFound("job", job.ID)
	}
	if cur.Version != expectedVersion {
		return repository.ErrVersionConflict
	}
	job.Version = expectedVersion + 1
	s.jobs[job.ID] = *copyJob(*job)
	for _, f := range files {
		s.files[f.ID] = *copyFile(*f)
	}
	return nil
}

func (s *Store) ListJobsByAccount(_ context.Context, accountID string, limit, offset int) ([]*model.BatchJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.BatchJob
	for _, j := range s.jobs {
		if j.AccountID == accountID {
			out = append(out, copyJob(j))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) DeleteJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return apperr.NotFound("job", jobID)
	}
	delete(s.jobs, jobID)
	for id, f := range s.files {
		if f.JobID == jobID {
			delete(s.files, id)
		}
	}
	return nil
}

// audit

func (s *Store) InsertBatch(_ context.Context, records []*model.UsageAuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		s.audit = append(s.audit, *r)
	}
	return nil
}

func (s *Store) ListByAccount(_ context.Context, accountID string, limit int) ([]*model.UsageAuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.UsageAuditRecord
	for i := len(s.audit) - 1; i >= 0; i-- {
		if s.audit[i].AccountID != accountID {
			continue
		}
		r := s.audit[i]
		out = append(out, &r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
