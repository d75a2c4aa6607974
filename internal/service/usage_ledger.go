package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pagemeter/internal/apperr"
	"pagemeter/internal/model"
	"pagemeter/internal/pricing"
	"pagemeter/internal/repository"

	"github.com/rs/zerolog"
)

// UsageLedger is the only writer of account consumption counters.
type UsageLedger interface {
	// Reserve debits pages from the account, free pages first, then the
	// subscription period, then credit.
	Reserve(ctx context.Context, accountID string, pages int, ref model.ReservationRef) (*model.UsageReservation, error)
	// Commit finalizes a held reservation and records its audit entry.
	// Committing twice is a no-op.
	Commit(ctx context.Context, res *model.UsageReservation) error
	// Release refunds a held reservation. Releasing twice, or releasing a
	// committed reservation, is a no-op.
	Release(ctx context.Context, res *model.UsageReservation) error
	// Adjust re-bases a held reservation on the page count actually
	// processed.
	Adjust(ctx context.Context, res *model.UsageReservation, actualPages int) (*model.UsageReservation, error)
	Snapshot(ctx context.Context, accountID string) (*model.UsageSnapshot, error)
	Estimate(ctx context.Context, accountID string, pages int) (*CostEstimate, error)
	EnsureAccount(ctx context.Context, accountID string) (*model.Account, error)
	ChangePlan(ctx context.Context, accountID string, plan model.SubscriptionPlan, periodEnd time.Time) error
	// TopUpCredit adds credit once per payment reference.
	TopUpCredit(ctx context.Context, accountID string, amountCents int64, reference string) (bool, error)
	ListStaleReservations(ctx context.Context, olderThan time.Duration, limit int) ([]*model.UsageReservation, error)
}

// CostEstimate is a read-only preview; it reserves nothing.
type CostEstimate struct {
	Pages      int                 `json:"pages"`
	Allocation pricing.Allocation  `json:"allocation"`
	Usage      model.UsageSnapshot `json:"usage"`
}

type LedgerConfig struct {
	CostPerPageCents  int64
	ProMonthlyPages   int
	FreePagesOnSignup int
	MaxCASRetries     int
	// Now defaults to time.Now.
	Now func() time.Time
}

type usageLedger struct {
	repo   repository.AccountRepository
	audit  AuditLogger
	cfg    LedgerConfig
	locks  *keyedMutex
	logger zerolog.Logger
}

// NewUsageLedger creates a new UsageLedger with a scoped logger.
func NewUsageLedger(repo repository.AccountRepository, audit AuditLogger, cfg LedgerConfig, logger zerolog.Logger) UsageLedger {
	if cfg.MaxCASRetries <= 0 {
		cfg.MaxCASRetries = 8
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &usageLedger{
		repo:   repo,
		audit:  audit,
		cfg:    cfg,
		locks:  newKeyedMutex(),
		logger: logger.With().Str("service", "UsageLedger").Logger(),
	}
}

// now is truncated to what Postgres stores so period comparisons survive a
// round trip.
func (l *usageLedger) now() time.Time {
	return l.cfg.Now().UTC().Truncate(time.Microsecond)
}

func (l *usageLedger) monthlyCap(plan model.SubscriptionPlan) int {
	if plan == model.PlanPro {
		return l.cfg.ProMonthlyPages
	}
	return 0
}

func (l *usageLedger) subscriptionRemaining(acct *model.Account) int {
	return max(l.monthlyCap(acct.SubscriptionPlan)-acct.PagesUsedThisPeriod, 0)
}

func (l *usageLedger) allocate(acct *model.Account, pages int) pricing.Allocation {
	return pricing.Allocate(pages, acct.FreePagesRemaining, l.subscriptionRemaining(acct), acct.CreditBalanceCents, l.cfg.CostPerPageCents)
}

func (l *usageLedger) snapshotOf(acct *model.Account) model.UsageSnapshot {
	subRemaining := l.subscriptionRemaining(acct)
	creditPages := pricing.AffordablePages(acct.CreditBalanceCents, l.cfg.CostPerPageCents)
	return model.UsageSnapshot{
		AccountID:                  acct.AccountID,
		SubscriptionPlan:           acct.SubscriptionPlan,
		FreePagesRemaining:         acct.FreePagesRemaining,
		PagesUsedThisPeriod:        acct.PagesUsedThisPeriod,
		MonthlyPageCap:             l.monthlyCap(acct.SubscriptionPlan),
		SubscriptionPagesRemaining: subRemaining,
		CreditBalanceCents:         acct.CreditBalanceCents,
		CostPerPageCents:           l.cfg.CostPerPageCents,
		AffordableCreditPages:      creditPages,
		TotalPagesAvailable:        acct.FreePagesRemaining + subRemaining + creditPages,
		TotalPagesUsed:             acct.TotalPagesUsed,
		PeriodEnd:                  acct.PeriodEnd,
	}
}

func (l *usageLedger) EnsureAccount(ctx context.Context, accountID string) (*model.Account, error) {
	if accountID == "" {
		return nil, apperr.Validation("account_id", "must not be empty")
	}
	acct, err := l.repo.GetAccount(ctx, accountID)
	if err == nil {
		return acct, nil
	}
	if !apperr.IsNotFound(err) {
		return nil, err
	}
	now := l.now()
	fresh := &model.Account{
		AccountID:          accountID,
		FreePagesRemaining: l.cfg.FreePagesOnSignup,
		SubscriptionPlan:   model.PlanFree,
		PeriodEnd:          now.AddDate(0, 1, 0),
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	created, err := l.repo.CreateAccount(ctx, fresh)
	if err != nil {
		return nil, err
	}
	if created {
		l.logger.Info().Str("account_id", accountID).Int("free_pages", fresh.FreePagesRemaining).Msg("Created account")
	}
	return l.repo.GetAccount(ctx, accountID)
}

// casLoop runs attempt until it stops reporting a version conflict. The
// account lock is held throughout, so conflicts only come from other
// processes sharing the store.
func (l *usageLedger) casLoop(ctx context.Context, accountID string, attempt func() error) error {
	unlock := l.locks.Lock(accountID)
	defer unlock()

	for i := 1; i <= l.cfg.MaxCASRetries; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := attempt()
		if !errors.Is(err, repository.ErrVersionConflict) {
			return err
		}
		l.logger.Debug().Str("account_id", accountID).Int("attempt", i).Msg("Account version conflict, retrying")
	}
	l.logger.Warn().Str("account_id", accountID).Int("attempts", l.cfg.MaxCASRetries).Msg("Giving up after repeated version conflicts")
	return &apperr.ConcurrencyConflictError{AccountID: accountID, Attempts: l.cfg.MaxCASRetries}
}

func (l *usageLedger) Reserve(ctx context.Context, accountID string, pages int, ref model.ReservationRef) (*model.UsageReservation, error) {
	if pages <= 0 {
		return nil, apperr.Validation("page_count", "must be positive, got %d", pages)
	}
	if accountID == "" {
		return nil, apperr.Validation("account_id", "must not be empty")
	}

	var res *model.UsageReservation
	err := l.casLoop(ctx, accountID, func() error {
		acct, err := l.EnsureAccount(ctx, accountID)
		if err != nil {
			return err
		}
		expected := acct.Version
		now := l.now()
		acct.RollPeriod(now)

		alloc := l.allocate(acct, pages)
		if !alloc.Affordable {
			return &apperr.QuotaExceededError{AccountID: accountID, Requested: pages, Usage: l.snapshotOf(acct)}
		}

		before := acct.TotalPagesUsed
		acct.FreePagesRemaining -= alloc.FreePages
		acct.PagesUsedThisPeriod += alloc.SubscriptionPages
		acct.CreditBalanceCents -= alloc.CreditCents
		acct.TotalPagesUsed += pages
		acct.UpdatedAt = now

		candidate := &model.UsageReservation{
			ID:                model.NewID(model.PrefixReservation),
			AccountID:         accountID,
			JobID:             ref.JobID,
			FileID:            ref.FileID,
			Pages:             pages,
			FreePages:         alloc.FreePages,
			SubscriptionPages: alloc.SubscriptionPages,
			CreditPages:       alloc.CreditPages,
			CreditCents:       alloc.CreditCents,
			State:             model.ReservationHeld,
			PlanAtTime:        acct.SubscriptionPlan,
			PeriodEnd:         acct.PeriodEnd,
			PagesBefore:       before,
			PagesAfter:        acct.TotalPagesUsed,
			CreatedAt:         now,
		}
		if err := l.repo.InsertReservation(ctx, acct, expected, candidate); err != nil {
			return err
		}
		res = candidate
		return nil
	})
	if err != nil {
		if !apperr.IsQuotaExceeded(err) {
			l.logger.Error().Err(err).Str("account_id", accountID).Int("pages", pages).Msg("Failed to reserve pages")
		}
		return nil, err
	}
	l.logger.Debug().
		Str("account_id", accountID).
		Str("reservation_id", res.ID).
		Int("free", res.FreePages).
		Int("subscription", res.SubscriptionPages).
		Int("credit", res.CreditPages).
		Msg("Reserved pages")
	return res, nil
}

func (l *usageLedger) Commit(ctx context.Context, res *model.UsageReservation) error {
	if res == nil || res.ID == "" {
		return apperr.Validation("reservation", "must not be empty")
	}
	now := l.now()
	committed, err := l.repo.CommitReservation(ctx, res.ID, now)
	if err != nil {
		l.logger.Error().Err(err).Str("reservation_id", res.ID).Msg("Failed to commit reservation")
		return err
	}
	if !committed {
		stored, err := l.repo.GetReservation(ctx, res.ID)
		if err == nil && stored.State == model.ReservationReleased {
			l.logger.Warn().Str("reservation_id", res.ID).Msg("Ignoring commit of released reservation")
		}
		return nil
	}

	// the stored row is authoritative; the caller may hold a pre-adjust copy
	rec := *res
	if stored, err := l.repo.GetReservation(ctx, res.ID); err == nil {
		rec = *stored
	}
	res.State = model.ReservationCommitted
	res.SettledAt = &now

	l.audit.Record(&model.UsageAuditRecord{
		AccountID:              rec.AccountID,
		Action:                 model.AuditPageProcessed,
		PagesBefore:            rec.PagesBefore,
		PagesAfter:             rec.PagesAfter,
		PagesCount:             rec.Pages,
		CreditCents:            rec.CreditCents,
		SubscriptionPlanAtTime: rec.PlanAtTime,
		JobID:                  rec.JobID,
		FileID:                 rec.FileID,
		ReservationID:          rec.ID,
		CreatedAt:              now,
	})
	return nil
}

func (l *usageLedger) Release(ctx context.Context, res *model.UsageReservation) error {
	if res == nil || res.ID == "" || res.AccountID == "" {
		return apperr.Validation("reservation", "must carry an id and account")
	}
	err := l.casLoop(ctx, res.AccountID, func() error {
		stored, err := l.repo.GetReservation(ctx, res.ID)
		if err != nil {
			return err
		}
		if stored.State != model.ReservationHeld {
			return nil
		}
		acct, err := l.repo.GetAccount(ctx, stored.AccountID)
		if err != nil {
			return err
		}
		expected := acct.Version
		now := l.now()
		acct.RollPeriod(now)

		acct.FreePagesRemaining += stored.FreePages
		// pages taken from an earlier period stay spent
		if stored.PeriodEnd.Equal(acct.PeriodEnd) {
			acct.PagesUsedThisPeriod = max(acct.PagesUsedThisPeriod-stored.SubscriptionPages, 0)
		}
		acct.CreditBalanceCents += stored.CreditCents
		acct.TotalPagesUsed = max(acct.TotalPagesUsed-stored.Pages, 0)
		acct.UpdatedAt = now

		stored.State = model.ReservationReleased
		stored.SettledAt = &now
		released, err := l.repo.ReleaseReservation(ctx, acct, expected, stored)
		if err != nil {
			return err
		}
		if released {
			res.State = model.ReservationReleased
			res.SettledAt = &now
		}
		return nil
	})
	if err != nil {
		l.logger.Error().Err(err).Str("reservation_id", res.ID).Msg("Failed to release reservation")
		return err
	}
	return nil
}

func (l *usageLedger) Adjust(ctx context.Context, res *model.UsageReservation, actualPages int) (*model.UsageReservation, error) {
	if res == nil || res.ID == "" || res.AccountID == "" {
		return nil, apperr.Validation("reservation", "must carry an id and account")
	}
	if actualPages < 0 {
		return nil, apperr.Validation("actual_pages", "must not be negative, got %d", actualPages)
	}

	var out *model.UsageReservation
	err := l.casLoop(ctx, res.AccountID, func() error {
		stored, err := l.repo.GetReservation(ctx, res.ID)
		if err != nil {
			return err
		}
		if stored.State != model.ReservationHeld {
			return fmt.Errorf("adjusting reservation %s: %w", res.ID, repository.ErrReservationNotHeld)
		}
		if stored.Pages == actualPages {
			out = stored
			return nil
		}
		acct, err := l.repo.GetAccount(ctx, stored.AccountID)
		if err != nil {
			return err
		}
		expected := acct.Version
		now := l.now()
		acct.RollPeriod(now)

		if actualPages < stored.Pages {
			l.refundSurplus(acct, stored, stored.Pages-actualPages)
		} else {
			extra := actualPages - stored.Pages
			alloc := l.allocate(acct, extra)
			if !alloc.Affordable {
				return &apperr.QuotaExceededError{AccountID: acct.AccountID, Requested: extra, Usage: l.snapshotOf(acct)}
			}
			acct.FreePagesRemaining -= alloc.FreePages
			acct.PagesUsedThisPeriod += alloc.SubscriptionPages
			acct.CreditBalanceCents -= alloc.CreditCents
			stored.FreePages += alloc.FreePages
			stored.SubscriptionPages += alloc.SubscriptionPages
			stored.CreditPages += alloc.CreditPages
			stored.CreditCents += alloc.CreditCents
		}
		acct.TotalPagesUsed = max(acct.TotalPagesUsed+actualPages-stored.Pages, 0)
		acct.UpdatedAt = now
		stored.Pages = actualPages
		stored.PagesAfter = stored.PagesBefore + actualPages

		if err := l.repo.AdjustReservation(ctx, acct, expected, stored); err != nil {
			return err
		}
		out = stored
		return nil
	})
	if err != nil {
		if !apperr.IsQuotaExceeded(err) {
			l.logger.Error().Err(err).Str("reservation_id", res.ID).Int("actual_pages", actualPages).Msg("Failed to adjust reservation")
		}
		return nil, err
	}
	return out, nil
}

// refundSurplus returns pages in the reverse of the order they were taken:
// credit, then subscription, then free.
func (l *usageLedger) refundSurplus(acct *model.Account, res *model.UsageReservation, surplus int) {
	if n := min(surplus, res.CreditPages); n > 0 {
		cents := res.CreditCents * int64(n) / int64(res.CreditPages)
		res.CreditPages -= n
		res.CreditCents -= cents
		acct.CreditBalanceCents += cents
		surplus -= n
	}
	if n := min(surplus, res.SubscriptionPages); n > 0 {
		if res.PeriodEnd.Equal(acct.PeriodEnd) {
			acct.PagesUsedThisPeriod = max(acct.PagesUsedThisPeriod-n, 0)
		}
		res.SubscriptionPages -= n
		surplus -= n
	}
	if n := min(surplus, res.FreePages); n > 0 {
		acct.FreePagesRemaining += n
		res.FreePages -= n
	}
}

func (l *usageLedger) Snapshot(ctx context.Context, accountID string) (*model.UsageSnapshot, error) {
	acct, err := l.EnsureAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	// rolled on a copy; only writers persist the new period
	acct.RollPeriod(l.now())
	snap := l.snapshotOf(acct)
	return &snap, nil
}

func (l *usageLedger) Estimate(ctx context.Context, accountID string, pages int) (*CostEstimate, error) {
	if pages <= 0 {
		return nil, apperr.Validation("pages", "must be positive, got %d", pages)
	}
	acct, err := l.EnsureAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	acct.RollPeriod(l.now())
	return &CostEstimate{
		Pages:      pages,
		Allocation: l.allocate(acct, pages),
		Usage:      l.snapshotOf(acct),
	}, nil
}

func (l *usageLedger) ChangePlan(ctx context.Context, accountID string, plan model.SubscriptionPlan, periodEnd time.Time) error {
	if !plan.Valid() {
		return apperr.Validation("plan", "unknown plan %q", plan)
	}
	var (
		changed bool
		acct    *model.Account
	)
	err := l.casLoop(ctx, accountID, func() error {
		var err error
		acct, err = l.EnsureAccount(ctx, accountID)
		if err != nil {
			return err
		}
		expected := acct.Version
		now := l.now()
		acct.RollPeriod(now)

		newPeriod := !periodEnd.IsZero() && !periodEnd.UTC().Truncate(time.Microsecond).Equal(acct.PeriodEnd)
		changed = acct.SubscriptionPlan != plan || (plan == model.PlanPro && newPeriod)
		if !changed {
			return nil
		}
		if plan == model.PlanPro && newPeriod {
			acct.PeriodEnd = periodEnd.UTC().Truncate(time.Microsecond)
			acct.PagesUsedThisPeriod = 0
		}
		acct.SubscriptionPlan = plan
		acct.UpdatedAt = now
		return l.repo.UpdateAccount(ctx, acct, expected)
	})
	if err != nil {
		l.logger.Error().Err(err).Str("account_id", accountID).Str("plan", string(plan)).Msg("Failed to change plan")
		return err
	}
	if !changed {
		return nil
	}
	l.logger.Info().Str("account_id", accountID).Str("plan", string(plan)).Time("period_end", acct.PeriodEnd).Msg("Subscription plan changed")
	l.audit.Record(&model.UsageAuditRecord{
		AccountID:              accountID,
		Action:                 model.AuditSubscriptionChanged,
		PagesBefore:            acct.TotalPagesUsed,
		PagesAfter:             acct.TotalPagesUsed,
		SubscriptionPlanAtTime: plan,
		CreatedAt:              acct.UpdatedAt,
	})
	return nil
}

func (l *usageLedger) TopUpCredit(ctx context.Context, accountID string, amountCents int64, reference string) (bool, error) {
	if amountCents <= 0 {
		return false, apperr.Validation("amount_cents", "must be positive, got %d", amountCents)
	}
	if reference == "" {
		return false, apperr.Validation("reference", "must not be empty")
	}
	var applied bool
	err := l.casLoop(ctx, accountID, func() error {
		acct, err := l.EnsureAccount(ctx, accountID)
		if err != nil {
			return err
		}
		expected := acct.Version
		acct.CreditBalanceCents += amountCents
		acct.UpdatedAt = l.now()
		applied, err = l.repo.ApplyTopUp(ctx, acct, expected, reference, amountCents)
		return err
	})
	if err != nil {
		l.logger.Error().Err(err).Str("account_id", accountID).Str("reference", reference).Msg("Failed to top up credit")
		return false, err
	}
	if applied {
		l.logger.Info().Str("account_id", accountID).Int64("amount_cents", amountCents).Str("reference", reference).Msg("Credit topped up")
	}
	return applied, nil
}

func (l *usageLedger) ListStaleReservations(ctx context.Context, olderThan time.Duration, limit int) ([]*model.UsageReservation, error) {
	return l.repo.ListHeldReservations(ctx, l.now().Add(-olderThan), limit)
}
