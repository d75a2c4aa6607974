package model

import "time"

// SubscriptionPlan is the closed set of plans an account can be on.
type SubscriptionPlan string

const (
	PlanFree SubscriptionPlan = "free"
	PlanPro  SubscriptionPlan = "pro"
)

func (p SubscriptionPlan) Valid() bool {
	return p == PlanFree || p == PlanPro
}

// Account holds the usage counters of one billable user.
// Counters are only written through the usage ledger.
type Account struct {
	AccountID           string           `db:"account_id" json:"account_id"`
	FreePagesRemaining  int              `db:"free_pages_remaining" json:"free_pages_remaining"`
	CreditBalanceCents  int64            `db:"credit_balance_cents" json:"credit_balance_cents"`
	SubscriptionPlan    SubscriptionPlan `db:"subscription_plan" json:"subscription_plan"`
	PagesUsedThisPeriod int              `db:"pages_used_this_period" json:"pages_used_this_period"`
	PeriodEnd           time.Time        `db:"period_end" json:"period_end"`
	TotalPagesUsed      int              `db:"total_pages_used" json:"total_pages_used"`
	Version             int64            `db:"version" json:"version"`
	CreatedAt           time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time        `db:"updated_at" json:"updated_at"`
}

// RollPeriod advances PeriodEnd past now in whole months, resetting the
// period counter. It reports whether anything changed.
func (a *Account) RollPeriod(now time.Time) bool {
	if a.PeriodEnd.IsZero() {
		a.PeriodEnd = now.AddDate(0, 1, 0)
		a.PagesUsedThisPeriod = 0
		return true
	}
	if now.Before(a.PeriodEnd) {
		return false
	}
	for !now.Before(a.PeriodEnd) {
		a.PeriodEnd = a.PeriodEnd.AddDate(0, 1, 0)
	}
	a.PagesUsedThisPeriod = 0
	return true
}

// UsageSnapshot is a read-only view of an account's allowances.
type UsageSnapshot struct {
	AccountID                  string           `json:"account_id"`
	SubscriptionPlan           SubscriptionPlan `json:"subscription_plan"`
	FreePagesRemaining         int              `json:"free_pages_remaining"`
	PagesUsedThisPeriod        int              `json:"pages_used_this_period"`
	MonthlyPageCap             int              `json:"monthly_page_cap"`
	SubscriptionPagesRemaining int              `json:"subscription_pages_remaining"`
	CreditBalanceCents         int64            `json:"credit_balance_cents"`
	CostPerPageCents           int64            `json:"cost_per_page_cents"`
	AffordableCreditPages      int              `json:"affordable_credit_pages"`
	TotalPagesAvailable        int              `json:"total_pages_available"`
	TotalPagesUsed             int              `json:"total_pages_used"`
	PeriodEnd                  time.Time        `json:"period_end"`
}
