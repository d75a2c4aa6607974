package model

import "time"

// ReservationState tracks a reservation from hold to settlement.
type ReservationState string

const (
	ReservationHeld      ReservationState = "held"
	ReservationCommitted ReservationState = "committed"
	ReservationReleased  ReservationState = "released"
)

// UsageReservation is a tentative claim on an account's page allowance for
// one file. It is settled exactly once, by commit or by release.
type UsageReservation struct {
	ID                string           `db:"id" json:"id"`
	AccountID         string           `db:"account_id" json:"account_id"`
	JobID             string           `db:"job_id" json:"job_id,omitempty"`
	FileID            string           `db:"file_id" json:"file_id,omitempty"`
	Pages             int              `db:"pages" json:"pages"`
	FreePages         int              `db:"free_pages" json:"free_pages"`
	SubscriptionPages int              `db:"subscription_pages" json:"subscription_pages"`
	CreditPages       int              `db:"credit_pages" json:"credit_pages"`
	CreditCents       int64            `db:"credit_cents" json:"credit_cents"`
	State             ReservationState `db:"state" json:"state"`
	PlanAtTime        SubscriptionPlan `db:"plan_at_time" json:"plan_at_time"`
	PeriodEnd         time.Time        `db:"period_end" json:"period_end"`
	PagesBefore       int              `db:"pages_before" json:"pages_before"`
	PagesAfter        int              `db:"pages_after" json:"pages_after"`
	CreatedAt         time.Time        `db:"created_at" json:"created_at"`
	SettledAt         *time.Time       `db:"settled_at" json:"settled_at,omitempty"`
}

// ReservationRef links a reservation to the file that caused it.
type ReservationRef struct {
	JobID  string
	FileID string
}

// AuditAction is the closed set of usage-affecting events.
type AuditAction string

const (
	AuditPageProcessed       AuditAction = "page_processed"
	AuditLimitExceeded       AuditAction = "limit_exceeded"
	AuditSubscriptionChanged AuditAction = "subscription_changed"
)

// UsageAuditRecord is an immutable, append-only ledger entry.
type UsageAuditRecord struct {
	ID                     string           `db:"id" json:"id"`
	AccountID              string           `db:"account_id" json:"account_id"`
	Action                 AuditAction      `db:"action" json:"action"`
	PagesBefore            int              `db:"pages_before" json:"pages_before"`
	PagesAfter             int              `db:"pages_after" json:"pages_after"`
	PagesCount             int              `db:"pages_count" json:"pages_count"`
	CreditCents            int64            `db:"credit_cents" json:"credit_cents"`
	SubscriptionPlanAtTime SubscriptionPlan `db:"subscription_plan_at_time" json:"subscription_plan_at_time"`
	JobID                  string           `db:"job_id" json:"job_id,omitempty"`
	FileID                 string           `db:"file_id" json:"file_id,omitempty"`
	ReservationID          string           `db:"reservation_id" json:"reservation_id,omitempty"`
	CreatedAt              time.Time        `db:"created_at" json:"created_at"`
}
