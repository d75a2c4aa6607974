// Package pricing computes what processing a number of pages costs an
// account. It has no side effects; the usage ledger and the cost preview
// endpoint call the same functions so both always agree.
package pricing

// Quote is the price of a page count against a free allowance and credit.
type Quote struct {
	FreePagesUsed  int   `json:"free_pages_used"`
	PaidPages      int   `json:"paid_pages"`
	TotalCostCents int64 `json:"total_cost_cents"`
	Affordable     bool  `json:"affordable"`
}

// Price applies free pages first and charges the rest at a flat per-page rate.
func Price(pageCount, freePagesRemaining int, creditBalanceCents, costPerPageCents int64) Quote {
	if pageCount < 0 {
		pageCount = 0
	}
	if freePagesRemaining < 0 {
		freePagesRemaining = 0
	}
	free := min(pageCount, freePagesRemaining)
	paid := pageCount - free
	cost := int64(paid) * costPerPageCents
	return Quote{
		FreePagesUsed:  free,
		PaidPages:      paid,
		TotalCostCents: cost,
		Affordable:     paid == 0 || cost <= creditBalanceCents,
	}
}

// Allocation is a Quote with the free part split between the lifetime free
// allowance and the current subscription period.
type Allocation struct {
	Pages             int   `json:"pages"`
	FreePages         int   `json:"free_pages"`
	SubscriptionPages int   `json:"subscription_pages"`
	CreditPages       int   `json:"credit_pages"`
	CreditCents       int64 `json:"credit_cents"`
	Affordable        bool  `json:"affordable"`
}

// Allocate prices pageCount with free pages taken before subscription pages
// and credit last.
func Allocate(pageCount, freePagesRemaining, subscriptionRemaining int, creditBalanceCents, costPerPageCents int64) Allocation {
	if freePagesRemaining < 0 {
		freePagesRemaining = 0
	}
	if subscriptionRemaining < 0 {
		subscriptionRemaining = 0
	}
	q := Price(pageCount, freePagesRemaining+subscriptionRemaining, creditBalanceCents, costPerPageCents)
	free := min(q.FreePagesUsed, freePagesRemaining)
	return Allocation{
		Pages:             q.FreePagesUsed + q.PaidPages,
		FreePages:         free,
		SubscriptionPages: q.FreePagesUsed - free,
		CreditPages:       q.PaidPages,
		CreditCents:       q.TotalCostCents,
		Affordable:        q.Affordable,
	}
}

// AffordablePages is how many pages a credit balance pays for.
func AffordablePages(creditBalanceCents, costPerPageCents int64) int {
	if costPerPageCents <= 0 || creditBalanceCents <= 0 {
		return 0
	}
	return int(creditBalanceCents / costPerPageCents)
}
