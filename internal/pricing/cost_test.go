package pricing

import "testing"

func TestPrice(t *testing.T) {
	tests := []struct {
		name   string
		pages  int
		free   int
		credit int64
		cost   int64
		want   Quote
	}{
		{"all free", 4, 10, 0, 5, Quote{FreePagesUsed: 4, Affordable: true}},
		{"exactly free", 5, 5, 0, 5, Quote{FreePagesUsed: 5, Affordable: true}},
		{"overflow unaffordable", 3, 1, 0, 5, Quote{FreePagesUsed: 1, PaidPages: 2, TotalCostCents: 10}},
		{"overflow paid", 3, 1, 10, 5, Quote{FreePagesUsed: 1, PaidPages: 2, TotalCostCents: 10, Affordable: true}},
		{"one cent short", 3, 1, 9, 5, Quote{FreePagesUsed: 1, PaidPages: 2, TotalCostCents: 10}},
		{"no free", 2, 0, 100, 7, Quote{PaidPages: 2, TotalCostCents: 14, Affordable: true}},
		{"free pricing", 3, 0, 0, 0, Quote{PaidPages: 3, Affordable: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Price(tt.pages, tt.free, tt.credit, tt.cost)
			if got != tt.want {
				t.Fatalf("Price(%d, %d, %d, %d) = %+v, want %+v", tt.pages, tt.free, tt.credit, tt.cost, got, tt.want)
			}
		})
	}
}

func TestAllocateOrder(t *testing.T) {
	a := Allocate(10, 3, 4, 100, 5)
	if a.FreePages != 3 || a.SubscriptionPages != 4 || a.CreditPages != 3 || a.CreditCents != 15 || !a.Affordable {
		t.Fatalf("unexpected allocation %+v", a)
	}
	if a.FreePages+a.SubscriptionPages+a.CreditPages != a.Pages {
		t.Fatalf("allocation does not add up: %+v", a)
	}
}

func TestAllocateMatchesPrice(t *testing.T) {
	for pages := 1; pages <= 12; pages++ {
		for free := 0; free <= 5; free++ {
			for sub := 0; sub <= 5; sub++ {
				a := Allocate(pages, free, sub, 20, 5)
				q := Price(pages, free+sub, 20, 5)
				if a.CreditPages != q.PaidPages || a.CreditCents != q.TotalCostCents || a.Affordable != q.Affordable {
					t.Fatalf("pages=%d free=%d sub=%d: allocation %+v disagrees with quote %+v", pages, free, sub, a, q)
				}
			}
		}
	}
}

func TestAffordablePages(t *testing.T) {
	if got := AffordablePages(14, 5); got != 2 {
		t.Fatalf("AffordablePages = %d, want 2", got)
	}
	if got := AffordablePages(14, 0); got != 0 {
		t.Fatalf("AffordablePages with zero rate = %d, want 0", got)
	}
}
