package service

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pagemeter/internal/model"
	"pagemeter/internal/repository/memory"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

const testWebhookSecret = "whsec_test"

func stripeEvent(id, eventType, object string) string {
	return fmt.Sprintf(`{"id":%q,"object":"event","api_version":%q,"type":%q,"data":{"object":%s}}`,
		id, stripe.APIVersion, eventType, object)
}

func deliver(t *testing.T, svc *StripeService, payload string, secret string) int {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: time.Now(),
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/stripe", strings.NewReader(payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	rec := httptest.NewRecorder()
	svc.HandleWebhook(rec, req)
	return rec.Code
}

func newTestStripe(t *testing.T) (*StripeService, *memory.Store) {
	t.Helper()
	store := memory.New()
	seedAccount(t, store, model.Account{AccountID: "acct_1", FreePagesRemaining: 5})
	ledger, _ := newTestLedger(t, store)
	svc := NewStripeService("sk_test", testWebhookSecret, ledger, zerolog.Nop())
	return svc, store
}

func TestStripeTopUpAppliedOnce(t *testing.T) {
	svc, store := newTestStripe(t)
	payload := stripeEvent("evt_1", "checkout.session.completed",
		`{"id":"cs_1","object":"checkout.session","mode":"payment","payment_status":"paid","amount_total":500,"client_reference_id":"acct_1"}`)

	for range 2 {
		if code := deliver(t, svc, payload, testWebhookSecret); code != http.StatusOK {
			t.Fatalf("status = %d, want 200", code)
		}
	}
	if acct := countersOf(t, store, "acct_1"); acct.CreditBalanceCents != 500 {
		t.Fatalf("credit = %d, want 500", acct.CreditBalanceCents)
	}
}

func TestStripeSubscriptionLifecycle(t *testing.T) {
	svc, store := newTestStripe(t)
	periodEnd := testNow.AddDate(0, 1, 0)
	svc.getSubscription = func(id string) (*stripe.Subscription, error) {
		if id != "sub_1" {
			t.Fatalf("fetched subscription %q", id)
		}
		return &stripe.Subscription{
			ID:    id,
			Items: &stripe.SubscriptionItemList{Data: []*stripe.SubscriptionItem{{CurrentPeriodEnd: periodEnd.Unix()}}},
		}, nil
	}

	checkout := stripeEvent("evt_2", "checkout.session.completed",
		`{"id":"cs_2","object":"checkout.session","mode":"subscription","subscription":"sub_1","metadata":{"account_id":"acct_1"}}`)
	if code := deliver(t, svc, checkout, testWebhookSecret); code != http.StatusOK {
		t.Fatalf("checkout status = %d", code)
	}
	acct := countersOf(t, store, "acct_1")
	if acct.SubscriptionPlan != model.PlanPro || !acct.PeriodEnd.Equal(periodEnd) {
		t.Fatalf("after checkout: plan %s period end %s", acct.SubscriptionPlan, acct.PeriodEnd)
	}

	deleted := stripeEvent("evt_3", "customer.subscription.deleted",
		`{"id":"sub_1","object":"subscription","metadata":{"account_id":"acct_1"}}`)
	if code := deliver(t, svc, deleted, testWebhookSecret); code != http.StatusOK {
		t.Fatalf("deleted status = %d", code)
	}
	if acct := countersOf(t, store, "acct_1"); acct.SubscriptionPlan != model.PlanFree {
		t.Fatalf("after delete: plan %s", acct.SubscriptionPlan)
	}
}

func TestStripeRejectsBadSignature(t *testing.T) {
	svc, store := newTestStripe(t)
	payload := stripeEvent("evt_4", "checkout.session.completed",
		`{"id":"cs_4","object":"checkout.session","mode":"payment","payment_status":"paid","amount_total":500,"client_reference_id":"acct_1"}`)
	if code := deliver(t, svc, payload, "whsec_other"); code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", code)
	}
	if acct := countersOf(t, store, "acct_1"); acct.CreditBalanceCents != 0 {
		t.Fatalf("unsigned event applied credit %d", acct.CreditBalanceCents)
	}
}
