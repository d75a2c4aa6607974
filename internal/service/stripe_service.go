package service

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"pagemeter/internal/apperr"
	"pagemeter/internal/model"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v82"
	subscriptionpkg "github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/webhook"
)

// maxWebhookBody bounds the payload read from Stripe.
const maxWebhookBody = 1 << 16

// StripeService turns Stripe payment events into ledger changes: one-off
// checkouts top up credit, subscriptions switch the account plan.
type StripeService struct {
	ledger        UsageLedger
	webhookSecret string
	// getSubscription is swapped in tests.
	getSubscription func(id string) (*stripe.Subscription, error)
	logger          zerolog.Logger
}

// NewStripeService initializes Stripe key and returns service with a scoped logger
func NewStripeService(secretKey, webhookSecret string, ledger UsageLedger, logger zerolog.Logger) *StripeService {
	stripe.Key = secretKey
	lg := logger.With().Str("service", "StripeService").Logger()
	return &StripeService{
		ledger:        ledger,
		webhookSecret: webhookSecret,
		getSubscription: func(id string) (*stripe.Subscription, error) {
			return subscriptionpkg.Get(id, nil)
		},
		logger: lg,
	}
}

// accountIDFrom resolves the account from event metadata, falling back to
// the checkout client reference.
func accountIDFrom(metadata map[string]string, clientReference string) string {
	if id := metadata["account_id"]; id != "" {
		return id
	}
	return clientReference
}

// HandleWebhook processes Stripe webhook events
func (s *StripeService) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read Stripe webhook payload")
		http.Error(w, "failed to read payload", http.StatusBadRequest)
		return
	}
	sig := r.Header.Get("Stripe-Signature")
	event, err := webhook.ConstructEvent(payload, sig, s.webhookSecret)
	if err != nil {
		s.logger.Error().Err(err).Msg("Signature verification failed for Stripe webhook")
		http.Error(w, "signature verification failed", http.StatusBadRequest)
		return
	}
	s.logger.Info().Str("event_type", string(event.Type)).Str("event_id", event.ID).Msg("Stripe webhook received")

	ctx := r.Context()
	switch event.Type {
	case "checkout.session.completed":
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
			s.logger.Error().Err(err).Msg("Invalid checkout.session data")
			http.Error(w, "invalid checkout.session data", http.StatusBadRequest)
			return
		}
		accountID := accountIDFrom(cs.Metadata, cs.ClientReferenceID)
		if accountID == "" {
			// retrying cannot fix a session without an account
			s.logger.Warn().Str("session_id", cs.ID).Msg("Checkout session has no account reference, ignoring")
			break
		}

		switch cs.Mode {
		case stripe.CheckoutSessionModePayment:
			if cs.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
				s.logger.Info().Str("session_id", cs.ID).Str("payment_status", string(cs.PaymentStatus)).Msg("Checkout not paid yet, skipping top-up")
				break
			}
			applied, err := s.ledger.TopUpCredit(ctx, accountID, cs.AmountTotal, cs.ID)
			if err != nil {
				s.logger.Error().Err(err).Str("account_id", accountID).Str("session_id", cs.ID).Msg("Failed to apply credit top-up")
				http.Error(w, "failed to apply top-up", statusForLedgerError(err))
				return
			}
			if !applied {
				s.logger.Info().Str("session_id", cs.ID).Msg("Duplicate top-up delivery ignored")
			}
		case stripe.CheckoutSessionModeSubscription:
			if cs.Subscription == nil || cs.Subscription.ID == "" {
				s.logger.Error().Str("session_id", cs.ID).Msg("Subscription checkout without subscription")
				http.Error(w, "missing subscription", http.StatusBadRequest)
				return
			}
			subID := cs.Subscription.ID
			// Fetch full subscription object to get the billing period
			subObj, err := s.getSubscription(subID)
			if err != nil {
				s.logger.Error().Err(err).Str("subscription_id", subID).Msg("Failed to fetch subscription details")
				http.Error(w, "failed to fetch subscription details", http.StatusInternalServerError)
				return
			}
			if subObj.Items == nil || len(subObj.Items.Data) == 0 {
				s.logger.Error().Str("subscription_id", subID).Msg("Subscription has no items")
				http.Error(w, "subscription has no items", http.StatusInternalServerError)
				return
			}
			end := time.Unix(subObj.Items.Data[0].CurrentPeriodEnd, 0)
			if err := s.ledger.ChangePlan(ctx, accountID, model.PlanPro, end); err != nil {
				s.logger.Error().Err(err).Str("account_id", accountID).Msg("Failed to upgrade plan on checkout.session.completed")
				http.Error(w, "failed to change plan", statusForLedgerError(err))
				return
			}
		default:
			s.logger.Warn().Str("mode", string(cs.Mode)).Msg("Unhandled checkout mode")
		}
	case "customer.subscription.deleted":
		var ss stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &ss); err != nil {
			s.logger.Error().Err(err).Msg("Invalid customer.subscription.deleted payload")
			http.Error(w, "invalid subscription data", http.StatusBadRequest)
			return
		}
		accountID := accountIDFrom(ss.Metadata, "")
		if accountID == "" {
			s.logger.Warn().Str("subscription_id", ss.ID).Msg("Subscription has no account reference, ignoring")
			break
		}
		if err := s.ledger.ChangePlan(ctx, accountID, model.PlanFree, time.Time{}); err != nil {
			s.logger.Error().Err(err).Str("account_id", accountID).Msg("Failed to downgrade plan on customer.subscription.deleted")
			http.Error(w, "failed to downgrade subscription", statusForLedgerError(err))
			return
		}
	default:
		s.logger.Warn().Str("event_type", string(event.Type)).Msg("Unhandled Stripe webhook event")
	}
	w.WriteHeader(http.StatusOK)
}

// statusForLedgerError keeps Stripe retrying only when a retry can help.
func statusForLedgerError(err error) int {
	if apperr.CodeOf(err) == apperr.CodeValidation {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
