package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/stripe/stripe-go/v75"
	"gorm.io/datatypes"

	"github.com/ManuelReschke/CourseFox/app/models"
	"github.com/ManuelReschke/CourseFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/CourseFox/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/CourseFox/internal/pkg/provider"
)

const (
	eventCheckoutCompleted     = "checkout.session.completed"
	eventAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"
	eventAsyncPaymentFailed    = "checkout.session.async_payment_failed"
	eventCheckoutExpired       = "checkout.session.expired"
	eventChargeRefunded        = "charge.refunded"
)

// HandleStripeEvent applies a signature-verified Stripe event. Every delivery
// is recorded once per event id; an event that was already processed without
// error is acknowledged and skipped. The returned error is for logging: the
// webhook endpoint acknowledges regardless.
func (s *Service) HandleStripeEvent(ctx context.Context, event stripe.Event, rawBody []byte) error {
	if event.ID == "" {
		return fmt.Errorf("%w: event without id", ErrInvalidInput)
	}
	eventType := string(event.Type)

	created, stored, err := s.uow.WebhookEvents().CreateIfNotExists(ctx, &models.PaymentWebhookEvent{
		Provider:        models.PaymentProviderCard,
		ProviderEventID: event.ID,
		EventType:       eventType,
		Payload:         datatypes.JSON(rawBody),
	})
	if err != nil {
		return fmt.Errorf("record stripe event %s: %w", event.ID, err)
	}
	if !created && stored.IsProcessed() {
		log.Infof("[StripeWebhook] Event %s (%s) already processed, skipping", event.ID, eventType)
		return nil
	}
	if created {
		s.archive(ctx, models.PaymentProviderCard, event.ID, eventType, rawBody)
	}

	procErr := s.applyStripeEvent(ctx, event)
	procMsg := ""
	if procErr != nil {
		procMsg = procErr.Error()
	}
	if err := s.uow.WebhookEvents().MarkProcessed(ctx, stored.ID, procMsg); err != nil {
		log.Errorf("[StripeWebhook] Could not mark event %s processed: %v", event.ID, err)
	}
	s.counters.Inc(counter.WebhooksHandled)
	return procErr
}

func (s *Service) applyStripeEvent(ctx context.Context, event stripe.Event) error {
	eventType := string(event.Type)
	switch eventType {
	case eventCheckoutCompleted, eventAsyncPaymentSucceeded, eventAsyncPaymentFailed, eventCheckoutExpired:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return fmt.Errorf("%w: decode checkout session: %v", ErrInvalidInput, err)
		}
		if session.ID == "" {
			return fmt.Errorf("%w: checkout session without id", ErrInvalidInput)
		}
		res := provider.OutcomeFromSession(&session)
		if eventType == eventAsyncPaymentFailed {
			res.Status = models.PaymentStatusFailed
			res.PaidAt = nil
		}
		res.Raw["event_id"] = event.ID
		res.Raw["event_type"] = eventType

		out, err := s.ledger.RecordVerifiedOutcome(ctx, session.ID, *res)
		if err != nil {
			return err
		}
		log.Infof("[StripeWebhook] %s for session %s: payment %s is %s (applied=%t)",
			eventType, session.ID, out.Payment.ID, out.Payment.Status, out.Applied)
		return nil

	case eventChargeRefunded:
		var charge stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			return fmt.Errorf("%w: decode charge: %v", ErrInvalidInput, err)
		}
		if !charge.Refunded {
			log.Infof("[StripeWebhook] Partial refund on charge %s ignored (%d refunded)", charge.ID, charge.AmountRefunded)
			return nil
		}
		if charge.PaymentIntent == nil || charge.PaymentIntent.ID == "" {
			return fmt.Errorf("%w: charge %s has no payment intent", ErrInvalidInput, charge.ID)
		}
		if s.sessions == nil {
			return fmt.Errorf("%w: no checkout session lookup for refunds", provider.ErrNotConfigured)
		}

		pctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		session, err := s.sessions.SessionForPaymentIntent(pctx, charge.PaymentIntent.ID)
		if err != nil {
			return s.providerError(models.PaymentProviderCard, "refund lookup", err)
		}
		_, err = s.ledger.RecordRefund(ctx, session.ID, map[string]interface{}{
			"event_id":        event.ID,
			"charge":          charge.ID,
			"payment_intent":  charge.PaymentIntent.ID,
			"amount_refunded": charge.AmountRefunded,
		})
		if err != nil {
			return err
		}
		s.forgetVerification(ctx, models.PaymentProviderCard, session.ID)
		return nil

	default:
		log.Debugf("[StripeWebhook] Ignoring event %s of type %s", event.ID, eventType)
		return nil
	}
}

// MobileMoneyCallback is the body the mobile-money platform posts to the
// callback URL. It is not signed, so it only triggers a status query.
type MobileMoneyCallback struct {
	ReferenceID            string `json:"referenceId"`
	ExternalID             string `json:"externalId"`
	Status                 string `json:"status"`
	FinancialTransactionID string `json:"financialTransactionId"`
}

// HandleMobileMoneyCallback re-verifies referenceID through the provider API.
func (s *Service) HandleMobileMoneyCallback(ctx context.Context, cb MobileMoneyCallback, rawBody []byte) error {
	ref := strings.TrimSpace(cb.ReferenceID)
	if ref == "" {
		return fmt.Errorf("%w: callback without reference id", ErrInvalidInput)
	}
	log.Infof("[MobileMoneyCallback] Callback for %s reports %q, verifying with provider", ref, cb.Status)

	if _, err := s.ledger.FindByProviderTransactionID(ctx, ref); err != nil {
		if errors.Is(err, ErrPaymentNotFound) {
			s.counters.Inc(counter.LedgerDangling)
			log.Warnf("[MobileMoneyCallback] DanglingReference: callback for unknown transaction %s", ref)
			return nil
		}
		return err
	}
	s.archive(ctx, models.PaymentProviderMobileMoney, ref+"-"+strings.ToLower(cb.Status), "requesttopay."+strings.ToLower(cb.Status), rawBody)

	err := s.Reverify(ctx, string(models.PaymentProviderMobileMoney), ref)
	if errors.Is(err, provider.ErrProviderUnavailable) && s.deferrable() {
		// the sweeper retries stale payments; hand this one to the queue now
		payload := jobqueue.VerifyPaymentJobPayload{
			Provider:              string(models.PaymentProviderMobileMoney),
			ProviderTransactionID: ref,
		}
		if _, qerr := s.jobs.Enqueue(ctx, jobqueue.JobTypeVerifyPayment, payload.ToMap()); qerr != nil {
			log.Errorf("[MobileMoneyCallback] Could not enqueue re-verification of %s: %v", ref, qerr)
		}
	}
	return err
}

// deferrable reports whether enqueued work runs later. The inline sink runs
// jobs on the calling goroutine, which would just repeat a failed call.
func (s *Service) deferrable() bool {
	if s.jobs == nil {
		return false
	}
	_, inline := s.jobs.(*jobqueue.InlineSink)
	return !inline
}

// forgetVerification drops a cached verification result that no longer
// matches the ledger.
func (s *Service) forgetVerification(ctx context.Context, kind models.PaymentProvider, providerTransactionID string) {
	p, err := s.providers.Get(kind)
	if err != nil {
		return
	}
	if cache, ok := p.(provider.VerifyCache); ok {
		if err := cache.Invalidate(ctx, providerTransactionID); err != nil {
			log.Warnf("[Checkout] Could not drop cached verification of %s: %v", providerTransactionID, err)
		}
	}
}

// archive enqueues the raw notification for long-term storage. Failures are
// logged only.
func (s *Service) archive(ctx context.Context, kind models.PaymentProvider, eventID, eventType string, body []byte) {
	if s.jobs == nil || len(body) == 0 {
		return
	}
	payload := jobqueue.ArchiveWebhookJobPayload{
		Provider:   string(kind),
		EventID:    eventID,
		EventType:  eventType,
		Body:       string(body),
		ReceivedAt: time.Now().UTC(),
	}
	if _, err := s.jobs.Enqueue(ctx, jobqueue.JobTypeArchiveWebhook, payload.ToMap()); err != nil {
		log.Errorf("[%s] Could not enqueue archive of event %s: %v", kind, eventID, err)
	}
}
