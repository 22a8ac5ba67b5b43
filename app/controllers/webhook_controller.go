package controllers

import (
	"encoding/json"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/CourseFox/internal/pkg/checkout"
	"github.com/ManuelReschke/CourseFox/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/CourseFox/internal/pkg/security"
)

// WebhookController receives provider notifications. Once a Stripe delivery
// is authenticated it is always acknowledged; processing errors are logged
// and recorded on the event row instead of triggering provider retries.
type WebhookController struct {
	checkout *checkout.Service
	verifier *security.StripeVerifier
	counters *counter.Registry
}

func NewWebhookController(svc *checkout.Service, verifier *security.StripeVerifier, counters *counter.Registry) *WebhookController {
	return &WebhookController{checkout: svc, verifier: verifier, counters: counters}
}

var webhookController *WebhookController

func InitializeWebhookController(svc *checkout.Service, verifier *security.StripeVerifier, counters *counter.Registry) {
	webhookController = NewWebhookController(svc, verifier, counters)
}

func GetWebhookController() *WebhookController {
	if webhookController == nil {
		panic("WebhookController not initialized. Call InitializeWebhookController() first.")
	}
	return webhookController
}

// HandleStripe handles POST /webhooks/stripe.
func (wc *WebhookController) HandleStripe(c *fiber.Ctx) error {
	// the signature covers the exact bytes; fasthttp reuses the buffer
	payload := append([]byte(nil), c.Body()...)
	if len(payload) == 0 {
		wc.counters.Inc(counter.WebhooksRejected)
		return errorResponse(c, fiber.StatusBadRequest, "bad_request", "empty body")
	}

	event, err := wc.verifier.Verify(payload, c.Get(security.StripeSignatureHeader))
	if err != nil {
		wc.counters.Inc(counter.WebhooksRejected)
		if errors.Is(err, security.ErrMalformedPayload) {
			log.Warnf("[StripeWebhook] Malformed payload: %v", err)
			return errorResponse(c, fiber.StatusBadRequest, "bad_request", "invalid payload")
		}
		log.Warnf("[StripeWebhook] Signature verification failed: %v", err)
		return errorResponse(c, fiber.StatusUnauthorized, "unauthorized", "invalid signature")
	}

	if err := wc.checkout.HandleStripeEvent(c.UserContext(), event, payload); err != nil {
		log.Errorf("[StripeWebhook] Event %s (%s) not applied: %v", event.ID, event.Type, err)
	}
	return c.JSON(fiber.Map{"received": true})
}

// HandleMobileMoney handles POST /webhooks/mobile-money. The callback is a hint
// only; the payment status always comes from a provider query.
func (wc *WebhookController) HandleMobileMoney(c *fiber.Ctx) error {
	payload := append([]byte(nil), c.Body()...)
	var cb checkout.MobileMoneyCallback
	if err := json.Unmarshal(payload, &cb); err != nil {
		log.Warnf("[MobileMoneyCallback] Ignoring unreadable callback: %v", err)
		return c.JSON(fiber.Map{"received": true})
	}
	if err := wc.checkout.HandleMobileMoneyCallback(c.UserContext(), cb, payload); err != nil {
		log.Errorf("[MobileMoneyCallback] Callback for %s not applied: %v", cb.ReferenceID, err)
	}
	return c.JSON(fiber.Map{"received": true})
}
