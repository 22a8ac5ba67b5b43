package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/stripe/stripe-go/v75"
	"github.com/stripe/stripe-go/v75/client"

	"github.com/ManuelReschke/CourseFox/app/models"
	"github.com/ManuelReschke/CourseFox/internal/pkg/env"
)

// Checkout session metadata keys.
const (
	MetadataPaymentID = "payment_id"
	MetadataCourseID  = "course_id"
	MetadataUserID    = "user_id"
)

type StripeConfig struct {
	SecretKey  string
	SuccessURL string
	CancelURL  string
	Timeout    time.Duration
	// BackendURL overrides https://api.stripe.com (tests, stripe-mock).
	BackendURL string
}

func LoadStripeConfig() StripeConfig {
	base := strings.TrimRight(env.GetEnv("PUBLIC_DOMAIN", "http://localhost:4000"), "/")
	return StripeConfig{
		SecretKey:  env.GetEnv("STRIPE_SECRET_KEY", ""),
		SuccessURL: env.GetEnv("STRIPE_SUCCESS_URL", base+"/payments/success?session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:  env.GetEnv("STRIPE_CANCEL_URL", base+"/payments/cancel"),
		Timeout:    env.GetEnvSeconds("PROVIDER_TIMEOUT_SECONDS", 15*time.Second),
		BackendURL: env.GetEnv("STRIPE_API_URL", ""),
	}
}

// StripeProvider sells a course through a one-off Stripe Checkout session. The
// session id is the provider transaction id and the session URL is what the
// payer opens.
type StripeProvider struct {
	api *client.API
	cfg StripeConfig
}

func NewStripeProvider(cfg StripeConfig) *StripeProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	backendCfg := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: cfg.Timeout},
		MaxNetworkRetries: stripe.Int64(0),
	}
	if cfg.BackendURL != "" {
		backendCfg.URL = stripe.String(cfg.BackendURL)
	}
	backends := &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, backendCfg),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, backendCfg),
	}
	return &StripeProvider{
		api: client.New(cfg.SecretKey, backends),
		cfg: cfg,
	}
}

func (p *StripeProvider) Kind() models.PaymentProvider {
	return models.PaymentProviderCard
}

func (p *StripeProvider) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	if strings.TrimSpace(p.cfg.SecretKey) == "" {
		return nil, fmt.Errorf("%w: STRIPE_SECRET_KEY is not set", ErrNotConfigured)
	}
	if err := validateInitiate(p.Kind(), req); err != nil {
		return nil, err
	}

	name := strings.TrimSpace(req.CourseTitle)
	if name == "" {
		name = fmt.Sprintf("Course #%d", req.CourseID)
	}
	metadata := map[string]string{
		MetadataPaymentID: req.PaymentID,
		MetadataCourseID:  strconv.FormatUint(uint64(req.CourseID), 10),
		MetadataUserID:    strconv.FormatUint(uint64(req.UserID), 10),
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(p.cfg.SuccessURL),
		CancelURL:         stripe.String(p.cfg.CancelURL),
		CustomerEmail:     stripe.String(strings.TrimSpace(req.PayerIdentifier)),
		ClientReferenceID: stripe.String(metadata[MetadataUserID]),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Quantity: stripe.Int64(1),
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(strings.ToLower(req.Currency)),
					UnitAmount: stripe.Int64(ToMinorUnits(req.Amount, req.Currency)),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(name),
					},
				},
			},
		},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: metadata,
		},
	}
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx
	if req.PaymentID != "" {
		params.SetIdempotencyKey("checkout-" + req.PaymentID)
	}

	s, err := p.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, p.classify("create checkout session", err)
	}

	log.Infof("[Stripe] Created checkout session %s for payment %s", s.ID, req.PaymentID)
	return &InitiateResult{
		Status:                models.PaymentStatusPending,
		ProviderTransactionID: s.ID,
		PayerFacingHandle:     s.URL,
		Raw: map[string]interface{}{
			"session_id": s.ID,
			"status":     string(s.Status),
		},
	}, nil
}

func (p *StripeProvider) Verify(ctx context.Context, providerTransactionID string) (*VerifyResult, error) {
	if strings.TrimSpace(p.cfg.SecretKey) == "" {
		return nil, fmt.Errorf("%w: STRIPE_SECRET_KEY is not set", ErrNotConfigured)
	}
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx

	s, err := p.api.CheckoutSessions.Get(providerTransactionID, params)
	if err != nil {
		return nil, p.classify("get checkout session", err)
	}
	return OutcomeFromSession(s), nil
}

// SessionForPaymentIntent finds the checkout session that created a payment
// intent. Refund events only reference the payment intent.
func (p *StripeProvider) SessionForPaymentIntent(ctx context.Context, paymentIntentID string) (*stripe.CheckoutSession, error) {
	params := &stripe.CheckoutSessionListParams{
		PaymentIntent: stripe.String(paymentIntentID),
	}
	params.Context = ctx
	params.Filters.AddFilter("limit", "", "1")

	it := p.api.CheckoutSessions.List(params)
	if it.Next() {
		return it.CheckoutSession(), nil
	}
	if err := it.Err(); err != nil {
		return nil, p.classify("list checkout sessions", err)
	}
	return nil, fmt.Errorf("%w: no checkout session for payment intent %s", ErrTransactionNotFound, paymentIntentID)
}

// OutcomeFromSession maps a checkout session onto the provider-neutral result.
// It is shared by Verify and webhook handling.
func OutcomeFromSession(s *stripe.CheckoutSession) *VerifyResult {
	currency := strings.ToUpper(string(s.Currency))
	res := &VerifyResult{
		Status:   models.PaymentStatusPending,
		Amount:   FromMinorUnits(s.AmountTotal, currency),
		Currency: currency,
		Raw: map[string]interface{}{
			"session_id":     s.ID,
			"status":         string(s.Status),
			"payment_status": string(s.PaymentStatus),
		},
	}
	if s.PaymentIntent != nil && s.PaymentIntent.ID != "" {
		res.Raw["payment_intent"] = s.PaymentIntent.ID
	}
	if raw, ok := s.Metadata[MetadataCourseID]; ok {
		if id, err := strconv.ParseUint(raw, 10, 64); err == nil {
			res.CourseID = uint(id)
		}
	}

	switch {
	case s.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
		s.PaymentStatus == stripe.CheckoutSessionPaymentStatusNoPaymentRequired:
		now := time.Now().UTC()
		res.Status = models.PaymentStatusSuccess
		res.PaidAt = &now
	case s.Status == stripe.CheckoutSessionStatusExpired:
		res.Status = models.PaymentStatusFailed
	}
	return res
}

func (p *StripeProvider) classify(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch {
		case stripeErr.HTTPStatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrTransactionNotFound, stripeErr.Msg)
		case stripeErr.HTTPStatusCode == http.StatusTooManyRequests || stripeErr.HTTPStatusCode >= 500:
			return unavailable(op, err)
		default:
			return fmt.Errorf("stripe %s failed: %w", op, err)
		}
	}
	return unavailable(op, err)
}
