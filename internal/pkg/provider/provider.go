package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/ManuelReschke/CourseFox/app/models"
)

var (
	// ErrProviderUnavailable marks transient failures (network, timeout, 5xx, 429).
	// Initiation may be retried by the caller; verification leaves the payment PENDING.
	ErrProviderUnavailable = errors.New("payment provider unavailable")
	ErrInvalidAmount       = errors.New("amount must be greater than zero")
	ErrInvalidPayer        = errors.New("invalid payer identifier")
	ErrTransactionNotFound = errors.New("transaction unknown to payment provider")
	ErrUnknownProvider     = errors.New("unknown payment provider")
	ErrNotConfigured       = errors.New("payment provider is not configured")
	ErrCurrencyMismatch    = errors.New("provider cannot charge in this currency")
)

// InitiateRequest is the provider-neutral input of Initiate.
type InitiateRequest struct {
	PaymentID       string
	UserID          uint
	CourseID        uint
	CourseTitle     string
	PayerIdentifier string
	Amount          decimal.Decimal
	Currency        string
}

// InitiateResult is always PENDING; the payer still has to act.
type InitiateResult struct {
	Status                models.PaymentStatus
	ProviderTransactionID string
	PayerFacingHandle     string
	Raw                   map[string]interface{}
}

// VerifyResult is the shape every provider reports outcomes in, so the ledger
// never needs to know which provider it talks to.
type VerifyResult struct {
	Status   models.PaymentStatus   `json:"status"`
	CourseID uint                   `json:"course_id"`
	Amount   decimal.Decimal        `json:"amount"`
	Currency string                 `json:"currency"`
	PaidAt   *time.Time             `json:"paid_at,omitempty"`
	Raw      map[string]interface{} `json:"raw,omitempty"`
}

// Provider is implemented once per payment processor.
type Provider interface {
	Kind() models.PaymentProvider
	// Initiate starts a payment with the processor. Failures are returned, never swallowed.
	Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error)
	// Verify is read-only at the processor and safe to repeat. Declined or
	// cancelled transactions are reported as FAILED, not as errors.
	Verify(ctx context.Context, providerTransactionID string) (*VerifyResult, error)
}

// CurrencyPinned is implemented by providers whose merchant account settles in
// a single configured currency. An empty value means any currency is accepted.
type CurrencyPinned interface {
	PinnedCurrency() string
}

// AcceptsCurrency reports whether p can charge in currency.
func AcceptsCurrency(p Provider, currency string) bool {
	pinned, ok := p.(CurrencyPinned)
	if !ok {
		return true
	}
	cur := strings.TrimSpace(pinned.PinnedCurrency())
	return cur == "" || strings.EqualFold(cur, strings.TrimSpace(currency))
}

var validate = validator.New()

// ValidatePayer checks the payer identifier format a provider kind expects.
func ValidatePayer(kind models.PaymentProvider, identifier string) error {
	tag := "required,email"
	if kind == models.PaymentProviderMobileMoney {
		tag = "required,e164"
	}
	if err := validate.Var(strings.TrimSpace(identifier), tag); err != nil {
		return fmt.Errorf("%w: %q is not a valid %s payer", ErrInvalidPayer, identifier, kind)
	}
	return nil
}

func validateInitiate(kind models.PaymentProvider, req InitiateRequest) error {
	if !req.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	return ValidatePayer(kind, req.PayerIdentifier)
}

// unavailable wraps a transport level failure.
func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrProviderUnavailable, op, err)
}

// Registry selects a provider by kind.
type Registry struct {
	providers map[models.PaymentProvider]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[models.PaymentProvider]Provider, len(providers))}
	for _, p := range providers {
		if p != nil {
			r.providers[p.Kind()] = p
		}
	}
	return r
}

func (r *Registry) Get(kind models.PaymentProvider) (Provider, error) {
	p, ok := r.providers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, kind)
	}
	return p, nil
}
