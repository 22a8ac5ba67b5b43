package security

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v75"
	"github.com/stripe/stripe-go/v75/webhook"

	"github.com/ManuelReschke/CourseFox/internal/pkg/env"
)

var (
	// ErrUnauthenticated is returned for every signature failure. Callers must
	// not touch payment state when they see it.
	ErrUnauthenticated = errors.New("signature could not be verified")
	ErrMissingSecret   = fmt.Errorf("%w: no signing secret configured", ErrUnauthenticated)
	ErrMissingHeader   = fmt.Errorf("%w: signature header missing", ErrUnauthenticated)

	// ErrMalformedPayload means the signature matched but the body is not a valid event.
	ErrMalformedPayload = errors.New("signed payload is malformed")
)

// StripeSignatureHeader is the header Stripe signs webhook deliveries with.
const StripeSignatureHeader = "Stripe-Signature"

// StripeVerifier checks Stripe webhook signatures. During a signing secret
// rollover both the current and the next secret are accepted.
type StripeVerifier struct {
	secrets   []string
	tolerance time.Duration
}

// NewStripeVerifier accepts the current and the optional next signing secret.
func NewStripeVerifier(current, next string) *StripeVerifier {
	return &StripeVerifier{secrets: compactSecrets(current, next)}
}

// NewStripeVerifierFromEnv reads STRIPE_WEBHOOK_SECRET and STRIPE_WEBHOOK_SECRET_NEXT.
func NewStripeVerifierFromEnv() *StripeVerifier {
	return NewStripeVerifier(
		env.GetEnv("STRIPE_WEBHOOK_SECRET", ""),
		env.GetEnv("STRIPE_WEBHOOK_SECRET_NEXT", ""),
	)
}

// WithTolerance overrides the accepted timestamp age (stripe default: 300s).
func (v *StripeVerifier) WithTolerance(d time.Duration) *StripeVerifier {
	v.tolerance = d
	return v
}

// Verify authenticates the exact raw body and returns the parsed event.
func (v *StripeVerifier) Verify(payload []byte, header string) (stripe.Event, error) {
	if len(v.secrets) == 0 {
		return stripe.Event{}, ErrMissingSecret
	}
	if strings.TrimSpace(header) == "" {
		return stripe.Event{}, ErrMissingHeader
	}

	var lastErr error
	for _, secret := range v.secrets {
		event, err := webhook.ConstructEventWithOptions(payload, header, secret, webhook.ConstructEventOptions{
			Tolerance:                v.tolerance,
			IgnoreAPIVersionMismatch: true,
		})
		if err == nil {
			return event, nil
		}
		if !isSignatureError(err) {
			return stripe.Event{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		lastErr = err
	}
	return stripe.Event{}, fmt.Errorf("%w: %v", ErrUnauthenticated, lastErr)
}

func isSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrTooOld)
}

func compactSecrets(secrets ...string) []string {
	var out []string
	for _, s := range secrets {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
