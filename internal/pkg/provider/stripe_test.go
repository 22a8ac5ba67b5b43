package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v75"

	"github.com/ManuelReschke/CourseFox/app/models"
)

func newTestStripe(t *testing.T, handler http.HandlerFunc) *StripeProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewStripeProvider(StripeConfig{
		SecretKey:  "sk_test_123",
		SuccessURL: "http://localhost/success",
		CancelURL:  "http://localhost/cancel",
		Timeout:    2 * time.Second,
		BackendURL: srv.URL,
	})
}

func TestStripeInitiateCreatesCheckoutSession(t *testing.T) {
	var form map[string]string
	p := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/checkout/sessions", r.URL.Path)
		require.NoError(t, r.ParseForm())
		form = map[string]string{}
		for k := range r.PostForm {
			form[k] = r.PostForm.Get(k)
		}
		assert.Equal(t, "checkout-pay-1", r.Header.Get("Idempotency-Key"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"cs_test_1","object":"checkout.session","status":"open","url":"https://checkout.stripe.com/pay/cs_test_1"}`))
	})

	res, err := p.Initiate(context.Background(), InitiateRequest{
		PaymentID:       "pay-1",
		UserID:          3,
		CourseID:        7,
		CourseTitle:     "Go in Production",
		PayerIdentifier: "ada@example.com",
		Amount:          decimal.NewFromInt(1000),
		Currency:        "USD",
	})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, res.Status)
	assert.Equal(t, "cs_test_1", res.ProviderTransactionID)
	assert.Equal(t, "https://checkout.stripe.com/pay/cs_test_1", res.PayerFacingHandle)

	assert.Equal(t, "payment", form["mode"])
	assert.Equal(t, "ada@example.com", form["customer_email"])
	assert.Equal(t, "100000", form["line_items[0][price_data][unit_amount]"])
	assert.Equal(t, "usd", form["line_items[0][price_data][currency]"])
	assert.Equal(t, "Go in Production", form["line_items[0][price_data][product_data][name]"])
	assert.Equal(t, "7", form["metadata[course_id]"])
	assert.Equal(t, "pay-1", form["payment_intent_data[metadata][payment_id]"])
}

func TestStripeInitiateRejectsBadInput(t *testing.T) {
	p := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("processor must not be called, got %s %s", r.Method, r.URL.Path)
	})

	_, err := p.Initiate(context.Background(), InitiateRequest{PayerIdentifier: "ada@example.com", Amount: decimal.Zero, Currency: "USD"})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = p.Initiate(context.Background(), InitiateRequest{PayerIdentifier: "not-an-email", Amount: decimal.NewFromInt(5), Currency: "USD"})
	assert.ErrorIs(t, err, ErrInvalidPayer)
}

func TestStripeVerify(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		want     models.PaymentStatus
		wantErr  error
		wantPaid bool
	}{
		{
			name:     "paid",
			status:   http.StatusOK,
			body:     `{"id":"cs_1","object":"checkout.session","status":"complete","payment_status":"paid","amount_total":100000,"currency":"usd","metadata":{"course_id":"7"}}`,
			want:     models.PaymentStatusSuccess,
			wantPaid: true,
		},
		{
			name:   "open",
			status: http.StatusOK,
			body:   `{"id":"cs_1","object":"checkout.session","status":"open","payment_status":"unpaid","amount_total":100000,"currency":"usd"}`,
			want:   models.PaymentStatusPending,
		},
		{
			name:   "expired",
			status: http.StatusOK,
			body:   `{"id":"cs_1","object":"checkout.session","status":"expired","payment_status":"unpaid","amount_total":100000,"currency":"usd"}`,
			want:   models.PaymentStatusFailed,
		},
		{
			name:    "unknown session",
			status:  http.StatusNotFound,
			body:    `{"error":{"type":"invalid_request_error","message":"No such checkout.session: cs_1"}}`,
			wantErr: ErrTransactionNotFound,
		},
		{
			name:    "processor down",
			status:  http.StatusServiceUnavailable,
			body:    `{"error":{"type":"api_error","message":"try later"}}`,
			wantErr: ErrProviderUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodGet, r.Method)
				assert.Equal(t, "/v1/checkout/sessions/cs_1", r.URL.Path)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			res, err := p.Verify(context.Background(), "cs_1")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Status)
			assert.Equal(t, "USD", res.Currency)
			assert.True(t, decimal.NewFromInt(1000).Equal(res.Amount))
			assert.Equal(t, tt.wantPaid, res.PaidAt != nil)
		})
	}
}

func TestStripeVerifyNetworkFailureIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	p := NewStripeProvider(StripeConfig{SecretKey: "sk_test_123", Timeout: time.Second, BackendURL: url})
	_, err := p.Verify(context.Background(), "cs_1")
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}

func TestStripeNotConfigured(t *testing.T) {
	p := NewStripeProvider(StripeConfig{})
	_, err := p.Verify(context.Background(), "cs_1")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestOutcomeFromSessionReadsCourse(t *testing.T) {
	res := OutcomeFromSession(&stripe.CheckoutSession{
		ID:            "cs_2",
		AmountTotal:   1999,
		Currency:      stripe.CurrencyEUR,
		PaymentStatus: stripe.CheckoutSessionPaymentStatusPaid,
		Metadata:      map[string]string{MetadataCourseID: "42"},
		PaymentIntent: &stripe.PaymentIntent{ID: "pi_2"},
	})
	assert.Equal(t, models.PaymentStatusSuccess, res.Status)
	assert.Equal(t, uint(42), res.CourseID)
	assert.Equal(t, "19.99", res.Amount.StringFixed(2))
	assert.Equal(t, "pi_2", res.Raw["payment_intent"])
	assert.True(t, strings.EqualFold("eur", res.Currency))
}
