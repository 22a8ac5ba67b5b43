package controllers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/CourseFox/app/models"
	"github.com/ManuelReschke/CourseFox/app/repository/memrepo"
	"github.com/ManuelReschke/CourseFox/internal/pkg/checkout"
	"github.com/ManuelReschke/CourseFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/CourseFox/internal/pkg/ledger"
	"github.com/ManuelReschke/CourseFox/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/CourseFox/internal/pkg/middleware"
	"github.com/ManuelReschke/CourseFox/internal/pkg/provider"
	"github.com/ManuelReschke/CourseFox/internal/pkg/security"
)

const (
	testJWTSecret     = "jwt-secret"
	testWebhookSecret = "whsec_test"
	testJobSecret     = "job-secret"
)

type stubProvider struct {
	kind models.PaymentProvider

	mu        sync.Mutex
	verifyErr error
	outcomes  map[string]provider.VerifyResult
	next      int
}

func (p *stubProvider) Kind() models.PaymentProvider { return p.kind }

func (p *stubProvider) Initiate(ctx context.Context, req provider.InitiateRequest) (*provider.InitiateResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	id := fmt.Sprintf("%s_tx_%d", p.kind, p.next)
	return &provider.InitiateResult{
		Status:                models.PaymentStatusPending,
		ProviderTransactionID: id,
		PayerFacingHandle:     "https://pay.example/" + id,
	}, nil
}

func (p *stubProvider) Verify(ctx context.Context, id string) (*provider.VerifyResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.verifyErr != nil {
		return nil, p.verifyErr
	}
	res, ok := p.outcomes[id]
	if !ok {
		return &provider.VerifyResult{Status: models.PaymentStatusPending}, nil
	}
	return &res, nil
}

func (p *stubProvider) settle(id string, status models.PaymentStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now().UTC()
	p.outcomes[id] = provider.VerifyResult{
		Status:   status,
		CourseID: 7,
		Amount:   decimal.NewFromInt(1000),
		Currency: "USD",
		PaidAt:   &now,
	}
}

type testEnv struct {
	app      *fiber.App
	store    *memrepo.Store
	card     *stubProvider
	counters *counter.Registry
	handled  []jobqueue.JobType
	handleMu sync.Mutex
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := memrepo.New()
	store.AddCourse(models.Course{ID: 7, Title: "Go in Production", IsPremium: true, Price: decimal.NewFromInt(1000), Currency: "USD"})
	store.AddUser(models.User{ID: 3, Name: "Ada", Email: "ada@example.com", Phone: "+256772123456", Status: models.STATUS_ACTIVE})
	store.AddUser(models.User{ID: 5, Name: "Eve", Email: "eve@example.com", Status: models.STATUS_ACTIVE})

	env := &testEnv{
		store: store,
		card:  &stubProvider{kind: models.PaymentProviderCard, outcomes: map[string]provider.VerifyResult{}},
	}
	momo := &stubProvider{kind: models.PaymentProviderMobileMoney, outcomes: map[string]provider.VerifyResult{}}

	counters := counter.NewRegistry(nil)
	env.counters = counters
	dispatcher := jobqueue.NewDispatcher(counters)
	record := jobqueue.HandlerFunc(func(ctx context.Context, job *jobqueue.Job) error {
		env.handleMu.Lock()
		defer env.handleMu.Unlock()
		env.handled = append(env.handled, job.Type)
		return nil
	})
	dispatcher.Register(jobqueue.JobTypeSendEmail, record)
	dispatcher.Register(jobqueue.JobTypeArchiveWebhook, record)
	dispatcher.Register(jobqueue.JobTypeVerifyPayment, jobqueue.HandlerFunc(func(ctx context.Context, job *jobqueue.Job) error {
		return errors.New("provider still down")
	}))
	sink := jobqueue.NewInlineSink(dispatcher)

	l := ledger.New(store, nil, sink, counters)
	svc := checkout.NewService(store, l, provider.NewRegistry(env.card, momo), sink, checkout.Options{
		ProviderTimeout: time.Second,
		Counters:        counters,
	})

	payments := NewPaymentController(svc)
	webhooks := NewWebhookController(svc, security.NewStripeVerifier(testWebhookSecret, ""), counters)
	jobs := NewJobController(dispatcher, security.NewJobSigner(testJobSecret, ""))
	health := NewHealthController(map[string]Pinger{
		"database": PingerFunc(func(ctx context.Context) error { return nil }),
	}, map[string]ReporterFunc{
		"jobQueue": func(ctx context.Context) (interface{}, error) {
			return &jobqueue.QueueStats{Pending: 2, Delayed: 1}, nil
		},
		"broken": func(ctx context.Context) (interface{}, error) { return nil, errors.New("no data") },
	})

	app := fiber.New()
	app.Get("/healthz", health.HandleHealth)
	app.Post("/webhooks/stripe", webhooks.HandleStripe)
	app.Post("/webhooks/mobile-money", webhooks.HandleMobileMoney)
	app.Post("/jobs/process", jobs.HandleProcess)
	group := app.Group("/payments", middleware.RequireUser(testJWTSecret))
	group.Post("/initiate", payments.HandleInitiate)
	group.Post("/verify", payments.HandleVerify)
	group.Get("/:id", payments.HandleGetPayment)
	env.app = app
	return env
}

func bearer(t *testing.T, userID uint) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"exp":     time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return "Bearer " + token
}

func (e *testEnv) do(t *testing.T, method, path string, body []byte, headers map[string]string) (int, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := e.app.Test(req, 5000)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]interface{}{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func (e *testEnv) initiate(t *testing.T, userID uint) map[string]interface{} {
	t.Helper()
	status, body := e.do(t, http.MethodPost, "/payments/initiate", []byte(`{"courseId":7,"provider":"CARD"}`),
		map[string]string{"Authorization": bearer(t, userID)})
	require.Equal(t, fiber.StatusCreated, status, body)
	return body
}

func stripeSignature(secret string, payload []byte) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%d.", ts)))
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func completedEvent(t *testing.T, eventID, sessionID string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"id":     eventID,
		"object": "event",
		"type":   "checkout.session.completed",
		"data": map[string]interface{}{"object": map[string]interface{}{
			"id":             sessionID,
			"object":         "checkout.session",
			"status":         "complete",
			"payment_status": "paid",
			"amount_total":   100000,
			"currency":       "usd",
			"metadata":       map[string]string{provider.MetadataCourseID: "7"},
		}},
	})
	require.NoError(t, err)
	return body
}

func TestInitiateEndpoint(t *testing.T) {
	env := newTestEnv(t)
	body := env.initiate(t, 3)

	assert.Equal(t, "PENDING", body["status"])
	assert.Equal(t, "CARD_tx_1", body["providerTransactionId"])
	assert.Equal(t, "CARD_tx_1", body["sessionId"])
	assert.Equal(t, "https://pay.example/CARD_tx_1", body["paymentUrl"])
	assert.Equal(t, "1000.00", body["amount"])
	assert.NotEmpty(t, body["paymentId"])
}

func TestInitiateEndpointErrors(t *testing.T) {
	env := newTestEnv(t)
	auth := map[string]string{"Authorization": bearer(t, 3)}

	tests := []struct {
		name    string
		body    string
		headers map[string]string
		status  int
	}{
		{"no token", `{"courseId":7,"provider":"CARD"}`, nil, fiber.StatusUnauthorized},
		{"bad json", `{"courseId":`, auth, fiber.StatusBadRequest},
		{"unknown provider", `{"courseId":7,"provider":"PAYPAL"}`, auth, fiber.StatusBadRequest},
		{"unknown course", `{"courseId":99,"provider":"CARD"}`, auth, fiber.StatusNotFound},
		{"bad payer", `{"courseId":7,"provider":"CARD","phoneOrEmail":"not-an-email"}`, auth, fiber.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := env.do(t, http.MethodPost, "/payments/initiate", []byte(tt.body), tt.headers)
			assert.Equal(t, tt.status, status, body)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestVerifyEndpointStatusCodes(t *testing.T) {
	env := newTestEnv(t)
	auth := map[string]string{"Authorization": bearer(t, 3)}
	txID := env.initiate(t, 3)["providerTransactionId"].(string)
	req := []byte(fmt.Sprintf(`{"transactionId":%q,"provider":"CARD"}`, txID))

	status, body := env.do(t, http.MethodPost, "/payments/verify", req, auth)
	assert.Equal(t, fiber.StatusConflict, status)
	assert.False(t, status >= 200 && status < 300, "an unsettled payment must not read as success")
	assert.Equal(t, "PENDING", body["status"])
	assert.Nil(t, body["error"], "pending is a payment state, not an error body")
	assert.Nil(t, body["paidAt"])

	env.card.settle(txID, models.PaymentStatusSuccess)
	status, body = env.do(t, http.MethodPost, "/payments/verify", req, auth)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "SUCCESS", body["status"])
	assert.Equal(t, txID, body["transactionId"])
	assert.NotNil(t, body["paidAt"])
	assert.NotEmpty(t, body["message"])

	// a second verify answers from the ledger
	status, _ = env.do(t, http.MethodPost, "/payments/verify", req, auth)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Len(t, env.store.ListEnrollments(), 1)

	status, _ = env.do(t, http.MethodPost, "/payments/initiate", []byte(`{"courseId":7,"provider":"CARD"}`), auth)
	assert.Equal(t, fiber.StatusConflict, status)
}

func TestVerifyEndpointFailedAndUnknown(t *testing.T) {
	env := newTestEnv(t)
	auth := map[string]string{"Authorization": bearer(t, 3)}
	txID := env.initiate(t, 3)["providerTransactionId"].(string)

	env.card.settle(txID, models.PaymentStatusFailed)
	status, body := env.do(t, http.MethodPost, "/payments/verify", []byte(fmt.Sprintf(`{"transactionId":%q,"provider":"CARD"}`, txID)), auth)
	assert.Equal(t, fiber.StatusPaymentRequired, status)
	assert.Equal(t, "FAILED", body["status"])

	status, _ = env.do(t, http.MethodPost, "/payments/verify", []byte(`{"transactionId":"nope","provider":"CARD"}`), auth)
	assert.Equal(t, fiber.StatusNotFound, status)

	status, _ = env.do(t, http.MethodPost, "/payments/verify", []byte(fmt.Sprintf(`{"transactionId":%q,"provider":"CARD"}`, txID)),
		map[string]string{"Authorization": bearer(t, 5)})
	assert.Equal(t, fiber.StatusNotFound, status, "other users' payments are not visible")
}

func TestVerifyEndpointProviderDown(t *testing.T) {
	env := newTestEnv(t)
	auth := map[string]string{"Authorization": bearer(t, 3)}
	txID := env.initiate(t, 3)["providerTransactionId"].(string)

	env.card.verifyErr = fmt.Errorf("%w: status=502", provider.ErrProviderUnavailable)
	status, body := env.do(t, http.MethodPost, "/payments/verify", []byte(fmt.Sprintf(`{"transactionId":%q,"provider":"CARD"}`, txID)), auth)
	assert.Equal(t, fiber.StatusServiceUnavailable, status)
	assert.Equal(t, "provider_unavailable", body["error"])
	assert.Equal(t, models.PaymentStatusPending, env.store.ListPayments()[0].Status)
}

func TestGetPaymentEndpoint(t *testing.T) {
	env := newTestEnv(t)
	id := env.initiate(t, 3)["paymentId"].(string)

	status, body := env.do(t, http.MethodGet, "/payments/"+id, nil, map[string]string{"Authorization": bearer(t, 3)})
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, id, body["paymentId"])
	assert.Equal(t, "PENDING", body["status"])
	assert.Equal(t, false, body["underReview"])

	status, _ = env.do(t, http.MethodGet, "/payments/"+id, nil, map[string]string{"Authorization": bearer(t, 5)})
	assert.Equal(t, fiber.StatusNotFound, status)
}

func TestStripeWebhookEndpoint(t *testing.T) {
	env := newTestEnv(t)
	txID := env.initiate(t, 3)["providerTransactionId"].(string)
	payload := completedEvent(t, "evt_1", txID)

	status, _ := env.do(t, http.MethodPost, "/webhooks/stripe", payload, nil)
	assert.Equal(t, fiber.StatusUnauthorized, status, "missing signature")

	status, _ = env.do(t, http.MethodPost, "/webhooks/stripe", payload,
		map[string]string{security.StripeSignatureHeader: stripeSignature("whsec_wrong", payload)})
	assert.Equal(t, fiber.StatusUnauthorized, status)
	assert.Empty(t, env.store.ListEnrollments())
	assert.Equal(t, int64(2), env.counters.Value(counter.WebhooksRejected))

	for i := 0; i < 2; i++ {
		status, body := env.do(t, http.MethodPost, "/webhooks/stripe", payload,
			map[string]string{security.StripeSignatureHeader: stripeSignature(testWebhookSecret, payload)})
		assert.Equal(t, fiber.StatusOK, status)
		assert.Equal(t, true, body["received"])
	}
	assert.Len(t, env.store.ListEnrollments(), 1)
	assert.Equal(t, models.PaymentStatusSuccess, env.store.ListPayments()[0].Status)
	assert.Equal(t, int64(2), env.counters.Value(counter.WebhooksRejected), "accepted deliveries are not counted as rejected")
}

func TestStripeWebhookAcknowledgesProcessingErrors(t *testing.T) {
	env := newTestEnv(t)
	payload := completedEvent(t, "evt_orphan", "cs_unknown")

	status, _ := env.do(t, http.MethodPost, "/webhooks/stripe", payload,
		map[string]string{security.StripeSignatureHeader: stripeSignature(testWebhookSecret, payload)})
	assert.Equal(t, fiber.StatusOK, status)

	events := env.store.ListWebhookEvents()
	require.Len(t, events, 1)
	assert.Contains(t, events[0].ProcessingError, "dangling")
}

func TestStripeWebhookEmptyBody(t *testing.T) {
	env := newTestEnv(t)
	status, _ := env.do(t, http.MethodPost, "/webhooks/stripe", nil, nil)
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, int64(1), env.counters.Value(counter.WebhooksRejected))
}

func TestMobileMoneyCallbackAlwaysAcknowledged(t *testing.T) {
	env := newTestEnv(t)
	for _, body := range []string{`not json`, `{"referenceId":"unknown-ref","status":"SUCCESSFUL"}`, `{}`} {
		status, resp := env.do(t, http.MethodPost, "/webhooks/mobile-money", []byte(body), nil)
		assert.Equal(t, fiber.StatusOK, status, body)
		assert.Equal(t, true, resp["received"])
	}
	assert.Empty(t, env.store.ListPayments())
}

func TestJobProcessEndpoint(t *testing.T) {
	env := newTestEnv(t)
	signer := security.NewJobSigner(testJobSecret, "")

	job := jobqueue.NewJob(jobqueue.JobTypeSendEmail, map[string]interface{}{"to": "ada@example.com"})
	body, err := json.Marshal(job)
	require.NoError(t, err)
	signature, err := signer.Sign(body)
	require.NoError(t, err)

	status, _ := env.do(t, http.MethodPost, "/jobs/process", body, nil)
	assert.Equal(t, fiber.StatusUnauthorized, status)

	forged, err := security.NewJobSigner("other", "").Sign(body)
	require.NoError(t, err)
	status, _ = env.do(t, http.MethodPost, "/jobs/process", body, map[string]string{security.JobSignatureHeader: forged})
	assert.Equal(t, fiber.StatusUnauthorized, status)

	status, resp := env.do(t, http.MethodPost, "/jobs/process", body, map[string]string{security.JobSignatureHeader: signature})
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, job.ID, resp["id"])
	assert.Equal(t, []jobqueue.JobType{jobqueue.JobTypeSendEmail}, env.handled)

	malformed := []byte(`{"payload":{}}`)
	sig, err := signer.Sign(malformed)
	require.NoError(t, err)
	status, _ = env.do(t, http.MethodPost, "/jobs/process", malformed, map[string]string{security.JobSignatureHeader: sig})
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestJobProcessEndpointHandlerOutcomes(t *testing.T) {
	env := newTestEnv(t)
	signer := security.NewJobSigner(testJobSecret, "")

	tests := []struct {
		name   string
		job    *jobqueue.Job
		status int
	}{
		{"handler failure asks for redelivery", jobqueue.NewJob(jobqueue.JobTypeVerifyPayment, map[string]interface{}{}), fiber.StatusInternalServerError},
		{"unknown type is dropped", jobqueue.NewJob("RESIZE_IMAGE", map[string]interface{}{}), fiber.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, err := json.Marshal(tt.job)
			require.NoError(t, err)
			sig, err := signer.Sign(body)
			require.NoError(t, err)
			status, _ := env.do(t, http.MethodPost, "/jobs/process", body, map[string]string{security.JobSignatureHeader: sig})
			assert.Equal(t, tt.status, status)
		})
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	status, body := env.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "up", body["database"])
	queue, ok := body["jobQueue"].(map[string]interface{})
	require.True(t, ok, "queue depth is reported")
	assert.Equal(t, float64(2), queue["pending"])
	assert.Equal(t, float64(1), queue["delayed"])
	assert.NotContains(t, body, "broken", "a failing report is left out without degrading")

	down := NewHealthController(map[string]Pinger{
		"redis": PingerFunc(func(ctx context.Context) error { return errors.New("connection refused") }),
	}, nil)
	app := fiber.New()
	app.Get("/healthz", down.HandleHealth)
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
}
