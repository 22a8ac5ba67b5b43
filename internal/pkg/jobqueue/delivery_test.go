package jobqueue

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/CourseFox/internal/pkg/security"
)

func TestHTTPDelivererSignsEnvelope(t *testing.T) {
	signer := security.NewJobSigner("job-secret", "")
	var received Job
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := signer.Verify(body, r.Header.Get(security.JobSignatureHeader)); err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		_ = json.Unmarshal(body, &received)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	job := NewJob(JobTypeVerifyPayment, VerifyPaymentJobPayload{PaymentID: "p1", Provider: "CARD", ProviderTransactionID: "cs_1"}.ToMap())
	require.NoError(t, NewHTTPDeliverer(srv.URL, signer).Deliver(context.Background(), job))
	assert.Equal(t, job.ID, received.ID)
	assert.Equal(t, JobTypeVerifyPayment, received.Type)

	// a receiver with a different secret rejects the delivery
	other := NewHTTPDeliverer(srv.URL, security.NewJobSigner("wrong", ""))
	err := other.Deliver(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=401")
}

func TestHTTPDelivererNeedsSecret(t *testing.T) {
	d := NewHTTPDeliverer("http://127.0.0.1:1", security.NewJobSigner("", ""))
	err := d.Deliver(context.Background(), NewJob(JobTypeSendEmail, nil))
	assert.ErrorIs(t, err, security.ErrMissingSecret)
}

func TestLocalDelivererUsesDispatcher(t *testing.T) {
	d := NewDispatcher(nil)
	var seen string
	d.Register(JobTypeSendEmail, HandlerFunc(func(ctx context.Context, job *Job) error {
		seen = job.ID
		return nil
	}))
	job := NewJob(JobTypeSendEmail, nil)
	require.NoError(t, LocalDeliverer{Dispatcher: d}.Deliver(context.Background(), job))
	assert.Equal(t, job.ID, seen)
}
