package jobqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ManuelReschke/CourseFox/internal/pkg/security"
)

// Deliverer hands a dequeued job to whoever executes it.
type Deliverer interface {
	Deliver(ctx context.Context, job *Job) error
}

// LocalDeliverer executes jobs in this process.
type LocalDeliverer struct {
	Dispatcher *Dispatcher
}

func (l LocalDeliverer) Deliver(ctx context.Context, job *Job) error {
	return l.Dispatcher.Process(ctx, job)
}

// HTTPDeliverer posts the signed job envelope to the job processing endpoint,
// so any instance behind the load balancer may execute it.
type HTTPDeliverer struct {
	URL    string
	Signer *security.JobSigner
	Client *http.Client
}

func NewHTTPDeliverer(url string, signer *security.JobSigner) *HTTPDeliverer {
	return &HTTPDeliverer{
		URL:    url,
		Signer: signer,
		Client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (h *HTTPDeliverer) Deliver(ctx context.Context, job *Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	signature, err := h.Signer.Sign(body)
	if err != nil {
		return fmt.Errorf("sign job %s: %w", job.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(security.JobSignatureHeader, signature)

	resp, err := h.Client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver job %s: %w", job.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("deliver job %s: status=%d body=%s", job.ID, resp.StatusCode, string(snippet))
}
