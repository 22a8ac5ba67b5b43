package jobqueue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobType defines the type of job. The set is closed; the dispatcher drops
// anything else.
type JobType string

const (
	JobTypeSendEmail      JobType = "SEND_EMAIL"
	JobTypeArchiveWebhook JobType = "ARCHIVE_WEBHOOK"
	JobTypeVerifyPayment  JobType = "VERIFY_PAYMENT"
)

// JobStatus defines the status of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
)

// Job is the envelope every sink transports. Handlers see it at least once.
type Job struct {
	ID          string                 `json:"id"`
	Type        JobType                `json:"type"`
	Status      JobStatus              `json:"status"`
	Payload     map[string]interface{} `json:"payload"`
	EnqueuedAt  time.Time              `json:"enqueued_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	ProcessedAt *time.Time             `json:"processed_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	ErrorMsg    string                 `json:"error_msg,omitempty"`
	RetryCount  int                    `json:"retry_count"`
	MaxRetries  int                    `json:"max_retries"`
}

// NewJob builds a pending job envelope.
func NewJob(jobType JobType, payload map[string]interface{}) *Job {
	now := time.Now()
	return &Job{
		ID:         uuid.New().String(),
		Type:       jobType,
		Status:     JobStatusPending,
		Payload:    payload,
		EnqueuedAt: now,
		UpdatedAt:  now,
		MaxRetries: DefaultMaxRetries,
	}
}

// SendEmailJobPayload is the notification envelope accepted by the mailer.
type SendEmailJobPayload struct {
	To       string            `json:"to"`
	Subject  string            `json:"subject"`
	Template string            `json:"template"`
	Context  map[string]string `json:"context,omitempty"`
}

// ToMap converts the payload to a map for storage
func (p SendEmailJobPayload) ToMap() map[string]interface{} {
	ctx := make(map[string]interface{}, len(p.Context))
	for k, v := range p.Context {
		ctx[k] = v
	}
	return map[string]interface{}{
		"to":       p.To,
		"subject":  p.Subject,
		"template": p.Template,
		"context":  ctx,
	}
}

// SendEmailJobPayloadFromMap creates a payload from a map
func SendEmailJobPayloadFromMap(data map[string]interface{}) (*SendEmailJobPayload, error) {
	var payload SendEmailJobPayload
	err := fromMap(data, &payload)
	return &payload, err
}

// ArchiveWebhookJobPayload carries a verified webhook body to long-term storage.
type ArchiveWebhookJobPayload struct {
	Provider   string    `json:"provider"`
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"received_at"`
}

func (p ArchiveWebhookJobPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"provider":    p.Provider,
		"event_id":    p.EventID,
		"event_type":  p.EventType,
		"body":        p.Body,
		"received_at": p.ReceivedAt.UTC().Format(time.RFC3339Nano),
	}
}

func ArchiveWebhookJobPayloadFromMap(data map[string]interface{}) (*ArchiveWebhookJobPayload, error) {
	var payload ArchiveWebhookJobPayload
	err := fromMap(data, &payload)
	return &payload, err
}

// VerifyPaymentJobPayload asks for a provider round trip on a PENDING payment.
type VerifyPaymentJobPayload struct {
	PaymentID             string `json:"payment_id"`
	Provider              string `json:"provider"`
	ProviderTransactionID string `json:"provider_transaction_id"`
}

func (p VerifyPaymentJobPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"payment_id":              p.PaymentID,
		"provider":                p.Provider,
		"provider_transaction_id": p.ProviderTransactionID,
	}
}

func VerifyPaymentJobPayloadFromMap(data map[string]interface{}) (*VerifyPaymentJobPayload, error) {
	var payload VerifyPaymentJobPayload
	err := fromMap(data, &payload)
	return &payload, err
}

func fromMap(data map[string]interface{}, out interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(jsonData, out)
}

// IsRetryable checks if the job can be retried
func (j *Job) IsRetryable() bool {
	return j.Status == JobStatusFailed && j.RetryCount < j.MaxRetries
}

// MarkAsProcessing updates the job status to processing
func (j *Job) MarkAsProcessing() {
	now := time.Now()
	j.Status = JobStatusProcessing
	j.UpdatedAt = now
	j.ProcessedAt = &now
}

// MarkAsCompleted updates the job status to completed
func (j *Job) MarkAsCompleted() {
	now := time.Now()
	j.Status = JobStatusCompleted
	j.UpdatedAt = now
	j.CompletedAt = &now
	j.ErrorMsg = ""
}

// MarkAsFailed updates the job status to failed
func (j *Job) MarkAsFailed(errorMsg string) {
	j.Status = JobStatusFailed
	j.UpdatedAt = time.Now()
	j.ErrorMsg = errorMsg
	j.RetryCount++
}

// MarkAsRetrying updates the job status to retrying
func (j *Job) MarkAsRetrying() {
	j.Status = JobStatusRetrying
	j.UpdatedAt = time.Now()
}
