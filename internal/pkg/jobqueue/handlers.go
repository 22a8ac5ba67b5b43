package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/CourseFox/internal/pkg/mail"
	"github.com/ManuelReschke/CourseFox/internal/pkg/s3archive"
)

// EmailHandler executes SEND_EMAIL. A duplicate delivery sends a duplicate
// email, which is acceptable.
type EmailHandler struct {
	Mailer mail.Mailer
}

func (h EmailHandler) Handle(ctx context.Context, job *Job) error {
	payload, err := SendEmailJobPayloadFromMap(job.Payload)
	if err != nil {
		return permanent("decode email payload: %v", err)
	}
	if strings.TrimSpace(payload.To) == "" {
		return permanent("email job %s has no recipient", job.ID)
	}
	if !mail.HasTemplate(payload.Template) {
		return permanent("unknown email template %q", payload.Template)
	}

	body, err := mail.Render(payload.Template, payload.Context)
	if err != nil {
		return permanent("render %s: %v", payload.Template, err)
	}
	if err := h.Mailer.Send(ctx, payload.To, payload.Subject, body); err != nil {
		if errors.Is(err, mail.ErrNotConfigured) {
			return permanent("%v", err)
		}
		return err
	}
	return nil
}

// ArchiveHandler executes ARCHIVE_WEBHOOK. Object keys are derived from the
// event id, so redelivery overwrites the same object.
type ArchiveHandler struct {
	Archiver s3archive.Archiver
}

func (h ArchiveHandler) Handle(ctx context.Context, job *Job) error {
	payload, err := ArchiveWebhookJobPayloadFromMap(job.Payload)
	if err != nil {
		return permanent("decode archive payload: %v", err)
	}
	if payload.EventID == "" {
		return permanent("archive job %s has no event id", job.ID)
	}
	if h.Archiver == nil {
		log.Debugf("[JobQueue] Webhook archive disabled, skipping event %s", payload.EventID)
		return nil
	}
	_, err = h.Archiver.Archive(ctx, s3archive.Entry{
		Provider:   payload.Provider,
		EventID:    payload.EventID,
		EventType:  payload.EventType,
		Body:       []byte(payload.Body),
		ReceivedAt: payload.ReceivedAt,
	})
	return err
}

// Reverifier re-checks a PENDING payment with its provider and records the outcome.
type Reverifier interface {
	Reverify(ctx context.Context, provider, providerTransactionID string) error
}

// VerifyHandler executes VERIFY_PAYMENT.
type VerifyHandler struct {
	Reverifier Reverifier
	Timeout    time.Duration
}

func (h VerifyHandler) Handle(ctx context.Context, job *Job) error {
	payload, err := VerifyPaymentJobPayloadFromMap(job.Payload)
	if err != nil {
		return permanent("decode verify payload: %v", err)
	}
	if payload.ProviderTransactionID == "" || payload.Provider == "" {
		return permanent("verify job %s lacks provider or transaction id", job.ID)
	}
	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}
	if err := h.Reverifier.Reverify(ctx, payload.Provider, payload.ProviderTransactionID); err != nil {
		return fmt.Errorf("reverify %s %s: %w", payload.Provider, payload.ProviderTransactionID, err)
	}
	return nil
}
