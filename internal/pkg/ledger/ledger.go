// Package ledger is the single writer of payment state. Every status change
// is a compare-and-set on the stored status, so concurrent reports for the
// same transaction resolve to one winner and the others observe a no-op.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/ManuelReschke/CourseFox/app/models"
	"github.com/ManuelReschke/CourseFox/app/repository"
	"github.com/ManuelReschke/CourseFox/internal/pkg/enrollment"
	"github.com/ManuelReschke/CourseFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/CourseFox/internal/pkg/mail"
	"github.com/ManuelReschke/CourseFox/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/CourseFox/internal/pkg/provider"
)

var (
	// ErrDanglingReference means a provider reported a transaction this system never issued.
	ErrDanglingReference = errors.New("dangling provider reference")
	ErrIllegalTransition = errors.New("illegal payment status transition")
	ErrPaymentNotFound   = errors.New("payment not found")
	ErrInvalidInitiation = errors.New("invalid payment initiation")
)

// Initiation describes a payment the provider has just accepted.
type Initiation struct {
	PaymentID             string
	UserID                uint
	CourseID              uint
	Provider              models.PaymentProvider
	ProviderTransactionID string
	PayerIdentifier       string
	PaymentURL            string
	Amount                decimal.Decimal
	Currency              string
	Metadata              map[string]interface{}
}

// Outcome describes what RecordVerifiedOutcome did.
type Outcome struct {
	Payment    *models.Payment
	Enrollment *models.Enrollment
	// Applied is true when this call moved the payment out of PENDING.
	Applied bool
	// Duplicate is true when the payment was already terminal.
	Duplicate bool
	// Review wraps enrollment.ErrPaymentAmountMismatch or ErrIllegalTransition
	// when the payment was flagged instead of fulfilled.
	Review error
}

type Ledger struct {
	uow        repository.UnitOfWork
	reconciler *enrollment.Reconciler
	jobs       jobqueue.JobSink
	counters   *counter.Registry
	now        func() time.Time
}

func New(uow repository.UnitOfWork, reconciler *enrollment.Reconciler, jobs jobqueue.JobSink, counters *counter.Registry) *Ledger {
	if reconciler == nil {
		reconciler = enrollment.NewReconciler(counters)
	}
	return &Ledger{
		uow:        uow,
		reconciler: reconciler,
		jobs:       jobs,
		counters:   counters,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// RecordInitiation stores a new PENDING payment. Tax is not computed: tax is
// zero and total equals amount.
func (l *Ledger) RecordInitiation(ctx context.Context, in Initiation) (*models.Payment, error) {
	switch {
	case !in.Provider.Valid():
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidInitiation, in.Provider)
	case !in.Amount.IsPositive():
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidInitiation)
	case strings.TrimSpace(in.ProviderTransactionID) == "":
		return nil, fmt.Errorf("%w: provider transaction id is required", ErrInvalidInitiation)
	}
	if in.PaymentID == "" {
		in.PaymentID = uuid.New().String()
	}

	txID := in.ProviderTransactionID
	payment := &models.Payment{
		ID:                    in.PaymentID,
		UserID:                in.UserID,
		CourseID:              in.CourseID,
		Provider:              in.Provider,
		ProviderTransactionID: &txID,
		PayerIdentifier:       in.PayerIdentifier,
		PaymentURL:            in.PaymentURL,
		Amount:                in.Amount,
		Tax:                   decimal.Zero,
		Total:                 in.Amount,
		Currency:              strings.ToUpper(in.Currency),
		Status:                models.PaymentStatusPending,
		Metadata:              mergeMetadata(nil, "initiation", in.Metadata),
	}
	if err := l.uow.Payments().Create(ctx, payment); err != nil {
		return nil, fmt.Errorf("record initiation of %s: %w", txID, err)
	}

	l.counters.Inc(counter.PaymentsInitiated)
	log.Infof("[Ledger] Payment %s initiated (%s %s, tx=%s, user=%d, course=%d)",
		payment.ID, payment.Amount.StringFixed(2), payment.Currency, txID, payment.UserID, payment.CourseID)
	return payment, nil
}

// RecordVerifiedOutcome applies a provider-confirmed status. PENDING reports
// are no-ops. A SUCCESS that wins the compare-and-set is reconciled into an
// enrollment inside the same transaction.
func (l *Ledger) RecordVerifiedOutcome(ctx context.Context, providerTransactionID string, res provider.VerifyResult) (*Outcome, error) {
	var out *Outcome
	err := l.uow.Transaction(ctx, func(tx repository.UnitOfWork) error {
		var err error
		out, err = l.applyOutcome(ctx, tx, providerTransactionID, res)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrDanglingReference) {
			l.counters.Inc(counter.LedgerDangling)
			log.Warnf("[Ledger] DanglingReference: %s outcome for unknown transaction %s", res.Status, providerTransactionID)
		}
		return nil, err
	}

	switch {
	case out.Duplicate:
		l.counters.Inc(counter.LedgerDuplicates)
	case out.Applied && out.Payment.Status == models.PaymentStatusSuccess:
		l.counters.Inc(counter.PaymentsSucceeded)
		if out.Review != nil {
			l.notify(ctx, out.Payment, mail.TemplatePaymentReview, "We received your payment")
		} else {
			l.notify(ctx, out.Payment, mail.TemplateEnrollmentConfirmed, "You're enrolled")
		}
	case out.Applied && out.Payment.Status == models.PaymentStatusFailed:
		l.counters.Inc(counter.PaymentsFailed)
		l.notify(ctx, out.Payment, mail.TemplatePaymentFailed, "Your payment did not go through")
	}
	return out, nil
}

func (l *Ledger) applyOutcome(ctx context.Context, tx repository.UnitOfWork, providerTransactionID string, res provider.VerifyResult) (*Outcome, error) {
	payment, err := tx.Payments().LockByProviderTransactionID(ctx, providerTransactionID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrDanglingReference, providerTransactionID)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup payment %s: %w", providerTransactionID, err)
	}

	if res.Status == models.PaymentStatusPending {
		return &Outcome{Payment: payment}, nil
	}
	if res.Status != models.PaymentStatusSuccess && res.Status != models.PaymentStatusFailed {
		return nil, fmt.Errorf("%w: verify reported %s", ErrIllegalTransition, res.Status)
	}

	if !payment.Status.CanTransitionTo(res.Status) {
		return l.alreadyTerminal(ctx, tx, payment, res)
	}

	changes := repository.PaymentChanges{
		Metadata: mergeMetadata(payment.Metadata, "outcome", res.Raw),
	}
	if res.Status == models.PaymentStatusSuccess {
		paidAt := l.now()
		if res.PaidAt != nil {
			paidAt = res.PaidAt.UTC()
		}
		changes.PaidAt = &paidAt
	}

	applied, err := transition(ctx, tx, payment, res.Status, changes)
	if err != nil {
		return nil, fmt.Errorf("transition payment %s: %w", payment.ID, err)
	}
	if !applied {
		// Another caller won the compare-and-set; report what it stored.
		current, err := tx.Payments().GetByID(ctx, payment.ID)
		if err != nil {
			return nil, fmt.Errorf("reload payment %s: %w", payment.ID, err)
		}
		log.Infof("[Ledger] Payment %s already moved to %s by a concurrent report", current.ID, current.Status)
		return l.alreadyTerminal(ctx, tx, current, res)
	}

	payment.Status = res.Status
	payment.PaidAt = changes.PaidAt
	payment.Metadata = changes.Metadata
	out := &Outcome{Payment: payment, Applied: true}
	log.Infof("[Ledger] Payment %s (tx=%s) PENDING -> %s", payment.ID, providerTransactionID, res.Status)

	if res.Status != models.PaymentStatusSuccess {
		return out, nil
	}

	result, err := l.reconciler.Reconcile(ctx, tx, payment, paidFrom(payment, res))
	if err != nil {
		return nil, err
	}
	out.Enrollment = result.Enrollment
	out.Review = result.Review
	return out, nil
}

// alreadyTerminal handles re-delivery. Terminal payments never change here;
// a SUCCESS report for a FAILED payment is flagged for review.
func (l *Ledger) alreadyTerminal(ctx context.Context, tx repository.UnitOfWork, payment *models.Payment, res provider.VerifyResult) (*Outcome, error) {
	out := &Outcome{Payment: payment, Duplicate: true}

	switch {
	case payment.Status == models.PaymentStatusFailed && res.Status == models.PaymentStatusSuccess:
		reason := "provider reported SUCCESS after the payment was recorded as FAILED"
		log.Errorf("[Ledger] Payment %s (tx=%s): %s", payment.ID, payment.TransactionID(), reason)
		if err := tx.Payments().MarkForReview(ctx, payment.ID, reason); err != nil {
			return nil, fmt.Errorf("flag payment %s: %w", payment.ID, err)
		}
		payment.ReviewReason = reason
		out.Review = fmt.Errorf("%w: FAILED -> SUCCESS", ErrIllegalTransition)
	case payment.Status != models.PaymentStatusFailed && res.Status == models.PaymentStatusFailed:
		log.Warnf("[Ledger] Ignoring FAILED report for payment %s in status %s", payment.ID, payment.Status)
	default:
		log.Debugf("[Ledger] Payment %s already %s, nothing to do", payment.ID, payment.Status)
	}

	if payment.Status == models.PaymentStatusSuccess || payment.Status == models.PaymentStatusRefunded {
		existing, err := tx.Enrollments().FindByUserAndCourse(ctx, payment.UserID, payment.CourseID)
		if err == nil {
			out.Enrollment = existing
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("lookup enrollment: %w", err)
		}
	}
	return out, nil
}

// RecordRefund moves SUCCESS to REFUNDED. The enrollment is left in place.
func (l *Ledger) RecordRefund(ctx context.Context, providerTransactionID string, raw map[string]interface{}) (*models.Payment, error) {
	var (
		refunded *models.Payment
		applied  bool
	)
	err := l.uow.Transaction(ctx, func(tx repository.UnitOfWork) error {
		payment, err := tx.Payments().LockByProviderTransactionID(ctx, providerTransactionID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrDanglingReference, providerTransactionID)
		}
		if err != nil {
			return fmt.Errorf("lookup payment %s: %w", providerTransactionID, err)
		}
		refunded = payment

		if payment.Status == models.PaymentStatusRefunded {
			return nil
		}

		at := l.now()
		changes := repository.PaymentChanges{
			RefundedAt: &at,
			Metadata:   mergeMetadata(payment.Metadata, "refund", raw),
		}
		applied, err = transition(ctx, tx, payment, models.PaymentStatusRefunded, changes)
		if err != nil {
			return fmt.Errorf("transition payment %s: %w", payment.ID, err)
		}
		if !applied {
			current, err := tx.Payments().GetByID(ctx, payment.ID)
			if err != nil {
				return err
			}
			refunded = current
			if current.Status != models.PaymentStatusRefunded {
				return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, current.Status, models.PaymentStatusRefunded)
			}
			return nil
		}
		payment.Status = models.PaymentStatusRefunded
		payment.RefundedAt = &at
		payment.Metadata = changes.Metadata
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrDanglingReference) {
			l.counters.Inc(counter.LedgerDangling)
			log.Warnf("[Ledger] DanglingReference: refund for unknown transaction %s", providerTransactionID)
		}
		return nil, err
	}

	if applied {
		l.counters.Inc(counter.PaymentsRefunded)
		log.Infof("[Ledger] Payment %s (tx=%s) SUCCESS -> REFUNDED, enrollment kept", refunded.ID, providerTransactionID)
		l.notify(ctx, refunded, mail.TemplatePaymentRefunded, "Your payment was refunded")
	} else {
		l.counters.Inc(counter.LedgerDuplicates)
	}
	return refunded, nil
}

// transition checks the payment state machine and then compare-and-sets the
// stored status from the status payment was read with.
func transition(ctx context.Context, tx repository.UnitOfWork, payment *models.Payment, to models.PaymentStatus, changes repository.PaymentChanges) (bool, error) {
	if !payment.Status.CanTransitionTo(to) {
		return false, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, payment.Status, to)
	}
	return tx.Payments().TransitionStatus(ctx, payment.ID, payment.Status, to, changes)
}

func (l *Ledger) FindByProviderTransactionID(ctx context.Context, providerTransactionID string) (*models.Payment, error) {
	p, err := l.uow.Payments().GetByProviderTransactionID(ctx, providerTransactionID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrPaymentNotFound, providerTransactionID)
	}
	return p, err
}

func (l *Ledger) FindByID(ctx context.Context, id string) (*models.Payment, error) {
	p, err := l.uow.Payments().GetByID(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrPaymentNotFound, id)
	}
	return p, err
}

func (l *Ledger) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]models.Payment, error) {
	return l.uow.Payments().ListStalePending(ctx, olderThan, limit)
}

// notify enqueues an email after commit. Failures are logged only: the
// payment state is already durable.
func (l *Ledger) notify(ctx context.Context, payment *models.Payment, template, subject string) {
	if l.jobs == nil {
		return
	}
	user, err := l.uow.Users().GetByID(ctx, payment.UserID)
	if err != nil || user.Email == "" {
		log.Warnf("[Ledger] No email recipient for payment %s (user %d): %v", payment.ID, payment.UserID, err)
		return
	}
	title := fmt.Sprintf("course %d", payment.CourseID)
	if course, err := l.uow.Courses().FindCourseForPurchase(ctx, payment.CourseID); err == nil && course.Exists {
		title = course.Title
	}

	job := jobqueue.SendEmailJobPayload{
		To:       user.Email,
		Subject:  subject,
		Template: template,
		Context: map[string]string{
			"name":           user.Name,
			"course_title":   title,
			"amount":         payment.Total.StringFixed(2),
			"currency":       payment.Currency,
			"transaction_id": payment.TransactionID(),
			"payment_id":     payment.ID,
		},
	}
	if _, err := l.jobs.Enqueue(ctx, jobqueue.JobTypeSendEmail, job.ToMap()); err != nil {
		log.Errorf("[Ledger] Could not enqueue %s email for payment %s: %v", template, payment.ID, err)
	}
}

// paidFrom prefers the provider's amount and falls back to the recorded total
// when the provider did not report one.
func paidFrom(payment *models.Payment, res provider.VerifyResult) enrollment.Paid {
	paid := enrollment.Paid{CourseID: res.CourseID, Amount: res.Amount, Currency: res.Currency}
	if res.Amount.IsZero() && res.Currency == "" {
		paid.Amount = payment.Total
		paid.Currency = payment.Currency
	}
	return paid
}

// mergeMetadata adds snapshot under key to the existing JSON object.
func mergeMetadata(existing datatypes.JSON, key string, snapshot map[string]interface{}) datatypes.JSON {
	doc := map[string]interface{}{}
	if len(existing) > 0 {
		if err := json.Unmarshal(existing, &doc); err != nil {
			doc = map[string]interface{}{}
		}
	}
	if len(snapshot) > 0 {
		doc[key] = snapshot
	}
	if len(doc) == 0 {
		return nil
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return existing
	}
	return datatypes.JSON(data)
}
