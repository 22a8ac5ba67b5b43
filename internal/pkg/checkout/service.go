// Package checkout orchestrates payment initiation, verification and provider
// notifications on top of the provider registry and the payment ledger.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v75"
	"gorm.io/gorm"

	"github.com/ManuelReschke/CourseFox/app/models"
	"github.com/ManuelReschke/CourseFox/app/repository"
	"github.com/ManuelReschke/CourseFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/CourseFox/internal/pkg/ledger"
	"github.com/ManuelReschke/CourseFox/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/CourseFox/internal/pkg/provider"
)

var (
	ErrInvalidInput         = errors.New("invalid request")
	ErrUserNotFound         = errors.New("user not found")
	ErrCourseNotFound       = errors.New("course not found")
	ErrCourseNotPurchasable = errors.New("course is not for sale")
	ErrAlreadyEnrolled      = errors.New("user is already enrolled in this course")
	// ErrPaymentNotFound is also returned for payments owned by someone else.
	ErrPaymentNotFound = ledger.ErrPaymentNotFound
)

const defaultProviderTimeout = 15 * time.Second

type InitiateInput struct {
	CourseID     uint                   `json:"courseId" validate:"required"`
	Provider     models.PaymentProvider `json:"provider" validate:"required,oneof=CARD MOBILE_MONEY"`
	PhoneOrEmail string                 `json:"phoneOrEmail" validate:"omitempty,max=200"`
}

type InitiateOutput struct {
	PaymentID             string
	Status                models.PaymentStatus
	ProviderTransactionID string
	PaymentURL            string
	Amount                decimal.Decimal
	Currency              string
}

type VerifyInput struct {
	TransactionID string                 `json:"transactionId" validate:"required,max=191"`
	Provider      models.PaymentProvider `json:"provider" validate:"required,oneof=CARD MOBILE_MONEY"`
}

type VerifyOutput struct {
	Payment    *models.Payment
	Enrollment *models.Enrollment
	// Review is set when the payment was taken but flagged instead of fulfilled.
	Review error
}

// SessionFinder resolves the checkout session behind a Stripe payment intent.
type SessionFinder interface {
	SessionForPaymentIntent(ctx context.Context, paymentIntentID string) (*stripe.CheckoutSession, error)
}

type Options struct {
	Sessions        SessionFinder
	ProviderTimeout time.Duration
	Counters        *counter.Registry
}

type Service struct {
	uow       repository.UnitOfWork
	ledger    *ledger.Ledger
	providers *provider.Registry
	jobs      jobqueue.JobSink
	sessions  SessionFinder
	counters  *counter.Registry
	timeout   time.Duration
	validate  *validator.Validate
}

func NewService(uow repository.UnitOfWork, l *ledger.Ledger, providers *provider.Registry, jobs jobqueue.JobSink, opts Options) *Service {
	if opts.ProviderTimeout <= 0 {
		opts.ProviderTimeout = defaultProviderTimeout
	}
	return &Service{
		uow:       uow,
		ledger:    l,
		providers: providers,
		jobs:      jobs,
		sessions:  opts.Sessions,
		counters:  opts.Counters,
		timeout:   opts.ProviderTimeout,
		validate:  validator.New(),
	}
}

// Initiate starts a payment for userID. Nothing is stored unless the provider
// accepted the payment, so a failed or timed out call can simply be retried.
func (s *Service) Initiate(ctx context.Context, userID uint, in InitiateInput) (*InitiateOutput, error) {
	in.Provider = models.PaymentProvider(strings.ToUpper(strings.TrimSpace(string(in.Provider))))
	in.PhoneOrEmail = strings.TrimSpace(in.PhoneOrEmail)
	if err := s.validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	user, err := s.uow.Users().GetByID(ctx, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && !user.IsActive()) {
		return nil, fmt.Errorf("%w: %d", ErrUserNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup user %d: %w", userID, err)
	}

	course, err := s.uow.Courses().FindCourseForPurchase(ctx, in.CourseID)
	if err != nil {
		return nil, fmt.Errorf("lookup course %d: %w", in.CourseID, err)
	}
	switch {
	case !course.Exists:
		return nil, fmt.Errorf("%w: %d", ErrCourseNotFound, in.CourseID)
	case !course.IsPremium || !course.Price.IsPositive():
		return nil, fmt.Errorf("%w: %d", ErrCourseNotPurchasable, in.CourseID)
	}

	_, err = s.uow.Enrollments().FindByUserAndCourse(ctx, userID, in.CourseID)
	if err == nil {
		return nil, ErrAlreadyEnrolled
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("lookup enrollment: %w", err)
	}

	payer := in.PhoneOrEmail
	if payer == "" {
		payer = user.PayerIdentifier(in.Provider)
	}
	if err := provider.ValidatePayer(in.Provider, payer); err != nil {
		return nil, err
	}

	p, err := s.providers.Get(in.Provider)
	if err != nil {
		return nil, err
	}
	if !provider.AcceptsCurrency(p, course.Currency) {
		return nil, fmt.Errorf("%w: %d is priced in %s, which %s cannot charge", ErrCourseNotPurchasable, in.CourseID, course.Currency, in.Provider)
	}

	paymentID := uuid.New().String()
	pctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res, err := p.Initiate(pctx, provider.InitiateRequest{
		PaymentID:       paymentID,
		UserID:          userID,
		CourseID:        course.CourseID,
		CourseTitle:     course.Title,
		PayerIdentifier: payer,
		Amount:          course.Price,
		Currency:        course.Currency,
	})
	if err != nil {
		return nil, s.providerError(in.Provider, "initiate", err)
	}

	payment, err := s.ledger.RecordInitiation(ctx, ledger.Initiation{
		PaymentID:             paymentID,
		UserID:                userID,
		CourseID:              course.CourseID,
		Provider:              in.Provider,
		ProviderTransactionID: res.ProviderTransactionID,
		PayerIdentifier:       payer,
		PaymentURL:            res.PayerFacingHandle,
		Amount:                course.Price,
		Currency:              course.Currency,
		Metadata:              res.Raw,
	})
	if err != nil {
		return nil, err
	}

	return &InitiateOutput{
		PaymentID:             payment.ID,
		Status:                payment.Status,
		ProviderTransactionID: payment.TransactionID(),
		PaymentURL:            payment.PaymentURL,
		Amount:                payment.Total,
		Currency:              payment.Currency,
	}, nil
}

// Verify asks the provider for the outcome of the caller's payment and
// records it. Terminal payments are answered from the ledger.
func (s *Service) Verify(ctx context.Context, userID uint, in VerifyInput) (*VerifyOutput, error) {
	in.Provider = models.PaymentProvider(strings.ToUpper(strings.TrimSpace(string(in.Provider))))
	in.TransactionID = strings.TrimSpace(in.TransactionID)
	if err := s.validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	payment, err := s.ledger.FindByProviderTransactionID(ctx, in.TransactionID)
	if err != nil {
		return nil, err
	}
	if payment.UserID != userID || payment.Provider != in.Provider {
		return nil, fmt.Errorf("%w: %s", ErrPaymentNotFound, in.TransactionID)
	}

	if payment.Status.IsTerminal() {
		out := &VerifyOutput{Payment: payment}
		if enrollment, err := s.uow.Enrollments().FindByUserAndCourse(ctx, payment.UserID, payment.CourseID); err == nil {
			out.Enrollment = enrollment
		}
		return out, nil
	}

	res, err := s.verifyWithProvider(ctx, payment.Provider, in.TransactionID)
	if err != nil {
		// the payment stays PENDING; the caller may ask again
		return &VerifyOutput{Payment: payment}, err
	}

	outcome, err := s.ledger.RecordVerifiedOutcome(ctx, in.TransactionID, *res)
	if err != nil {
		return nil, err
	}
	return &VerifyOutput{Payment: outcome.Payment, Enrollment: outcome.Enrollment, Review: outcome.Review}, nil
}

// Payment returns one of the caller's payments by id.
func (s *Service) Payment(ctx context.Context, userID uint, paymentID string) (*models.Payment, error) {
	payment, err := s.ledger.FindByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.UserID != userID {
		return nil, fmt.Errorf("%w: %s", ErrPaymentNotFound, paymentID)
	}
	return payment, nil
}

// Reverify re-checks a payment with its provider and records the outcome. It
// backs VERIFY_PAYMENT jobs and mobile-money callbacks. Outcomes nobody can
// act on are logged and reported as done so the job is not redelivered.
func (s *Service) Reverify(ctx context.Context, providerName, providerTransactionID string) error {
	kind := models.PaymentProvider(strings.ToUpper(strings.TrimSpace(providerName)))
	res, err := s.verifyWithProvider(ctx, kind, providerTransactionID)
	switch {
	case errors.Is(err, provider.ErrTransactionNotFound):
		log.Warnf("[Checkout] %s transaction %s is unknown to the provider, skipping", kind, providerTransactionID)
		return nil
	case errors.Is(err, provider.ErrUnknownProvider), errors.Is(err, provider.ErrNotConfigured):
		return fmt.Errorf("%w: %v", jobqueue.ErrPermanent, err)
	case err != nil:
		return err
	}

	if _, err := s.ledger.RecordVerifiedOutcome(ctx, providerTransactionID, *res); err != nil {
		if errors.Is(err, ledger.ErrDanglingReference) {
			return nil
		}
		if errors.Is(err, ledger.ErrIllegalTransition) {
			return fmt.Errorf("%w: %v", jobqueue.ErrPermanent, err)
		}
		return err
	}
	return nil
}

func (s *Service) verifyWithProvider(ctx context.Context, kind models.PaymentProvider, providerTransactionID string) (*provider.VerifyResult, error) {
	p, err := s.providers.Get(kind)
	if err != nil {
		return nil, err
	}
	pctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res, err := p.Verify(pctx, providerTransactionID)
	if err != nil {
		return nil, s.providerError(kind, "verify", err)
	}
	return res, nil
}

// providerError makes sure deadline expiry is reported as a retryable
// provider failure.
func (s *Service) providerError(kind models.PaymentProvider, op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, provider.ErrProviderUnavailable) {
		err = fmt.Errorf("%w: %s timed out: %v", provider.ErrProviderUnavailable, op, err)
	}
	if errors.Is(err, provider.ErrProviderUnavailable) {
		s.counters.Inc(counter.ProviderErrors)
	}
	log.Errorf("[Checkout] %s %s failed: %v", kind, op, err)
	return err
}
