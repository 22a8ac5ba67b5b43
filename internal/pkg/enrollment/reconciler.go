// Package enrollment turns a successful payment into exactly one enrollment.
package enrollment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ManuelReschke/CourseFox/app/models"
	"github.com/ManuelReschke/CourseFox/app/repository"
	"github.com/ManuelReschke/CourseFox/internal/pkg/metrics/counter"
)

// ErrPaymentAmountMismatch means money was taken but the course cannot be
// granted for it. The payment stays SUCCESS and is flagged for review.
var ErrPaymentAmountMismatch = errors.New("payment does not match course price")

// Paid is what the provider reported for the payment.
type Paid struct {
	CourseID uint
	Amount   decimal.Decimal
	Currency string
}

type Result struct {
	Enrollment *models.Enrollment
	// Created is false when the enrollment already existed.
	Created bool
	// Review is set (wrapping ErrPaymentAmountMismatch) when no enrollment was
	// granted and the payment was flagged instead.
	Review error
}

type Reconciler struct {
	counters *counter.Registry
}

func NewReconciler(counters *counter.Registry) *Reconciler {
	return &Reconciler{counters: counters}
}

// Reconcile must run inside the transaction that moved the payment to SUCCESS.
// A returned error means storage failed and the transaction has to roll back;
// a mismatch is reported through Result.Review and commits.
func (r *Reconciler) Reconcile(ctx context.Context, uow repository.UnitOfWork, payment *models.Payment, paid Paid) (*Result, error) {
	existing, err := uow.Enrollments().FindByUserAndCourse(ctx, payment.UserID, payment.CourseID)
	switch {
	case err == nil:
		r.counters.Inc(counter.DuplicateEnrolls)
		log.Infof("[Enrollment] User %d already enrolled in course %d (payment %s), nothing to do",
			payment.UserID, payment.CourseID, payment.ID)
		return &Result{Enrollment: existing}, nil
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, fmt.Errorf("lookup enrollment: %w", err)
	}

	course, err := uow.Courses().FindCourseForPurchase(ctx, payment.CourseID)
	if err != nil {
		return nil, fmt.Errorf("lookup course %d: %w", payment.CourseID, err)
	}
	if reason := mismatch(course, payment, paid); reason != "" {
		review := fmt.Errorf("%w: %s", ErrPaymentAmountMismatch, reason)
		r.counters.Inc(counter.AmountMismatches)
		log.Errorf("[Enrollment] Payment %s (%s) flagged for review: %s",
			payment.ID, payment.TransactionID(), reason)
		if err := uow.Payments().MarkForReview(ctx, payment.ID, reason); err != nil {
			return nil, fmt.Errorf("flag payment %s: %w", payment.ID, err)
		}
		payment.ReviewReason = reason
		return &Result{Review: review}, nil
	}

	candidate := &models.Enrollment{
		UserID:        payment.UserID,
		CourseID:      payment.CourseID,
		AmountPaid:    paid.Amount,
		Currency:      strings.ToUpper(paid.Currency),
		PaymentMethod: payment.Provider,
		TransactionID: payment.TransactionID(),
		PaymentID:     payment.ID,
	}
	created, stored, err := uow.Enrollments().CreateIfNotExists(ctx, candidate)
	if err != nil {
		return nil, fmt.Errorf("create enrollment: %w", err)
	}
	if !created {
		// A concurrent reconciliation inserted the row between our check and insert.
		r.counters.Inc(counter.DuplicateEnrolls)
		log.Warnf("[Enrollment] DuplicateEnrollmentAttempt for user %d course %d (payment %s), keeping enrollment %d",
			payment.UserID, payment.CourseID, payment.ID, stored.ID)
		return &Result{Enrollment: stored}, nil
	}

	log.Infof("[Enrollment] Enrolled user %d in course %d (payment %s)", payment.UserID, payment.CourseID, payment.ID)
	return &Result{Enrollment: stored, Created: true}, nil
}

func mismatch(course *repository.CoursePurchaseInfo, payment *models.Payment, paid Paid) string {
	switch {
	case course == nil || !course.Exists:
		return fmt.Sprintf("course %d does not exist", payment.CourseID)
	case !course.IsPremium:
		return fmt.Sprintf("course %d is not a paid course", payment.CourseID)
	case paid.CourseID != 0 && paid.CourseID != payment.CourseID:
		return fmt.Sprintf("provider reported course %d, payment was for course %d", paid.CourseID, payment.CourseID)
	case paid.Amount.LessThan(course.Price):
		return fmt.Sprintf("paid %s %s, course price is %s %s",
			paid.Amount.StringFixed(2), paid.Currency, course.Price.StringFixed(2), course.Currency)
	case paid.Currency != "" && course.Currency != "" && !strings.EqualFold(paid.Currency, course.Currency):
		return fmt.Sprintf("paid in %s, course is priced in %s", strings.ToUpper(paid.Currency), strings.ToUpper(course.Currency))
	}
	return ""
}
