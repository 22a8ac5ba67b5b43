package enrollment

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ManuelReschke/CourseFox/app/models"
	"github.com/ManuelReschke/CourseFox/app/repository"
	"github.com/ManuelReschke/CourseFox/app/repository/memrepo"
	"github.com/ManuelReschke/CourseFox/internal/pkg/metrics/counter"
)

func setup(t *testing.T) (*memrepo.Store, *models.Payment) {
	t.Helper()
	store := memrepo.New()
	store.AddCourse(models.Course{ID: 7, Title: "Go in Production", IsPremium: true, Price: decimal.NewFromInt(1000), Currency: "USD"})
	store.AddCourse(models.Course{ID: 8, Title: "Free Intro", IsPremium: false, Currency: "USD"})

	tx := "cs_test_1"
	payment := &models.Payment{
		ID:                    "pay-1",
		UserID:                3,
		CourseID:              7,
		Provider:              models.PaymentProviderCard,
		ProviderTransactionID: &tx,
		Amount:                decimal.NewFromInt(1000),
		Total:                 decimal.NewFromInt(1000),
		Currency:              "USD",
		Status:                models.PaymentStatusSuccess,
	}
	require.NoError(t, store.Payments().Create(context.Background(), payment))
	return store, payment
}

func paidInFull() Paid {
	return Paid{CourseID: 7, Amount: decimal.NewFromInt(1000), Currency: "usd"}
}

func TestReconcileCreatesEnrollment(t *testing.T) {
	store, payment := setup(t)
	counters := counter.NewRegistry(nil)
	r := NewReconciler(counters)

	res, err := r.Reconcile(context.Background(), store, payment, paidInFull())
	require.NoError(t, err)
	require.NoError(t, res.Review)
	assert.True(t, res.Created)
	require.NotNil(t, res.Enrollment)
	assert.Equal(t, uint(3), res.Enrollment.UserID)
	assert.Equal(t, uint(7), res.Enrollment.CourseID)
	assert.Equal(t, "cs_test_1", res.Enrollment.TransactionID)
	assert.Equal(t, models.PaymentProviderCard, res.Enrollment.PaymentMethod)
	assert.Equal(t, "USD", res.Enrollment.Currency)
	assert.Len(t, store.ListEnrollments(), 1)
}

func TestReconcileIsIdempotent(t *testing.T) {
	store, payment := setup(t)
	counters := counter.NewRegistry(nil)
	r := NewReconciler(counters)

	first, err := r.Reconcile(context.Background(), store, payment, paidInFull())
	require.NoError(t, err)
	second, err := r.Reconcile(context.Background(), store, payment, paidInFull())
	require.NoError(t, err)

	assert.False(t, second.Created)
	assert.Equal(t, first.Enrollment.ID, second.Enrollment.ID)
	assert.Len(t, store.ListEnrollments(), 1)
	assert.Equal(t, int64(1), counters.Value(counter.DuplicateEnrolls))
}

// staleReads hides existing enrollments from the pre-check, the way a
// concurrent transaction's uncommitted insert would.
type staleReads struct {
	*memrepo.Store
}

func (s staleReads) Enrollments() repository.EnrollmentRepository {
	return staleEnrollments{s.Store.Enrollments()}
}

type staleEnrollments struct {
	repository.EnrollmentRepository
}

func (staleEnrollments) FindByUserAndCourse(ctx context.Context, userID, courseID uint) (*models.Enrollment, error) {
	return nil, gorm.ErrRecordNotFound
}

func TestReconcileTreatsUniqueViolationAsSuccess(t *testing.T) {
	store, payment := setup(t)
	counters := counter.NewRegistry(nil)
	r := NewReconciler(counters)

	first, err := r.Reconcile(context.Background(), store, payment, paidInFull())
	require.NoError(t, err)

	res, err := r.Reconcile(context.Background(), staleReads{store}, payment, paidInFull())
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, first.Enrollment.ID, res.Enrollment.ID)
	assert.Len(t, store.ListEnrollments(), 1)
	assert.Equal(t, int64(1), counters.Value(counter.DuplicateEnrolls))
}

func TestReconcileFlagsMismatch(t *testing.T) {
	tests := []struct {
		name     string
		courseID uint
		paid     Paid
	}{
		{"underpaid", 7, Paid{CourseID: 7, Amount: decimal.NewFromInt(999), Currency: "USD"}},
		{"wrong currency", 7, Paid{CourseID: 7, Amount: decimal.NewFromInt(1000), Currency: "EUR"}},
		{"other course reported", 7, Paid{CourseID: 9, Amount: decimal.NewFromInt(1000), Currency: "USD"}},
		{"course not premium", 8, Paid{Amount: decimal.NewFromInt(1000), Currency: "USD"}},
		{"course missing", 99, Paid{Amount: decimal.NewFromInt(1000), Currency: "USD"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, payment := setup(t)
			payment.CourseID = tt.courseID
			counters := counter.NewRegistry(nil)

			res, err := NewReconciler(counters).Reconcile(context.Background(), store, payment, tt.paid)
			require.NoError(t, err)
			assert.ErrorIs(t, res.Review, ErrPaymentAmountMismatch)
			assert.Nil(t, res.Enrollment)
			assert.Empty(t, store.ListEnrollments())
			assert.Equal(t, int64(1), counters.Value(counter.AmountMismatches))

			stored, err := store.Payments().GetByID(context.Background(), payment.ID)
			require.NoError(t, err)
			assert.Equal(t, models.PaymentStatusSuccess, stored.Status)
			assert.True(t, stored.NeedsReview())
		})
	}
}

func TestReconcileSurfacesStorageErrors(t *testing.T) {
	store, payment := setup(t)
	boom := errors.New("connection reset")
	store.FailEnrollmentInserts(boom)

	_, err := NewReconciler(nil).Reconcile(context.Background(), store, payment, paidInFull())
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, store.ListEnrollments())
}
