package repository

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/ManuelReschke/CourseFox/app/models"
)

// PaymentRepository defines the persistence operations of the payment ledger.
type PaymentRepository interface {
	Create(ctx context.Context, payment *models.Payment) error
	GetByID(ctx context.Context, id string) (*models.Payment, error)
	GetByProviderTransactionID(ctx context.Context, providerTransactionID string) (*models.Payment, error)
	// LockByProviderTransactionID is GetByProviderTransactionID with a row lock
	// held until the surrounding transaction ends.
	LockByProviderTransactionID(ctx context.Context, providerTransactionID string) (*models.Payment, error)
	// TransitionStatus applies from -> to only if the stored status still equals
	// from. It reports whether this call performed the transition.
	TransitionStatus(ctx context.Context, id string, from, to models.PaymentStatus, changes PaymentChanges) (bool, error)
	MarkForReview(ctx context.Context, id, reason string) error
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]models.Payment, error)
}

// PaymentChanges carries the columns written together with a status transition.
type PaymentChanges struct {
	PaidAt     *time.Time
	RefundedAt *time.Time
	Metadata   datatypes.JSON
}

// EnrollmentRepository defines the persistence operations of the enrollment reconciler.
type EnrollmentRepository interface {
	FindByUserAndCourse(ctx context.Context, userID, courseID uint) (*models.Enrollment, error)
	// CreateIfNotExists inserts the enrollment unless (user_id, course_id) already
	// exists. It returns the stored row either way.
	CreateIfNotExists(ctx context.Context, enrollment *models.Enrollment) (bool, *models.Enrollment, error)
}

// CoursePurchaseInfo is the view of a course needed to sell it.
type CoursePurchaseInfo struct {
	CourseID  uint
	Title     string
	Exists    bool
	IsPremium bool
	Price     decimal.Decimal
	Currency  string
}

// CourseRepository resolves course purchase information.
type CourseRepository interface {
	FindCourseForPurchase(ctx context.Context, courseID uint) (*CoursePurchaseInfo, error)
}

// UserRepository resolves payer identities.
type UserRepository interface {
	GetByID(ctx context.Context, id uint) (*models.User, error)
}

// WebhookEventRepository stores provider webhook deliveries.
type WebhookEventRepository interface {
	CreateIfNotExists(ctx context.Context, event *models.PaymentWebhookEvent) (bool, *models.PaymentWebhookEvent, error)
	MarkProcessed(ctx context.Context, id uint, processingError string) error
}

// UnitOfWork groups the repositories that must share one transaction.
type UnitOfWork interface {
	Payments() PaymentRepository
	Enrollments() EnrollmentRepository
	Courses() CourseRepository
	Users() UserRepository
	WebhookEvents() WebhookEventRepository
	// Transaction runs fn against repositories bound to a single database
	// transaction. The transaction is rolled back if fn returns an error.
	Transaction(ctx context.Context, fn func(tx UnitOfWork) error) error
}

// Repositories holds all gorm backed repository instances.
type Repositories struct {
	db           *gorm.DB
	Payment      PaymentRepository
	Enrollment   EnrollmentRepository
	Course       CourseRepository
	User         UserRepository
	WebhookEvent WebhookEventRepository
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		db:           db,
		Payment:      NewPaymentRepository(db),
		Enrollment:   NewEnrollmentRepository(db),
		Course:       NewCourseRepository(db),
		User:         NewUserRepository(db),
		WebhookEvent: NewWebhookEventRepository(db),
	}
}

func (r *Repositories) Payments() PaymentRepository           { return r.Payment }
func (r *Repositories) Enrollments() EnrollmentRepository     { return r.Enrollment }
func (r *Repositories) Courses() CourseRepository             { return r.Course }
func (r *Repositories) Users() UserRepository                 { return r.User }
func (r *Repositories) WebhookEvents() WebhookEventRepository { return r.WebhookEvent }

// Transaction implements UnitOfWork.
func (r *Repositories) Transaction(ctx context.Context, fn func(tx UnitOfWork) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewRepositories(tx))
	})
}

// Ping checks the underlying database connection.
func (r *Repositories) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
