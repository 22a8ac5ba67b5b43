// Package memrepo is an in-memory repository.UnitOfWork for tests. It enforces
// the unique indexes of the SQL schema and the compare-and-set status update.
package memrepo

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/ManuelReschke/CourseFox/app/models"
	"github.com/ManuelReschke/CourseFox/app/repository"
)

type userCourse struct {
	userID   uint
	courseID uint
}

type providerEvent struct {
	provider models.PaymentProvider
	eventID  string
}

type state struct {
	payments      map[string]models.Payment
	byTransaction map[string]string
	enrollments   map[userCourse]models.Enrollment
	events        map[providerEvent]models.PaymentWebhookEvent
	nextID        uint
}

func (s state) clone() state {
	c := state{
		payments:      make(map[string]models.Payment, len(s.payments)),
		byTransaction: make(map[string]string, len(s.byTransaction)),
		enrollments:   make(map[userCourse]models.Enrollment, len(s.enrollments)),
		events:        make(map[providerEvent]models.PaymentWebhookEvent, len(s.events)),
		nextID:        s.nextID,
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	for k, v := range s.byTransaction {
		c.byTransaction[k] = v
	}
	for k, v := range s.enrollments {
		c.enrollments[k] = v
	}
	for k, v := range s.events {
		c.events[k] = v
	}
	return c
}

// Store implements repository.UnitOfWork.
type Store struct {
	txMu sync.Mutex
	mu   sync.Mutex
	data state

	courses map[uint]models.Course
	users   map[uint]models.User

	enrollmentErr error
	transitionErr error
}

func New() *Store {
	return &Store{
		data: state{
			payments:      map[string]models.Payment{},
			byTransaction: map[string]string{},
			enrollments:   map[userCourse]models.Enrollment{},
			events:        map[providerEvent]models.PaymentWebhookEvent{},
		},
		courses: map[uint]models.Course{},
		users:   map[uint]models.User{},
	}
}

func (s *Store) AddCourse(c models.Course) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.courses[c.ID] = c
}

func (s *Store) AddUser(u models.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

// FailEnrollmentInserts makes every enrollment insert return err until reset with nil.
func (s *Store) FailEnrollmentInserts(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enrollmentErr = err
}

// FailTransitions makes every status transition return err until reset with nil.
func (s *Store) FailTransitions(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitionErr = err
}

func (s *Store) ListPayments() []models.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Payment, 0, len(s.data.payments))
	for _, p := range s.data.payments {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *Store) ListEnrollments() []models.Enrollment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Enrollment, 0, len(s.data.enrollments))
	for _, e := range s.data.enrollments {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) ListWebhookEvents() []models.PaymentWebhookEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.PaymentWebhookEvent, 0, len(s.data.events))
	for _, e := range s.data.events {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) Payments() repository.PaymentRepository           { return paymentRepo{s} }
func (s *Store) Enrollments() repository.EnrollmentRepository     { return enrollmentRepo{s} }
func (s *Store) Courses() repository.CourseRepository             { return courseRepo{s} }
func (s *Store) Users() repository.UserRepository                 { return userRepo{s} }
func (s *Store) WebhookEvents() repository.WebhookEventRepository { return eventRepo{s} }

// Transaction serializes transactions and restores a snapshot when fn fails.
func (s *Store) Transaction(ctx context.Context, fn func(tx repository.UnitOfWork) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snapshot := s.data.clone()
	s.mu.Unlock()

	if err := fn(s); err != nil {
		s.mu.Lock()
		s.data = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

type paymentRepo struct{ s *Store }

func (r paymentRepo) Create(ctx context.Context, p *models.Payment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.data.payments[p.ID]; ok {
		return gorm.ErrDuplicatedKey
	}
	if tx := p.TransactionID(); tx != "" {
		if _, ok := r.s.data.byTransaction[tx]; ok {
			return gorm.ErrDuplicatedKey
		}
		r.s.data.byTransaction[tx] = p.ID
	}
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	r.s.data.payments[p.ID] = *p
	return nil
}

func (r paymentRepo) GetByID(ctx context.Context, id string) (*models.Payment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.data.payments[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &p, nil
}

func (r paymentRepo) GetByProviderTransactionID(ctx context.Context, providerTransactionID string) (*models.Payment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	id, ok := r.s.data.byTransaction[providerTransactionID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	p := r.s.data.payments[id]
	return &p, nil
}

// LockByProviderTransactionID relies on Store.Transaction serializing writers.
func (r paymentRepo) LockByProviderTransactionID(ctx context.Context, providerTransactionID string) (*models.Payment, error) {
	return r.GetByProviderTransactionID(ctx, providerTransactionID)
}

func (r paymentRepo) TransitionStatus(ctx context.Context, id string, from, to models.PaymentStatus, changes repository.PaymentChanges) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.transitionErr != nil {
		return false, r.s.transitionErr
	}
	p, ok := r.s.data.payments[id]
	if !ok || p.Status != from {
		return false, nil
	}
	p.Status = to
	if changes.PaidAt != nil {
		t := *changes.PaidAt
		p.PaidAt = &t
	}
	if changes.RefundedAt != nil {
		t := *changes.RefundedAt
		p.RefundedAt = &t
	}
	if len(changes.Metadata) > 0 {
		p.Metadata = changes.Metadata
	}
	p.UpdatedAt = time.Now()
	r.s.data.payments[id] = p
	return true, nil
}

func (r paymentRepo) MarkForReview(ctx context.Context, id, reason string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.data.payments[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	p.ReviewReason = reason
	r.s.data.payments[id] = p
	return nil
}

func (r paymentRepo) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]models.Payment, error) {
	var out []models.Payment
	for _, p := range r.s.ListPayments() {
		if p.Status == models.PaymentStatusPending && p.CreatedAt.Before(olderThan) && p.TransactionID() != "" {
			out = append(out, p)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

type enrollmentRepo struct{ s *Store }

func (r enrollmentRepo) FindByUserAndCourse(ctx context.Context, userID, courseID uint) (*models.Enrollment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.data.enrollments[userCourse{userID, courseID}]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &e, nil
}

func (r enrollmentRepo) CreateIfNotExists(ctx context.Context, e *models.Enrollment) (bool, *models.Enrollment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.enrollmentErr != nil {
		return false, nil, r.s.enrollmentErr
	}
	key := userCourse{e.UserID, e.CourseID}
	if stored, ok := r.s.data.enrollments[key]; ok {
		return false, &stored, nil
	}
	r.s.data.nextID++
	e.ID = r.s.data.nextID
	e.CreatedAt = time.Now()
	r.s.data.enrollments[key] = *e
	stored := *e
	return true, &stored, nil
}

type courseRepo struct{ s *Store }

func (r courseRepo) FindCourseForPurchase(ctx context.Context, courseID uint) (*repository.CoursePurchaseInfo, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.courses[courseID]
	if !ok {
		return &repository.CoursePurchaseInfo{CourseID: courseID}, nil
	}
	return &repository.CoursePurchaseInfo{
		CourseID:  c.ID,
		Title:     c.Title,
		Exists:    true,
		IsPremium: c.IsPremium,
		Price:     c.Price,
		Currency:  c.Currency,
	}, nil
}

type userRepo struct{ s *Store }

func (r userRepo) GetByID(ctx context.Context, id uint) (*models.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &u, nil
}

type eventRepo struct{ s *Store }

func (r eventRepo) CreateIfNotExists(ctx context.Context, e *models.PaymentWebhookEvent) (bool, *models.PaymentWebhookEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if e.ProviderEventID == "" {
		return false, nil, errors.New("provider_event_id is required")
	}
	key := providerEvent{e.Provider, e.ProviderEventID}
	if stored, ok := r.s.data.events[key]; ok {
		return false, &stored, nil
	}
	r.s.data.nextID++
	e.ID = r.s.data.nextID
	e.CreatedAt = time.Now()
	r.s.data.events[key] = *e
	stored := *e
	return true, &stored, nil
}

func (r eventRepo) MarkProcessed(ctx context.Context, id uint, processingError string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for k, e := range r.s.data.events {
		if e.ID == id {
			now := time.Now()
			e.ProcessedAt = &now
			e.ProcessingError = processingError
			r.s.data.events[k] = e
			return nil
		}
	}
	return gorm.ErrRecordNotFound
}
