package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/CourseFox/app/models"
)

// paymentRepository implements the PaymentRepository interface
type paymentRepository struct {
	db *gorm.DB
}

// NewPaymentRepository creates a new payment repository instance
func NewPaymentRepository(db *gorm.DB) PaymentRepository {
	return &paymentRepository{db: db}
}

func (r *paymentRepository) Create(ctx context.Context, payment *models.Payment) error {
	return r.db.WithContext(ctx).Create(payment).Error
}

func (r *paymentRepository) GetByID(ctx context.Context, id string) (*models.Payment, error) {
	var payment models.Payment
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&payment).Error; err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *paymentRepository) GetByProviderTransactionID(ctx context.Context, providerTransactionID string) (*models.Payment, error) {
	var payment models.Payment
	err := r.db.WithContext(ctx).
		Where("provider_transaction_id = ?", providerTransactionID).
		First(&payment).Error
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *paymentRepository) LockByProviderTransactionID(ctx context.Context, providerTransactionID string) (*models.Payment, error) {
	var payment models.Payment
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("provider_transaction_id = ?", providerTransactionID).
		First(&payment).Error
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// TransitionStatus is a compare-and-set on the status column. Concurrent callers
// block on the row lock and the loser sees RowsAffected == 0.
func (r *paymentRepository) TransitionStatus(ctx context.Context, id string, from, to models.PaymentStatus, changes PaymentChanges) (bool, error) {
	updates := map[string]interface{}{
		"status": to,
	}
	if changes.PaidAt != nil {
		updates["paid_at"] = *changes.PaidAt
	}
	if changes.RefundedAt != nil {
		updates["refunded_at"] = *changes.RefundedAt
	}
	if len(changes.Metadata) > 0 {
		updates["metadata"] = changes.Metadata
	}

	tx := r.db.WithContext(ctx).
		Model(&models.Payment{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected == 1, nil
}

func (r *paymentRepository) MarkForReview(ctx context.Context, id, reason string) error {
	if len(reason) > 255 {
		reason = reason[:255]
	}
	return r.db.WithContext(ctx).
		Model(&models.Payment{}).
		Where("id = ?", id).
		Update("review_reason", reason).Error
}

func (r *paymentRepository) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]models.Payment, error) {
	var payments []models.Payment
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ? AND provider_transaction_id IS NOT NULL", models.PaymentStatusPending, olderThan).
		Order("created_at ASC").
		Limit(limit).
		Find(&payments).Error
	return payments, err
}
