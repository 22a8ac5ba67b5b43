package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Enrollment grants a user access to a course. Rows are created once and never
// updated by the payment flow.
type Enrollment struct {
	ID            uint            `gorm:"primaryKey" json:"id"`
	UserID        uint            `gorm:"not null;uniqueIndex:ux_enrollments_user_course,priority:1" json:"user_id"`
	CourseID      uint            `gorm:"not null;uniqueIndex:ux_enrollments_user_course,priority:2;index" json:"course_id"`
	AmountPaid    decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"amount_paid"`
	Currency      string          `gorm:"type:varchar(3);not null;default:''" json:"currency"`
	PaymentMethod PaymentProvider `gorm:"type:varchar(20);not null" json:"payment_method"`
	TransactionID string          `gorm:"type:varchar(191);not null;default:''" json:"transaction_id"`
	PaymentID     string          `gorm:"type:char(36);index" json:"payment_id"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
}
