package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type PaymentProvider string

const (
	PaymentProviderCard        PaymentProvider = "CARD"
	PaymentProviderMobileMoney PaymentProvider = "MOBILE_MONEY"
)

// Valid reports whether p is one of the supported providers.
func (p PaymentProvider) Valid() bool {
	return p == PaymentProviderCard || p == PaymentProviderMobileMoney
}

type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "PENDING"
	PaymentStatusSuccess  PaymentStatus = "SUCCESS"
	PaymentStatusFailed   PaymentStatus = "FAILED"
	PaymentStatusRefunded PaymentStatus = "REFUNDED"
)

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusPending: {PaymentStatusSuccess, PaymentStatusFailed},
	PaymentStatusSuccess: {PaymentStatusRefunded},
}

// CanTransitionTo reports whether the payment state machine allows s -> next.
func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	for _, allowed := range paymentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal is true for every status except PENDING.
func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case PaymentStatusSuccess, PaymentStatusFailed, PaymentStatusRefunded:
		return true
	}
	return false
}

// Payment is one attempt by one user to pay for one course.
type Payment struct {
	ID                    string          `gorm:"type:char(36);primaryKey" json:"id"`
	UserID                uint            `gorm:"not null;index:idx_payments_user_course,priority:1" json:"user_id"`
	CourseID              uint            `gorm:"not null;index:idx_payments_user_course,priority:2" json:"course_id"`
	Provider              PaymentProvider `gorm:"type:varchar(20);not null;index" json:"provider"`
	ProviderTransactionID *string         `gorm:"type:varchar(191);uniqueIndex:ux_payments_provider_transaction_id" json:"provider_transaction_id,omitempty"`
	PayerIdentifier       string          `gorm:"type:varchar(191);not null;default:''" json:"-"`
	PaymentURL            string          `gorm:"type:text" json:"payment_url,omitempty"`
	Amount                decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"amount"`
	Tax                   decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"tax"`
	Total                 decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"total"`
	Currency              string          `gorm:"type:varchar(3);not null" json:"currency"`
	Status                PaymentStatus   `gorm:"type:varchar(20);not null;default:'PENDING';index" json:"status"`
	ReviewReason          string          `gorm:"type:varchar(255);not null;default:''" json:"review_reason,omitempty"`
	Metadata              datatypes.JSON  `json:"metadata,omitempty"`
	PaidAt                *time.Time      `gorm:"type:timestamp;default:null" json:"paid_at,omitempty"`
	RefundedAt            *time.Time      `gorm:"type:timestamp;default:null" json:"refunded_at,omitempty"`
	CreatedAt             time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt             time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// TransactionID returns the provider transaction id or "" if none was assigned yet.
func (p *Payment) TransactionID() string {
	if p == nil || p.ProviderTransactionID == nil {
		return ""
	}
	return *p.ProviderTransactionID
}

// NeedsReview is true when the payment was taken but could not be turned into an enrollment.
func (p *Payment) NeedsReview() bool {
	return p.ReviewReason != ""
}
