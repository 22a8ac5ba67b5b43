package models

import (
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

const (
	STATUS_ACTIVE   = "active"
	STATUS_INACTIVE = "inactive"
	STATUS_DISABLED = "disabled"
)

// User is the payer identity as seen by the payment flow. Profiles and
// credentials are owned by the user directory.
type User struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	Name      string         `gorm:"type:varchar(150)" json:"name" validate:"required,min=3,max=150"`
	Email     string         `gorm:"uniqueIndex;type:varchar(200)" json:"email" validate:"required,email,max=200"`
	Phone     string         `gorm:"type:varchar(20);default:null" json:"phone,omitempty" validate:"omitempty,e164"`
	Status    string         `gorm:"type:varchar(50);default:'active'" json:"status" validate:"oneof=active inactive disabled"`
	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (u *User) Validate() error {
	v := validator.New()

	return v.Struct(u)
}

// PayerIdentifier returns the identity a provider needs to address the payer:
// the email for card payments, the phone number for mobile money.
func (u *User) PayerIdentifier(provider PaymentProvider) string {
	if provider == PaymentProviderMobileMoney {
		return u.Phone
	}
	return u.Email
}

func (u *User) IsActive() bool {
	return u.Status == STATUS_ACTIVE
}
