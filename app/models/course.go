package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Course is the purchasable part of the course catalog. Content lives elsewhere.
type Course struct {
	ID        uint            `gorm:"primaryKey" json:"id"`
	Title     string          `gorm:"type:varchar(255);not null" json:"title"`
	IsPremium bool            `gorm:"default:false;index" json:"is_premium"`
	Price     decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"price"`
	Currency  string          `gorm:"type:varchar(3);not null;default:'USD'" json:"currency"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}
