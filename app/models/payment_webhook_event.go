package models

import (
	"time"

	"gorm.io/datatypes"
)

// PaymentWebhookEvent stores verified provider webhook deliveries with
// deduplication metadata for idempotent processing.
type PaymentWebhookEvent struct {
	ID              uint            `gorm:"primaryKey" json:"id"`
	Provider        PaymentProvider `gorm:"type:varchar(20);not null;index:ux_payment_webhook_events_provider_event,unique,priority:1" json:"provider"`
	ProviderEventID string          `gorm:"type:varchar(191);not null;index:ux_payment_webhook_events_provider_event,unique,priority:2" json:"provider_event_id"`
	EventType       string          `gorm:"type:varchar(100);not null;index" json:"event_type"`
	Payload         datatypes.JSON  `gorm:"not null" json:"payload"`
	ProcessedAt     *time.Time      `gorm:"type:timestamp;default:null" json:"processed_at,omitempty"`
	ProcessingError string          `gorm:"type:text" json:"processing_error"`
	CreatedAt       time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsProcessed is true once the event was handled without error.
func (e *PaymentWebhookEvent) IsProcessed() bool {
	return e.ProcessedAt != nil && e.ProcessingError == ""
}
