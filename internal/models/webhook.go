package models

import (
	"time"

	"gorm.io/datatypes"
)

// WebhookSubscriber stores one webhook subscriber document.
type WebhookSubscriber struct {
	ID string `gorm:"type:varchar(64);primaryKey"` // Subscriber ID.

	Owner       string `gorm:"type:varchar(255);not null;index"` // Owning account.
	Name        string `gorm:"type:text;not null"`               // Display name.
	Type        string `gorm:"type:varchar(32);not null;index"`  // Subscriber type.
	Status      string `gorm:"type:varchar(16);not null;index"`  // Lifecycle status.
	Environment string `gorm:"type:varchar(32);not null;index"`  // Deployment environment.

	Document datatypes.JSON `gorm:"type:jsonb;not null"` // Serialized subscriber, secret included.
	Version  int64          `gorm:"not null;default:0"`  // Optimistic concurrency counter.

	CreatedAt time.Time `gorm:"not null;index"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null"`       // Last write timestamp.
}

// WebhookDelivery stores one delivery record and its attempts.
type WebhookDelivery struct {
	ID string `gorm:"type:varchar(64);primaryKey"` // Delivery ID.

	SubscriberID string     `gorm:"type:varchar(64);not null;index"`  // Target subscriber.
	Event        string     `gorm:"type:varchar(128);not null;index"` // Event name.
	Status       string     `gorm:"type:varchar(16);not null;index"`  // Delivery status.
	Queued       bool       `gorm:"not null;default:false;index"`     // Waiting in a batch.
	NextAttempt  *time.Time `gorm:"index"`                            // Scheduled retry time.

	Document datatypes.JSON `gorm:"type:jsonb;not null"` // Serialized delivery.
	Version  int64          `gorm:"not null;default:0"`  // Optimistic concurrency counter.

	CreatedAt time.Time `gorm:"not null;index"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null"`       // Last write timestamp.
}
