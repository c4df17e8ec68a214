package models

import (
	"time"

	"gorm.io/datatypes"
)

// RateLimitLedger stores one rate limit ledger. The full ledger lives in
// Document; the scalar columns are copies kept for filtering.
type RateLimitLedger struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Key         string `gorm:"type:varchar(512);not null;uniqueIndex"` // Ledger key.
	Category    string `gorm:"type:varchar(64);not null;index"`        // Rate limit category.
	TargetType  string `gorm:"type:varchar(32);not null;index"`        // Governed target type.
	TargetValue string `gorm:"type:text"`                              // Governed target value.
	Status      string `gorm:"type:varchar(16);not null;index"`        // active, blocked or disabled.

	BlockUntil *time.Time     `gorm:"index"`               // End of the current block.
	Document   datatypes.JSON `gorm:"type:jsonb;not null"` // Serialized ledger.
	Version    int64          `gorm:"not null;default:0"`  // Optimistic concurrency counter.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;index"`          // Last write timestamp.
}
