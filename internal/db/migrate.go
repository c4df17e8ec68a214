package db

import (
	"fmt"

	"github.com/router-for-me/TrafficGovernor/internal/models"
	"gorm.io/gorm"
)

// Migrate runs database migrations for the current dialect.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	switch DialectName(conn) {
	case DialectSQLite, DialectPostgres, "":
	default:
		return fmt.Errorf("db: unsupported dialect: %s", DialectName(conn))
	}

	if errAutoMigrate := conn.AutoMigrate(
		&models.RateLimitLedger{},
		&models.WebhookSubscriber{},
		&models.WebhookDelivery{},
	); errAutoMigrate != nil {
		return fmt.Errorf("db: migrate: %w", errAutoMigrate)
	}

	// Both dialects support partial indexes with the same syntax.
	if errIndex := conn.Exec(`
		CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_unfinished
		ON webhook_deliveries (status, next_attempt)
		WHERE status IN ('pending', 'retrying')
	`).Error; errIndex != nil {
		return fmt.Errorf("db: create unfinished deliveries index: %w", errIndex)
	}
	if errIndex := conn.Exec(`
		CREATE INDEX IF NOT EXISTS idx_rate_limit_ledgers_blocked
		ON rate_limit_ledgers (block_until)
		WHERE status = 'blocked'
	`).Error; errIndex != nil {
		return fmt.Errorf("db: create blocked ledgers index: %w", errIndex)
	}
	return nil
}
