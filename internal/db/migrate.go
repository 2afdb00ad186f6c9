package db

import (
	"fmt"

	"github.com/zulandar/courier/internal/models"
	"gorm.io/gorm"
)

// AllModels returns the list of all GORM models for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.Conversation{},
		&models.InboxMessage{},
		&models.ImageJob{},
		&models.Recipient{},
		&models.BroadcastCampaign{},
		&models.DeliveryRecord{},
	}
}

// AutoMigrate creates or updates all Courier tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
