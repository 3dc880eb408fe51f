package db

import (
	"fmt"

	"github.com/zulandar/chunkyard/internal/models"
	"gorm.io/gorm"
)

// AllModels returns every GORM model backing the SQL status store.
func AllModels() []interface{} {
	return []interface{}{
		&models.StatusEntry{},
		&models.Counter{},
		&models.StatCounter{},
		&models.DownloadToken{},
	}
}

// AutoMigrate creates or updates all status store tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
