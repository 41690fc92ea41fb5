package db

import (
	"github.com/probehub/backend/internal/domain"
	"gorm.io/gorm"
)

func RunMigrations(db *gorm.DB) error {
	if err := db.AutoMigrate(&domain.Dish{}); err != nil {
		return err
	}

	return createCustomIndexes(db)
}

func createCustomIndexes(db *gorm.DB) error {
	// Dish names are unique among live rows only
	return db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_dishes_name_unique
		ON dishes (name)
		WHERE deleted_at IS NULL
	`).Error
}
