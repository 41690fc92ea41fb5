package domain

import (
	"time"

	"gorm.io/gorm"
)

type Dish struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	Name        string `gorm:"size:255;not null" json:"name"`
	Category    string `gorm:"size:64;index" json:"category"`
	PriceCents  int64  `gorm:"not null;default:0" json:"price_cents"`
	Image       string `gorm:"size:512" json:"image,omitempty"`
	Description string `gorm:"type:text" json:"description,omitempty"`
	Status      int    `gorm:"default:1" json:"status"` // 1 on sale, 0 off
}

// DishFilter narrows a dish listing; zero values are ignored.
type DishFilter struct {
	Name     string
	Category string
	Status   *int
	Offset   int
	Limit    int
}
