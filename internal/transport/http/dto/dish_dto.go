package dto

import "github.com/probehub/backend/internal/domain"

type DishRequest struct {
	Name        string `json:"name"`
	Category    string `json:"category"`
	PriceCents  int64  `json:"price_cents"`
	Image       string `json:"image"`
	Description string `json:"description"`
	Status      *int   `json:"status"`
}

func (r *DishRequest) ToDomain(id uint) *domain.Dish {
	status := 1
	if r.Status != nil {
		status = *r.Status
	}
	return &domain.Dish{
		ID:          id,
		Name:        r.Name,
		Category:    r.Category,
		PriceCents:  r.PriceCents,
		Image:       r.Image,
		Description: r.Description,
		Status:      status,
	}
}

type UpdateDishRequest struct {
	ID uint `json:"id"`
	DishRequest
}
