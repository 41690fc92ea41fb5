package ports

import (
	"context"

	"github.com/probehub/backend/internal/domain"
)

type DishRepository interface {
	Create(ctx context.Context, dish *domain.Dish) error
	GetByID(ctx context.Context, id uint) (*domain.Dish, error)
	List(ctx context.Context, filter domain.DishFilter) ([]domain.Dish, int64, error)
	Update(ctx context.Context, dish *domain.Dish) error
	Delete(ctx context.Context, ids []uint) error
}
