package db

import (
	"context"
	"errors"

	"github.com/probehub/backend/internal/core/ports"
	"github.com/probehub/backend/internal/domain"
	"github.com/probehub/backend/internal/infrastructure/logger"
	"gorm.io/gorm"
)

type dishRepository struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewDishRepository(db *gorm.DB, log *logger.Logger) ports.DishRepository {
	return &dishRepository{db: db, log: log}
}

func (r *dishRepository) Create(ctx context.Context, dish *domain.Dish) error {
	if err := r.db.WithContext(ctx).Create(dish).Error; err != nil {
		r.log.Errorw("dish_repo_create_failed", "name", dish.Name, "error", err)
		return err
	}
	r.log.Infow("dish_repo_create_ok", "id", dish.ID)
	return nil
}

// GetByID returns nil, nil when the dish does not exist.
func (r *dishRepository) GetByID(ctx context.Context, id uint) (*domain.Dish, error) {
	var dish domain.Dish
	if err := r.db.WithContext(ctx).First(&dish, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		r.log.Errorw("dish_repo_get_failed", "id", id, "error", err)
		return nil, err
	}
	return &dish, nil
}

func (r *dishRepository) List(ctx context.Context, filter domain.DishFilter) ([]domain.Dish, int64, error) {
	q := r.db.WithContext(ctx).Model(&domain.Dish{})
	if filter.Name != "" {
		q = q.Where("name ILIKE ?", "%"+filter.Name+"%")
	}
	if filter.Category != "" {
		q = q.Where("category = ?", filter.Category)
	}
	if filter.Status != nil {
		q = q.Where("status = ?", *filter.Status)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		r.log.Errorw("dish_repo_count_failed", "error", err)
		return nil, 0, err
	}

	var dishes []domain.Dish
	if err := q.Order("updated_at DESC").Offset(filter.Offset).Limit(filter.Limit).Find(&dishes).Error; err != nil {
		r.log.Errorw("dish_repo_list_failed", "error", err)
		return nil, 0, err
	}
	return dishes, total, nil
}

func (r *dishRepository) Update(ctx context.Context, dish *domain.Dish) error {
	if err := r.db.WithContext(ctx).Save(dish).Error; err != nil {
		r.log.Errorw("dish_repo_update_failed", "id", dish.ID, "error", err)
		return err
	}
	r.log.Infow("dish_repo_update_ok", "id", dish.ID)
	return nil
}

func (r *dishRepository) Delete(ctx context.Context, ids []uint) error {
	if err := r.db.WithContext(ctx).Delete(&domain.Dish{}, ids).Error; err != nil {
		r.log.Errorw("dish_repo_delete_failed", "ids", ids, "error", err)
		return err
	}
	r.log.Infow("dish_repo_delete_ok", "count", len(ids))
	return nil
}
