package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/probehub/backend/internal/core/ports"
	"github.com/probehub/backend/internal/domain"
	"github.com/probehub/backend/internal/infrastructure/logger"
)

const (
	defaultDishPageSize = 10
	maxDishPageSize     = 100
)

type DishService struct {
	repo ports.DishRepository
	log  *logger.Logger
}

var _ ports.DishService = (*DishService)(nil)

func NewDishService(repo ports.DishRepository, log *logger.Logger) *DishService {
	if log == nil {
		log = logger.NewNop()
	}
	return &DishService{repo: repo, log: log}
}

func validateDish(d *domain.Dish) error {
	d.Name = strings.TrimSpace(d.Name)
	if d.Name == "" {
		return fmt.Errorf("%w: name is required", ErrDishInvalidInput)
	}
	if d.PriceCents < 0 {
		return fmt.Errorf("%w: price must not be negative", ErrDishInvalidInput)
	}
	if d.Status != 0 && d.Status != 1 {
		return fmt.Errorf("%w: status must be 0 or 1", ErrDishInvalidInput)
	}
	return nil
}

func (s *DishService) List(ctx context.Context, filter domain.DishFilter) ([]domain.Dish, int64, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultDishPageSize
	}
	if filter.Limit > maxDishPageSize {
		filter.Limit = maxDishPageSize
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return s.repo.List(ctx, filter)
}

func (s *DishService) Get(ctx context.Context, id uint) (*domain.Dish, error) {
	dish, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if dish == nil {
		return nil, ErrDishNotFound
	}
	return dish, nil
}

func (s *DishService) Create(ctx context.Context, dish *domain.Dish) error {
	if err := validateDish(dish); err != nil {
		return err
	}
	dish.ID = 0
	if err := s.repo.Create(ctx, dish); err != nil {
		return err
	}
	s.log.Infow("dish_created", "id", dish.ID, "name", dish.Name)
	return nil
}

func (s *DishService) Update(ctx context.Context, dish *domain.Dish) error {
	if dish.ID == 0 {
		return fmt.Errorf("%w: id is required", ErrDishInvalidInput)
	}
	if err := validateDish(dish); err != nil {
		return err
	}

	existing, err := s.Get(ctx, dish.ID)
	if err != nil {
		return err
	}
	dish.CreatedAt = existing.CreatedAt

	if err := s.repo.Update(ctx, dish); err != nil {
		return err
	}
	s.log.Infow("dish_updated", "id", dish.ID)
	return nil
}

func (s *DishService) Delete(ctx context.Context, ids []uint) error {
	if len(ids) == 0 {
		return fmt.Errorf("%w: no ids given", ErrDishInvalidInput)
	}
	if err := s.repo.Delete(ctx, ids); err != nil {
		return err
	}
	s.log.Infow("dish_deleted", "ids", ids)
	return nil
}
