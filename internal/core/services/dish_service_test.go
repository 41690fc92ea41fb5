package services

import (
	"context"
	"errors"
	"testing"

	"github.com/probehub/backend/internal/domain"
)

type memoryDishRepo struct {
	next   uint
	dishes map[uint]domain.Dish
	last   domain.DishFilter
}

func newMemoryDishRepo() *memoryDishRepo {
	return &memoryDishRepo{dishes: make(map[uint]domain.Dish)}
}

func (r *memoryDishRepo) Create(ctx context.Context, dish *domain.Dish) error {
	r.next++
	dish.ID = r.next
	r.dishes[dish.ID] = *dish
	return nil
}

func (r *memoryDishRepo) GetByID(ctx context.Context, id uint) (*domain.Dish, error) {
	d, ok := r.dishes[id]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (r *memoryDishRepo) List(ctx context.Context, filter domain.DishFilter) ([]domain.Dish, int64, error) {
	r.last = filter
	out := make([]domain.Dish, 0, len(r.dishes))
	for _, d := range r.dishes {
		out = append(out, d)
	}
	return out, int64(len(out)), nil
}

func (r *memoryDishRepo) Update(ctx context.Context, dish *domain.Dish) error {
	r.dishes[dish.ID] = *dish
	return nil
}

func (r *memoryDishRepo) Delete(ctx context.Context, ids []uint) error {
	for _, id := range ids {
		delete(r.dishes, id)
	}
	return nil
}

func TestDishService_CRUD(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryDishRepo()
	svc := NewDishService(repo, nil)

	dish := &domain.Dish{Name: "  Mapo Tofu ", Category: "sichuan", PriceCents: 2800, Status: 1}
	if err := svc.Create(ctx, dish); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if dish.ID == 0 || dish.Name != "Mapo Tofu" {
		t.Fatalf("created dish = %+v", dish)
	}

	got, err := svc.Get(ctx, dish.ID)
	if err != nil || got.Name != "Mapo Tofu" {
		t.Fatalf("Get() = %+v, %v", got, err)
	}

	got.PriceCents = 3000
	if err := svc.Update(ctx, got); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if repo.dishes[dish.ID].PriceCents != 3000 {
		t.Error("update not persisted")
	}

	if err := svc.Delete(ctx, []uint{dish.ID}); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := svc.Get(ctx, dish.ID); !errors.Is(err, ErrDishNotFound) {
		t.Errorf("Get() after delete error = %v", err)
	}
}

func TestDishService_Validation(t *testing.T) {
	tests := []struct {
		name string
		dish domain.Dish
	}{
		{"blank name", domain.Dish{Name: "   "}},
		{"negative price", domain.Dish{Name: "x", PriceCents: -1}},
		{"bad status", domain.Dish{Name: "x", Status: 7}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewDishService(newMemoryDishRepo(), nil)
			dish := tt.dish
			if err := svc.Create(context.Background(), &dish); !errors.Is(err, ErrDishInvalidInput) {
				t.Errorf("Create() error = %v, want ErrDishInvalidInput", err)
			}
		})
	}
}

func TestDishService_UpdateMissing(t *testing.T) {
	svc := NewDishService(newMemoryDishRepo(), nil)

	err := svc.Update(context.Background(), &domain.Dish{ID: 42, Name: "ghost"})
	if !errors.Is(err, ErrDishNotFound) {
		t.Errorf("Update() error = %v, want ErrDishNotFound", err)
	}
	if err := svc.Update(context.Background(), &domain.Dish{Name: "no id"}); !errors.Is(err, ErrDishInvalidInput) {
		t.Errorf("Update() without id error = %v", err)
	}
	if err := svc.Delete(context.Background(), nil); !errors.Is(err, ErrDishInvalidInput) {
		t.Errorf("Delete(nil) error = %v", err)
	}
}

func TestDishService_ListClampsPage(t *testing.T) {
	repo := newMemoryDishRepo()
	svc := NewDishService(repo, nil)

	tests := []struct {
		in, want int
	}{
		{0, defaultDishPageSize},
		{25, 25},
		{5000, maxDishPageSize},
	}
	for _, tt := range tests {
		if _, _, err := svc.List(context.Background(), domain.DishFilter{Limit: tt.in, Offset: -3}); err != nil {
			t.Fatal(err)
		}
		if repo.last.Limit != tt.want || repo.last.Offset != 0 {
			t.Errorf("List(limit=%d) passed %+v", tt.in, repo.last)
		}
	}
}
