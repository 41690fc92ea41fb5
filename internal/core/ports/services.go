package ports

import (
	"context"
	"io"

	"github.com/probehub/backend/internal/core/services/logstream"
	"github.com/probehub/backend/internal/domain"
)

type TaskService interface {
	StartTask(ctx context.Context, input StartTaskInput) (*domain.Task, error)
	StopTask(ctx context.Context, taskID string) (*domain.StopResult, error)
	GetTask(taskID string) (*domain.Task, error)
	ListTasks() []*domain.Task
	Subscribe(taskID string) (*logstream.Subscriber, error)
	Transcript(taskID string) ([]string, error)
}

type StartTaskInput struct {
	TaskID string
	Kind   domain.JobKind
	Params map[string]string
}

type ReportService interface {
	GetReportPath(taskID string) string
	ReportInfo(taskID string) (*domain.ReportInfo, error)
	FetchReport(ctx context.Context, taskID string) (*domain.Report, error)
}

type UploadService interface {
	Upload(ctx context.Context, originalName string, size int64, src io.Reader) (*domain.UploadedFile, error)
}

type DishService interface {
	List(ctx context.Context, filter domain.DishFilter) ([]domain.Dish, int64, error)
	Get(ctx context.Context, id uint) (*domain.Dish, error)
	Create(ctx context.Context, dish *domain.Dish) error
	Update(ctx context.Context, dish *domain.Dish) error
	Delete(ctx context.Context, ids []uint) error
	Export(ctx context.Context, filter domain.DishFilter) ([]byte, error)
}
