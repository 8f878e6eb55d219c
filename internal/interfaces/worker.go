package interfaces

import (
	"context"

	"adventure-server/internal/models"

	"github.com/google/uuid"
)

// TreeBuilder строит дерево истории в памяти.
type TreeBuilder interface {
	Build(ctx context.Context, theme string, check func(ctx context.Context) error) (*models.StoryGraph, error)
}

// CancelStore хранит флаги отмены задач, видимые всем экземплярам сервиса.
type CancelStore interface {
	Set(ctx context.Context, id uuid.UUID) error
	IsSet(ctx context.Context, id uuid.UUID) (bool, error)
	Clear(ctx context.Context, id uuid.UUID) error
}

// Dispatcher доставляет id задач воркерам.
// Доставка "хотя бы один раз": дубли отсекаются шагом Claim.
type Dispatcher interface {
	Dispatch(ctx context.Context, id uuid.UUID) error
	// Consume запускает доставку в handler до отмены ctx.
	Consume(ctx context.Context, handler func(id uuid.UUID)) error
	Close() error
}

// Notifier получает события об изменении статуса задач.
type Notifier interface {
	Notify(ctx context.Context, event models.JobEvent) error
}

// JobService - операции над задачами, доступные HTTP слою.
type JobService interface {
	Submit(ctx context.Context, theme string) (*models.Job, error)
	GetStatus(ctx context.Context, id uuid.UUID) (*models.Job, error)
	Cancel(ctx context.Context, id uuid.UUID) (*models.Job, error)
}
