package interfaces

import (
	"context"
	"time"

	"adventure-server/internal/models"

	"github.com/google/uuid"
)

// JobRepository - хранилище записей о задачах генерации (таблица story_jobs).
// Все переходы статусов выполняются условными UPDATE: запись меняет только тот,
// кто застал ее в ожидаемом статусе.
type JobRepository interface {
	// Create создает задачу в статусе pending.
	Create(ctx context.Context, theme string) (*models.Job, error)
	// GetByID возвращает задачу или models.ErrNotFound.
	GetByID(ctx context.Context, id uuid.UUID) (*models.Job, error)
	// Claim атомарно переводит pending -> processing.
	// Если задача уже не в pending, возвращает models.ErrJobAlreadyClaimed.
	Claim(ctx context.Context, id uuid.UUID) (*models.Job, error)
	// Heartbeat продлевает аренду задачи в processing.
	// Если задача уже не в processing, возвращает models.ErrInvalidTransition.
	Heartbeat(ctx context.Context, id uuid.UUID) error
	// Complete переводит processing -> completed и записывает story_id.
	Complete(ctx context.Context, id uuid.UUID, storyID int64) (*models.Job, error)
	// Fail переводит processing -> failed и записывает сообщение об ошибке.
	Fail(ctx context.Context, id uuid.UUID, message string) (*models.Job, error)
	// ListPending возвращает самые старые ожидающие задачи.
	ListPending(ctx context.Context, limit int) ([]*models.Job, error)
	// FailStale переводит в failed задачи в processing, чья аренда не продлевалась дольше olderThan.
	FailStale(ctx context.Context, olderThan time.Duration, message string) ([]uuid.UUID, error)
}

// StoryRepository - шлюз сохранения построенного дерева истории.
type StoryRepository interface {
	// Save атомарно сохраняет граф и возвращает id истории.
	Save(ctx context.Context, graph *models.StoryGraph) (int64, error)
	// SaveAndComplete в одной транзакции сохраняет граф и переводит задачу
	// processing -> completed. Если переход невозможен, история не сохраняется.
	SaveAndComplete(ctx context.Context, jobID uuid.UUID, graph *models.StoryGraph) (*models.Job, error)
	// LoadGraph читает сохраненную историю обратно в граф.
	LoadGraph(ctx context.Context, storyID int64) (*models.Story, *models.StoryGraph, error)
}
