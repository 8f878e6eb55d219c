package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"adventure-server/internal/interfaces"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// MemoryCancelStore хранит флаги отмены в памяти процесса.
type MemoryCancelStore struct {
	flags sync.Map
}

var _ interfaces.CancelStore = (*MemoryCancelStore)(nil)

func NewMemoryCancelStore() *MemoryCancelStore {
	return &MemoryCancelStore{}
}

func (s *MemoryCancelStore) Set(_ context.Context, id uuid.UUID) error {
	s.flags.Store(id, struct{}{})
	return nil
}

func (s *MemoryCancelStore) IsSet(_ context.Context, id uuid.UUID) (bool, error) {
	_, ok := s.flags.Load(id)
	return ok, nil
}

func (s *MemoryCancelStore) Clear(_ context.Context, id uuid.UUID) error {
	s.flags.Delete(id)
	return nil
}

// RedisCancelStore хранит флаги отмены в Redis, чтобы их видели все экземпляры.
// Флаг живет ttl: задача к этому времени давно завершена.
type RedisCancelStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

var _ interfaces.CancelStore = (*RedisCancelStore)(nil)

const cancelKeyPrefix = "job:cancel:"

func NewRedisCancelStore(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisCancelStore {
	return &RedisCancelStore{
		client: client,
		ttl:    ttl,
		logger: logger.Named("RedisCancelStore"),
	}
}

func cancelKey(id uuid.UUID) string {
	return cancelKeyPrefix + id.String()
}

func (s *RedisCancelStore) Set(ctx context.Context, id uuid.UUID) error {
	if err := s.client.Set(ctx, cancelKey(id), "1", s.ttl).Err(); err != nil {
		s.logger.Error("Failed to set cancel flag", zap.String("job_id", id.String()), zap.Error(err))
		return fmt.Errorf("ошибка установки флага отмены задачи %s: %w", id, err)
	}
	return nil
}

func (s *RedisCancelStore) IsSet(ctx context.Context, id uuid.UUID) (bool, error) {
	n, err := s.client.Exists(ctx, cancelKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("ошибка чтения флага отмены задачи %s: %w", id, err)
	}
	return n > 0, nil
}

func (s *RedisCancelStore) Clear(ctx context.Context, id uuid.UUID) error {
	if err := s.client.Del(ctx, cancelKey(id)).Err(); err != nil {
		return fmt.Errorf("ошибка удаления флага отмены задачи %s: %w", id, err)
	}
	return nil
}
