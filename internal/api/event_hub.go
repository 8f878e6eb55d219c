package api

import (
	"context"
	"sync"

	"adventure-server/internal/interfaces"
	"adventure-server/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const subscriberBuffer = 16

// EventHub раздает события задач подписчикам websocket в этом процессе.
type EventHub struct {
	mu     sync.RWMutex
	subs   map[uuid.UUID]map[chan models.JobEvent]struct{}
	logger *zap.Logger
}

var _ interfaces.Notifier = (*EventHub)(nil)

func NewEventHub(logger *zap.Logger) *EventHub {
	return &EventHub{
		subs:   make(map[uuid.UUID]map[chan models.JobEvent]struct{}),
		logger: logger.Named("EventHub"),
	}
}

// Subscribe подписывает на события задачи. Вызывающий обязан вызвать unsubscribe.
func (h *EventHub) Subscribe(id uuid.UUID) (<-chan models.JobEvent, func()) {
	ch := make(chan models.JobEvent, subscriberBuffer)

	h.mu.Lock()
	if h.subs[id] == nil {
		h.subs[id] = make(map[chan models.JobEvent]struct{})
	}
	h.subs[id][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[id], ch)
			if len(h.subs[id]) == 0 {
				delete(h.subs, id)
			}
			h.mu.Unlock()
		})
	}
}

// Notify не блокируется: медленный подписчик теряет событие.
func (h *EventHub) Notify(_ context.Context, event models.JobEvent) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[event.JobID] {
		select {
		case ch <- event:
		default:
			h.logger.Warn("Subscriber is too slow, event dropped",
				zap.String("job_id", event.JobID.String()),
				zap.String("status", string(event.Status)))
		}
	}
	return nil
}

// Subscribers возвращает число подписчиков задачи.
func (h *EventHub) Subscribers(id uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[id])
}
