package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"adventure-server/internal/interfaces"
	"adventure-server/internal/models"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const appID = "adventure-server"

// RabbitMQNotifier публикует события задач в очередь RabbitMQ.
type RabbitMQNotifier struct {
	mu        sync.Mutex
	channel   *amqp.Channel
	queueName string
	logger    *zap.Logger
}

var _ interfaces.Notifier = (*RabbitMQNotifier)(nil)

// NewRabbitMQNotifier открывает канал и объявляет durable очередь событий.
// Канал закрывается через Close.
func NewRabbitMQNotifier(conn *amqp.Connection, queueName string, logger *zap.Logger) (*RabbitMQNotifier, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("не удалось открыть канал RabbitMQ: %w", err)
	}
	if _, err := ch.QueueDeclare(
		queueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		amqp.Table{"x-queue-mode": "lazy"},
	); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("не удалось объявить очередь событий '%s': %w", queueName, err)
	}
	logger = logger.Named("RabbitMQNotifier")
	logger.Info("Job events queue declared", zap.String("queue", queueName))
	return &RabbitMQNotifier{channel: ch, queueName: queueName, logger: logger}, nil
}

// Notify публикует событие как persistent JSON сообщение.
func (n *RabbitMQNotifier) Notify(ctx context.Context, event models.JobEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("ошибка сериализации события задачи %s: %w", event.JobID, err)
	}

	n.mu.Lock()
	err = n.channel.PublishWithContext(ctx,
		"",
		n.queueName,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
			Timestamp:    time.Now(),
			AppId:        appID,
			MessageId:    fmt.Sprintf("%s-%s", event.JobID, event.Status),
		},
	)
	n.mu.Unlock()
	if err != nil {
		n.logger.Error("Failed to publish job event",
			zap.String("job_id", event.JobID.String()),
			zap.String("status", string(event.Status)),
			zap.Error(err))
		return fmt.Errorf("ошибка публикации события задачи %s: %w", event.JobID, err)
	}

	n.logger.Debug("Job event published",
		zap.String("job_id", event.JobID.String()),
		zap.String("status", string(event.Status)))
	return nil
}

// Close закрывает канал.
func (n *RabbitMQNotifier) Close() error {
	return n.channel.Close()
}

// MultiNotifier рассылает событие всем вложенным нотификаторам.
// Ошибка одного не мешает доставке остальным.
type MultiNotifier []interfaces.Notifier

func (m MultiNotifier) Notify(ctx context.Context, event models.JobEvent) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NoopNotifier ничего не делает.
type NoopNotifier struct{}

func (NoopNotifier) Notify(context.Context, models.JobEvent) error { return nil }
