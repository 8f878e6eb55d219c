package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"adventure-server/internal/interfaces"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

var (
	// ErrDispatchQueueFull - локальная очередь переполнена; задачу подберет поллер.
	ErrDispatchQueueFull = errors.New("dispatch queue is full")
	// ErrDispatcherClosed - диспетчер уже закрыт.
	ErrDispatcherClosed = errors.New("dispatcher is closed")
)

// ChannelDispatcher доставляет задачи внутри процесса через буферизованный канал.
type ChannelDispatcher struct {
	ch        chan uuid.UUID
	done      chan struct{}
	closeOnce sync.Once
}

var _ interfaces.Dispatcher = (*ChannelDispatcher)(nil)

func NewChannelDispatcher(size int) *ChannelDispatcher {
	return &ChannelDispatcher{
		ch:   make(chan uuid.UUID, size),
		done: make(chan struct{}),
	}
}

// Dispatch не блокируется: при полной очереди возвращает ErrDispatchQueueFull.
func (d *ChannelDispatcher) Dispatch(_ context.Context, id uuid.UUID) error {
	select {
	case <-d.done:
		return ErrDispatcherClosed
	default:
	}
	select {
	case d.ch <- id:
		return nil
	default:
		return ErrDispatchQueueFull
	}
}

func (d *ChannelDispatcher) Consume(ctx context.Context, handler func(id uuid.UUID)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.done:
			return nil
		case id := <-d.ch:
			handler(id)
		}
	}
}

func (d *ChannelDispatcher) Close() error {
	d.closeOnce.Do(func() { close(d.done) })
	return nil
}

// RabbitMQDispatcher публикует id задач в durable очередь и читает их оттуда.
// Подтверждение (ack) отправляется после передачи задачи в локальную очередь воркеров;
// задачи, потерянные между ack и claim, подбирает поллер.
type RabbitMQDispatcher struct {
	conn      *amqp.Connection
	pubMu     sync.Mutex
	pubCh     *amqp.Channel
	queueName string
	prefetch  int
	logger    *zap.Logger
}

var _ interfaces.Dispatcher = (*RabbitMQDispatcher)(nil)

// NewRabbitMQDispatcher объявляет очередь задач и открывает канал публикации.
func NewRabbitMQDispatcher(conn *amqp.Connection, queueName string, prefetch int, logger *zap.Logger) (*RabbitMQDispatcher, error) {
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
		nil,
	); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("не удалось объявить очередь задач '%s': %w", queueName, err)
	}
	if prefetch <= 0 {
		prefetch = 1
	}
	return &RabbitMQDispatcher{
		conn:      conn,
		pubCh:     ch,
		queueName: queueName,
		prefetch:  prefetch,
		logger:    logger.Named("RabbitMQDispatcher"),
	}, nil
}

func (d *RabbitMQDispatcher) Dispatch(ctx context.Context, id uuid.UUID) error {
	d.pubMu.Lock()
	defer d.pubMu.Unlock()

	err := d.pubCh.PublishWithContext(ctx,
		"",
		d.queueName,
		false,
		false,
		amqp.Publishing{
			ContentType:  "text/plain",
			DeliveryMode: amqp.Persistent,
			Body:         []byte(id.String()),
			Timestamp:    time.Now(),
			AppId:        "adventure-server",
			MessageId:    id.String(),
		},
	)
	if err != nil {
		return fmt.Errorf("ошибка публикации задачи %s: %w", id, err)
	}
	return nil
}

// Consume читает очередь задач на отдельном канале до отмены ctx.
func (d *RabbitMQDispatcher) Consume(ctx context.Context, handler func(id uuid.UUID)) error {
	ch, err := d.conn.Channel()
	if err != nil {
		return fmt.Errorf("не удалось открыть канал потребителя: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(d.prefetch, 0, false); err != nil {
		return fmt.Errorf("не удалось установить prefetch: %w", err)
	}

	consumerTag := fmt.Sprintf("adventure_worker_%d", time.Now().UnixNano())
	deliveries, err := ch.Consume(
		d.queueName,
		consumerTag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("не удалось подписаться на очередь '%s': %w", d.queueName, err)
	}
	d.logger.Info("Consuming job queue", zap.String("queue", d.queueName), zap.Int("prefetch", d.prefetch))

	for {
		select {
		case <-ctx.Done():
			_ = ch.Cancel(consumerTag, false)
			return nil
		case msg, ok := <-deliveries:
			if !ok {
				return errors.New("канал доставки RabbitMQ закрыт")
			}
			id, err := uuid.Parse(string(msg.Body))
			if err != nil {
				d.logger.Error("Invalid job id in message, dropping", zap.ByteString("body", msg.Body), zap.Error(err))
				_ = msg.Nack(false, false)
				continue
			}
			handler(id)
			if err := msg.Ack(false); err != nil {
				d.logger.Error("Failed to ack job message", zap.String("job_id", id.String()), zap.Error(err))
			}
		}
	}
}

func (d *RabbitMQDispatcher) Close() error {
	return d.pubCh.Close()
}
