package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"support-bridge/internal/domain"
	"support-bridge/internal/infra/metrics"
)

// RabbitBroadcaster публикует события в topic exchange; ключ маршрутизации — имя канала.
type RabbitBroadcaster struct {
	conn     *amqp.Connection
	exchange string

	mu sync.Mutex
	ch *amqp.Channel
}

// NewRabbitBroadcaster подключается к брокеру и объявляет exchange.
func NewRabbitBroadcaster(url, exchange string) (*RabbitBroadcaster, error) {
	if url == "" {
		return nil, errors.New("amqp url is empty")
	}
	if exchange == "" {
		return nil, errors.New("exchange name is empty")
	}
	start := time.Now()
	conn, err := amqp.Dial(url)
	metrics.ObserveNetworkRequest("rabbitmq", "dial", exchange, start, err)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	b := &RabbitBroadcaster{conn: conn, exchange: exchange}
	if _, err := b.channel(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return b, nil
}

// channel возвращает открытый канал, пересоздавая его после закрытия брокером.
func (b *RabbitBroadcaster) channel() (*amqp.Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ch != nil && !b.ch.IsClosed() {
		return b.ch, nil
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(b.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	b.ch = ch
	return ch, nil
}

// Publish отправляет событие с ключом маршрутизации по каждому каналу.
func (b *RabbitBroadcaster) Publish(ctx context.Context, channels []string, event domain.RealtimeEvent) error {
	if len(channels) == 0 {
		return nil
	}
	payload, err := Encode(event)
	if err != nil {
		return err
	}
	ch, err := b.channel()
	if err != nil {
		return err
	}
	for _, key := range channels {
		start := time.Now()
		err := ch.PublishWithContext(ctx, b.exchange, key, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Transient,
			Timestamp:    event.OccurredAt,
			Type:         string(event.Type),
			Body:         payload,
		})
		metrics.ObserveNetworkRequest("rabbitmq", "publish", b.exchange, start, err)
		if err != nil {
			return fmt.Errorf("publish %s: %w", key, err)
		}
	}
	return nil
}

// Close закрывает канал и соединение.
func (b *RabbitBroadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ch != nil {
		_ = b.ch.Close()
	}
	return b.conn.Close()
}

var _ domain.Broadcaster = (*RabbitBroadcaster)(nil)
