// Package realtime публикует события поддержки для виджета и админки.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"support-bridge/internal/domain"
	"support-bridge/internal/infra/metrics"
)

// Encode сериализует событие в полезную нагрузку канала.
func Encode(event domain.RealtimeEvent) ([]byte, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return payload, nil
}

// RedisBroadcaster публикует события через Redis Pub/Sub.
type RedisBroadcaster struct {
	client *redis.Client
}

// NewRedisBroadcaster создаёт публикатор.
func NewRedisBroadcaster(client *redis.Client) *RedisBroadcaster {
	return &RedisBroadcaster{client: client}
}

// Publish отправляет событие во все каналы одним pipeline.
func (b *RedisBroadcaster) Publish(ctx context.Context, channels []string, event domain.RealtimeEvent) error {
	if len(channels) == 0 {
		return nil
	}
	payload, err := Encode(event)
	if err != nil {
		return err
	}
	start := time.Now()
	_, err = b.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, ch := range channels {
			p.Publish(ctx, ch, payload)
		}
		return nil
	})
	metrics.ObserveNetworkRequest("redis", "publish", string(event.Type), start, err)
	if err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

var _ domain.Broadcaster = (*RedisBroadcaster)(nil)
