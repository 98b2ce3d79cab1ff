package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/perago/internal/common"
	"github.com/ternarybob/perago/internal/models"
)

// RedisTransport publishes events as JSON on a Redis pub/sub channel.
// Delivery is fire-and-forget on the Redis side, matching the best-effort
// transport contract.
type RedisTransport struct {
	client  *redis.Client
	channel string
	logger  arbor.ILogger
}

// NewRedisTransport connects a Redis pub/sub transport
func NewRedisTransport(logger arbor.ILogger, config common.RedisTransportConfig) (*RedisTransport, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
	})

	channel := config.Channel
	if channel == "" {
		channel = "perago:events"
	}

	return &RedisTransport{
		client:  client,
		channel: channel,
		logger:  logger,
	}, nil
}

func (t *RedisTransport) Name() string { return "redis" }

func (t *RedisTransport) Send(ctx context.Context, event *models.DomainEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event %s: %w", event.ID, err)
	}
	if err := t.client.Publish(ctx, t.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish event %s: %w", event.ID, err)
	}
	return nil
}

func (t *RedisTransport) Close() error {
	return t.client.Close()
}
