package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher publishes notifications on <prefix><address> so other
// processes (an API gateway, another notifier) can fan them out.
type RedisPublisher struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisPublisher parses a redis URL and creates a publisher.
func NewRedisPublisher(url, prefix string) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return NewRedisPublisherWithClient(redis.NewClient(opts), prefix), nil
}

// NewRedisPublisherWithClient wraps an existing client.
func NewRedisPublisherWithClient(client redis.UniversalClient, prefix string) *RedisPublisher {
	return &RedisPublisher{client: client, prefix: prefix}
}

// Channel returns the channel messages for address are published on.
func (p *RedisPublisher) Channel(address string) string {
	return p.prefix + strings.ToLower(address)
}

func (p *RedisPublisher) Notify(ctx context.Context, address string, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	if err := p.client.Publish(ctx, p.Channel(address), data).Err(); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

// Ping checks the redis connection.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Close closes the redis client.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
