package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ProgressUpdate is the message published on a generation's progress channel
// and streamed to SSE subscribers.
type ProgressUpdate struct {
	GenerationID uuid.UUID `json:"generation_id"`
	Event        string    `json:"event"`
	Status       string    `json:"status"`
	Progress     float64   `json:"progress"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Cache is the Redis-backed interface for ephemeral state: generation status
// caching, live progress pub/sub, and rate-limit counters.
// Implementations must be safe for concurrent use.
type Cache interface {
	Ping(ctx context.Context) error
	SetGenerationStatus(ctx context.Context, id uuid.UUID, status string, ttl time.Duration) error
	GetGenerationStatus(ctx context.Context, id uuid.UUID) (string, bool, error)
	PublishProgress(ctx context.Context, update ProgressUpdate) error
	SubscribeProgress(ctx context.Context, id uuid.UUID) (<-chan ProgressUpdate, func(), error)
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
}

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) SetGenerationStatus(ctx context.Context, id uuid.UUID, status string, ttl time.Duration) error {
	return c.client.Set(ctx, GenerationStatusKey(id), status, ttl).Err()
}

func (c *RedisCache) GetGenerationStatus(ctx context.Context, id uuid.UUID) (string, bool, error) {
	val, err := c.client.Get(ctx, GenerationStatusKey(id)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// PublishProgress fans a progress update out to live stream subscribers.
// Publishes are fire-and-forget: a generation with no watchers drops the
// message, which is fine because the row is the durable record.
func (c *RedisCache) PublishProgress(ctx context.Context, update ProgressUpdate) error {
	payload, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("encode progress update: %w", err)
	}
	return c.client.Publish(ctx, ProgressChannelKey(update.GenerationID), payload).Err()
}

// SubscribeProgress subscribes to a generation's progress channel. The
// returned cancel func must be called to release the subscription; the
// channel closes when the context ends or cancel is called.
func (c *RedisCache) SubscribeProgress(ctx context.Context, id uuid.UUID) (<-chan ProgressUpdate, func(), error) {
	sub := c.client.Subscribe(ctx, ProgressChannelKey(id))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, nil, fmt.Errorf("subscribe progress: %w", err)
	}

	out := make(chan ProgressUpdate, 16)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var update ProgressUpdate
			if err := json.Unmarshal([]byte(msg.Payload), &update); err != nil {
				continue
			}
			select {
			case out <- update:
			case <-ctx.Done():
				return
			}
		}
	}()

	cancel := func() { sub.Close() }
	return out, cancel, nil
}

func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
