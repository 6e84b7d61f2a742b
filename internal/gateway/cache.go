package gateway

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"pong-server/internal/pong"
)

// Cache keeps point targets in Redis in front of another gateway. Redis
// failures are logged and fall through to the wrapped gateway.
type Cache struct {
	next   Gateway
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewCache(next Gateway, client *redis.Client, ttl time.Duration, logger *zap.Logger) *Cache {
	return &Cache{
		next:   next,
		client: client,
		ttl:    ttl,
		logger: logger,
	}
}

// NewRedisClient parses redisURL and verifies the server responds.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

func pointsKey(roomID int64) string {
	return fmt.Sprintf("pong:room:%d:points", roomID)
}

func (c *Cache) PointTarget(ctx context.Context, roomID int64) (int, error) {
	key := pointsKey(roomID)

	val, err := c.client.Get(ctx, key).Result()
	switch {
	case err == nil:
		if points, convErr := strconv.Atoi(val); convErr == nil {
			return points, nil
		}
		c.logger.Warn("discarding corrupt cached point target",
			zap.String("key", key), zap.String("value", val))
	case errors.Is(err, redis.Nil):
	default:
		c.logger.Warn("point target cache read failed", zap.String("key", key), zap.Error(err))
	}

	points, err := c.next.PointTarget(ctx, roomID)
	if err != nil {
		return 0, err
	}

	if err := c.client.Set(ctx, key, points, c.ttl).Err(); err != nil {
		c.logger.Warn("point target cache write failed", zap.String("key", key), zap.Error(err))
	}
	return points, nil
}

// PersistOutcome writes through and drops the cached target of the room.
func (c *Cache) PersistOutcome(ctx context.Context, outcome pong.Outcome) error {
	if err := c.next.PersistOutcome(ctx, outcome); err != nil {
		return err
	}

	if err := c.client.Del(ctx, pointsKey(outcome.Key.RoomID)).Err(); err != nil {
		c.logger.Warn("point target cache invalidate failed",
			zap.Int64("room_id", outcome.Key.RoomID), zap.Error(err))
	}
	return nil
}

// Ping checks Redis and, when it can, the wrapped gateway.
func (c *Cache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	if p, ok := c.next.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}
