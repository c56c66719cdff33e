package events

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisForwarder pushes events of one type onto a Redis list that an
// external worker drains with BRPOP.
type RedisForwarder struct {
	redis   redis.Cmdable
	listKey string
	ttl     time.Duration
	logger  *zap.Logger
}

// NewRedisForwarder creates a forwarder writing to listKey. Entries expire with
// the list after ttl of inactivity, so undelivered codes do not linger.
func NewRedisForwarder(rdb redis.Cmdable, listKey string, ttl time.Duration, logger *zap.Logger) *RedisForwarder {
	return &RedisForwarder{
		redis:   rdb,
		listKey: listKey,
		ttl:     ttl,
		logger:  logger.With(zap.String("component", "event_forwarder")),
	}
}

// Attach subscribes the forwarder to eventType on bus
func (f *RedisForwarder) Attach(bus Bus, eventType string) func() {
	return bus.Subscribe(eventType, f.Handle)
}

// Handle writes a single event to the list
func (f *RedisForwarder) Handle(ctx context.Context, event Event) error {
	data, err := event.JSON()
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.ID, err)
	}

	pipe := f.redis.TxPipeline()
	pipe.LPush(ctx, f.listKey, data)
	if f.ttl > 0 {
		pipe.Expire(ctx, f.listKey, f.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		f.logger.Error("Failed to forward event",
			zap.String("event_id", event.ID),
			zap.String("event_type", event.Type),
			zap.Error(err))
		return fmt.Errorf("forward event %s: %w", event.ID, err)
	}
	return nil
}
