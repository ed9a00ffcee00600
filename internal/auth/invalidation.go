package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/namphuong20146470/BE-IOMT-sub005/internal/ids"
	"github.com/namphuong20146470/BE-IOMT-sub005/internal/obs"
)

// DefaultInvalidationChannel is the Redis channel carrying cache invalidations.
const DefaultInvalidationChannel = "iomt:permission-invalidations"

// InvalidationScope selects which cache entries an event drops.
type InvalidationScope string

const (
	ScopeUsers InvalidationScope = "users"
	ScopeAll   InvalidationScope = "all"
)

// InvalidationEvent travels between instances sharing one database.
type InvalidationEvent struct {
	Origin  string            `json:"origin"`
	Scope   InvalidationScope `json:"scope"`
	UserIDs []string          `json:"user_ids,omitempty"`
}

// InvalidationBus propagates invalidations to other processes. Without a bus,
// other instances only converge after their own cache TTL expires.
type InvalidationBus interface {
	Publish(ctx context.Context, event InvalidationEvent) error
}

// RedisInvalidationBus publishes invalidations over Redis pub/sub.
type RedisInvalidationBus struct {
	client  *redis.Client
	channel string
	origin  string
}

// NewRedisInvalidationBus constructs a bus on channel (DefaultInvalidationChannel
// when empty). Each bus gets a unique origin so it can skip its own events.
func NewRedisInvalidationBus(client *redis.Client, channel string) (*RedisInvalidationBus, error) {
	if client == nil {
		return nil, errors.New("auth: redis client is required")
	}
	if channel == "" {
		channel = DefaultInvalidationChannel
	}
	return &RedisInvalidationBus{client: client, channel: channel, origin: ids.New()}, nil
}

// Origin identifies events published by this bus.
func (b *RedisInvalidationBus) Origin() string { return b.origin }

// Publish sends event to every subscriber.
func (b *RedisInvalidationBus) Publish(ctx context.Context, event InvalidationEvent) error {
	event.Origin = b.origin
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal invalidation: %w", err)
	}
	return b.client.Publish(ctx, b.channel, payload).Err()
}

// Run applies events from other instances to cache until ctx is done. The
// returned channel is closed once the subscription is confirmed.
func (b *RedisInvalidationBus) Run(ctx context.Context, cache *PermissionCache) (<-chan struct{}, error) {
	sub := b.client.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	ready := make(chan struct{})
	close(ready)

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event InvalidationEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					obs.Logger().Warn("invalidation bus: bad payload", zap.Error(err))
					continue
				}
				if event.Origin == b.origin {
					continue
				}
				cache.Apply(event)
			}
		}
	}()
	return ready, nil
}
