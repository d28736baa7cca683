package cachestore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nexus-kernel/nexus/pkg/kernel"
	"github.com/nexus-kernel/nexus/pkg/metrics"
)

// RedisCacheStore is the shared-server CacheStore driver for multi-node
// deployments, backed by Redis SET/PX and PUBLISH/SUBSCRIBE.
type RedisCacheStore struct {
	client *redis.Client
}

// NewRedisCacheStore connects to addr (host:port).
func NewRedisCacheStore(addr, password string, db int) *RedisCacheStore {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	return &RedisCacheStore{client: client}
}

func (s *RedisCacheStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return kernel.Errorf(kernel.Internal, "cachestore.Set", err).WithPath(key)
	}
	return nil
}

func (s *RedisCacheStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, kernel.Errorf(kernel.Internal, "cachestore.Get", err).WithPath(key)
	}
	return value, true, nil
}

func (s *RedisCacheStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return kernel.Errorf(kernel.Internal, "cachestore.Delete", err).WithPath(key)
	}
	return nil
}

func (s *RedisCacheStore) DeleteByPrefix(ctx context.Context, prefix string) error {
	iter := s.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return kernel.Errorf(kernel.Internal, "cachestore.DeleteByPrefix", err).WithPath(prefix)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return kernel.Errorf(kernel.Internal, "cachestore.DeleteByPrefix", err).WithPath(prefix)
	}
	return nil
}

func (s *RedisCacheStore) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := s.client.Publish(ctx, channel, payload).Err(); err != nil {
		return kernel.Errorf(kernel.Internal, "cachestore.Publish", err).WithPath(channel)
	}
	return nil
}

func (s *RedisCacheStore) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	pubsub := s.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, nil, kernel.Errorf(kernel.Internal, "cachestore.Subscribe", err).WithPath(channel)
	}

	out := make(chan []byte, 50)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			select {
			case out <- []byte(msg.Payload):
			default:
			}
		}
	}()

	unsubscribe := func() {
		pubsub.Close()
	}
	return out, unsubscribe, nil
}

func (s *RedisCacheStore) Close() error {
	return s.client.Close()
}

func (s *RedisCacheStore) Probe() metrics.PillarHealth {
	if err := s.client.Ping(context.Background()).Err(); err != nil {
		return metrics.PillarHealth{Name: "cachestore", Healthy: false, Message: err.Error()}
	}
	return metrics.PillarHealth{Name: "cachestore", Healthy: true}
}
