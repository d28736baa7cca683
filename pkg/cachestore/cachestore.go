// Package cachestore implements the ephemeral key-value and pub/sub
// pillar: an in-process driver for single-node deployments and a redis
// driver for shared, multi-node deployments.
package cachestore

import (
	"context"
	"time"
)

// CacheStore is the ephemeral KV + pub/sub contract. Unlike Metastore,
// entries may be evicted at any time (TTL expiry or eviction pressure);
// nothing durable is ever stored here. Used for ReBAC result caching,
// group-closure version tokens, and filesystem change notifications on
// the `fs.events.{zone_id}` channel family.
type CacheStore interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	DeleteByPrefix(ctx context.Context, prefix string) error
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe returns a channel of payloads and an unsubscribe func.
	// The returned channel is closed once unsubscribe is called.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)

	Close() error
}
