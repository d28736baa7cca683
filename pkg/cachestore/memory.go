package cachestore

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/nexus-kernel/nexus/pkg/metrics"
)

type cacheEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e cacheEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryCacheStore is the in-process CacheStore driver for single-node
// deployments: a sweep goroutine on a ticker expires stale entries, and
// per-channel subscriber sets keep publishes fanning out only to the
// channel they targeted.
type MemoryCacheStore struct {
	mu          sync.RWMutex
	entries     map[string]cacheEntry
	subscribers map[string]map[chan []byte]struct{}
	stopCh      chan struct{}
}

// NewMemoryCacheStore creates a driver and starts its expiry sweep loop.
func NewMemoryCacheStore() *MemoryCacheStore {
	s := &MemoryCacheStore{
		entries:     make(map[string]cacheEntry),
		subscribers: make(map[string]map[chan []byte]struct{}),
		stopCh:      make(chan struct{}),
	}
	go s.sweep()
	return s
}

func (s *MemoryCacheStore) sweep() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for k, e := range s.entries {
				if e.expired(now) {
					delete(s.entries, k)
				}
			}
			s.mu.Unlock()
		case <-s.stopCh:
			return
		}
	}
}

func (s *MemoryCacheStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	s.mu.Lock()
	s.entries[key] = cacheEntry{value: append([]byte(nil), value...), expiresAt: expiresAt}
	s.mu.Unlock()
	return nil
}

func (s *MemoryCacheStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok || e.expired(time.Now()) {
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

func (s *MemoryCacheStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryCacheStore) DeleteByPrefix(ctx context.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.entries {
		if strings.HasPrefix(k, prefix) {
			delete(s.entries, k)
		}
	}
	return nil
}

func (s *MemoryCacheStore) Publish(ctx context.Context, channel string, payload []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for sub := range s.subscribers[channel] {
		select {
		case sub <- payload:
		default:
			// subscriber buffer full, drop (matches Broker.broadcast's policy)
		}
	}
	return nil
}

func (s *MemoryCacheStore) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	sub := make(chan []byte, 50)

	s.mu.Lock()
	if s.subscribers[channel] == nil {
		s.subscribers[channel] = make(map[chan []byte]struct{})
	}
	s.subscribers[channel][sub] = struct{}{}
	s.mu.Unlock()

	unsubscribe := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if subs, ok := s.subscribers[channel]; ok {
			delete(subs, sub)
			if len(subs) == 0 {
				delete(s.subscribers, channel)
			}
		}
		close(sub)
	}

	return sub, unsubscribe, nil
}

func (s *MemoryCacheStore) Close() error {
	close(s.stopCh)
	return nil
}

func (s *MemoryCacheStore) Probe() metrics.PillarHealth {
	return metrics.PillarHealth{Name: "cachestore", Healthy: true}
}
