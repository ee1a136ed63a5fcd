// Package natskv implements the cache port on a NATS JetStream KV bucket.
// It is the second, shared level of the file content cache.
package natskv

import (
	"context"
	"errors"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Cache stores file contents in a KV bucket. Entry lifetime is the bucket's
// TTL; the per-call ttl is ignored.
type Cache struct {
	kv       jetstream.KeyValue
	maxValue int
}

// New wraps kv. Values larger than maxValue bytes are not stored; zero
// stores everything.
func New(kv jetstream.KeyValue, maxValue int) *Cache {
	return &Cache{kv: kv, maxValue: maxValue}
}

// Get returns the content stored under key.
func (c *Cache) Get(ctx context.Context, key string) (data []byte, ok bool, err error) {
	entry, err := c.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return entry.Value(), true, nil
}

// Set stores content under key.
func (c *Cache) Set(ctx context.Context, key string, value []byte, _ time.Duration) error {
	if c.maxValue > 0 && len(value) > c.maxValue {
		return nil
	}
	_, err := c.kv.Put(ctx, key, value)
	return err
}

// Delete removes key.
func (c *Cache) Delete(ctx context.Context, key string) error {
	err := c.kv.Delete(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	return err
}
