// Package cache coalesces reads, caches resolved values with a TTL, and
// rate-limits callers. It is a read-through cache: values are opaque JSON
// resolved in batches, and concurrent fetches of the same key within a
// process share one resolver call. Cross-process coalescing is not
// promised; two workers may resolve the same key at once.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/petrijr/chirp/pkg/ups"
)

// keyPrefix namespaces every cache key. The braces make the whole prefix a
// Redis hash tag, keeping cluster slots stable.
const keyPrefix = "{global}:cache"

// Driver is the cache storage backend.
type Driver interface {
	// Get returns the value at key, or ok=false when absent or expired.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	// Set stores value at key for ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error
	// Incr atomically increments the counter at key and sets its expiry to
	// ttl, returning the post-increment count.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Close() error
}

// Config tunes the cache layer.
type Config struct {
	// TTL is how long resolved values stay cached.
	TTL time.Duration
	// RateLimitDisabled makes RateLimit report every bucket valid.
	RateLimitDisabled bool

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = 5 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Cache is the coalescing read-through cache. Safe for concurrent use.
type Cache struct {
	driver Driver
	bus    ups.PubSub
	cfg    Config
	log    *slog.Logger

	mu      sync.Mutex
	pending map[string]*fetch
}

// fetch is one in-flight resolution of a single key. Followers wait on done
// and read value/err afterwards.
type fetch struct {
	done  chan struct{}
	value json.RawMessage
	err   error
}

// New builds a cache over the given driver. The bus carries purge
// broadcasts and may be nil for purely local caches.
func New(driver Driver, bus ups.PubSub, cfg Config) *Cache {
	cfg = cfg.withDefaults()
	return &Cache{
		driver:  driver,
		bus:     bus,
		cfg:     cfg,
		log:     cfg.Logger.With("component", "cache"),
		pending: map[string]*fetch{},
	}
}

// Handle collects resolved values inside a resolver call.
type Handle struct {
	mu     sync.Mutex
	values map[string]json.RawMessage
}

// Resolve records the value for one of the requested keys.
func (h *Handle) Resolve(key string, value json.RawMessage) {
	h.mu.Lock()
	h.values[key] = value
	h.mu.Unlock()
}

// Resolver loads the values for keys the cache is missing. It must call
// h.Resolve for every key it could load; keys it leaves unresolved are
// treated as absent and not cached.
type Resolver func(ctx context.Context, h *Handle, missing []string) error

// FetchAllJSON returns a value per key, serving cached keys immediately and
// batching the rest into one resolver call. At most one resolver runs per
// (baseKey, key) within the process at a time; concurrent callers for the
// same key share its result.
func (c *Cache) FetchAllJSON(ctx context.Context, baseKey string, keys []string, resolver Resolver) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(keys))

	var missing []string
	var followed []string
	follows := map[string]*fetch{}
	leads := map[string]*fetch{}

	for _, key := range keys {
		if _, dup := out[key]; dup {
			continue
		}
		full := valueKey(baseKey, key)
		if buf, ok, err := c.driver.Get(ctx, full); err != nil {
			c.log.Warn("cache read failed", "base_key", baseKey, "key", key, "error", err)
		} else if ok {
			out[key] = buf
			continue
		}

		c.mu.Lock()
		if f, inFlight := c.pending[full]; inFlight {
			follows[key] = f
			followed = append(followed, key)
		} else {
			f := &fetch{done: make(chan struct{})}
			c.pending[full] = f
			leads[key] = f
			missing = append(missing, key)
		}
		c.mu.Unlock()
	}

	if len(missing) > 0 {
		h := &Handle{values: map[string]json.RawMessage{}}
		err := resolver(ctx, h, missing)

		c.mu.Lock()
		for key, f := range leads {
			f.value, f.err = h.values[key], err
			delete(c.pending, valueKey(baseKey, key))
			close(f.done)
		}
		c.mu.Unlock()
		if err != nil {
			return nil, err
		}

		for key, f := range leads {
			if f.value == nil {
				continue
			}
			out[key] = f.value
			if err := c.driver.Set(ctx, valueKey(baseKey, key), f.value, c.cfg.TTL); err != nil {
				c.log.Warn("cache write failed", "base_key", baseKey, "key", key, "error", err)
			}
		}
	}

	for _, key := range followed {
		f := follows[key]
		select {
		case <-f.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if f.err != nil {
			return nil, f.err
		}
		if f.value != nil {
			out[key] = f.value
		}
	}
	return out, nil
}

// purgeEnvelope is the wire form of a purge broadcast.
type purgeEnvelope struct {
	BaseKey string   `json:"base_key"`
	Keys    []string `json:"keys"`
}

// PurgeGlobal drops the keys locally and broadcasts the invalidation to
// every datacenter over the bus.
func (c *Cache) PurgeGlobal(ctx context.Context, baseKey string, keys []string) error {
	if err := c.purgeLocal(ctx, baseKey, keys); err != nil {
		return err
	}
	if c.bus == nil {
		return nil
	}
	payload, err := json.Marshal(purgeEnvelope{BaseKey: baseKey, Keys: keys})
	if err != nil {
		return err
	}
	return c.bus.Publish(ctx, ups.SubjectCachePurge, payload)
}

func (c *Cache) purgeLocal(ctx context.Context, baseKey string, keys []string) error {
	full := make([]string, len(keys))
	for i, key := range keys {
		full[i] = valueKey(baseKey, key)
	}
	return c.driver.Delete(ctx, full...)
}

// HandlePurges applies purge broadcasts from other processes until ctx is
// cancelled. Callers run it in its own goroutine.
func (c *Cache) HandlePurges(ctx context.Context) error {
	if c.bus == nil {
		return nil
	}
	sub, err := c.bus.Subscribe(ctx, ups.SubjectCachePurge)
	if err != nil {
		return err
	}
	defer sub.Close()

	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		var env purgeEnvelope
		if err := json.Unmarshal(msg.Payload, &env); err != nil {
			c.log.Warn("malformed purge broadcast", "error", err)
			continue
		}
		if err := c.purgeLocal(ctx, env.BaseKey, env.Keys); err != nil {
			c.log.Warn("purge apply failed", "base_key", env.BaseKey, "error", err)
		}
	}
}

// Close releases the driver.
func (c *Cache) Close() error {
	return c.driver.Close()
}

func valueKey(baseKey, key string) string {
	return keyPrefix + ":" + baseKey + ":" + key
}
