// Package valkey provides a Valkey cache driver backed by the go-redis
// client, which speaks RESP to both Valkey and Redis servers.
package valkey

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/redis/go-redis/v9"

	"github.com/tandemlist/tandem-go/internal/platform/cache"
)

func init() {
	cache.RegisterDriver("valkey", func(options map[string]any) (cache.CacheWithCounter, error) {
		var opts Options
		if options != nil {
			if err := mapstructure.Decode(options, &opts); err != nil {
				return nil, fmt.Errorf("invalid valkey cache options: %w", err)
			}
		}
		return New(&opts)
	})
}

// Options holds valkey driver configuration.
type Options struct {
	// URL is a redis:// connection URL. Takes precedence over Addr.
	URL string `mapstructure:"url"`

	// Addr is the host:port of the server. Default: "localhost:6379".
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Cache is a Valkey-backed cache.
type Cache struct {
	client     *redis.Client
	defaultTTL time.Duration
}

// New connects to the server and verifies the connection with a ping.
func New(opts *Options) (*Cache, error) {
	var clientOpts *redis.Options
	if opts.URL != "" {
		parsed, err := redis.ParseURL(opts.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid valkey url: %w", err)
		}
		clientOpts = parsed
	} else {
		addr := opts.Addr
		if addr == "" {
			addr = "localhost:6379"
		}
		clientOpts = &redis.Options{
			Addr:     addr,
			Password: opts.Password,
			DB:       opts.DB,
		}
	}

	client := redis.NewClient(clientOpts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("valkey ping failed: %w", err)
	}

	return &Cache{
		client:     client,
		defaultTTL: cache.TTLInviteLookup,
	}, nil
}

// NewWithClient wraps an existing client. Used by tests.
func NewWithClient(client *redis.Client) *Cache {
	return &Cache{
		client:     client,
		defaultTTL: cache.TTLInviteLookup,
	}
}

// Get retrieves a value by key.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, cache.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("valkey get: %w", err)
	}
	return value, nil
}

// Set stores a value with the given TTL.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("valkey set: %w", err)
	}
	return nil
}

// Delete removes a key.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("valkey del: %w", err)
	}
	return nil
}

// Exists checks if a key exists.
func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("valkey exists: %w", err)
	}
	return n > 0, nil
}

// Increment adds delta to a counter and returns the new value and reset
// time. The TTL is applied only when the key has none yet, so the window
// is anchored at the first increment.
func (c *Cache) Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, time.Time, error) {
	if ttl == 0 {
		ttl = c.defaultTTL
	}

	pipe := c.client.TxPipeline()
	incr := pipe.IncrBy(ctx, key, delta)
	pipe.ExpireNX(ctx, key, ttl)
	pttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, time.Time{}, fmt.Errorf("valkey incr: %w", err)
	}

	resetAt := time.Now().Add(pttl.Val())
	return incr.Val(), resetAt, nil
}

// GetCount returns the current counter value.
func (c *Cache) GetCount(ctx context.Context, key string) (int64, error) {
	n, err := c.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("valkey get count: %w", err)
	}
	return n, nil
}

// Reset removes a counter.
func (c *Cache) Reset(ctx context.Context, key string) error {
	return c.Delete(ctx, key)
}

// Close releases the client connection pool.
func (c *Cache) Close() error {
	return c.client.Close()
}

var _ cache.CacheWithCounter = (*Cache)(nil)
