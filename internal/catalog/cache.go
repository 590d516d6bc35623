package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"restaurant-agent/internal/domain"
)

// ErrCacheMiss is returned by a Backend when the key is absent.
var ErrCacheMiss = errors.New("catalog: cache miss")

// CacheConfig configures the Redis read-through cache. An empty Addr
// disables caching.
type CacheConfig struct {
	Addr     string        `envconfig:"ADDR"`
	Password string        `envconfig:"PASSWORD"`
	DB       int           `envconfig:"DB" default:"0"`
	TTL      time.Duration `envconfig:"TTL" default:"5m"`
	Prefix   string        `envconfig:"PREFIX" default:"restaurant-agent:catalog:"`
}

// Source is the catalog the cache reads through to.
type Source interface {
	Profile(ctx context.Context, key string) (domain.RestaurantProfile, error)
	AvailableItems(ctx context.Context, key string) ([]domain.MenuItem, error)
	List(ctx context.Context) ([]domain.RestaurantSummary, error)
}

// Backend is the byte store behind Cached.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// RedisBackend adapts a go-redis client to Backend.
type RedisBackend struct {
	Client redis.UniversalClient
}

// NewRedisClient connects and pings Redis.
func NewRedisClient(ctx context.Context, cfg CacheConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("catalog: ping redis: %w", err)
	}
	return client, nil
}

func (b RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := b.Client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	return v, err
}

func (b RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return b.Client.Set(ctx, key, value, ttl).Err()
}

func (b RedisBackend) Del(ctx context.Context, keys ...string) error {
	return b.Client.Del(ctx, keys...).Err()
}

// Cached is a read-through cache in front of a Source. Concurrent misses
// for one key share a single Source call. Cache failures are logged and
// never fail a read; unknown restaurants are not cached.
type Cached struct {
	source  Source
	backend Backend
	ttl     time.Duration
	prefix  string
	group   singleflight.Group
	log     zerolog.Logger
}

func NewCached(source Source, backend Backend, cfg CacheConfig) (*Cached, error) {
	if source == nil {
		return nil, errors.New("catalog: source must not be nil")
	}
	if backend == nil {
		return nil, errors.New("catalog: cache backend must not be nil")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	return &Cached{
		source:  source,
		backend: backend,
		ttl:     cfg.TTL,
		prefix:  cfg.Prefix,
		log:     log.With().Str("component", "catalog_cache").Logger(),
	}, nil
}

func (c *Cached) profileKey(key string) string { return c.prefix + "profile:" + key }
func (c *Cached) menuKey(key string) string { return c.prefix + "menu:" + key }
func (c *Cached) listKey() string { return c.prefix + "list" }

func (c *Cached) Profile(ctx context.Context, key string) (domain.RestaurantProfile, error) {
	var p domain.RestaurantProfile
	err := readThrough(ctx, c, c.profileKey(key), &p, func() (any, error) {
		return c.source.Profile(ctx, key)
	})
	return p, err
}

func (c *Cached) AvailableItems(ctx context.Context, key string) ([]domain.MenuItem, error) {
	var items []domain.MenuItem
	err := readThrough(ctx, c, c.menuKey(key), &items, func() (any, error) {
		return c.source.AvailableItems(ctx, key)
	})
	return items, err
}

func (c *Cached) List(ctx context.Context) ([]domain.RestaurantSummary, error) {
	var list []domain.RestaurantSummary
	err := readThrough(ctx, c, c.listKey(), &list, func() (any, error) {
		return c.source.List(ctx)
	})
	return list, err
}

// Invalidate drops the cached entries of the given restaurants and the listing.
func (c *Cached) Invalidate(ctx context.Context, restaurantKeys ...string) error {
	keys := []string{c.listKey()}
	for _, k := range restaurantKeys {
		keys = append(keys, c.profileKey(k), c.menuKey(k))
	}
	if err := c.backend.Del(ctx, keys...); err != nil {
		return fmt.Errorf("catalog: invalidate: %w", err)
	}
	return nil
}

func readThrough(ctx context.Context, c *Cached, key string, dst any, load func() (any, error)) error {
	raw, err := c.backend.Get(ctx, key)
	if err == nil {
		if err := json.Unmarshal(raw, dst); err == nil {
			return nil
		}
		c.log.Warn().Str("key", key).Msg("dropping undecodable cache entry")
	} else if !errors.Is(err, ErrCacheMiss) {
		c.log.Warn().Err(err).Str("key", key).Msg("cache read failed")
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		val, err := load()
		if err != nil {
			return nil, err
		}
		b, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("catalog: encode %s: %w", strings.TrimPrefix(key, c.prefix), err)
		}
		if err := c.backend.Set(ctx, key, b, c.ttl); err != nil {
			c.log.Warn().Err(err).Str("key", key).Msg("cache write failed")
		}
		return b, nil
	})
	if err != nil {
		return err
	}
	return json.Unmarshal(v.([]byte), dst)
}
