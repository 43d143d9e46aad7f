// Package cache keeps the latest record of each series in Redis. Writers
// invalidate, readers load through the cache.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/xtxerr/barstore/internal/logging"
	"github.com/xtxerr/barstore/internal/storage/config"
	"github.com/xtxerr/barstore/internal/storage/types"
)

// Connect creates a Redis client and checks it with a ping.
func Connect(ctx context.Context, cfg config.CacheConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// putScript stores a record only if the series generation is unchanged
// since the caller read it, so a load racing a write cannot cache a stale
// record.
//
// KEYS[1] record key, KEYS[2] generation key
// ARGV[1] generation seen, ARGV[2] encoded record, ARGV[3] ttl in ms
var putScript = redis.NewScript(`
local g = redis.call('GET', KEYS[2]) or '0'
if g ~= ARGV[1] then
	return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

// Latest caches the latest record per series.
type Latest struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	log    *slog.Logger

	hits   atomic.Int64
	misses atomic.Int64
	errors atomic.Int64
}

// Stats counts cache outcomes.
type Stats struct {
	Hits   int64
	Misses int64
	Errors int64
}

// New creates a latest-record cache on client.
func New(client *redis.Client, cfg config.CacheConfig) *Latest {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "barstore"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Latest{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		log:    logging.Component("cache"),
	}
}

func (c *Latest) recordKey(id types.SeriesID) string {
	return fmt.Sprintf("%s:latest:%s", c.prefix, id)
}

func (c *Latest) genKey(id types.SeriesID) string {
	return fmt.Sprintf("%s:gen:%s", c.prefix, id)
}

// Ping checks the connection.
func (c *Latest) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the client.
func (c *Latest) Close() error {
	return c.client.Close()
}

// Invalidate drops the cached record and bumps the series generation.
func (c *Latest) Invalidate(ctx context.Context, id types.SeriesID) error {
	pipe := c.client.TxPipeline()
	pipe.Incr(ctx, c.genKey(id))
	pipe.Del(ctx, c.recordKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		c.errors.Add(1)
		return fmt.Errorf("invalidate %s: %w", id, err)
	}
	return nil
}

// Loader reads the latest record from the store.
type Loader func(ctx context.Context) (types.Record, bool, error)

// GetOrLoad returns the cached latest record, or loads and caches it. A
// Redis failure is logged and the loader result returned uncached.
func (c *Latest) GetOrLoad(ctx context.Context, id types.SeriesID, load Loader) (types.Record, bool, error) {
	pipe := c.client.Pipeline()
	genCmd := pipe.Get(ctx, c.genKey(id))
	recCmd := pipe.Get(ctx, c.recordKey(id))
	_, err := pipe.Exec(ctx)
	if err != nil && !errors.Is(err, redis.Nil) {
		c.errors.Add(1)
		c.log.Warn("cache read failed", "series", id, "error", err)
		return load(ctx)
	}

	if data, err := recCmd.Bytes(); err == nil {
		var rec types.Record
		if err := msgpack.Unmarshal(data, &rec); err == nil {
			c.hits.Add(1)
			return rec, true, nil
		}
		c.log.Warn("dropping undecodable cache entry", "series", id)
	}
	c.misses.Add(1)

	gen, err := genCmd.Result()
	if errors.Is(err, redis.Nil) {
		gen = "0"
	}

	rec, ok, err := load(ctx)
	if err != nil || !ok {
		return rec, ok, err
	}

	data, err := msgpack.Marshal(&rec)
	if err != nil {
		return rec, true, nil
	}
	keys := []string{c.recordKey(id), c.genKey(id)}
	if err := putScript.Run(ctx, c.client, keys, gen, data, c.ttl.Milliseconds()).Err(); err != nil {
		c.errors.Add(1)
		c.log.Warn("cache write failed", "series", id, "error", err)
	}
	return rec, true, nil
}

// Stats returns cache counters.
func (c *Latest) Stats() Stats {
	return Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Errors: c.errors.Load(),
	}
}
