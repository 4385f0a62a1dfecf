package live

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"pglivequery/cache"
)

// Materializer pushes every emission of a watched query into a Redis-backed
// cache, so readers get the freshest result without touching the database.
type Materializer[R any] struct {
	watcher   *Watcher[R]
	cache     *cache.Cache[R]
	key       string
	lastWrite atomic.Int64 // unix millis, 0 until first write
}

// Materialize starts a Watcher and writes each result under key with the
// given TTL. Write failures are logged and skipped; the watcher keeps
// running on the next result.
func Materialize[R any](ctx context.Context, changes Source, query QueryFunc[R], handlers Handlers[R], c *cache.Cache[R], key string, ttl time.Duration) *Materializer[R] {
	m := &Materializer[R]{cache: c, key: key}
	m.watcher = Watch(ctx, changes, query, handlers, Subscriber[R]{
		Next: func(r R) {
			if err := c.Set(ctx, key, r, ttl); err != nil {
				log.Warn().Err(err).Str("key", key).Msg("Failed to write materialized result")
				return
			}
			m.lastWrite.Store(time.Now().UnixMilli())
		},
		Error: func(err error) {
			log.Error().Err(err).Str("key", key).Msg("Materialized query terminated")
		},
	})
	return m
}

// Get reads the materialized result from the cache.
func (m *Materializer[R]) Get(ctx context.Context) (R, error) {
	return m.cache.Get(ctx, m.key)
}

// TimeSinceLastWrite reports how long ago a result was last materialized.
// Returns a very large duration before the first write.
func (m *Materializer[R]) TimeSinceLastWrite() time.Duration {
	return time.Since(time.UnixMilli(m.lastWrite.Load()))
}

// Stop detaches the underlying watcher. The cached value is left in place.
func (m *Materializer[R]) Stop() {
	m.watcher.Unsubscribe()
}
