// Package cachecrud generates a TTL read-through cache over a rate-limited
// fetcher, keyed by a natural key. Staleness is purely time-based: stale rows
// stay in place until overwritten or purged, they are just never served as
// hits.
package cachecrud

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/lazyapps/lazycrud/apperr"
	"github.com/lazyapps/lazycrud/metrics"
	"github.com/lazyapps/lazycrud/pagination"
	"github.com/lazyapps/lazycrud/ratelimit"
	"github.com/lazyapps/lazycrud/requestctx"
	"github.com/lazyapps/lazycrud/schema"
	"github.com/lazyapps/lazycrud/store"
)

// DefaultTTL is the freshness window when none is configured.
const DefaultTTL = time.Hour

// PurgeBatch bounds one purge sweep.
const PurgeBatch = 100

// Result tags a cached document with whether it was served from a fresh row.
type Result[P any] struct {
	Doc      P
	CacheHit bool
}

// Fetcher retrieves the upstream entity for a key. It is called once per
// miss; failures pass through unretried.
type Fetcher[T any, P store.CachedPtr[T]] func(ctx context.Context, key string) (P, error)

// Options configures a generated cache.
type Options struct {
	// TTL is the freshness window; defaults to DefaultTTL.
	TTL time.Duration
	// RateLimit guards misses (and Create) when set; Limiter must then be
	// set too.
	RateLimit *ratelimit.Rule
	Limiter   ratelimit.Limiter
	// Breaker wraps the fetcher in a circuit breaker so a failing upstream
	// sheds load fast instead of timing out every miss.
	Breaker bool

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Cache is the generated operation set for one cache table.
type Cache[T any, P store.CachedPtr[T]] struct {
	docs    store.Store[T, P]
	tx      store.Tx
	fetch   Fetcher[T, P]
	breaker *gobreaker.CircuitBreaker[P]
	cols    *schema.ColumnSet
	opts    Options
	logger  *zap.Logger
	now     func() time.Time
}

// New generates the cache operation set for T.
func New[T any, P store.CachedPtr[T]](docs store.Store[T, P], tx store.Tx, fetch Fetcher[T, P], opts Options) *Cache[T, P] {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.RateLimit != nil && opts.Limiter == nil {
		panic("cachecrud: RateLimit requires a Limiter")
	}
	c := &Cache[T, P]{
		docs:   docs,
		tx:     tx,
		fetch:  fetch,
		cols:   schema.ColumnsOf(new(T)),
		opts:   opts,
		logger: opts.Logger.With(zap.String("cache", docs.Name())),
		now:    time.Now,
	}
	if opts.Breaker && fetch != nil {
		c.breaker = gobreaker.NewCircuitBreaker[P](gobreaker.Settings{
			Name: docs.Name(),
		})
	}
	return c
}

// SetClock overrides the clock, for tests.
func (c *Cache[T, P]) SetClock(now func() time.Time) {
	c.now = now
}

func (c *Cache[T, P]) fresh(doc P) bool {
	return doc.StampedAt().Add(c.opts.TTL).After(c.now())
}

func (c *Cache[T, P]) allow(ctx context.Context) error {
	rule := c.opts.RateLimit
	if rule == nil {
		return nil
	}
	key := "global"
	if rule.PerCaller {
		if caller, ok := requestctx.User(ctx); ok {
			key = caller.String()
		}
	}
	err := c.opts.Limiter.Allow(ctx, c.docs.Name(), key, *rule)
	if err != nil && apperr.Is(err, apperr.CodeRateLimited) {
		c.opts.Metrics.RecordRateLimited(c.docs.Name())
	}
	return err
}

// Get returns the fresh row for key, or nil on absence or staleness. A stale
// row is a miss even though it physically exists.
func (c *Cache[T, P]) Get(ctx context.Context, key string) (*Result[P], error) {
	doc, err := c.docs.First(ctx, map[string]any{"cache_key": key})
	if err != nil {
		return nil, err
	}
	if doc == nil || !c.fresh(doc) {
		return nil, nil
	}
	return &Result[P]{Doc: doc, CacheHit: true}, nil
}

// Read returns the fresh row by id; absent and stale rows are NOT_FOUND.
func (c *Cache[T, P]) Read(ctx context.Context, id uuid.UUID) (*Result[P], error) {
	doc, err := c.docs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc == nil || !c.fresh(doc) {
		return nil, apperr.NotFound(c.docs.Name())
	}
	return &Result[P]{Doc: doc, CacheHit: true}, nil
}

// Load is the read-through entry point: a fresh row is a hit; otherwise the
// fetcher runs once and its result is upserted last-write-wins. Concurrent
// misses on one key may each fetch; the upserts converge to one row.
func (c *Cache[T, P]) Load(ctx context.Context, key string) (*Result[P], error) {
	hit, err := c.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if hit != nil {
		c.opts.Metrics.RecordCacheHit(c.docs.Name())
		return hit, nil
	}
	c.opts.Metrics.RecordCacheMiss(c.docs.Name())
	doc, err := c.fetchAndSet(ctx, key)
	if err != nil {
		return nil, err
	}
	return &Result[P]{Doc: doc, CacheHit: false}, nil
}

// Refresh force-bypasses the TTL: the existing row is deleted, then the key
// is fetched and upserted as a miss would be.
func (c *Cache[T, P]) Refresh(ctx context.Context, key string) (*Result[P], error) {
	if err := c.Invalidate(ctx, key); err != nil {
		return nil, err
	}
	doc, err := c.fetchAndSet(ctx, key)
	if err != nil {
		return nil, err
	}
	return &Result[P]{Doc: doc, CacheHit: false}, nil
}

func (c *Cache[T, P]) fetchAndSet(ctx context.Context, key string) (P, error) {
	if c.fetch == nil {
		return nil, apperr.ValidationFailed("no fetcher is configured for this cache")
	}
	if err := c.allow(ctx); err != nil {
		return nil, err
	}
	var doc P
	var err error
	if c.breaker != nil {
		doc, err = c.breaker.Execute(func() (P, error) {
			return c.fetch(ctx, key)
		})
	} else {
		doc, err = c.fetch(ctx, key)
	}
	if err != nil {
		c.logger.Warn("cache fetch failed", zap.String("key", key), zap.Error(err))
		return nil, err
	}
	if doc == nil {
		return nil, apperr.NotFound(c.docs.Name())
	}
	return c.Set(ctx, key, doc)
}

// Invalidate deletes the row for key without refetching. Absent keys are a
// no-op.
func (c *Cache[T, P]) Invalidate(ctx context.Context, key string) error {
	doc, err := c.docs.First(ctx, map[string]any{"cache_key": key})
	if err != nil {
		return err
	}
	if doc == nil {
		return nil
	}
	return c.docs.Delete(ctx, doc.GetID())
}

// Purge deletes up to batch stale rows per call. Bounded background cleanup,
// never a full scan.
func (c *Cache[T, P]) Purge(ctx context.Context, batch int) (int, error) {
	if batch <= 0 || batch > PurgeBatch {
		batch = PurgeBatch
	}
	cutoff := c.now().Add(-c.opts.TTL)
	stale, err := c.docs.FindOlder(ctx, "updated_at", cutoff, batch)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, doc := range stale {
		if err := c.docs.Delete(ctx, doc.GetID()); err != nil {
			return count, err
		}
		count++
	}
	if count > 0 {
		c.logger.Info("cache purged", zap.Int("count", count))
	}
	return count, nil
}

// Create inserts a new row, rate-limited like a miss. The key must be free.
func (c *Cache[T, P]) Create(ctx context.Context, doc P) (P, error) {
	key := doc.Key()
	if key == "" {
		return nil, apperr.ValidationFailed("cache key is required")
	}
	err := c.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := c.allow(ctx); err != nil {
			return err
		}
		existing, err := c.docs.First(ctx, map[string]any{"cache_key": key})
		if err != nil {
			return err
		}
		if existing != nil {
			return apperr.Conflict("cache key is already present")
		}
		now := c.now()
		doc.SetID(uuid.New())
		doc.SetCreatedAt(now)
		doc.Stamp(now)
		return c.docs.Insert(ctx, doc)
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// Update patches a row by id and restamps it, extending its freshness.
func (c *Cache[T, P]) Update(ctx context.Context, id uuid.UUID, patch map[string]any) (P, error) {
	clean := c.cols.Sanitize(patch)
	var updated P
	err := c.tx.RunInTx(ctx, func(ctx context.Context) error {
		doc, err := c.docs.Get(ctx, id)
		if err != nil {
			return err
		}
		if doc == nil {
			return apperr.NotFound(c.docs.Name())
		}
		clean["updated_at"] = c.now()
		if err := c.docs.Patch(ctx, id, clean); err != nil {
			return err
		}
		updated, err = c.docs.Get(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Set upserts the row for key, last-write-wins. An existing row keeps its
// identity; only its payload and stamp move forward.
func (c *Cache[T, P]) Set(ctx context.Context, key string, doc P) (P, error) {
	doc.SetKey(key)
	err := c.tx.RunInTx(ctx, func(ctx context.Context) error {
		existing, err := c.docs.First(ctx, map[string]any{"cache_key": key})
		if err != nil {
			return err
		}
		now := c.now()
		if existing != nil {
			doc.SetID(existing.GetID())
			doc.SetCreatedAt(existing.GetCreatedAt())
			doc.Stamp(now)
			return c.docs.Save(ctx, doc)
		}
		doc.SetID(uuid.New())
		doc.SetCreatedAt(now)
		doc.Stamp(now)
		return c.docs.Insert(ctx, doc)
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// Rm deletes a row by id.
func (c *Cache[T, P]) Rm(ctx context.Context, id uuid.UUID) error {
	doc, err := c.docs.Get(ctx, id)
	if err != nil {
		return err
	}
	if doc == nil {
		return apperr.NotFound(c.docs.Name())
	}
	return c.docs.Delete(ctx, id)
}

// All enumerates every cached row, optionally filtering out stale ones.
func (c *Cache[T, P]) All(ctx context.Context, includeExpired bool) ([]P, error) {
	docs, err := c.docs.Find(ctx, nil, 0)
	if err != nil {
		return nil, err
	}
	if includeExpired {
		return docs, nil
	}
	live := docs[:0]
	for _, doc := range docs {
		if c.fresh(doc) {
			live = append(live, doc)
		}
	}
	return live, nil
}

// List paginates cached rows, newest first. Stale rows are filtered from the
// page when includeExpired is false; the cursor still advances over them.
func (c *Cache[T, P]) List(ctx context.Context, cursor string, limit int, includeExpired bool) (*pagination.Page[P], error) {
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, apperr.ValidationFailed("malformed cursor")
	}
	limit = pagination.ClampLimit(limit)
	docs, err := c.docs.List(ctx, store.ListQuery{After: after, Limit: limit + 1})
	if err != nil {
		return nil, err
	}
	page := pagination.PageOf(docs, limit)
	if !includeExpired {
		live := page.Items[:0]
		for _, doc := range page.Items {
			if c.fresh(doc) {
				live = append(live, doc)
			}
		}
		page.Items = live
	}
	return page, nil
}
