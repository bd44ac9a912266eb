package directory

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"groupcast/internal/storage"
	logx "groupcast/pkg/logx"
)

// DefaultCacheTTL applies when the TTL is not configured.
const DefaultCacheTTL = 5 * time.Minute

// Info describes what the cache currently holds.
type Info struct {
	Count     int
	FetchedAt time.Time // zero when nothing is cached
	TTL       time.Duration
	Source    string
}

// Age is the time since the last successful fetch (0 if none).
func (i Info) Age(now time.Time) time.Duration {
	if i.FetchedAt.IsZero() {
		return 0
	}
	return now.Sub(i.FetchedAt)
}

type CacheOptions struct {
	// TTL of 0 disables caching: every call reaches the source.
	TTL time.Duration
	// FetchTimeout bounds one source call; 0 relies on the caller's context.
	FetchTimeout time.Duration
	// Store persists snapshots across restarts (optional).
	Store storage.Store
	Log   logx.Logger
	Now   func() time.Time
}

// Cache fronts a Source with a TTL. Concurrent misses share one fetch.
// Returned slices are filtered group ids and owned by the caller.
type Cache struct {
	log   logx.Logger
	store storage.Store
	now   func() time.Time
	group singleflight.Group

	mu           sync.Mutex
	src          Source
	ttl          time.Duration
	fetchTimeout time.Duration
	ids          []string
	fetchedAt    time.Time
	gen          uint64 // bumped by Invalidate/SetSource so in-flight fetches do not repopulate
}

func NewCache(src Source, opt CacheOptions) *Cache {
	log := opt.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	now := opt.Now
	if now == nil {
		now = time.Now
	}
	return &Cache{
		log:          log,
		store:        opt.Store,
		now:          now,
		src:          src,
		ttl:          opt.TTL,
		fetchTimeout: opt.FetchTimeout,
	}
}

// ListGroupIDs returns cached ids while fresh, otherwise fetches from the source.
func (c *Cache) ListGroupIDs(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	if c.ttl > 0 && !c.fetchedAt.IsZero() && c.now().Sub(c.fetchedAt) < c.ttl {
		ids := append([]string(nil), c.ids...)
		c.mu.Unlock()
		return ids, nil
	}
	src, ttl := c.src, c.ttl
	c.mu.Unlock()

	if ttl > 0 {
		if ids, ok := c.loadPersisted(ctx, src); ok {
			return ids, nil
		}
	}
	return c.fetch(ctx)
}

// Refresh fetches from the source regardless of freshness.
func (c *Cache) Refresh(ctx context.Context) ([]string, error) {
	return c.fetch(ctx)
}

// Invalidate drops the in-memory and persisted snapshot.
func (c *Cache) Invalidate(ctx context.Context) {
	c.mu.Lock()
	c.ids, c.fetchedAt = nil, time.Time{}
	c.gen++
	src := c.src
	c.mu.Unlock()

	if c.store != nil && src != nil {
		if err := c.store.DeleteSnapshot(ctx, src.Key()); err != nil {
			c.log.Warn("recipient cache delete failed", logx.Err(err))
		}
	}
	c.log.Info("recipient cache invalidated")
}

// SetSource swaps the source (config reload). The cache is dropped when the key changes.
func (c *Cache) SetSource(src Source) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.src != nil && src != nil && c.src.Key() == src.Key() {
		c.src = src
		return
	}
	c.src = src
	c.ids, c.fetchedAt = nil, time.Time{}
	c.gen++
}

// SetTTL changes the TTL for subsequent lookups.
func (c *Cache) SetTTL(ttl, fetchTimeout time.Duration) {
	c.mu.Lock()
	c.ttl = ttl
	c.fetchTimeout = fetchTimeout
	if ttl <= 0 {
		c.ids, c.fetchedAt = nil, time.Time{}
	}
	c.mu.Unlock()
}

func (c *Cache) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	inf := Info{Count: len(c.ids), FetchedAt: c.fetchedAt, TTL: c.ttl}
	if c.src != nil {
		inf.Source = c.src.Key()
	}
	return inf
}

func (c *Cache) fetch(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	src, gen, timeout, ttl := c.src, c.gen, c.fetchTimeout, c.ttl
	c.mu.Unlock()
	if src == nil {
		return nil, errNoSource
	}

	v, err, _ := c.group.Do(src.Key(), func() (any, error) {
		fctx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			fctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		start := c.now()
		raw, err := src.ListGroupIDs(fctx)
		if err != nil {
			return nil, err
		}
		ids := FilterGroupIDs(raw)
		fetchedAt := c.now()
		c.log.Debug("recipients fetched",
			logx.Int("raw", len(raw)),
			logx.Int("kept", len(ids)),
			logx.Duration("took", fetchedAt.Sub(start)),
		)

		c.mu.Lock()
		stale := gen != c.gen
		if !stale && ttl > 0 {
			c.ids, c.fetchedAt = ids, fetchedAt
		}
		c.mu.Unlock()

		if !stale && ttl > 0 && c.store != nil {
			snap := storage.Snapshot{Key: src.Key(), GroupIDs: ids, FetchedAt: fetchedAt, Until: fetchedAt.Add(ttl)}
			if err := c.store.PutSnapshot(ctx, snap); err != nil {
				c.log.Warn("recipient cache persist failed", logx.Err(err))
			}
		}
		return ids, nil
	})
	if err != nil {
		return nil, err
	}
	return append([]string(nil), v.([]string)...), nil
}

func (c *Cache) loadPersisted(ctx context.Context, src Source) ([]string, bool) {
	if c.store == nil || src == nil {
		return nil, false
	}
	snap, ok, err := c.store.GetSnapshot(ctx, src.Key())
	if err != nil {
		c.log.Warn("recipient cache load failed", logx.Err(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	now := c.now()
	c.mu.Lock()
	ttl := c.ttl
	fresh := ttl > 0 && now.Sub(snap.FetchedAt) < ttl && !snap.Expired(now)
	if fresh && c.src == src {
		c.ids, c.fetchedAt = FilterGroupIDs(snap.GroupIDs), snap.FetchedAt
	}
	c.mu.Unlock()
	if !fresh {
		return nil, false
	}
	c.log.Debug("recipients loaded from store", logx.Int("count", len(snap.GroupIDs)), logx.Time("fetched_at", snap.FetchedAt))
	return FilterGroupIDs(snap.GroupIDs), true
}
