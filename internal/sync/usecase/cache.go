package usecase

import (
	"context"
	"sync"
	"time"

	apperrors "classwatch/internal/shared/errors"
	"classwatch/internal/shared/logger"
	"classwatch/internal/sync/clock"
	"classwatch/internal/sync/domain/model"
	"classwatch/internal/sync/scope"
)

// FetchFunc loads one page of a query from the data source.
type FetchFunc func(ctx context.Context) (*model.Page, error)

// QueryResult is what a cache read hands to the UI layer: the latest known
// page (possibly stale), whether a refresh is in flight, and the last fetch
// error if the page could not be refreshed.
type QueryResult struct {
	Page      *model.Page
	Loading   bool
	Err       error
	FetchedAt time.Time
	// Done closes when the fetch triggered by this call settles. Nil when no
	// fetch was started.
	Done <-chan struct{}
}

type cacheEntry struct {
	key        model.QueryKey
	data       *model.Page
	fetchedAt  time.Time
	staleAfter time.Duration
	inFlight   bool
	lastErr    error
	done       chan struct{}
	// generation is the cache-wide fetch sequence number captured when this
	// entry's fetch started. A recreated entry always gets a higher number,
	// so a fetch started before an Invalidate can never match the entry that
	// replaced its target.
	generation uint64
}

// EntityCache is an in-memory store of paginated query results keyed by
// query structure plus the viewer's scope fingerprint. It is the only shared
// mutable resource of the sync engine; the coordinator and the mutation
// gateway both mutate entities exclusively through PatchEntity.
type EntityCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	scope   scope.Descriptor
	// generation increments on every eviction sweep; in-flight fetches tagged
	// with an older generation discard their results on arrival.
	generation uint64
	// fetchSeq is a monotonic counter across all fetches ever started.
	fetchSeq uint64
	defaultTTL time.Duration
	clock      clock.Clock
	log        logger.Logger
}

// NewEntityCache creates a cache bound to an initial scope.
func NewEntityCache(sc scope.Descriptor, ttl time.Duration, clk clock.Clock, log logger.Logger) *EntityCache {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = &logger.NopLogger{}
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &EntityCache{
		entries:    make(map[string]*cacheEntry),
		scope:      sc,
		defaultTTL: ttl,
		clock:      clk,
		log:        log.WithComponent("entity_cache"),
	}
}

// Scope returns the scope the cache is currently keyed under.
func (c *EntityCache) Scope() scope.Descriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scope
}

// SetViewer rebinds the cache to a new viewer. Every entry is evicted, not
// merely marked stale: old entries are keyed under the old scope fingerprint
// and must not be servable through a stale key collision. In-flight fetches
// tagged with the old generation are discarded on arrival.
func (c *EntityCache) SetViewer(v model.Viewer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.scope = scope.Resolve(v)
	c.evictAllLocked()
	c.log.Debugf("cache rebound to scope %s, all entries evicted", c.scope.Fingerprint())
}

// EvictAll drops every entry and invalidates in-flight fetches.
func (c *EntityCache) EvictAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictAllLocked()
}

func (c *EntityCache) evictAllLocked() {
	c.generation++
	for key, entry := range c.entries {
		if entry.done != nil {
			close(entry.done)
			entry.done = nil
		}
		delete(c.entries, key)
	}
}

func (c *EntityCache) storageKey(q model.QueryKey) string {
	return c.scope.Fingerprint() + "|" + q.Canonical()
}

// Get returns the cached page for a key, if any. The page is a deep copy;
// callers never alias cache-owned data.
func (c *EntityCache) Get(q model.QueryKey) (*model.Page, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[c.storageKey(q)]
	if !ok || entry.data == nil {
		return nil, false
	}
	return entry.data.Clone(), true
}

// Query returns cached data immediately when fresh. When the entry is stale
// or missing it starts a refresh, deduplicating concurrent identical calls
// so at most one fetch per key is ever in flight, and returns the previous
// data with a loading flag. A failed fetch retains the last good page and
// surfaces the error on subsequent reads (stale-while-revalidate).
func (c *EntityCache) Query(ctx context.Context, q model.QueryKey, fetch FetchFunc) QueryResult {
	c.mu.Lock()

	key := c.storageKey(q)
	entry, ok := c.entries[key]
	now := c.clock.Now()

	if ok && entry.data != nil && !entry.inFlight && now.Sub(entry.fetchedAt) < entry.staleAfter {
		res := QueryResult{Page: entry.data.Clone(), FetchedAt: entry.fetchedAt, Err: entry.lastErr}
		c.mu.Unlock()
		return res
	}

	if ok && entry.inFlight {
		// A fetch for this exact key is already running; piggyback on it.
		res := QueryResult{Loading: true, FetchedAt: entry.fetchedAt, Err: entry.lastErr, Done: entry.done}
		if entry.data != nil {
			res.Page = entry.data.Clone()
		}
		c.mu.Unlock()
		return res
	}

	if !ok {
		entry = &cacheEntry{key: q, staleAfter: c.defaultTTL}
		c.entries[key] = entry
	}
	entry.inFlight = true
	entry.done = make(chan struct{})
	c.fetchSeq++
	entry.generation = c.fetchSeq

	cacheGen := c.generation
	entryGen := entry.generation
	done := entry.done

	res := QueryResult{Loading: true, FetchedAt: entry.fetchedAt, Err: entry.lastErr, Done: done}
	if entry.data != nil {
		res.Page = entry.data.Clone()
	}
	c.mu.Unlock()

	go c.runFetch(ctx, key, cacheGen, entryGen, done, fetch)

	return res
}

// runFetch performs the suspended network call and applies the result only if
// the entry it was started for still exists unchanged.
func (c *EntityCache) runFetch(ctx context.Context, key string, cacheGen, entryGen uint64, done chan struct{}, fetch FetchFunc) {
	page, err := fetch(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.generation != cacheGen {
		// The cache was evicted (role switch) while we were suspended. The
		// done channel was already closed by the eviction sweep.
		c.log.Debugf("discarding fetch result for superseded generation: %s", key)
		return
	}

	entry, ok := c.entries[key]
	if !ok || entry.generation != entryGen {
		c.log.Debugf("discarding fetch result for invalidated entry: %s", key)
		close(done)
		return
	}

	entry.inFlight = false
	entry.done = nil
	if err != nil {
		// Keep the last good page; the error is a non-fatal flag to the UI.
		entry.lastErr = apperrors.NewFetchError("query refresh failed", err)
		c.log.Warnf("fetch failed for %s: %v", key, err)
	} else {
		// Revalidate every row against the scope before caching. The source
		// is supposed to filter already, but a misbehaving or stale-session
		// source must not get out-of-scope rows in front of the viewer.
		// Generation equality above guarantees c.scope is the scope this
		// fetch was started under.
		if page != nil {
			kept := c.scope.FilterPage(page.Data)
			if len(kept) < len(page.Data) {
				c.log.Warnf("dropped %d out-of-scope rows from fetch result for %s",
					len(page.Data)-len(kept), key)
			}
			page.Data = kept
		}
		entry.data = page
		entry.fetchedAt = c.clock.Now()
		entry.lastErr = nil
	}
	close(done)
}

// PatchEntity applies updater to every cached occurrence of the entity,
// copy-on-write: the page and the entity are cloned before the updater runs,
// so handed-out snapshots are never mutated in place. Returns the number of
// entries patched. A nil result from updater leaves the occurrence unchanged.
func (c *EntityCache) PatchEntity(kind model.EntityKind, entityID string, updater func(model.Entity) model.Entity) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	patched := 0
	for _, entry := range c.entries {
		if entry.key.Kind != kind || entry.data == nil {
			continue
		}
		idx := entry.data.IndexOf(entityID)
		if idx < 0 {
			continue
		}
		replacement := updater(entry.data.Data[idx].Clone())
		if replacement == nil {
			continue
		}
		page := entry.data.Clone()
		page.Data[idx] = replacement
		entry.data = page
		patched++
	}
	return patched
}

// GetEntity returns a copy of the first cached occurrence of an entity. Used
// by the mutation gateway to snapshot the pre-image before an optimistic
// patch.
func (c *EntityCache) GetEntity(kind model.EntityKind, entityID string) (model.Entity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, entry := range c.entries {
		if entry.key.Kind != kind || entry.data == nil {
			continue
		}
		if idx := entry.data.IndexOf(entityID); idx >= 0 {
			return entry.data.Data[idx].Clone(), true
		}
	}
	return nil, false
}

// MarkStale forces matching entries to refetch on their next Query without
// dropping the data they already hold.
func (c *EntityCache) MarkStale(predicate func(model.QueryKey) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	marked := 0
	for _, entry := range c.entries {
		if !predicate(entry.key) {
			continue
		}
		entry.fetchedAt = time.Time{}
		marked++
	}
	return marked
}

// Invalidate removes matching entries entirely. In-flight fetches for removed
// entries discard their results on arrival.
func (c *EntityCache) Invalidate(predicate func(model.QueryKey) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.entries {
		if !predicate(entry.key) {
			continue
		}
		delete(c.entries, key)
		removed++
	}
	return removed
}

// Len returns the number of live entries.
func (c *EntityCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Keys returns a copy of the live query keys, for event-driven invalidation
// decisions.
func (c *EntityCache) Keys() []model.QueryKey {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]model.QueryKey, 0, len(c.entries))
	for _, entry := range c.entries {
		keys = append(keys, entry.key)
	}
	return keys
}
