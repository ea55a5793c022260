package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"grid-trading-bot/internal/logging"
)

// Loader fetches a value on cache miss. Exactly one loader runs per key at
// a time; concurrent callers for the same key share the result.
type Loader func(ctx context.Context) (interface{}, error)

type entry struct {
	value       interface{}
	storedAt    time.Time
	expiresAt   time.Time
	ttl         time.Duration
	accessCount int64
	refreshing  bool
}

type inflight struct {
	done  chan struct{}
	value interface{}
	err   error
}

// Stats reports cache effectiveness counters.
type Stats struct {
	Hits       int64 `json:"hits"`
	Misses     int64 `json:"misses"`
	Evictions  int64 `json:"evictions"`
	Prefetches int64 `json:"prefetches"`
	Entries    int   `json:"entries"`
}

// HitRate returns hits over total lookups, zero when nothing was looked up.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Options tune the cache.
type Options struct {
	MaxEntries      int
	DefaultTTL      time.Duration
	RefreshFraction float64 // remaining-TTL fraction below which hot keys prefetch
	MinPrefetchHits int64   // access count a key needs before prefetch kicks in
	SweepInterval   time.Duration
}

// MarketCache is a TTL cache for exchange data with request coalescing and
// background refresh of frequently read keys.
type MarketCache struct {
	mu       sync.Mutex
	entries  map[string]*entry
	inflight map[string]*inflight
	loaders  map[string]Loader

	opts  Options
	stats Stats
	log   zerolog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a cache with the given options. Zero values fall back to
// sensible defaults.
func New(opts Options) *MarketCache {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 2048
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 30 * time.Second
	}
	if opts.RefreshFraction <= 0 || opts.RefreshFraction >= 1 {
		opts.RefreshFraction = 0.25
	}
	if opts.MinPrefetchHits <= 0 {
		opts.MinPrefetchHits = 3
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Second
	}
	return &MarketCache{
		entries:  make(map[string]*entry),
		inflight: make(map[string]*inflight),
		loaders:  make(map[string]Loader),
		opts:     opts,
		log:      logging.For("cache"),
	}
}

// Start launches the background sweep loop that expires stale entries and
// prefetches hot ones.
func (c *MarketCache) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.sweepLoop(ctx)
}

// Stop halts the sweep loop.
func (c *MarketCache) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Get returns the cached value for key, loading it on miss. The loader is
// remembered so the sweep loop can refresh the key in the background.
func (c *MarketCache) Get(ctx context.Context, key string, ttl time.Duration, load Loader) (interface{}, error) {
	if ttl <= 0 {
		ttl = c.opts.DefaultTTL
	}

	c.mu.Lock()
	c.loaders[key] = load

	if e, ok := c.entries[key]; ok && time.Now().Before(e.expiresAt) {
		e.accessCount++
		c.stats.Hits++
		v := e.value
		c.mu.Unlock()
		return v, nil
	}
	c.stats.Misses++

	// Coalesce concurrent loads of the same key.
	if fl, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		select {
		case <-fl.done:
			return fl.value, fl.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	fl := &inflight{done: make(chan struct{})}
	c.inflight[key] = fl
	c.mu.Unlock()

	value, err := load(ctx)

	c.mu.Lock()
	delete(c.inflight, key)
	if err == nil {
		c.storeLocked(key, value, ttl)
	}
	c.mu.Unlock()

	fl.value, fl.err = value, err
	close(fl.done)
	return value, err
}

// Put stores a value directly, bypassing the loader path. Streamed data
// lands here.
func (c *MarketCache) Put(key string, value interface{}, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.opts.DefaultTTL
	}
	c.mu.Lock()
	c.storeLocked(key, value, ttl)
	c.mu.Unlock()
}

// PutPrice satisfies the market stream sink. Streamed ticker prices are
// stored under the same key GetPrice reads.
func (c *MarketCache) PutPrice(symbol string, price float64) {
	c.Put("price:"+symbol, price, 0)
}

// Price returns the cached price for symbol if fresh.
func (c *MarketCache) Price(symbol string) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries["price:"+symbol]
	if !ok || time.Now().After(e.expiresAt) {
		return 0, false
	}
	e.accessCount++
	c.stats.Hits++
	p, ok := e.value.(float64)
	return p, ok
}

// Invalidate removes a key.
func (c *MarketCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	delete(c.loaders, key)
}

// Stats returns a snapshot of the counters.
func (c *MarketCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = len(c.entries)
	return s
}

// storeLocked inserts the entry, evicting if over capacity. Caller holds
// the mutex.
func (c *MarketCache) storeLocked(key string, value interface{}, ttl time.Duration) {
	prev := c.entries[key]
	e := &entry{
		value:     value,
		storedAt:  time.Now(),
		expiresAt: time.Now().Add(ttl),
		ttl:       ttl,
	}
	if prev != nil {
		e.accessCount = prev.accessCount
	}
	c.entries[key] = e

	if len(c.entries) > c.opts.MaxEntries {
		c.evictLocked(len(c.entries) - c.opts.MaxEntries)
	}
}

// evictLocked removes n entries, least accessed first, oldest first among
// ties. Caller holds the mutex.
func (c *MarketCache) evictLocked(n int) {
	type candidate struct {
		key string
		e   *entry
	}
	cands := make([]candidate, 0, len(c.entries))
	for k, e := range c.entries {
		cands = append(cands, candidate{k, e})
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].e.accessCount != cands[j].e.accessCount {
			return cands[i].e.accessCount < cands[j].e.accessCount
		}
		return cands[i].e.storedAt.Before(cands[j].e.storedAt)
	})
	for i := 0; i < n && i < len(cands); i++ {
		delete(c.entries, cands[i].key)
		delete(c.loaders, cands[i].key)
		c.stats.Evictions++
	}
}

func (c *MarketCache) sweepLoop(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

// sweep drops expired entries and refreshes hot keys whose TTL is nearly
// spent.
func (c *MarketCache) sweep(ctx context.Context) {
	now := time.Now()

	type refresh struct {
		key  string
		ttl  time.Duration
		load Loader
	}
	var refreshes []refresh

	c.mu.Lock()
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
			continue
		}
		remaining := e.expiresAt.Sub(now)
		if e.refreshing || e.accessCount < c.opts.MinPrefetchHits {
			continue
		}
		if float64(remaining) < float64(e.ttl)*c.opts.RefreshFraction {
			if load, ok := c.loaders[k]; ok {
				e.refreshing = true
				refreshes = append(refreshes, refresh{k, e.ttl, load})
			}
		}
	}
	c.mu.Unlock()

	for _, r := range refreshes {
		go func(r refresh) {
			value, err := r.load(ctx)
			c.mu.Lock()
			if e, ok := c.entries[r.key]; ok {
				e.refreshing = false
			}
			if err == nil {
				c.storeLocked(r.key, value, r.ttl)
				c.stats.Prefetches++
			}
			c.mu.Unlock()
			if err != nil {
				c.log.Debug().Err(err).Str("key", r.key).Msg("prefetch failed")
			}
		}(r)
	}
}
