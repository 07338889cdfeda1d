// Package coalesce deduplicates concurrent fetches for the same key and
// keeps their results in a short-lived cache.
//
// At most one fetch per key is in flight at a time, including across a
// Clear; every caller that arrives while it runs receives the same result. Successful results are
// cached with their fetch time so callers can ask for different freshness
// windows over the same entry. Errors are never cached.
package coalesce

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/pricewatcher/pricewatcher/internal/metrics"
)

// Freshness windows for the two read paths.
const (
	FreshList   = 5 * time.Minute  // list/search views
	FreshDetail = 10 * time.Minute // single-product detail view
)

const (
	defaultFlightTimeout = 60 * time.Second
	defaultRetention     = FreshDetail
)

// FetchFunc produces the value for key. It receives a context that is
// detached from any individual caller and bounded by the flight timeout.
type FetchFunc[T any] func(ctx context.Context, key string) (T, error)

// Options configures a Coalescer.
type Options struct {
	// Enabled turns result caching on. Deduplication of in-flight fetches
	// happens either way.
	Enabled bool
	// Retention is how long an entry is kept at all; it should cover the
	// longest freshness window callers ask for.
	Retention     time.Duration
	FlightTimeout time.Duration
	Metrics       *metrics.Metrics
}

// Stats is a point-in-time view of coalescer activity.
type Stats struct {
	Enabled    bool  `json:"enabled"`
	Hits       int64 `json:"hits"`
	Misses     int64 `json:"misses"`
	Shared     int64 `json:"shared"`
	CachedKeys int   `json:"cached_keys"`
	InFlight   int   `json:"in_flight"`
}

// errFlightDone is internal: the flight a caller tried to join had already
// returned.
var errFlightDone = errors.New("coalesce: flight finished")

// flight is one fetch for a key. gen and epoch are the clear counters it
// started under; done is closed when it returns.
type flight struct {
	name       string
	gen, epoch uint64
	done       chan struct{}
	finished   bool
}

type entry[T any] struct {
	value     T
	fetchedAt time.Time
}

// Coalescer is safe for concurrent use.
type Coalescer[T any] struct {
	fetch     FetchFunc[T]
	group     singleflight.Group
	cache     *gocache.Cache
	enabled   bool
	retention time.Duration
	timeout   time.Duration
	metrics   *metrics.Metrics
	now       func() time.Time

	mu      sync.Mutex
	gens    map[string]uint64
	epoch   uint64
	seq     uint64
	flights map[string]*flight // running flight per key

	hits, misses, shared atomic.Int64
}

// New creates a Coalescer around fetch.
func New[T any](fetch FetchFunc[T], opts Options) *Coalescer[T] {
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	if opts.FlightTimeout <= 0 {
		opts.FlightTimeout = defaultFlightTimeout
	}
	return &Coalescer[T]{
		fetch: fetch,
		// No janitor: expired entries are dropped lazily on read and by Prune.
		cache:     gocache.New(opts.Retention, 0),
		enabled:   opts.Enabled,
		retention: opts.Retention,
		timeout:   opts.FlightTimeout,
		metrics:   opts.Metrics,
		now:       time.Now,
		gens:      make(map[string]uint64),
		flights:   make(map[string]*flight),
	}
}

// Get returns the value for key, fetching it unless a cached entry younger
// than window exists. Concurrent callers for the same key share one fetch.
//
// Cancelling ctx only abandons this caller's wait; the fetch keeps running
// for the other waiters.
func (c *Coalescer[T]) Get(ctx context.Context, key string, window time.Duration) (T, error) {
	var zero T
	for {
		if v, ok := c.lookup(key, window); ok {
			c.hits.Add(1)
			c.metrics.RecordLookup("hit")
			return v, nil
		}

		f, superseded := c.join(key)
		if superseded != nil {
			select {
			case <-superseded:
				continue
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}

		ch := c.group.DoChan(f.name, func() (any, error) {
			return c.run(ctx, key, f)
		})

		select {
		case res := <-ch:
			if errors.Is(res.Err, errFlightDone) {
				continue
			}
			if res.Shared {
				c.shared.Add(1)
				c.metrics.RecordLookup("shared")
			} else {
				c.misses.Add(1)
				c.metrics.RecordLookup("miss")
			}
			if res.Err != nil {
				return zero, res.Err
			}
			v, _ := res.Val.(T)
			return v, nil
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// join returns the flight to wait on for key, registering a new one when
// none is running. If the running flight started before a Clear it is not
// joined; its done channel is returned instead.
func (c *Coalescer[T]) join(key string) (*flight, <-chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	gen, epoch := c.gens[key], c.epoch
	if f, ok := c.flights[key]; ok {
		if f.gen == gen && f.epoch == epoch {
			return f, nil
		}
		return nil, f.done
	}
	c.seq++
	f := &flight{
		name:  key + "#" + strconv.FormatUint(c.seq, 10),
		gen:   gen,
		epoch: epoch,
		done:  make(chan struct{}),
	}
	c.flights[key] = f
	return f, nil
}

// run executes flight f. A caller that reaches the group after f already
// returned gets errFlightDone and looks again.
func (c *Coalescer[T]) run(callerCtx context.Context, key string, f *flight) (T, error) {
	c.mu.Lock()
	if f.finished {
		c.mu.Unlock()
		var zero T
		return zero, errFlightDone
	}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		f.finished = true
		if c.flights[key] == f {
			delete(c.flights, key)
		}
		c.mu.Unlock()
		close(f.done)
	}()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(callerCtx), c.timeout)
	defer cancel()

	v, err := c.fetch(ctx, key)
	c.metrics.RecordFlight(err)
	if err != nil {
		return v, err
	}

	c.mu.Lock()
	if c.enabled && c.gens[key] == f.gen && c.epoch == f.epoch {
		c.cache.Set(key, entry[T]{value: v, fetchedAt: c.now()}, c.retention)
	}
	c.mu.Unlock()
	return v, nil
}

func (c *Coalescer[T]) lookup(key string, window time.Duration) (T, bool) {
	var zero T
	if !c.enabled || window <= 0 {
		return zero, false
	}
	raw, ok := c.cache.Get(key)
	if !ok {
		return zero, false
	}
	e := raw.(entry[T])
	if c.now().Sub(e.fetchedAt) >= window {
		return zero, false
	}
	return e.value, true
}

// Clear drops the cached entry for key. A flight already running for key
// still answers its own waiters but will not repopulate the cache. Callers
// arriving after Clear wait for it to return, then share one new flight.
func (c *Coalescer[T]) Clear(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[key]++
	c.cache.Delete(key)
}

// ClearAll is Clear for every key.
func (c *Coalescer[T]) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.cache.Flush()
}

// Prune removes expired entries.
func (c *Coalescer[T]) Prune() {
	c.cache.DeleteExpired()
}

// Stats returns counters and current sizes.
func (c *Coalescer[T]) Stats() Stats {
	c.mu.Lock()
	inFlight := len(c.flights)
	c.mu.Unlock()
	return Stats{
		Enabled:    c.enabled,
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Shared:     c.shared.Load(),
		CachedKeys: c.cache.ItemCount(),
		InFlight:   inFlight,
	}
}
