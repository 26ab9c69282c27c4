// Package query is a keyed, coalescing result cache for remote reads.
//
// A Cache entry moves through Loading, Success, and Error. Concurrent callers
// asking for the same Key share one upstream call. Invalidating a Key moves it
// to a new generation, and a fetch started under an older generation never
// writes its result back, so a late response cannot replace newer state.
// A failed refresh keeps the last successful value next to the error.
package query

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"
)

const (
	defaultStaleTime    = 30 * time.Second
	defaultCacheTime    = 5 * time.Minute
	defaultRetryAfter   = 10 * time.Second
	defaultFetchTimeout = 15 * time.Second
)

// Status is the lifecycle state of a Result.
type Status int

const (
	// StatusLoading means no data is available yet for the key.
	StatusLoading Status = iota
	// StatusSuccess means Data holds the latest successful response.
	StatusSuccess
	// StatusError means the last fetch failed and Err says why. Data still
	// holds the last successful value, if there ever was one.
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusLoading:
		return "loading"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText lets Status appear as a word in JSON payloads.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Key identifies a cached resource: a logical resource name followed by its parameters.
type Key []string

// String returns the cache id for k.
func (k Key) String() string {
	parts := make([]string, len(k))
	for i, p := range k {
		parts[i] = strconv.Quote(p)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// Resource is the logical resource name, the first element of k.
func (k Key) Resource() string {
	if len(k) == 0 {
		return ""
	}
	return k[0]
}

// HasPrefix reports whether k starts with every element of prefix.
func (k Key) HasPrefix(prefix Key) bool {
	if len(prefix) > len(k) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Result is what a caller sees for a key at one point in time.
type Result[T any] struct {
	Status    Status
	Data      T
	Err       error
	UpdatedAt time.Time
	// Stale is set when Data is older than the stale time and a refresh is under way.
	Stale bool
	// HasData reports whether Data came from a successful fetch. It can be
	// set alongside StatusError.
	HasData bool
}

// ErrTypeMismatch is returned when a key is read with a different type than it was stored with.
var ErrTypeMismatch = errors.New("query: cached value has unexpected type")

// Options tunes a Cache. Zero values pick defaults.
type Options struct {
	// StaleTime is how long a successful result is served without refetching.
	StaleTime time.Duration
	// CacheTime is how long an unused entry is kept before GC drops it.
	CacheTime time.Duration
	// RetryAfter is how long a failed result is served before the next caller retries.
	RetryAfter time.Duration
	// FetchTimeout bounds each upstream call independently of the callers waiting on it.
	FetchTimeout time.Duration
	Metrics      *Metrics
	Logger       zerolog.Logger
	Now          func() time.Time
}

type entry struct {
	key        Key
	status     Status
	value      any
	hasValue   bool
	err        error
	updatedAt  time.Time
	lastUsed   time.Time
	generation uint64
	fetching   bool
}

// Cache holds entries by Key.String().
type Cache struct {
	opts    Options
	metrics *Metrics

	mu      sync.Mutex
	entries map[string]*entry
	group   singleflight.Group
	// gen is handed out to entries so a flight id is never reused, even
	// after an entry is collected and created again.
	gen uint64
}

// New builds a Cache with opts applied over the defaults.
func New(opts Options) *Cache {
	if opts.StaleTime <= 0 {
		opts.StaleTime = defaultStaleTime
	}
	if opts.CacheTime <= 0 {
		opts.CacheTime = defaultCacheTime
	}
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = defaultRetryAfter
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	return &Cache{
		opts:    opts,
		metrics: metrics,
		entries: make(map[string]*entry),
	}
}

type outcome struct {
	value any
	err   error
	at    time.Time
}

// Fetch returns the result for key, calling fn when the cache has nothing usable.
//
// A fresh success is returned as is. A stale success is returned with Stale set
// while one background refresh runs. A recent failure is returned until
// RetryAfter elapses. Otherwise Fetch waits for the shared upstream call; if ctx
// ends first the caller gets StatusLoading and the call keeps running for the
// other waiters.
func Fetch[T any](ctx context.Context, c *Cache, key Key, fn func(context.Context) (T, error)) Result[T] {
	id := key.String()
	now := c.opts.Now()
	resource := key.Resource()

	call := func(ctx context.Context) (any, error) { return fn(ctx) }

	c.mu.Lock()
	e, ok := c.entries[id]
	if !ok {
		e = &entry{key: append(Key(nil), key...), generation: c.nextGenLocked()}
		c.entries[id] = e
		c.metrics.entries.Set(float64(len(c.entries)))
	}
	e.lastUsed = now

	switch {
	case e.status == StatusSuccess && now.Sub(e.updatedAt) < c.opts.StaleTime:
		res := resultOf[T](e)
		c.mu.Unlock()
		c.metrics.requests.WithLabelValues(resource, "hit").Inc()
		return res

	case e.status == StatusSuccess:
		res := resultOf[T](e)
		res.Stale = true
		c.startLocked(ctx, id, e, call)
		c.mu.Unlock()
		c.metrics.requests.WithLabelValues(resource, "stale").Inc()
		return res

	case e.status == StatusError && now.Sub(e.updatedAt) < c.opts.RetryAfter:
		res := resultOf[T](e)
		c.mu.Unlock()
		c.metrics.requests.WithLabelValues(resource, "error").Inc()
		return res

	case e.status == StatusError && e.hasValue:
		res := resultOf[T](e)
		res.Stale = true
		c.startLocked(ctx, id, e, call)
		c.mu.Unlock()
		c.metrics.requests.WithLabelValues(resource, "stale").Inc()
		return res
	}

	ch := c.startLocked(ctx, id, e, call)
	c.mu.Unlock()
	c.metrics.requests.WithLabelValues(resource, "miss").Inc()

	select {
	case <-ctx.Done():
		return Result[T]{Status: StatusLoading}
	case r := <-ch:
		out, _ := r.Val.(outcome)
		if out.err != nil {
			return Result[T]{Status: StatusError, Err: out.err, UpdatedAt: out.at}
		}
		data, ok := out.value.(T)
		if !ok && out.value != nil {
			return Result[T]{Status: StatusError, Err: ErrTypeMismatch, UpdatedAt: out.at}
		}
		return Result[T]{Status: StatusSuccess, Data: data, UpdatedAt: out.at, HasData: true}
	}
}

// Peek returns what is cached for key without fetching.
func Peek[T any](c *Cache, key Key) Result[T] {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key.String()]
	if !ok {
		return Result[T]{Status: StatusLoading}
	}
	return resultOf[T](e)
}

func resultOf[T any](e *entry) Result[T] {
	var res Result[T]
	if e.hasValue {
		data, ok := e.value.(T)
		if !ok && e.value != nil {
			return Result[T]{Status: StatusError, Err: ErrTypeMismatch, UpdatedAt: e.updatedAt}
		}
		res.Data = data
		res.HasData = true
	}

	switch e.status {
	case StatusSuccess:
		res.Status = StatusSuccess
		res.UpdatedAt = e.updatedAt
	case StatusError:
		res.Status = StatusError
		res.Err = e.err
		res.UpdatedAt = e.updatedAt
	default:
		return Result[T]{Status: StatusLoading}
	}
	return res
}

func (c *Cache) nextGenLocked() uint64 {
	c.gen++
	return c.gen
}

// startLocked joins or starts the upstream call for the entry's current generation.
// c.mu must be held.
func (c *Cache) startLocked(ctx context.Context, id string, e *entry, fn func(context.Context) (any, error)) <-chan singleflight.Result {
	gen := e.generation
	e.fetching = true
	key := e.key
	flight := id + "#" + strconv.FormatUint(gen, 10)

	return c.group.DoChan(flight, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.FetchTimeout)
		defer cancel()

		value, err := c.call(fetchCtx, key, fn)
		out := outcome{value: value, err: err, at: c.opts.Now()}
		c.store(id, gen, out)
		return out, nil
	})
}

func (c *Cache) call(ctx context.Context, key Key, fn func(context.Context) (any, error)) (value any, err error) {
	resource := key.Resource()
	ctx, span := otel.Tracer("andaweb/pkg/query").Start(ctx, "query.fetch")
	span.SetAttributes(
		attribute.String("query.key", key.String()),
		attribute.String("query.resource", resource),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		c.metrics.fetchDuration.WithLabelValues(resource).Observe(time.Since(start).Seconds())
		if err != nil {
			c.metrics.fetchErrors.WithLabelValues(resource).Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("query %s: panic: %v", key, r)
		}
	}()

	return fn(ctx)
}

func (c *Cache) store(id string, gen uint64, out outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok || e.generation != gen {
		c.metrics.discarded.Inc()
		c.opts.Logger.Debug().Str("key", id).Msg("discarding result for invalidated query")
		return
	}

	e.fetching = false
	e.updatedAt = out.at
	if out.err != nil {
		e.status = StatusError
		e.err = out.err
		return
	}
	e.status = StatusSuccess
	e.value = out.value
	e.hasValue = true
	e.err = nil
}

// Invalidate marks key stale. The last successful value keeps being served
// while it refreshes; an entry that never succeeded goes back to Loading so the
// next Fetch waits for fresh data. Results of fetches already in flight are
// discarded.
func (c *Cache) Invalidate(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key.String()]; ok {
		c.invalidateLocked(e)
	}
}

// InvalidatePrefix invalidates every key starting with prefix and returns how many matched.
func (c *Cache) InvalidatePrefix(prefix Key) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, e := range c.entries {
		if e.key.HasPrefix(prefix) {
			c.invalidateLocked(e)
			n++
		}
	}
	return n
}

func (c *Cache) invalidateLocked(e *entry) {
	e.generation = c.nextGenLocked()
	e.fetching = false
	e.err = nil
	if e.hasValue {
		e.status = StatusSuccess
		e.updatedAt = time.Time{}
	} else {
		e.status = StatusLoading
	}
	c.metrics.invalidations.WithLabelValues(e.key.Resource()).Inc()
}

// GC drops entries that have not been read for CacheTime and returns how many were removed.
func (c *Cache) GC() int {
	now := c.opts.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for id, e := range c.entries {
		if e.fetching {
			continue
		}
		if now.Sub(e.lastUsed) >= c.opts.CacheTime {
			e.generation = c.nextGenLocked()
			delete(c.entries, id)
			n++
		}
	}
	c.metrics.entries.Set(float64(len(c.entries)))
	return n
}

// Len returns the number of entries held.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Run collects unused entries every interval until ctx ends.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = c.opts.CacheTime / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.GC(); n > 0 {
				c.opts.Logger.Debug().Int("removed", n).Msg("query cache gc")
			}
		}
	}
}
