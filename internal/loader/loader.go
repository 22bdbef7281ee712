// Package loader batches and deduplicates keyed loads.
//
// A Loaders value is process-wide: it owns the batch functions registered per
// key type, reads through the shared object cache and keeps an in-flight table
// so that concurrent executions asking for the same key share one fetch.
//
// A Scheduler is created per execution. Load returns a Thunk immediately;
// nothing is fetched until Dispatch, which is the tick boundary. Dispatch
// flushes every key loaded since the previous tick: cache hits settle
// directly, the remaining keys are grouped by type and each type's
// BatchFunc is called once (types in parallel). Keys are memoized for the
// lifetime of the Scheduler.
//
// Fetches run detached from the caller's context so that an execution which
// is cancelled mid-flight cannot fail other executions waiting on the same
// keys; the cancelled execution's own handles settle with the context error.
// Each fetch carries its own deadline (WithFetchTimeout).
package loader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hanpama/graphloader/internal/cache"
	"github.com/hanpama/graphloader/internal/eventbus"
	"github.com/hanpama/graphloader/internal/events"
)

// BatchFunc fetches values for keys of one type. The result must be aligned
// with keys; a key without a value gets NotFound and a key-specific failure
// may be reported by placing an error at its position.
type BatchFunc func(ctx context.Context, keys []Key) ([]any, error)

// CachePolicy controls how fetched values of a type are written back to the
// shared cache.
type CachePolicy struct {
	// TTL of cached values. Zero disables shared caching for the type.
	TTL time.Duration
	// Tags returns the invalidation tags for a fetched value.
	Tags func(key Key, value any) []string
	// Versioned addresses entries through the cache version token of the key
	// type, so that cache.Bump(type) retires all of them at once.
	Versioned bool
}

// Stats counts work done by a Loaders since creation.
type Stats struct {
	Batches   uint64 // BatchFunc invocations
	Fetched   uint64 // keys passed to BatchFuncs
	CacheHits uint64
	Shared    uint64 // keys awaited from another execution's fetch
	Timeouts  uint64
}

type fetcher struct {
	fn     BatchFunc
	policy CachePolicy
}

type call struct {
	done     chan struct{}
	observed uint64 // cache clock when the call was created
	value    any
	err      error
}

// Loaders is the process-wide half of the batching layer.
type Loaders struct {
	cache    *cache.Cache
	logger   *zap.Logger
	timeout  time.Duration
	maxBatch int

	mu       sync.RWMutex
	fetchers map[string]fetcher

	flightMu sync.Mutex
	inflight map[string]*call

	batches, fetched, hits, shared, timeouts atomic.Uint64
}

// Option configures Loaders.
type Option func(*Loaders)

// WithFetchTimeout bounds every BatchFunc call. Waiters of a call that runs
// past it receive a TimeoutError.
func WithFetchTimeout(d time.Duration) Option { return func(l *Loaders) { l.timeout = d } }

// WithMaxBatchSize splits flushes of more than n keys of one type into
// several calls.
func WithMaxBatchSize(n int) Option { return func(l *Loaders) { l.maxBatch = n } }

// WithLogger sets the logger used for fetch and cache failures.
func WithLogger(logger *zap.Logger) Option { return func(l *Loaders) { l.logger = logger } }

// New creates Loaders reading through c. A nil cache disables shared caching.
func New(c *cache.Cache, opts ...Option) *Loaders {
	l := &Loaders{
		cache:    c,
		logger:   zap.NewNop(),
		fetchers: make(map[string]fetcher),
		inflight: make(map[string]*call),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Register installs the batch function for keys of type typ, replacing any
// previous registration.
func (l *Loaders) Register(typ string, fn BatchFunc, policy CachePolicy) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fetchers[typ] = fetcher{fn: fn, policy: policy}
}

// Registered reports whether typ has a batch function.
func (l *Loaders) Registered(typ string) bool {
	_, ok := l.fetcher(typ)
	return ok
}

// Cache returns the shared cache, which may be nil.
func (l *Loaders) Cache() *cache.Cache { return l.cache }

// NewScheduler creates the per-execution scheduler.
func (l *Loaders) NewScheduler() *Scheduler {
	return &Scheduler{loaders: l, memo: make(map[Key]*Thunk)}
}

// Stats returns a snapshot of the counters.
func (l *Loaders) Stats() Stats {
	return Stats{
		Batches:   l.batches.Load(),
		Fetched:   l.fetched.Load(),
		CacheHits: l.hits.Load(),
		Shared:    l.shared.Load(),
		Timeouts:  l.timeouts.Load(),
	}
}

func (l *Loaders) fetcher(typ string) (fetcher, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	f, ok := l.fetchers[typ]
	return f, ok
}

type outcome struct {
	value any
	err   error
}

type flight struct {
	key      Key
	cacheKey string
	version  uint64
	call     *call
}

// resolve settles one type's share of a tick. keys are distinct.
func (l *Loaders) resolve(ctx context.Context, typ string, keys []Key) []outcome {
	start := time.Now()
	out := make([]outcome, len(keys))
	report := events.BatchFlush{Type: typ, Keys: len(keys)}
	defer func() {
		report.Duration = time.Since(start)
		eventbus.Publish(ctx, report)
	}()

	f, ok := l.fetcher(typ)
	if !ok {
		for i, k := range keys {
			out[i].err = &ResolutionError{Key: k, Err: ErrNoBatchFunc}
		}
		report.Err = ErrNoBatchFunc
		return out
	}

	flights := make([]flight, len(keys))
	var misses []int
	for i, k := range keys {
		ck, ver := l.cacheKey(f.policy, k)
		flights[i] = flight{key: k, cacheKey: ck, version: ver}
		if v, ok := l.lookup(ctx, f.policy, ck); ok {
			out[i].value = v
			report.CacheHits++
			continue
		}
		misses = append(misses, i)
	}

	var own []flight
	l.flightMu.Lock()
	for _, i := range misses {
		fl := &flights[i]
		if c, ok := l.inflight[fl.cacheKey]; ok && !l.invalidatedSince(c.observed) {
			fl.call = c
			report.Shared++
			continue
		}
		fl.call = l.newCall()
		l.inflight[fl.cacheKey] = fl.call
		own = append(own, *fl)
	}
	l.flightMu.Unlock()
	l.hits.Add(uint64(report.CacheHits))
	l.shared.Add(uint64(report.Shared))
	report.Fetched = len(own)

	for _, batch := range chunk(own, l.maxBatch) {
		go l.fetch(ctx, typ, f, batch)
	}

	for _, i := range misses {
		c := flights[i].call
		select {
		case <-c.done:
			out[i] = outcome{value: c.value, err: c.err}
		case <-ctx.Done():
			out[i].err = &ResolutionError{Key: keys[i], Err: ctx.Err()}
		}
		if out[i].err != nil && report.Err == nil {
			report.Err = out[i].err
		}
	}
	return out
}

// fetch runs one BatchFunc call and completes its in-flight calls. It never
// observes the caller's cancellation.
func (l *Loaders) fetch(parent context.Context, typ string, f fetcher, batch []flight) {
	base := context.WithoutCancel(parent)
	ctx := base
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(base, l.timeout)
		defer cancel()
	}
	keys := make([]Key, len(batch))
	for i, fl := range batch {
		keys[i] = fl.key
	}
	l.batches.Add(1)
	l.fetched.Add(uint64(len(keys)))

	values, err := l.invoke(ctx, f.fn, keys)
	if err == nil && len(values) != len(keys) {
		err = fmt.Errorf("%w: %d keys, %d results", ErrMisaligned, len(keys), len(values))
	}
	if err != nil {
		var te *TimeoutError
		if errors.As(err, &te) {
			l.timeouts.Add(1)
		}
		l.logger.Warn("batch fetch failed",
			zap.String("type", typ),
			zap.Int("keys", len(keys)),
			zap.Error(err))
	}

	for i, fl := range batch {
		if err != nil {
			fl.call.err = &ResolutionError{Key: fl.key, Err: err}
			continue
		}
		switch v := values[i].(type) {
		case error:
			fl.call.err = &ResolutionError{Key: fl.key, Err: v}
		case missing:
		default:
			fl.call.value = v
			l.store(base, f.policy, fl, v, fl.call.observed)
		}
	}

	l.flightMu.Lock()
	for _, fl := range batch {
		if l.inflight[fl.cacheKey] == fl.call {
			delete(l.inflight, fl.cacheKey)
		}
		close(fl.call.done)
	}
	l.flightMu.Unlock()
}

func (l *Loaders) newCall() *call {
	c := &call{done: make(chan struct{})}
	if l.cache != nil {
		c.observed = l.cache.Tick()
	}
	return c
}

// invalidatedSince reports whether the cache saw a Delete or DeleteByTag after
// tick. Tags are known only once a value is fetched, so any invalidation
// counts.
func (l *Loaders) invalidatedSince(tick uint64) bool {
	return l.cache != nil && l.cache.LastInvalidation() > tick
}

func (l *Loaders) invoke(ctx context.Context, fn BatchFunc, keys []Key) ([]any, error) {
	type result struct {
		values []any
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("batch function panicked: %v", r)}
			}
		}()
		values, err := fn(ctx, keys)
		ch <- result{values: values, err: err}
	}()
	select {
	case r := <-ch:
		if r.err != nil && ctx.Err() != nil && errors.Is(r.err, context.DeadlineExceeded) {
			return nil, &TimeoutError{After: l.timeout}
		}
		return r.values, r.err
	case <-ctx.Done():
		return nil, &TimeoutError{After: l.timeout}
	}
}

func (l *Loaders) cacheKey(p CachePolicy, k Key) (string, uint64) {
	if p.Versioned && l.cache != nil {
		return l.cache.VersionedKey(k.Type, k.ID)
	}
	return k.String(), 0
}

func (l *Loaders) lookup(ctx context.Context, p CachePolicy, key string) (any, bool) {
	if l.cache == nil || p.TTL <= 0 {
		return nil, false
	}
	e, ok, err := l.cache.Get(ctx, key)
	if err != nil {
		l.cacheFailure(ctx, "get", key, err)
		return nil, false
	}
	return e.Value, ok
}

func (l *Loaders) store(ctx context.Context, p CachePolicy, fl flight, v any, observed uint64) {
	if l.cache == nil || p.TTL <= 0 {
		return
	}
	opts := []cache.SetOption{
		cache.WithTTL(p.TTL),
		cache.WithVersion(fl.version),
		cache.ObservedAt(observed),
	}
	if p.Tags != nil {
		opts = append(opts, cache.WithTags(p.Tags(fl.key, v)...))
	}
	if _, err := l.cache.Set(ctx, fl.cacheKey, v, opts...); err != nil {
		l.cacheFailure(ctx, "set", fl.cacheKey, err)
	}
}

func (l *Loaders) cacheFailure(ctx context.Context, op, key string, err error) {
	l.logger.Warn("shared cache failure, treating as miss",
		zap.String("op", op), zap.String("key", key), zap.Error(err))
	eventbus.Publish(ctx, events.CacheFailure{Op: op, Key: key, Err: err})
}

func chunk(fs []flight, size int) [][]flight {
	if len(fs) == 0 {
		return nil
	}
	if size <= 0 || len(fs) <= size {
		return [][]flight{fs}
	}
	var out [][]flight
	for len(fs) > size {
		out = append(out, fs[:size:size])
		fs = fs[size:]
	}
	return append(out, fs)
}
