package loader

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

type queued struct {
	key   Key
	thunk *Thunk
}

// Scheduler collects the loads of one execution and flushes them once per
// tick. It must not outlive the execution it was created for.
type Scheduler struct {
	loaders *Loaders

	mu    sync.Mutex
	memo  map[Key]*Thunk
	queue []queued
	ticks int
}

// Load returns the handle for key. A key already loaded by this scheduler
// returns the existing handle; otherwise the key is queued for the next
// Dispatch.
func (s *Scheduler) Load(key Key) *Thunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.memo[key]; ok {
		return t
	}
	t := newThunk()
	s.memo[key] = t
	s.queue = append(s.queue, queued{key: key, thunk: t})
	return t
}

// LoadMany loads every key and returns a handle for the ordered values.
func (s *Scheduler) LoadMany(keys []Key) *Thunk {
	ts := make([]*Thunk, len(keys))
	for i, k := range keys {
		ts[i] = s.Load(k)
	}
	return All(ts...)
}

// Prime seeds the memo table with a known value. It reports false and leaves
// the table unchanged if key was already loaded.
func (s *Scheduler) Prime(key Key, value any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.memo[key]; ok {
		return false
	}
	s.memo[key] = Resolved(value)
	return true
}

// Clear forgets key so that the next Load fetches it again. Handles already
// handed out still settle.
func (s *Scheduler) Clear(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.memo, key)
}

// Pending returns the number of keys queued for the next tick.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Ticks returns the number of flushes performed so far.
func (s *Scheduler) Ticks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticks
}

// Dispatch flushes the keys queued since the previous tick and settles their
// handles before returning. Loads issued while handles settle are queued for
// the next tick. It returns the number of keys flushed.
func (s *Scheduler) Dispatch(ctx context.Context) int {
	s.mu.Lock()
	batch := s.queue
	s.queue = nil
	if len(batch) > 0 {
		s.ticks++
	}
	s.mu.Unlock()
	if len(batch) == 0 {
		return 0
	}

	if err := ctx.Err(); err != nil {
		for _, q := range batch {
			q.thunk.settle(nil, &ResolutionError{Key: q.key, Err: err})
		}
		return len(batch)
	}

	var order []string
	groups := make(map[string][]queued)
	for _, q := range batch {
		if _, ok := groups[q.key.Type]; !ok {
			order = append(order, q.key.Type)
		}
		groups[q.key.Type] = append(groups[q.key.Type], q)
	}

	results := make([][]outcome, len(order))
	var g errgroup.Group
	for i, typ := range order {
		g.Go(func() error {
			qs := groups[typ]
			keys := make([]Key, len(qs))
			for j, q := range qs {
				keys[j] = q.key
			}
			results[i] = s.loaders.resolve(ctx, typ, keys)
			return nil
		})
	}
	_ = g.Wait()

	for i, typ := range order {
		for j, q := range groups[typ] {
			r := results[i][j]
			q.thunk.settle(r.value, r.err)
		}
	}
	return len(batch)
}

// Run dispatches until no loads are queued, then waits for t.
func (s *Scheduler) Run(ctx context.Context, t *Thunk) (any, error) {
	for !t.Settled() && s.Pending() > 0 {
		s.Dispatch(ctx)
	}
	return t.Wait(ctx)
}
