package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func newTestCache(opts ...Option) (*Cache, *fakeClock) {
	clk := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(append([]Option{WithClock(clk.Now)}, opts...)...), clk
}

func TestCache_GetSetDelete(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache()

	_, ok, err := c.Get(ctx, "Book#1")
	require.NoError(t, err)
	require.False(t, ok)

	stored, err := c.Set(ctx, "Book#1", "Dune", WithTTL(time.Minute), WithTags("book:1"))
	require.NoError(t, err)
	require.True(t, stored)

	e, ok, err := c.Get(ctx, "Book#1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Dune", e.Value)
	require.Equal(t, []string{"book:1"}, e.Tags)

	n, err := c.Delete(ctx, "Book#1", "Book#404")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	_, ok, _ = c.Get(ctx, "Book#1")
	require.False(t, ok)
}

func TestCache_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	c, clk := newTestCache()
	_, err := c.Set(ctx, "k", 1, WithTTL(10*time.Second))
	require.NoError(t, err)

	clk.Advance(9 * time.Second)
	_, ok, _ := c.Get(ctx, "k")
	require.True(t, ok)

	clk.Advance(time.Second)
	_, ok, _ = c.Get(ctx, "k")
	require.False(t, ok, "entry must not be returned at or past its TTL")
	require.Equal(t, 0, c.Len())
	require.Equal(t, uint64(1), c.Stats().Expirations)
}

func TestCache_NonPositiveTTLStoresNothing(t *testing.T) {
	c, _ := newTestCache()
	stored, err := c.Set(context.Background(), "k", 1, WithTTL(0))
	require.NoError(t, err)
	require.False(t, stored)
	require.Equal(t, 0, c.Len())
}

func TestCache_DeleteByTag(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache()
	c.Set(ctx, "Book#1", "a", WithTags("book:1", "books"))
	c.Set(ctx, "Book#2", "b", WithTags("book:2", "books"))
	c.Set(ctx, "Author#1", "c", WithTags("author:1"))

	n, err := c.DeleteByTag(ctx, "book:1")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	_, ok, _ := c.Get(ctx, "Book#1")
	require.False(t, ok)
	_, ok, _ = c.Get(ctx, "Book#2")
	require.True(t, ok)

	n, _ = c.DeleteByTag(ctx, "books")
	require.Equal(t, 1, n)
	_, ok, _ = c.Get(ctx, "Author#1")
	require.True(t, ok)

	// idempotent
	n, _ = c.DeleteByTag(ctx, "books", "book:1")
	require.Equal(t, 0, n)
}

func TestCache_ReplaceRetagsEntry(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache()
	c.Set(ctx, "k", 1, WithTags("old"))
	c.Set(ctx, "k", 2, WithTags("new"))

	n, _ := c.DeleteByTag(ctx, "old")
	require.Equal(t, 0, n)
	e, ok, _ := c.Get(ctx, "k")
	require.True(t, ok)
	require.Equal(t, 2, e.Value)
}

func TestCache_StaleFillDiscarded(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache()

	observed := c.Tick()
	_, err := c.DeleteByTag(ctx, "book:1")
	require.NoError(t, err)

	stored, err := c.Set(ctx, "Book#1", "stale", WithTags("book:1"), ObservedAt(observed))
	require.NoError(t, err)
	require.False(t, stored)
	require.Equal(t, uint64(1), c.Stats().Discarded)

	fresh := c.Tick()
	stored, _ = c.Set(ctx, "Book#1", "fresh", WithTags("book:1"), ObservedAt(fresh))
	require.True(t, stored)
}

func TestCache_StaleFillByKeyMark(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache()
	observed := c.Tick()
	c.Delete(ctx, "Book#1")
	stored, _ := c.Set(ctx, "Book#1", "stale", ObservedAt(observed))
	require.False(t, stored)
}

func TestCache_SweepDropsOldMarks(t *testing.T) {
	ctx := context.Background()
	c, clk := newTestCache(WithMarkRetention(time.Minute))
	observed := c.Tick()
	c.DeleteByTag(ctx, "t")
	clk.Advance(2 * time.Minute)
	c.Sweep()
	stored, _ := c.Set(ctx, "k", 1, WithTags("t"), ObservedAt(observed))
	require.True(t, stored)
}

func TestCache_MarksArePrunedWithoutJanitor(t *testing.T) {
	ctx := context.Background()
	c, clk := newTestCache(WithMarkRetention(time.Minute))
	for i := range markPruneThreshold {
		c.Delete(ctx, fmt.Sprintf("Book#%d", i))
	}
	require.Len(t, c.keyMarks, markPruneThreshold)

	clk.Advance(2 * time.Minute)
	for i := range 10 * markPruneThreshold {
		c.DeleteByTag(ctx, fmt.Sprintf("author:%d", i))
		if i%markPruneThreshold == 0 {
			clk.Advance(2 * time.Minute)
		}
	}
	require.Empty(t, c.keyMarks)
	require.LessOrEqual(t, len(c.tagMarks), 2*markPruneThreshold)
}

func TestCache_RecentMarksSurvivePruning(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(WithMarkRetention(time.Minute))
	observed := c.Tick()
	c.DeleteByTag(ctx, "book:1")
	for i := range 2 * markPruneThreshold {
		c.Delete(ctx, fmt.Sprintf("Author#%d", i))
	}
	stored, _ := c.Set(ctx, "Book#1", "stale", WithTags("book:1"), ObservedAt(observed))
	require.False(t, stored)
}

func TestCache_LastInvalidation(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache()
	require.Zero(t, c.LastInvalidation())

	before := c.Tick()
	c.Delete(ctx, "Book#1")
	afterDelete := c.LastInvalidation()
	require.Greater(t, afterDelete, before)

	c.Set(ctx, "Book#2", "Emma", WithTags("book:2"))
	require.Equal(t, afterDelete, c.LastInvalidation())

	c.DeleteByTag(ctx, "book:2")
	require.Greater(t, c.LastInvalidation(), afterDelete)
}

func TestCache_VersionedKeys(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache()

	k0, v0 := c.VersionedKey("Book", "1")
	require.Equal(t, "Book@v0:1", k0)
	c.Set(ctx, k0, "v0", WithVersion(v0))

	require.Equal(t, uint64(1), c.Bump("Book"))
	k1, _ := c.VersionedKey("Book", "1")
	require.Equal(t, "Book@v1:1", k1)
	_, ok, _ := c.Get(ctx, k1)
	require.False(t, ok)

	// old version stays until its own TTL/eviction, but is unaddressable.
	e, ok, _ := c.Get(ctx, k0)
	require.True(t, ok)
	require.Equal(t, uint64(0), e.Version)
}

func TestCache_MaxEntriesEvicts(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(WithMaxEntries(3))
	c.Set(ctx, "a", 1, WithTTL(time.Second))
	c.Set(ctx, "b", 2, WithTTL(time.Hour))
	c.Set(ctx, "c", 3, WithTTL(time.Hour))
	c.Set(ctx, "d", 4, WithTTL(time.Hour))

	require.Equal(t, 3, c.Len())
	_, ok, _ := c.Get(ctx, "a")
	require.False(t, ok, "entry closest to expiry is evicted first")
	require.Equal(t, uint64(1), c.Stats().Evictions)
}

func TestCache_CancelledContextIsCacheError(t *testing.T) {
	c, _ := newTestCache()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := c.Get(ctx, "k")
	var ce *Error
	require.True(t, errors.As(err, &ce))
	require.ErrorIs(t, err, context.Canceled)
}

func TestCache_ConcurrentReadersSeeWholeEntries(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache()
	type pair struct{ A, B int }

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				c.Set(ctx, "k", pair{A: i, B: i}, WithTags(fmt.Sprintf("w%d", w)))
			}
		}(w)
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				if e, ok, _ := c.Get(ctx, "k"); ok {
					p := e.Value.(pair)
					if p.A != p.B {
						t.Errorf("torn read: %+v", p)
						return
					}
				}
			}
		}()
	}
	wg.Wait()
}
