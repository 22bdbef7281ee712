package loader

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Thunk is a handle to a value that becomes available once the scheduler
// flushes the tick it was loaded in. Thunks are safe for concurrent use and
// settle exactly once.
type Thunk struct {
	mu      sync.Mutex
	done    chan struct{}
	value   any
	err     error
	waiters []func()
}

func newThunk() *Thunk { return &Thunk{done: make(chan struct{})} }

// Resolved returns a settled thunk holding v.
func Resolved(v any) *Thunk {
	t := newThunk()
	t.settle(v, nil)
	return t
}

// Rejected returns a settled thunk holding err.
func Rejected(err error) *Thunk {
	t := newThunk()
	t.settle(nil, err)
	return t
}

func (t *Thunk) settle(v any, err error) {
	if inner, ok := v.(*Thunk); ok && inner != nil && err == nil {
		if inner == t {
			t.settle(nil, errors.New("loader: thunk settled with itself"))
			return
		}
		inner.onSettle(func() { t.settle(inner.Result()) })
		return
	}
	t.mu.Lock()
	select {
	case <-t.done:
		t.mu.Unlock()
		return
	default:
	}
	t.value, t.err = v, err
	close(t.done)
	ws := t.waiters
	t.waiters = nil
	t.mu.Unlock()
	for _, w := range ws {
		w()
	}
}

// onSettle runs fn after t settles, immediately if it already has.
func (t *Thunk) onSettle(fn func()) {
	t.mu.Lock()
	select {
	case <-t.done:
		t.mu.Unlock()
		fn()
	default:
		t.waiters = append(t.waiters, fn)
		t.mu.Unlock()
	}
}

// Then returns a handle settled with fn's result once t settles without an
// error. fn may return another *Thunk; the returned handle then follows it.
// Loads issued by fn are flushed in the next tick.
func (t *Thunk) Then(fn func(any) (any, error)) *Thunk {
	out := newThunk()
	t.onSettle(func() {
		v, err := t.Result()
		if err != nil {
			out.settle(nil, err)
			return
		}
		out.settle(protect(fn, v))
	})
	return out
}

// Recover returns a handle that settles like t, except that an error is
// replaced by the result of fn.
func (t *Thunk) Recover(fn func(error) (any, error)) *Thunk {
	out := newThunk()
	t.onSettle(func() {
		v, err := t.Result()
		if err == nil {
			out.settle(v, nil)
			return
		}
		out.settle(protect(func(any) (any, error) { return fn(err) }, nil))
	})
	return out
}

func protect(fn func(any) (any, error), v any) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("loader: callback panicked: %v", r)
		}
	}()
	return fn(v)
}

// Done is closed when t settles.
func (t *Thunk) Done() <-chan struct{} { return t.done }

// Settled reports whether the value is available.
func (t *Thunk) Settled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Result returns the settled value, or ErrPending.
func (t *Thunk) Result() (any, error) {
	if !t.Settled() {
		return nil, ErrPending
	}
	return t.value, t.err
}

// Wait blocks until t settles or ctx is done.
func (t *Thunk) Wait(ctx context.Context) (any, error) {
	select {
	case <-t.done:
		return t.value, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// All settles with the values of ts in order, or with the first error by
// position once every handle has settled.
func All(ts ...*Thunk) *Thunk {
	out := newThunk()
	if len(ts) == 0 {
		out.settle([]any{}, nil)
		return out
	}
	var mu sync.Mutex
	remaining := len(ts)
	for _, t := range ts {
		t.onSettle(func() {
			mu.Lock()
			remaining--
			last := remaining == 0
			mu.Unlock()
			if !last {
				return
			}
			values := make([]any, len(ts))
			for i, t := range ts {
				v, err := t.Result()
				if err != nil {
					out.settle(nil, err)
					return
				}
				values[i] = v
			}
			out.settle(values, nil)
		})
	}
	return out
}
