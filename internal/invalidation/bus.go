// Package invalidation carries tag, key and version invalidation events from
// mutation handlers to the caches that hold derived data.
//
// Publishing is cheap and never blocks on subscribers: events are queued and
// delivered by a single worker in publish order. The time between Publish
// returning and the worker applying the event is the staleness window during
// which concurrent readers may still observe the old entry. Drain waits for
// that window to close; WithSynchronousDelivery removes it entirely at the
// cost of running subscribers on the publishing goroutine.
//
// Subscribers must be idempotent. The bus drops exact re-deliveries of an
// event ID it has seen recently, but events may still be replayed by external
// producers after that window.
package invalidation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hanpama/graphloader/internal/eventbus"
)

// Kind selects what an invalidation targets.
type Kind string

const (
	KindTag     Kind = "tag"
	KindKey     Kind = "key"
	KindVersion Kind = "version"
)

// Target is a single thing to invalidate.
type Target struct {
	Kind  Kind
	Value string
}

// Tag targets every cache entry carrying tag.
func Tag(tag string) Target { return Target{Kind: KindTag, Value: tag} }

// Key targets the cache entry stored under key.
func Key(key string) Target { return Target{Kind: KindKey, Value: key} }

// Version targets a version namespace; subscribers bump its token.
func Version(namespace string) Target { return Target{Kind: KindVersion, Value: namespace} }

func (t Target) String() string { return string(t.Kind) + ":" + t.Value }

// Event is one invalidation as delivered to subscribers.
type Event struct {
	ID        string
	Target    Target
	Timestamp uint64 // logical, monotonically increasing per bus
	Origin    string
}

// Handler applies an event. It must tolerate re-delivery.
type Handler func(context.Context, Event)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("invalidation: bus closed")

type queued struct {
	ctx     context.Context
	ev      Event
	barrier chan struct{}
}

// Bus is an in-process invalidation bus safe for concurrent use.
type Bus struct {
	events *eventbus.Bus
	clock  atomic.Uint64
	origin string
	logger *zap.Logger

	synchronous bool
	queue       chan queued

	seenMu   sync.Mutex
	seen     map[string]struct{}
	seenRing []string
	seenNext int

	closeMu   sync.RWMutex
	closeOnce sync.Once
	closed    bool
	done      chan struct{}
}

// Option configures a Bus.
type Option func(*Bus)

// WithSynchronousDelivery delivers events on the publishing goroutine.
func WithSynchronousDelivery() Option { return func(b *Bus) { b.synchronous = true } }

// WithQueueSize sets the delivery queue capacity. Publish blocks while the
// queue is full.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queue = make(chan queued, n)
		}
	}
}

// WithOrigin names the producer recorded on published events.
func WithOrigin(origin string) Option { return func(b *Bus) { b.origin = origin } }

// WithDedupWindow sets how many recent event IDs are remembered for
// re-delivery suppression.
func WithDedupWindow(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.seenRing = make([]string, n)
		}
	}
}

// WithLogger sets the logger used for subscriber failures.
func WithLogger(l *zap.Logger) Option { return func(b *Bus) { b.logger = l } }

// New creates a bus and starts its delivery worker.
func New(opts ...Option) *Bus {
	b := &Bus{
		events:   eventbus.New(),
		logger:   zap.NewNop(),
		queue:    make(chan queued, 1024),
		seen:     make(map[string]struct{}),
		seenRing: make([]string, 4096),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	if b.synchronous {
		close(b.done)
	} else {
		go b.run()
	}
	return b
}

// Subscribe registers h for every subsequently delivered event.
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	return eventbus.On(b.events, eventbus.Handler[Event](h))
}

// Publish stamps one event per target and queues it for delivery. The
// returned events carry the assigned IDs and timestamps.
func (b *Bus) Publish(ctx context.Context, targets ...Target) ([]Event, error) {
	out := make([]Event, 0, len(targets))
	for _, t := range targets {
		ev := Event{
			ID:        uuid.NewString(),
			Target:    t,
			Timestamp: b.clock.Add(1),
			Origin:    b.origin,
		}
		if err := b.enqueue(ctx, ev); err != nil {
			return out, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// Forward re-publishes an event received from another process, keeping its
// ID so that duplicates are suppressed, and advances the local clock past its
// timestamp.
func (b *Bus) Forward(ctx context.Context, ev Event) error {
	if ev.ID == "" {
		return fmt.Errorf("invalidation: forwarded event has no id")
	}
	for {
		cur := b.clock.Load()
		if ev.Timestamp <= cur || b.clock.CompareAndSwap(cur, ev.Timestamp) {
			break
		}
	}
	return b.enqueue(ctx, ev)
}

func (b *Bus) enqueue(ctx context.Context, ev Event) error {
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	dctx := context.WithoutCancel(ctx)
	if b.synchronous {
		b.deliver(dctx, ev)
		return nil
	}
	select {
	case b.queue <- queued{ctx: dctx, ev: ev}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) run() {
	defer close(b.done)
	for q := range b.queue {
		if q.barrier != nil {
			close(q.barrier)
			continue
		}
		b.deliver(q.ctx, q.ev)
	}
}

func (b *Bus) deliver(ctx context.Context, ev Event) {
	if !b.markSeen(ev.ID) {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("invalidation subscriber panicked",
				zap.String("target", ev.Target.String()), zap.Any("panic", r))
		}
	}()
	eventbus.Emit(ctx, b.events, ev)
}

// markSeen records id and reports whether it was new.
func (b *Bus) markSeen(id string) bool {
	b.seenMu.Lock()
	defer b.seenMu.Unlock()
	if _, ok := b.seen[id]; ok {
		return false
	}
	if old := b.seenRing[b.seenNext]; old != "" {
		delete(b.seen, old)
	}
	b.seenRing[b.seenNext] = id
	b.seenNext = (b.seenNext + 1) % len(b.seenRing)
	b.seen[id] = struct{}{}
	return true
}

// Drain blocks until every event queued before the call has been delivered.
func (b *Bus) Drain(ctx context.Context) error {
	b.closeMu.RLock()
	if b.closed || b.synchronous {
		b.closeMu.RUnlock()
		return nil
	}
	barrier := make(chan struct{})
	select {
	case b.queue <- queued{barrier: barrier}:
	case <-ctx.Done():
		b.closeMu.RUnlock()
		return ctx.Err()
	}
	b.closeMu.RUnlock()
	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events, delivers what is queued and stops the worker.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		b.closeMu.Lock()
		b.closed = true
		if !b.synchronous {
			close(b.queue)
		}
		b.closeMu.Unlock()
		<-b.done
	})
}
