package invalidation

import (
	"context"

	"go.uber.org/zap"

	"github.com/hanpama/graphloader/internal/eventbus"
	"github.com/hanpama/graphloader/internal/events"
)

// Evictor is the write side of a cache as seen by the bus.
type Evictor interface {
	Delete(ctx context.Context, keys ...string) (int, error)
	DeleteByTag(ctx context.Context, tags ...string) (int, error)
	Bump(namespace string) uint64
}

// Attach subscribes c to b. Tag events delete by tag, key events delete the
// key and version events bump the namespace token.
func Attach(b *Bus, c Evictor, logger *zap.Logger) (unsubscribe func()) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return b.Subscribe(func(ctx context.Context, ev Event) {
		var (
			removed int
			err     error
		)
		switch ev.Target.Kind {
		case KindTag:
			removed, err = c.DeleteByTag(ctx, ev.Target.Value)
		case KindKey:
			removed, err = c.Delete(ctx, ev.Target.Value)
		case KindVersion:
			c.Bump(ev.Target.Value)
		default:
			logger.Warn("unknown invalidation kind", zap.String("kind", string(ev.Target.Kind)))
			return
		}
		if err != nil {
			logger.Error("apply invalidation",
				zap.String("target", ev.Target.String()),
				zap.String("event", ev.ID),
				zap.Error(err))
			return
		}
		eventbus.Publish(ctx, events.Invalidated{
			Kind:      string(ev.Target.Kind),
			Value:     ev.Target.Value,
			Timestamp: ev.Timestamp,
			Removed:   removed,
		})
	})
}

type busKey struct{}

// NewContext returns a context carrying b so that mutation resolvers can
// publish without holding a reference to it.
func NewContext(parent context.Context, b *Bus) context.Context {
	return context.WithValue(parent, busKey{}, b)
}

// FromContext returns the bus stored in ctx, if any.
func FromContext(ctx context.Context) (*Bus, bool) {
	b, ok := ctx.Value(busKey{}).(*Bus)
	return b, ok && b != nil
}

// Publish sends targets through the bus carried by ctx. Without a bus it does
// nothing.
func Publish(ctx context.Context, targets ...Target) ([]Event, error) {
	b, ok := FromContext(ctx)
	if !ok {
		return nil, nil
	}
	return b.Publish(ctx, targets...)
}
