package events

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Result tells the bus whether later handlers of the same kind still run
type Result int

const (
	Continue Result = iota
	Consumed
)

// Handler reacts to one event. Handlers run synchronously, in subscription order.
type Handler func(ctx context.Context, ev *Event) (Result, error)

type namedHandler struct {
	name string
	fn   Handler
}

// BusMetrics counts dispatches
type BusMetrics struct {
	Published int64
	Delivered int64
	Failed    int64
}

// Bus is a single-threaded dispatcher with an explicit ordered handler list
// per kind.
type Bus struct {
	logger   *zap.Logger
	handlers map[Kind][]namedHandler
	metrics  BusMetrics
}

// NewBus creates an empty bus
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		logger:   logger.Named("bus"),
		handlers: make(map[Kind][]namedHandler),
	}
}

// Subscribe appends a handler for kind
func (b *Bus) Subscribe(kind Kind, name string, h Handler) {
	b.handlers[kind] = append(b.handlers[kind], namedHandler{name: name, fn: h})
	b.logger.Debug("Subscribed handler", zap.Stringer("kind", kind), zap.String("handler", name))
}

// Handlers returns the subscribed handler names for kind, in dispatch order
func (b *Bus) Handlers(kind Kind) []string {
	names := make([]string, 0, len(b.handlers[kind]))
	for _, h := range b.handlers[kind] {
		names = append(names, h.name)
	}
	return names
}

// Publish delivers ev to the handlers of ev.Kind until one consumes it or fails.
func (b *Bus) Publish(ctx context.Context, ev *Event) error {
	b.metrics.Published++
	for _, h := range b.handlers[ev.Kind] {
		res, err := h.fn(ctx, ev)
		if err != nil {
			b.metrics.Failed++
			return fmt.Errorf("%s handler %s: %w", ev.Kind, h.name, err)
		}
		b.metrics.Delivered++
		if res == Consumed {
			break
		}
	}
	return nil
}

// PublishPhased publishes the PRE, main and POST phases of a calendar event.
// Other kinds are published once.
func (b *Bus) PublishPhased(ctx context.Context, ev *Event) error {
	pre, post, ok := ev.Kind.Phased()
	if !ok {
		return b.Publish(ctx, ev)
	}
	for _, k := range []Kind{pre, ev.Kind, post} {
		if err := b.Publish(ctx, ev.WithKind(k)); err != nil {
			return err
		}
	}
	return nil
}

// Metrics returns current bus metrics
func (b *Bus) Metrics() BusMetrics {
	return b.metrics
}
