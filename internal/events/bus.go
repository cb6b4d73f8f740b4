package events

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Sink receives every committed event. A failing sink never affects the
// operation that produced the event.
type Sink interface {
	Name() string
	Write(ctx context.Context, e Event) error
}

// Handler is an in-process subscriber.
type Handler func(e Event)

// Bus fans committed events out to in-process handlers and sinks. Events
// reach the bus already sequenced by the store that committed them.
type Bus struct {
	logger *zap.Logger

	mu       sync.RWMutex
	sinks    []Sink
	handlers []Handler
}

// NewBus creates a bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{logger: logger}
}

// AddSink registers an external sink.
func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Subscribe registers an in-process handler.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish delivers events in order, handlers first. Call only after the
// producing transaction has committed.
func (b *Bus) Publish(ctx context.Context, evts ...Event) {
	b.mu.RLock()
	sinks := append([]Sink(nil), b.sinks...)
	handlers := append([]Handler(nil), b.handlers...)
	b.mu.RUnlock()

	for _, e := range evts {
		for _, h := range handlers {
			h(e)
		}
		for _, s := range sinks {
			if err := s.Write(ctx, e); err != nil {
				b.logger.Warn("Event sink failed",
					zap.String("sink", s.Name()),
					zap.String("type", string(e.Type)),
					zap.Uint64("sequence", e.Sequence),
					zap.Error(err))
			}
		}
	}
}
