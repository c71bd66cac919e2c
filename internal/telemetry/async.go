package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// emitTimeout is the max time allowed for a single async emit.
const emitTimeout = 5 * time.Second

// AsyncEmitter runs each Emit of the wrapped emitter in its own goroutine so request handlers
// are never blocked by slow sinks. Errors are logged. Close waits for in-flight emits.
type AsyncEmitter struct {
	inner  EventEmitter
	logger zerolog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewAsyncEmitter wraps inner. inner may be nil; then Emit is a no-op.
func NewAsyncEmitter(inner EventEmitter, logger zerolog.Logger) *AsyncEmitter {
	return &AsyncEmitter{inner: inner, logger: logger}
}

// Emit schedules the event and returns immediately. The emit runs with its own timeout so request
// cancellation does not abort it. Events emitted after Close are dropped.
func (a *AsyncEmitter) Emit(ctx context.Context, event *Event) error {
	if event == nil {
		return nil
	}
	return a.EmitAll(ctx, []*Event{event})
}

// EmitAll schedules events and returns immediately. They are sent one after another in a single
// goroutine, so the inner emitter sees them in slice order.
func (a *AsyncEmitter) EmitAll(_ context.Context, events []*Event) error {
	if a == nil || a.inner == nil || len(events) == 0 {
		return nil
	}
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.wg.Add(1)
	a.mu.Unlock()

	go func() {
		defer a.wg.Done()
		for _, event := range events {
			if event == nil {
				continue
			}
			emitCtx, cancel := context.WithTimeout(context.Background(), emitTimeout)
			if err := a.inner.Emit(emitCtx, event); err != nil {
				a.logger.Warn().Err(err).Str("event_type", event.Type).Msg("telemetry: async emit failed")
			}
			cancel()
		}
	}()
	return nil
}

// Close stops accepting events and waits for in-flight emits or ctx, whichever comes first.
func (a *AsyncEmitter) Close(ctx context.Context) error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
