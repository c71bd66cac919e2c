package telemetry

import (
	"context"
	"errors"
)

// EventEmitter emits session events (e.g. to OTel Logs or Kafka). Best-effort; callers log and ignore errors.
type EventEmitter interface {
	Emit(ctx context.Context, event *Event) error
}

// BatchEmitter is implemented by emitters that can deliver several events in order.
type BatchEmitter interface {
	EmitAll(ctx context.Context, events []*Event) error
}

// EmitAll sends events through e in order. It uses e's EmitAll when available; otherwise it
// calls Emit for each event and joins the errors.
func EmitAll(ctx context.Context, e EventEmitter, events []*Event) error {
	if e == nil || len(events) == 0 {
		return nil
	}
	if b, ok := e.(BatchEmitter); ok {
		return b.EmitAll(ctx, events)
	}
	var errs []error
	for _, event := range events {
		if err := e.Emit(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Fanout sends every event to each non-nil emitter and joins their errors.
func Fanout(emitters ...EventEmitter) EventEmitter {
	out := make(fanout, 0, len(emitters))
	for _, e := range emitters {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}

type fanout []EventEmitter

func (f fanout) Emit(ctx context.Context, event *Event) error {
	if event == nil {
		return nil
	}
	var errs []error
	for _, e := range f {
		if err := e.Emit(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
