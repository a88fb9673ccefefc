// Package events delivers committed escrow events to logs, metrics and a
// NATS subject.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"blindescrow/internal/escrow"
)

// Envelope is the wire form of a published event.
type Envelope struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Time    time.Time       `json:"time"`
	Payload json.RawMessage `json:"payload"`
}

func NewEnvelope(ev escrow.Event, at time.Time) (Envelope, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		ID:      uuid.NewString(),
		Name:    ev.EventName(),
		Time:    at.UTC(),
		Payload: payload,
	}, nil
}

// Log writes every event to a structured logger.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Emit(ctx context.Context, ev escrow.Event) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "escrow event", "event", ev.EventName(), "payload", ev)
	return nil
}

// Fanout emits to every emitter and joins their errors.
type Fanout []escrow.Emitter

func (f Fanout) Emit(ctx context.Context, ev escrow.Event) error {
	var errs []error
	for _, e := range f {
		if err := e.Emit(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []escrow.Event
}

func (r *Recorder) Emit(_ context.Context, ev escrow.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Events() []escrow.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]escrow.Event, len(r.events))
	copy(out, r.events)
	return out
}

// Named returns the recorded events with the given name.
func (r *Recorder) Named(name string) []escrow.Event {
	var out []escrow.Event
	for _, ev := range r.Events() {
		if ev.EventName() == name {
			out = append(out, ev)
		}
	}
	return out
}
