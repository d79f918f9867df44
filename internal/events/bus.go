package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Sink receives emitted events. Implementations must treat delivery as
// fire-and-forget from the core's perspective; a failing sink never blocks
// the pricing or ledger critical paths.
type Sink interface {
	Publish(ctx context.Context, event Event) error
}

// Publisher is the narrow interface core components accept. A nil publisher
// disables emission entirely.
type Publisher interface {
	Emit(ctx context.Context, event Event) error
}

// Bus fans emitted events out to all configured sinks.
type Bus struct {
	Sinks []Sink
}

// Emit dispatches the event to every sink, joining any errors.
func (b *Bus) Emit(ctx context.Context, event Event) error {
	if b == nil {
		return nil
	}
	if event == nil {
		return errors.New("events: event is required")
	}
	var joined error
	for _, sink := range b.Sinks {
		if sink == nil {
			continue
		}
		if err := sink.Publish(ctx, event); err != nil {
			joined = errors.Join(joined, fmt.Errorf("events: sink: %w", err))
		}
	}
	return joined
}

// Recorder is a Sink that captures events for inspection in tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish implements Sink.
func (r *Recorder) Publish(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// ByTopic returns the recorded events matching the topic.
func (r *Recorder) ByTopic(topic string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Topic() == topic {
			out = append(out, e)
		}
	}
	return out
}
