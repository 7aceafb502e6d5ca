// internal/events/recorder.go
package events

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"
)

// Recorder is an Emitter that keeps every posted event in memory. It
// validates payload types exactly like Bus so misuse is caught in tests.
type Recorder struct {
	mu     sync.Mutex
	events []Message
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Post(ctx context.Context, topic Topic, payload interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if want, ok := payloadTypes[topic]; ok {
		if got := reflect.TypeOf(payload); got != want {
			return fmt.Errorf("topic %s expects payload %v, got %v", topic, want, got)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Message{
		ID:        fmt.Sprintf("rec-%d", len(r.events)+1),
		Timestamp: time.Now().UTC(),
		Topic:     topic,
		Payload:   payload,
	})
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.events))
	copy(out, r.events)
	return out
}

// ByTopic returns the recorded messages for one topic, in posting order.
func (r *Recorder) ByTopic(topic Topic) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Message
	for _, m := range r.events {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// Count returns how many events of the topic were recorded.
func (r *Recorder) Count(topic Topic) int {
	return len(r.ByTopic(topic))
}

// Reset forgets every recorded event.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
