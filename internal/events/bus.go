// internal/events/bus.go
package events

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Message is the envelope for data transmitted over the Bus.
type Message struct {
	ID        string      `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	Topic     Topic       `json:"topic"`
	Payload   interface{} `json:"payload"`
}

// Emitter is the publishing side of the bus. Components depend on this
// rather than on *Bus so tests can record events without subscribers.
type Emitter interface {
	Post(ctx context.Context, topic Topic, payload interface{}) error
}

// ErrBusClosed is returned by Post after Shutdown.
var ErrBusClosed = fmt.Errorf("event bus is shut down")

// Bus is a typed publish/subscribe hub. Each subscriber owns a buffered
// channel; Post blocks while a subscriber's buffer is full.
type Bus struct {
	logger *zap.Logger

	subscribers map[Topic][]chan Message
	mu          sync.RWMutex
	bufferSize  int

	// processingWg tracks delivered messages that are not yet acknowledged.
	processingWg sync.WaitGroup
	// activePostsWg tracks Post calls in flight.
	activePostsWg sync.WaitGroup

	shutdownChan chan struct{}
	shutdownOnce sync.Once
	isShutdown   bool
	shutdownMu   sync.Mutex
}

// NewBus initializes the event bus.
func NewBus(logger *zap.Logger, bufferSize int) *Bus {
	if bufferSize < 0 {
		bufferSize = 0
	}
	return &Bus{
		logger:       logger.Named("event_bus"),
		subscribers:  make(map[Topic][]chan Message),
		bufferSize:   bufferSize,
		shutdownChan: make(chan struct{}),
	}
}

// Post validates the payload type for the topic and delivers it to every subscriber.
func (b *Bus) Post(ctx context.Context, topic Topic, payload interface{}) error {
	if want, ok := payloadTypes[topic]; ok {
		if got := reflect.TypeOf(payload); got != want {
			return fmt.Errorf("topic %s expects payload %v, got %v", topic, want, got)
		}
	}

	b.shutdownMu.Lock()
	if b.isShutdown {
		b.shutdownMu.Unlock()
		return ErrBusClosed
	}
	b.activePostsWg.Add(1)
	b.shutdownMu.Unlock()
	defer b.activePostsWg.Done()

	msg := Message{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Topic:     topic,
		Payload:   payload,
	}

	b.mu.RLock()
	subs := b.subscribers[topic]
	if len(subs) == 0 {
		b.mu.RUnlock()
		return nil
	}
	// Copy so the lock is not held during channel sends.
	subsCopy := make([]chan Message, len(subs))
	copy(subsCopy, subs)
	b.mu.RUnlock()

	b.logger.Debug("Posting event", zap.String("topic", string(topic)), zap.String("id", msg.ID))

	for _, ch := range subsCopy {
		b.processingWg.Add(1)
		select {
		case ch <- msg:
		case <-ctx.Done():
			b.processingWg.Done()
			return ctx.Err()
		case <-b.shutdownChan:
			b.processingWg.Done()
			return ErrBusClosed
		}
	}
	return nil
}

// Subscribe returns a channel receiving the given topics and an unsubscribe func.
// Consumers must call Acknowledge for every message they receive.
func (b *Bus) Subscribe(topics ...Topic) (<-chan Message, func()) {
	if len(topics) == 0 {
		panic("must subscribe to at least one topic")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.shutdownMu.Lock()
	closed := b.isShutdown
	b.shutdownMu.Unlock()
	if closed {
		ch := make(chan Message)
		close(ch)
		return ch, func() {}
	}

	ch := make(chan Message, b.bufferSize)
	subscribed := make([]Topic, len(topics))
	copy(subscribed, topics)
	for _, t := range subscribed {
		b.subscribers[t] = append(b.subscribers[t], ch)
	}

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for _, t := range subscribed {
			subs := b.subscribers[t]
			for i, c := range subs {
				if c == ch {
					b.subscribers[t] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
			if len(b.subscribers[t]) == 0 {
				delete(b.subscribers, t)
			}
		}
		// The channel is closed by Shutdown, never here.
	}
	return ch, unsubscribe
}

// Acknowledge signals that a message has been processed by a consumer.
func (b *Bus) Acknowledge(Message) {
	b.processingWg.Done()
}

// Shutdown stops accepting posts, closes subscriber channels, drains their
// buffers and waits for in-flight messages to be acknowledged.
func (b *Bus) Shutdown() {
	b.shutdownOnce.Do(func() {
		b.logger.Debug("Shutting down event bus.")

		b.shutdownMu.Lock()
		b.isShutdown = true
		b.shutdownMu.Unlock()

		close(b.shutdownChan)
		b.activePostsWg.Wait()

		b.mu.Lock()
		unique := make(map[chan Message]struct{})
		for _, subs := range b.subscribers {
			for _, ch := range subs {
				unique[ch] = struct{}{}
			}
		}
		for ch := range unique {
			close(ch)
		}
		drained := 0
		for ch := range unique {
			for range ch {
				drained++
				b.processingWg.Done()
			}
		}
		b.subscribers = make(map[Topic][]chan Message)
		b.mu.Unlock()

		if drained > 0 {
			b.logger.Debug("Drained buffered events during shutdown.", zap.Int("count", drained))
		}

		b.processingWg.Wait()
		b.logger.Debug("Event bus shut down.")
	})
}

// Consume runs handler for every message on ch until it closes or ctx ends,
// acknowledging each message and recovering handler panics.
func (b *Bus) Consume(ctx context.Context, ch <-chan Message, handler func(context.Context, Message)) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.dispatch(ctx, msg, handler)
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, msg Message, handler func(context.Context, Message)) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Panic recovered in event handler",
				zap.String("message_id", msg.ID),
				zap.String("topic", string(msg.Topic)),
				zap.Any("panic_value", r),
			)
		}
		b.Acknowledge(msg)
	}()
	handler(ctx, msg)
}

// Discard is an Emitter that drops every event.
type Discard struct{}

func (Discard) Post(context.Context, Topic, interface{}) error { return nil }
