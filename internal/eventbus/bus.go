// Package eventbus implements the in-process topic publish/subscribe
// channel that decouples the push stream from its consumers.
package eventbus

import (
	"sync"

	"github.com/google/uuid"
	"github.com/markus-barta/busdash/internal/metrics"
	"github.com/rs/zerolog"
)

// Well-known topics.
const (
	TopicNodeUpdate         = "sse:node_update"      // payload protocol.NodeUpdate
	TopicPushConnected      = "push:connected"       // payload nil
	TopicPushDisconnected   = "push:disconnected"    // payload error or nil
	TopicLoading            = "app:loading"          // payload bool
	TopicDashboardReconcile = "dashboard:reconciled" // payload []protocol.WidgetConfigEntry
)

// Handler receives the payload of one published event.
type Handler func(payload any)

// Subscription identifies one registered handler.
type Subscription struct {
	ID    string
	Topic string
}

type subscriber struct {
	id      string
	handler Handler
}

// Bus is a synchronous topic bus. Handlers run on the publishing goroutine
// in subscription order; a panicking handler is logged and skipped.
type Bus struct {
	log zerolog.Logger

	mu     sync.RWMutex
	topics map[string][]subscriber
	closed bool
}

// New creates an empty bus.
func New(log zerolog.Logger) *Bus {
	return &Bus{
		log:    log.With().Str("component", "eventbus").Logger(),
		topics: make(map[string][]subscriber),
	}
}

// Subscribe registers handler for topic. Subscribing to a closed bus
// returns a subscription that never fires.
func (b *Bus) Subscribe(topic string, handler Handler) Subscription {
	sub := Subscription{ID: uuid.NewString(), Topic: topic}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return sub
	}
	b.topics[topic] = append(b.topics[topic], subscriber{id: sub.ID, handler: handler})
	return sub
}

// Unsubscribe removes one handler. Unknown subscriptions are ignored.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.topics[sub.Topic]
	for i, s := range subs {
		if s.id == sub.ID {
			// copy so snapshots taken by in-flight publishes stay intact
			next := make([]subscriber, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			if len(next) == 0 {
				delete(b.topics, sub.Topic)
			} else {
				b.topics[sub.Topic] = next
			}
			return
		}
	}
}

// UnsubscribeTopic removes every handler of topic.
func (b *Bus) UnsubscribeTopic(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.topics, topic)
}

// Publish delivers payload to every handler of topic and returns the number
// of handlers that completed without panicking. Publishing to a topic with
// no handlers is a no-op.
func (b *Bus) Publish(topic string, payload any) int {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return 0
	}
	subs := b.topics[topic]
	b.mu.RUnlock()

	delivered := 0
	for _, s := range subs {
		if b.deliver(topic, s, payload) {
			delivered++
		}
	}
	return delivered
}

func (b *Bus) deliver(topic string, s subscriber, payload any) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			metrics.HandlerPanics.WithLabelValues(topic).Inc()
			b.log.Error().
				Str("topic", topic).
				Str("subscription", s.id).
				Interface("panic", r).
				Msg("event handler panicked")
			ok = false
		}
	}()
	s.handler(payload)
	return true
}

// Handlers returns the number of handlers registered for topic.
func (b *Bus) Handlers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Close drops all handlers; later publishes are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.topics = make(map[string][]subscriber)
}
