// Package bus provides the per-pipeline publish/subscribe channel for
// textual events: file rotations, stream connect/disconnect, detection hits.
// Every Pipeline owns its own Bus; there is no process-wide instance.
package bus

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// TopicPluginEvent is the default topic stage events are published on.
const TopicPluginEvent = "plugin_event"

// Callback receives a published message. Callbacks run synchronously on the
// publisher's goroutine, outside the subscriber lock.
type Callback func(msg string)

// Subscription identifies a registered callback so it can be removed later.
type Subscription struct {
	topic string
	id    string
}

type subscriber struct {
	id string
	cb Callback
}

// Bus is a topic-indexed fan-out of textual events. Within a topic a single
// publisher sees its messages delivered in publish order; across topics
// there are no ordering guarantees.
type Bus struct {
	log *slog.Logger

	mu     sync.Mutex
	topics map[string][]subscriber
}

// New creates an empty Bus. If log is nil, slog.Default() is used.
func New(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		log:    log.With("component", "eventbus"),
		topics: make(map[string][]subscriber),
	}
}

// Subscribe registers cb for topic and returns a token for Unsubscribe.
func (b *Bus) Subscribe(topic string, cb Callback) Subscription {
	sub := subscriber{id: uuid.NewString(), cb: cb}

	b.mu.Lock()
	b.topics[topic] = append(b.topics[topic], sub)
	b.mu.Unlock()

	return Subscription{topic: topic, id: sub.id}
}

// Unsubscribe removes a previously registered callback. Unsubscribing twice
// or with a zero token is a no-op. A subscriber that unsubscribes itself
// from within its own callback still completes the current delivery but is
// absent from the next publish's snapshot.
func (b *Bus) Unsubscribe(s Subscription) {
	if s.id == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.topics[s.topic]
	for i, sub := range subs {
		if sub.id == s.id {
			b.topics[s.topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.topics[s.topic]) == 0 {
		delete(b.topics, s.topic)
	}
}

// Publish synchronously invokes every callback subscribed to topic at the
// moment the subscriber snapshot is taken. Subscriptions made from within a
// callback are visible only to the next Publish. A panicking subscriber is
// isolated: the panic is recovered and logged, and later subscribers still
// run.
func (b *Bus) Publish(topic, msg string) {
	b.mu.Lock()
	snapshot := make([]subscriber, len(b.topics[topic]))
	copy(snapshot, b.topics[topic])
	b.mu.Unlock()

	for _, sub := range snapshot {
		b.invoke(topic, sub, msg)
	}
}

func (b *Bus) invoke(topic string, sub subscriber, msg string) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("subscriber panicked", "topic", topic, "panic", r)
		}
	}()
	sub.cb(msg)
}
