// Package eventbus implements AgentCom's in-process publish/subscribe fanout.
// It is used by the scheduler, the dashboard snapshotter, telemetry, and the
// hub FSM. Publish must never block on a slow subscriber — each subscriber
// owns a bounded buffered channel and overflow is drop-newest with a counter,
// matching the broadcast idiom in the teacher's websocket.Hub.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Well-known topics named in the spec.
const (
	TopicTasks       = "tasks"
	TopicGoals       = "goals"
	TopicHubFSM      = "hub_fsm"
	TopicRateLimits  = "rate_limits"
	TopicPresence    = "presence"
	TopicMailbox     = "mailbox"
	TopicMaintenance = "maintenance"
)

// Event is one published message.
type Event struct {
	Topic     string
	Type      string
	Payload   any
	Timestamp time.Time
}

type subscription struct {
	ch      chan Event
	dropped atomic.Int64
}

// Bus is a topic-keyed publish/subscribe fanout.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]*subscription
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[string][]*subscription)}
}

// Subscribe returns a channel receiving every Event published to topic, and
// an Unsubscribe func to stop and release it. bufferSize <= 0 defaults to 64.
func (b *Bus) Subscribe(topic string, bufferSize int) (<-chan Event, func()) {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	sub := &subscription{ch: make(chan Event, bufferSize)}

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[topic]
		for i, s := range list {
			if s == sub {
				b.subs[topic] = append(list[:i], list[i+1:]...)
				close(sub.ch)
				return
			}
		}
	}
	return sub.ch, unsubscribe
}

// Publish fans out an event to every subscriber of topic. A subscriber whose
// buffer is full has the event dropped for it (counted, not delivered) —
// this keeps Publish non-blocking regardless of subscriber behavior.
func (b *Bus) Publish(topic, eventType string, payload any) {
	b.mu.RLock()
	subs := b.subs[topic]
	b.mu.RUnlock()

	evt := Event{Topic: topic, Type: eventType, Payload: payload, Timestamp: time.Now()}
	for _, sub := range subs {
		select {
		case sub.ch <- evt:
		default:
			sub.dropped.Add(1)
		}
	}
}

// DroppedCount reports aggregate drops across all current subscribers of a
// topic — useful for the metrics collector's overflow gauge.
func (b *Bus) DroppedCount(topic string) int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var total int64
	for _, sub := range b.subs[topic] {
		total += sub.dropped.Load()
	}
	return total
}

// SubscriberCount reports how many active subscribers a topic has.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
