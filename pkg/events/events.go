package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Topic identifies a class of events
type Topic string

const (
	TopicMailSent     Topic = "mail:sent"
	TopicMailReceived Topic = "mail:received"
	TopicMailRouted   Topic = "mail:routed"
	TopicMailFailed   Topic = "mail:failed"
	TopicMailBounced  Topic = "mail:bounced"
	TopicMailCounts   Topic = "mail:counts"
	TopicBeeStatus    Topic = "bee:status"
	TopicSwarmUpdated Topic = "swarm:updated"
)

// Event is a single status change fanned out to subscribers. The payload is
// JSON-marshallable; its shape depends on the topic.
type Event struct {
	ID        string      `json:"id"`
	Topic     Topic       `json:"topic"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

const (
	// DefaultSubscriberQueue is the per-subscriber buffer. A subscriber
	// whose queue fills is dropped; its channel closes so it knows to
	// reconnect.
	DefaultSubscriberQueue = 256

	// publishBuffer decouples publishers from the broadcast loop.
	publishBuffer = 1024
)

// Subscription is one subscriber's view of the event stream
type Subscription struct {
	ch      chan *Event
	dropped atomic.Bool
}

// C returns the receive channel. It is closed when the subscription is
// dropped (slow consumer) or unsubscribed.
func (s *Subscription) C() <-chan *Event {
	return s.ch
}

// Dropped reports whether the broker evicted this subscriber for falling
// behind. After a drop the subscriber should resubscribe.
func (s *Subscription) Dropped() bool {
	return s.dropped.Load()
}

// Broker fans events out to all subscribers. A single distribution
// goroutine preserves publication order; per-subscriber queues are bounded
// and overflow drops the subscriber rather than blocking the hot path.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[*Subscription]struct{}
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
	queueSize   int
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[*Subscription]struct{}),
		eventCh:     make(chan *Event, publishBuffer),
		stopCh:      make(chan struct{}),
		queueSize:   DefaultSubscriberQueue,
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker and closes all subscriber channels
func (b *Broker) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
}

// Subscribe registers a new subscriber
func (b *Broker) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{ch: make(chan *Event, b.queueSize)}
	b.subscribers[sub] = struct{}{}
	return sub
}

// Unsubscribe removes a subscription and closes its channel
func (b *Broker) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub.ch)
	}
}

// Publish publishes an event to all subscribers. Never blocks longer than
// the publish buffer allows; events published after Stop are discarded.
func (b *Broker) Publish(topic Topic, payload interface{}) {
	event := &Event{
		ID:        uuid.New().String(),
		Topic:     topic,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			b.closeAll()
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		select {
		case sub.ch <- event:
		default:
			// Queue full: evict the subscriber. Closing the channel is
			// the reconnect signal.
			sub.dropped.Store(true)
			delete(b.subscribers, sub)
			close(sub.ch)
		}
	}
}

func (b *Broker) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		delete(b.subscribers, sub)
		close(sub.ch)
	}
}
