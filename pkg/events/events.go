// Package events adapts the teacher's in-memory broker into the cache
// builder's upsert/delete notification fan-out (§4.5): process_op's
// gRPC-facing notification stream is just this broker's Publish, consumed
// by one goroutine per streaming query subscriber.
package events

import (
	"sync"
	"time"

	"github.com/getdozer/dozer/pkg/metrics"
)

// EventType distinguishes the record-level changes the broker fans out.
type EventType string

const (
	EventUpserted EventType = "record.upserted"
	EventDeleted  EventType = "record.deleted"
)

// Event is one cache mutation notification.
type Event struct {
	Endpoint  string
	Type      EventType
	RecordID  uint64
	Timestamp time.Time
}

// Subscriber is a channel that receives Events for one endpoint.
type Subscriber chan *Event

// Broker distributes cache-mutation notifications to streaming query
// subscribers, one per endpoint. Publish is non-blocking: a full
// subscriber buffer drops the notification rather than stalling the
// cache builder's apply loop.
type Broker struct {
	endpoint    string
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a broker for one endpoint's notification stream.
func NewBroker(endpoint string) *Broker {
	return &Broker{
		endpoint:    endpoint,
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop.
func (b *Broker) Start() { go b.run() }

// Stop stops the broker's distribution loop. Subscriber channels remain
// open; callers must Unsubscribe explicitly.
func (b *Broker) Stop() { close(b.stopCh) }

// Subscribe registers a new subscription and returns its channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes and closes sub.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish fans event out to every subscriber.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			metrics.CacheNotifyDroppedTotal.WithLabelValues(b.endpoint).Inc()
		}
	}
}

// SubscriberCount reports the current number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
