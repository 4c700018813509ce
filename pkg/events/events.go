package events

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventType names a session lifecycle event
type EventType string

const (
	EventSessionStarted   EventType = "session.started"
	EventSessionEnded     EventType = "session.ended"
	EventSessionTimeout   EventType = "session.timeout"
	EventFaultRecorded    EventType = "fault.recorded"
	EventFaultCleared     EventType = "fault.cleared"
	EventTaskCompleted    EventType = "task.completed"
	EventOperationTimeout EventType = "operation.timeout"
)

const (
	queueSize      = 256
	subscriberSize = 64
)

// Event is something that happened to a device session
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	DeviceID  string
	SessionID string
	Message   string
	Metadata  map[string]string
}

// NewEvent creates an event with a fresh ID
func NewEvent(t EventType, deviceID, sessionID, message string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      t,
		DeviceID:  deviceID,
		SessionID: sessionID,
		Message:   message,
		Metadata:  make(map[string]string),
	}
}

// With sets a metadata key and returns the event
func (e *Event) With(key, value string) *Event {
	e.Metadata[key] = value
	return e
}

// Subscriber receives events
type Subscriber chan *Event

// Broker fans events out to subscribers. Delivery is best effort: a full
// subscriber misses the event.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber][]EventType
	queue       chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
	dropped     atomic.Uint64
}

// NewBroker creates a broker; Start must be called before events flow
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber][]EventType),
		queue:       make(chan *Event, queueSize),
		stopCh:      make(chan struct{}),
	}
}

// Start runs the fan-out loop
func (b *Broker) Start() {
	go func() {
		for {
			select {
			case ev := <-b.queue:
				b.deliver(ev)
			case <-b.stopCh:
				return
			}
		}
	}()
}

// Stop ends the fan-out loop. Later publishes are dropped.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe returns a channel receiving every event
func (b *Broker) Subscribe() Subscriber {
	return b.SubscribeTypes()
}

// SubscribeTypes returns a channel receiving only the given types, or
// every event when none are given
func (b *Broker) SubscribeTypes(types ...EventType) Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, subscriberSize)
	b.subscribers[sub] = types
	return sub
}

// Unsubscribe removes sub and closes it
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; !ok {
		return
	}
	delete(b.subscribers, sub)
	close(sub)
}

// Publish queues an event. A nil broker drops it.
func (b *Broker) Publish(event *Event) {
	if b == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case <-b.stopCh:
		b.dropped.Add(1)
		return
	default:
	}
	select {
	case b.queue <- event:
	default:
		b.dropped.Add(1)
	}
}

func (b *Broker) deliver(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub, types := range b.subscribers {
		if len(types) > 0 && !slices.Contains(types, event.Type) {
			continue
		}
		select {
		case sub <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped returns how many deliveries were skipped
func (b *Broker) Dropped() uint64 {
	return b.dropped.Load()
}
