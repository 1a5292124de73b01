package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventAppDeploying      EventType = "app.deploying"
	EventAppRunning        EventType = "app.running"
	EventAppStopped        EventType = "app.stopped"
	EventAppUpdating       EventType = "app.updating"
	EventAppUpdateFailed   EventType = "app.update_failed"
	EventAppDeleted        EventType = "app.deleted"
	EventAppError          EventType = "app.error"
	EventAppOrphaned       EventType = "app.orphaned"
	EventAppStuck          EventType = "app.stuck"
	EventJobRetry          EventType = "job.retry"
	EventJobFailed         EventType = "job.failed"
	EventBackupCreated     EventType = "backup.created"
	EventBackupFailed      EventType = "backup.failed"
	EventHostAdded         EventType = "host.added"
	EventHostRemoved       EventType = "host.removed"
	EventNodeDown          EventType = "node.down"
	EventApplianceDegraded EventType = "appliance.degraded"
)

// Event is one observable occurrence in the controller
type Event struct {
	ID        string
	Type      EventType
	AppID     string
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// maxQueued bounds the per-subscriber backlog; beyond it the oldest
// events are shed so one stuck consumer cannot exhaust memory.
const maxQueued = 1024

// subQueue decouples delivery from the subscriber's consumption rate:
// broadcast appends without blocking, a drain goroutine forwards in order.
type subQueue struct {
	ch   Subscriber
	mu   sync.Mutex
	buf  []*Event
	wake chan struct{}
	done chan struct{}
}

func (q *subQueue) push(event *Event) {
	q.mu.Lock()
	if len(q.buf) >= maxQueued {
		q.buf = q.buf[1:]
	}
	q.buf = append(q.buf, event)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *subQueue) drain() {
	defer close(q.ch)
	for {
		q.mu.Lock()
		var event *Event
		if len(q.buf) > 0 {
			event = q.buf[0]
			q.buf = q.buf[1:]
		}
		q.mu.Unlock()

		if event == nil {
			select {
			case <-q.wake:
			case <-q.done:
				return
			}
			continue
		}
		select {
		case q.ch <- event:
		case <-q.done:
			return
		}
	}
}

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]*subQueue
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]*subQueue),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker and closes every subscription
func (b *Broker) Stop() {
	close(b.stopCh)

	b.mu.Lock()
	defer b.mu.Unlock()
	for sub, q := range b.subscribers {
		delete(b.subscribers, sub)
		close(q.done)
	}
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := &subQueue{
		ch:   make(Subscriber, 50),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	b.subscribers[q.ch] = q
	go q.drain()
	return q.ch
}

// Unsubscribe removes a subscription; the channel is closed once its
// drain goroutine winds down.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.subscribers[sub]
	if !ok {
		return
	}
	delete(b.subscribers, sub)
	close(q.done)
}

// Publish delivers an event to all subscribers. Never blocks the caller.
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

// Emit is shorthand for Publish with just a type, app id and message.
func (b *Broker) Emit(t EventType, appID, message string) {
	b.Publish(&Event{Type: t, AppID: appID, Message: message})
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

	for _, q := range b.subscribers {
		q.push(event)
	}
}
