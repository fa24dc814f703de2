package events

import (
	"sync"
	"time"

	"github.com/cuemby/cloudscheduler/pkg/types"
	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventVMCreated       EventType = "vm.created"
	EventVMCreateFailed  EventType = "vm.create_failed"
	EventVMDestroyed     EventType = "vm.destroyed"
	EventVMStatusChanged EventType = "vm.status_changed"
	EventVMRetiring      EventType = "vm.retiring"
	EventClusterBanned   EventType = "cluster.banned"
	EventClusterUnbanned EventType = "cluster.unbanned"
	EventClusterDisabled EventType = "cluster.disabled"
	EventClusterEnabled  EventType = "cluster.enabled"
	EventPoolReloaded    EventType = "pool.reloaded"
)

// Event represents a scheduler event
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Message   string            `json:"message,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// VMEvent builds an event describing vm
func VMEvent(t EventType, vm *types.VM, message string) *Event {
	return &Event{
		Type:    t,
		Message: message,
		Metadata: map[string]string{
			"vm_name": vm.Name,
			"vm_id":   vm.ID,
			"cluster": vm.ClusterName,
			"user":    vm.User,
			"vmtype":  vm.VMType,
			"status":  string(vm.Status),
		},
	}
}

// ClusterEvent builds an event about a cluster
func ClusterEvent(t EventType, cluster, message string) *Event {
	return &Event{
		Type:     t,
		Message:  message,
		Metadata: map[string]string{"cluster": cluster},
	}
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish queues an event for all subscribers. The control loops call it
// while holding no locks but must never wait on a slow consumer, so the
// event is dropped when the queue is full. A nil broker discards events.
func (b *Broker) Publish(event *Event) {
	if b == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	default:
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
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
