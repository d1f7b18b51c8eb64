package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventNotification      EventType = "NOTIFICATION"
	EventTradeExecuted     EventType = "TRADE_EXECUTED"
	EventTradeRejected     EventType = "TRADE_REJECTED"
	EventTradeCancelled    EventType = "TRADE_CANCELLED"
	EventTradeClosed       EventType = "TRADE_CLOSED"
	EventCircuitBreaker    EventType = "CIRCUIT_BREAKER_UPDATE"
	EventAutoTradeStatus   EventType = "AUTO_TRADE_STATUS"
	EventResearchCompleted EventType = "RESEARCH_COMPLETED"
)

// Event is a user-scoped system event
type Event struct {
	Type      EventType              `json:"type"`
	UserID    string                 `json:"userId"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

type userSub struct {
	id int
	fn Subscriber
}

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
	userSubs    map[string][]userSub
	nextID      int
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
		userSubs:    make(map[string][]userSub),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// SubscribeUser registers a subscriber for every event of one user. The
// returned func removes it.
func (eb *EventBus) SubscribeUser(userID string, subscriber Subscriber) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.nextID++
	id := eb.nextID
	eb.userSubs[userID] = append(eb.userSubs[userID], userSub{id: id, fn: subscriber})

	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		subs := eb.userSubs[userID]
		for i, s := range subs {
			if s.id == id {
				eb.userSubs[userID] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		if len(eb.userSubs[userID]) == 0 {
			delete(eb.userSubs, userID)
		}
	}
}

// Publish sends an event to all subscribers
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	for _, sub := range eb.subscribers[event.Type] {
		go sub(event)
	}
	for _, sub := range eb.allSubs {
		go sub(event)
	}
	if event.UserID != "" {
		for _, s := range eb.userSubs[event.UserID] {
			go s.fn(event)
		}
	}
}

// PublishUser is shorthand for publishing a user event
func (eb *EventBus) PublishUser(userID string, eventType EventType, data map[string]interface{}) {
	eb.Publish(Event{
		Type:   eventType,
		UserID: userID,
		Data:   data,
	})
}

// UserSubscribers returns how many user-scoped subscribers are registered for userID
func (eb *EventBus) UserSubscribers(userID string) int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.userSubs[userID])
}
