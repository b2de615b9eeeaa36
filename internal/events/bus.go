package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventDecisionMade         EventType = "DECISION_MADE"
	EventTradeExecuted        EventType = "TRADE_EXECUTED"
	EventExecutionDenied      EventType = "EXECUTION_DENIED"
	EventCircuitBreakerUpdate EventType = "CIRCUIT_BREAKER_UPDATE"
	EventTrustRankChanged     EventType = "TRUST_RANK_CHANGED"
	EventProviderError        EventType = "PROVIDER_ERROR"
	EventBotStarted           EventType = "BOT_STARTED"
	EventBotStopped           EventType = "BOT_STOPPED"
	EventError                EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	UserID    string                 `json:"user_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
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

// Publish sends an event to all subscribers. Subscribers run in their
// own goroutines so a slow consumer cannot block the publisher.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event)
		}
	}

	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishDecision publishes a consensus decision event
func (eb *EventBus) PublishDecision(userID, symbol, decision, consensusLevel string, confidence float64) {
	eb.Publish(Event{
		Type:   EventDecisionMade,
		UserID: userID,
		Data: map[string]interface{}{
			"symbol":          symbol,
			"decision":        decision,
			"consensus_level": consensusLevel,
			"confidence":      confidence,
		},
	})
}

// PublishTradeExecuted publishes a trade executed event
func (eb *EventBus) PublishTradeExecuted(userID, symbol, side string, price, quantity float64) {
	eb.Publish(Event{
		Type:   EventTradeExecuted,
		UserID: userID,
		Data: map[string]interface{}{
			"symbol":   symbol,
			"side":     side,
			"price":    price,
			"quantity": quantity,
		},
	})
}

// PublishExecutionDenied publishes a gate denial event
func (eb *EventBus) PublishExecutionDenied(userID, symbol, stage, reason string) {
	eb.Publish(Event{
		Type:   EventExecutionDenied,
		UserID: userID,
		Data: map[string]interface{}{
			"symbol": symbol,
			"stage":  stage,
			"reason": reason,
		},
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{Type: EventError, Data: data})
}

// ============================================================================
// WebSocket Broadcast Callbacks
// These allow packages like circuit and trust to broadcast to a user's
// sockets without importing the api package, avoiding import cycles.
// ============================================================================

// BroadcastFunc is a callback function for broadcasting events to specific users
type BroadcastFunc func(userID string, data interface{})

var (
	broadcastCircuitBreaker BroadcastFunc
	broadcastTrustRank      BroadcastFunc
	broadcastDecision       BroadcastFunc
)

// SetBroadcastCircuitBreaker sets the callback for circuit breaker broadcasts
func SetBroadcastCircuitBreaker(fn BroadcastFunc) {
	broadcastCircuitBreaker = fn
}

// SetBroadcastTrustRank sets the callback for trust rank broadcasts
func SetBroadcastTrustRank(fn BroadcastFunc) {
	broadcastTrustRank = fn
}

// SetBroadcastDecision sets the callback for decision broadcasts
func SetBroadcastDecision(fn BroadcastFunc) {
	broadcastDecision = fn
}

// BroadcastCircuitBreaker broadcasts circuit breaker state to a user
func BroadcastCircuitBreaker(userID string, data interface{}) {
	if broadcastCircuitBreaker != nil && userID != "" {
		go broadcastCircuitBreaker(userID, data)
	}
}

// BroadcastTrustRank broadcasts a trust rank change to a user
func BroadcastTrustRank(userID string, data interface{}) {
	if broadcastTrustRank != nil && userID != "" {
		go broadcastTrustRank(userID, data)
	}
}

// BroadcastDecision broadcasts a consensus decision to a user
func BroadcastDecision(userID string, data interface{}) {
	if broadcastDecision != nil && userID != "" {
		go broadcastDecision(userID, data)
	}
}
