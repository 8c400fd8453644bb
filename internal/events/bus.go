package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventEngineStarted  EventType = "ENGINE_STARTED"
	EventEngineStopped  EventType = "ENGINE_STOPPED"
	EventEnginePaused   EventType = "ENGINE_PAUSED"
	EventEngineResumed  EventType = "ENGINE_RESUMED"
	EventSetupAccepted  EventType = "SETUP_ACCEPTED"
	EventEntryRejected  EventType = "ENTRY_REJECTED"
	EventOrderSubmitted EventType = "ORDER_SUBMITTED"
	EventPositionOpened EventType = "POSITION_OPENED"
	EventStopReplaced   EventType = "STOP_REPLACED"
	EventPositionClosed EventType = "POSITION_CLOSED"
	EventStopOut        EventType = "STOP_OUT"
	EventForceClose     EventType = "FORCE_CLOSE"
	EventCutoffSweep    EventType = "CUTOFF_SWEEP"
	EventTradingHalted  EventType = "TRADING_HALTED"
	EventOperatorAlert  EventType = "OPERATOR_ALERT"
	EventError          EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Symbol    string                 `json:"symbol,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// Bus manages event publishing and subscriptions
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (b *Bus) Subscribe(eventType EventType, subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers[eventType] = append(b.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (b *Bus) SubscribeAll(subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.allSubs = append(b.allSubs, subscriber)
}

// Publish sends an event to all subscribers. Delivery is asynchronous so
// publishers on the trading path never block on a slow consumer.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := b.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event)
		}
	}

	for _, sub := range b.allSubs {
		go sub(event)
	}
}

// PublishPositionOpened publishes a position opened event
func (b *Bus) PublishPositionOpened(symbol, side string, entryPrice float64, qty int) {
	b.Publish(Event{
		Type:   EventPositionOpened,
		Symbol: symbol,
		Data: map[string]interface{}{
			"side":        side,
			"entry_price": entryPrice,
			"qty":         qty,
		},
	})
}

// PublishPositionClosed publishes a position closed event
func (b *Bus) PublishPositionClosed(symbol, reason string, entryPrice, exitPrice float64, qty int, pnl float64) {
	b.Publish(Event{
		Type:   EventPositionClosed,
		Symbol: symbol,
		Data: map[string]interface{}{
			"reason":      reason,
			"entry_price": entryPrice,
			"exit_price":  exitPrice,
			"qty":         qty,
			"pnl":         pnl,
		},
	})
}

// PublishStopReplaced publishes a stop replacement event
func (b *Bus) PublishStopReplaced(symbol string, oldStop, newStop, lockedProfit float64) {
	b.Publish(Event{
		Type:   EventStopReplaced,
		Symbol: symbol,
		Data: map[string]interface{}{
			"old_stop":      oldStop,
			"new_stop":      newStop,
			"locked_profit": lockedProfit,
		},
	})
}

// PublishOperatorAlert publishes an alert that needs a human look
func (b *Bus) PublishOperatorAlert(symbol, message string, err error) {
	data := map[string]interface{}{
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	b.Publish(Event{
		Type:   EventOperatorAlert,
		Symbol: symbol,
		Data:   data,
	})
}

// PublishError publishes an error event
func (b *Bus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	b.Publish(Event{
		Type: EventError,
		Data: data,
	})
}
