package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	// Connection lifecycle events.
	EventChargePointConnected    EventType = "chargepoint.connected"
	EventChargePointDisconnected EventType = "chargepoint.disconnected"
	EventChargePointReplaced     EventType = "chargepoint.replaced"
	EventHandshakeRejected       EventType = "handshake.rejected"

	// RPC events.
	EventCallSent          EventType = "rpc.call.sent"
	EventCallReceived      EventType = "rpc.call.received"
	EventCallTimeout       EventType = "rpc.call.timeout"
	EventProtocolViolation EventType = "rpc.protocol.violation"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Identity  string          `json:"identity,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an event stamped with the current time. payload is
// marshalled to JSON; a marshalling failure leaves Payload empty.
func NewEvent(typ EventType, identity string, payload any) Event {
	e := Event{Type: typ, Timestamp: time.Now(), Identity: identity}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			e.Payload = data
		}
	}
	return e
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
