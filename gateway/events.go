package gateway

import "time"

// EventType identifies a connection lifecycle notification.
type EventType string

const (
	// EventConnectionRegistered fires after a connection is added.
	EventConnectionRegistered EventType = "connection.registered"
	// EventConnectionUpdated fires after a configuration update is applied.
	EventConnectionUpdated EventType = "connection.updated"
	// EventConnectionRemoved fires after a connection is removed.
	EventConnectionRemoved EventType = "connection.removed"
	// EventCircuitStateChanged fires on every breaker transition.
	EventCircuitStateChanged EventType = "circuit.state_changed"
	// EventCallCompleted fires after every completed call, including
	// rejected and fully-failed ones.
	EventCallCompleted EventType = "call.completed"
)

// Event is a connection lifecycle notification published by the Registry.
type Event struct {
	Type         EventType
	ConnectionID string
	Timestamp    time.Time

	// CircuitFrom and CircuitTo are set for EventCircuitStateChanged.
	CircuitFrom string
	CircuitTo   string

	// Record is set for EventCallCompleted.
	Record *RequestRecord
}

// EventFunc receives lifecycle events. Callbacks run synchronously on the
// publishing goroutine, and circuit transition events fire while the
// breaker's lock is held, so they must return quickly and must not call
// back into the Registry. Forward to a channel for anything heavier.
type EventFunc func(Event)
