package transport

import (
	"context"
	"encoding/json"
	"errors"
)

// Event names exchanged with the messaging server.
const (
	EventJoinConversation    = "join_conversation"
	EventLeaveConversation   = "leave_conversation"
	EventSendMessage         = "send_message"
	EventCreateConversation  = "create_conversation"
	EventMessage             = "message"
	EventMessageDelivered    = "message_delivered"
	EventMessageRead         = "message_read"
	EventConversationUpdated = "conversation_updated"
)

// ErrNotConnected is returned by Emit while no live connection exists.
var ErrNotConnected = errors.New("transport: not connected")

// State is the connection state of a Channel.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// Event is the wire frame: one JSON text message per event.
type Event struct {
	Name    string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Handler receives the raw payload of an inbound event. Handlers run on the
// connection read loop in arrival order and must not block for long.
type Handler func(ctx context.Context, payload json.RawMessage)

// StateHandler observes connection state transitions.
type StateHandler func(State)

// TokenSource supplies the bearer token presented on every dial.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Channel is a persistent bidirectional event connection.
type Channel interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Emit(ctx context.Context, event string, payload any) error
	On(event string, handler Handler)
	OnStateChange(handler StateHandler)
	State() State
}
