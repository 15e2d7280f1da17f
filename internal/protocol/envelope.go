package protocol

import (
	"encoding/json"
	"fmt"
)

// EventType names a message on the wire.
type EventType string

const (
	// Client to server.
	EventJoinRoom  EventType = "join-room"
	EventLeaveRoom EventType = "leave-room"

	// Server to the joining connection.
	EventRoomJoined   EventType = "room-joined"
	EventRoomFull     EventType = "room-full"
	EventRoomNotFound EventType = "room-not-found"
	EventError        EventType = "error"

	// Server to the other members.
	EventMemberJoined      EventType = "member-joined"
	EventMemberReconnected EventType = "member-reconnected"
	EventMemberLeft        EventType = "member-left"

	// Both directions; the server echoes these to every member.
	EventNodeCreated        EventType = "node-created"
	EventNodeDeleted        EventType = "node-deleted"
	EventNodeRenamed        EventType = "node-renamed"
	EventNodeContentUpdated EventType = "node-content-updated"
	EventChatAppend         EventType = "chat-append"

	// Both directions; relayed to the other members only.
	EventTypingStart EventType = "typing-start"
	EventTypingStop  EventType = "typing-stop"
)

// IsMutation reports whether t changes the shared tree or chat.
func (t EventType) IsMutation() bool {
	switch t {
	case EventNodeCreated, EventNodeDeleted, EventNodeRenamed, EventNodeContentUpdated, EventChatAppend:
		return true
	}
	return false
}

// Envelope is the JSON frame carried by every websocket text message.
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validator is implemented by payloads that can check their required
// fields.
type Validator interface {
	Validate() error
}

// NewEnvelope wraps payload under the given event type.
func NewEnvelope(t EventType, payload any) (Envelope, error) {
	env := Envelope{Type: t}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	env.Payload = raw
	return env, nil
}

// Encode returns the wire form of an event.
func Encode(t EventType, payload any) ([]byte, error) {
	env, err := NewEnvelope(t, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Decode parses a frame. Frames without a type are malformed.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}
	return env, nil
}

// Bind decodes the payload into v and, when v is a Validator, checks it.
func (e Envelope) Bind(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: %s has no payload", ErrMalformedEvent, e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedEvent, e.Type, err)
	}
	if val, ok := v.(Validator); ok {
		return val.Validate()
	}
	return nil
}
