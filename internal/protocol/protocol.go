/*
Package protocol defines the wire format shared by the realtime server and its clients.

Every frame is a JSON envelope naming an event, carrying an optional payload and an optional
acknowledgment id. Replies to frames that carried an ackId are sent back as "ack" frames with
the same id.
*/
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Event is the name of a frame on the wire.
type Event string

// Client -> server events.
const (
	EventAuth        Event = "auth"
	EventSendMessage Event = "message:send"
	EventJoin        Event = "conversation:join"
	EventLeave       Event = "conversation:leave"
	EventTyping      Event = "user:typing"
	EventMarkRead    Event = "message:read"
	EventHistory     Event = "conversation:history"
)

// Server -> client events. user:typing, message:read and conversation:history
// travel in both directions with different payloads.
const (
	EventAck              Event = "ack"
	EventMessageReceive   Event = "message:receive"
	EventLegacyNewMessage Event = "new-message"
	EventUserOnline       Event = "user:online"
	EventUserOffline      Event = "user:offline"
	EventOnlineUsers      Event = "online-users"
	EventAuthError        Event = "auth-error"
	EventError            Event = "error"
)

// ErrMalformed is returned when a frame or its payload cannot be decoded.
var ErrMalformed = errors.New("malformed frame")

var validate = validator.New()

// Frame is the envelope of every message on the socket.
type Frame struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	AckID string          `json:"ackId,omitempty"`
}

// Encode builds a frame for event with data marshaled as its payload.
func Encode(event Event, data any, ackID string) ([]byte, error) {
	frame := Frame{Event: event, AckID: ackID}

	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", event, err)
		}
		frame.Data = raw
	}

	return json.Marshal(frame)
}

// Decode parses a raw frame. Frames without an event name are malformed; the
// partially decoded frame is still returned so its ackId can be answered.
func Decode(raw []byte) (Frame, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if frame.Event == "" {
		return frame, fmt.Errorf("%w: missing event name", ErrMalformed)
	}

	return frame, nil
}

// Bind unmarshals the frame payload into dst and validates its struct tags.
func (f Frame) Bind(dst any) error {
	data := f.Data
	if len(data) == 0 || string(data) == "null" {
		data = []byte("{}")
	}

	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformed, f.Event, err)
	}

	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformed, f.Event, err)
	}

	return nil
}
