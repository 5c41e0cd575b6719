// Package protocol defines the socket messages exchanged with browser clients.
// Every frame is a JSON envelope {"event": ..., "data": ...}.
package protocol

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// Events from client to server
const (
	EventChatMessage = "chat message"
	EventPageLoaded  = "page_loaded"
)

// Events from server to client
const (
	EventChunk   = "chat message chunk"
	EventError   = "chat error"
	EventDone    = "chat done"
	EventSession = "session"
)

// Envelope wraps every frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ChatMessage submits a user turn. Token, when present, must match the
// connection's token.
type ChatMessage struct {
	Token   string `json:"token,omitempty"`
	Message string `json:"message"`
}

// UnmarshalJSON also accepts a bare string, which older clients send.
func (m *ChatMessage) UnmarshalJSON(b []byte) error {
	trimmed := strings.TrimSpace(string(b))
	if strings.HasPrefix(trimmed, `"`) {
		return json.Unmarshal(b, &m.Message)
	}
	type plain ChatMessage
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*m = ChatMessage(p)
	return nil
}

// Chunk is one ordered fragment of the assistant's reply.
type Chunk struct {
	Data string `json:"data"`
}

// ErrorPayload reports a failed turn or a rejected frame.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DonePayload marks the end of a turn.
type DonePayload struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// SessionPayload tells the client which thread it is bound to.
type SessionPayload struct {
	ThreadID string `json:"thread_id"`
	Resumed  bool   `json:"resumed"`
}

// Error codes
const (
	ErrorCodeInvalidMessage = "invalid_message"
	ErrorCodeUnauthorized   = "unauthorized"
	ErrorCodeConflict       = "conflict"
	ErrorCodeEvicted        = "evicted"
	ErrorCodeBusy           = "busy"
	ErrorCodeShutdown       = "shutting_down"
	ErrorCodeStore          = "store_error"
	ErrorCodeProvider       = "provider_error"
	ErrorCodeInternal       = "internal_error"
)

// Encode builds a frame for event with data marshalled as its payload.
func Encode(event string, data any) ([]byte, error) {
	env := Envelope{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, errors.Wrapf(err, "encode %s payload", event)
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

// Decode parses a frame's envelope.
func Decode(frame []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, errors.Wrap(err, "invalid JSON frame")
	}
	if env.Event == "" {
		return nil, errors.New("frame has no event")
	}
	return &env, nil
}
