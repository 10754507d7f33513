// Package protocol defines the WebSocket message types and structures used for
// communication between the matching client and server. All messages are
// serialized as JSON and follow a consistent envelope format with a type
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeMatch = "match"
	TypeAbort = "abort"
	TypePing  = "ping"
)

// Server -> Client message types.
const (
	TypeAcknowledgement = "acknowledgement"
	TypeSuccess         = "success"
	TypeError           = "error"
	TypePong            = "pong"
)

// ---------------------------------------------------------------------------
// Envelope: initial parse that extracts the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type" field
// so that the rest of the payload can be decoded later.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// MatchMsg is sent by the client to enter the pool with its acceptable
// difficulties and topic tags. Either list may be empty, meaning "any".
type MatchMsg struct {
	Type         string   `json:"type"`
	Difficulties []string `json:"difficulties"`
	Tags         []string `json:"tags"`
}

// AbortMsg withdraws a pending match request.
type AbortMsg struct {
	Type string `json:"type"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// AcknowledgementMsg confirms the request was enqueued without an immediate
// pairing.
type AcknowledgementMsg struct {
	Type string `json:"type"`
}

// SuccessMsg is sent to both parties once a room has been created for them.
type SuccessMsg struct {
	Type       string    `json:"type"`
	Matched    [2]string `json:"matched"`
	QuestionID string    `json:"questionId"`
	RoomID     string    `json:"roomId"`
}

// ErrorMsg reports a failed operation. The session stays usable for retry.
type ErrorMsg struct {
	Type    string `json:"type"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeMatch:
		var m MatchMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeAbort:
		var m AbortMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key, overriding
// whatever the payload struct carried.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// Acknowledgement returns the encoded acknowledgement frame.
func Acknowledgement() []byte {
	return mustEncode(TypeAcknowledgement, AcknowledgementMsg{})
}

// Success returns the encoded success frame for a created room.
func Success(matched [2]string, questionID, roomID string) []byte {
	return mustEncode(TypeSuccess, SuccessMsg{
		Matched:    matched,
		QuestionID: questionID,
		RoomID:     roomID,
	})
}

// Error returns the encoded error frame.
func Error(title, message string) []byte {
	return mustEncode(TypeError, ErrorMsg{Title: title, Message: message})
}

// Pong returns the encoded pong frame.
func Pong() []byte {
	return mustEncode(TypePong, PongMsg{})
}

// mustEncode panics on marshal failure, which cannot happen for the fixed
// structs above.
func mustEncode(msgType string, payload interface{}) []byte {
	data, err := NewServerMessage(msgType, payload)
	if err != nil {
		panic(err)
	}
	return data
}
