// Package protocol defines the WebSocket message types and structures used
// for communication between the client and server. All messages are
// serialized as JSON and follow a consistent envelope format with a type
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/chatme/chatme/internal/store"
)

// Client -> Server message types.
const (
	TypeMessage = "message"
	TypePing    = "ping"
)

// Server -> Client message types.
const (
	TypeJoined      = "joined"
	TypeHistory     = "history"
	TypeRateLimited = "rate_limited"
	TypeSendFailed  = "send_failed"
	TypeError       = "error"
	TypePong        = "pong"
)

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so that the rest of the payload can be decoded later into the
// appropriate concrete struct.
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

// SendMsg carries one raw chat message from the client to its joined room.
type SendMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// JoinedMsg confirms the connection's room join.
type JoinedMsg struct {
	Type     string `json:"type"`
	Room     string `json:"room"`
	Username string `json:"username"`
}

// BroadcastMsg delivers one accepted message to a room subscriber. The
// payload is the persisted record: sender summary, substituted content,
// timestamp, flag, and toxicity label.
type BroadcastMsg struct {
	Type    string        `json:"type"`
	Message store.Message `json:"message"`
}

// HistoryMsg replays the room's recent messages to a joining connection.
type HistoryMsg struct {
	Type     string          `json:"type"`
	Messages []store.Message `json:"messages"`
}

// RateLimitedMsg tells the client its send was throttled.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// SendFailedMsg tells the originating client, and only it, that a send was
// rejected. Retryable reports whether trying again may succeed (e.g. the
// classifier was temporarily unavailable).
type SendFailedMsg struct {
	Type      string `json:"type"`
	Reason    string `json:"reason"`
	Retryable bool   `json:"retryable"`
}

// ErrorMsg communicates a general error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
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
	case TypeMessage:
		var m SendMsg
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
// The msgType is injected into the payload under the "type" key.
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
