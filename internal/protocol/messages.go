// Package protocol defines the WebSocket message types and structures used for
// communication between chat clients and the server. All messages are
// serialized as JSON and follow a consistent envelope format with a type
// discriminator.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoin        = "join"
	TypeSendMessage = "send_message"
	TypePing        = "ping"
)

// Server -> Client message types.
const (
	TypeConnected   = "connected"
	TypeAddMessage  = "add_message"
	TypeRateLimited = "rate_limited"
	TypeError       = "error"
	TypePong        = "pong"
)

// Error codes carried by ErrorMsg.
const (
	CodeParseError       = "parse_error"
	CodeUnsupportedType  = "unsupported_type"
	CodeInvalidPayload   = "invalid_payload"
	CodeNotJoined        = "not_joined"
	CodeNotAuthenticated = "not_authenticated"
	CodeInternal         = "internal_error"
)

// ---------------------------------------------------------------------------
// Envelope is used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so that the rest of the payload can be decoded later.
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

// ID is an integer identifier that clients may send either as a JSON number
// or as a numeric string. It always encodes as a number.
type ID int64

// UnmarshalJSON accepts 42, "42" and null.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = 0
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*id = 0
			return nil
		}
		data = []byte(s)
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("protocol: invalid id %s", data)
	}
	*id = ID(n)
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// JoinMsg asks to enter a chat room.
type JoinMsg struct {
	Type     string `json:"type"`
	Room     ID     `json:"room"`
	Nickname string `json:"nickname"`
	MBTI     string `json:"mbti,omitempty"`
	Image    string `json:"image,omitempty"`
	UserID   ID     `json:"userId,omitempty"`
}

// SendMessageMsg is a chat line sent to the joined room. CurrentTime is the
// client's display timestamp and is relayed untouched.
type SendMessageMsg struct {
	Type        string `json:"type"`
	Message     string `json:"message"`
	Nickname    string `json:"nickname"`
	Room        ID     `json:"room"`
	CurrentTime string `json:"currentTime"`
	UserMBTI    string `json:"userMbti,omitempty"`
	UserImage   string `json:"userImage,omitempty"`
	UserID      ID     `json:"userId,omitempty"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ConnectedMsg is sent once the connection has been authenticated.
type ConnectedMsg struct {
	Type   string `json:"type"`
	ConnID string `json:"conn_id"`
	UserID int64  `json:"user_id"`
}

// AddMessageMsg is broadcast to a room for every chat line and for join and
// leave announcements. System announcements set System and carry the admin
// label as the nickname.
type AddMessageMsg struct {
	Type         string `json:"type"`
	UserNickname string `json:"user_nickname"`
	UserID       int64  `json:"user_id"`
	UserMBTI     string `json:"user_mbti"`
	UserImage    string `json:"user_image"`
	Text         string `json:"text"`
	MessageID    string `json:"message_id"`
	Time         string `json:"time"`
	System       bool   `json:"system,omitempty"`
}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
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
	case TypeJoin:
		var m JoinMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
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
// The msgType is injected into the payload under the "type" key. Payload
// fields are carried as raw JSON, so numbers keep their exact encoding.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}
	if m == nil {
		m = make(map[string]json.RawMessage, 1)
	}

	m["type"], err = json.Marshal(msgType)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal message type: %w", err)
	}

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
