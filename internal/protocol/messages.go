// Package protocol defines the wire schema shared by the chat server and the
// client core: the WebSocket event envelope and its typed payloads, and the
// REST bodies of the /chat and /employees endpoints. All messages are JSON and
// every WebSocket frame carries a "type" discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Server event types.
const (
	TypeAuthenticate = "authenticate"
	TypeJoinChat     = "join_chat"
	TypeLeaveChat    = "leave_chat"
	TypeSendMessage  = "send_message"
	TypeMarkRead     = "mark_read"
	TypeTypingStart  = "typing_start"
	TypeTypingStop   = "typing_stop"
	TypePing         = "ping"
)

// Server -> Client event types.
const (
	TypeAuthenticated = "authenticated"
	TypeNewMessage    = "new_message"
	TypeTypingUpdate  = "typing_update"
	TypeMessageRead   = "message_read"
	TypeJoinedChat    = "joined_chat"
	TypeLeftChat      = "left_chat"
	TypeError         = "error"
	TypePong          = "pong"
)

// Error codes carried by ErrorMsg.
const (
	CodeParseError      = "parse_error"
	CodeUnsupported     = "unsupported_type"
	CodeUnauthenticated = "unauthenticated"
	CodeNotMember       = "not_member"
	CodeInvalidMessage  = "invalid_message"
	CodeRateLimited     = "rate_limited"
	CodeInternal        = "internal"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so the rest of the payload can be decoded into the matching struct.
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
// Client -> Server payloads
// ---------------------------------------------------------------------------

// AuthenticateMsg binds the socket to a user. It is the first event a client
// sends after the connection opens.
type AuthenticateMsg struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
	Token  string `json:"token"`
}

// JoinChatMsg subscribes the socket to a chat room.
type JoinChatMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
}

// LeaveChatMsg unsubscribes the socket from a chat room.
type LeaveChatMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
}

// SendMessageMsg publishes a message. MessageID is the client-generated
// temporary id the server echoes back as clientMessageId.
type SendMessageMsg struct {
	Type      string    `json:"type"`
	ChatID    string    `json:"chatId"`
	Message   string    `json:"message"`
	MessageID string    `json:"messageId"`
	Timestamp time.Time `json:"timestamp"`
}

// MarkReadMsg marks a chat read, optionally up to a specific message.
type MarkReadMsg struct {
	Type      string `json:"type"`
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId,omitempty"`
}

// TypingMsg is the payload of both typing_start and typing_stop.
type TypingMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
}

// PingMsg is an application-level keepalive.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client payloads
// ---------------------------------------------------------------------------

// AuthenticatedMsg acknowledges an authenticate event.
type AuthenticatedMsg struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	UserID  string `json:"userId,omitempty"`
	Error   string `json:"error,omitempty"`
}

// NewMessageMsg carries one canonical message, flattened into the event.
type NewMessageMsg struct {
	Type string `json:"type"`
	WireMessage
}

// TypingUpdateMsg relays another participant's typing state.
type TypingUpdateMsg struct {
	Type     string `json:"type"`
	ChatID   string `json:"chatId"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// MessageReadMsg tells room members that UserID has read ChatID up to and
// including MessageID. An empty MessageID means the whole chat.
type MessageReadMsg struct {
	Type      string    `json:"type"`
	ChatID    string    `json:"chatId"`
	MessageID string    `json:"messageId,omitempty"`
	UserID    string    `json:"userId"`
	ReadAt    time.Time `json:"readAt"`
}

// JoinedChatMsg confirms a join_chat.
type JoinedChatMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
}

// LeftChatMsg confirms a leave_chat.
type LeftChatMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
}

// ErrorMsg communicates an error condition for a previous client event.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	ChatID  string `json:"chatId,omitempty"`
}

// PongMsg answers a PingMsg.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client event.
// It returns the event type, the decoded struct, and any error. Unknown and
// server-only types are errors.
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
	case TypeAuthenticate:
		var m AuthenticateMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeJoinChat:
		var m JoinChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveChat:
		var m LeaveChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMarkRead:
		var m MarkReadMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTypingStart, TypeTypingStop:
		var m TypingMsg
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

// ParseServerMessage is the client-side counterpart of ParseClientMessage.
func ParseServerMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeAuthenticated:
		var m AuthenticatedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeNewMessage:
		var m NewMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTypingUpdate:
		var m TypingUpdateMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessageRead:
		var m MessageReadMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeJoinedChat:
		var m JoinedChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeftChat:
		var m LeftChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeError:
		var m ErrorMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePong:
		var m PongMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown server message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates the JSON bytes for a server event. The msgType is
// injected under the "type" key regardless of what the payload carries.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	return encode(msgType, payload)
}

// NewClientMessage creates the JSON bytes for a client event.
func NewClientMessage(msgType string, payload interface{}) ([]byte, error) {
	return encode(msgType, payload)
}

func encode(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}
	if m == nil {
		m = make(map[string]interface{})
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal message: %w", err)
	}
	return out, nil
}
