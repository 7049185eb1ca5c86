// Package protocol defines the WebSocket events exchanged between clients and
// the relay. Every frame is a JSON object whose "type" field names the event;
// the remaining fields are the event payload.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lingo/relay/internal/chat"
)

// ---------------------------------------------------------------------------
// Event names
// ---------------------------------------------------------------------------

// Client -> Server events.
const (
	TypeSendMessage      = "sendMessage"
	TypeSendGroupMessage = "sendGroupMessage"
	TypeMarkRead         = "markRead"
	TypeMarkGroupRead    = "markGroupRead"
	TypePing             = "ping"
	TypeGetPresence      = "getPresence"
)

// Server -> Client events.
const (
	TypeConnected         = "connected"
	TypeMessage           = "message"
	TypeMessageSent       = "messageSent"
	TypeMessageError      = "messageError"
	TypeGroupMessage      = "groupMessage"
	TypeGroupMessageSent  = "groupMessageSent"
	TypeGroupMessageError = "groupMessageError"
	TypeMessagesRead      = "messagesRead"
	TypePresence          = "presence"
	TypeRateLimited       = "rateLimited"
	TypeError             = "error"
	TypePong              = "pong"
)

// ---------------------------------------------------------------------------
// Envelope: used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON payload for deferred
// decoding into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full frame and extracts only the "type" field.
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

// SendMessageMsg asks the relay to send a direct message. TempID is an opaque
// client-side identifier echoed back on errors so the client can match them.
type SendMessageMsg struct {
	Type       string `json:"type"`
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`
	TempID     string `json:"tempId,omitempty"`
}

// SendGroupMessageMsg asks the relay to send a message to a group.
type SendGroupMessageMsg struct {
	Type    string `json:"type"`
	GroupID string `json:"groupId"`
	Content string `json:"content"`
	TempID  string `json:"tempId,omitempty"`
}

// MarkReadMsg marks the conversation with UserID as read.
type MarkReadMsg struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// MarkGroupReadMsg marks a group conversation as read.
type MarkGroupReadMsg struct {
	Type    string `json:"type"`
	GroupID string `json:"groupId"`
}

// GetPresenceMsg asks whether UserID is online anywhere.
type GetPresenceMsg struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// PingMsg is a client-initiated keepalive.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client payloads
// ---------------------------------------------------------------------------

// ConnectedMsg is sent once after the upgrade succeeds.
type ConnectedMsg struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
}

// DirectMessageMsg carries a persisted direct message. It is used both for
// delivery to the receiver ("message") and the echo to the sender
// ("messageSent").
type DirectMessageMsg struct {
	chat.Message
	TranslatedContent string        `json:"translatedContent"`
	Contact           *chat.Contact `json:"contact,omitempty"`
}

// GroupMessageMsg carries a persisted group message for one member, with the
// text translated for that member.
type GroupMessageMsg struct {
	chat.GroupMessage
	TranslatedContent string `json:"translatedContent"`
}

// GroupMessageSentMsg confirms a group send to the sender.
type GroupMessageSentMsg struct {
	chat.GroupMessage
	Translations []chat.Translation `json:"translations"`
}

// SendErrorMsg reports a rejected send. Code is one of the Code* constants.
type SendErrorMsg struct {
	Code   string `json:"code"`
	Error  string `json:"error"`
	TempID string `json:"tempId,omitempty"`
}

// Error codes carried by SendErrorMsg and ErrorMsg.
const (
	CodeNotFound       = "not_found"
	CodeUnauthorized   = "unauthorized"
	CodeBadRequest     = "bad_request"
	CodeInvalidMessage = "invalid_message"
	CodeRateLimited    = "rate_limited"
	CodeInternal       = "internal"
	CodeParseError     = "parse_error"
	CodeUnsupported    = "unsupported_type"
)

// MessagesReadMsg reports how many messages a markRead request changed.
type MessagesReadMsg struct {
	UserID  string `json:"userId,omitempty"`
	GroupID string `json:"groupId,omitempty"`
	Count   int64  `json:"count"`
}

// PresenceMsg announces that a user came online or went offline, and answers
// getPresence. LastSeen is set only for offline users with a recorded stamp.
type PresenceMsg struct {
	UserID   string     `json:"userId"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// RateLimitedMsg is sent when the client exceeded its send budget.
type RateLimitedMsg struct {
	RetryAfter int `json:"retryAfter"`
}

// ErrorMsg communicates a protocol-level error.
type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg answers a client ping.
type PongMsg struct{}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage decodes a raw frame into its typed client payload. It
// returns the event type, the decoded struct, and an error for malformed
// frames or unknown event types.
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
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendGroupMessage:
		var m SendGroupMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMarkRead:
		var m MarkReadMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMarkGroupRead:
		var m MarkGroupReadMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeGetPresence:
		var m GetPresenceMsg
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

// NewServerMessage encodes payload as a server frame with msgType injected
// under the "type" key. Numbers are carried through as json.Number so large
// message IDs keep their precision.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	m := make(map[string]interface{})
	if !bytes.Equal(raw, []byte("null")) {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&m); err != nil {
			return nil, fmt.Errorf("protocol: payload for %q is not an object: %w", msgType, err)
		}
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
