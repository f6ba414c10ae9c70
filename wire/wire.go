// Package wire defines the JSON payload types exchanged with the Firemoo
// backend, both over the REST API and over the realtime socket.
package wire

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// Socket actions (client -> server).
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionPing        = "ping"
	ActionMessage     = "message"
)

// MessageTypeText is the only message_type the widget sends.
const MessageTypeText = "text"

// ID is an opaque identifier that the backend may encode either as a JSON
// string or as a JSON number. Both decode to the same textual form so that
// 42 and "42" compare equal.
type ID string

// UnmarshalJSON accepts strings, numbers and null.
func (id *ID) UnmarshalJSON(b []byte) error {
	*id = ID(scalarText(b))
	return nil
}

// String returns the textual form of the id.
func (id ID) String() string { return string(id) }

// IsZero reports whether the id is absent.
func (id ID) IsZero() bool { return strings.TrimSpace(string(id)) == "" }

// Key returns the canonical form used for comparisons and set membership.
// Numeric ids are reduced to their shortest decimal form so that 7, "7" and
// "7.0" share one key.
func (id ID) Key() string {
	s := strings.TrimSpace(string(id))
	if !isDecimal(s) {
		return s
	}
	if !strings.Contains(s, ".") {
		neg := strings.HasPrefix(s, "-")
		digits := strings.TrimLeft(strings.TrimLeft(s, "+-"), "0")
		if digits == "" {
			return "0"
		}
		if neg {
			return "-" + digits
		}
		return digits
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return s
}

func isDecimal(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9', r == '.':
		case (r == '-' || r == '+') && i == 0:
		default:
			return false
		}
	}
	return true
}

// Equal compares two ids after coercion.
func (id ID) Equal(other ID) bool {
	return id.Key() == other.Key()
}

// SubscribeFrame joins or leaves a channel. It is the only subscription
// shape the client ever sends.
type SubscribeFrame struct {
	Action  string `json:"action"`
	Channel string `json:"channel"`
}

// PingFrame is a keepalive probe.
type PingFrame struct {
	Action string `json:"action"`
}

// CreateConversationRequest is sent to POST /api/chat/conversations. The
// message field carries the first visitor message.
type CreateConversationRequest struct {
	VisitorID   string  `json:"visitor_id"`
	Name        string  `json:"name,omitempty"`
	Email       string  `json:"email,omitempty"`
	Phone       string  `json:"phone,omitempty"`
	Message     string  `json:"message"`
	CurrentPage string  `json:"current_page"`
	Referrer    *string `json:"referrer"`
}

// Conversation is returned by POST /api/chat/conversations.
type Conversation struct {
	ID        ID     `json:"id"`
	VisitorID string `json:"visitor_id,omitempty"`
	Status    string `json:"status,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

// SendMessageRequest is sent to POST /api/chat/conversations/{id}/messages.
type SendMessageRequest struct {
	Message     string `json:"message"`
	MessageType string `json:"message_type"`
}

// MessageAck is the server acknowledgement of a sent message.
type MessageAck struct {
	ID             ID     `json:"id"`
	ConversationID ID     `json:"conversation_id,omitempty"`
	CreatedAt      string `json:"created_at,omitempty"`
}

// Message is one entry of a conversation history.
type Message struct {
	ID             ID     `json:"id"`
	Message        string `json:"message"`
	SenderType     string `json:"sender_type"`
	CreatedAt      string `json:"created_at"`
	ConversationID ID     `json:"conversation_id,omitempty"`
}

// MessagesResponse is returned by GET /api/chat/conversations/{id}/messages.
type MessagesResponse struct {
	Messages []Message `json:"messages"`
}

// ErrorBody is the error envelope of non-2xx responses.
type ErrorBody struct {
	Error string `json:"error"`
}

// PushMessage is a chat message delivered over the socket. The backend is
// not consistent about key names, so decoding accepts every alias seen in
// the wild.
type PushMessage struct {
	ID             ID
	Text           string
	SenderType     string
	CreatedAt      string
	ConversationID ID
}

// UnmarshalJSON decodes snake_case and camelCase variants of each field.
func (m *PushMessage) UnmarshalJSON(b []byte) error {
	var raw struct {
		ID                json.RawMessage `json:"id"`
		MessageID         json.RawMessage `json:"message_id"`
		Message           json.RawMessage `json:"message"`
		Text              json.RawMessage `json:"text"`
		Content           json.RawMessage `json:"content"`
		SenderType        json.RawMessage `json:"sender_type"`
		SenderTypeCamel   json.RawMessage `json:"senderType"`
		CreatedAt         json.RawMessage `json:"created_at"`
		CreatedAtCamel    json.RawMessage `json:"createdAt"`
		ConversationID    json.RawMessage `json:"conversation_id"`
		ConversationCamel json.RawMessage `json:"conversationId"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	m.ID = ID(firstText(raw.ID, raw.MessageID))
	m.Text = firstText(raw.Message, raw.Text, raw.Content)
	m.SenderType = firstText(raw.SenderType, raw.SenderTypeCamel)
	m.CreatedAt = firstText(raw.CreatedAt, raw.CreatedAtCamel)
	m.ConversationID = ID(firstText(raw.ConversationID, raw.ConversationCamel))
	return nil
}

func firstText(values ...json.RawMessage) string {
	for _, v := range values {
		if s := scalarText(v); s != "" {
			return s
		}
	}
	return ""
}

// scalarText renders a JSON scalar as text. Strings are unquoted, numbers
// and booleans keep their literal form, null and empty values become "".
func scalarText(b []byte) string {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return ""
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err == nil {
			return s
		}
	}
	if b[0] == '{' || b[0] == '[' {
		return ""
	}
	return string(b)
}
