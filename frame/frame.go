// Package frame classifies inbound realtime frames into a single normalized
// shape and encodes the few outbound frames the client sends.
//
// The backend emits the same logical event under several shapes:
//
//	{type: "channel:event"|"event", channel|channel_name, event|event_name, data|payload|message}
//	{type: "system:event"|"system", event|event_name, data}
//	{type: "firestore:connected"} / {type: "document_*"|"collection_*", ...}
//	{action: "message"} | {message: ...}          direct message
//
// Classify folds all of them into a Frame so downstream code only sees one
// canonical shape. Frames that are not valid JSON become direct messages
// carrying the raw text.
package frame

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/firemoo/firemoo-go/wire"
)

// Kind identifies the normalized shape of a frame.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindChannel
	KindSystem
	KindFirestore
	KindDirect
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindChannel:
		return "channel"
	case KindSystem:
		return "system"
	case KindFirestore:
		return "firestore"
	case KindDirect:
		return "direct"
	case KindOther:
		return "other"
	default:
		return "unknown"
	}
}

// Frame types recognized on the wire.
const (
	TypeChannelEvent       = "channel:event"
	TypeEvent              = "event"
	TypeSystemEvent        = "system:event"
	TypeSystem             = "system"
	TypeFirestoreConnected = "firestore:connected"
)

// ChatChannelPrefix prefixes every per-conversation channel.
const ChatChannelPrefix = "chat:"

// Frame is the normalized form of one inbound frame.
type Frame struct {
	Kind    Kind
	Type    string
	Channel string
	Event   string
	// Payload is the logical body: data|payload|message for channel frames,
	// data for system frames, the whole object otherwise.
	Payload json.RawMessage
	// Raw is the frame as received, or a synthesized {"message": text}
	// object when the frame was not JSON.
	Raw json.RawMessage
}

type envelope struct {
	Type        string          `json:"type"`
	Action      string          `json:"action"`
	Channel     string          `json:"channel"`
	ChannelName string          `json:"channel_name"`
	Event       string          `json:"event"`
	EventName   string          `json:"event_name"`
	Data        json.RawMessage `json:"data"`
	Payload     json.RawMessage `json:"payload"`
	Message     json.RawMessage `json:"message"`
}

// Classify parses data and normalizes it. It never fails: undecodable input
// is returned as a direct frame whose message is the raw text.
func Classify(data []byte) Frame {
	trimmed := bytes.TrimSpace(data)
	if !json.Valid(trimmed) {
		raw, _ := json.Marshal(map[string]string{"message": string(data)})
		return Frame{Kind: KindDirect, Payload: raw, Raw: raw}
	}
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Frame{Kind: KindUnknown, Raw: trimmed}
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		// Valid JSON whose fields have unexpected types.
		return Frame{Kind: KindOther, Payload: trimmed, Raw: trimmed}
	}

	f := Frame{Type: env.Type, Raw: trimmed}
	switch {
	case env.Type == TypeChannelEvent || env.Type == TypeEvent:
		f.Kind = KindChannel
		f.Channel = firstNonEmpty(env.Channel, env.ChannelName)
		f.Event = firstNonEmpty(env.Event, env.EventName)
		f.Payload = firstTruthy(env.Data, env.Payload, env.Message)
	case env.Type == TypeSystemEvent || env.Type == TypeSystem:
		f.Kind = KindSystem
		f.Event = firstNonEmpty(env.Event, env.EventName)
		f.Payload = env.Data
	case IsFirestoreType(env.Type):
		f.Kind = KindFirestore
		f.Payload = trimmed
	case env.Action == wire.ActionMessage || truthy(env.Message):
		f.Kind = KindDirect
		f.Payload = trimmed
	default:
		f.Kind = KindOther
		f.Payload = trimmed
	}
	return f
}

// IsFirestoreType reports whether t is a database change notification type.
func IsFirestoreType(t string) bool {
	return t == TypeFirestoreConnected ||
		strings.HasPrefix(t, "document_") ||
		strings.HasPrefix(t, "collection_")
}

// ChatChannel returns the channel name for a conversation.
func ChatChannel(conversationID string) string {
	return ChatChannelPrefix + conversationID
}

// IsChatChannel reports whether ch carries chat traffic.
func IsChatChannel(ch string) bool {
	return strings.HasPrefix(ch, ChatChannelPrefix)
}

// IsMessageEvent reports whether name is one of the aliases used for a new
// chat message.
func IsMessageEvent(name string) bool {
	switch name {
	case "message:new", "message:created", "new_message", "message":
		return true
	}
	return false
}

// IsConnectedEvent reports whether a system event announces a fresh
// connection.
func IsConnectedEvent(name string) bool {
	return name == "connected" || name == "connection:established"
}

// DecodeMessage extracts a chat message from a frame payload. A payload that
// is itself a JSON-encoded string is parsed again; when that fails the
// string becomes the message text. ok is false when the payload is empty.
func DecodeMessage(payload json.RawMessage) (msg wire.PushMessage, ok bool) {
	payload = bytes.TrimSpace(payload)
	if !truthy(payload) {
		return wire.PushMessage{}, false
	}
	switch payload[0] {
	case '"':
		var s string
		if err := json.Unmarshal(payload, &s); err != nil {
			return wire.PushMessage{}, false
		}
		inner := bytes.TrimSpace([]byte(s))
		if len(inner) > 0 && inner[0] == '{' && json.Unmarshal(inner, &msg) == nil {
			return msg, true
		}
		return wire.PushMessage{Text: s}, true
	case '{':
		if err := json.Unmarshal(payload, &msg); err != nil {
			return wire.PushMessage{}, false
		}
		return msg, true
	default:
		return wire.PushMessage{Text: string(payload)}, true
	}
}

// Subscribe encodes the canonical subscribe frame.
func Subscribe(channel string) []byte {
	b, _ := json.Marshal(wire.SubscribeFrame{Action: wire.ActionSubscribe, Channel: channel})
	return b
}

// Unsubscribe encodes an unsubscribe frame.
func Unsubscribe(channel string) []byte {
	b, _ := json.Marshal(wire.SubscribeFrame{Action: wire.ActionUnsubscribe, Channel: channel})
	return b
}

// Ping encodes a keepalive frame.
func Ping() []byte {
	b, _ := json.Marshal(wire.PingFrame{Action: wire.ActionPing})
	return b
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstTruthy(values ...json.RawMessage) json.RawMessage {
	for _, v := range values {
		if truthy(v) {
			return v
		}
	}
	return nil
}

// truthy mirrors loose truthiness of a JSON value: absent, null, false, 0
// and "" are falsy.
func truthy(v json.RawMessage) bool {
	v = bytes.TrimSpace(v)
	if len(v) == 0 {
		return false
	}
	switch string(v) {
	case "null", "false", "0", `""`:
		return false
	}
	return true
}
