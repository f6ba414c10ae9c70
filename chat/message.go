// Package chat reconciles chat messages from optimistic local sends,
// history fetches and pushed realtime frames into one ordered,
// deduplicated, correctly attributed list.
package chat

import (
	"strings"
	"time"

	"github.com/firemoo/firemoo-go/wire"
)

// Id prefixes for entries created client side.
const (
	TempPrefix = "temp_"
	PushPrefix = "ws_"
)

// Sender is the closed two-value attribution of a message.
type Sender int

const (
	// SenderRemote is anyone other than this visitor (agents, admins, bots).
	SenderRemote Sender = iota
	// SenderLocal is the visitor using this client.
	SenderLocal
)

func (s Sender) String() string {
	if s == SenderLocal {
		return "visitor"
	}
	return "agent"
}

// ParseSender maps a server sender_type to a Sender. Only "visitor"
// (case-insensitive, trimmed) is local; everything else, including empty
// and unknown values, is remote.
func ParseSender(raw string) Sender {
	if strings.ToLower(strings.TrimSpace(raw)) == "visitor" {
		return SenderLocal
	}
	return SenderRemote
}

// Message is one displayed chat entry.
type Message struct {
	ID             wire.ID
	Text           string
	Sender         Sender
	CreatedAt      time.Time
	ConversationID wire.ID
}

// IsTemporary reports whether m is a pending local echo.
func (m Message) IsTemporary() bool {
	return strings.HasPrefix(string(m.ID), TempPrefix)
}

// Dedup drops entries whose id was already seen, keeping the first
// occurrence. Entries without an id are always kept.
func Dedup(list []Message) []Message {
	seen := make(map[string]struct{}, len(list))
	out := make([]Message, 0, len(list))
	for _, m := range list {
		if m.ID.IsZero() {
			out = append(out, m)
			continue
		}
		key := m.ID.Key()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, m)
	}
	return out
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// ParseTime reads the timestamp formats the backend emits. Unparseable
// values yield the zero time.
func ParseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
