package chat

import (
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/firemoo/firemoo-go/wire"
)

// Renderer displays the current message list. Render is called after every
// mutation with the full list and must be idempotent.
type Renderer interface {
	Render(messages []Message)
}

// RenderFunc adapts a function to Renderer.
type RenderFunc func([]Message)

func (f RenderFunc) Render(messages []Message) { f(messages) }

// Engine owns the in-memory message list and the set of ids sent from this
// client. It is not safe for concurrent use; callers confine it to one
// goroutine (the widget loop). Every mutation re-renders before returning,
// so mutation and render form one step.
type Engine struct {
	messages     []Message
	sent         map[string]struct{}
	conversation wire.ID
	renderer     Renderer
	logger       zerolog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l zerolog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// NewEngine returns an empty engine rendering to r. A nil r discards output.
func NewEngine(r Renderer, opts ...EngineOption) *Engine {
	if r == nil {
		r = RenderFunc(func([]Message) {})
	}
	e := &Engine{
		sent:     make(map[string]struct{}),
		renderer: r,
		logger:   log.With().Str("component", "chat").Logger(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Conversation returns the active conversation id, or "" if none.
func (e *Engine) Conversation() wire.ID { return e.conversation }

// SetConversation switches the active conversation.
func (e *Engine) SetConversation(id wire.ID) { e.conversation = id }

// Messages returns a copy of the current list.
func (e *Engine) Messages() []Message {
	return append([]Message(nil), e.messages...)
}

// Len returns the number of displayed messages.
func (e *Engine) Len() int { return len(e.messages) }

// Render redraws the current list.
func (e *Engine) Render() {
	e.renderer.Render(e.Messages())
}

// IsSent reports whether id was produced or acknowledged by this client.
func (e *Engine) IsSent(id wire.ID) bool {
	if id.IsZero() {
		return false
	}
	_, ok := e.sent[id.Key()]
	return ok
}

// MarkSent records id as locally authored. An entry already displayed with
// that id (a push that beat the acknowledgement) is re-attributed.
func (e *Engine) MarkSent(id wire.ID) {
	if id.IsZero() {
		return
	}
	e.sent[id.Key()] = struct{}{}
	changed := false
	for i := range e.messages {
		if e.messages[i].ID.Equal(id) && e.messages[i].Sender != SenderLocal {
			e.messages[i].Sender = SenderLocal
			changed = true
		}
	}
	if changed {
		e.Render()
	}
}

// Attribute classifies a message: ids in the sent set are always local,
// otherwise the raw sender field decides.
func (e *Engine) Attribute(id wire.ID, raw string) Sender {
	if e.IsSent(id) {
		return SenderLocal
	}
	return ParseSender(raw)
}

// ReplaceHistory swaps the whole list for a fetched history, normalized and
// deduplicated. Pending echoes and earlier pushes do not survive.
func (e *Engine) ReplaceHistory(history []wire.Message) {
	list := make([]Message, 0, len(history))
	for _, m := range history {
		conv := m.ConversationID
		if conv.IsZero() {
			conv = e.conversation
		}
		list = append(list, Message{
			ID:             m.ID,
			Text:           m.Message,
			Sender:         e.Attribute(m.ID, m.SenderType),
			CreatedAt:      ParseTime(m.CreatedAt),
			ConversationID: conv,
		})
	}
	before := len(list)
	e.messages = Dedup(list)
	if dropped := before - len(e.messages); dropped > 0 {
		e.logger.Debug().Int("dropped", dropped).Msg("deduplicated history")
	}
	e.Render()
}

// MergePush appends a pushed message if a conversation is active, the
// message belongs to it (or names none), and its id is not already shown.
// Messages without an id are never deduplicated; they get a free
// ws_<epoch-ms> id.
func (e *Engine) MergePush(p wire.PushMessage, now time.Time) bool {
	if e.conversation.IsZero() {
		return false
	}
	if !p.ConversationID.IsZero() && !p.ConversationID.Equal(e.conversation) {
		e.logger.Debug().
			Str("conversation_id", p.ConversationID.String()).
			Str("active", e.conversation.String()).
			Msg("ignoring push for another conversation")
		return false
	}
	id := p.ID
	if id.IsZero() {
		id = e.freeID(PushPrefix, now)
	} else if e.indexOf(id) >= 0 {
		return false
	}
	created := ParseTime(p.CreatedAt)
	if created.IsZero() {
		created = now
	}
	e.messages = append(e.messages, Message{
		ID:             id,
		Text:           p.Text,
		Sender:         e.Attribute(id, p.SenderType),
		CreatedAt:      created,
		ConversationID: e.conversation,
	})
	e.Render()
	return true
}

// InsertPending appends a local echo with a temp_<epoch-ms> id and returns
// the id.
func (e *Engine) InsertPending(text string, now time.Time) wire.ID {
	id := e.freeID(TempPrefix, now)
	e.messages = append(e.messages, Message{
		ID:             id,
		Text:           text,
		Sender:         SenderLocal,
		CreatedAt:      now,
		ConversationID: e.conversation,
	})
	e.Render()
	return id
}

// freeID returns prefix+<epoch-ms>, moving the millisecond forward until
// no shown entry uses the id.
func (e *Engine) freeID(prefix string, now time.Time) wire.ID {
	ms := now.UnixMilli()
	id := wire.ID(prefix + strconv.FormatInt(ms, 10))
	for e.indexOf(id) >= 0 {
		ms++
		id = wire.ID(prefix + strconv.FormatInt(ms, 10))
	}
	return id
}

// Remove drops the entry with id and reports whether one was found.
func (e *Engine) Remove(id wire.ID) bool {
	i := e.indexOf(id)
	if i < 0 {
		return false
	}
	e.messages = append(e.messages[:i:i], e.messages[i+1:]...)
	e.Render()
	return true
}

// ClaimSent finds the message just created from text after a history
// reload: the first confirmed entry whose text matches, else the first entry
// if it is confirmed. The match is added to the sent set and attributed
// locally.
func (e *Engine) ClaimSent(text string) (wire.ID, bool) {
	idx := -1
	for i, m := range e.messages {
		if m.Text == text && !m.IsTemporary() && !m.ID.IsZero() {
			idx = i
			break
		}
	}
	if idx < 0 && len(e.messages) > 0 && !e.messages[0].IsTemporary() && !e.messages[0].ID.IsZero() {
		idx = 0
	}
	if idx < 0 {
		return "", false
	}
	id := e.messages[idx].ID
	e.sent[id.Key()] = struct{}{}
	e.messages[idx].Sender = SenderLocal
	e.Render()
	return id, true
}

// Reset clears the list and the active conversation. The sent set is kept
// for the rest of the session.
func (e *Engine) Reset() {
	e.messages = nil
	e.conversation = ""
	e.Render()
}

func (e *Engine) indexOf(id wire.ID) int {
	if id.IsZero() {
		return -1
	}
	key := id.Key()
	for i, m := range e.messages {
		if !m.ID.IsZero() && m.ID.Key() == key {
			return i
		}
	}
	return -1
}
