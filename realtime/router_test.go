package realtime_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firemoo/firemoo-go/realtime"
)

type recorder struct {
	events []realtime.Event
}

func (r *recorder) on(router *realtime.Router, names ...string) {
	for _, name := range names {
		router.On(name, func(ev realtime.Event) { r.events = append(r.events, ev) })
	}
}

func (r *recorder) names() []string {
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Name
	}
	return out
}

func TestRouterChannelEvent(t *testing.T) {
	router := realtime.NewRouter()
	rec := &recorder{}
	rec.on(router, "channel:chat:5:message:new", realtime.TopicChannelEvent, realtime.TopicChatMessage)

	router.Dispatch([]byte(`{"type":"channel:event","channel":"chat:5","event":"message:new",
		"data":{"id":10,"message":"hi","sender_type":"agent","conversation_id":5}}`))

	assert.Equal(t, []string{"channel:chat:5:message:new", realtime.TopicChannelEvent, realtime.TopicChatMessage}, rec.names())
	chat := rec.events[2]
	require.NotNil(t, chat.Message)
	assert.Equal(t, "10", chat.Message.ID.String())
	assert.Equal(t, "hi", chat.Message.Text)
	assert.Equal(t, "5", chat.Message.ConversationID.String())
}

func TestRouterIgnoresNonChatChannelsForChatTopic(t *testing.T) {
	router := realtime.NewRouter()
	rec := &recorder{}
	rec.on(router, realtime.TopicChatMessage)

	router.Dispatch([]byte(`{"type":"channel:event","channel":"orders","event":"message:new","data":{"id":1}}`))
	router.Dispatch([]byte(`{"type":"channel:event","channel":"chat:5","event":"typing","data":{"id":1}}`))

	assert.Empty(t, rec.events)
}

func TestRouterSystemEvents(t *testing.T) {
	router := realtime.NewRouter()
	rec := &recorder{}
	rec.on(router, "system:connection:established", realtime.TopicSystemEvent, realtime.TopicSessionReady)

	router.Dispatch([]byte(`{"type":"system","event_name":"connection:established","data":{}}`))

	assert.Equal(t, []string{"system:connection:established", realtime.TopicSystemEvent, realtime.TopicSessionReady}, rec.names())
}

func TestRouterFirestoreEvents(t *testing.T) {
	router := realtime.NewRouter()
	rec := &recorder{}
	rec.on(router, "firestore:connected", realtime.TopicFirestore, "document_created")

	router.Dispatch([]byte(`{"type":"firestore:connected"}`))
	router.Dispatch([]byte(`{"type":"document_created","document_id":"d1"}`))

	assert.Equal(t, []string{"firestore:connected", realtime.TopicFirestore, "document_created"}, rec.names())
	assert.JSONEq(t, `{"type":"document_created","document_id":"d1"}`, string(rec.events[2].Data))
}

func TestRouterPlainTextBecomesChatMessage(t *testing.T) {
	router := realtime.NewRouter()
	rec := &recorder{}
	rec.on(router, realtime.TopicMessage, realtime.TopicChatMessage)

	router.Dispatch([]byte(`hello from the agent`))

	require.Equal(t, []string{realtime.TopicMessage, realtime.TopicChatMessage}, rec.names())
	assert.Equal(t, "hello from the agent", rec.events[1].Message.Text)
}

func TestRouterOff(t *testing.T) {
	router := realtime.NewRouter()
	calls := 0
	sub := router.On(realtime.TopicMessage, func(realtime.Event) { calls++ })
	router.On(realtime.TopicMessage, func(realtime.Event) { calls++ })

	router.Off(sub)
	router.Dispatch([]byte(`{"foo":"bar"}`))
	assert.Equal(t, 1, calls)

	router.OffAll(realtime.TopicMessage)
	router.Dispatch([]byte(`{"foo":"bar"}`))
	assert.Equal(t, 1, calls)
}
