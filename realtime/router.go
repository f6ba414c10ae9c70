package realtime

import (
	"encoding/json"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/firemoo/firemoo-go/event"
	"github.com/firemoo/firemoo-go/frame"
	"github.com/firemoo/firemoo-go/wire"
)

// Topics published by the Router besides the per-channel and per-system
// event names.
const (
	TopicChannelEvent = "channel:event"
	TopicSystemEvent  = "system:event"
	TopicFirestore    = "firestore:event"
	TopicMessage      = "message"
	// TopicChatMessage carries a decoded chat message from any frame shape.
	TopicChatMessage = "chat:message"
	// TopicSessionReady fires for connected/connection:established system
	// events.
	TopicSessionReady = "session:ready"
)

// Event is what listeners receive.
type Event struct {
	Name    string
	Channel string
	Event   string
	Data    json.RawMessage
	Frame   frame.Frame
	// Message is set on TopicChatMessage.
	Message *wire.PushMessage
}

// ChannelTopic returns the name published for an event on a channel.
func ChannelTopic(channel, ev string) string {
	return "channel:" + channel + ":" + ev
}

// SystemTopic returns the name published for a system event.
func SystemTopic(ev string) string {
	return "system:" + ev
}

// Router classifies inbound frames and fans them out by name.
type Router struct {
	bus    *event.Bus[Event]
	logger zerolog.Logger
}

// NewRouter returns a router with no listeners.
func NewRouter(logger ...zerolog.Logger) *Router {
	l := log.With().Str("component", "router").Logger()
	if len(logger) > 0 {
		l = logger[0]
	}
	return &Router{bus: event.New[Event]().WithLogger(l), logger: l}
}

// On registers fn for name.
func (r *Router) On(name string, fn func(Event)) event.Subscription {
	return r.bus.Subscribe(name, fn)
}

// Off removes one listener.
func (r *Router) Off(sub event.Subscription) { r.bus.Unsubscribe(sub) }

// OffAll removes every listener for name.
func (r *Router) OffAll(name string) { r.bus.UnsubscribeAll(name) }

// Emit publishes an arbitrary event, used for lifecycle notifications.
func (r *Router) Emit(name string, data json.RawMessage) {
	r.bus.Publish(name, Event{Name: name, Data: data})
}

// Dispatch classifies one raw frame and publishes it.
func (r *Router) Dispatch(data []byte) {
	f := frame.Classify(data)
	switch f.Kind {
	case frame.KindChannel:
		r.publish(ChannelTopic(f.Channel, f.Event), f, f.Payload)
		r.publish(TopicChannelEvent, f, f.Payload)
		if frame.IsChatChannel(f.Channel) && frame.IsMessageEvent(f.Event) {
			r.publishChat(f, f.Payload)
		}
	case frame.KindSystem:
		r.publish(SystemTopic(f.Event), f, f.Payload)
		r.publish(TopicSystemEvent, f, f.Payload)
		if frame.IsConnectedEvent(f.Event) {
			r.publish(TopicSessionReady, f, f.Payload)
		}
	case frame.KindFirestore:
		if f.Type != frame.TypeFirestoreConnected {
			r.publish(TopicFirestore, f, f.Raw)
		}
		r.publish(f.Type, f, f.Raw)
	case frame.KindDirect:
		r.publish(TopicMessage, f, f.Raw)
		r.publishChat(f, f.Payload)
	default:
		r.publish(TopicMessage, f, f.Raw)
	}
}

func (r *Router) publish(name string, f frame.Frame, data json.RawMessage) {
	r.bus.Publish(name, Event{Name: name, Channel: f.Channel, Event: f.Event, Data: data, Frame: f})
}

func (r *Router) publishChat(f frame.Frame, payload json.RawMessage) {
	msg, ok := frame.DecodeMessage(payload)
	if !ok {
		r.logger.Debug().Str("channel", f.Channel).Msg("chat frame without payload")
		return
	}
	r.bus.Publish(TopicChatMessage, Event{
		Name:    TopicChatMessage,
		Channel: f.Channel,
		Event:   f.Event,
		Data:    payload,
		Frame:   f,
		Message: &msg,
	})
}
