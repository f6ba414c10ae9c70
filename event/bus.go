// Package event provides a typed publish/subscribe bus: a mapping from event
// name to an ordered list of subscribers.
package event

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Handler receives a published value.
type Handler[T any] func(T)

// Subscription identifies one registered handler. It is the removal handle
// returned by Subscribe.
type Subscription struct {
	Name string
	ID   uuid.UUID
}

type entry[T any] struct {
	id uuid.UUID
	fn Handler[T]
}

// Bus fans published values out to the handlers registered for a name, in
// registration order. A panicking handler is logged and does not prevent the
// remaining handlers from running. The zero value is not usable; call New.
type Bus[T any] struct {
	mu     sync.RWMutex
	subs   map[string][]entry[T]
	logger zerolog.Logger
}

// New returns an empty bus.
func New[T any]() *Bus[T] {
	return &Bus[T]{
		subs:   make(map[string][]entry[T]),
		logger: log.With().Str("component", "event").Logger(),
	}
}

// WithLogger replaces the logger used to report handler panics.
func (b *Bus[T]) WithLogger(l zerolog.Logger) *Bus[T] {
	b.mu.Lock()
	b.logger = l
	b.mu.Unlock()
	return b
}

// Subscribe appends fn to the handlers for name.
func (b *Bus[T]) Subscribe(name string, fn Handler[T]) Subscription {
	sub := Subscription{Name: name, ID: uuid.New()}
	b.mu.Lock()
	b.subs[name] = append(b.subs[name], entry[T]{id: sub.ID, fn: fn})
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes exactly one handler. Unknown subscriptions are ignored.
func (b *Bus[T]) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[sub.Name]
	for i, e := range list {
		if e.id != sub.ID {
			continue
		}
		next := make([]entry[T], 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(b.subs, sub.Name)
		} else {
			b.subs[sub.Name] = next
		}
		return
	}
}

// UnsubscribeAll removes every handler registered for name.
func (b *Bus[T]) UnsubscribeAll(name string) {
	b.mu.Lock()
	delete(b.subs, name)
	b.mu.Unlock()
}

// Len returns the number of handlers registered for name.
func (b *Bus[T]) Len(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[name])
}

// Publish delivers v to the handlers registered for name. The handler list
// is snapshotted first, so handlers may subscribe or unsubscribe freely.
func (b *Bus[T]) Publish(name string, v T) {
	b.mu.RLock()
	list := b.subs[name]
	logger := b.logger
	b.mu.RUnlock()

	for _, e := range list {
		b.dispatch(logger, name, e.fn, v)
	}
}

func (b *Bus[T]) dispatch(logger zerolog.Logger, name string, fn Handler[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Str("event", name).Interface("panic", r).Msg("event handler panicked")
		}
	}()
	fn(v)
}
