// Package loop implements a single-threaded cooperative event loop. Every
// task posted to a Loop runs to completion on the loop goroutine before the
// next one starts, so state touched only from tasks needs no locking.
// Blocking work (HTTP, socket dial) runs elsewhere and posts its completion
// back with Go.
package loop

import (
	"bytes"
	"context"
	"errors"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrStopped        = errors.New("loop: stopped")
	ErrAlreadyRunning = errors.New("loop: already running")
)

// Loop is an unbounded FIFO of tasks drained by Run.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	done    chan struct{}
	started atomic.Bool
	stopped bool
	// owner is the id of the goroutine running Run, 0 when not running.
	owner atomic.Uint64

	clock  Clock
	logger zerolog.Logger
}

// Option configures a Loop.
type Option func(*Loop)

// WithClock replaces the system clock, typically with a ManualClock in tests.
func WithClock(c Clock) Option {
	return func(l *Loop) { l.clock = c }
}

// WithLogger sets the logger used for task panics.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

// New creates a loop. Nothing runs until Run is called.
func New(opts ...Option) *Loop {
	l := &Loop{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		clock:  System,
		logger: log.With().Str("component", "loop").Logger(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Clock returns the loop's time source.
func (l *Loop) Clock() Clock { return l.clock }

// Now is shorthand for l.Clock().Now().
func (l *Loop) Now() time.Time { return l.clock.Now() }

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Post enqueues fn. It never blocks. Tasks posted after Run returns are
// dropped.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Call runs fn on the loop and waits for it to finish. Called from a loop
// task, fn runs inline.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	if l.InLoop() {
		fn()
		return nil
	}
	finished := make(chan struct{})
	l.Post(func() {
		defer close(finished)
		fn()
	})
	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains tasks until ctx is cancelled. A panicking task is logged and
// the loop keeps going.
func (l *Loop) Run(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	l.owner.Store(goroutineID())
	defer func() {
		l.mu.Lock()
		l.stopped = true
		l.queue = nil
		l.mu.Unlock()
		l.owner.Store(0)
		close(l.done)
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		task, ok := l.next()
		if !ok {
			select {
			case <-l.wake:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		l.run(task)
	}
}

// InLoop reports whether the caller is running on the loop goroutine.
func (l *Loop) InLoop() bool {
	owner := l.owner.Load()
	return owner != 0 && owner == goroutineID()
}

// goroutineID parses the current goroutine's id from its stack header,
// "goroutine <id> [running]:".
func goroutineID() uint64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil, false
	}
	task := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return task, true
}

func (l *Loop) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error().Interface("panic", r).Msg("loop task panicked")
		}
	}()
	task()
}

// Go runs work on its own goroutine and posts done back to the loop with
// the result.
func Go[T any](l *Loop, ctx context.Context, work func(context.Context) (T, error), done func(T, error)) {
	go func() {
		v, err := work(ctx)
		l.Post(func() { done(v, err) })
	}()
}

// Timer is a cancellable delayed task. Its callback runs on the loop and is
// skipped if Stop was called first, even when the underlying clock had
// already fired.
type Timer struct {
	finished atomic.Bool
	inner    Stopper
	mu       sync.Mutex
}

// AfterFunc schedules fn to run on the loop after d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{}
	inner := l.clock.AfterFunc(d, func() {
		l.Post(func() {
			if t.finished.Swap(true) {
				return
			}
			fn()
		})
	})
	t.mu.Lock()
	t.inner = inner
	t.mu.Unlock()
	return t
}

// Stop cancels the timer. It reports whether the call prevented the
// callback from running.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}
	prevented := !t.finished.Swap(true)
	t.mu.Lock()
	inner := t.inner
	t.mu.Unlock()
	if inner != nil {
		inner.Stop()
	}
	return prevented
}
