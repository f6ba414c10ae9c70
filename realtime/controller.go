package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/firemoo/firemoo-go/frame"
	"github.com/firemoo/firemoo-go/loop"
)

// Defaults for the reconnection policy.
const (
	DefaultBaseDelay      = 3000 * time.Millisecond
	DefaultMaxAttempts    = 5
	DefaultGraceDelay     = 100 * time.Millisecond
	DefaultSubscribeRetry = 500 * time.Millisecond

	sendBuffer = 256
)

// ErrSendBufferFull is returned when the outbound queue is saturated.
var ErrSendBufferFull = errors.New("realtime: send buffer full")

// Controller owns the socket lifecycle: connect, subscribe, detect close,
// reconnect with linear backoff, and explicit cancellation.
//
// A Controller is confined to its loop. Every method must be called from a
// task running on that loop; socket I/O happens on background goroutines
// that post their results back.
type Controller struct {
	loop   *loop.Loop
	dialer Dialer
	url    string

	baseDelay      time.Duration
	maxAttempts    int
	graceDelay     time.Duration
	subscribeRetry time.Duration
	gate           func() bool
	onFrame        func([]byte)
	onState        func(State)
	onError        func(error)
	logger         zerolog.Logger

	state           State
	shouldReconnect bool
	attempts        int
	channel         string
	extra           []string
	session         *session
	// gen invalidates callbacks from sockets that were detached by
	// Disconnect or superseded by a new dial.
	gen uint64

	cancelDial     context.CancelFunc
	reconnectTimer *loop.Timer
	graceTimer     *loop.Timer
	retryTimers    map[string]*loop.Timer
}

// Option configures a Controller.
type Option func(*Controller)

// WithBaseDelay sets the unit of the linear backoff.
func WithBaseDelay(d time.Duration) Option {
	return func(c *Controller) { c.baseDelay = d }
}

// WithMaxAttempts caps consecutive automatic reconnects.
func WithMaxAttempts(n int) Option {
	return func(c *Controller) { c.maxAttempts = n }
}

// WithGraceDelay sets the pause between open and the first subscribe.
func WithGraceDelay(d time.Duration) Option {
	return func(c *Controller) { c.graceDelay = d }
}

// WithSubscribeRetry sets how long a subscribe waits while connecting.
func WithSubscribeRetry(d time.Duration) Option {
	return func(c *Controller) { c.subscribeRetry = d }
}

// WithGate adds a condition that must hold for an automatic reconnect,
// checked both when scheduling and when the timer fires.
func WithGate(fn func() bool) Option {
	return func(c *Controller) { c.gate = fn }
}

// WithFrameHandler receives every inbound frame, on the loop.
func WithFrameHandler(fn func([]byte)) Option {
	return func(c *Controller) { c.onFrame = fn }
}

// WithStateHandler is notified of every state transition, on the loop.
func WithStateHandler(fn func(State)) Option {
	return func(c *Controller) { c.onState = fn }
}

// WithErrorHandler is notified, on the loop, when a dial fails or an open
// socket ends with an error.
func WithErrorHandler(fn func(error)) Option {
	return func(c *Controller) { c.onError = fn }
}

// WithLogger sets the controller logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// NewController creates a disconnected controller for socketURL.
func NewController(l *loop.Loop, d Dialer, socketURL string, opts ...Option) *Controller {
	c := &Controller{
		loop:           l,
		dialer:         d,
		url:            socketURL,
		baseDelay:      DefaultBaseDelay,
		maxAttempts:    DefaultMaxAttempts,
		graceDelay:     DefaultGraceDelay,
		subscribeRetry: DefaultSubscribeRetry,
		gate:           func() bool { return true },
		onFrame:        func([]byte) {},
		onState:        func(State) {},
		onError:        func(error) {},
		logger:         log.With().Str("component", "realtime").Logger(),
		retryTimers:    make(map[string]*loop.Timer),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// State returns the current lifecycle state.
func (c *Controller) State() State { return c.state }

// Attempts returns the number of automatic reconnects since the last open.
func (c *Controller) Attempts() int { return c.attempts }

// Channel returns the primary channel.
func (c *Controller) Channel() string { return c.channel }

// Connect opens the socket and subscribes to channel once it is open. It is
// a no-op when channel is empty or a socket is already open or connecting.
// Connect re-arms automatic reconnection.
func (c *Controller) Connect(channel string) {
	if channel == "" {
		c.logger.Debug().Msg("connect deferred: no channel")
		return
	}
	previous := c.channel
	c.channel = channel
	c.shouldReconnect = true

	switch c.state {
	case StateOpen:
		if previous != channel {
			c.Subscribe(channel)
		}
		return
	case StateConnecting:
		return
	}
	c.stopTimer(&c.reconnectTimer)
	c.dial()
}

// AddChannel subscribes to an additional channel now (if open) and after
// every reconnect.
func (c *Controller) AddChannel(channel string) {
	if channel == "" || channel == c.channel {
		return
	}
	for _, ch := range c.extra {
		if ch == channel {
			return
		}
	}
	c.extra = append(c.extra, channel)
	if c.state == StateOpen {
		c.Subscribe(channel)
	}
}

// RemoveChannel stops resubscribing to channel and unsubscribes if open.
func (c *Controller) RemoveChannel(channel string) {
	for i, ch := range c.extra {
		if ch == channel {
			c.extra = append(c.extra[:i], c.extra[i+1:]...)
			break
		}
	}
	c.stopRetry(channel)
	if c.state == StateOpen {
		if err := c.Send(frame.Unsubscribe(channel)); err != nil {
			c.logger.Debug().Err(err).Str("channel", channel).Msg("unsubscribe not sent")
		}
	}
}

// Subscribe sends the subscribe frame for channel. While the socket is still
// connecting the request is retried after a fixed delay rather than dropped.
func (c *Controller) Subscribe(channel string) {
	if channel == "" {
		return
	}
	switch c.state {
	case StateConnecting:
		c.stopRetry(channel)
		c.retryTimers[channel] = c.loop.AfterFunc(c.subscribeRetry, func() {
			delete(c.retryTimers, channel)
			c.Subscribe(channel)
		})
		return
	case StateOpen:
	default:
		c.logger.Debug().Str("channel", channel).Str("state", c.state.String()).Msg("subscribe skipped")
		return
	}
	if err := c.Send(frame.Subscribe(channel)); err != nil {
		c.logger.Warn().Err(err).Str("channel", channel).Msg("subscribe failed")
		return
	}
	c.logger.Debug().Str("channel", channel).Msg("subscribed")
}

// Resubscribe subscribes to every known channel again.
func (c *Controller) Resubscribe() {
	c.Subscribe(c.channel)
	for _, ch := range c.extra {
		c.Subscribe(ch)
	}
}

// Send queues a raw frame on the open socket.
func (c *Controller) Send(data []byte) error {
	s := c.session
	if s == nil || c.state != StateOpen {
		return ErrNotConnected
	}
	select {
	case s.sendCh <- data:
		return nil
	case <-s.done:
		return ErrNotConnected
	default:
		return ErrSendBufferFull
	}
}

// Disconnect tears the socket down and disables automatic reconnection. It is
// safe in any state. Pending callbacks are detached before the socket is
// closed so the close cannot schedule a reconnect.
func (c *Controller) Disconnect() {
	c.shouldReconnect = false
	c.gen++

	c.stopTimer(&c.reconnectTimer)
	c.stopTimer(&c.graceTimer)
	for ch, t := range c.retryTimers {
		t.Stop()
		delete(c.retryTimers, ch)
	}
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}

	if s := c.session; s != nil {
		c.session = nil
		c.setState(StateClosing)
		s.stop()
	}
	c.attempts = 0
	c.setState(StateDisconnected)
}

func (c *Controller) dial() {
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelDial = cancel
	c.setState(StateConnecting)
	c.logger.Debug().Str("channel", c.channel).Int("attempt", c.attempts).Msg("dialing")

	loop.Go(c.loop, ctx, func(ctx context.Context) (Conn, error) {
		return c.dialer.Dial(ctx, c.url)
	}, func(conn Conn, err error) {
		c.dialed(gen, cancel, conn, err)
	})
}

func (c *Controller) dialed(gen uint64, cancel context.CancelFunc, conn Conn, err error) {
	cancel()
	if gen != c.gen {
		if conn != nil {
			conn.Close()
		}
		return
	}
	c.cancelDial = nil
	if err != nil {
		c.logger.Warn().Err(err).Msg("socket dial failed")
		c.closed(gen, err)
		return
	}

	s := &session{
		gen:    gen,
		conn:   conn,
		sendCh: make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
	c.session = s
	c.attempts = 0
	c.setState(StateOpen)
	c.logger.Info().Str("channel", c.channel).Msg("socket open")

	c.graceTimer = c.loop.AfterFunc(c.graceDelay, func() {
		c.graceTimer = nil
		if gen == c.gen {
			c.Resubscribe()
		}
	})

	go c.supervise(s)
}

// supervise runs the session's read and write loops and reports the first
// failure back to the loop once both have stopped.
func (c *Controller) supervise(s *session) {
	var g errgroup.Group
	g.Go(func() error { return c.readLoop(s) })
	g.Go(func() error { return c.writeLoop(s) })
	err := g.Wait()
	c.loop.Post(func() { c.closed(s.gen, err) })
}

func (c *Controller) readLoop(s *session) error {
	for {
		data, err := s.conn.ReadMessage()
		if err != nil {
			s.stop()
			return err
		}
		c.loop.Post(func() {
			if s.gen == c.gen {
				c.onFrame(data)
			}
		})
	}
}

func (c *Controller) writeLoop(s *session) error {
	for {
		select {
		case data := <-s.sendCh:
			if err := s.conn.WriteMessage(data); err != nil {
				s.stop()
				return err
			}
		case <-s.done:
			return nil
		}
	}
}

// closed handles both a dropped socket and a failed dial.
func (c *Controller) closed(gen uint64, err error) {
	if gen != c.gen {
		return
	}
	c.session = nil
	c.stopTimer(&c.graceTimer)
	for ch, t := range c.retryTimers {
		t.Stop()
		delete(c.retryTimers, ch)
	}
	c.setState(StateDisconnected)
	c.logger.Debug().Err(err).Msg("socket closed")
	if err != nil {
		c.onError(err)
	}

	if !c.shouldReconnect || c.channel == "" || !c.gate() {
		return
	}
	if c.attempts >= c.maxAttempts {
		c.logger.Warn().Int("attempts", c.attempts).Msg("giving up on reconnect")
		return
	}
	c.attempts++
	delay := c.baseDelay * time.Duration(c.attempts)
	c.logger.Info().Int("attempt", c.attempts).Dur("delay", delay).Msg("scheduling reconnect")
	c.reconnectTimer = c.loop.AfterFunc(delay, func() {
		c.reconnectTimer = nil
		if !c.shouldReconnect || c.channel == "" || !c.gate() {
			return
		}
		if c.state == StateDisconnected {
			c.dial()
		}
	})
}

func (c *Controller) setState(s State) {
	if c.state == s {
		return
	}
	c.state = s
	c.onState(s)
}

func (c *Controller) stopRetry(channel string) {
	if t, ok := c.retryTimers[channel]; ok {
		t.Stop()
		delete(c.retryTimers, channel)
	}
}

func (c *Controller) stopTimer(t **loop.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

type session struct {
	gen    uint64
	conn   Conn
	sendCh chan []byte
	done   chan struct{}
	once   sync.Once
}

func (s *session) stop() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}
