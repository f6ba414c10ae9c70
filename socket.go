package firemoo

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/firemoo/firemoo-go/event"
	"github.com/firemoo/firemoo-go/frame"
	"github.com/firemoo/firemoo-go/loop"
	"github.com/firemoo/firemoo-go/realtime"
)

// FirestoreChannel is subscribed automatically by every Socket.
const FirestoreChannel = "firestore"

// Lifecycle events emitted by a Socket in addition to the routed frames.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventError        = "error"
)

// SDK reconnect policy.
const (
	SocketBaseDelay   = 1000 * time.Millisecond
	SocketMaxAttempts = 5
)

// Socket is the SDK realtime connection. It subscribes to the firestore
// channel on every open, reconnects with linear backoff and fans inbound
// frames out to listeners by name. Listeners run on the socket's loop
// goroutine. All methods are safe for concurrent use.
type Socket struct {
	loop   *loop.Loop
	ctrl   *realtime.Controller
	router *realtime.Router
	logger zerolog.Logger

	connected atomic.Bool
	cancel    context.CancelFunc
	closeOnce sync.Once
}

type socketConfig struct {
	loopOpts []loop.Option
	ctrlOpts []realtime.Option
}

// SocketOption configures a Socket.
type SocketOption func(*socketConfig)

// WithSocketClock replaces the time source of reconnect timers.
func WithSocketClock(c loop.Clock) SocketOption {
	return func(sc *socketConfig) { sc.loopOpts = append(sc.loopOpts, loop.WithClock(c)) }
}

// WithSocketBackoff overrides the reconnect base delay and attempt cap.
func WithSocketBackoff(base time.Duration, maxAttempts int) SocketOption {
	return func(sc *socketConfig) {
		sc.ctrlOpts = append(sc.ctrlOpts, realtime.WithBaseDelay(base), realtime.WithMaxAttempts(maxAttempts))
	}
}

// Websocket starts a realtime connection. The socket is dialed in the
// background; listen for EventConnected to know when it is open. ctx bounds
// only the start-up handshake with the socket's loop.
func (c *Client) Websocket(ctx context.Context, opts ...SocketOption) (*Socket, error) {
	var sc socketConfig
	for _, o := range opts {
		o(&sc)
	}
	logger := c.logger.With().Str("subsystem", "socket").Logger()

	s := &Socket{
		router: realtime.NewRouter(logger),
		logger: logger,
	}
	s.loop = loop.New(append([]loop.Option{loop.WithLogger(logger)}, sc.loopOpts...)...)

	ctrlOpts := []realtime.Option{
		realtime.WithBaseDelay(SocketBaseDelay),
		realtime.WithMaxAttempts(SocketMaxAttempts),
		realtime.WithFrameHandler(s.router.Dispatch),
		realtime.WithStateHandler(s.stateChanged),
		realtime.WithErrorHandler(s.failed),
		realtime.WithLogger(logger),
	}
	s.ctrl = realtime.NewController(s.loop, c.dialer, c.socketURL, append(ctrlOpts, sc.ctrlOpts...)...)

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go func() {
		if err := s.loop.Run(runCtx); err != nil && runCtx.Err() == nil {
			logger.Error().Err(err).Msg("socket loop stopped")
		}
	}()

	if err := s.loop.Call(ctx, func() { s.ctrl.Connect(FirestoreChannel) }); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Socket) stateChanged(st realtime.State) {
	switch st {
	case realtime.StateOpen:
		s.connected.Store(true)
		s.router.Emit(EventConnected, nil)
	case realtime.StateDisconnected:
		if s.connected.Swap(false) {
			s.router.Emit(EventDisconnected, nil)
		}
	}
}

func (s *Socket) failed(err error) {
	data, _ := json.Marshal(map[string]string{"error": err.Error()})
	s.router.Emit(EventError, data)
}

// On registers fn for an event name such as "connected",
// "channel:<ch>:<event>", "system:event", "firestore:event" or a document
// change type.
func (s *Socket) On(name string, fn func(realtime.Event)) event.Subscription {
	return s.router.On(name, fn)
}

// Off removes one listener.
func (s *Socket) Off(sub event.Subscription) { s.router.Off(sub) }

// OffAll removes every listener for name.
func (s *Socket) OffAll(name string) { s.router.OffAll(name) }

// Connect re-enables the connection after Disconnect.
func (s *Socket) Connect(ctx context.Context) error {
	return s.loop.Call(ctx, func() { s.ctrl.Connect(FirestoreChannel) })
}

// Subscribe joins channel now if open and after every reconnect.
func (s *Socket) Subscribe(ctx context.Context, channel string) error {
	if channel == "" {
		return fmt.Errorf("subscribe: empty channel")
	}
	return s.loop.Call(ctx, func() { s.ctrl.AddChannel(channel) })
}

// Unsubscribe leaves channel.
func (s *Socket) Unsubscribe(ctx context.Context, channel string) error {
	return s.loop.Call(ctx, func() { s.ctrl.RemoveChannel(channel) })
}

// Send writes v on the open socket. []byte and json.RawMessage are sent as
// is; anything else is JSON-encoded.
func (s *Socket) Send(ctx context.Context, v any) error {
	var data []byte
	switch t := v.(type) {
	case []byte:
		data = t
	case json.RawMessage:
		data = t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal frame: %w", err)
		}
		data = b
	}
	return s.send(ctx, data)
}

// Ping sends a keepalive frame.
func (s *Socket) Ping(ctx context.Context) error {
	return s.send(ctx, frame.Ping())
}

func (s *Socket) send(ctx context.Context, data []byte) error {
	var sendErr error
	if err := s.loop.Call(ctx, func() { sendErr = s.ctrl.Send(data) }); err != nil {
		return err
	}
	return sendErr
}

// Disconnect closes the socket and disables automatic reconnection until
// Connect is called.
func (s *Socket) Disconnect(ctx context.Context) error {
	return s.loop.Call(ctx, s.ctrl.Disconnect)
}

// Connected reports whether the socket is open.
func (s *Socket) Connected() bool { return s.connected.Load() }

// ReconnectAttempts returns the number of automatic reconnects since the
// last successful open.
func (s *Socket) ReconnectAttempts() int {
	var n int
	if err := s.loop.Call(context.Background(), func() { n = s.ctrl.Attempts() }); err != nil {
		return 0
	}
	return n
}

// Close disconnects and stops the socket's loop. The Socket cannot be
// reused. Called from a listener, it returns without waiting for the loop
// to finish.
func (s *Socket) Close() error {
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.loop.Call(ctx, s.ctrl.Disconnect); err != nil {
			s.logger.Debug().Err(err).Msg("disconnect on close")
		}
		s.cancel()
		if !s.loop.InLoop() {
			<-s.loop.Done()
		}
	})
	return nil
}
