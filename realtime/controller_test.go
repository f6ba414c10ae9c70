package realtime_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firemoo/firemoo-go/loop"
	"github.com/firemoo/firemoo-go/realtime"
	"github.com/firemoo/firemoo-go/realtime/realtimetest"
)

const waitFor = 2 * time.Second

type harness struct {
	t      *testing.T
	loop   *loop.Loop
	clock  *loop.ManualClock
	dialer *realtimetest.Dialer
	ctrl   *realtime.Controller
	frames [][]byte
	states []realtime.State
}

func newHarness(t *testing.T, dialer realtime.Dialer, opts ...realtime.Option) *harness {
	t.Helper()
	h := &harness{t: t, clock: loop.NewManualClock(time.Unix(0, 0))}
	h.loop = loop.New(loop.WithClock(h.clock))
	ctx, cancel := context.WithCancel(context.Background())
	go h.loop.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.loop.Done()
	})

	if fd, ok := dialer.(*realtimetest.Dialer); ok {
		h.dialer = fd
	}
	opts = append([]realtime.Option{
		realtime.WithFrameHandler(func(b []byte) { h.frames = append(h.frames, b) }),
		realtime.WithStateHandler(func(s realtime.State) { h.states = append(h.states, s) }),
	}, opts...)
	h.ctrl = realtime.NewController(h.loop, dialer, "ws://example.test/websocket", opts...)
	return h
}

// do runs fn on the loop and waits for it.
func (h *harness) do(fn func()) {
	h.t.Helper()
	require.NoError(h.t, h.loop.Call(context.Background(), fn))
}

func (h *harness) state() realtime.State {
	var s realtime.State
	h.do(func() { s = h.ctrl.State() })
	return s
}

func (h *harness) waitState(want realtime.State) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.state() == want }, waitFor, 5*time.Millisecond,
		"controller never reached %s", want)
}

func (h *harness) waitPending(want ...time.Duration) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		h.do(func() {})
		return assert.ObjectsAreEqual(want, h.clock.Pending())
	}, waitFor, 5*time.Millisecond, "pending timers: got %v, want %v", h.clock.Pending(), want)
}

func TestControllerSubscribesAfterGraceDelay(t *testing.T) {
	h := newHarness(t, realtimetest.NewDialer())

	h.do(func() { h.ctrl.Connect("chat:42") })
	h.waitState(realtime.StateOpen)

	conn := h.dialer.Last()
	require.NotNil(t, conn)
	assert.Empty(t, conn.Writes(), "nothing is sent before the grace delay")

	h.waitPending(realtime.DefaultGraceDelay)
	h.clock.Advance(realtime.DefaultGraceDelay)

	require.Eventually(t, func() bool { return len(conn.Writes()) == 1 }, waitFor, 5*time.Millisecond)
	assert.JSONEq(t, `{"action":"subscribe","channel":"chat:42"}`, conn.Writes()[0])
	assert.Equal(t, []string{"ws://example.test/websocket"}, h.dialer.URLs())
}

func TestControllerConnectNoops(t *testing.T) {
	h := newHarness(t, realtimetest.NewDialer())

	h.do(func() { h.ctrl.Connect("") })
	assert.Equal(t, realtime.StateDisconnected, h.state())
	assert.Zero(t, h.dialer.Dials())

	h.do(func() {
		h.ctrl.Connect("chat:1")
		h.ctrl.Connect("chat:1")
	})
	h.waitState(realtime.StateOpen)
	h.do(func() { h.ctrl.Connect("chat:1") })
	assert.Equal(t, 1, h.dialer.Dials())
}

func TestControllerLinearBackoffGivesUpAfterMaxAttempts(t *testing.T) {
	h := newHarness(t, realtimetest.NewDialer())

	h.do(func() { h.ctrl.Connect("chat:7") })
	h.waitState(realtime.StateOpen)
	h.waitPending(realtime.DefaultGraceDelay)
	h.clock.Advance(realtime.DefaultGraceDelay)

	// Every reconnect from here on fails, which the controller treats as
	// another close.
	h.dialer.Fail(errors.New("connection refused"))
	h.dialer.Last().CloseRemote()

	want := []time.Duration{3 * time.Second, 6 * time.Second, 9 * time.Second, 12 * time.Second, 15 * time.Second}
	for i, delay := range want {
		h.waitPending(delay)
		h.clock.Advance(delay)
		require.Eventually(t, func() bool { return h.dialer.Dials() == i+2 }, waitFor, 5*time.Millisecond)
	}

	// The sixth close schedules nothing.
	require.Eventually(t, func() bool {
		var attempts int
		var state realtime.State
		h.do(func() { attempts, state = h.ctrl.Attempts(), h.ctrl.State() })
		return attempts == realtime.DefaultMaxAttempts && state == realtime.StateDisconnected
	}, waitFor, 5*time.Millisecond)
	h.do(func() {})
	assert.Empty(t, h.clock.Pending())

	h.clock.Advance(time.Hour)
	h.do(func() {})
	assert.Equal(t, 6, h.dialer.Dials())
}

func TestControllerAttemptsResetOnOpen(t *testing.T) {
	h := newHarness(t, realtimetest.NewDialer())

	h.do(func() { h.ctrl.Connect("chat:7") })
	h.waitState(realtime.StateOpen)

	h.dialer.Last().CloseRemote()
	h.waitPending(3 * time.Second)
	h.clock.Advance(3 * time.Second)
	h.waitState(realtime.StateOpen)

	var attempts int
	h.do(func() { attempts = h.ctrl.Attempts() })
	assert.Zero(t, attempts)

	// The fresh session's grace timer is cancelled by the close; only the
	// first-attempt delay is pending again.
	h.dialer.Last().CloseRemote()
	h.waitPending(3 * time.Second)
}

func TestControllerDisconnectCancelsPendingReconnect(t *testing.T) {
	h := newHarness(t, realtimetest.NewDialer())

	h.do(func() { h.ctrl.Connect("chat:7") })
	h.waitState(realtime.StateOpen)
	h.clock.Advance(realtime.DefaultGraceDelay)

	h.dialer.Last().CloseRemote()
	h.waitPending(3 * time.Second)

	h.do(func() { h.ctrl.Disconnect() })
	assert.Empty(t, h.clock.Pending())

	h.clock.Advance(time.Minute)
	h.do(func() {})
	assert.Equal(t, 1, h.dialer.Dials())
	assert.Equal(t, realtime.StateDisconnected, h.state())
}

func TestControllerDisconnectDetachesBeforeClose(t *testing.T) {
	h := newHarness(t, realtimetest.NewDialer())

	h.do(func() { h.ctrl.Connect("chat:7") })
	h.waitState(realtime.StateOpen)
	conn := h.dialer.Last()

	h.do(func() { h.ctrl.Disconnect() })
	assert.True(t, conn.Closed())

	// The session's close report arrives after Disconnect and must not
	// schedule anything.
	time.Sleep(20 * time.Millisecond)
	h.do(func() {})
	assert.Empty(t, h.clock.Pending())
	assert.Equal(t, 1, h.dialer.Dials())

	var attempts int
	h.do(func() { attempts = h.ctrl.Attempts() })
	assert.Zero(t, attempts)
}

func TestControllerGateBlocksReconnect(t *testing.T) {
	open := true
	h := newHarness(t, realtimetest.NewDialer(), realtime.WithGate(func() bool { return open }))

	h.do(func() { h.ctrl.Connect("chat:7") })
	h.waitState(realtime.StateOpen)
	h.clock.Advance(realtime.DefaultGraceDelay)

	h.do(func() { open = false })
	h.dialer.Last().CloseRemote()
	h.waitState(realtime.StateDisconnected)
	h.do(func() {})
	assert.Empty(t, h.clock.Pending())
}

func TestControllerGateRecheckedWhenTimerFires(t *testing.T) {
	open := true
	h := newHarness(t, realtimetest.NewDialer(), realtime.WithGate(func() bool { return open }))

	h.do(func() { h.ctrl.Connect("chat:7") })
	h.waitState(realtime.StateOpen)
	h.clock.Advance(realtime.DefaultGraceDelay)

	h.dialer.Last().CloseRemote()
	h.waitPending(3 * time.Second)
	h.do(func() { open = false })
	h.clock.Advance(3 * time.Second)
	h.do(func() {})
	assert.Equal(t, 1, h.dialer.Dials())
}

func TestControllerDeliversFramesOnLoop(t *testing.T) {
	h := newHarness(t, realtimetest.NewDialer())

	h.do(func() { h.ctrl.Connect("chat:7") })
	h.waitState(realtime.StateOpen)

	h.dialer.Last().Push([]byte(`{"type":"system:event","event":"connected"}`))
	require.Eventually(t, func() bool {
		var n int
		h.do(func() { n = len(h.frames) })
		return n == 1
	}, waitFor, 5*time.Millisecond)
}

func TestControllerStateTransitions(t *testing.T) {
	h := newHarness(t, realtimetest.NewDialer())

	h.do(func() { h.ctrl.Connect("chat:7") })
	h.waitState(realtime.StateOpen)
	h.do(func() { h.ctrl.Disconnect() })

	var states []realtime.State
	h.do(func() { states = append(states, h.states...) })
	assert.Equal(t, []realtime.State{
		realtime.StateConnecting,
		realtime.StateOpen,
		realtime.StateClosing,
		realtime.StateDisconnected,
	}, states)
}

func TestControllerSendRequiresOpenSocket(t *testing.T) {
	h := newHarness(t, realtimetest.NewDialer())
	var err error
	h.do(func() { err = h.ctrl.Send([]byte(`{}`)) })
	assert.ErrorIs(t, err, realtime.ErrNotConnected)
}

// gatedDialer blocks each dial until release is closed.
type gatedDialer struct {
	release chan struct{}
	conn    *realtimetest.Conn
}

func (d *gatedDialer) Dial(ctx context.Context, url string) (realtime.Conn, error) {
	select {
	case <-d.release:
		return d.conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestControllerSubscribeRetriesWhileConnecting(t *testing.T) {
	d := &gatedDialer{release: make(chan struct{}), conn: realtimetest.NewConn()}
	h := newHarness(t, d)

	h.do(func() {
		h.ctrl.Connect("chat:1")
		h.ctrl.Subscribe("chat:9")
	})
	assert.Equal(t, realtime.StateConnecting, h.state())
	assert.Equal(t, []time.Duration{realtime.DefaultSubscribeRetry}, h.clock.Pending())

	close(d.release)
	h.waitState(realtime.StateOpen)
	h.clock.Advance(realtime.DefaultSubscribeRetry)

	require.Eventually(t, func() bool { return len(d.conn.Writes()) == 2 }, waitFor, 5*time.Millisecond)
	assert.JSONEq(t, `{"action":"subscribe","channel":"chat:1"}`, d.conn.Writes()[0])
	assert.JSONEq(t, `{"action":"subscribe","channel":"chat:9"}`, d.conn.Writes()[1])
}

func TestControllerDisconnectWhileDialing(t *testing.T) {
	d := &gatedDialer{release: make(chan struct{}), conn: realtimetest.NewConn()}
	h := newHarness(t, d)

	h.do(func() { h.ctrl.Connect("chat:1") })
	h.do(func() { h.ctrl.Disconnect() })
	close(d.release)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, realtime.StateDisconnected, h.state())
	h.do(func() {})
	assert.Empty(t, h.clock.Pending())
}

func TestControllerExtraChannels(t *testing.T) {
	h := newHarness(t, realtimetest.NewDialer())

	h.do(func() {
		h.ctrl.Connect("firestore")
		h.ctrl.AddChannel("orders")
		h.ctrl.AddChannel("orders")
	})
	h.waitState(realtime.StateOpen)
	h.clock.Advance(realtime.DefaultGraceDelay)

	conn := h.dialer.Last()
	require.Eventually(t, func() bool { return len(conn.Writes()) == 2 }, waitFor, 5*time.Millisecond)

	h.do(func() { h.ctrl.RemoveChannel("orders") })
	require.Eventually(t, func() bool { return len(conn.Writes()) == 3 }, waitFor, 5*time.Millisecond)
	assert.JSONEq(t, `{"action":"unsubscribe","channel":"orders"}`, conn.Writes()[2])
}

func TestSocketURL(t *testing.T) {
	cases := []struct {
		base, want string
	}{
		{"https://api.example.com", "wss://api.example.com/websocket?api_key=k&website_url=https%3A%2F%2Fshop.test"},
		{"http://localhost:8080/", "ws://localhost:8080/websocket?api_key=k&website_url=https%3A%2F%2Fshop.test"},
		{"api.example.com", "wss://api.example.com/websocket?api_key=k&website_url=https%3A%2F%2Fshop.test"},
	}
	for _, tc := range cases {
		got, err := realtime.SocketURL(tc.base, "k", "https://shop.test")
		require.NoError(t, err, tc.base)
		assert.Equal(t, tc.want, got, tc.base)
	}

	_, err := realtime.SocketURL("", "k", "")
	assert.Error(t, err)
}
