// Package realtimetest provides in-memory socket doubles for tests.
package realtimetest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/firemoo/firemoo-go/realtime"
)

// Dialer hands out queued results. Once the queue is empty every dial
// succeeds with a fresh Conn unless Fail is set.
type Dialer struct {
	mu      sync.Mutex
	queue   []result
	conns   []*Conn
	urls    []string
	dials   int
	failing error
}

type result struct {
	conn *Conn
	err  error
}

var _ realtime.Dialer = (*Dialer)(nil)

// NewDialer returns a dialer with an empty queue.
func NewDialer() *Dialer { return &Dialer{} }

// QueueConn makes the next dial return a new Conn, which is returned so the
// test can drive it.
func (d *Dialer) QueueConn() *Conn {
	c := NewConn()
	d.mu.Lock()
	d.queue = append(d.queue, result{conn: c})
	d.mu.Unlock()
	return c
}

// QueueError makes the next dial fail with err.
func (d *Dialer) QueueError(err error) {
	d.mu.Lock()
	d.queue = append(d.queue, result{err: err})
	d.mu.Unlock()
}

// Fail makes every unqueued dial fail with err. A nil err restores success.
func (d *Dialer) Fail(err error) {
	d.mu.Lock()
	d.failing = err
	d.mu.Unlock()
}

func (d *Dialer) Dial(ctx context.Context, url string) (realtime.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.urls = append(d.urls, url)

	var r result
	switch {
	case len(d.queue) > 0:
		r = d.queue[0]
		d.queue = d.queue[1:]
	case d.failing != nil:
		r = result{err: d.failing}
	default:
		r = result{conn: NewConn()}
	}
	if r.err != nil {
		return nil, r.err
	}
	d.conns = append(d.conns, r.conn)
	return r.conn, nil
}

// Dials returns how many times Dial was called.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// URLs returns every dialed URL.
func (d *Dialer) URLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}

// Last returns the most recently established Conn, or nil.
func (d *Dialer) Last() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// Conn is an in-memory socket. Frames pushed with Push are returned by
// ReadMessage; frames written by the client are recorded.
type Conn struct {
	inbound chan []byte
	closed  chan struct{}
	once    sync.Once

	mu     sync.Mutex
	writes [][]byte
}

var _ realtime.Conn = (*Conn)(nil)

// NewConn returns an open Conn.
func NewConn() *Conn {
	return &Conn{
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (c *Conn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *Conn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return errors.New("realtimetest: write on closed conn")
	default:
	}
	c.mu.Lock()
	c.writes = append(c.writes, append([]byte(nil), data...))
	c.mu.Unlock()
	return nil
}

func (c *Conn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// CloseRemote simulates the server dropping the connection.
func (c *Conn) CloseRemote() { c.Close() }

// Closed reports whether either side closed the Conn.
func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Push delivers a raw inbound frame.
func (c *Conn) Push(data []byte) {
	c.inbound <- data
}

// PushJSON marshals v and delivers it.
func (c *Conn) PushJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	c.Push(b)
}

// Writes returns a copy of every frame the client wrote.
func (c *Conn) Writes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.writes))
	for i, w := range c.writes {
		out[i] = string(w)
	}
	return out
}
