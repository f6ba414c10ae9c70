// Package realtime owns the persistent socket: dialing, the reconnection
// controller and the router that fans inbound frames out to listeners.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// SocketPath is appended to the base URL to reach the realtime endpoint.
const SocketPath = "/websocket"

// ErrNotConnected is returned when writing while no socket is open.
var ErrNotConnected = errors.New("realtime: not connected")

// Conn is one established socket carrying text frames.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens sockets.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WSDialer dials with gobwas/ws.
type WSDialer struct {
	// Timeout bounds the handshake. Zero means 10s.
	Timeout time.Duration
}

// Dial opens a client websocket to url.
func (d WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	timeout := d.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn net.Conn
	wmu  sync.Mutex
	once sync.Once
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	data, _, err := wsutil.ReadServerData(c.conn)
	return data, err
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return wsutil.WriteClientText(c.conn, data)
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		c.wmu.Lock()
		_ = wsutil.WriteClientMessage(c.conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
		c.wmu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// SocketURL derives the socket endpoint from an HTTP base URL: http becomes
// ws, https becomes wss, and a bare host is assumed to be secure. The API key
// and website origin travel as query parameters because the socket cannot
// carry custom headers.
func SocketURL(baseURL, apiKey, websiteURL string) (string, error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	case strings.HasPrefix(base, "wss://"), strings.HasPrefix(base, "ws://"):
	default:
		base = "wss://" + base
	}
	u, err := url.Parse(base + SocketPath)
	if err != nil {
		return "", fmt.Errorf("socket url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("socket url: missing host in %q", baseURL)
	}
	q := url.Values{}
	q.Set("api_key", apiKey)
	q.Set("website_url", websiteURL)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
