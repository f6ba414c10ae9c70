package fakeserver

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/firemoo/firemoo-go/frame"
	"github.com/firemoo/firemoo-go/wire"
)

// handleSocket upgrades the request and serves subscribe, unsubscribe and
// ping frames until the client goes away.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("api_key") != s.apiKey {
		writeError(w, http.StatusUnauthorized, "invalid api key")
		return
	}
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Debug().Err(err).Msg("upgrade failed")
		return
	}

	c := s.sockets.add(conn)
	defer s.sockets.drop(c)

	c.send(map[string]any{"type": frame.TypeSystem, "event": "connected"})
	c.send(map[string]any{"type": frame.TypeFirestoreConnected})

	for {
		data, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			return
		}
		if op != ws.OpText {
			continue
		}
		var in wire.SubscribeFrame
		if err := json.Unmarshal(data, &in); err != nil {
			c.send(map[string]any{"type": "error", "message": "invalid frame"})
			continue
		}
		switch in.Action {
		case wire.ActionSubscribe:
			s.sockets.subscribe(c, in.Channel, true)
			c.send(map[string]any{"type": frame.TypeSystem, "event": "subscribed", "data": map[string]string{"channel": in.Channel}})
		case wire.ActionUnsubscribe:
			s.sockets.subscribe(c, in.Channel, false)
		case wire.ActionPing:
			c.send(map[string]any{"type": "pong"})
		}
	}
}

type client struct {
	conn     net.Conn
	mu       sync.Mutex
	channels map[string]bool
	logger   zerolog.Logger
}

func (c *client) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := wsutil.WriteServerText(c.conn, data); err != nil {
		c.logger.Debug().Err(err).Msg("socket write failed")
	}
}

type hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	logger  zerolog.Logger
}

func newHub(logger zerolog.Logger) *hub {
	return &hub{clients: make(map[*client]struct{}), logger: logger}
}

func (h *hub) add(conn net.Conn) *client {
	c := &client{conn: conn, channels: make(map[string]bool), logger: h.logger}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *hub) drop(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.conn.Close()
}

func (h *hub) subscribe(c *client, channel string, on bool) {
	if channel == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if on {
		c.channels[channel] = true
	} else {
		delete(c.channels, channel)
	}
}

func (h *hub) count(channel string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for c := range h.clients {
		if c.channels[channel] {
			n++
		}
	}
	return n
}

func (h *hub) broadcast(channel string, v any) {
	h.mu.Lock()
	var targets []*client
	for c := range h.clients {
		if c.channels[channel] {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()
	for _, c := range targets {
		c.send(v)
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	var all []*client
	for c := range h.clients {
		all = append(all, c)
	}
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()
	for _, c := range all {
		c.conn.Close()
	}
}
