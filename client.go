// Package firemoo provides a Go client for the Firemoo realtime database and
// chat backend. The Client speaks the REST API (chat conversations,
// collections and documents) and opens realtime sockets; the widget package
// builds the embeddable chat on top of it.
package firemoo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/firemoo/firemoo-go/realtime"
	"github.com/firemoo/firemoo-go/wire"
)

// Client talks to one Firemoo project.
type Client struct {
	cfg        Config
	httpClient *http.Client
	dialer     realtime.Dialer
	socketURL  string
	logger     zerolog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the HTTP client. Its transport is used as is.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithDialer replaces the socket dialer.
func WithDialer(d realtime.Dialer) ClientOption {
	return func(c *Client) { c.dialer = d }
}

// WithLogger sets the client logger.
func WithLogger(l zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient validates cfg and returns a client. A missing API key is a
// *ConfigError wrapping ErrMissingAPIKey.
func NewClient(cfg Config, opts ...ClientOption) (*Client, error) {
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	socketURL, err := realtime.SocketURL(cfg.BaseURL, cfg.APIKey, cfg.WebsiteURL)
	if err != nil {
		return nil, &ConfigError{Field: "base-url", Value: cfg.BaseURL, Err: err}
	}
	c := &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: gzhttp.Transport(http.DefaultTransport),
		},
		dialer:    realtime.WSDialer{},
		socketURL: socketURL,
		logger:    log.With().Str("component", "firemoo").Logger(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Config returns the normalized configuration.
func (c *Client) Config() Config { return c.cfg }

// SocketURL returns the realtime endpoint including credentials.
func (c *Client) SocketURL() string { return c.socketURL }

// Dialer returns the socket dialer.
func (c *Client) Dialer() realtime.Dialer { return c.dialer }

// Request performs one API call and returns the raw JSON body. The body is
// only sent for POST, PUT and PATCH. Non-2xx statuses fail with
// *RemoteError; network and decoding failures with *TransportError. There
// are no retries at this layer.
func (c *Client) Request(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	op := method + " " + path

	var bodyReader io.Reader
	if body != nil && hasBody(method) {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, &TransportError{Op: op, Err: fmt.Errorf("marshal request: %w", err)}
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.cfg.APIKey)
	req.Header.Set("X-Website-Url", c.cfg.WebsiteURL)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: op, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		rerr := &RemoteError{StatusCode: resp.StatusCode, Message: remoteMessage(resp, respBody)}
		c.logger.Debug().Str("op", op).Int("status", resp.StatusCode).Msg(rerr.Message)
		return nil, rerr
	}
	if len(bytes.TrimSpace(respBody)) > 0 && !json.Valid(respBody) {
		return nil, &TransportError{Op: op, Err: fmt.Errorf("decode response: invalid JSON")}
	}
	return respBody, nil
}

// doJSON performs Request and decodes the response into dest.
func (c *Client) doJSON(ctx context.Context, method, path string, reqBody, dest any) error {
	body, err := c.Request(ctx, method, path, reqBody)
	if err != nil {
		return err
	}
	if dest == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return &TransportError{Op: method + " " + path, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func hasBody(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}

func remoteMessage(resp *http.Response, body []byte) string {
	var eb wire.ErrorBody
	if json.Unmarshal(body, &eb) == nil && eb.Error != "" {
		return eb.Error
	}
	return fmt.Sprintf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
}
