// Package client talks to a running relay's HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/InsulaLabs/relay/internal/buffer"
	"github.com/InsulaLabs/relay/internal/devices"
	"github.com/InsulaLabs/relay/internal/fanout"
	"github.com/InsulaLabs/relay/internal/registry"
	"github.com/InsulaLabs/relay/internal/service"
)

const defaultTimeout = 10 * time.Second

var (
	ErrUnauthorized  = errors.New("unauthorized: check the admin token")
	ErrAdminDisabled = errors.New("admin endpoints are disabled on this relay")
)

type Config struct {
	BaseURL    string
	AdminToken string
	Timeout    time.Duration
	Logger     *slog.Logger
}

type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	token      string
	logger     *slog.Logger
}

// ServerError is a non-2xx response from the relay.
type ServerError struct {
	StatusCode int
	Message    string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("relay returned %d: %s", e.StatusCode, e.Message)
}

func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url cannot be empty")
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base url %q: %w", cfg.BaseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https, got %q", u.Scheme)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    u,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		token:      cfg.AdminToken,
		logger:     cfg.Logger.WithGroup("relay_client"),
	}, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any, target any) error {
	u := c.baseURL.ResolveReference(&url.URL{Path: path})
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body for %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("failed to create request %s %s: %w", method, u, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	c.logger.Debug("sending request", "method", method, "url", u.String())
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request %s %s failed: %w", method, u, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusForbidden:
		return ErrAdminDisabled
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var er struct {
			Error string `json:"error"`
		}
		msg := string(bytes.TrimSpace(raw))
		if json.Unmarshal(raw, &er) == nil && er.Error != "" {
			msg = er.Error
		}
		return &ServerError{StatusCode: resp.StatusCode, Message: msg}
	}

	if target != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
			return fmt.Errorf("failed to decode response body for %s %s: %w", method, path, err)
		}
	}
	return nil
}

func (c *Client) Status(ctx context.Context) (*service.StatusResponse, error) {
	var st service.StatusResponse
	if err := c.doRequest(ctx, http.MethodGet, "/status", nil, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// BufferList returns up to limit buffered records; limit 0 returns all of them.
func (c *Client) BufferList(ctx context.Context, limit int) ([]buffer.Entry, error) {
	var resp service.BufferListResponse
	q := url.Values{"limit": []string{strconv.Itoa(limit)}}
	if err := c.doRequest(ctx, http.MethodGet, "/v1/buffer", q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

func (c *Client) BufferDrop(ctx context.Context, deviceID string) (int, error) {
	if deviceID == "" {
		return 0, fmt.Errorf("device id cannot be empty")
	}
	var resp service.DropResponse
	if err := c.doRequest(ctx, http.MethodDelete, "/v1/buffer/"+url.PathEscape(deviceID), nil, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Dropped, nil
}

// ApplyDeviceEvent reports a device status change to the relay.
func (c *Client) ApplyDeviceEvent(ctx context.Context, ev devices.Event) error {
	return c.doRequest(ctx, http.MethodPost, "/v1/devices/events", nil, ev, nil)
}

// Resync asks the relay to reload active devices and returns the resulting subscriptions.
func (c *Client) Resync(ctx context.Context) ([]registry.Entry, error) {
	var entries []registry.Entry
	if err := c.doRequest(ctx, http.MethodPost, "/v1/devices/resync", nil, nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Watch streams live events until ctx is cancelled or the relay closes the connection. An
// empty topic receives every device.
func (c *Client) Watch(ctx context.Context, topic string, onEvent func(fanout.Envelope)) error {
	scheme := "ws"
	if c.baseURL.Scheme == "https" {
		scheme = "wss"
	}
	wsURL := url.URL{Scheme: scheme, Host: c.baseURL.Host, Path: "/live"}
	if topic != "" {
		wsURL.RawQuery = url.Values{"topic": []string{topic}}.Encode()
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.httpClient.Timeout,
	}
	conn, resp, err := dialer.DialContext(ctx, wsURL.String(), nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("failed to dial %s (status %s): %w", wsURL.String(), resp.Status, err)
		}
		return fmt.Errorf("failed to dial %s: %w", wsURL.String(), err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		var ev fanout.Envelope
		if err := json.Unmarshal(message, &ev); err != nil {
			c.logger.Warn("skipping undecodable live event", "error", err)
			continue
		}
		onEvent(ev)
	}
}
