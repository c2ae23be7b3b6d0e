package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/InsulaLabs/relay/internal/fanout"
	"github.com/InsulaLabs/relay/internal/metrics"
)

const DefaultStreamEvent = "sensorData"

// CollectionStreamURL builds the backend's collection subscribe URL from a ws:// or wss://
// base, e.g. ws://hyperbase:8081.
func CollectionStreamURL(base, projectID, collectionID, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse stream base url %q: %w", base, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("stream base url must be ws or wss, got %q", u.Scheme)
	}
	if projectID == "" || collectionID == "" {
		return "", errors.New("stream needs a project id and a collection id")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/rest/project/" + url.PathEscape(projectID) +
		"/collection/" + url.PathEscape(collectionID) + "/subscribe"
	u.RawQuery = url.Values{"token": []string{token}}.Encode()
	return u.String(), nil
}

type StreamConfig struct {
	Logger  *slog.Logger
	Emitter Emitter
	Metrics *metrics.Relay

	// URL is the full subscribe URL, see CollectionStreamURL.
	URL string

	// Event is the live event every frame is emitted as. Defaults to DefaultStreamEvent.
	Event string

	HandshakeTimeout time.Duration
	PingInterval     time.Duration

	// ReconnectDelay doubles after each failed attempt up to MaxReconnectDelay and resets
	// once a connection is established.
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
}

// CollectionStream holds a WebSocket subscription to a backend collection and re-emits every
// frame to live clients, reconnecting until its context ends.
type CollectionStream struct {
	logger   *slog.Logger
	emitter  Emitter
	metrics  *metrics.Relay
	url      string
	event    string
	dialer   websocket.Dialer
	ping     time.Duration
	minDelay time.Duration
	maxDelay time.Duration

	connected atomic.Bool
}

func NewCollectionStream(cfg StreamConfig) *CollectionStream {
	s := &CollectionStream{
		logger:   cfg.Logger.WithGroup("collection_stream"),
		emitter:  cfg.Emitter,
		metrics:  cfg.Metrics,
		url:      cfg.URL,
		event:    cfg.Event,
		ping:     cfg.PingInterval,
		minDelay: cfg.ReconnectDelay,
		maxDelay: cfg.MaxReconnectDelay,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}
	if s.event == "" {
		s.event = DefaultStreamEvent
	}
	if s.dialer.HandshakeTimeout <= 0 {
		s.dialer.HandshakeTimeout = 10 * time.Second
	}
	if s.ping <= 0 {
		s.ping = 30 * time.Second
	}
	if s.minDelay <= 0 {
		s.minDelay = time.Second
	}
	if s.maxDelay < s.minDelay {
		s.maxDelay = 30 * time.Second
		if s.maxDelay < s.minDelay {
			s.maxDelay = s.minDelay
		}
	}
	return s
}

func (s *CollectionStream) Connected() bool {
	return s.connected.Load()
}

// Run connects and reads until ctx is cancelled, reconnecting with backoff whenever the
// connection fails or closes.
func (s *CollectionStream) Run(ctx context.Context) {
	delay := s.minDelay
	for attempt := 0; ; attempt++ {
		if attempt > 0 && s.metrics != nil {
			s.metrics.StreamReconnects.Inc()
		}

		established, err := s.session(ctx)
		if ctx.Err() != nil {
			s.logger.Info("collection stream stopped")
			return
		}
		if established {
			delay = s.minDelay
		}
		s.logger.Warn("collection stream disconnected, reconnecting", "error", err, "retry_in", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("collection stream stopped")
			return
		case <-timer.C:
		}
		if !established {
			delay = min(delay*2, s.maxDelay)
		}
	}
}

// session runs one connection. established reports whether the handshake succeeded.
func (s *CollectionStream) session(ctx context.Context) (established bool, err error) {
	conn, resp, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("dial collection stream (status %s): %w", resp.Status, err)
		}
		return false, fmt.Errorf("dial collection stream: %w", err)
	}
	defer conn.Close()

	s.setConnected(true)
	defer s.setConnected(false)
	s.logger.Info("collection stream connected")

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(s.ping)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				deadline := time.Now().Add(5 * time.Second)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					s.logger.Debug("collection stream ping failed", "error", err)
					return
				}
			case <-ctx.Done():
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				conn.Close()
				return
			case <-done:
				return
			}
		}
	}()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		if s.metrics != nil {
			s.metrics.StreamFrames.Inc()
		}
		s.logger.Debug("collection stream frame", "bytes", len(frame))
		s.emitter.Emit(s.event, fanout.Payload(frame))
	}
}

func (s *CollectionStream) setConnected(v bool) {
	s.connected.Store(v)
	if s.metrics != nil {
		gauge := 0.0
		if v {
			gauge = 1
		}
		s.metrics.StreamConnected.Set(gauge)
	}
}
