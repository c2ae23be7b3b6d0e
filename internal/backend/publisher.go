// Package backend forwards telemetry to the backend ingestion topic and watches the backend's
// health endpoint.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/InsulaLabs/relay/internal/metrics"
)

var (
	ErrMalformedPayload   = errors.New("payload is not a JSON object")
	ErrNotConnected       = errors.New("backend publisher is not connected")
	ErrBackendUnavailable = errors.New("backend unavailable, circuit open")
)

// Routing keys overlaid on every forwarded payload.
const (
	KeyProjectID    = "project_id"
	KeyTokenID      = "token_id"
	KeyCollectionID = "collection_id"
)

// Client is the broker connection used for publishing.
type Client interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	IsConnected() bool
}

type Route struct {
	ProjectID    string
	TokenID      string
	CollectionID string
}

type PublisherConfig struct {
	Logger  *slog.Logger
	Client  Client
	Metrics *metrics.Relay

	// Topic is the ingestion topic every message is published to.
	Topic     string
	ProjectID string
	TokenID   string

	// Breaker opens after BreakerFailures consecutive publish errors and half-opens after
	// BreakerTimeout.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

type Publisher struct {
	logger    *slog.Logger
	client    Client
	metrics   *metrics.Relay
	topic     string
	projectID string
	tokenID   string
	cb        *gobreaker.CircuitBreaker
}

func NewPublisher(cfg PublisherConfig) *Publisher {
	logger := cfg.Logger.WithGroup("publisher")

	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	timeout := cfg.BreakerTimeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}

	st := gobreaker.Settings{
		Name:        "backend-publish",
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	}

	return &Publisher{
		logger:    logger,
		client:    cfg.Client,
		metrics:   cfg.Metrics,
		topic:     cfg.Topic,
		projectID: cfg.ProjectID,
		tokenID:   cfg.TokenID,
		cb:        gobreaker.NewCircuitBreaker(st),
	}
}

// CollectionFromTopic returns the third "/"-separated segment of topic, which is the device id
// for "/devices/{deviceId}". Topics with fewer segments yield "".
func CollectionFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 {
		return ""
	}
	return parts[2]
}

// RouteFor builds the route for a message received on topic.
func (p *Publisher) RouteFor(topic string) Route {
	return Route{
		ProjectID:    p.projectID,
		TokenID:      p.tokenID,
		CollectionID: CollectionFromTopic(topic),
	}
}

// Enrich parses raw as a JSON object and overlays the routing keys. Anything other than an
// object yields ErrMalformedPayload.
func Enrich(raw []byte, route Route) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var body map[string]any
	if err := dec.Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if body == nil {
		return nil, fmt.Errorf("%w: null", ErrMalformedPayload)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data", ErrMalformedPayload)
	}

	body[KeyProjectID] = route.ProjectID
	body[KeyTokenID] = route.TokenID
	body[KeyCollectionID] = route.CollectionID

	out, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("re-encode payload: %w", err)
	}
	return out, nil
}

// Validate reports whether raw can be forwarded at all.
func Validate(raw []byte) error {
	_, err := Enrich(raw, Route{})
	return err
}

// Publish enriches raw and publishes it once to the ingestion topic through the circuit
// breaker. It never retries.
func (p *Publisher) Publish(ctx context.Context, raw []byte, route Route) error {
	return p.publish(ctx, raw, route, true)
}

// PublishOnce is Publish without the circuit breaker: every call reaches the broker client.
func (p *Publisher) PublishOnce(ctx context.Context, raw []byte, route Route) error {
	return p.publish(ctx, raw, route, false)
}

func (p *Publisher) publish(ctx context.Context, raw []byte, route Route, breaker bool) error {
	payload, err := Enrich(raw, route)
	if err != nil {
		p.logger.Warn("dropping malformed payload from backend path",
			"collection_id", route.CollectionID,
			"error", err,
		)
		p.countFailure("malformed")
		return err
	}

	if !p.client.IsConnected() {
		p.logger.Warn("publisher not connected, message not sent", "collection_id", route.CollectionID)
		p.countFailure("not_connected")
		return ErrNotConnected
	}

	if breaker {
		_, err = p.cb.Execute(func() (interface{}, error) {
			return nil, p.client.Publish(ctx, p.topic, payload)
		})
	} else {
		err = p.client.Publish(ctx, p.topic, payload)
	}
	switch {
	case err == nil:
		p.logger.Debug("published", "topic", p.topic, "collection_id", route.CollectionID)
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		p.countFailure("circuit_open")
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	default:
		p.logger.Error("publish failed", "topic", p.topic, "collection_id", route.CollectionID, "error", err)
		p.countFailure("publish")
		return fmt.Errorf("publish to %s: %w", p.topic, err)
	}
}

// Forward publishes a message that arrived on topic with the configured project and token.
func (p *Publisher) Forward(ctx context.Context, topic string, raw []byte) error {
	return p.Publish(ctx, raw, p.RouteFor(topic))
}

// Replayer forwards through PublishOnce. The flush cycle uses it so each buffered record gets
// exactly one broker publish per cycle, whatever the breaker state of the live path.
type Replayer struct {
	p *Publisher
}

func (p *Publisher) Replayer() *Replayer {
	return &Replayer{p: p}
}

func (r *Replayer) Forward(ctx context.Context, topic string, raw []byte) error {
	return r.p.PublishOnce(ctx, raw, r.p.RouteFor(topic))
}

func (p *Publisher) BreakerState() string {
	return p.cb.State().String()
}

func (p *Publisher) countFailure(reason string) {
	if p.metrics != nil {
		p.metrics.ForwardFailures.WithLabelValues(reason).Inc()
	}
}
