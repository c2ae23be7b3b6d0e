// Package pipeline runs every broker message through fan-out, throttling, forwarding and
// buffering.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/InsulaLabs/relay/internal/backend"
	"github.com/InsulaLabs/relay/internal/broker"
	"github.com/InsulaLabs/relay/internal/fanout"
	"github.com/InsulaLabs/relay/internal/metrics"
)

type Outcome int

const (
	// Forwarded means the backend accepted the message on the first attempt.
	Forwarded Outcome = iota
	Buffered
	Throttled
	Malformed
	// Lost means the message should have been buffered but the store refused it.
	Lost
	Ignored
)

func (o Outcome) String() string {
	switch o {
	case Forwarded:
		return "forwarded"
	case Buffered:
		return "buffered"
	case Throttled:
		return "throttled"
	case Malformed:
		return "malformed"
	case Lost:
		return "lost"
	case Ignored:
		return "ignored"
	}
	return "unknown"
}

type Emitter interface {
	Emit(event string, data any) int
}

type Intervals interface {
	Interval(deviceID string) int
}

type Gate interface {
	Allow(deviceID string, intervalSeconds int, now time.Time) bool
}

type Forwarder interface {
	Forward(ctx context.Context, topic string, raw []byte) error
}

type Liveness interface {
	Online() bool
}

type Buffer interface {
	Enqueue(deviceID, topic string, message []byte) (string, error)
}

type Config struct {
	Logger    *slog.Logger
	Metrics   *metrics.Relay
	Emitter   Emitter
	Intervals Intervals
	Gate      Gate
	Forwarder Forwarder
	Liveness  Liveness
	Buffer    Buffer

	// Now is used when a message carries no receive time.
	Now func() time.Time
}

type Pipeline struct {
	logger    *slog.Logger
	metrics   *metrics.Relay
	emitter   Emitter
	intervals Intervals
	gate      Gate
	fwd       Forwarder
	live      Liveness
	buffer    Buffer
	now       func() time.Time
}

func New(cfg Config) *Pipeline {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Pipeline{
		logger:    cfg.Logger.WithGroup("pipeline"),
		metrics:   cfg.Metrics,
		emitter:   cfg.Emitter,
		intervals: cfg.Intervals,
		gate:      cfg.Gate,
		fwd:       cfg.Forwarder,
		live:      cfg.Liveness,
		buffer:    cfg.Buffer,
		now:       now,
	}
}

// Handle processes one message to completion. Live clients always get the raw payload; the
// throttle gate then decides whether the message continues to the backend, and anything
// that cannot be forwarded right now is buffered. No failure here is returned: the outcome
// is for callers that want to count it.
func (p *Pipeline) Handle(ctx context.Context, msg broker.Message) Outcome {
	if p.metrics != nil {
		p.metrics.MessagesReceived.Inc()
	}

	p.emitter.Emit(msg.Topic, fanout.Payload(msg.Payload))

	deviceID := backend.CollectionFromTopic(msg.Topic)
	if deviceID == "" {
		p.logger.Warn("message on topic without a device id", "topic", msg.Topic)
		return Ignored
	}

	at := msg.ReceivedAt
	if at.IsZero() {
		at = p.now()
	}
	if !p.gate.Allow(deviceID, p.intervals.Interval(deviceID), at) {
		if p.metrics != nil {
			p.metrics.MessagesThrottled.Inc()
		}
		p.logger.Debug("message throttled", "device_id", deviceID)
		return Throttled
	}

	if err := backend.Validate(msg.Payload); err != nil {
		if p.metrics != nil {
			p.metrics.MessagesMalformed.Inc()
		}
		p.logger.Warn("payload is not a JSON object, not forwarded", "device_id", deviceID, "error", err)
		return Malformed
	}

	if !p.live.Online() {
		return p.bufferMessage(deviceID, msg, "backend offline")
	}

	err := p.fwd.Forward(ctx, msg.Topic, msg.Payload)
	if err == nil {
		if p.metrics != nil {
			p.metrics.MessagesForwarded.Inc()
		}
		return Forwarded
	}
	if errors.Is(err, backend.ErrMalformedPayload) {
		return Malformed
	}
	return p.bufferMessage(deviceID, msg, err.Error())
}

func (p *Pipeline) bufferMessage(deviceID string, msg broker.Message, reason string) Outcome {
	key, err := p.buffer.Enqueue(deviceID, msg.Topic, msg.Payload)
	if err != nil {
		// already logged and counted by the buffer
		return Lost
	}
	p.logger.Debug("message buffered", "device_id", deviceID, "key", key, "reason", reason)
	return Buffered
}

// Run consumes messages until ctx is cancelled. Messages are handled one at a time in
// arrival order.
func (p *Pipeline) Run(ctx context.Context, messages <-chan broker.Message) {
	p.logger.Info("pipeline started")
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("pipeline stopped")
			return
		case msg := <-messages:
			p.Handle(ctx, msg)
		}
	}
}
