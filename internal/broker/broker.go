// Package broker wraps the MQTT client used to receive device telemetry and to publish to
// the backend ingestion topic.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

var (
	ErrNotConnected = errors.New("mqtt client is not connected")
	ErrClosed       = errors.New("mqtt client is closed")
)

// Message is a delivery received on a subscribed topic.
type Message struct {
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

type Config struct {
	Logger   *slog.Logger
	URL      string
	ClientID string
	Username string
	Password string
	QoS      byte

	// MessageBuffer sizes the delivery channel. A full channel holds up the client's
	// delivery goroutine until the consumer catches up.
	MessageBuffer  int
	ConnectTimeout time.Duration

	// OnConnect runs on every successful (re)connect on its own goroutine.
	OnConnect func()

	// OnConnectionLost runs when an established connection drops. Broker-side subscriptions
	// are gone at that point (clean session).
	OnConnectionLost func(err error)
}

type Client struct {
	logger   *slog.Logger
	client   mqtt.Client
	qos      byte
	timeout  time.Duration
	messages chan Message

	done      chan struct{}
	closeOnce sync.Once
}

func New(cfg Config) *Client {
	logger := cfg.Logger.With("client_id", cfg.ClientID)

	buffer := cfg.MessageBuffer
	if buffer <= 0 {
		buffer = 1024
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	c := &Client{
		logger:   logger,
		qos:      cfg.QoS,
		timeout:  timeout,
		messages: make(chan Message, buffer),
		done:     make(chan struct{}),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.URL).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(timeout).
		SetMaxReconnectInterval(30 * time.Second).
		SetDefaultPublishHandler(c.deliver)

	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("mqtt connected", "broker", cfg.URL)
		if cfg.OnConnect != nil {
			cfg.OnConnect()
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "error", err)
		if cfg.OnConnectionLost != nil {
			cfg.OnConnectionLost(err)
		}
	})
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		logger.Info("mqtt reconnecting", "broker", cfg.URL)
	})

	c.client = mqtt.NewClient(opts)
	return c
}

// Connect starts the connection. With connect-retry enabled paho keeps trying in the
// background, so a broker that is down at start does not fail the process; Connect only
// returns an error for a rejected connection or a cancelled ctx.
func (c *Client) Connect(ctx context.Context) error {
	token := c.client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		return nil
	case <-time.After(c.timeout):
		c.logger.Warn("mqtt broker not reachable yet, retrying in background", "timeout", c.timeout)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

// Messages is never closed; consumers stop on their own context.
func (c *Client) Messages() <-chan Message {
	return c.messages
}

func (c *Client) Subscribe(ctx context.Context, topic string) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return c.wait(ctx, c.client.Subscribe(topic, c.qos, c.deliver))
}

func (c *Client) Unsubscribe(ctx context.Context, topic string) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return c.wait(ctx, c.client.Unsubscribe(topic))
}

// Publish sends payload once at QoS 0. A client that is not connected fails fast with
// ErrNotConnected instead of queueing.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return c.wait(ctx, c.client.Publish(topic, 0, false, payload))
}

func (c *Client) wait(ctx context.Context, token mqtt.Token) error {
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return fmt.Errorf("mqtt operation timed out after %s", c.timeout)
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

func (c *Client) deliver(_ mqtt.Client, m mqtt.Message) {
	msg := Message{
		Topic:      m.Topic(),
		Payload:    append([]byte(nil), m.Payload()...),
		ReceivedAt: time.Now(),
	}
	select {
	case c.messages <- msg:
	case <-c.done:
	}
}

// Close disconnects, allowing 250ms for in-flight work, and releases a blocked delivery.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.client.Disconnect(250)
		c.logger.Info("mqtt disconnected")
	})
}
