package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/InsulaLabs/relay/db/tkv"
	"github.com/InsulaLabs/relay/internal/backend"
	"github.com/InsulaLabs/relay/internal/broker"
	"github.com/InsulaLabs/relay/internal/buffer"
	"github.com/InsulaLabs/relay/internal/fanout"
	"github.com/InsulaLabs/relay/internal/metrics"
	"github.com/InsulaLabs/relay/internal/registry"
	"github.com/InsulaLabs/relay/internal/throttle"
)

type emitted struct {
	event string
	data  any
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []emitted
}

func (r *recordingEmitter) Emit(event string, data any) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, emitted{event: event, data: data})
	return 1
}

func (r *recordingEmitter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type mqttStub struct {
	mu        sync.Mutex
	connected bool
	fail      error
	published [][]byte
}

func (m *mqttStub) Publish(ctx context.Context, topic string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.published = append(m.published, payload)
	return nil
}

func (m *mqttStub) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mqttStub) Subscribe(ctx context.Context, topic string) error   { return nil }
func (m *mqttStub) Unsubscribe(ctx context.Context, topic string) error { return nil }

func (m *mqttStub) sent() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.published...)
}

type liveness struct{ online atomic.Bool }

func (l *liveness) Online() bool { return l.online.Load() }

type brokenStore struct{ buffer.Store }

func (brokenStore) Set(key, value string) error { return errors.New("io error") }

type env struct {
	pipe    *Pipeline
	reg     *registry.Registry
	emitter *recordingEmitter
	mqtt    *mqttStub
	live    *liveness
	buf     *buffer.Buffer
	m       *metrics.Relay
}

func newEnv(t *testing.T, store buffer.Store) *env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	if store == nil {
		kv, err := tkv.New(tkv.Config{Logger: logger, AppCtx: context.Background(), InMemory: true})
		require.NoError(t, err)
		t.Cleanup(func() { kv.Close() })
		store = kv
	}

	e := &env{
		emitter: &recordingEmitter{},
		mqtt:    &mqttStub{connected: true},
		live:    &liveness{},
		m:       metrics.New(),
	}
	e.live.online.Store(true)

	gate := throttle.New()
	e.reg = registry.New(registry.Config{Logger: logger, Subscriber: e.mqtt, Gate: gate, Metrics: e.m})
	pub := backend.NewPublisher(backend.PublisherConfig{
		Logger:          logger,
		Client:          e.mqtt,
		Metrics:         e.m,
		Topic:           "hyperbase/ingest",
		ProjectID:       "proj",
		TokenID:         "tok",
		BreakerFailures: 100,
	})
	e.buf = buffer.New(buffer.Config{
		Logger:    logger,
		Store:     store,
		Forwarder: pub.Replayer(),
		Liveness:  e.live,
		Metrics:   e.m,
	})
	e.pipe = New(Config{
		Logger:    logger,
		Metrics:   e.m,
		Emitter:   e.emitter,
		Intervals: e.reg,
		Gate:      gate,
		Forwarder: pub,
		Liveness:  e.live,
		Buffer:    e.buf,
	})
	return e
}

func at(sec int) time.Time {
	return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(sec) * time.Second)
}

func msg(device string, payload string, sec int) broker.Message {
	return broker.Message{Topic: "/devices/" + device, Payload: []byte(payload), ReceivedAt: at(sec)}
}

func TestThrottledDevice(t *testing.T) {
	e := newEnv(t, nil)
	e.reg.Configure("abc-1", 60)
	ctx := context.Background()

	assert.Equal(t, Forwarded, e.pipe.Handle(ctx, msg("abc-1", `{"t":0}`, 0)))
	assert.Equal(t, Throttled, e.pipe.Handle(ctx, msg("abc-1", `{"t":30}`, 30)))

	assert.Len(t, e.mqtt.sent(), 1)
	assert.Equal(t, 2, e.emitter.count())

	// once the interval has elapsed the next message goes through
	assert.Equal(t, Forwarded, e.pipe.Handle(ctx, msg("abc-1", `{"t":60}`, 60)))
	assert.Len(t, e.mqtt.sent(), 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(e.m.MessagesThrottled))
}

func TestUnthrottledDevice(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		assert.Equal(t, Forwarded, e.pipe.Handle(ctx, msg("free", `{"i":1}`, 0)))
	}
	assert.Len(t, e.mqtt.sent(), 5)
	assert.Equal(t, 5, e.emitter.count())
}

func TestLiveFanoutIsVerbatim(t *testing.T) {
	e := newEnv(t, nil)
	e.pipe.Handle(context.Background(), msg("abc-1", `{"temp": 21.5}`, 0))

	require.Equal(t, 1, e.emitter.count())
	assert.Equal(t, emitted{event: "/devices/abc-1", data: `{"temp": 21.5}`}, e.emitter.events[0])
}

func TestLiveFanoutBinaryPayload(t *testing.T) {
	e := newEnv(t, nil)
	raw := []byte{0x01, 0xff, 0x10}
	e.pipe.Handle(context.Background(), broker.Message{Topic: "/devices/abc-1", Payload: raw, ReceivedAt: at(0)})

	require.Equal(t, 1, e.emitter.count())
	assert.Equal(t, fanout.BinaryPayload{Encoding: fanout.EncodingBase64, Data: "Af8Q"}, e.emitter.events[0].data)
	got, ok := fanout.Decode(map[string]any{"encoding": "base64", "data": "Af8Q"})
	require.True(t, ok)
	assert.Equal(t, raw, got)
}

func TestMalformedPayload(t *testing.T) {
	e := newEnv(t, nil)
	e.live.online.Store(false)

	assert.Equal(t, Malformed, e.pipe.Handle(context.Background(), msg("abc-1", `[1,2]`, 0)))
	assert.Equal(t, 1, e.emitter.count())
	assert.Empty(t, e.mqtt.sent())

	n, err := e.buf.Pending()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestOfflineBuffersThenFlushes(t *testing.T) {
	e := newEnv(t, nil)
	e.live.online.Store(false)
	ctx := context.Background()

	assert.Equal(t, Buffered, e.pipe.Handle(ctx, msg("abc-1", `{"temp":20}`, 0)))
	assert.Empty(t, e.mqtt.sent())

	// still offline: flush makes no attempt
	assert.True(t, e.buf.Flush(ctx).Skipped)
	assert.Empty(t, e.mqtt.sent())

	e.live.online.Store(true)
	report := e.buf.Flush(ctx)
	assert.Equal(t, 1, report.Flushed)

	sent := e.mqtt.sent()
	require.Len(t, sent, 1)
	var body map[string]any
	require.NoError(t, json.Unmarshal(sent[0], &body))
	assert.Equal(t, map[string]any{
		"temp":          20.0,
		"project_id":    "proj",
		"token_id":      "tok",
		"collection_id": "abc-1",
	}, body)

	n, err := e.buf.Pending()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestPublishFailureBuffers(t *testing.T) {
	e := newEnv(t, nil)
	e.mqtt.fail = errors.New("broker timeout")

	assert.Equal(t, Buffered, e.pipe.Handle(context.Background(), msg("abc-1", `{"v":1}`, 0)))

	e.mqtt.mu.Lock()
	e.mqtt.connected = false
	e.mqtt.fail = nil
	e.mqtt.mu.Unlock()
	assert.Equal(t, Buffered, e.pipe.Handle(context.Background(), msg("abc-1", `{"v":2}`, 1)))

	n, err := e.buf.Pending()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestPersistenceFailureDoesNotStopIngestion(t *testing.T) {
	e := newEnv(t, brokenStore{})
	e.live.online.Store(false)
	ctx := context.Background()

	assert.Equal(t, Lost, e.pipe.Handle(ctx, msg("abc-1", `{"v":1}`, 0)))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.m.BufferWriteErrors))

	e.live.online.Store(true)
	assert.Equal(t, Forwarded, e.pipe.Handle(ctx, msg("abc-1", `{"v":2}`, 1)))
	assert.Equal(t, 2, e.emitter.count())
}

func TestIgnoredTopic(t *testing.T) {
	e := newEnv(t, nil)
	out := e.pipe.Handle(context.Background(), broker.Message{Topic: "/devices", Payload: []byte(`{}`)})
	assert.Equal(t, Ignored, out)
	assert.Equal(t, 1, e.emitter.count())
	assert.Empty(t, e.mqtt.sent())
}

func TestRun(t *testing.T) {
	e := newEnv(t, nil)
	messages := make(chan broker.Message, 4)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		e.pipe.Run(ctx, messages)
		close(done)
	}()

	messages <- msg("a", `{"n":1}`, 0)
	messages <- msg("b", `{"n":2}`, 0)
	require.Eventually(t, func() bool { return len(e.mqtt.sent()) == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pipeline did not stop")
	}
	assert.Equal(t, "forwarded", Forwarded.String())
}
