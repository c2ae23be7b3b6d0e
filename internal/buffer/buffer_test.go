package buffer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/InsulaLabs/relay/db/tkv"
	"github.com/InsulaLabs/relay/internal/backend"
	"github.com/InsulaLabs/relay/internal/metrics"
)

type forwarded struct {
	topic string
	raw   string
}

type fakeForwarder struct {
	mu    sync.Mutex
	calls []forwarded
	fail  func(topic, raw string) error
}

func (f *fakeForwarder) Forward(ctx context.Context, topic string, raw []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, forwarded{topic: topic, raw: string(raw)})
	if f.fail != nil {
		return f.fail(topic, string(raw))
	}
	return nil
}

func (f *fakeForwarder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeLiveness struct{ online atomic.Bool }

func (f *fakeLiveness) Online() bool { return f.online.Load() }

// failingStore rejects every write.
type failingStore struct{ Store }

func (failingStore) Set(key, value string) error { return errors.New("disk full") }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) tkv.TKV {
	t.Helper()
	store, err := tkv.New(tkv.Config{
		Logger:   testLogger(),
		AppCtx:   context.Background(),
		InMemory: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

type harness struct {
	buf   *Buffer
	store tkv.TKV
	fwd   *fakeForwarder
	live  *fakeLiveness
	m     *metrics.Relay
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store: newTestStore(t),
		fwd:   &fakeForwarder{},
		live:  &fakeLiveness{},
		m:     metrics.New(),
	}
	h.buf = New(Config{
		Logger:    testLogger(),
		Store:     h.store,
		Forwarder: h.fwd,
		Liveness:  h.live,
		Metrics:   h.m,
		Interval:  20 * time.Millisecond,
	})
	return h
}

func TestKey(t *testing.T) {
	a := Key("abc-1")
	b := Key("abc-1")
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "buffer:abc-1:"))

	id, ok := DeviceFromKey(a)
	assert.True(t, ok)
	assert.Equal(t, "abc-1", id)

	_, ok = DeviceFromKey("other:abc-1:x")
	assert.False(t, ok)
	_, ok = DeviceFromKey("buffer:nokey")
	assert.False(t, ok)
}

func TestEnqueue(t *testing.T) {
	h := newHarness(t)

	key, err := h.buf.Enqueue("abc-1", "/devices/abc-1", []byte(`{"temp":20}`))
	require.NoError(t, err)

	raw, err := h.store.Get(key)
	require.NoError(t, err)

	var rec Record
	require.NoError(t, json.Unmarshal([]byte(raw), &rec))
	assert.Equal(t, "/devices/abc-1", rec.Topic)
	assert.Equal(t, `{"temp":20}`, rec.Message)
	assert.Equal(t, "abc-1", rec.DeviceID)
	assert.False(t, rec.BufferedAt.IsZero())

	n, err := h.buf.Pending()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.m.MessagesBuffered))
}

func TestEnqueue_StoreFailureIsReported(t *testing.T) {
	m := metrics.New()
	buf := New(Config{
		Logger:    testLogger(),
		Store:     failingStore{Store: newTestStore(t)},
		Forwarder: &fakeForwarder{},
		Liveness:  &fakeLiveness{},
		Metrics:   m,
	})

	_, err := buf.Enqueue("abc-1", "/devices/abc-1", []byte(`{}`))
	assert.Error(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BufferWriteErrors))

	_, err = buf.Enqueue("", "/devices/", []byte(`{}`))
	assert.ErrorIs(t, err, ErrEmptyDeviceID)
}

func TestFlush_SkipsWhileOffline(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		_, err := h.buf.Enqueue("abc-1", "/devices/abc-1", []byte(`{"i":1}`))
		require.NoError(t, err)
	}

	report := h.buf.Flush(context.Background())
	assert.True(t, report.Skipped)
	assert.Equal(t, 0, h.fwd.count())

	n, err := h.buf.Pending()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.m.FlushCyclesSkipped))
}

func TestFlush_OnePublishPerRecord(t *testing.T) {
	h := newHarness(t)
	h.live.online.Store(true)

	_, err := h.buf.Enqueue("ok", "/devices/ok", []byte(`{"v":"ok"}`))
	require.NoError(t, err)
	_, err = h.buf.Enqueue("bad", "/devices/bad", []byte(`{"v":"bad"}`))
	require.NoError(t, err)
	_, err = h.buf.Enqueue("ok", "/devices/ok", []byte(`{"v":"ok2"}`))
	require.NoError(t, err)

	h.fwd.fail = func(topic, raw string) error {
		if topic == "/devices/bad" {
			return errors.New("publish timeout")
		}
		return nil
	}

	report := h.buf.Flush(context.Background())
	assert.Equal(t, FlushReport{Attempted: 3, Flushed: 2, Failed: 1}, report)
	assert.Equal(t, 3, h.fwd.count())

	entries, err := h.buf.List(0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "bad", entries[0].DeviceID)

	// the failing record is retried on the next cycle, once
	h.fwd.fail = nil
	report = h.buf.Flush(context.Background())
	assert.Equal(t, FlushReport{Attempted: 1, Flushed: 1}, report)
	assert.Equal(t, 4, h.fwd.count())

	n, err := h.buf.Pending()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestFlush_RoundTrip(t *testing.T) {
	h := newHarness(t)
	_, err := h.buf.Enqueue("abc-1", "/devices/abc-1", []byte(`{"temp":21.5}`))
	require.NoError(t, err)

	h.live.online.Store(true)
	h.buf.Flush(context.Background())

	require.Equal(t, 1, h.fwd.count())
	assert.Equal(t, forwarded{topic: "/devices/abc-1", raw: `{"temp":21.5}`}, h.fwd.calls[0])
}

func TestFlush_UndecodableRecordStays(t *testing.T) {
	h := newHarness(t)
	h.live.online.Store(true)
	require.NoError(t, h.store.Set("buffer:abc-1:broken", "{not json"))

	report := h.buf.Flush(context.Background())
	assert.Equal(t, FlushReport{Attempted: 1, Failed: 1}, report)
	assert.Equal(t, 0, h.fwd.count())

	_, err := h.store.Get("buffer:abc-1:broken")
	assert.NoError(t, err)
}

func TestDrop(t *testing.T) {
	h := newHarness(t)
	for _, id := range []string{"a", "a", "b", "a:x"} {
		_, err := h.buf.Enqueue(id, "/devices/"+id, []byte(`{}`))
		require.NoError(t, err)
	}

	n, err := h.buf.Drop("a")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	entries, err := h.buf.List(0)
	require.NoError(t, err)
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.DeviceID)
	}
	assert.ElementsMatch(t, []string{"b", "a:x"}, ids)

	limited, err := h.buf.List(1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestRun_FlushesOnTimer(t *testing.T) {
	h := newHarness(t)
	h.live.online.Store(true)
	_, err := h.buf.Enqueue("abc-1", "/devices/abc-1", []byte(`{}`))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.buf.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		n, _ := h.buf.Pending()
		return n == 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("flush loop did not stop")
	}
	assert.Equal(t, 1, h.fwd.count())
}

type erroringClient struct{ attempts atomic.Int32 }

func (c *erroringClient) Publish(ctx context.Context, topic string, payload []byte) error {
	c.attempts.Add(1)
	return errors.New("publish timeout")
}

func (c *erroringClient) IsConnected() bool { return true }

func TestFlush_EveryRecordReachesBrokerWhileFailing(t *testing.T) {
	client := &erroringClient{}
	pub := backend.NewPublisher(backend.PublisherConfig{
		Logger:          testLogger(),
		Client:          client,
		Topic:           "hyperbase/ingest",
		BreakerFailures: 5,
	})
	live := &fakeLiveness{}
	live.online.Store(true)
	buf := New(Config{
		Logger:    testLogger(),
		Store:     newTestStore(t),
		Forwarder: pub.Replayer(),
		Liveness:  live,
	})

	for i := 0; i < 8; i++ {
		_, err := buf.Enqueue("abc-1", "/devices/abc-1", []byte(`{"v":1}`))
		require.NoError(t, err)
	}

	report := buf.Flush(context.Background())
	assert.Equal(t, FlushReport{Attempted: 8, Failed: 8}, report)
	assert.Equal(t, int32(8), client.attempts.Load())

	report = buf.Flush(context.Background())
	assert.Equal(t, 8, report.Attempted)
	assert.Equal(t, int32(16), client.attempts.Load())
}
