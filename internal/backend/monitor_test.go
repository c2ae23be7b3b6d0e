package backend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/InsulaLabs/relay/internal/metrics"
)

type recordedEmit struct {
	event string
	data  any
}

type fakeEmitter struct {
	mu    sync.Mutex
	emits []recordedEmit
}

func (f *fakeEmitter) Emit(event string, data any) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emits = append(f.emits, recordedEmit{event: event, data: data})
	return 1
}

func (f *fakeEmitter) snapshot() []recordedEmit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedEmit(nil), f.emits...)
}

func newTestMonitor(url string, em Emitter, m *metrics.Relay) *Monitor {
	return NewMonitor(MonitorConfig{
		Logger:   testLogger(),
		Emitter:  em,
		Metrics:  m,
		URL:      url,
		Sentinel: "Hyperbase is running",
		Interval: 30 * time.Millisecond,
		Timeout:  20 * time.Millisecond,
	})
}

func TestMonitor_Poll(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   bool
	}{
		{"running", http.StatusOK, `{"data":"Hyperbase is running"}`, true},
		{"wrong marker", http.StatusOK, `{"data":"starting"}`, false},
		{"missing field", http.StatusOK, `{"status":"ok"}`, false},
		{"non string field", http.StatusOK, `{"data":true}`, false},
		{"not json", http.StatusOK, `Hyperbase is running`, false},
		{"server error", http.StatusInternalServerError, `{"data":"Hyperbase is running"}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			em := &fakeEmitter{}
			mon := newTestMonitor(srv.URL, em, nil)
			st := mon.Poll(context.Background())

			assert.Equal(t, tt.want, st.Online)
			assert.Equal(t, tt.want, mon.Online())
			assert.False(t, mon.Status().CheckedAt.IsZero())

			emits := em.snapshot()
			require.Len(t, emits, 1)
			assert.Equal(t, "backend_status", emits[0].event)
			ev := emits[0].data.(StatusEvent)
			if tt.want {
				assert.Equal(t, StatusOnline, ev.Status)
			} else {
				assert.Equal(t, StatusOffline, ev.Status)
			}
		})
	}
}

func TestMonitor_TimeoutIsOffline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	mon := newTestMonitor(srv.URL, nil, nil)
	start := time.Now()
	st := mon.Poll(context.Background())
	assert.False(t, st.Online)
	assert.Less(t, time.Since(start), time.Second)
}

func TestMonitor_StaysOfflineUntilRecovery(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"data":"Hyperbase is running"}`))
	}))
	defer srv.Close()

	m := metrics.New()
	em := &fakeEmitter{}
	mon := newTestMonitor(srv.URL, em, m)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.False(t, mon.Poll(ctx).Online)
		assert.False(t, mon.Online())
	}
	healthy.Store(true)
	assert.True(t, mon.Poll(ctx).Online)
	assert.True(t, mon.Online())

	// every poll is broadcast, changed or not
	assert.Len(t, em.snapshot(), 4)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.HealthPolls.WithLabelValues(StatusOffline)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BackendOnline))
}

func TestMonitor_RunPollsImmediately(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":"Hyperbase is running"}`))
	}))
	defer srv.Close()

	em := &fakeEmitter{}
	mon := newTestMonitor(srv.URL, em, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		mon.Run(ctx)
		close(done)
	}()

	require.Eventually(t, mon.Online, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(em.snapshot()) >= 3 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}
