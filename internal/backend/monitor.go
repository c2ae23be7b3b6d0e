package backend

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/InsulaLabs/relay/internal/metrics"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"

	DefaultStatusEvent = "backend_status"
)

// Emitter receives the status broadcast after every poll.
type Emitter interface {
	Emit(event string, data any) int
}

// StatusEvent is the body of the broadcast status event.
type StatusEvent struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type Status struct {
	Online    bool      `json:"online"`
	CheckedAt time.Time `json:"checked_at"`
}

type MonitorConfig struct {
	Logger  *slog.Logger
	Emitter Emitter
	Metrics *metrics.Relay

	// HTTPClient defaults to a client with Timeout set; the per-poll context deadline applies
	// either way.
	HTTPClient *http.Client

	URL      string
	Field    string
	Sentinel string
	Event    string
	Interval time.Duration
	Timeout  time.Duration
}

// Monitor polls the backend health endpoint and caches the result. Reads never block on the
// network.
type Monitor struct {
	logger   *slog.Logger
	emitter  Emitter
	metrics  *metrics.Relay
	client   *http.Client
	url      string
	field    string
	sentinel string
	event    string
	interval time.Duration
	timeout  time.Duration

	online atomic.Bool

	mu        sync.RWMutex
	checkedAt time.Time
}

func NewMonitor(cfg MonitorConfig) *Monitor {
	m := &Monitor{
		logger:   cfg.Logger.WithGroup("liveness"),
		emitter:  cfg.Emitter,
		metrics:  cfg.Metrics,
		client:   cfg.HTTPClient,
		url:      cfg.URL,
		field:    cfg.Field,
		sentinel: cfg.Sentinel,
		event:    cfg.Event,
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
	}
	if m.interval <= 0 {
		m.interval = 3 * time.Second
	}
	if m.timeout <= 0 || m.timeout >= m.interval {
		m.timeout = m.interval * 2 / 3
	}
	if m.client == nil {
		m.client = &http.Client{Timeout: m.timeout}
	}
	if m.field == "" {
		m.field = "data"
	}
	if m.event == "" {
		m.event = DefaultStatusEvent
	}
	return m
}

// Online returns the result of the most recent poll. False before the first poll completes.
func (m *Monitor) Online() bool {
	return m.online.Load()
}

func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Status{Online: m.online.Load(), CheckedAt: m.checkedAt}
}

// Poll checks the health endpoint once, stores the result and broadcasts it.
func (m *Monitor) Poll(ctx context.Context) Status {
	online := m.check(ctx)
	now := time.Now().UTC()

	prev := m.online.Swap(online)
	m.mu.Lock()
	m.checkedAt = now
	m.mu.Unlock()

	if prev != online {
		if online {
			m.logger.Info("backend is online", "url", m.url)
		} else {
			m.logger.Warn("backend is offline", "url", m.url)
		}
	}

	if m.metrics != nil {
		result := StatusOffline
		gauge := 0.0
		if online {
			result = StatusOnline
			gauge = 1
		}
		m.metrics.HealthPolls.WithLabelValues(result).Inc()
		m.metrics.BackendOnline.Set(gauge)
	}

	if m.emitter != nil {
		ev := StatusEvent{Status: StatusOffline, Timestamp: now}
		if online {
			ev.Status = StatusOnline
		}
		m.emitter.Emit(m.event, ev)
	}
	return Status{Online: online, CheckedAt: now}
}

// Run polls immediately and then on every interval until ctx is cancelled. Polls run on this
// goroutine only, so a slow poll delays the next tick instead of overlapping it.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Poll(ctx)
		}
	}
}

func (m *Monitor) check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.url, nil)
	if err != nil {
		m.logger.Error("invalid health url", "url", m.url, "error", err)
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		m.logger.Debug("health check failed", "error", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		m.logger.Debug("health check returned non-200", "status", resp.StatusCode)
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return false
	}

	var body map[string]any
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		m.logger.Debug("health body is not JSON", "error", err)
		return false
	}
	marker, ok := body[m.field].(string)
	return ok && marker == m.sentinel
}
