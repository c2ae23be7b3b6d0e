package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relay"

// Relay holds every collector the pipeline reports to. Each instance owns its registry so
// tests can build a fresh one without tripping duplicate registration.
type Relay struct {
	registry *prometheus.Registry

	MessagesReceived   prometheus.Counter
	MessagesForwarded  prometheus.Counter
	MessagesThrottled  prometheus.Counter
	MessagesMalformed  prometheus.Counter
	MessagesBuffered   prometheus.Counter
	ForwardFailures    *prometheus.CounterVec
	BufferWriteErrors  prometheus.Counter
	BufferFlushed      prometheus.Counter
	BufferFlushErrors  prometheus.Counter
	FlushCyclesSkipped prometheus.Counter
	BackendOnline      prometheus.Gauge
	HealthPolls        *prometheus.CounterVec
	Subscriptions      prometheus.Gauge
	SubscribeErrors    *prometheus.CounterVec
	FanoutClients      prometheus.Gauge
	FanoutDropped      prometheus.Counter
	StreamConnected    prometheus.Gauge
	StreamFrames       prometheus.Counter
	StreamReconnects   prometheus.Counter
}

func New() *Relay {
	m := &Relay{
		registry: prometheus.NewRegistry(),

		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_received_total",
			Help: "Broker messages received on device topics",
		}),
		MessagesForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_forwarded_total",
			Help: "Messages published to the backend ingestion topic on first attempt",
		}),
		MessagesThrottled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_throttled_total",
			Help: "Messages kept off the backend path by the per-device interval",
		}),
		MessagesMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_malformed_total",
			Help: "Messages whose payload is not a JSON object",
		}),
		MessagesBuffered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_buffered_total",
			Help: "Messages written to the retry buffer",
		}),
		ForwardFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "forward_failures_total",
			Help: "Failed backend publishes by reason",
		}, []string{"reason"}),
		BufferWriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "buffer_write_errors_total",
			Help: "Messages lost because the retry buffer could not persist them",
		}),
		BufferFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "buffer_flushed_total",
			Help: "Buffered records republished and removed",
		}),
		BufferFlushErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "buffer_flush_errors_total",
			Help: "Buffered records left in place after a failed flush attempt",
		}),
		FlushCyclesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "buffer_flush_cycles_skipped_total",
			Help: "Flush cycles skipped because the backend was offline",
		}),
		BackendOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "backend_online",
			Help: "1 when the last health poll saw the backend running",
		}),
		HealthPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "health_polls_total",
			Help: "Backend health polls by result",
		}, []string{"result"}),
		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "device_subscriptions",
			Help: "Device topics currently subscribed on the broker",
		}),
		SubscribeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "subscription_errors_total",
			Help: "Broker subscribe/unsubscribe failures",
		}, []string{"op"}),
		FanoutClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "fanout_clients",
			Help: "Connected live WebSocket clients",
		}),
		FanoutDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "fanout_dropped_total",
			Help: "Live messages dropped because a client send buffer was full",
		}),
		StreamConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "collection_stream_connected",
			Help: "1 while the backend collection stream is connected",
		}),
		StreamFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "collection_stream_frames_total",
			Help: "Frames received from the backend collection stream",
		}),
		StreamReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "collection_stream_reconnects_total",
			Help: "Collection stream connection attempts after the first",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.MessagesReceived,
		m.MessagesForwarded,
		m.MessagesThrottled,
		m.MessagesMalformed,
		m.MessagesBuffered,
		m.ForwardFailures,
		m.BufferWriteErrors,
		m.BufferFlushed,
		m.BufferFlushErrors,
		m.FlushCyclesSkipped,
		m.BackendOnline,
		m.HealthPolls,
		m.Subscriptions,
		m.SubscribeErrors,
		m.FanoutClients,
		m.FanoutDropped,
		m.StreamConnected,
		m.StreamFrames,
		m.StreamReconnects,
	)
	return m
}

func (m *Relay) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Relay) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
