// Package registry tracks which device topics the relay is subscribed to and the throttle
// interval configured for each device.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/InsulaLabs/relay/internal/devices"
	"github.com/InsulaLabs/relay/internal/metrics"
	"github.com/InsulaLabs/relay/internal/throttle"
)

var (
	ErrBrokerSubscription = errors.New("broker subscription failed")

	// ErrConnectionReset means the broker connection dropped while a subscribe was in flight,
	// so the acknowledged subscription did not survive. The reconnect resync subscribes again.
	ErrConnectionReset = errors.New("broker connection reset during subscribe")
)

// MaxIntervalSeconds caps configured intervals so the throttle window stays representable as
// a time.Duration (one year).
const MaxIntervalSeconds = 365 * 24 * 60 * 60

// SubscriptionError is returned when the broker rejects a subscribe or unsubscribe request.
// The registry is unchanged when it is returned.
type SubscriptionError struct {
	Op       string
	DeviceID string
	Topic    string
	Err      error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("%s %s (device %s): %v", e.Op, e.Topic, e.DeviceID, e.Err)
}

func (e *SubscriptionError) Unwrap() []error {
	return []error{ErrBrokerSubscription, e.Err}
}

// Subscriber is the part of the broker client the registry drives.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string) error
	Unsubscribe(ctx context.Context, topic string) error
}

type Entry struct {
	DeviceID            string `json:"device_id"`
	Topic               string `json:"topic"`
	DataIntervalSeconds int    `json:"data_interval_seconds"`
}

type Config struct {
	Logger     *slog.Logger
	Subscriber Subscriber
	Gate       *throttle.Gate
	Metrics    *metrics.Relay
}

// Registry holds the subscribed topic set and the per-device intervals. Intervals may exist
// for devices that are not subscribed (configure before subscribe).
type Registry struct {
	logger  *slog.Logger
	sub     Subscriber
	gate    *throttle.Gate
	metrics *metrics.Relay

	// opMu serializes broker round trips so two callers cannot subscribe the same topic twice.
	opMu sync.Mutex

	mu         sync.RWMutex
	subscribed map[string]string // deviceID -> topic
	intervals  map[string]int

	// generation is bumped by Reset. A subscribe only records its topic if no Reset happened
	// during the broker round trip.
	generation uint64
}

func New(cfg Config) *Registry {
	gate := cfg.Gate
	if gate == nil {
		gate = throttle.New()
	}
	return &Registry{
		logger:     cfg.Logger.WithGroup("registry"),
		sub:        cfg.Subscriber,
		gate:       gate,
		metrics:    cfg.Metrics,
		subscribed: make(map[string]string),
		intervals:  make(map[string]int),
	}
}

func (r *Registry) Gate() *throttle.Gate {
	return r.gate
}

func (r *Registry) Subscribe(ctx context.Context, deviceID string) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()
	return r.subscribeLocked(ctx, deviceID)
}

func (r *Registry) subscribeLocked(ctx context.Context, deviceID string) error {
	if r.IsSubscribed(deviceID) {
		return nil
	}

	r.mu.RLock()
	gen := r.generation
	r.mu.RUnlock()

	topic := devices.Topic(deviceID)
	if err := r.sub.Subscribe(ctx, topic); err != nil {
		r.countError("subscribe")
		r.logger.Error("broker subscribe failed", "device_id", deviceID, "topic", topic, "error", err)
		return &SubscriptionError{Op: "subscribe", DeviceID: deviceID, Topic: topic, Err: err}
	}

	r.mu.Lock()
	if r.generation != gen {
		r.mu.Unlock()
		r.countError("subscribe")
		r.logger.Warn("connection lost during subscribe, not recorded", "device_id", deviceID, "topic", topic)
		return &SubscriptionError{Op: "subscribe", DeviceID: deviceID, Topic: topic, Err: ErrConnectionReset}
	}
	r.subscribed[deviceID] = topic
	r.mu.Unlock()
	r.updateGauge()

	r.logger.Info("subscribed", "device_id", deviceID, "topic", topic)
	return nil
}

// Unsubscribe drops the device's topic, its interval and its throttle state.
func (r *Registry) Unsubscribe(ctx context.Context, deviceID string) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()
	return r.unsubscribeLocked(ctx, deviceID)
}

func (r *Registry) unsubscribeLocked(ctx context.Context, deviceID string) error {
	r.mu.RLock()
	topic, ok := r.subscribed[deviceID]
	r.mu.RUnlock()

	if ok {
		if err := r.sub.Unsubscribe(ctx, topic); err != nil {
			r.countError("unsubscribe")
			r.logger.Error("broker unsubscribe failed", "device_id", deviceID, "topic", topic, "error", err)
			return &SubscriptionError{Op: "unsubscribe", DeviceID: deviceID, Topic: topic, Err: err}
		}
	}

	r.mu.Lock()
	delete(r.subscribed, deviceID)
	delete(r.intervals, deviceID)
	r.mu.Unlock()
	r.gate.Forget(deviceID)
	r.updateGauge()

	if ok {
		r.logger.Info("unsubscribed", "device_id", deviceID, "topic", topic)
	}
	return nil
}

// Configure sets the throttle interval for a device. It never touches the broker. Negative
// intervals become 0 and intervals above MaxIntervalSeconds are clamped.
func (r *Registry) Configure(deviceID string, dataIntervalSeconds int) {
	if dataIntervalSeconds < 0 {
		dataIntervalSeconds = 0
	}
	if dataIntervalSeconds > MaxIntervalSeconds {
		dataIntervalSeconds = MaxIntervalSeconds
	}
	r.mu.Lock()
	r.intervals[deviceID] = dataIntervalSeconds
	r.mu.Unlock()
}

// BulkInitialize replaces the registry contents with the given active devices. Topics not in
// the list are unsubscribed, every listed device is configured and subscribed. Every device is
// attempted; failures are joined into the returned error.
func (r *Registry) BulkInitialize(ctx context.Context, active []devices.Device) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	wanted := make(map[string]struct{}, len(active))
	for _, d := range active {
		wanted[d.ID] = struct{}{}
	}

	r.mu.Lock()
	r.intervals = make(map[string]int, len(active))
	stale := make([]string, 0)
	for id := range r.subscribed {
		if _, keep := wanted[id]; !keep {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()
	sort.Strings(stale)

	var errs []error
	for _, id := range stale {
		if err := r.unsubscribeLocked(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}

	for _, d := range active {
		r.Configure(d.ID, d.DataIntervalSeconds)
		if err := r.subscribeLocked(ctx, d.ID); err != nil {
			errs = append(errs, err)
		}
	}

	r.logger.Info("registry initialized",
		"devices", len(active),
		"subscribed", len(r.Topics()),
		"errors", len(errs),
	)
	return errors.Join(errs...)
}

// Reset forgets all subscriptions and throttle state without calling the broker. Used when
// the broker connection is lost and its subscriptions went with it. It does not wait for an
// in-flight subscribe; that subscribe sees the new generation and records nothing.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.subscribed = make(map[string]string)
	r.generation++
	r.mu.Unlock()
	r.gate.Clear()
	r.updateGauge()
	r.logger.Warn("registry reset, broker subscriptions cleared")
}

// Interval returns the configured interval, 0 when none is set.
func (r *Registry) Interval(deviceID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.intervals[deviceID]
}

func (r *Registry) IsSubscribed(deviceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.subscribed[deviceID]
	return ok
}

// Topics returns the subscribed topics in sorted order.
func (r *Registry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.subscribed))
	for _, t := range r.subscribed {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Entries returns a snapshot of subscribed devices with their intervals.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.subscribed))
	for id, t := range r.subscribed {
		out = append(out, Entry{DeviceID: id, Topic: t, DataIntervalSeconds: r.intervals[id]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

func (r *Registry) countError(op string) {
	if r.metrics != nil {
		r.metrics.SubscribeErrors.WithLabelValues(op).Inc()
	}
}

func (r *Registry) updateGauge() {
	if r.metrics == nil {
		return
	}
	r.mu.RLock()
	n := len(r.subscribed)
	r.mu.RUnlock()
	r.metrics.Subscriptions.Set(float64(n))
}
