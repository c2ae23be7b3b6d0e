// Package buffer persists telemetry that could not be forwarded and replays it once the
// backend is reachable again.
package buffer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/InsulaLabs/relay/db/tkv"
	"github.com/InsulaLabs/relay/internal/metrics"
)

const KeyPrefix = "buffer:"

var ErrEmptyDeviceID = errors.New("buffered record needs a device id")

// Store is the key/value side store records live in. tkv and rkv both satisfy it.
type Store interface {
	Get(key string) (string, error)
	Set(key string, value string) error
	Delete(key string) error
	ListKeys(prefix string) ([]string, error)
}

// Forwarder republishes a buffered message to the backend.
type Forwarder interface {
	Forward(ctx context.Context, topic string, raw []byte) error
}

// Liveness reports the last known backend state without blocking.
type Liveness interface {
	Online() bool
}

type Record struct {
	Topic      string    `json:"topic"`
	Message    string    `json:"message"`
	DeviceID   string    `json:"deviceId"`
	BufferedAt time.Time `json:"bufferedAt"`
}

// Entry is a record together with the key it is stored under.
type Entry struct {
	Key string `json:"key"`
	Record
}

type FlushReport struct {
	Skipped   bool
	Attempted int
	Flushed   int
	Failed    int
}

type Config struct {
	Logger    *slog.Logger
	Store     Store
	Forwarder Forwarder
	Liveness  Liveness
	Metrics   *metrics.Relay

	// Interval between flush cycles. Zero uses 10 seconds.
	Interval time.Duration
}

type Buffer struct {
	logger   *slog.Logger
	store    Store
	fwd      Forwarder
	live     Liveness
	metrics  *metrics.Relay
	interval time.Duration

	// inflight tracks Enqueue calls so Wait can let them finish before the store closes.
	inflight sync.WaitGroup
}

func New(cfg Config) *Buffer {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Buffer{
		logger:   cfg.Logger.WithGroup("buffer"),
		store:    cfg.Store,
		fwd:      cfg.Forwarder,
		live:     cfg.Liveness,
		metrics:  cfg.Metrics,
		interval: interval,
	}
}

// Key returns a fresh, time-ordered key for a record of deviceID.
func Key(deviceID string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return fmt.Sprintf("%s%s:%s", KeyPrefix, deviceID, id.String())
}

// DeviceFromKey extracts the device id from a buffer key.
func DeviceFromKey(key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, KeyPrefix)
	if !ok {
		return "", false
	}
	i := strings.LastIndex(rest, ":")
	if i <= 0 {
		return "", false
	}
	return rest[:i], true
}

// Enqueue stores a message under a new key. Errors are logged and counted before being
// returned; callers treat them as a lost message and keep going.
func (b *Buffer) Enqueue(deviceID, topic string, message []byte) (string, error) {
	b.inflight.Add(1)
	defer b.inflight.Done()

	if deviceID == "" {
		return "", ErrEmptyDeviceID
	}

	rec := Record{
		Topic:      topic,
		Message:    string(message),
		DeviceID:   deviceID,
		BufferedAt: time.Now().UTC(),
	}
	encoded, err := json.Marshal(rec)
	if err != nil {
		b.writeFailed(deviceID, err)
		return "", fmt.Errorf("encode buffered record: %w", err)
	}

	key := Key(deviceID)
	if err := b.store.Set(key, string(encoded)); err != nil {
		b.writeFailed(deviceID, err)
		return "", fmt.Errorf("store buffered record: %w", err)
	}

	if b.metrics != nil {
		b.metrics.MessagesBuffered.Inc()
	}
	b.logger.Debug("message buffered", "device_id", deviceID, "key", key)
	return key, nil
}

func (b *Buffer) writeFailed(deviceID string, err error) {
	if b.metrics != nil {
		b.metrics.BufferWriteErrors.Inc()
	}
	b.logger.Error("failed to buffer message, message lost", "device_id", deviceID, "error", err)
}

// Flush replays every buffered record once. Nothing is attempted while the backend is
// offline. A record is deleted only after its publish succeeded; failures stay for the next
// cycle and never stop the rest of the cycle.
func (b *Buffer) Flush(ctx context.Context) FlushReport {
	if !b.live.Online() {
		if b.metrics != nil {
			b.metrics.FlushCyclesSkipped.Inc()
		}
		b.logger.Debug("backend offline, flush skipped")
		return FlushReport{Skipped: true}
	}

	keys, err := b.store.ListKeys(KeyPrefix)
	if err != nil {
		b.logger.Error("failed to list buffered records", "error", err)
		return FlushReport{}
	}

	var report FlushReport
	for _, key := range keys {
		report.Attempted++
		if b.flushOne(ctx, key) {
			report.Flushed++
		} else {
			report.Failed++
		}
	}

	if report.Attempted > 0 {
		b.logger.Info("flush cycle complete",
			"attempted", report.Attempted,
			"flushed", report.Flushed,
			"failed", report.Failed,
		)
	}
	return report
}

func (b *Buffer) flushOne(ctx context.Context, key string) bool {
	raw, err := b.store.Get(key)
	if err != nil {
		if tkv.IsErrKeyNotFound(err) {
			// removed since the listing, nothing left to do
			return true
		}
		b.flushFailed(key, "read", err)
		return false
	}

	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		b.flushFailed(key, "decode", err)
		return false
	}

	if err := b.fwd.Forward(ctx, rec.Topic, []byte(rec.Message)); err != nil {
		b.flushFailed(key, "publish", err)
		return false
	}

	if b.metrics != nil {
		b.metrics.BufferFlushed.Inc()
	}
	if err := b.store.Delete(key); err != nil && !tkv.IsErrKeyNotFound(err) {
		// the record was published; it will be sent again next cycle
		b.logger.Error("failed to delete flushed record", "key", key, "error", err)
	}
	return true
}

func (b *Buffer) flushFailed(key, stage string, err error) {
	if b.metrics != nil {
		b.metrics.BufferFlushErrors.Inc()
	}
	b.logger.Warn("buffered record left for next cycle", "key", key, "stage", stage, "error", err)
}

// Run flushes on every interval until ctx is cancelled. A cycle in progress completes before
// Run returns.
func (b *Buffer) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("flush loop stopped")
			return
		case <-ticker.C:
			b.Flush(context.WithoutCancel(ctx))
		}
	}
}

// Wait blocks until in-flight Enqueue calls have returned.
func (b *Buffer) Wait() {
	b.inflight.Wait()
}

// Pending returns the number of buffered records.
func (b *Buffer) Pending() (int, error) {
	keys, err := b.store.ListKeys(KeyPrefix)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// List returns up to limit records in key order. limit <= 0 returns everything. Records that
// fail to decode are returned with only the key set.
func (b *Buffer) List(limit int) ([]Entry, error) {
	keys, err := b.store.ListKeys(KeyPrefix)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}

	out := make([]Entry, 0, len(keys))
	for _, key := range keys {
		raw, err := b.store.Get(key)
		if err != nil {
			if tkv.IsErrKeyNotFound(err) {
				continue
			}
			return nil, err
		}
		e := Entry{Key: key}
		if err := json.Unmarshal([]byte(raw), &e.Record); err != nil {
			b.logger.Warn("undecodable buffered record", "key", key, "error", err)
		}
		out = append(out, e)
	}
	return out, nil
}

// Drop deletes every buffered record of deviceID and returns how many were removed.
func (b *Buffer) Drop(deviceID string) (int, error) {
	if deviceID == "" {
		return 0, ErrEmptyDeviceID
	}
	keys, err := b.store.ListKeys(KeyPrefix + deviceID + ":")
	if err != nil {
		return 0, err
	}
	dropped := 0
	for _, key := range keys {
		if id, ok := DeviceFromKey(key); !ok || id != deviceID {
			continue
		}
		if err := b.store.Delete(key); err != nil && !tkv.IsErrKeyNotFound(err) {
			return dropped, err
		}
		dropped++
	}
	b.logger.Info("dropped buffered records", "device_id", deviceID, "count", dropped)
	return dropped, nil
}
