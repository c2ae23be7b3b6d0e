package lifecycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/InsulaLabs/relay/internal/devices"
	"github.com/InsulaLabs/relay/internal/registry"
)

type fakeBroker struct {
	subs    map[string]int
	calls   []string
	failSub error
}

func (f *fakeBroker) Subscribe(ctx context.Context, topic string) error {
	f.calls = append(f.calls, "sub "+topic)
	if f.failSub != nil {
		return f.failSub
	}
	f.subs[topic]++
	return nil
}

func (f *fakeBroker) Unsubscribe(ctx context.Context, topic string) error {
	f.calls = append(f.calls, "unsub "+topic)
	delete(f.subs, topic)
	return nil
}

type failingDirectory struct{}

func (failingDirectory) ActiveDevices(ctx context.Context) ([]devices.Device, error) {
	return nil, errors.New("connection refused")
}

func setup(t *testing.T, dir devices.Directory) (*Controller, *registry.Registry, *fakeBroker) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fb := &fakeBroker{subs: make(map[string]int)}
	reg := registry.New(registry.Config{Logger: logger, Subscriber: fb})

	var obs Observer
	if sd, ok := dir.(*devices.StaticDirectory); ok {
		obs = sd
	}
	return New(Config{Logger: logger, Registry: reg, Directory: dir, Observer: obs}), reg, fb
}

func TestInitialize(t *testing.T) {
	dir := devices.NewStaticDirectory([]devices.Device{
		{ID: "a", DataIntervalSeconds: 60},
		{ID: "b", Status: devices.StatusInactive},
	})
	ctl, reg, _ := setup(t, dir)

	require.NoError(t, ctl.Initialize(context.Background()))
	assert.Equal(t, []string{"/devices/a"}, reg.Topics())
	assert.Equal(t, 60, reg.Interval("a"))
}

func TestInitialize_DirectoryError(t *testing.T) {
	ctl, reg, _ := setup(t, failingDirectory{})
	assert.Error(t, ctl.Initialize(context.Background()))
	assert.Empty(t, reg.Topics())
}

func TestApply(t *testing.T) {
	dir := devices.NewStaticDirectory(nil)
	ctl, reg, fb := setup(t, dir)
	ctx := context.Background()

	require.NoError(t, ctl.Apply(ctx, devices.Event{
		Type:   devices.EventCreated,
		Device: devices.Device{ID: "abc-1", Status: devices.StatusActive, DataIntervalSeconds: 60},
	}))
	assert.True(t, reg.IsSubscribed("abc-1"))
	assert.Equal(t, 60, reg.Interval("abc-1"))

	// interval change on an active device keeps the single subscription
	require.NoError(t, ctl.Apply(ctx, devices.Event{
		Type:   devices.EventUpdated,
		Device: devices.Device{ID: "abc-1", Status: devices.StatusActive, DataIntervalSeconds: 5},
	}))
	assert.Equal(t, 5, reg.Interval("abc-1"))
	assert.Equal(t, 1, fb.subs["/devices/abc-1"])

	// created as inactive never subscribes
	require.NoError(t, ctl.Apply(ctx, devices.Event{
		Type:   devices.EventCreated,
		Device: devices.Device{ID: "idle", Status: devices.StatusInactive},
	}))
	assert.False(t, reg.IsSubscribed("idle"))

	// deactivation mid-session, twice
	deactivate := devices.Event{
		Type:   devices.EventUpdated,
		Device: devices.Device{ID: "abc-1", Status: devices.StatusInactive},
	}
	require.NoError(t, ctl.Apply(ctx, deactivate))
	require.NoError(t, ctl.Apply(ctx, deactivate))
	assert.False(t, reg.IsSubscribed("abc-1"))
	assert.Equal(t, 0, reg.Interval("abc-1"))
	assert.Equal(t, []string{"sub /devices/abc-1", "unsub /devices/abc-1"}, fb.calls)

	active, err := dir.ActiveDevices(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestApply_Deleted(t *testing.T) {
	ctl, reg, _ := setup(t, devices.NewStaticDirectory(nil))
	ctx := context.Background()

	require.NoError(t, ctl.Apply(ctx, devices.Event{
		Type:   devices.EventCreated,
		Device: devices.Device{ID: "d", Status: devices.StatusActive},
	}))
	require.NoError(t, ctl.Apply(ctx, devices.Event{Type: devices.EventDeleted, Device: devices.Device{ID: "d"}}))
	assert.False(t, reg.IsSubscribed("d"))
}

func TestApply_BrokerErrorPropagates(t *testing.T) {
	dir := devices.NewStaticDirectory(nil)
	ctl, reg, fb := setup(t, dir)
	fb.failSub = errors.New("broker refused")

	err := ctl.Apply(context.Background(), devices.Event{
		Type:   devices.EventCreated,
		Device: devices.Device{ID: "abc-1", Status: devices.StatusActive, DataIntervalSeconds: 60},
	})
	assert.ErrorIs(t, err, registry.ErrBrokerSubscription)
	assert.False(t, reg.IsSubscribed("abc-1"))
	assert.Equal(t, 0, reg.Interval("abc-1"))

	// a failed event is not recorded in the directory
	active, _ := dir.ActiveDevices(context.Background())
	assert.Empty(t, active)
}

func TestApply_Invalid(t *testing.T) {
	ctl, _, fb := setup(t, devices.NewStaticDirectory(nil))
	assert.Error(t, ctl.Apply(context.Background(), devices.Event{Type: "moved", Device: devices.Device{ID: "x"}}))
	assert.Empty(t, fb.calls)
}
