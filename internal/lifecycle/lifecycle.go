// Package lifecycle keeps broker subscriptions in step with the device directory.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/InsulaLabs/relay/internal/devices"
)

// Registry is the subset of the subscription registry the controller drives.
type Registry interface {
	Subscribe(ctx context.Context, deviceID string) error
	Unsubscribe(ctx context.Context, deviceID string) error
	Configure(deviceID string, dataIntervalSeconds int)
	BulkInitialize(ctx context.Context, active []devices.Device) error
}

// Observer is told about every event applied, after the registry accepted it.
type Observer interface {
	Apply(ev devices.Event)
}

type Config struct {
	Logger    *slog.Logger
	Registry  Registry
	Directory devices.Directory

	// Observer is optional. The static directory uses it to track applied events.
	Observer Observer
}

type Controller struct {
	logger   *slog.Logger
	registry Registry
	dir      devices.Directory
	observer Observer
}

func New(cfg Config) *Controller {
	return &Controller{
		logger:   cfg.Logger.WithGroup("lifecycle"),
		registry: cfg.Registry,
		dir:      cfg.Directory,
		observer: cfg.Observer,
	}
}

// Initialize resubscribes every active device from the directory. It runs on every broker
// connect, including the first.
func (c *Controller) Initialize(ctx context.Context) error {
	active, err := c.dir.ActiveDevices(ctx)
	if err != nil {
		c.logger.Error("failed to load active devices", "error", err)
		return fmt.Errorf("load active devices: %w", err)
	}
	if err := c.registry.BulkInitialize(ctx, active); err != nil {
		c.logger.Error("subscription resync incomplete", "devices", len(active), "error", err)
		return err
	}
	c.logger.Info("subscriptions initialized", "devices", len(active))
	return nil
}

// Apply drives the registry for a single device event. Registry errors are returned so the
// caller that reported the event can fail its request.
func (c *Controller) Apply(ctx context.Context, ev devices.Event) error {
	if err := ev.Valid(); err != nil {
		return err
	}

	d := ev.Device
	var err error
	switch {
	case ev.Type == devices.EventDeleted:
		err = c.registry.Unsubscribe(ctx, d.ID)
	case d.Active():
		if err = c.registry.Subscribe(ctx, d.ID); err == nil {
			c.registry.Configure(d.ID, d.DataIntervalSeconds)
		}
	default:
		err = c.registry.Unsubscribe(ctx, d.ID)
	}
	if err != nil {
		c.logger.Error("device event not applied", "type", ev.Type, "device_id", d.ID, "error", err)
		return err
	}

	if c.observer != nil {
		c.observer.Apply(ev)
	}
	c.logger.Info("device event applied",
		"type", ev.Type,
		"device_id", d.ID,
		"status", d.Status,
		"data_interval_seconds", d.DataIntervalSeconds,
	)
	return nil
}
