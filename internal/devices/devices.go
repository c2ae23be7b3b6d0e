// Package devices reads the device directory the relay subscribes from. The directory is
// owned by the device-management service; the relay only reads active devices from it and
// receives change notifications.
package devices

import (
	"context"
	"fmt"
)

const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

type Device struct {
	ID     string `json:"id"`
	Status string `json:"status"`

	// DataIntervalSeconds <= 0 (or null in the directory) disables throttling.
	DataIntervalSeconds int `json:"data_interval_seconds"`
}

func (d Device) Active() bool {
	return d.Status == StatusActive
}

// Topic is the broker topic a device publishes telemetry on.
func Topic(deviceID string) string {
	return fmt.Sprintf("/devices/%s", deviceID)
}

type EventType string

const (
	EventCreated EventType = "created"
	EventUpdated EventType = "updated"
	EventDeleted EventType = "deleted"
)

// Event is a device status-change notification from the device-management service.
type Event struct {
	Type   EventType `json:"type"`
	Device Device    `json:"device"`
}

func (e Event) Valid() error {
	switch e.Type {
	case EventCreated, EventUpdated, EventDeleted:
	default:
		return fmt.Errorf("unknown device event type %q", e.Type)
	}
	if e.Device.ID == "" {
		return fmt.Errorf("device event is missing the device id")
	}
	if e.Device.DataIntervalSeconds < 0 {
		return fmt.Errorf("data_interval_seconds cannot be negative")
	}
	return nil
}

// Directory lists the devices currently marked active.
type Directory interface {
	ActiveDevices(ctx context.Context) ([]Device, error)
}
