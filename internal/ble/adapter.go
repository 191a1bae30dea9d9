// Package ble manages the Bluetooth Low Energy session with an H-Button
// peripheral. It handles discovery, connection, the initial handshake, the
// notification stream, and reconnection after the link drops.
package ble

import (
	"context"
	"fmt"
	"log/slog"
)

// H-Button GATT characteristic UUIDs.
const (
	NotifyCharUUID = "a3c87500-8ed3-4bdf-8a39-a01bebede295"
	WriteCharUUID  = "3c9a3f00-8ed3-4bdf-8a39-a01bebede295"
)

// DefaultNameFilter matches the advertised local name of H-Button devices.
const DefaultNameFilter = "H-Button"

// LevelTrace is used for per-tick and unhandled-event logging.
const LevelTrace = slog.LevelDebug - 4

// EventType classifies a central event.
type EventType int

const (
	EventDeviceDiscovered EventType = iota + 1
	EventDeviceUpdated
	EventDeviceConnected
	EventDeviceDisconnected
)

func (t EventType) String() string {
	switch t {
	case EventDeviceDiscovered:
		return "DeviceDiscovered"
	case EventDeviceUpdated:
		return "DeviceUpdated"
	case EventDeviceConnected:
		return "DeviceConnected"
	case EventDeviceDisconnected:
		return "DeviceDisconnected"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event is a single adapter-level occurrence, delivered in order on the
// channel returned by Adapter.Events.
type Event struct {
	Type EventType
	ID   string
}

// Notification is a value pushed by the peripheral on a subscribed characteristic.
type Notification struct {
	UUID  string
	Value []byte
}

// Peripheral is a discovered device. Implementations must be safe for use
// from the session manager goroutine and one pump goroutine at a time.
type Peripheral interface {
	// ID is the opaque platform address of the device.
	ID() string
	// Name is the advertised local name, empty if none was advertised.
	Name() string

	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool

	// DiscoverServices resolves the GATT layout of a connected device.
	DiscoverServices(ctx context.Context) error
	// Characteristics lists the UUIDs found by DiscoverServices.
	Characteristics() []string

	Read(ctx context.Context, charUUID string) ([]byte, error)
	// Write sends data without waiting for an acknowledgement.
	Write(ctx context.Context, charUUID string, data []byte) error
	Subscribe(ctx context.Context, charUUID string) error
	Unsubscribe(charUUID string) error
	// Notifications delivers subscribed values for the current connection in
	// transport order. The channel is closed when the connection drops.
	Notifications() <-chan Notification
}

// Adapter abstracts the host radio for testing.
type Adapter interface {
	// Enable powers on the adapter.
	Enable() error
	// Events returns the central event stream. There is a single stream per
	// adapter; it must have one consumer.
	Events() (<-chan Event, error)
	StartScan() error
	StopScan() error
	// Peripheral returns the device known under id.
	Peripheral(id string) (Peripheral, error)
}

// OnConnectFunc produces the handshake acknowledgement from the first value
// read off the notify characteristic. It must always return a reply.
type OnConnectFunc func(initial []byte) []byte

// OnNotificationFunc reacts to a live update. A nil return means no reply.
type OnNotificationFunc func(data []byte) []byte

// Callbacks are the translation capabilities injected into a session.
//
// All functions are called from a single goroutine at a time and never
// concurrently with each other. They must not panic: a panic is not
// recovered and terminates the process.
type Callbacks struct {
	OnConnect      OnConnectFunc
	OnNotification OnNotificationFunc
	// Indicator returns the indicator for the host's current state. Queued
	// indicator refreshes call it when the write happens. Optional.
	Indicator func() []byte
}
