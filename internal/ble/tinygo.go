package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tinygo.org/x/bluetooth"
)

const (
	eventBuffer        = 64
	lifecycleReserve   = 8 // slots scan results may not use
	notificationBuffer = 32
	readBufferSize     = 512

	// A device that keeps advertising is reported as discovered again after
	// this long, so a failed connect gets retried on the next advertisement.
	rediscoverInterval = 5 * time.Second
	scanStartGrace     = 200 * time.Millisecond
)

// TinyGoAdapter implements Adapter on top of tinygo.org/x/bluetooth
// (BlueZ on Linux, CoreBluetooth on macOS, WinRT on Windows).
//
// Peripheral IDs are bluetooth.Address strings. On macOS these are
// CoreBluetooth UUIDs rather than MAC addresses.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter
	events  chan Event
	taken   atomic.Bool

	// mu protects the peripherals map.
	mu          sync.Mutex
	peripherals map[string]*tinyGoPeripheral
}

// NewTinyGoAdapter creates an adapter backed by the default host radio.
func NewTinyGoAdapter() *TinyGoAdapter {
	return &TinyGoAdapter{
		adapter:     bluetooth.DefaultAdapter,
		events:      make(chan Event, eventBuffer),
		peripherals: make(map[string]*tinyGoPeripheral),
	}
}

func (a *TinyGoAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	// Disconnects arrive through the adapter-level connect handler.
	// Connected events are emitted by Connect once the device is stored.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := device.Address.String()
		a.mu.Lock()
		p, ok := a.peripherals[id]
		a.mu.Unlock()
		if ok && p.markDisconnected() {
			a.emit(Event{Type: EventDeviceDisconnected, ID: id})
		}
	})
	return nil
}

func (a *TinyGoAdapter) Events() (<-chan Event, error) {
	if a.taken.Swap(true) {
		return nil, errors.New("ble: event stream already taken")
	}
	return a.events, nil
}

// StartScan scans in the background until StopScan.
func (a *TinyGoAdapter) StartScan() error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.adapter.Scan(a.onScanResult)
	}()

	select {
	case err := <-errCh:
		return err
	case <-time.After(scanStartGrace):
		go func() {
			if err := <-errCh; err != nil {
				slog.Warn("[BLE] scan ended", "error", err)
			}
		}()
		return nil
	}
}

func (a *TinyGoAdapter) StopScan() error {
	return a.adapter.StopScan()
}

func (a *TinyGoAdapter) Peripheral(id string) (Peripheral, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.peripherals[id]
	if !ok {
		return nil, fmt.Errorf("ble: unknown peripheral %s", id)
	}
	return p, nil
}

func (a *TinyGoAdapter) onScanResult(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
	id := result.Address.String()
	now := time.Now()

	a.mu.Lock()
	p, known := a.peripherals[id]
	if !known {
		p = &tinyGoPeripheral{adapter: a, address: result.Address}
		a.peripherals[id] = p
	}
	a.mu.Unlock()

	typ := EventDeviceUpdated
	if p.observe(result.LocalName(), now) || !known {
		typ = EventDeviceDiscovered
	}

	// Advertisements repeat, so dropping one under load is harmless.
	// Connect emits from the consumer's goroutine and must always find room.
	if len(a.events) >= eventBuffer-lifecycleReserve {
		return
	}
	select {
	case a.events <- Event{Type: typ, ID: id}:
	default:
	}
}

// emit delivers connection lifecycle events, which must not be dropped.
func (a *TinyGoAdapter) emit(ev Event) {
	a.events <- ev
}

var _ Adapter = (*TinyGoAdapter)(nil)

type tinyGoPeripheral struct {
	adapter *TinyGoAdapter
	address bluetooth.Address

	mu          sync.Mutex
	name        string
	lastSeen    time.Time // last time reported as discovered
	device      *bluetooth.Device
	connected   bool
	chars       map[string]*bluetooth.DeviceCharacteristic
	notes       chan Notification
	notesClosed bool
}

// observe records an advertisement and reports whether it should be
// surfaced as a fresh discovery.
func (p *tinyGoPeripheral) observe(name string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if name != "" {
		p.name = name
	}
	if now.Sub(p.lastSeen) < rediscoverInterval {
		return false
	}
	p.lastSeen = now
	return true
}

func (p *tinyGoPeripheral) ID() string { return p.address.String() }

func (p *tinyGoPeripheral) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.name
}

func (p *tinyGoPeripheral) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *tinyGoPeripheral) Connect(ctx context.Context) error {
	// tinygo/bluetooth's Connect blocks with its own timeout.
	// We wrap it to also respect ctx cancellation.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := p.adapter.adapter.Connect(p.address, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		// Drop a link that completes after we gave up on it.
		go func() {
			if r := <-ch; r.err == nil {
				_ = r.device.Disconnect()
			}
		}()
		return ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return r.err
		}
		p.mu.Lock()
		p.device = &r.device
		p.connected = true
		p.chars = nil
		p.notes = make(chan Notification, notificationBuffer)
		p.notesClosed = false
		p.mu.Unlock()

		p.adapter.emit(Event{Type: EventDeviceConnected, ID: p.ID()})
		return nil
	}
}

// Disconnect requests a disconnect. The disconnected event and state change
// follow from the adapter's connect handler.
func (p *tinyGoPeripheral) Disconnect() error {
	p.mu.Lock()
	device := p.device
	p.mu.Unlock()
	if device == nil {
		return nil
	}
	return device.Disconnect()
}

// markDisconnected reports whether the peripheral was connected.
func (p *tinyGoPeripheral) markDisconnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return false
	}
	p.connected = false
	p.device = nil
	p.chars = nil
	if p.notes != nil && !p.notesClosed {
		close(p.notes)
		p.notesClosed = true
	}
	return true
}

func (p *tinyGoPeripheral) DiscoverServices(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	device := p.device
	p.mu.Unlock()
	if device == nil {
		return ErrNotConnected
	}

	svcs, err := device.DiscoverServices(nil)
	if err != nil {
		return fmt.Errorf("discover services: %w", err)
	}
	chars := make(map[string]*bluetooth.DeviceCharacteristic)
	for _, svc := range svcs {
		found, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			return fmt.Errorf("discover characteristics of %s: %w", svc.UUID().String(), err)
		}
		for i := range found {
			c := found[i]
			chars[strings.ToLower(c.UUID().String())] = &c
		}
	}

	p.mu.Lock()
	p.chars = chars
	p.mu.Unlock()
	return nil
}

func (p *tinyGoPeripheral) Characteristics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	uuids := make([]string, 0, len(p.chars))
	for uuid := range p.chars {
		uuids = append(uuids, uuid)
	}
	sort.Strings(uuids)
	return uuids
}

func (p *tinyGoPeripheral) characteristic(uuid string) (*bluetooth.DeviceCharacteristic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.chars[strings.ToLower(uuid)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCharacteristicMissing, uuid)
	}
	return c, nil
}

func (p *tinyGoPeripheral) Read(ctx context.Context, charUUID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := p.characteristic(charUUID)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, readBufferSize)
	n, err := c.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (p *tinyGoPeripheral) Write(ctx context.Context, charUUID string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c, err := p.characteristic(charUUID)
	if err != nil {
		return err
	}
	_, err = c.WriteWithoutResponse(data)
	return err
}

func (p *tinyGoPeripheral) Subscribe(ctx context.Context, charUUID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c, err := p.characteristic(charUUID)
	if err != nil {
		return err
	}
	return c.EnableNotifications(func(buf []byte) {
		p.deliver(charUUID, buf)
	})
}

func (p *tinyGoPeripheral) Unsubscribe(charUUID string) error {
	c, err := p.characteristic(charUUID)
	if err != nil {
		return err
	}
	return c.EnableNotifications(nil)
}

func (p *tinyGoPeripheral) deliver(uuid string, buf []byte) {
	value := make([]byte, len(buf))
	copy(value, buf)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.notes == nil || p.notesClosed {
		return
	}
	select {
	case p.notes <- Notification{UUID: uuid, Value: value}:
	default:
		slog.Warn("[BLE] notification buffer full, dropping", "id", p.address.String())
	}
}

func (p *tinyGoPeripheral) Notifications() <-chan Notification {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.notes
}
