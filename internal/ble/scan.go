package ble

import (
	"context"
	"fmt"
)

// Device is a peripheral seen during a scan.
type Device struct {
	ID   string
	Name string
}

// ScanForDevices scans until ctx is done and returns every device whose
// advertised name contains filter. found, if non-nil, is called for each
// new match as it is seen.
func ScanForDevices(ctx context.Context, adapter Adapter, filter string, found func(Device)) ([]Device, error) {
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}
	events, err := adapter.Events()
	if err != nil {
		return nil, fmt.Errorf("ble: events: %w", err)
	}
	if err := adapter.StartScan(); err != nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	defer adapter.StopScan()

	var devices []Device
	seen := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return devices, nil
		case ev, ok := <-events:
			if !ok {
				return devices, nil
			}
			if ev.Type != EventDeviceDiscovered && ev.Type != EventDeviceUpdated {
				continue
			}
			if seen[ev.ID] {
				continue
			}
			p, err := adapter.Peripheral(ev.ID)
			if err != nil || !matchesName(p.Name(), filter) {
				continue
			}
			seen[ev.ID] = true
			d := Device{ID: p.ID(), Name: p.Name()}
			devices = append(devices, d)
			if found != nil {
				found(d)
			}
		}
	}
}
