package audio

import (
	"fmt"

	"github.com/gen2brain/malgo"
)

// CaptureDevice describes a microphone known to the host audio backend.
type CaptureDevice struct {
	Name    string
	Default bool
}

// CaptureDevices lists capture devices so users can pick the ALSA card whose
// microphone the button should mute.
func CaptureDevices() ([]CaptureDevice, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("initializing audio context: %w", err)
	}
	defer func() {
		_ = ctx.Uninit()
		ctx.Free()
	}()

	infos, err := ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("listing capture devices: %w", err)
	}
	return captureDevices(infos), nil
}

func captureDevices(infos []malgo.DeviceInfo) []CaptureDevice {
	devices := make([]CaptureDevice, 0, len(infos))
	for _, info := range infos {
		devices = append(devices, CaptureDevice{
			Name:    info.Name(),
			Default: info.IsDefault != 0,
		})
	}
	return devices
}
