package audio

import (
	"testing"

	"github.com/gen2brain/malgo"
)

func TestCaptureDevicesFromInfos(t *testing.T) {
	infos := []malgo.DeviceInfo{{IsDefault: 0}, {IsDefault: 1}}
	got := captureDevices(infos)
	if len(got) != 2 {
		t.Fatalf("captureDevices() returned %d devices, want 2", len(got))
	}
	if got[0].Default {
		t.Error("first device should not be default")
	}
	if !got[1].Default {
		t.Error("second device should be default")
	}
}

func TestCaptureDevicesEmpty(t *testing.T) {
	if got := captureDevices(nil); len(got) != 0 {
		t.Errorf("captureDevices(nil) = %v, want empty", got)
	}
}
