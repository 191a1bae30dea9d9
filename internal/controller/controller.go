// Package controller translates H-Button status reports into mixer actions
// and mute indicator replies. A Controller is the shared state behind both
// session callbacks.
package controller

import (
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/hbutton-bridge/internal/audio"
	"github.com/chaz8081/hbutton-bridge/internal/ble/protocol"
	"github.com/chaz8081/hbutton-bridge/internal/tray"
)

// EncoderStepsPerRotation is the number of encoder impulses in one full turn.
// One turn sweeps the whole volume range.
const EncoderStepsPerRotation = 240

// CalculateVolume returns the volume after the encoder moved from initial to
// current, starting at base. The counter may wrap, so the distance is taken
// modulo 2^32. The step is truncated toward zero and the result is clamped
// to 0..audio.MaxVolume.
func CalculateVolume(initial, current int32, base int64) int64 {
	diff := int64(current - initial)
	delta := diff * audio.MaxVolume / EncoderStepsPerRotation
	return audio.ClampVolume(base + delta)
}

// Snapshot is the last-known state, for display.
type Snapshot struct {
	Status  protocol.HidStatus
	Mic     audio.MicStatus
	Volume  int64
	Updated time.Time
}

// Controller holds the last-known device status and drives the mixer.
// All methods are safe for concurrent use.
type Controller struct {
	mixer    audio.Mixer
	notifier tray.Notifier

	mu       sync.Mutex
	current  protocol.HidStatus
	mic      audio.MicStatus
	micKnown bool
	volume   int64
	updated  time.Time
}

// New returns a controller. notifier may be nil.
func New(mixer audio.Mixer, notifier tray.Notifier) *Controller {
	return &Controller{mixer: mixer, notifier: notifier}
}

// OnConnect adopts the device's first reported status and returns the
// indicator matching the host's current mute state. It always returns a reply.
func (c *Controller) OnConnect(raw []byte) []byte {
	status, err := protocol.DecodeHidStatus(raw)
	if err != nil {
		slog.Warn("[CTRL] initial status unreadable, assuming defaults", "error", err)
		status = protocol.HidStatus{}
	}

	c.mu.Lock()
	c.current = status
	c.updated = time.Now()
	mic := c.readMicLocked()
	c.refreshVolumeLocked()
	c.mu.Unlock()

	slog.Info("[CTRL] session synced", "encoder", status.EncoderPosition,
		"presses", status.MicMuteButtonPressCount, "mic", mic)
	c.notify(mic)
	return indicator(mic)
}

// OnNotification applies a live status. Encoder movement changes the volume;
// a new button press toggles the microphone and yields the new indicator.
// A status identical to the last one is a no-op and returns nil.
func (c *Controller) OnNotification(raw []byte) []byte {
	status, err := protocol.DecodeHidStatus(raw)
	if err != nil {
		slog.Debug("[CTRL] ignoring unreadable status", "error", err)
		return nil
	}

	c.mu.Lock()
	last := c.current
	if status == last {
		c.mu.Unlock()
		return nil
	}
	c.current = status
	c.updated = time.Now()

	if status.EncoderPosition != last.EncoderPosition {
		c.adjustVolumeLocked(last.EncoderPosition, status.EncoderPosition)
	}
	var reply []byte
	var mic audio.MicStatus
	pressed := status.MicMuteButtonPressCount != last.MicMuteButtonPressCount
	if pressed {
		mic = c.setMutedLocked(c.readMicLocked() != audio.MicMuted)
		reply = indicator(mic)
	}
	c.mu.Unlock()

	if pressed {
		c.notify(mic)
	}
	return reply
}

// ToggleMute flips the microphone and returns the new indicator.
func (c *Controller) ToggleMute() []byte {
	c.mu.Lock()
	mic := c.setMutedLocked(c.readMicLocked() != audio.MicMuted)
	c.mu.Unlock()
	c.notify(mic)
	return indicator(mic)
}

// SetMuted forces the microphone state and returns the new indicator.
func (c *Controller) SetMuted(muted bool) []byte {
	c.mu.Lock()
	mic := c.setMutedLocked(muted)
	c.mu.Unlock()
	c.notify(mic)
	return indicator(mic)
}

// SyncMicStatus rereads the microphone. If it changed behind our back, it
// reports true along with the indicator to send.
func (c *Controller) SyncMicStatus() ([]byte, bool) {
	c.mu.Lock()
	prev, known := c.mic, c.micKnown
	mic := c.readMicLocked()
	c.refreshVolumeLocked()
	c.mu.Unlock()

	if known && mic == prev {
		return nil, false
	}
	c.notify(mic)
	return indicator(mic), true
}

// Indicator returns the indicator for the last-known microphone state.
func (c *Controller) Indicator() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return indicator(c.mic)
}

// Snapshot returns the last-known state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{Status: c.current, Mic: c.mic, Volume: c.volume, Updated: c.updated}
}

// readMicLocked falls back to the last known state when the mixer fails.
func (c *Controller) readMicLocked() audio.MicStatus {
	mic, err := c.mixer.MicrophoneStatus()
	if err != nil {
		slog.Warn("[CTRL] read microphone status", "error", err)
		return c.mic
	}
	c.mic, c.micKnown = mic, true
	return mic
}

func (c *Controller) setMutedLocked(muted bool) audio.MicStatus {
	if err := c.mixer.SetMicrophoneMuted(muted); err != nil {
		slog.Warn("[CTRL] set microphone mute", "muted", muted, "error", err)
		return c.mic
	}
	if muted {
		c.mic = audio.MicMuted
	} else {
		c.mic = audio.MicUnmuted
	}
	c.micKnown = true
	slog.Info("[CTRL] microphone", "status", c.mic)
	return c.mic
}

func (c *Controller) adjustVolumeLocked(from, to int32) {
	base, err := c.mixer.Volume()
	if err != nil {
		slog.Warn("[CTRL] read volume", "error", err)
		return
	}
	v := CalculateVolume(from, to, base)
	if err := c.mixer.SetVolume(v); err != nil {
		slog.Warn("[CTRL] set volume", "volume", v, "error", err)
		return
	}
	c.volume = v
	slog.Debug("[CTRL] volume", "from", base, "to", v)
}

func (c *Controller) refreshVolumeLocked() {
	if v, err := c.mixer.Volume(); err == nil {
		c.volume = v
	}
}

func (c *Controller) notify(mic audio.MicStatus) {
	if c.notifier != nil {
		c.notifier.MicStatusChanged(mic)
	}
}

// indicator encodes the LED state for mic: lit while muted.
func indicator(mic audio.MicStatus) []byte {
	led := protocol.LedOff
	if mic == audio.MicMuted {
		led = protocol.LedOn
	}
	// Encoding only fails for out-of-range LedStatus values.
	data, _ := protocol.EncodeIndicator(led)
	return data
}
