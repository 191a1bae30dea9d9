// Package audio controls the host's playback volume and microphone mute.
package audio

import (
	"fmt"
	"sync"
)

// MaxVolume is the top of the normalized volume scale shared by all mixers.
const MaxVolume int64 = 65536

// MicStatus is the microphone mute state.
type MicStatus int

const (
	MicUnmuted MicStatus = iota
	MicMuted
)

func (s MicStatus) String() string {
	switch s {
	case MicUnmuted:
		return "unmuted"
	case MicMuted:
		return "muted"
	default:
		return fmt.Sprintf("MicStatus(%d)", int(s))
	}
}

// Mixer is the platform audio collaborator. Volumes are on the 0..MaxVolume
// scale. Implementations must be safe for concurrent use.
type Mixer interface {
	MicrophoneStatus() (MicStatus, error)
	SetMicrophoneMuted(muted bool) error
	Volume() (int64, error)
	SetVolume(volume int64) error
}

// MixerOptions selects and configures a Mixer backend.
type MixerOptions struct {
	Backend         string // "alsa" or "null"
	Card            int
	PlaybackControl string
	CaptureControl  string
}

// NewMixer builds the mixer named by opts.Backend.
func NewMixer(opts MixerOptions) (Mixer, error) {
	switch opts.Backend {
	case "alsa", "":
		return NewAlsaMixer(opts.Card, opts.PlaybackControl, opts.CaptureControl, nil), nil
	case "null":
		return NewMemoryMixer(MaxVolume/2, MicUnmuted), nil
	default:
		return nil, fmt.Errorf("audio: unknown mixer backend %q", opts.Backend)
	}
}

// ClampVolume limits v to 0..MaxVolume.
func ClampVolume(v int64) int64 {
	switch {
	case v < 0:
		return 0
	case v > MaxVolume:
		return MaxVolume
	}
	return v
}

// MemoryMixer keeps state in memory. It backs the "null" backend and tests.
type MemoryMixer struct {
	mu     sync.Mutex
	volume int64
	mic    MicStatus
}

// NewMemoryMixer returns a mixer starting at the given state.
func NewMemoryMixer(volume int64, mic MicStatus) *MemoryMixer {
	return &MemoryMixer{volume: ClampVolume(volume), mic: mic}
}

func (m *MemoryMixer) MicrophoneStatus() (MicStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mic, nil
}

func (m *MemoryMixer) SetMicrophoneMuted(muted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if muted {
		m.mic = MicMuted
	} else {
		m.mic = MicUnmuted
	}
	return nil
}

func (m *MemoryMixer) Volume() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.volume, nil
}

func (m *MemoryMixer) SetVolume(volume int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.volume = ClampVolume(volume)
	return nil
}
