package audio

import "testing"

func TestMemoryMixer(t *testing.T) {
	m := NewMemoryMixer(MaxVolume+10, MicUnmuted)
	if v, _ := m.Volume(); v != MaxVolume {
		t.Errorf("Volume() = %d, want clamped %d", v, MaxVolume)
	}
	if err := m.SetVolume(-5); err != nil {
		t.Fatalf("SetVolume() error = %v", err)
	}
	if v, _ := m.Volume(); v != 0 {
		t.Errorf("Volume() = %d, want 0", v)
	}
	if err := m.SetMicrophoneMuted(true); err != nil {
		t.Fatalf("SetMicrophoneMuted() error = %v", err)
	}
	if st, _ := m.MicrophoneStatus(); st != MicMuted {
		t.Errorf("MicrophoneStatus() = %v, want muted", st)
	}
}

func TestNewMixer(t *testing.T) {
	tests := []struct {
		backend string
		wantErr bool
	}{
		{"alsa", false},
		{"", false},
		{"null", false},
		{"pulse", true},
	}
	for _, tt := range tests {
		m, err := NewMixer(MixerOptions{Backend: tt.backend})
		if (err != nil) != tt.wantErr {
			t.Errorf("NewMixer(%q) error = %v, wantErr %v", tt.backend, err, tt.wantErr)
		}
		if err == nil && m == nil {
			t.Errorf("NewMixer(%q) returned nil mixer", tt.backend)
		}
	}
}

func TestClampVolume(t *testing.T) {
	for in, want := range map[int64]int64{-1: 0, 0: 0, 100: 100, MaxVolume: MaxVolume, MaxVolume + 1: MaxVolume} {
		if got := ClampVolume(in); got != want {
			t.Errorf("ClampVolume(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestMicStatusString(t *testing.T) {
	if MicMuted.String() != "muted" || MicUnmuted.String() != "unmuted" {
		t.Errorf("MicStatus strings = %q/%q", MicMuted, MicUnmuted)
	}
}
