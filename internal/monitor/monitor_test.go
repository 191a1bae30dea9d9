package monitor

import (
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/chaz8081/hbutton-bridge/internal/audio"
	"github.com/chaz8081/hbutton-bridge/internal/ble"
	"github.com/chaz8081/hbutton-bridge/internal/ble/protocol"
	"github.com/chaz8081/hbutton-bridge/internal/controller"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)

func newTestModel(src Source) Model {
	m := NewModel(src, time.Second)
	m.now = func() time.Time { return fixedNow }
	return m
}

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	nm, ok := next.(Model)
	if !ok {
		t.Fatalf("Update returned %T, want Model", next)
	}
	return nm, cmd
}

func TestNewModelReadsSource(t *testing.T) {
	m := newTestModel(Source{
		Snapshot: func() controller.Snapshot { return controller.Snapshot{Volume: 100} },
		Session:  func() ble.SessionState { return ble.SessionState{Connected: true, ID: "AA"} },
	})
	if m.snap.Volume != 100 || !m.session.Connected {
		t.Errorf("initial state = %+v / %+v", m.snap, m.session)
	}
}

func TestTickRefreshes(t *testing.T) {
	volume := int64(0)
	m := newTestModel(Source{
		Snapshot: func() controller.Snapshot { return controller.Snapshot{Volume: volume} },
	})

	volume = audio.MaxVolume
	m, cmd := update(t, m, tickMsg(fixedNow))
	if m.snap.Volume != audio.MaxVolume {
		t.Errorf("Volume = %d after tick, want %d", m.snap.Volume, audio.MaxVolume)
	}
	if cmd == nil {
		t.Error("tick should schedule the next tick")
	}
}

func TestMicMsgLogsEvent(t *testing.T) {
	m := newTestModel(Source{})
	m, _ = update(t, m, micMsg(audio.MicMuted))

	if m.snap.Mic != audio.MicMuted {
		t.Errorf("Mic = %v, want muted", m.snap.Mic)
	}
	if len(m.events) != 1 || !strings.Contains(m.events[0], "microphone muted") {
		t.Errorf("events = %q", m.events)
	}
	if !strings.HasPrefix(m.events[0], "12:00:30") {
		t.Errorf("event %q should carry a timestamp", m.events[0])
	}
}

func TestSessionMsgEvents(t *testing.T) {
	m := newTestModel(Source{})

	m, _ = update(t, m, sessionMsg(ble.SessionState{Connected: true, ID: "AA", Name: "H-Button"}))
	m, _ = update(t, m, sessionMsg(ble.SessionState{}))
	// A second disconnect with no session is not news.
	m, _ = update(t, m, sessionMsg(ble.SessionState{}))

	if len(m.events) != 2 {
		t.Fatalf("events = %q, want 2", m.events)
	}
	if !strings.Contains(m.events[0], "connected to H-Button (AA)") {
		t.Errorf("events[0] = %q", m.events[0])
	}
	if !strings.Contains(m.events[1], "disconnected from H-Button (AA)") {
		t.Errorf("events[1] = %q", m.events[1])
	}
}

func TestEventsAreBounded(t *testing.T) {
	m := newTestModel(Source{})
	for i := 0; i < maxEvents+3; i++ {
		m, _ = update(t, m, micMsg(audio.MicStatus(i%2)))
	}
	if len(m.events) != maxEvents {
		t.Errorf("events = %d, want %d", len(m.events), maxEvents)
	}
}

func TestQuitKeys(t *testing.T) {
	for _, key := range []tea.KeyMsg{
		{Type: tea.KeyRunes, Runes: []rune("q")},
		{Type: tea.KeyEsc},
		{Type: tea.KeyCtrlC},
	} {
		t.Run(key.String(), func(t *testing.T) {
			_, cmd := update(t, newTestModel(Source{}), key)
			if cmd == nil {
				t.Fatal("expected quit command")
			}
			if _, ok := cmd().(tea.QuitMsg); !ok {
				t.Errorf("cmd() = %T, want tea.QuitMsg", cmd())
			}
		})
	}
}

func TestToggleKeyRunsOffLoop(t *testing.T) {
	toggled := 0
	m := newTestModel(Source{Toggle: func() { toggled++ }})

	_, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("m")})
	if toggled != 0 {
		t.Fatal("toggle should not run inside Update")
	}
	if cmd == nil {
		t.Fatal("expected a toggle command")
	}
	if msg := cmd(); msg != nil {
		t.Errorf("cmd() = %v, want nil", msg)
	}
	if toggled != 1 {
		t.Errorf("toggled = %d, want 1", toggled)
	}
}

func TestToggleKeyWithoutHandler(t *testing.T) {
	_, cmd := update(t, newTestModel(Source{}), tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("m")})
	if cmd != nil {
		t.Error("no command expected without a toggle handler")
	}
}

func TestViewDisconnected(t *testing.T) {
	view := newTestModel(Source{}).View()
	for _, want := range []string{"H-Button bridge", "scanning", "unmuted", "0%", "q quit"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
}

func TestViewConnected(t *testing.T) {
	m := newTestModel(Source{
		Session: func() ble.SessionState {
			return ble.SessionState{Connected: true, ID: "AA", Name: "H-Button", Since: fixedNow.Add(-90 * time.Second)}
		},
		Snapshot: func() controller.Snapshot {
			return controller.Snapshot{
				Status: protocol.HidStatus{EncoderPosition: -12, MicMuteButtonPressCount: 3, LedStatus: protocol.LedOn},
				Mic:    audio.MicMuted,
				Volume: audio.MaxVolume / 2,
			}
		},
	})

	view := m.View()
	for _, want := range []string{"connected", "H-Button (AA)", "1m30s", "muted", "50%", "-12", "On"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
}

func TestVolumeBarClamps(t *testing.T) {
	th := newTheme()
	if bar := volumeBar(th, audio.MaxVolume*2, 10); !strings.Contains(bar, "100%") {
		t.Errorf("bar = %q, want 100%%", bar)
	}
	if bar := volumeBar(th, -5, 10); !strings.Contains(bar, "  0%") {
		t.Errorf("bar = %q, want 0%%", bar)
	}
}
