// Package tray surfaces microphone state changes to the desktop.
package tray

import (
	"log/slog"

	"github.com/chaz8081/hbutton-bridge/internal/audio"
)

// Notifier receives fire-and-forget UI updates. Implementations must not
// block; they are called from the session's callback path.
type Notifier interface {
	MicStatusChanged(status audio.MicStatus)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(audio.MicStatus)

func (f NotifierFunc) MicStatusChanged(status audio.MicStatus) { f(status) }

// Multi fans a change out to every notifier in order.
type Multi []Notifier

func (m Multi) MicStatusChanged(status audio.MicStatus) {
	for _, n := range m {
		if n != nil {
			n.MicStatusChanged(status)
		}
	}
}

// LogNotifier writes changes to the default logger. Used when running headless.
type LogNotifier struct{}

func (LogNotifier) MicStatusChanged(status audio.MicStatus) {
	slog.Info("[TRAY] microphone", "status", status)
}
