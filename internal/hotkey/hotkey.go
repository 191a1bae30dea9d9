// Package hotkey provides a global mute hotkey using gohook.
// It supports "toggle" mode (each press flips the microphone) and
// "hold" mode (push-to-talk: unmuted while held, muted on release).
package hotkey

import (
	"sync"

	hook "github.com/robotn/gohook"
)

// Action is what the hotkey asks the controller to do.
type Action int

const (
	// ActionToggle flips the microphone mute.
	ActionToggle Action = iota
	// ActionTalk unmutes while the combo is held.
	ActionTalk
	// ActionRelease mutes again when the combo is released.
	ActionRelease
)

func (a Action) String() string {
	switch a {
	case ActionToggle:
		return "toggle"
	case ActionTalk:
		return "talk"
	case ActionRelease:
		return "release"
	default:
		return "unknown"
	}
}

// Event is emitted on the channel returned by Events.
type Event struct {
	Action Action
}

// Listener manages a global hotkey and emits mute actions.
type Listener struct {
	keys []string
	mode string // "hold" or "toggle"
	ch   chan Event
	done chan struct{}
	once sync.Once

	mu   sync.Mutex
	held bool
}

// NewListener creates a Listener for the given key combo and mode.
// keys should be lowercase key names (e.g., ["ctrl", "alt", "m"]).
// mode must be "hold" or "toggle". In hold mode the first event is
// ActionRelease, so push-to-talk starts muted.
func NewListener(keys []string, mode string) *Listener {
	l := &Listener{
		keys: keys,
		mode: mode,
		ch:   make(chan Event, 16),
		done: make(chan struct{}),
	}
	if mode == "hold" {
		l.emit(ActionRelease)
	}
	return l
}

// Events returns the channel that receives hotkey events.
// The channel is closed when Start returns.
func (l *Listener) Events() <-chan Event {
	return l.ch
}

// Start begins listening for the global hotkey.
// This function blocks until Stop is called. Run it in a goroutine.
func (l *Listener) Start() {
	hook.Register(hook.KeyDown, l.keys, func(hook.Event) { l.keyDown() })
	if l.mode == "hold" {
		hook.Register(hook.KeyUp, l.keys, func(hook.Event) { l.keyUp() })
	}

	evChan := hook.Start()
	go func() {
		<-l.done
		hook.End()
	}()
	<-hook.Process(evChan)
	close(l.ch)
}

// keyDown handles a press. Auto-repeat while held is ignored in hold mode.
func (l *Listener) keyDown() {
	if l.mode != "hold" {
		l.emit(ActionToggle)
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return
	}
	l.held = true
	l.emit(ActionTalk)
}

func (l *Listener) keyUp() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return
	}
	l.held = false
	l.emit(ActionRelease)
}

func (l *Listener) emit(a Action) {
	select {
	case l.ch <- Event{Action: a}:
	default: // don't block the hook goroutine if nobody is reading
	}
}

// Stop terminates the hotkey listener.
// It is safe to call multiple times.
func (l *Listener) Stop() {
	l.once.Do(func() {
		close(l.done)
	})
}
