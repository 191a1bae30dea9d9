package controller

import (
	"context"
	"log/slog"
	"time"
)

// Sender refreshes the indicator on the connected device. The value is
// taken from Controller.Indicator when the write happens.
type Sender interface {
	SendIndicator() error
}

// Poller rereads the mixer on an interval so mute changes made outside the
// device (desktop, other apps) reach the tray and the LED.
type Poller struct {
	ctrl     *Controller
	sender   Sender
	interval time.Duration
}

// NewPoller returns a poller. An interval <= 0 disables Run.
func NewPoller(ctrl *Controller, sender Sender, interval time.Duration) *Poller {
	return &Poller{ctrl: ctrl, sender: sender, interval: interval}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	if p.interval <= 0 {
		return
	}
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.Poll()
		}
	}
}

// Poll checks the mixer once and reports whether the mute state changed.
func (p *Poller) Poll() bool {
	if _, changed := p.ctrl.SyncMicStatus(); !changed {
		return false
	}
	if err := p.sender.SendIndicator(); err != nil {
		slog.Debug("[CTRL] indicator resync not sent", "error", err)
	}
	return true
}
