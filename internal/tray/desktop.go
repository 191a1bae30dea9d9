package tray

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/chaz8081/hbutton-bridge/internal/audio"
)

const (
	notifyBusName = "org.freedesktop.Notifications"
	notifyPath    = "/org/freedesktop/Notifications"
	notifyMethod  = notifyBusName + ".Notify"

	iconMuted   = "microphone-sensitivity-muted"
	iconUnmuted = "microphone-sensitivity-high"
)

// caller is the subset of dbus.BusObject we use.
type caller interface {
	CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call
}

// DesktopNotifier shows mute changes as freedesktop notifications on the
// session bus. Each notification replaces the previous one. Bus calls run
// on a worker so a stalled notification daemon never blocks the caller;
// while a call is in flight only the newest status is kept.
type DesktopNotifier struct {
	conn        *dbus.Conn
	obj         caller
	appName     string
	timeout     time.Duration
	callTimeout time.Duration

	pending   chan audio.MicStatus
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	lastID uint32 // owned by run
}

// NewDesktopNotifier connects to the session bus.
func NewDesktopNotifier(appName string) (*DesktopNotifier, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("tray: connect to session bus: %w", err)
	}
	d := newDesktopNotifier(conn.Object(notifyBusName, notifyPath), appName, time.Second)
	d.conn = conn
	return d, nil
}

func newDesktopNotifier(obj caller, appName string, callTimeout time.Duration) *DesktopNotifier {
	ctx, cancel := context.WithCancel(context.Background())
	d := &DesktopNotifier{
		obj:         obj,
		appName:     appName,
		timeout:     2 * time.Second,
		callTimeout: callTimeout,
		pending:     make(chan audio.MicStatus, 1),
		ctx:         ctx,
		cancel:      cancel,
	}
	go d.run()
	return d
}

// MicStatusChanged queues status for display and returns immediately.
func (d *DesktopNotifier) MicStatusChanged(status audio.MicStatus) {
	if d.ctx.Err() != nil {
		return
	}
	for {
		select {
		case d.pending <- status:
			return
		default:
		}
		select {
		case <-d.pending:
		default:
		}
	}
}

func (d *DesktopNotifier) run() {
	for {
		select {
		case <-d.ctx.Done():
			return
		case status := <-d.pending:
			d.show(status)
		}
	}
}

func (d *DesktopNotifier) show(status audio.MicStatus) {
	summary, icon := "Microphone on", iconUnmuted
	if status == audio.MicMuted {
		summary, icon = "Microphone muted", iconMuted
	}
	hints := map[string]dbus.Variant{
		"urgency":   dbus.MakeVariant(byte(1)),
		"transient": dbus.MakeVariant(true),
	}

	ctx, cancel := context.WithTimeout(d.ctx, d.callTimeout)
	defer cancel()
	call := d.obj.CallWithContext(ctx, notifyMethod, 0,
		d.appName, d.lastID, icon, summary, "", []string{}, hints, int32(d.timeout.Milliseconds()))

	var id uint32
	if err := call.Store(&id); err != nil {
		slog.Warn("[TRAY] desktop notification failed", "error", err)
		return
	}
	d.lastID = id
}

// Close stops the worker and releases the bus connection.
func (d *DesktopNotifier) Close() error {
	d.closeOnce.Do(d.cancel)
	if d.conn == nil {
		return nil
	}
	return d.conn.Close()
}
