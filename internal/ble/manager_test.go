package ble

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chaz8081/hbutton-bridge/internal/ble/protocol"
)

// runManager starts m.Run in the background and returns a cancel func that
// stops it and reports Run's error.
func runManager(t *testing.T, m *Manager, cb Callbacks) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(ctx, cb) }()

	var once sync.Once
	var runErr error
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case runErr = <-errCh:
			case <-time.After(2 * time.Second):
				t.Fatal("Run did not return after cancel")
			}
		})
		return runErr
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

// drain waits until the manager has processed every event sent so far.
func drain(t *testing.T, a *mockAdapter) {
	t.Helper()
	const sentinel = "sentinel"
	before := a.lookupCount(sentinel)
	a.events <- Event{Type: EventDeviceDiscovered, ID: sentinel}
	waitFor(t, "event loop to drain", func() bool { return a.lookupCount(sentinel) > before })
}

func testManagerOptions() ManagerOptions {
	opts := DefaultManagerOptions()
	opts.Pump = testPumpOptions()
	return opts
}

func activePump(m *Manager) *Pump {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pump
}

func hbutton(t *testing.T, id string) *mockPeripheral {
	t.Helper()
	p := newMockPeripheral(id, "H-Button "+id)
	p.reads = []readResult{{data: mustEncodeStatus(t, protocol.HidStatus{})}}
	return p
}

func ackCallbacks(handshakes, notifications *atomic.Int32) Callbacks {
	return Callbacks{
		OnConnect: func([]byte) []byte {
			handshakes.Add(1)
			return []byte("ack")
		},
		OnNotification: func([]byte) []byte {
			notifications.Add(1)
			return nil
		},
	}
}

func TestMatchesName(t *testing.T) {
	tests := []struct {
		name, filter string
		want         bool
	}{
		{"H-Button", "H-Button", true},
		{"H-Button 2", "H-Button", true},
		{"My H-Button", "H-Button", true},
		{"h-button", "H-Button", false},
		{"Speaker", "H-Button", false},
		{"", "H-Button", false},
		{"", "", false},
	}
	for _, tt := range tests {
		if got := matchesName(tt.name, tt.filter); got != tt.want {
			t.Errorf("matchesName(%q, %q) = %v, want %v", tt.name, tt.filter, got, tt.want)
		}
	}
}

func TestManagerReconnectScenario(t *testing.T) {
	x := hbutton(t, "X")
	a := newMockAdapter(x)

	var sessions []SessionState
	var smu sync.Mutex
	opts := testManagerOptions()
	opts.OnSessionChange = func(st SessionState) {
		smu.Lock()
		sessions = append(sessions, st)
		smu.Unlock()
	}
	m := NewManager(a, opts)

	var handshakes, notifications atomic.Int32
	runManager(t, m, ackCallbacks(&handshakes, &notifications))

	a.events <- Event{Type: EventDeviceDiscovered, ID: "X"}
	waitFor(t, "first session", func() bool { return m.State().Connected })
	first := activePump(m)

	x.notify(mustEncodeStatus(t, protocol.HidStatus{EncoderPosition: 3}))
	waitFor(t, "notification", func() bool { return notifications.Load() == 1 })

	x.simulateDisconnect()
	waitFor(t, "reconnect attempt", func() bool {
		connects, _, _ := x.counts()
		return connects == 2
	})
	select {
	case <-first.Done():
	default:
		t.Fatal("first pump should be stopped before reconnecting")
	}

	waitFor(t, "second session", func() bool {
		p := activePump(m)
		return p != nil && p != first
	})
	drain(t, a)

	if got := handshakes.Load(); got != 2 {
		t.Errorf("handshakes = %d, want exactly 2", got)
	}
	smu.Lock()
	defer smu.Unlock()
	var opened, closed int
	for _, st := range sessions {
		if st.Connected {
			opened++
			if st.ID != "X" || st.Name != "H-Button X" {
				t.Errorf("session state = %+v", st)
			}
		} else {
			closed++
		}
	}
	if opened != 2 || closed != 1 {
		t.Errorf("session changes opened=%d closed=%d, want 2 and 1", opened, closed)
	}
}

func TestManagerIgnoresDuplicateConnected(t *testing.T) {
	x := hbutton(t, "X")
	a := newMockAdapter(x)
	m := NewManager(a, testManagerOptions())
	var handshakes, notifications atomic.Int32
	runManager(t, m, ackCallbacks(&handshakes, &notifications))

	a.events <- Event{Type: EventDeviceDiscovered, ID: "X"}
	waitFor(t, "session", func() bool { return m.State().Connected })
	first := activePump(m)

	a.events <- Event{Type: EventDeviceConnected, ID: "X"}
	a.events <- Event{Type: EventDeviceDiscovered, ID: "X"}
	drain(t, a)

	if activePump(m) != first {
		t.Error("duplicate connected event replaced the pump")
	}
	if got := handshakes.Load(); got != 1 {
		t.Errorf("handshakes = %d, want 1", got)
	}
	if connects, _, _ := x.counts(); connects != 1 {
		t.Errorf("connects = %d, want 1", connects)
	}
}

func TestManagerReplacesDeadPumpOnConnected(t *testing.T) {
	x := hbutton(t, "X")
	a := newMockAdapter(x)
	m := NewManager(a, testManagerOptions())
	var handshakes, notifications atomic.Int32
	runManager(t, m, ackCallbacks(&handshakes, &notifications))

	a.events <- Event{Type: EventDeviceDiscovered, ID: "X"}
	waitFor(t, "session", func() bool { return m.State().Connected })
	first := activePump(m)

	// Link drops without a disconnected event, then the device comes back.
	x.mu.Lock()
	x.dropLink()
	x.mu.Unlock()
	first.Wait()
	if err := x.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	waitFor(t, "replacement pump", func() bool {
		p := activePump(m)
		return p != nil && p != first
	})
	if got := handshakes.Load(); got != 2 {
		t.Errorf("handshakes = %d, want 2", got)
	}
}

func TestManagerFiltersByName(t *testing.T) {
	speaker := newMockPeripheral("S", "Speaker")
	anon := newMockPeripheral("N", "")
	lower := newMockPeripheral("L", "h-button")
	a := newMockAdapter(speaker, anon, lower)
	m := NewManager(a, testManagerOptions())
	var handshakes, notifications atomic.Int32
	runManager(t, m, ackCallbacks(&handshakes, &notifications))

	for _, id := range []string{"S", "N", "L"} {
		a.events <- Event{Type: EventDeviceDiscovered, ID: id}
		a.events <- Event{Type: EventDeviceConnected, ID: id}
	}
	a.events <- Event{Type: EventDeviceDiscovered, ID: "unknown"}
	drain(t, a)

	for _, p := range []*mockPeripheral{speaker, anon, lower} {
		if ops := p.opsSnapshot(); len(ops) != 0 {
			t.Errorf("device %q saw ops %v, want none", p.name, ops)
		}
	}
	if m.State().Connected {
		t.Error("no session should start for non-matching devices")
	}
}

func TestManagerStartFailureDisconnects(t *testing.T) {
	x := hbutton(t, "X")
	x.chars = []string{NotifyCharUUID}
	a := newMockAdapter(x)
	m := NewManager(a, testManagerOptions())
	var handshakes, notifications atomic.Int32
	runManager(t, m, ackCallbacks(&handshakes, &notifications))

	a.events <- Event{Type: EventDeviceDiscovered, ID: "X"}
	waitFor(t, "disconnect after failed start", func() bool {
		_, disconnects, _ := x.counts()
		return disconnects == 1
	})
	drain(t, a)

	if m.State().Connected {
		t.Error("session should not be active after a failed start")
	}
	if handshakes.Load() != 0 {
		t.Error("OnConnect should not run when characteristics are missing")
	}
}

func TestManagerStartFailureBacksOff(t *testing.T) {
	x := hbutton(t, "X")
	x.chars = []string{NotifyCharUUID}
	a := newMockAdapter(x)
	opts := testManagerOptions()
	opts.RetryBase = 250 * time.Millisecond
	opts.RetryMax = 5 * time.Second
	m := NewManager(a, opts)
	var handshakes, notifications atomic.Int32
	stop := runManager(t, m, ackCallbacks(&handshakes, &notifications))

	a.events <- Event{Type: EventDeviceDiscovered, ID: "X"}
	waitFor(t, "disconnect after failed start", func() bool {
		_, disconnects, _ := x.counts()
		return disconnects == 1
	})

	// Link drops while backing off do not reconnect.
	for i := 0; i < 20; i++ {
		x.simulateDisconnect()
	}
	a.events <- Event{Type: EventDeviceDiscovered, ID: "X"}
	drain(t, a)
	if connects, _, _ := x.counts(); connects != 1 {
		t.Fatalf("connect attempts during backoff = %d, want 1", connects)
	}

	// The deferred attempt runs without another radio event.
	waitFor(t, "retry after backoff", func() bool {
		connects, disconnects, _ := x.counts()
		return connects == 2 && disconnects == 2
	})

	x.mu.Lock()
	x.chars = []string{NotifyCharUUID, WriteCharUUID}
	x.mu.Unlock()
	x.simulateDisconnect()
	waitFor(t, "session after recovery", func() bool { return m.State().Connected })

	if err := stop(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if n := m.failures["X"]; n != 0 {
		t.Errorf("failures after a good start = %d, want 0", n)
	}
	if len(m.retryTimers) != 0 {
		t.Errorf("retry timers left after shutdown = %d", len(m.retryTimers))
	}
}

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second}, // capped
		{10, 30 * time.Second},
		{100, 30 * time.Second},
		{-1, time.Second},
	}
	for _, tt := range tests {
		got := backoffDelay(tt.attempt, time.Second, 30*time.Second)
		if got != tt.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}

	// Shifts past the width of Duration must not wrap to zero.
	if got := backoffDelay(40, time.Hour, 2*time.Hour); got != 2*time.Hour {
		t.Errorf("backoffDelay(40, 1h, 2h) = %v, want 2h", got)
	}
}

func TestManagerConnectFailureNotRetried(t *testing.T) {
	x := hbutton(t, "X")
	x.connectErr = errors.New("page timeout")
	a := newMockAdapter(x)
	m := NewManager(a, testManagerOptions())
	var handshakes, notifications atomic.Int32
	runManager(t, m, ackCallbacks(&handshakes, &notifications))

	a.events <- Event{Type: EventDeviceDiscovered, ID: "X"}
	a.events <- Event{Type: EventDeviceUpdated, ID: "X"}
	drain(t, a)

	if connects, _, _ := x.counts(); connects != 1 {
		t.Errorf("connect attempts = %d, want 1", connects)
	}

	// The next discovery cycle tries again.
	a.events <- Event{Type: EventDeviceDiscovered, ID: "X"}
	drain(t, a)
	if connects, _, _ := x.counts(); connects != 2 {
		t.Errorf("connect attempts = %d, want 2", connects)
	}
}

func TestManagerSkipsConnectWhenConnected(t *testing.T) {
	x := hbutton(t, "X")
	x.connected = true
	a := newMockAdapter(x)
	m := NewManager(a, testManagerOptions())
	var handshakes, notifications atomic.Int32
	runManager(t, m, ackCallbacks(&handshakes, &notifications))

	a.events <- Event{Type: EventDeviceDiscovered, ID: "X"}
	drain(t, a)

	if connects, _, _ := x.counts(); connects != 0 {
		t.Errorf("connect attempts = %d, want 0", connects)
	}
}

func TestManagerIgnoresSecondDevice(t *testing.T) {
	x := hbutton(t, "X")
	y := hbutton(t, "Y")
	a := newMockAdapter(x, y)
	m := NewManager(a, testManagerOptions())
	var handshakes, notifications atomic.Int32
	runManager(t, m, ackCallbacks(&handshakes, &notifications))

	a.events <- Event{Type: EventDeviceDiscovered, ID: "X"}
	waitFor(t, "session", func() bool { return m.State().Connected })

	a.events <- Event{Type: EventDeviceDiscovered, ID: "Y"}
	drain(t, a)
	if connects, _, _ := y.counts(); connects != 0 {
		t.Errorf("second device connects = %d, want 0", connects)
	}

	y.mu.Lock()
	y.connected = true
	y.mu.Unlock()
	a.events <- Event{Type: EventDeviceConnected, ID: "Y"}
	drain(t, a)
	if _, disconnects, _ := y.counts(); disconnects != 1 {
		t.Errorf("second device disconnects = %d, want 1", disconnects)
	}
	if st := m.State(); st.ID != "X" {
		t.Errorf("active session = %q, want X", st.ID)
	}
	if got := handshakes.Load(); got != 1 {
		t.Errorf("handshakes = %d, want 1", got)
	}
}

func TestManagerDisconnectOfOtherDeviceKeepsSession(t *testing.T) {
	x := hbutton(t, "X")
	y := hbutton(t, "Y")
	a := newMockAdapter(x, y)
	m := NewManager(a, testManagerOptions())
	var handshakes, notifications atomic.Int32
	runManager(t, m, ackCallbacks(&handshakes, &notifications))

	a.events <- Event{Type: EventDeviceDiscovered, ID: "X"}
	waitFor(t, "session", func() bool { return m.State().Connected })
	pump := activePump(m)

	a.events <- Event{Type: EventDeviceDisconnected, ID: "Y"}
	drain(t, a)

	if activePump(m) != pump {
		t.Error("disconnect of another device ended the session")
	}
	if connects, _, _ := y.counts(); connects != 0 {
		t.Errorf("Y connects = %d, want 0 while X owns the session", connects)
	}
}

func TestManagerCancelTearsDown(t *testing.T) {
	x := hbutton(t, "X")
	a := newMockAdapter(x)
	m := NewManager(a, testManagerOptions())
	var handshakes, notifications atomic.Int32
	stop := runManager(t, m, ackCallbacks(&handshakes, &notifications))

	a.events <- Event{Type: EventDeviceDiscovered, ID: "X"}
	waitFor(t, "session", func() bool { return m.State().Connected })
	pump := activePump(m)

	if err := stop(); !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
	select {
	case <-pump.Done():
	default:
		t.Error("pump should be joined when Run returns")
	}
	if _, disconnects, _ := x.counts(); disconnects != 1 {
		t.Errorf("disconnects = %d, want 1", disconnects)
	}
	if a.stopScanCount() != 1 {
		t.Errorf("StopScan calls = %d, want 1", a.stopScanCount())
	}
	if m.State().Connected {
		t.Error("State() should be disconnected after Run returns")
	}
}

func TestManagerEventStreamClosed(t *testing.T) {
	a := newMockAdapter()
	m := NewManager(a, testManagerOptions())
	close(a.events)
	if err := m.Run(context.Background(), Callbacks{}); err != nil {
		t.Errorf("Run() error = %v, want nil", err)
	}
}

func TestManagerRunAdapterErrors(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(a *mockAdapter)
		wantOp string
	}{
		{"enable", func(a *mockAdapter) { a.enableErr = errors.New("powered off") }, "enable adapter"},
		{"scan", func(a *mockAdapter) { a.scanErr = errors.New("busy") }, "start scan"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newMockAdapter()
			tt.setup(a)
			err := NewManager(a, testManagerOptions()).Run(context.Background(), Callbacks{})
			var te *TransportError
			if !errors.As(err, &te) || te.Op != tt.wantOp {
				t.Fatalf("Run() error = %v, want %s TransportError", err, tt.wantOp)
			}
			if !strings.Contains(err.Error(), tt.wantOp) {
				t.Errorf("error text %q missing op", err)
			}
		})
	}
}

func TestManagerSend(t *testing.T) {
	x := hbutton(t, "X")
	a := newMockAdapter(x)
	m := NewManager(a, testManagerOptions())

	if err := m.Send([]byte("led")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() without session error = %v, want ErrNotConnected", err)
	}
	if err := m.SendIndicator(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendIndicator() without session error = %v, want ErrNotConnected", err)
	}

	var handshakes, notifications atomic.Int32
	runManager(t, m, ackCallbacks(&handshakes, &notifications))
	a.events <- Event{Type: EventDeviceDiscovered, ID: "X"}
	waitFor(t, "session", func() bool { return m.State().Connected })

	if err := m.Send([]byte("led")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	waitFor(t, "write", func() bool {
		w := x.writesSnapshot()
		return len(w) == 2 && w[1] == "led"
	})
}

func TestNewManagerDefaults(t *testing.T) {
	m := NewManager(newMockAdapter(), ManagerOptions{})
	if m.opts.NameFilter != DefaultNameFilter {
		t.Errorf("NameFilter = %q, want %q", m.opts.NameFilter, DefaultNameFilter)
	}
	if m.opts.ConnectTimeout != 10*time.Second {
		t.Errorf("ConnectTimeout = %v, want 10s", m.opts.ConnectTimeout)
	}
	if m.opts.Pump.ReadAttempts != 100 {
		t.Errorf("Pump.ReadAttempts = %d, want 100", m.opts.Pump.ReadAttempts)
	}
	if m.opts.RetryBase != time.Second || m.opts.RetryMax != 30*time.Second {
		t.Errorf("retry = %v..%v, want 1s..30s", m.opts.RetryBase, m.opts.RetryMax)
	}
}
