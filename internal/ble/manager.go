package ble

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ManagerOptions configures the session manager.
type ManagerOptions struct {
	NameFilter     string        // substring of the advertised name, case-sensitive
	ConnectTimeout time.Duration // per connect attempt
	Pump           PumpOptions

	// A device whose session fails to start is not reconnected before
	// RetryBase, doubling per consecutive failure up to RetryMax.
	RetryBase time.Duration
	RetryMax  time.Duration

	// OnSessionChange is called from the Run goroutine whenever a session
	// starts or ends. It must not block.
	OnSessionChange func(SessionState)
}

// DefaultManagerOptions returns sensible defaults.
func DefaultManagerOptions() ManagerOptions {
	return ManagerOptions{
		NameFilter:     DefaultNameFilter,
		ConnectTimeout: 10 * time.Second,
		Pump:           DefaultPumpOptions(),
		RetryBase:      time.Second,
		RetryMax:       30 * time.Second,
	}
}

// SessionState describes the active session, if any.
type SessionState struct {
	Connected bool
	ID        string
	Name      string
	Since     time.Time
}

// Manager owns the adapter and at most one live Pump. It connects to the
// first matching device, streams it, and reconnects after disconnects.
type Manager struct {
	adapter Adapter
	opts    ManagerOptions

	// mu guards the session slot only; it is never held across transport calls.
	mu         sync.Mutex
	pump       *Pump
	peripheral Peripheral
	state      SessionState

	// Owned by the Run goroutine.
	failures    map[string]int
	nextAttempt map[string]time.Time
	retryTimers map[string]retryTimer
	retry       chan string
}

type retryTimer struct {
	timer *time.Timer
	at    time.Time
}

// NewManager creates a session manager for adapter.
func NewManager(adapter Adapter, opts ManagerOptions) *Manager {
	if opts.NameFilter == "" {
		opts.NameFilter = DefaultNameFilter
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = time.Second
	}
	if opts.RetryMax < opts.RetryBase {
		opts.RetryMax = 30 * opts.RetryBase
	}
	opts.Pump = opts.Pump.withDefaults()
	return &Manager{
		adapter:     adapter,
		opts:        opts,
		failures:    make(map[string]int),
		nextAttempt: make(map[string]time.Time),
		retryTimers: make(map[string]retryTimer),
		retry:       make(chan string, 8),
	}
}

// Run enables the adapter, starts scanning and processes central events
// until ctx is cancelled or the event stream closes. On return no pump is
// running.
func (m *Manager) Run(ctx context.Context, cb Callbacks) error {
	if err := m.adapter.Enable(); err != nil {
		return &TransportError{Op: "enable adapter", Err: err}
	}
	events, err := m.adapter.Events()
	if err != nil {
		return &TransportError{Op: "subscribe events", Err: err}
	}
	if err := m.adapter.StartScan(); err != nil {
		return &TransportError{Op: "start scan", Err: err}
	}
	slog.Info("[BLE] scanning", "filter", m.opts.NameFilter)

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				slog.Warn("[BLE] adapter event stream closed")
				m.shutdown()
				return nil
			}
			m.handle(ctx, ev, cb)
		case id := <-m.retry:
			delete(m.retryTimers, id)
			if p, ok := m.matching(Event{Type: EventDeviceDiscovered, ID: id}); ok {
				m.connect(ctx, p)
			}
		}
	}
}

func (m *Manager) handle(ctx context.Context, ev Event, cb Callbacks) {
	switch ev.Type {
	case EventDeviceDiscovered:
		if p, ok := m.matching(ev); ok {
			m.connect(ctx, p)
		}
	case EventDeviceConnected:
		if p, ok := m.matching(ev); ok {
			m.startSession(ctx, p, cb)
		}
	case EventDeviceDisconnected:
		if p, ok := m.matching(ev); ok {
			slog.Info("[BLE] disconnected", "id", p.ID(), "name", p.Name())
			m.endSession(p.ID())
			m.connect(ctx, p)
		}
	default:
		slog.Log(ctx, LevelTrace, "[BLE] event", "type", ev.Type, "id", ev.ID)
	}
}

// matching resolves the event's peripheral and applies the name filter.
func (m *Manager) matching(ev Event) (Peripheral, bool) {
	p, err := m.adapter.Peripheral(ev.ID)
	if err != nil {
		slog.Debug("[BLE] unknown peripheral", "type", ev.Type, "id", ev.ID, "error", err)
		return nil, false
	}
	if !matchesName(p.Name(), m.opts.NameFilter) {
		slog.Log(context.Background(), LevelTrace, "[BLE] ignoring device",
			"type", ev.Type, "id", ev.ID, "name", p.Name())
		return nil, false
	}
	return p, true
}

func matchesName(name, filter string) bool {
	return name != "" && strings.Contains(name, filter)
}

// connect issues a connect request unless p is already connected or another
// device owns the session. Failures are left to the next discovery cycle.
func (m *Manager) connect(ctx context.Context, p Peripheral) {
	if p.IsConnected() {
		slog.Log(ctx, LevelTrace, "[BLE] already connected", "id", p.ID())
		return
	}
	m.mu.Lock()
	busy := m.peripheral != nil && m.peripheral.ID() != p.ID()
	m.mu.Unlock()
	if busy {
		slog.Debug("[BLE] session busy, not connecting", "id", p.ID())
		return
	}
	if wait := time.Until(m.nextAttempt[p.ID()]); wait > 0 {
		m.scheduleRetry(p.ID(), wait)
		return
	}

	cctx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()
	slog.Info("[BLE] connecting", "id", p.ID(), "name", p.Name())
	if err := p.Connect(cctx); err != nil {
		slog.Warn("[BLE] connect failed", "error", &TransportError{Op: "connect", ID: p.ID(), Err: err})
	}
}

func (m *Manager) startSession(ctx context.Context, p Peripheral, cb Callbacks) {
	m.mu.Lock()
	cur, owner := m.pump, m.peripheral
	m.mu.Unlock()

	if cur != nil {
		if owner.ID() != p.ID() {
			slog.Warn("[BLE] second device connected, disconnecting it",
				"id", p.ID(), "active", owner.ID())
			if err := p.Disconnect(); err != nil {
				slog.Debug("[BLE] disconnect failed", "id", p.ID(), "error", err)
			}
			return
		}
		select {
		case <-cur.Done():
			// The previous link died without a disconnect event.
			m.endSession(p.ID())
		default:
			slog.Debug("[BLE] session already active", "id", p.ID())
			return
		}
	}

	pump := NewPump(p, cb, m.opts.Pump)
	if err := pump.Start(ctx); err != nil {
		m.failures[p.ID()]++
		delay := backoffDelay(m.failures[p.ID()]-1, m.opts.RetryBase, m.opts.RetryMax)
		m.nextAttempt[p.ID()] = time.Now().Add(delay)
		slog.Error("[BLE] session start failed", "id", p.ID(), "error", err,
			"failures", m.failures[p.ID()], "retry_in", delay)
		if err := p.Disconnect(); err != nil {
			slog.Debug("[BLE] disconnect failed", "id", p.ID(), "error", err)
		}
		return
	}

	delete(m.failures, p.ID())
	delete(m.nextAttempt, p.ID())

	st := SessionState{Connected: true, ID: p.ID(), Name: p.Name(), Since: time.Now()}
	m.mu.Lock()
	m.pump = pump
	m.peripheral = p
	m.state = st
	m.mu.Unlock()

	slog.Info("[BLE] session started", "id", p.ID(), "name", p.Name())
	m.notify(st)
}

// endSession stops and joins the pump for id, if it owns the session.
func (m *Manager) endSession(id string) {
	m.mu.Lock()
	pump := m.pump
	if pump == nil || m.peripheral.ID() != id {
		m.mu.Unlock()
		return
	}
	m.pump = nil
	m.peripheral = nil
	m.state = SessionState{}
	m.mu.Unlock()

	pump.Stop()
	pump.Wait()
	slog.Info("[BLE] session ended", "id", id)
	m.notify(SessionState{})
}

// scheduleRetry posts id back to the event loop after wait, once per id.
func (m *Manager) scheduleRetry(id string, wait time.Duration) {
	now := time.Now()
	if t, ok := m.retryTimers[id]; ok && now.Before(t.at) {
		return
	}
	slog.Info("[BLE] reconnect backoff", "id", id, "delay", wait.Round(time.Millisecond))
	timer := time.AfterFunc(wait, func() {
		select {
		case m.retry <- id:
		default:
			// Dropped; the entry expires and the next event reschedules.
		}
	})
	m.retryTimers[id] = retryTimer{timer: timer, at: now.Add(wait)}
}

// backoffDelay returns the delay after the given zero-based failure,
// doubling from base and capped at max.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		return max
	}
	delay := base << uint(attempt)
	if delay <= 0 || delay > max {
		return max
	}
	return delay
}

func (m *Manager) shutdown() {
	for id, t := range m.retryTimers {
		t.timer.Stop()
		delete(m.retryTimers, id)
	}
	m.mu.Lock()
	p := m.peripheral
	m.mu.Unlock()

	if p != nil {
		m.endSession(p.ID())
		if err := p.Disconnect(); err != nil {
			slog.Debug("[BLE] disconnect failed", "id", p.ID(), "error", err)
		}
	}
	if err := m.adapter.StopScan(); err != nil {
		slog.Debug("[BLE] stop scan failed", "error", err)
	}
}

func (m *Manager) notify(st SessionState) {
	if m.opts.OnSessionChange != nil {
		m.opts.OnSessionChange(st)
	}
}

// Send writes data to the active device through its pump.
// Safe for concurrent use.
func (m *Manager) Send(data []byte) error {
	m.mu.Lock()
	pump := m.pump
	m.mu.Unlock()
	if pump == nil {
		return ErrNotConnected
	}
	return pump.Send(data)
}

// SendIndicator queues an indicator refresh on the active session.
func (m *Manager) SendIndicator() error {
	m.mu.Lock()
	pump := m.pump
	m.mu.Unlock()
	if pump == nil {
		return ErrNotConnected
	}
	return pump.SendIndicator()
}

// State returns a snapshot of the current session.
func (m *Manager) State() SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}
