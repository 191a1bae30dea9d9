package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chaz8081/hbutton-bridge/internal/ble/protocol"
)

// PumpState is the lifecycle stage of a Pump.
type PumpState int32

const (
	PumpCreated PumpState = iota
	PumpServicesDiscovered
	PumpHandshaking
	PumpStreaming
	PumpStopping
	PumpStopped
)

func (s PumpState) String() string {
	switch s {
	case PumpCreated:
		return "created"
	case PumpServicesDiscovered:
		return "services-discovered"
	case PumpHandshaking:
		return "handshaking"
	case PumpStreaming:
		return "streaming"
	case PumpStopping:
		return "stopping"
	case PumpStopped:
		return "stopped"
	default:
		return fmt.Sprintf("PumpState(%d)", int32(s))
	}
}

// PumpOptions configures the handshake and streaming behavior of a Pump.
type PumpOptions struct {
	ReadAttempts   int           // initial read attempts before falling back to a zero status
	ReadRetryDelay time.Duration // pause between initial read attempts, 0 for none
	Heartbeat      time.Duration // liveness log interval, 0 disables
	CommandBuffer  int           // pending Send/Stop commands
}

// DefaultPumpOptions returns the defaults used by the bridge.
func DefaultPumpOptions() PumpOptions {
	return PumpOptions{
		ReadAttempts:   100,
		ReadRetryDelay: 20 * time.Millisecond,
		Heartbeat:      time.Second,
		CommandBuffer:  16,
	}
}

func (o PumpOptions) withDefaults() PumpOptions {
	d := DefaultPumpOptions()
	if o.ReadAttempts <= 0 {
		o.ReadAttempts = d.ReadAttempts
	}
	if o.ReadRetryDelay < 0 {
		o.ReadRetryDelay = 0
	}
	if o.Heartbeat < 0 {
		o.Heartbeat = 0
	}
	if o.CommandBuffer <= 0 {
		o.CommandBuffer = d.CommandBuffer
	}
	return o
}

type command struct {
	stop    bool
	refresh bool // write cb.Indicator() instead of data
	data    []byte
}

// Pump owns one connected peripheral. It performs the handshake and then
// streams notifications through the session callbacks until stopped or the
// link drops.
type Pump struct {
	peripheral Peripheral
	cb         Callbacks
	opts       PumpOptions

	state    atomic.Int32
	started  atomic.Bool
	cmds     chan command
	done     chan struct{}
	doneOnce sync.Once
}

// NewPump binds a pump to a connected peripheral.
func NewPump(p Peripheral, cb Callbacks, opts PumpOptions) *Pump {
	opts = opts.withDefaults()
	return &Pump{
		peripheral: p,
		cb:         cb,
		opts:       opts,
		cmds:       make(chan command, opts.CommandBuffer),
		done:       make(chan struct{}),
	}
}

// ID returns the peripheral ID this pump is bound to.
func (p *Pump) ID() string { return p.peripheral.ID() }

// State returns the current lifecycle stage.
func (p *Pump) State() PumpState { return PumpState(p.state.Load()) }

// Done is closed once the pump has fully stopped.
func (p *Pump) Done() <-chan struct{} { return p.done }

// Wait blocks until the pump has fully stopped.
func (p *Pump) Wait() { <-p.done }

// Start runs the handshake and spawns the streaming goroutine. It returns
// once the pump is streaming or the handshake failed. A pump can only be
// started once.
func (p *Pump) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return errors.New("ble: pump already started")
	}
	id := p.peripheral.ID()

	if err := p.peripheral.DiscoverServices(ctx); err != nil {
		p.finish()
		return &TransportError{Op: "discover services", ID: id, Err: err}
	}
	if err := p.requireCharacteristics(); err != nil {
		p.finish()
		return err
	}
	p.state.Store(int32(PumpServicesDiscovered))

	p.state.Store(int32(PumpHandshaking))
	initial, err := p.readInitial(ctx)
	if err != nil {
		p.finish()
		return err
	}
	if p.cb.OnConnect != nil {
		if reply := p.cb.OnConnect(initial); len(reply) > 0 {
			p.write(ctx, reply, "handshake")
		}
	}

	if err := p.peripheral.Subscribe(ctx, NotifyCharUUID); err != nil {
		p.finish()
		return &TransportError{Op: "subscribe", ID: id, Err: err}
	}
	notes := p.peripheral.Notifications()
	p.state.Store(int32(PumpStreaming))
	slog.Info("[BLE] streaming", "id", id)

	go p.stream(context.WithoutCancel(ctx), notes)
	return nil
}

func (p *Pump) requireCharacteristics() error {
	var notify, write bool
	for _, uuid := range p.peripheral.Characteristics() {
		switch {
		case strings.EqualFold(uuid, NotifyCharUUID):
			notify = true
		case strings.EqualFold(uuid, WriteCharUUID):
			write = true
		}
	}
	switch {
	case !notify:
		return fmt.Errorf("%w: notify %s on %s", ErrCharacteristicMissing, NotifyCharUUID, p.peripheral.ID())
	case !write:
		return fmt.Errorf("%w: write %s on %s", ErrCharacteristicMissing, WriteCharUUID, p.peripheral.ID())
	}
	return nil
}

// readInitial returns the first valid HidStatus value read from the notify
// characteristic, or the encoding of a zero status once attempts run out.
// Only context cancellation is reported as an error.
func (p *Pump) readInitial(ctx context.Context) ([]byte, error) {
	id := p.peripheral.ID()
	var lastErr error
	for attempt := 1; attempt <= p.opts.ReadAttempts; attempt++ {
		data, err := p.peripheral.Read(ctx, NotifyCharUUID)
		if err == nil {
			if _, err = protocol.DecodeHidStatus(data); err == nil {
				slog.Debug("[BLE] initial status read", "id", id, "attempt", attempt)
				return data, nil
			}
		} else {
			err = &TransportError{Op: "read", ID: id, Err: err}
		}
		lastErr = err
		slog.Log(ctx, LevelTrace, "[BLE] initial read failed", "id", id, "attempt", attempt, "error", err)

		if attempt == p.opts.ReadAttempts {
			break
		}
		if err := sleepCtx(ctx, p.opts.ReadRetryDelay); err != nil {
			return nil, fmt.Errorf("ble: initial read %s: %w", id, err)
		}
	}

	slog.Warn("[BLE] initial read gave up, using default status",
		"id", id, "attempts", p.opts.ReadAttempts, "error", lastErr)
	data, err := protocol.EncodeHidStatus(protocol.HidStatus{})
	if err != nil {
		return nil, fmt.Errorf("ble: encode default status: %w", err)
	}
	return data, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (p *Pump) stream(ctx context.Context, notes <-chan Notification) {
	id := p.peripheral.ID()
	defer p.finish()
	defer func() {
		if err := p.peripheral.Unsubscribe(NotifyCharUUID); err != nil {
			slog.Debug("[BLE] unsubscribe failed", "id", id, "error", err)
		}
	}()

	var heartbeat <-chan time.Time
	if p.opts.Heartbeat > 0 {
		t := time.NewTicker(p.opts.Heartbeat)
		defer t.Stop()
		heartbeat = t.C
	}

	for {
		select {
		case n, ok := <-notes:
			if !ok {
				slog.Info("[BLE] notification stream closed", "id", id)
				p.state.Store(int32(PumpStopping))
				return
			}
			p.handleNotification(ctx, n)
		case <-heartbeat:
			slog.Log(ctx, LevelTrace, "[BLE] heartbeat", "id", id)
		case cmd := <-p.cmds:
			if cmd.stop {
				slog.Debug("[BLE] pump stopping", "id", id)
				p.state.Store(int32(PumpStopping))
				return
			}
			if cmd.refresh {
				p.refreshIndicator(ctx)
			} else {
				p.write(ctx, cmd.data, "command")
			}
		}
	}
}

func (p *Pump) handleNotification(ctx context.Context, n Notification) {
	id := p.peripheral.ID()
	if !strings.EqualFold(n.UUID, NotifyCharUUID) {
		slog.Log(ctx, LevelTrace, "[BLE] notification from other characteristic", "id", id, "uuid", n.UUID)
		return
	}
	msg, err := protocol.Decode(n.Value)
	if err != nil {
		slog.Warn("[BLE] dropping malformed notification", "id", id, "error", err)
		return
	}
	if msg.Kind != protocol.KindHidStatus {
		slog.Warn("[BLE] dropping unexpected message", "id", id, "kind", msg.Kind)
		return
	}
	if p.cb.OnNotification == nil {
		return
	}
	if reply := p.cb.OnNotification(n.Value); reply != nil {
		p.write(ctx, reply, "reply")
	}
}

func (p *Pump) refreshIndicator(ctx context.Context) {
	if p.cb.Indicator == nil {
		return
	}
	if data := p.cb.Indicator(); len(data) > 0 {
		p.write(ctx, data, "indicator")
	}
}

// write sends data to the write characteristic. Failures are logged only;
// the next notification gives the callbacks another chance to resync.
func (p *Pump) write(ctx context.Context, data []byte, what string) {
	if err := p.peripheral.Write(ctx, WriteCharUUID, data); err != nil {
		slog.Warn("[BLE] write failed", "id", p.peripheral.ID(), "what", what,
			"error", &TransportError{Op: "write", ID: p.peripheral.ID(), Err: err})
		return
	}
	slog.Debug("[BLE] wrote", "id", p.peripheral.ID(), "what", what, "data", string(data))
}

func (p *Pump) finish() {
	p.doneOnce.Do(func() {
		p.state.Store(int32(PumpStopped))
		close(p.done)
	})
}

// Stop asks the streaming goroutine to exit. It returns once the request is
// queued or the pump has already stopped; use Wait to join.
func (p *Pump) Stop() {
	if p.started.CompareAndSwap(false, true) {
		p.finish()
		return
	}
	select {
	case p.cmds <- command{stop: true}:
	case <-p.done:
	}
}

// Send queues data for the write characteristic. The streaming goroutine
// performs the write so it never interleaves with replies.
func (p *Pump) Send(data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	return p.enqueue(command{data: buf})
}

// SendIndicator queues an indicator refresh. The value comes from
// Callbacks.Indicator at write time, so a refresh queued behind a newer
// notification reply never rolls the LED back.
func (p *Pump) SendIndicator() error {
	return p.enqueue(command{refresh: true})
}

func (p *Pump) enqueue(cmd command) error {
	select {
	case <-p.done:
		return ErrNotConnected
	default:
	}
	if p.State() != PumpStreaming {
		return ErrNotConnected
	}
	select {
	case p.cmds <- cmd:
		return nil
	default:
		return ErrQueueFull
	}
}
