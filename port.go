// Package uartd implements a software UART port: an interrupt-driven
// request engine (Read/Write/Wait/Purge/Flush/ImmediateChar/XoffCounter)
// layered over a simulated 8250/16550, plus the control-plane surface
// (line format, baud, handshake, modem lines, break, statistics) a real
// serial driver exposes alongside it.
//
// Mirrors go-ublk's top-level Device: one constructor wires every
// collaborator package together in dependency order and hands back one
// handle the caller drives through named operations, with a process-wide
// registry keyed by name instead of device minor number.
package uartd

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/daedaluz/go-uartd/internal/constants"
	"github.com/daedaluz/go-uartd/internal/ctrl"
	"github.com/daedaluz/go-uartd/internal/engine"
	"github.com/daedaluz/go-uartd/internal/flow"
	"github.com/daedaluz/go-uartd/internal/interfaces"
	"github.com/daedaluz/go-uartd/internal/isr"
	"github.com/daedaluz/go-uartd/internal/logging"
	"github.com/daedaluz/go-uartd/internal/reqqueue"
	"github.com/daedaluz/go-uartd/internal/ring"
	"github.com/daedaluz/go-uartd/internal/timers"
	"github.com/daedaluz/go-uartd/internal/uapi"
	"github.com/daedaluz/go-uartd/internal/uart"
	"github.com/daedaluz/go-uartd/internal/wait"
)

// fanoutObserver forwards every Observer event to both the port's
// control-plane counters and its ambient Metrics, so engine.Config
// takes exactly one interfaces.Observer while two independent
// consumers each get every event. ctl is filled in after the
// ctrl.Controller is constructed, since engine.New (which needs an
// Observer) must run before isr.New (which ctrl.Controller needs).
type fanoutObserver struct {
	ctl     *ctrl.Controller
	metrics *Metrics
}

func (f *fanoutObserver) ObserveRead(bytes, latencyNs uint64, status int) {
	f.ctl.ObserveRead(bytes, latencyNs, status)
	f.metrics.ObserveRead(bytes, latencyNs, status)
}

func (f *fanoutObserver) ObserveWrite(bytes, latencyNs uint64, status int) {
	f.ctl.ObserveWrite(bytes, latencyNs, status)
	f.metrics.ObserveWrite(bytes, latencyNs, status)
}

func (f *fanoutObserver) ObserveLineError(overrun, parity, framing, breakErr bool) {
	f.ctl.ObserveLineError(overrun, parity, framing, breakErr)
	f.metrics.ObserveLineError(overrun, parity, framing, breakErr)
}

func (f *fanoutObserver) ObserveRingDepth(count, capacity int) {
	f.ctl.ObserveRingDepth(count, capacity)
	f.metrics.ObserveRingDepth(count, capacity)
}

var _ interfaces.Observer = (*fanoutObserver)(nil)

// Port is one open serial port: the request engine plus its
// control-plane surface, sharing one UART, one RX ring, and one
// InterruptService.
type Port struct {
	name string

	u   uart.UART
	svc *isr.Service
	eng *engine.Engine
	ctl *ctrl.Controller

	metrics *Metrics
	logger  interfaces.Logger

	cancel context.CancelFunc

	closeOnce sync.Once
}

// DefaultPortConfig returns the configuration a newly opened port uses
// when the caller supplies zero values: 9600 8N1, no flow control, the
// default ring capacity and FIFO trigger.
func DefaultPortConfig() uapi.PortConfig {
	return uapi.PortConfig{
		Baud:         constants.DefaultBaud,
		LineControl:  uapi.LineControl{WordLength: 8, StopBits: uapi.StopBits1, Parity: uapi.ParityNone},
		FIFO:         uapi.FIFOControl{Enable: true, TriggerLevel: constants.DefaultFIFOTrigger},
		RingCapacity: constants.DefaultRingCapacity,
	}
}

// Open constructs and starts a new Port. u, if nil, is a fresh
// Sim16550 with transmitted bytes discarded; pass a real or
// loopback-backed uart.UART to drive actual I/O. name registers the
// port under that key so it can be looked up with Lookup; pass
// constants.AutoAssignPortID to skip registration.
func Open(name string, u uart.UART, cfg uapi.PortConfig) (*Port, error) {
	if name != constants.AutoAssignPortID {
		if _, exists := defaultRegistry.lookup(name); exists {
			return nil, fmt.Errorf("uartd: open %q: %w", name, ErrPortNameInUse)
		}
	}

	if cfg.RingCapacity <= 0 {
		cfg.RingCapacity = constants.DefaultRingCapacity
	}
	if u == nil {
		u = uart.NewSim16550(nil)
	}

	logger := logging.Default()
	rx := ring.New(cfg.RingCapacity)
	q := reqqueue.New()
	fc := flow.New(cfg.HandFlow)
	wm := wait.New()
	metrics := NewMetrics()
	ob := &fanoutObserver{metrics: metrics}

	eng := engine.New(engine.Config{
		RX:        rx,
		Queue:     q,
		Flow:      fc,
		Wait:      wm,
		Chars:     cfg.Chars,
		ValidMask: cfg.ValidDataMask,
		Observer:  ob,
		Logger:    logger,
	})

	ts := timers.NewSet(timers.RealClock{}, eng.TimerFire)
	eng.SetTimers(ts)

	svc := isr.New(isr.Config{
		UART:      u,
		RX:        rx,
		Flow:      fc,
		Chars:     cfg.Chars,
		ValidMask: cfg.ValidDataMask,
		Logger:    logger,
		Hooks:     eng.Hooks(),
	})
	eng.SetISR(svc)

	ctx, cancel := context.WithCancel(context.Background())
	go svc.Run(ctx)
	go svc.Deferred().Run(ctx)

	c := ctrl.New(ctrl.Config{
		UART:       u,
		RX:         rx,
		Flow:       fc,
		ISR:        svc,
		Baud:       cfg.Baud,
		Line:       cfg.LineControl,
		FIFO:       cfg.FIFO,
		Chars:      cfg.Chars,
		Timeouts:   cfg.Timeouts,
		Properties: uapi.Properties{MaxBaud: 0, MaxRXQueue: cfg.RingCapacity},
		Logger:     logger,
		Engine:     eng,
	})
	ob.ctl = c

	if err := c.SetLineControl(cfg.LineControl); err != nil {
		cancel()
		return nil, WrapError("Open", name, "SetLineControl", err)
	}
	if cfg.Baud != 0 {
		if err := c.SetBaud(cfg.Baud); err != nil {
			cancel()
			return nil, WrapError("Open", name, "SetBaud", err)
		}
	}
	if err := c.SetHandFlow(cfg.HandFlow); err != nil {
		cancel()
		return nil, WrapError("Open", name, "SetHandFlow", err)
	}

	p := &Port{
		name:    name,
		u:       u,
		svc:     svc,
		eng:     eng,
		ctl:     c,
		metrics: metrics,
		logger:  logger,
		cancel:  cancel,
	}

	if name != constants.AutoAssignPortID {
		if err := defaultRegistry.register(name, p); err != nil {
			cancel()
			return nil, err
		}
	}

	return p, nil
}

// Name returns the port's registry key (empty if opened unnamed).
func (p *Port) Name() string { return p.name }

// Close stops the port's ISR and deferred goroutines and deregisters it.
// Idempotent; subsequent calls return nil.
func (p *Port) Close() error {
	p.closeOnce.Do(func() {
		p.cancel()
		p.metrics.Stop()
		if p.name != constants.AutoAssignPortID {
			defaultRegistry.deregister(p.name)
		}
	})
	return nil
}

// Read reads up to len(buf) bytes using the port's current Timeouts.
func (p *Port) Read(ctx context.Context, buf []byte) (int, uapi.CompletionStatus) {
	return p.eng.Read(ctx, buf, p.ctl.GetTimeouts())
}

// Write writes buf using the port's current Timeouts.
func (p *Port) Write(ctx context.Context, buf []byte) (int, uapi.CompletionStatus) {
	return p.eng.Write(ctx, buf, p.ctl.GetTimeouts())
}

// Flush blocks until every queued TX byte has been clocked onto the
// wire.
func (p *Port) Flush(ctx context.Context) uapi.CompletionStatus {
	return p.eng.Flush(ctx)
}

// Purge clears the requested combination of TX/RX queues and in-flight
// requests.
func (p *Port) Purge(mask uapi.PurgeMask) error {
	return p.eng.Purge(mask)
}

// Wait blocks until one of the requested wait-event bits is observed.
func (p *Port) Wait(ctx context.Context, mask uapi.WaitEventMask) (uapi.WaitEventMask, uapi.CompletionStatus) {
	return p.eng.Wait(ctx, mask)
}

// ImmediateChar sends b ahead of the normal write queue.
func (p *Port) ImmediateChar(ctx context.Context, b byte) uapi.CompletionStatus {
	return p.eng.ImmediateChar(ctx, b)
}

// XoffCounter sends xoffChar immediately, then waits for count further
// RX bytes or timeout, whichever comes first.
func (p *Port) XoffCounter(ctx context.Context, count int, timeout time.Duration, xoffChar byte) uapi.CompletionStatus {
	return p.eng.XoffCounter(ctx, count, timeout, xoffChar)
}

// SetQueueSize resizes the RX ring. Equivalent to spec's SetQueueSize
// request kind; named for what it does since the ring is the only
// resizable queue a caller can reach.
func (p *Port) SetQueueSize(capacity int) error {
	return p.eng.ResizeBuffer(capacity)
}

// SetLineControl configures word length, stop bits, and parity.
func (p *Port) SetLineControl(lc uapi.LineControl) error { return p.ctl.SetLineControl(lc) }

// GetLineControl returns the current word-format configuration.
func (p *Port) GetLineControl() uapi.LineControl { return p.ctl.GetLineControl() }

// SetBaud configures the baud rate.
func (p *Port) SetBaud(baud uint32) error { return p.ctl.SetBaud(baud) }

// GetBaud returns the current baud rate.
func (p *Port) GetBaud() uint32 { return p.ctl.GetBaud() }

// SetHandFlow configures flow-control policy.
func (p *Port) SetHandFlow(hf uapi.HandFlow) error { return p.ctl.SetHandFlow(hf) }

// GetHandFlow returns the current flow-control policy.
func (p *Port) GetHandFlow() uapi.HandFlow { return p.ctl.GetHandFlow() }

// SetChars configures the special byte values.
func (p *Port) SetChars(chars uapi.SpecialChars) error { return p.ctl.SetChars(chars) }

// GetChars returns the current special byte values.
func (p *Port) GetChars() uapi.SpecialChars { return p.ctl.GetChars() }

// SetTimeouts configures the read/write timeout parameters new requests
// snapshot at submission time.
func (p *Port) SetTimeouts(t uapi.Timeouts) { p.ctl.SetTimeouts(t) }

// GetTimeouts returns the current timeout configuration.
func (p *Port) GetTimeouts() uapi.Timeouts { return p.ctl.GetTimeouts() }

// SetDTR sets the DTR baseline level explicitly.
func (p *Port) SetDTR(on bool) error { return p.ctl.SetDTR(on) }

// SetRTS issues an explicit RTS directive (on/off/toggle-start/toggle-stop).
func (p *Port) SetRTS(directive uapi.RTSControl) error { return p.ctl.SetRTS(directive) }

// SetXoff pretends an XOFF character was received, holding TX.
func (p *Port) SetXoff() error { return p.ctl.SetXoff() }

// SetXon pretends an XON character was received, releasing TX.
func (p *Port) SetXon() error { return p.ctl.SetXon() }

// SetBreakOn asserts a continuous break condition.
func (p *Port) SetBreakOn() error { return p.ctl.SetBreakOn() }

// SetBreakOff releases a previously asserted break condition.
func (p *Port) SetBreakOff() error { return p.ctl.SetBreakOff() }

// LsrMstInsert sets the escape character used to mark inserted
// line-status/modem-status event triples in the RX stream.
func (p *Port) LsrMstInsert(escapeChar byte) error { return p.ctl.LsrMstInsert(escapeChar) }

// GetCommStatus returns the current hold reasons and queue depths, with
// EofReceived overlaid from the request engine (ctrl.Controller's
// GetCommStatus always reports this bit as false).
func (p *Port) GetCommStatus() uapi.CommStatus {
	cs := p.ctl.GetCommStatus()
	cs.EofReceived = p.eng.EofReceived()
	return cs
}

// ClearEofReceived resets the EofChar-seen latch GetCommStatus reports.
func (p *Port) ClearEofReceived() { p.eng.ClearEofReceived() }

// GetModemStatus returns the live modem-status lines and delta bits.
func (p *Port) GetModemStatus() uapi.ModemStatus { return p.ctl.GetModemStatus() }

// GetProperties returns the port's static capabilities.
func (p *Port) GetProperties() uapi.Properties { return p.ctl.GetProperties() }

// GetStats returns the spec's literal byte/error counters.
func (p *Port) GetStats() uapi.Stats { return p.ctl.GetStats() }

// ClearStats zeroes the counters GetStats reports.
func (p *Port) ClearStats() { p.ctl.ClearStats() }

// Stats returns the ambient operational metrics: IOPS, bandwidth, error
// rate, and latency percentiles, independent of GetStats' simple
// counters.
func (p *Port) Stats() MetricsSnapshot { return p.metrics.Snapshot() }

// ResetMetrics zeroes the ambient Stats() counters without touching
// GetStats' counters.
func (p *Port) ResetMetrics() { p.metrics.Reset() }

// Registry tracks open ports by name, mirroring go-ublk's device-minor
// table but keyed by caller-chosen string instead of an allocated int.
type Registry struct {
	mu   sync.Mutex
	byID map[string]*Port
}

var defaultRegistry = &Registry{byID: make(map[string]*Port)}

func (r *Registry) register(name string, p *Port) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[name]; exists {
		return fmt.Errorf("uartd: register %q: %w", name, ErrPortNameInUse)
	}
	r.byID[name] = p
	return nil
}

func (r *Registry) deregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, name)
}

func (r *Registry) lookup(name string) (*Port, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byID[name]
	return p, ok
}

// Lookup returns the open port registered under name, if any.
func Lookup(name string) (*Port, bool) {
	return defaultRegistry.lookup(name)
}
