// Package ctrl implements the control-plane operations a port exposes
// alongside its request engine: line format, baud, handshake
// configuration, explicit modem-line control, break, and the read-only
// status/statistics queries (spec §6).
//
// Generalizes go-ublk's Controller.AddDevice/SetParams/StartDevice
// sequencing (validate the caller's parameters, mutate nothing on
// failure, then apply and log) from one-shot device provisioning to a
// long-lived port's repeatable Set*/Get* surface.
package ctrl

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/daedaluz/go-uartd/internal/engine"
	"github.com/daedaluz/go-uartd/internal/flow"
	"github.com/daedaluz/go-uartd/internal/interfaces"
	"github.com/daedaluz/go-uartd/internal/isr"
	"github.com/daedaluz/go-uartd/internal/ring"
	"github.com/daedaluz/go-uartd/internal/uapi"
	"github.com/daedaluz/go-uartd/internal/uart"
)

// ErrInvalidParameter is wrapped by every validation failure, mirroring
// the teacher's mapErrnoToCode discipline of a single recognizable
// sentinel rather than bespoke error values per setter.
var ErrInvalidParameter = errors.New("ctrl: invalid parameter")

// Config bundles the collaborators a Controller validates parameters
// against and applies register writes through. The caller (port.go)
// constructs uart.UART, ring.Ring, flow.Controller and isr.Service first;
// Controller only ever touches the UART and FlowController through the
// ISR's InterruptSynchronize rendezvous, same as the engine.
type Config struct {
	UART       uart.UART
	RX         *ring.Ring
	Flow       *flow.Controller
	ISR        *isr.Service
	Baud       uint32
	Line       uapi.LineControl
	FIFO       uapi.FIFOControl
	Chars      uapi.SpecialChars
	Timeouts   uapi.Timeouts
	Properties uapi.Properties
	Logger     interfaces.Logger

	// Engine, if set, receives every SetChars/LsrMstInsert update so the
	// live isr.Service the engine drives (and the engine's own cached
	// copy) stay current. Left nil in package-local tests that exercise
	// a Controller without a request engine; Controller falls back to
	// pushing straight into the ISR itself in that case.
	Engine *engine.Engine
}

// Controller owns a port's non-data-path register state: line format,
// baud, handshake configuration, special characters, explicit DTR/RTS/
// break control, and the statistics counters fed by engine/isr via the
// Observer interface. It never touches reqqueue or the request kinds
// engine.Engine drives.
type Controller struct {
	u      uart.UART
	rx     *ring.Ring
	flow   *flow.Controller
	isrSvc *isr.Service
	eng    *engine.Engine
	logger interfaces.Logger

	mu          sync.Mutex
	baud        uint32
	line        uapi.LineControl
	fifo        uapi.FIFOControl
	chars       uapi.SpecialChars
	timeouts    uapi.Timeouts
	properties  uapi.Properties
	dtrBaseline bool
	rtsBaseline bool
	breakOn     bool

	stats struct {
		bytesReceived       atomic.Uint64
		bytesTransmitted    atomic.Uint64
		frameErrors         atomic.Uint64
		serialOverrunErrors atomic.Uint64
		bufferOverrunErrors atomic.Uint64
		parityErrors        atomic.Uint64
	}
	lastErrorWord atomic.Uint32 // uapi.LSRBits, widened for atomic storage
}

// New constructs a Controller. cfg.ISR must already be running (its
// Run/Deferred.Run goroutines started) before any Controller method is
// called, since every mutation is synchronized through it.
func New(cfg Config) *Controller {
	return &Controller{
		u:          cfg.UART,
		rx:         cfg.RX,
		flow:       cfg.Flow,
		isrSvc:     cfg.ISR,
		eng:        cfg.Engine,
		logger:     cfg.Logger,
		baud:       cfg.Baud,
		line:       cfg.Line,
		fifo:       cfg.FIFO,
		chars:      cfg.Chars,
		timeouts:   cfg.Timeouts,
		properties: cfg.Properties,
	}
}

func validateLineControl(lc uapi.LineControl) error {
	switch lc.WordLength {
	case 5, 6, 7, 8:
	default:
		return fmt.Errorf("%w: word length %d not in {5,6,7,8}", ErrInvalidParameter, lc.WordLength)
	}
	switch lc.StopBits {
	case uapi.StopBits1, uapi.StopBits1_5, uapi.StopBits2:
	default:
		return fmt.Errorf("%w: stop bits %v", ErrInvalidParameter, lc.StopBits)
	}
	if lc.StopBits == uapi.StopBits1_5 && lc.WordLength != 5 {
		return fmt.Errorf("%w: 1.5 stop bits only valid with a 5-bit word", ErrInvalidParameter)
	}
	switch lc.Parity {
	case uapi.ParityNone, uapi.ParityOdd, uapi.ParityEven, uapi.ParityMark, uapi.ParitySpace:
	default:
		return fmt.Errorf("%w: parity %v", ErrInvalidParameter, lc.Parity)
	}
	return nil
}

// SetLineControl validates and applies word length/stop bits/parity.
func (c *Controller) SetLineControl(lc uapi.LineControl) error {
	if err := validateLineControl(lc); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isrSvc.InterruptSynchronize(func() {
		c.u.SetLineControl(lc)
	})
	c.line = lc
	if c.logger != nil {
		c.logger.Debug("line control applied", "word", lc.WordLength, "stop", lc.StopBits, "parity", lc.Parity)
	}
	return nil
}

// GetLineControl returns the last successfully applied line control.
func (c *Controller) GetLineControl() uapi.LineControl {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.line
}

// divisorFor computes the 16-bit DLAB divisor for a baud rate against
// the classic 1.8432MHz/16 UART reference clock.
func divisorFor(baud uint32) uint16 {
	const refClock = 1843200
	return uint16(refClock / (16 * baud))
}

// SetBaud validates and applies a new baud rate.
func (c *Controller) SetBaud(baud uint32) error {
	if baud == 0 {
		return fmt.Errorf("%w: baud must be nonzero", ErrInvalidParameter)
	}
	if c.properties.MaxBaud != 0 && baud > c.properties.MaxBaud {
		return fmt.Errorf("%w: baud %d exceeds MaxBaud %d", ErrInvalidParameter, baud, c.properties.MaxBaud)
	}
	div := divisorFor(baud)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isrSvc.InterruptSynchronize(func() {
		c.u.SetDivisor(byte(div), byte(div>>8))
	})
	c.baud = baud
	if c.logger != nil {
		c.logger.Debug("baud applied", "baud", baud, "divisor", div)
	}
	return nil
}

// GetBaud returns the last successfully applied baud rate.
func (c *Controller) GetBaud() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.baud
}

func validateHandFlow(hf uapi.HandFlow) error {
	if hf.XonLimit < 0 || hf.XoffLimit < 0 {
		return fmt.Errorf("%w: negative xon/xoff limit", ErrInvalidParameter)
	}
	if hf.XonLimit > hf.XoffLimit {
		return fmt.Errorf("%w: xon limit %d must not exceed xoff limit %d", ErrInvalidParameter, hf.XonLimit, hf.XoffLimit)
	}
	switch hf.DTRMode {
	case uapi.DTRModeOff, uapi.DTRModeOn, uapi.DTRModeHandshake:
	default:
		return fmt.Errorf("%w: dtr mode %v", ErrInvalidParameter, hf.DTRMode)
	}
	switch hf.RTSMode {
	case uapi.RTSModeOff, uapi.RTSModeOn, uapi.RTSModeHandshake, uapi.RTSModeToggle:
	default:
		return fmt.Errorf("%w: rts mode %v", ErrInvalidParameter, hf.RTSMode)
	}
	return nil
}

// SetHandFlow validates and replaces the handshake configuration.
func (c *Controller) SetHandFlow(hf uapi.HandFlow) error {
	if err := validateHandFlow(hf); err != nil {
		return err
	}
	c.isrSvc.InterruptSynchronize(func() {
		for _, a := range c.flow.SetHandFlow(hf) {
			c.isrSvc.ApplyAction(a)
		}
	})
	if c.logger != nil {
		c.logger.Debug("hand flow applied", "dtr_mode", hf.DTRMode, "rts_mode", hf.RTSMode)
	}
	return nil
}

// GetHandFlow returns the current handshake configuration.
func (c *Controller) GetHandFlow() uapi.HandFlow {
	var hf uapi.HandFlow
	c.isrSvc.InterruptSynchronize(func() {
		hf = c.flow.HandFlow()
	})
	return hf
}

// SetChars validates and replaces the special-byte configuration,
// pushing it all the way into the running isr.Service so EventChar/
// ErrorChar/EofChar/XON/XOFF detection sees the update immediately
// (spec §6 SetChars) rather than only the next Get reflecting it.
func (c *Controller) SetChars(chars uapi.SpecialChars) error {
	c.mu.Lock()
	c.chars = chars
	c.mu.Unlock()
	c.pushChars(chars)
	return nil
}

// pushChars installs chars into the live ISR, through the engine if one
// is wired (so its own cached copy stays in sync too) or directly
// otherwise.
func (c *Controller) pushChars(chars uapi.SpecialChars) {
	if c.eng != nil {
		c.eng.SetChars(chars)
		return
	}
	c.isrSvc.InterruptSynchronize(func() {
		c.isrSvc.SetChars(chars)
	})
}

// GetChars returns the current special-byte configuration.
func (c *Controller) GetChars() uapi.SpecialChars {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chars
}

// SetTimeouts replaces the default read/write timeouts a port-level
// Read/Write uses when the caller does not override them explicitly.
func (c *Controller) SetTimeouts(t uapi.Timeouts) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeouts = t
}

// GetTimeouts returns the current default timeouts.
func (c *Controller) GetTimeouts() uapi.Timeouts {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeouts
}

// SetDTR explicitly raises or lowers DTR, overriding any DTR-handshake
// hysteresis until the next OnRXCount transition re-asserts it.
func (c *Controller) SetDTR(on bool) error {
	c.mu.Lock()
	c.dtrBaseline = on
	rts := c.rtsBaseline
	c.mu.Unlock()
	c.isrSvc.InterruptSynchronize(func() {
		c.isrSvc.SetModemBaseline(on, rts)
	})
	return nil
}

// SetRTS applies an explicit RTS directive: on/off set the baseline
// level directly; toggle-start/toggle-stop switch RTSMode into/out of
// transmit-toggle policy (spec §6 SetRTS(on|off|toggle-start|toggle-stop)).
func (c *Controller) SetRTS(ctl uapi.RTSControl) error {
	switch ctl {
	case uapi.RTSOn, uapi.RTSOff:
		on := ctl == uapi.RTSOn
		c.mu.Lock()
		c.rtsBaseline = on
		dtr := c.dtrBaseline
		c.mu.Unlock()
		c.isrSvc.InterruptSynchronize(func() {
			c.isrSvc.SetModemBaseline(dtr, on)
		})
		return nil
	case uapi.RTSToggleStart:
		hf := c.flow.HandFlow()
		hf.RTSMode = uapi.RTSModeToggle
		return c.SetHandFlow(hf)
	case uapi.RTSToggleStop:
		hf := c.flow.HandFlow()
		hf.RTSMode = uapi.RTSModeOff
		if err := c.SetHandFlow(hf); err != nil {
			return err
		}
		return c.SetRTS(uapi.RTSOn)
	default:
		return fmt.Errorf("%w: rts control %v", ErrInvalidParameter, ctl)
	}
}

// SetXoff pretends an XOFF byte was received in-band, pausing TX
// regardless of AutoTX (spec §4.4/§6 SetXoff).
func (c *Controller) SetXoff() error {
	c.isrSvc.InterruptSynchronize(func() {
		c.flow.PretendXoff()
	})
	return nil
}

// SetXon pretends an XON byte was received in-band, resuming TX.
func (c *Controller) SetXon() error {
	c.isrSvc.InterruptSynchronize(func() {
		c.flow.PretendXon()
	})
	return nil
}

// SetBreakOn asserts a continuous break condition and holds TX.
func (c *Controller) SetBreakOn() error {
	c.mu.Lock()
	c.breakOn = true
	c.mu.Unlock()
	c.isrSvc.InterruptSynchronize(func() {
		c.u.SetBreak(true)
		c.flow.OnBreak(true)
	})
	return nil
}

// SetBreakOff releases the break condition.
func (c *Controller) SetBreakOff() error {
	c.mu.Lock()
	c.breakOn = false
	c.mu.Unlock()
	c.isrSvc.InterruptSynchronize(func() {
		c.u.SetBreak(false)
		c.flow.OnBreak(false)
	})
	return nil
}

// LsrMstInsert sets or clears the escape-insertion character used to mark
// modem-status/line-status triples in the RX stream (spec §4.4 Escape
// insertion; escapeChar == 0 disables insertion). A received byte equal
// to the escape character is stored as-is; no literal-escape triple is
// inserted for it.
func (c *Controller) LsrMstInsert(escapeChar byte) error {
	c.mu.Lock()
	c.chars.EscapeChar = escapeChar
	chars := c.chars
	c.mu.Unlock()
	c.pushChars(chars)
	return nil
}

// GetCommStatus reports TX/RX holding reasons, queue depths, the last
// observed line-status error word, and EofReceived. Callers that also
// drive an engine.Engine should overlay its EofReceived() bit onto the
// returned value; Controller does not read the engine's EofReceived
// latch, so it always reports false here.
func (c *Controller) GetCommStatus() uapi.CommStatus {
	var tx, rx uapi.HoldingReasons
	c.isrSvc.InterruptSynchronize(func() {
		tx = c.flow.TXHolding()
		rx = c.flow.RXHolding()
	})
	return uapi.CommStatus{
		TXHolding:   tx,
		RXHolding:   rx,
		InQueue:     c.rx.Count(),
		OutQueue:    0, // writes are clocked onto the wire synchronously; see uart.Sim16550.drainTXLocked
		ErrorWord:   uapi.LSRBits(c.lastErrorWord.Load()),
		EofReceived: false,
	}
}

// GetModemStatus reads the live modem-control input lines and any delta
// bits not yet consumed by the ISR's own interrupt-driven read. A
// transition already drained by Run (because an interrupt fired and was
// serviced before this call) will not be reported here a second time;
// spec.md's baud-accurate timing is explicitly out of scope, so this
// simplification is acceptable for the modeled timescales.
func (c *Controller) GetModemStatus() uapi.ModemStatus {
	var msr uapi.MSRBits
	c.isrSvc.InterruptSynchronize(func() {
		msr = c.u.ReadModemStatus()
	})
	return uapi.ModemStatus{
		CTS: msr&uapi.MSRCTS != 0,
		DSR: msr&uapi.MSRDSR != 0,
		RI:  msr&uapi.MSRRI != 0,
		DCD: msr&uapi.MSRDCD != 0,

		DeltaCTS:   msr&uapi.MSRDeltaCTS != 0,
		DeltaDSR:   msr&uapi.MSRDeltaDSR != 0,
		TrailingRI: msr&uapi.MSRTrailingRI != 0,
		DeltaDCD:   msr&uapi.MSRDeltaDCD != 0,
	}
}

// GetProperties returns the port's static capabilities.
func (c *Controller) GetProperties() uapi.Properties {
	return c.properties
}

// GetStats returns a snapshot of the statistics counters (spec §6
// GetStats; spec §4.8 "Statistics counters").
func (c *Controller) GetStats() uapi.Stats {
	return uapi.Stats{
		BytesReceived:       c.stats.bytesReceived.Load(),
		BytesTransmitted:    c.stats.bytesTransmitted.Load(),
		FrameErrors:         c.stats.frameErrors.Load(),
		SerialOverrunErrors: c.stats.serialOverrunErrors.Load(),
		BufferOverrunErrors: c.stats.bufferOverrunErrors.Load(),
		ParityErrors:        c.stats.parityErrors.Load(),
	}
}

// ClearStats zeroes every counter; GetStats never rolls back on its own.
func (c *Controller) ClearStats() {
	c.stats.bytesReceived.Store(0)
	c.stats.bytesTransmitted.Store(0)
	c.stats.frameErrors.Store(0)
	c.stats.serialOverrunErrors.Store(0)
	c.stats.bufferOverrunErrors.Store(0)
	c.stats.parityErrors.Store(0)
}

// ---- interfaces.Observer ----
//
// Controller doubles as the Observer the engine/isr pipeline reports
// into, so GetStats/GetCommStatus.ErrorWord reflect live traffic without
// a separate metrics collaborator wired in front of it. A richer
// Observer (latency histograms) can wrap Controller and forward to it.
var _ interfaces.Observer = (*Controller)(nil)

// ObserveRead accounts received bytes toward BytesReceived.
func (c *Controller) ObserveRead(bytes uint64, _ uint64, _ int) {
	c.stats.bytesReceived.Add(bytes)
}

// ObserveWrite accounts transmitted bytes toward BytesTransmitted.
func (c *Controller) ObserveWrite(bytes uint64, _ uint64, _ int) {
	c.stats.bytesTransmitted.Add(bytes)
}

// ObserveLineError increments the matching fault counter and updates the
// sticky error word GetCommStatus reports.
func (c *Controller) ObserveLineError(overrun, parity, framing, breakErr bool) {
	var word uapi.LSRBits
	if overrun {
		c.stats.serialOverrunErrors.Add(1)
		word |= uapi.LSROverrunError
	}
	if parity {
		c.stats.parityErrors.Add(1)
		word |= uapi.LSRParityError
	}
	if framing {
		c.stats.frameErrors.Add(1)
		word |= uapi.LSRFramingError
	}
	if breakErr {
		word |= uapi.LSRBreakInterrupt
	}
	c.lastErrorWord.Store(uint32(word))
}

// ObserveRingDepth approximates BufferOverrunErrors: the RX ring itself
// silently truncates ring.Ring.Push's return when full (spec's producer
// side never blocks), so a depth reading at full capacity is taken as
// evidence bytes were or are about to be dropped. A precise per-drop
// counter would require plumbing ring.Push's overrun bool back through
// isr.Hooks, which no SPEC_FULL.md component currently needs badly
// enough to justify the extra hook.
func (c *Controller) ObserveRingDepth(count, capacity int) {
	if capacity > 0 && count >= capacity {
		c.stats.bufferOverrunErrors.Add(1)
	}
}
