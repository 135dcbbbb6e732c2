// Package isr implements InterruptService (spec §4.5): the simulated
// hardware-interrupt execution context. One goroutine owns the UART and
// the RX ring's producer side exclusively; everything else reaches that
// state only through InterruptSynchronize or the Deferred queue.
//
// The dedicated, OS-thread-pinned drain loop and its priority-ordered
// cause handling is grounded on queue.Runner.ioLoop's
// runtime.LockOSThread discipline and its ctx.Done()-guarded select
// loop, generalized from "drain completions off one io_uring" to "drain
// interrupt causes off one simulated UART in priority order."
package isr

import (
	"context"
	"runtime"
	"sync"

	"github.com/daedaluz/go-uartd/internal/flow"
	"github.com/daedaluz/go-uartd/internal/interfaces"
	"github.com/daedaluz/go-uartd/internal/ring"
	"github.com/daedaluz/go-uartd/internal/uapi"
	"github.com/daedaluz/go-uartd/internal/uart"
)

// Hooks lets the engine observe and intercept UART activity without the
// isr package importing engine (which would create an import cycle,
// since engine imports isr). The engine installs these once at
// construction. Every hook here runs on the ISR goroutine itself, so
// implementations must not block or call back into InterruptSynchronize
// (that would deadlock against the very loop invoking them).
type Hooks struct {
	// Donated, if non-nil, is filled directly instead of pushed to the
	// ring while a Read is actively donating its buffer (spec §4.5
	// "buffer-donation fast path"). Returns whether the byte was
	// accepted into the donated buffer; if false, the isr pushes it to
	// the ring instead.
	Donated func(b byte) (accepted bool)

	// OnSpecialChar is invoked for EventChar/ErrorChar/EofChar matches,
	// after the byte has also been placed in the ring/donated buffer.
	OnSpecialChar func(b byte, chars uapi.SpecialChars)

	// OnXoffByteCounted is invoked once per accepted RX byte, regardless
	// of destination, so an XoffCounter request in its counting phase
	// can track CountSinceXoff.
	OnXoffByteCounted func()

	// TryImmediate returns a pending ImmediateChar's byte, ahead of the
	// normal write queue. ok is false when no ImmediateChar is current.
	TryImmediate func() (b byte, ok bool)

	// OnImmediateSent is invoked immediately after a TryImmediate byte
	// was accepted onto the wire.
	OnImmediateSent func()

	// TryXoffByte returns a live XoffCounter's XoffChar byte, ahead of
	// the normal write queue but behind ImmediateChar.
	TryXoffByte func() (b byte, ok bool)

	// OnXoffByteSent is invoked immediately after a TryXoffByte byte was
	// accepted onto the wire.
	OnXoffByteSent func()

	// NextWriteByte returns the next byte of the current write request,
	// if any.
	NextWriteByte func() (b byte, ok bool)

	// OnWriteByteSent is invoked immediately after NextWriteByte's byte
	// was accepted onto the wire.
	OnWriteByteSent func()

	// OnTxIdle is invoked once the TX-holding-empty opportunity found no
	// further byte to send, so the RTS transmit-toggle policy can decide
	// whether to start lowering RTS (spec §4.4).
	OnTxIdle func() []flow.Action

	// OnArmLowerRTSTimer is invoked when FlowController's RTS-toggle
	// hysteresis wants its one-shot lowering timer armed; the timer
	// itself is owned by the engine's TimerSet, not this package.
	OnArmLowerRTSTimer func()

	// OnEvents is invoked once per drain pass with any wait-event bits
	// observed (spec §4.7), zero bits are never reported.
	OnEvents func(bits uapi.WaitEventMask)

	// OnCommError is invoked on the Deferred queue (not the ISR
	// goroutine) when a line-status fault bit is observed, per spec
	// §4.8's CommError deferred callback.
	OnCommError func(lsr uapi.LSRBits)

	// OnRingDepth is invoked once per drain pass with the RX ring's
	// current count and capacity, immediately after flow control has
	// re-evaluated hysteresis against the same numbers, so a metrics
	// observer can track buffer-overrun risk without its own access to
	// the ring.
	OnRingDepth func(count, capacity int)
}

// Config bundles the isr.Service's dependencies.
type Config struct {
	UART      uart.UART
	RX        *ring.Ring
	Flow      *flow.Controller
	Chars     uapi.SpecialChars
	ValidMask byte
	Logger    interfaces.Logger
	Hooks     Hooks
}

// Service is the exclusive owner of the UART and the RX ring's producer
// side. Run must be started exactly once; all other access to the UART
// happens through InterruptSynchronize.
type Service struct {
	u      uart.UART
	rx     *ring.Ring
	flow   *flow.Controller
	chars  uapi.SpecialChars
	mask   byte
	logger interfaces.Logger
	hooks  Hooks

	// dtr/rts track the baseline modem-control level this Service last
	// wrote, so a FlowController hysteresis action (which only says
	// "raise" or "lower" one line) can be combined with the other
	// line's current level into one SetModemControl call.
	dtr, rts bool

	syncCh   chan func()
	deferred *Deferred
}

// New constructs a Service. The Deferred queue is created alongside it;
// callers must still start its goroutine with Deferred().Run.
func New(cfg Config) *Service {
	mask := cfg.ValidMask
	if mask == 0 {
		mask = 0xFF
	}
	s := &Service{
		u:        cfg.UART,
		rx:       cfg.RX,
		flow:     cfg.Flow,
		chars:    cfg.Chars,
		mask:     mask,
		logger:   cfg.Logger,
		hooks:    cfg.Hooks,
		syncCh:   make(chan func()),
		deferred: NewDeferred(),
	}
	// Line-status, RX-data, and modem-status interrupts are always live;
	// TX-holding-empty starts masked since it is level-triggered and
	// would otherwise spin this goroutine with nothing queued to send.
	// The engine enables it on demand via EnableTxInterrupt.
	s.u.SetInterruptEnable(true, true, false, true)
	return s
}

// Deferred returns the lower-than-ISR, higher-than-dispatch callback
// queue that TimerSet and CommError fire onto.
func (s *Service) Deferred() *Deferred { return s.deferred }

// Run is the simulated hardware-interrupt context: a dedicated,
// OS-thread-pinned goroutine that selects on the UART's interrupt
// channel and the InterruptSynchronize rendezvous channel, draining all
// asserted causes in spec §4.5's priority order on each wakeup.
func (s *Service) Run(ctx context.Context) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if s.logger != nil {
		s.logger.Debug("interrupt service starting")
	}

	for {
		select {
		case <-ctx.Done():
			if s.logger != nil {
				s.logger.Debug("interrupt service stopping")
			}
			return
		case fn := <-s.syncCh:
			fn()
		case <-s.u.Interrupts():
			s.drainLocked()
		}
	}
}

// InterruptSynchronize hands f to the same single-goroutine loop Run
// uses and blocks until f has run with the simulated interrupt masked —
// the spec §5/§9 "interrupt-synchronize" primitive giving dispatch-side
// code the same mutual exclusion the kernel's mask/restore pair gives.
// Must never be called from within a Hooks callback (those already run
// on this same goroutine) — doing so deadlocks.
func (s *Service) InterruptSynchronize(f func()) {
	done := make(chan struct{})
	s.syncCh <- func() {
		f()
		close(done)
	}
	<-done
}

// drainLocked processes every asserted interrupt cause in priority
// order until none remain (spec §4.5: "drain all causes before
// returning to idle, never just the first"), then reports any
// accumulated wait-event bits once per pass.
func (s *Service) drainLocked() {
	var events uapi.WaitEventMask
	for {
		cause := s.u.ReadInterruptIdent()
		switch cause {
		case uapi.CauseNone:
			if events != 0 && s.hooks.OnEvents != nil {
				s.hooks.OnEvents(events)
			}
			return
		case uapi.CauseLineStatus:
			events |= s.handleLineStatus()
		case uapi.CauseRxDataAvailable, uapi.CauseRxCharTimeout:
			events |= s.drainRxFIFO(s.u.ReadLineStatus())
		case uapi.CauseTxHoldingEmpty:
			s.handleTxEmpty()
		case uapi.CauseModemStatus:
			events |= s.handleModemStatus()
		default:
			return
		}
	}
}

func (s *Service) handleLineStatus() uapi.WaitEventMask {
	lsr := s.u.ReadLineStatus()
	var events uapi.WaitEventMask
	if lsr.HasError() {
		events |= uapi.EventErr
		if lsr&uapi.LSRBreakInterrupt != 0 {
			events |= uapi.EventBreak
		}
		if s.logger != nil {
			s.logger.Warn("line status error", "lsr", lsr)
		}
		for _, triple := range flow.EscapeTriples(s.chars.EscapeChar, false, 0, true, lsr, false) {
			s.rx.Push(triple)
		}
		if s.hooks.OnCommError != nil {
			s.deferred.Post(func() { s.hooks.OnCommError(lsr) })
		}
	}
	events |= s.drainRxFIFO(lsr)
	return events
}

// drainRxFIFO pulls every currently-ready RX byte, applying auto-TX
// XON/XOFF interception, the donation fast path, special-char
// detection, and finally falling back to ring.Push (spec §4.5 item 2).
func (s *Service) drainRxFIFO(lsr uapi.LSRBits) uapi.WaitEventMask {
	var events uapi.WaitEventMask
	for {
		b, ok := s.u.ReadRxByte()
		if !ok {
			break
		}
		b &= s.mask

		if s.flow != nil && s.flow.OnXoffXonByte(b, s.chars.XonChar, s.chars.XoffChar) {
			continue
		}

		events |= uapi.EventRXChar

		if s.hooks.OnXoffByteCounted != nil {
			s.hooks.OnXoffByteCounted()
		}

		accepted := false
		if s.hooks.Donated != nil {
			accepted = s.hooks.Donated(b)
		}
		if !accepted {
			s.rx.Push([]byte{b})
		}

		if b == s.chars.EventChar {
			events |= uapi.EventRXFlag
		}
		if s.hooks.OnSpecialChar != nil && (b == s.chars.EventChar || b == s.chars.ErrorChar || b == s.chars.EofChar) {
			s.hooks.OnSpecialChar(b, s.chars)
		}
	}
	if s.flow != nil {
		for _, a := range s.flow.OnRXCount(s.rx.Count(), s.rx.Capacity()) {
			s.ApplyAction(a)
		}
		events |= s.flow.ConsumeEvents()
	}
	if s.hooks.OnRingDepth != nil {
		s.hooks.OnRingDepth(s.rx.Count(), s.rx.Capacity())
	}
	return events
}

// handleTxEmpty services one TX-holding-empty cause: ImmediateChar and
// XoffCounter bytes jump the normal write queue. THRE is level-
// triggered (it stays asserted with nothing queued), so a pass that
// makes no progress at all disables the TX interrupt until the engine
// has something new to send and calls EnableTxInterrupt again —
// otherwise this would spin the ISR goroutine forever.
func (s *Service) handleTxEmpty() {
	if s.hooks.TryImmediate != nil {
		if b, ok := s.hooks.TryImmediate(); ok {
			if s.u.WriteTxByte(b) && s.hooks.OnImmediateSent != nil {
				s.hooks.OnImmediateSent()
			}
			return
		}
	}
	if s.hooks.TryXoffByte != nil {
		if b, ok := s.hooks.TryXoffByte(); ok {
			if s.u.WriteTxByte(b) && s.hooks.OnXoffByteSent != nil {
				s.hooks.OnXoffByteSent()
			}
			return
		}
	}
	sentAny := false
	if s.hooks.NextWriteByte != nil {
		for {
			if s.flow != nil && !s.flow.TXPermitted() {
				break
			}
			b, ok := s.hooks.NextWriteByte()
			if !ok {
				break
			}
			if !s.u.WriteTxByte(b) {
				break
			}
			sentAny = true
			if s.hooks.OnWriteByteSent != nil {
				s.hooks.OnWriteByteSent()
			}
		}
	}
	if s.hooks.OnTxIdle != nil {
		for _, a := range s.hooks.OnTxIdle() {
			s.ApplyAction(a)
		}
	}
	if !sentAny {
		s.u.SetTxInterruptEnabled(false)
	}
}

// EnableTxInterrupt turns the TX-holding-empty interrupt back on. The
// engine calls this under InterruptSynchronize whenever it arms a new
// current write, ImmediateChar, or XoffCounter request, since a prior
// idle pass may have disabled it.
func (s *Service) EnableTxInterrupt() { s.u.SetTxInterruptEnabled(true) }

func (s *Service) handleModemStatus() uapi.WaitEventMask {
	msr := s.u.ReadModemStatus()
	if msr&(uapi.MSRDeltaCTS|uapi.MSRDeltaDSR|uapi.MSRDeltaDCD|uapi.MSRTrailingRI) != 0 {
		for _, triple := range flow.EscapeTriples(s.chars.EscapeChar, true, msr, false, 0, false) {
			s.rx.Push(triple)
		}
	}
	if s.flow == nil {
		return 0
	}
	for _, a := range s.flow.OnModemStatus(msr) {
		s.ApplyAction(a)
	}
	// A CTS/DSR/DCD transition may have just lifted an output-handshake
	// TX hold that previously made handleTxEmpty disable the interrupt
	// with bytes still queued; give it another chance to run.
	s.u.SetTxInterruptEnabled(true)
	return s.flow.ConsumeEvents()
}

// ApplyAction performs one FlowController-directed primitive line action
// against the UART. Safe to call directly from a Hooks callback (already
// on the ISR goroutine); callers elsewhere must wrap it in
// InterruptSynchronize.
func (s *Service) ApplyAction(a flow.Action) {
	switch a {
	case flow.RaiseDTR:
		s.dtr = true
		s.u.SetModemControl(s.dtr, s.rts)
	case flow.LowerDTR:
		s.dtr = false
		s.u.SetModemControl(s.dtr, s.rts)
	case flow.RaiseRTS:
		s.rts = true
		s.u.SetModemControl(s.dtr, s.rts)
	case flow.LowerRTS:
		s.rts = false
		s.u.SetModemControl(s.dtr, s.rts)
	case flow.EmitXON:
		s.u.WriteTxByte(s.chars.XonChar)
	case flow.EmitXOFF:
		s.u.WriteTxByte(s.chars.XoffChar)
	case flow.ArmLowerRTSTimer:
		if s.hooks.OnArmLowerRTSTimer != nil {
			s.hooks.OnArmLowerRTSTimer()
		}
	}
}

// SetModemBaseline sets the DTR/RTS level a control-plane request (not
// flow-control hysteresis) wants, e.g. a user's explicit SetDTR/SetRTS.
// Must be called under InterruptSynchronize.
func (s *Service) SetModemBaseline(dtr, rts bool) {
	s.dtr, s.rts = dtr, rts
	s.u.SetModemControl(s.dtr, s.rts)
}

// SetChars replaces the special-byte configuration the ISR goroutine
// uses for EventChar/ErrorChar/EofChar, XON/XOFF, and escape-insertion
// detection (spec §6 SetChars, §4.4 LsrMstInsert). Must be called under
// InterruptSynchronize.
func (s *Service) SetChars(chars uapi.SpecialChars) {
	s.chars = chars
}

// Deferred is a single-goroutine FIFO callback queue, lower priority
// than the ISR's Run loop but higher than ordinary dispatch-context
// work. TimerSet fires land here rather than calling completion
// directly, so a timer never races a concurrently-completing ISR path.
type Deferred struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []func()
	closed bool
}

// NewDeferred constructs an empty Deferred queue. Callers must start its
// goroutine with Run.
func NewDeferred() *Deferred {
	d := &Deferred{}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Post enqueues fn to run on the Deferred goroutine, preserving FIFO
// order against every other Post call (spec §5 ordering guarantees).
func (d *Deferred) Post(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.items = append(d.items, fn)
	d.cond.Signal()
}

// Run drains the FIFO until ctx is cancelled.
func (d *Deferred) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		d.mu.Lock()
		d.closed = true
		d.cond.Broadcast()
		d.mu.Unlock()
	}()
	for {
		d.mu.Lock()
		for len(d.items) == 0 && !d.closed {
			d.cond.Wait()
		}
		if d.closed && len(d.items) == 0 {
			d.mu.Unlock()
			return
		}
		fn := d.items[0]
		d.items = d.items[1:]
		d.mu.Unlock()
		fn()
	}
}
