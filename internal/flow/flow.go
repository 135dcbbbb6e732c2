// Package flow implements FlowController (spec §4.4): the stateful map
// from (HandFlow, modem-status register, RX-ring count, TX state) to
// DTR/RTS/XON/XOFF line actions, and the TXHolding/RXHolding bitsets
// that gate transmission and backpressure.
//
// Grounded directly on spec §4.4's policy paragraphs; the bit layouts it
// mutates mirror the modem-status register semantics modeled in
// internal/uart's grounding files (which bit flips on which transition).
package flow

import (
	"github.com/daedaluz/go-uartd/internal/uapi"
)

// Action is a primitive line action the caller (internal/isr) applies to
// the UART or TimerSet.
type Action int

const (
	RaiseDTR Action = iota
	LowerDTR
	RaiseRTS
	LowerRTS
	EmitXON
	EmitXOFF
	ArmLowerRTSTimer
)

// Controller tracks hysteresis state for one port's flow control.
type Controller struct {
	hf uapi.HandFlow

	txHolding uapi.HoldingReasons
	rxHolding uapi.HoldingReasons

	dtrLowered bool
	rtsLowered bool

	autoRXLatched bool // a previous XOFF-driven hold is still latched

	rtsToggleLoweringInFlight bool

	pendingEvents uapi.WaitEventMask
}

// New constructs a Controller from the port's handshake configuration.
func New(hf uapi.HandFlow) *Controller {
	return &Controller{hf: hf}
}

// SetHandFlow replaces the handshake configuration. Disabling a
// handshake clears its TXHolding bit immediately, which may unblock TX
// (spec §4.4).
func (f *Controller) SetHandFlow(hf uapi.HandFlow) []Action {
	var actions []Action
	prev := f.hf
	f.hf = hf

	if prev.OutputHandshakeMask&uapi.OutputHandshakeCTS != 0 && hf.OutputHandshakeMask&uapi.OutputHandshakeCTS == 0 {
		f.txHolding &^= uapi.HoldCTS
	}
	if prev.OutputHandshakeMask&uapi.OutputHandshakeDSR != 0 && hf.OutputHandshakeMask&uapi.OutputHandshakeDSR == 0 {
		f.txHolding &^= uapi.HoldDSR
	}
	if prev.OutputHandshakeMask&uapi.OutputHandshakeDCD != 0 && hf.OutputHandshakeMask&uapi.OutputHandshakeDCD == 0 {
		f.txHolding &^= uapi.HoldDCD
	}
	return actions
}

// HandFlow returns the current handshake configuration.
func (f *Controller) HandFlow() uapi.HandFlow { return f.hf }

// OnRXCount re-evaluates DTR/RTS handshake and auto-RX XON/XOFF
// hysteresis against the RX ring's current occupancy and capacity.
func (f *Controller) OnRXCount(count, capacity int) []Action {
	var actions []Action
	highWater := capacity - f.hf.XoffLimit
	lowWater := f.hf.XonLimit

	if f.hf.DTRMode == uapi.DTRModeHandshake {
		if !f.dtrLowered && count >= highWater {
			f.dtrLowered = true
			actions = append(actions, LowerDTR)
		} else if f.dtrLowered && count <= lowWater {
			f.dtrLowered = false
			actions = append(actions, RaiseDTR)
		}
	}

	if f.hf.RTSMode == uapi.RTSModeHandshake {
		if !f.rtsLowered && count >= highWater {
			f.rtsLowered = true
			actions = append(actions, LowerRTS)
		} else if f.rtsLowered && count <= lowWater {
			f.rtsLowered = false
			actions = append(actions, RaiseRTS)
		}
	}

	if f.hf.AutoRX {
		if !f.autoRXLatched && count >= highWater {
			f.autoRXLatched = true
			actions = append(actions, EmitXOFF)
		} else if f.autoRXLatched && count <= lowWater {
			// XON must be suppressed if a previous XOFF-driven hold is
			// still latched elsewhere; here the latch IS the hold, so
			// clearing it and emitting XON together is correct.
			f.autoRXLatched = false
			actions = append(actions, EmitXON)
		}
	}

	if count >= highWater {
		f.pendingEvents |= uapi.EventRX80Full
	}

	return actions
}

// RXHolding reports the current RX backpressure bitset.
func (f *Controller) RXHolding() uapi.HoldingReasons {
	var h uapi.HoldingReasons
	if f.dtrLowered {
		h |= uapi.HoldDTR
	}
	if f.rtsLowered {
		h |= uapi.HoldRTS
	}
	if f.autoRXLatched {
		h |= uapi.HoldRXXOFF
	}
	return h
}

// RXBackpressure reports whether any RX holding bit is asserted.
func (f *Controller) RXBackpressure() bool {
	return f.RXHolding() != 0
}

// OnModemStatus applies CTS/DSR/DCD transitions to TXHolding per the
// enabled output-handshake mask, and records wait-event bits for
// CTS/DSR/RLSD transitions and the trailing edge of RI (RING); BREAK
// events are recorded by OnBreak, not here. msr carries both live status and
// delta (change) bits, exactly as returned by uart.UART.ReadModemStatus.
func (f *Controller) OnModemStatus(msr uapi.MSRBits) []Action {
	var actions []Action

	if f.hf.OutputHandshakeMask&uapi.OutputHandshakeCTS != 0 && msr&uapi.MSRDeltaCTS != 0 {
		if msr&uapi.MSRCTS == 0 {
			f.txHolding |= uapi.HoldCTS
		} else {
			f.txHolding &^= uapi.HoldCTS
		}
	}
	if f.hf.OutputHandshakeMask&uapi.OutputHandshakeDSR != 0 && msr&uapi.MSRDeltaDSR != 0 {
		if msr&uapi.MSRDSR == 0 {
			f.txHolding |= uapi.HoldDSR
		} else {
			f.txHolding &^= uapi.HoldDSR
		}
	}
	if f.hf.OutputHandshakeMask&uapi.OutputHandshakeDCD != 0 && msr&uapi.MSRDeltaDCD != 0 {
		if msr&uapi.MSRDCD == 0 {
			f.txHolding |= uapi.HoldDCD
		} else {
			f.txHolding &^= uapi.HoldDCD
		}
	}

	if msr&uapi.MSRDeltaCTS != 0 {
		f.pendingEvents |= uapi.EventCTS
	}
	if msr&uapi.MSRDeltaDSR != 0 {
		f.pendingEvents |= uapi.EventDSR
	}
	if msr&uapi.MSRDeltaDCD != 0 {
		f.pendingEvents |= uapi.EventRLSD
	}
	if msr&uapi.MSRTrailingRI != 0 {
		f.pendingEvents |= uapi.EventRing
	}

	return actions
}

// OnXoffXonByte implements auto-TX in-band flow control: a received
// XoffChar sets TX_XOFF (when auto-TX is on); a received XonChar clears
// it. consumed reports whether the byte was intercepted and must not be
// delivered to any Read.
func (f *Controller) OnXoffXonByte(b byte, xonChar, xoffChar byte) (consumed bool) {
	if !f.hf.AutoTX {
		return false
	}
	switch b {
	case xoffChar:
		f.txHolding |= uapi.HoldXOFF
		return true
	case xonChar:
		f.txHolding &^= uapi.HoldXOFF
		return true
	default:
		return false
	}
}

// PretendXoff/PretendXon set/clear TX_XOFF unconditionally, for the
// SetXon/SetXoff control requests (spec §4.4, §6).
func (f *Controller) PretendXoff() { f.txHolding |= uapi.HoldXOFF }
func (f *Controller) PretendXon()  { f.txHolding &^= uapi.HoldXOFF }

// OnBreak sets or clears TX_BREAK.
func (f *Controller) OnBreak(on bool) {
	if on {
		f.txHolding |= uapi.HoldBreak
		f.pendingEvents |= uapi.EventBreak
	} else {
		f.txHolding &^= uapi.HoldBreak
	}
}

// TXPermitted reports whether TXHolding == 0.
func (f *Controller) TXPermitted() bool { return f.txHolding == 0 }

// TXHolding returns the current TX holding bitset (diagnostics/GetCommStatus).
func (f *Controller) TXHolding() uapi.HoldingReasons { return f.txHolding }

// TickRTSToggle implements the RTS transmit-toggle policy (RTS-mode =
// toggle): raise RTS whenever there is pending TX work and no TX_BREAK;
// once idle, arm a one-character-time lowering timer, guarded by a
// single-in-flight counter so concurrent lowering attempts don't race.
func (f *Controller) TickRTSToggle(txPending bool) []Action {
	if f.hf.RTSMode != uapi.RTSModeToggle {
		return nil
	}
	var actions []Action
	if txPending && f.txHolding&uapi.HoldBreak == 0 {
		if f.rtsLowered {
			f.rtsLowered = false
			actions = append(actions, RaiseRTS)
		}
		return actions
	}
	if !f.rtsLowered && !f.rtsToggleLoweringInFlight {
		f.rtsToggleLoweringInFlight = true
		actions = append(actions, ArmLowerRTSTimer)
	}
	return actions
}

// LowerRTSNow performs the re-check-then-lower half of the toggle
// sequence: called when the LowerRTS timer fires. If txPending is still
// false, RTS is lowered; otherwise the attempt is abandoned (the next
// TickRTSToggle call will re-arm if it goes idle again).
func (f *Controller) LowerRTSNow(txPending bool) []Action {
	f.rtsToggleLoweringInFlight = false
	if txPending {
		return nil
	}
	if f.rtsLowered {
		return nil
	}
	f.rtsLowered = true
	return []Action{LowerRTS}
}

// ConsumeEvents returns and clears the wait-event bits accumulated since
// the last call (CTS/DSR/RLSD/BREAK/RX80FULL transitions).
func (f *Controller) ConsumeEvents() uapi.WaitEventMask {
	e := f.pendingEvents
	f.pendingEvents = 0
	return e
}

// EscapeTriples builds the [EscapeChar, tag, value] byte sequences to
// insert into the RX ring for a modem-status change, a line-status
// anomaly, and (if configured) a literal reception of EscapeChar itself
// (spec §4.4 Escape insertion).
func EscapeTriples(escapeChar byte, modemChanged bool, msr uapi.MSRBits, lineAnomaly bool, lsr uapi.LSRBits, literalEscape bool) [][]byte {
	if escapeChar == 0 {
		return nil
	}
	var triples [][]byte
	if modemChanged {
		triples = append(triples, []byte{escapeChar, byte(uapi.EscapeTagModem), byte(msr)})
	}
	if lineAnomaly {
		triples = append(triples, []byte{escapeChar, byte(uapi.EscapeTagLine), byte(lsr)})
	}
	if literalEscape {
		triples = append(triples, []byte{escapeChar, byte(uapi.EscapeTagLiteral), escapeChar})
	}
	return triples
}
