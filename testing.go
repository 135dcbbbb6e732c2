package uartd

import (
	"sort"
	"sync"
	"time"

	"github.com/daedaluz/go-uartd/internal/interfaces"
	"github.com/daedaluz/go-uartd/internal/uapi"
	"github.com/daedaluz/go-uartd/internal/uart"
)

// MockUART provides a minimal, in-memory implementation of uart.UART for
// unit tests that want to drive internal/isr or internal/ctrl without a
// full Sim16550. It tracks call counts for verification and lets tests
// queue RX bytes and line-status faults directly, rather than going
// through FIFO/trigger-level simulation.
//
// Generalizes go-ublk's MockBackend call-count-tracking pattern from
// ReadAt/WriteAt to the UART register contract.
type MockUART struct {
	mu sync.Mutex

	rxQueue []byte
	lsr     uapi.LSRBits
	msr     uapi.MSRBits
	cause   uapi.InterruptCause

	lineControl uapi.LineControl
	fifoControl uapi.FIFOControl
	dtr, rts    bool
	breakOn     bool
	txInterrupt bool
	dll, dlm    byte

	txBytes []byte

	interrupts chan struct{}

	readLineStatusCalls  int
	readModemStatusCalls int
	readRxByteCalls      int
	writeTxByteCalls     int
}

// NewMockUART constructs a MockUART with no pending RX bytes or faults.
func NewMockUART() *MockUART {
	return &MockUART{
		lsr:        uapi.LSRTHREmpty | uapi.LSRTransmitterEmpty,
		interrupts: make(chan struct{}, 1),
	}
}

func (m *MockUART) wake() {
	select {
	case m.interrupts <- struct{}{}:
	default:
	}
}

// QueueRX appends bytes to the RX queue ReadRxByte drains, and wakes the
// interrupt channel.
func (m *MockUART) QueueRX(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rxQueue = append(m.rxQueue, data...)
	m.lsr |= uapi.LSRDataReady
	m.cause = uapi.CauseRxDataAvailable
	m.wake()
}

// InjectFault sets a line-status fault bit and wakes the interrupt channel.
func (m *MockUART) InjectFault(bit uapi.LSRBits) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lsr |= bit
	m.cause = uapi.CauseLineStatus
	m.wake()
}

func (m *MockUART) ReadLineStatus() uapi.LSRBits {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readLineStatusCalls++
	v := m.lsr
	m.lsr &^= uapi.LSROverrunError | uapi.LSRParityError | uapi.LSRFramingError | uapi.LSRBreakInterrupt
	return v
}

func (m *MockUART) ReadModemStatus() uapi.MSRBits {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readModemStatusCalls++
	return m.msr
}

func (m *MockUART) ReadRxByte() (byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readRxByteCalls++
	if len(m.rxQueue) == 0 {
		return 0, false
	}
	b := m.rxQueue[0]
	m.rxQueue = m.rxQueue[1:]
	if len(m.rxQueue) == 0 {
		m.lsr &^= uapi.LSRDataReady
	}
	return b, true
}

func (m *MockUART) WriteTxByte(b byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeTxByteCalls++
	m.txBytes = append(m.txBytes, b)
	return true
}

func (m *MockUART) SetLineControl(lc uapi.LineControl) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lineControl = lc
}

func (m *MockUART) SetDivisor(lo, hi byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dll, m.dlm = lo, hi
}

func (m *MockUART) SetModemControl(dtr, rts bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dtr, m.rts = dtr, rts
}

func (m *MockUART) SetFIFOControl(fc uapi.FIFOControl) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fifoControl = fc
}

func (m *MockUART) SetBreak(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breakOn = on
}

func (m *MockUART) SetInterruptEnable(lineStatus, rxData, txEmpty, modemStatus bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txInterrupt = txEmpty
}

func (m *MockUART) SetTxInterruptEnabled(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txInterrupt = on
	if on {
		m.cause = uapi.CauseTxHoldingEmpty
		m.wake()
	}
}

func (m *MockUART) ReadInterruptIdent() uapi.InterruptCause {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cause
}

func (m *MockUART) Interrupts() <-chan struct{} { return m.interrupts }

// TxBytes returns a copy of every byte accepted by WriteTxByte so far.
func (m *MockUART) TxBytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, len(m.txBytes))
	copy(out, m.txBytes)
	return out
}

// CallCounts returns the number of times each register access has been
// made, for verifying a test exercised the path it meant to.
func (m *MockUART) CallCounts() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]int{
		"read_line_status":  m.readLineStatusCalls,
		"read_modem_status": m.readModemStatusCalls,
		"read_rx_byte":      m.readRxByteCalls,
		"write_tx_byte":     m.writeTxByteCalls,
	}
}

// BreakActive reports whether SetBreak(true) is currently in effect.
func (m *MockUART) BreakActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.breakOn
}

// fakeTimer is the Timer handle FakeClock.AfterFunc returns.
type fakeTimer struct {
	clock   *FakeClock
	fireAt  time.Time
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	return true
}

func (t *fakeTimer) Reset(d time.Duration) bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	wasActive := !t.stopped
	t.stopped = false
	t.fireAt = t.clock.now.Add(d)
	return wasActive
}

// FakeClock is a manually-advanced interfaces.Clock for deterministic
// timer tests, grounded on the stop-drain-reset discipline
// internal/timers documents (timerutil.go), generalized here to a clock
// a test fully controls instead of one real timer.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

// NewFakeClock constructs a FakeClock starting at an arbitrary fixed
// instant rather than time.Now, so tests see the same times on every run.
func NewFakeClock() *FakeClock {
	return &FakeClock{now: time.Unix(0, 0)}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) interfaces.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, fireAt: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward by d, firing (in fireAt order) every
// non-stopped timer whose deadline has passed.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	due := make([]*fakeTimer, 0, len(c.timers))
	remaining := c.timers[:0]
	for _, t := range c.timers {
		if !t.stopped && !t.fireAt.After(c.now) {
			due = append(due, t)
		} else {
			remaining = append(remaining, t)
		}
	}
	c.timers = remaining
	sort.Slice(due, func(i, j int) bool { return due[i].fireAt.Before(due[j].fireAt) })
	c.mu.Unlock()

	for _, t := range due {
		t.f()
	}
}

// Compile-time interface checks
var (
	_ uart.UART        = (*MockUART)(nil)
	_ interfaces.Clock = (*FakeClock)(nil)
	_ interfaces.Timer = (*fakeTimer)(nil)
)
