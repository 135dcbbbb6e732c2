// Package engine implements RequestEngine (spec §4.6): the entry point
// for Read, Write, Wait, Purge, Flush, ResizeBuffer, ImmediateChar,
// XoffCounter and the "try to complete current" protocol that drives
// them to exactly-one completion.
//
// Every request kind funnels through one CAS-gated grab* helper per
// kind: ISR fill, timer fire, cancel, and comm error all race to flip a
// request from StateArmedInISR to StateGrabbingFromISR, and only the
// winner mutates Status, releases the ISR reference bit, cancels
// remaining timers, and pops the next request off its kind's queue.
// Losing the race is a silent no-op — the same discipline
// internal/queue/runner.go uses per block-I/O tag, generalized here to
// the request's explicit owner bitset instead of a single io_uring tag.
package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/daedaluz/go-uartd/internal/constants"
	"github.com/daedaluz/go-uartd/internal/flow"
	"github.com/daedaluz/go-uartd/internal/interfaces"
	"github.com/daedaluz/go-uartd/internal/isr"
	"github.com/daedaluz/go-uartd/internal/reqqueue"
	"github.com/daedaluz/go-uartd/internal/ring"
	"github.com/daedaluz/go-uartd/internal/timers"
	"github.com/daedaluz/go-uartd/internal/uapi"
	"github.com/daedaluz/go-uartd/internal/wait"
)

// Config bundles the collaborators an Engine drives. The caller
// constructs these first, then New, then binds the InterruptService via
// SetISR once it exists (it is built from Hooks(), which closes over
// this Engine, so construction order is Engine -> isr.Service -> SetISR).
type Config struct {
	RX        *ring.Ring
	Queue     *reqqueue.Queue
	Flow      *flow.Controller
	Timers    *timers.Set
	Wait      *wait.Matcher
	Chars     uapi.SpecialChars
	ValidMask byte
	Observer  interfaces.Observer
	Logger    interfaces.Logger
}

// Engine is the sole owner of the Engine-bit in every request's owner
// bitset, and the only caller of reqqueue.Queue.Cancel.
type Engine struct {
	rx     *ring.Ring
	q      *reqqueue.Queue
	isr    *isr.Service
	flow   *flow.Controller
	timers *timers.Set
	wait   *wait.Matcher

	chars     uapi.SpecialChars
	validMask byte

	observer interfaces.Observer
	logger   interfaces.Logger

	mu           sync.Mutex
	currentRead  *reqqueue.Request
	currentWrite *reqqueue.Request
	currentXoff  *reqqueue.Request
	currentImm   *reqqueue.Request
	currentWait  *reqqueue.Request

	eofSeen atomic.Bool
}

// New constructs an Engine. Timers and the InterruptService must already
// be wired (or wired immediately after, via SetISR) to fire(Name, *Request)
// callbacks and Hooks respectively that reach this Engine's methods.
func New(cfg Config) *Engine {
	mask := cfg.ValidMask
	if mask == 0 {
		mask = 0xFF
	}
	return &Engine{
		rx:        cfg.RX,
		q:         cfg.Queue,
		flow:      cfg.Flow,
		timers:    cfg.Timers,
		wait:      cfg.Wait,
		chars:     cfg.Chars,
		validMask: mask,
		observer:  cfg.Observer,
		logger:    cfg.Logger,
	}
}

// SetISR binds the InterruptService this Engine donates buffers to and
// synchronizes its dispatch/deferred-context completion paths through.
// Must be called once, before any Read/Write/etc. is submitted.
func (e *Engine) SetISR(s *isr.Service) { e.isr = s }

// SetTimers binds the TimerSet this Engine arms/cancels timeouts
// against. Construction order mirrors SetISR: build the Engine with
// Config.Timers left nil, construct timers.NewSet(clock, e.TimerFire)
// (safe to capture e's method value before SetTimers runs, since it is
// only invoked later), then call SetTimers before Read/Write/etc. is
// submitted.
func (e *Engine) SetTimers(ts *timers.Set) { e.timers = ts }

// Hooks returns the isr.Hooks bound to this Engine's ISR-context
// completion paths, for the caller to pass into isr.Config before
// constructing the InterruptService.
func (e *Engine) Hooks() isr.Hooks {
	return isr.Hooks{
		Donated:            e.onDonated,
		OnSpecialChar:      e.onSpecialChar,
		OnXoffByteCounted:  e.onXoffByteCounted,
		TryImmediate:       e.tryImmediate,
		OnImmediateSent:    e.onImmediateSent,
		TryXoffByte:        e.tryXoffByte,
		OnXoffByteSent:     e.onXoffByteSent,
		NextWriteByte:      e.nextWriteByte,
		OnWriteByteSent:    e.onWriteByteSent,
		OnTxIdle:           e.onTxIdle,
		OnArmLowerRTSTimer: e.onArmLowerRTSTimer,
		OnEvents:           e.onEvents,
		OnCommError:        e.onCommError,
		OnRingDepth:        e.onRingDepth,
	}
}

// onRingDepth forwards the RX ring's current depth to the observer, so
// BufferOverrunErrors tracking has a live signal regardless of whether
// a Read is currently donating a buffer.
func (e *Engine) onRingDepth(count, capacity int) {
	if e.observer != nil {
		e.observer.ObserveRingDepth(count, capacity)
	}
}

// TimerFire is the callback internal/timers.Set invokes when a named
// timer expires uncancelled; the caller wires this as Set's fire
// function at construction.
func (e *Engine) TimerFire(name timers.Name, req *reqqueue.Request) {
	if name == timers.LowerRTS {
		e.isr.Deferred().Post(e.handleLowerRTSFire)
		return
	}
	if req == nil {
		return
	}
	e.isr.Deferred().Post(func() { e.handleTimerFire(name, req) })
}

func terminalStateFor(status uapi.CompletionStatus) reqqueue.State {
	switch status {
	case uapi.StatusSuccess:
		return reqqueue.StateCompletedOk
	case uapi.StatusTimeout, uapi.StatusCounterTimeout:
		return reqqueue.StateCompletedTimeout
	case uapi.StatusCancelled:
		return reqqueue.StateCompletedCancelled
	default:
		return reqqueue.StateCompletedError
	}
}

// readReturnsOnFirstByte implements spec §4.6 Read-start case (c):
// interval=MAX with non-MAX totals truncates the needed length to one
// byte, so the read completes as soon as any byte has arrived.
func readReturnsOnFirstByte(t uapi.Timeouts) bool {
	totalZero := t.ReadTotalConstant == 0 && t.ReadTotalMultiplier == 0
	return t.ReadIntervalConstant == uapi.IntervalTimeoutMax && !totalZero
}

// readImmediateReturn implements Read-start cases (a) and (b): interval=0
// with zero totals, or interval=MAX with zero totals, both return
// whatever is already in the ring without waiting.
func readImmediateReturn(t uapi.Timeouts) bool {
	totalZero := t.ReadTotalConstant == 0 && t.ReadTotalMultiplier == 0
	return totalZero && (t.ReadIntervalConstant == 0 || t.ReadIntervalConstant == uapi.IntervalTimeoutMax)
}

// ---- Read ----

// Read implements spec §4.6 Read start/completion.
func (e *Engine) Read(ctx context.Context, buf []byte, timeouts uapi.Timeouts) (n int, status uapi.CompletionStatus) {
	req := reqqueue.NewRequest(reqqueue.Read, buf, len(buf))
	req.Timeouts = timeouts
	req.Acquire(reqqueue.OwnerEngine)
	req.SetCancel(func() { e.grabRead(req, uapi.StatusCancelled) })

	e.q.EnqueueOrStart(req)

	select {
	case <-req.Started():
	case <-ctx.Done():
		e.q.Cancel(req)
		<-req.Done()
		e.observeRead(req)
		return req.Transferred, req.Status
	}

	e.startRead(req)
	req.Release(reqqueue.OwnerEngine)

	select {
	case <-req.Done():
	case <-ctx.Done():
		e.q.Cancel(req)
		<-req.Done()
	}
	e.observeRead(req)
	return req.Transferred, req.Status
}

func (e *Engine) startRead(req *reqqueue.Request) {
	req.SetState(reqqueue.StateArmedInISR)

	n := e.rx.DrainInto(req.Buf[req.Transferred:req.Length])
	req.Transferred += n
	if readReturnsOnFirstByte(req.Timeouts) && req.Transferred > 0 {
		req.Status = uapi.StatusSuccess
		req.SetState(reqqueue.StateCompletedOk)
		e.q.PopNext(reqqueue.Read)
		return
	}
	if req.Transferred >= req.Length || readImmediateReturn(req.Timeouts) {
		req.Status = uapi.StatusSuccess
		req.SetState(reqqueue.StateCompletedOk)
		e.q.PopNext(reqqueue.Read)
		return
	}

	e.isr.InterruptSynchronize(func() {
		n := e.rx.DrainInto(req.Buf[req.Transferred:req.Length])
		req.Transferred += n
		if readReturnsOnFirstByte(req.Timeouts) && req.Transferred > 0 {
			req.Status = uapi.StatusSuccess
			req.SetState(reqqueue.StateCompletedOk)
			e.q.PopNext(reqqueue.Read)
			return
		}
		if req.Transferred >= req.Length {
			req.Status = uapi.StatusSuccess
			req.SetState(reqqueue.StateCompletedOk)
			e.q.PopNext(reqqueue.Read)
			return
		}

		req.Acquire(reqqueue.OwnerISR)
		e.currentRead = req

		t := req.Timeouts
		totalZero := t.ReadTotalConstant == 0 && t.ReadTotalMultiplier == 0
		if !totalZero {
			d := time.Duration(t.ReadTotalConstant)*time.Millisecond +
				time.Duration(t.ReadTotalMultiplier)*time.Duration(req.Length)*time.Millisecond
			req.Acquire(reqqueue.OwnerTotalTimer)
			e.timers.Arm(timers.ReadTotal, d, req)
		}
		if t.ReadIntervalConstant != 0 && t.ReadIntervalConstant != uapi.IntervalTimeoutMax {
			req.Acquire(reqqueue.OwnerIntervalTimer)
			e.timers.Arm(timers.ReadInterval, time.Duration(t.ReadIntervalConstant)*time.Millisecond, req)
		}
	})
}

func (e *Engine) grabReadLocked(req *reqqueue.Request, status uapi.CompletionStatus) bool {
	if !req.CompareAndSwapState(reqqueue.StateArmedInISR, reqqueue.StateGrabbingFromISR) {
		return false
	}
	if e.currentRead == req {
		e.currentRead = nil
	}
	req.Status = status
	req.SetState(terminalStateFor(status))
	req.Release(reqqueue.OwnerISR)
	if e.timers.Cancel(timers.ReadTotal) {
		req.Release(reqqueue.OwnerTotalTimer)
	}
	if e.timers.Cancel(timers.ReadInterval) {
		req.Release(reqqueue.OwnerIntervalTimer)
	}
	e.q.PopNext(reqqueue.Read)
	return true
}

func (e *Engine) grabRead(req *reqqueue.Request, status uapi.CompletionStatus) (won bool) {
	e.isr.InterruptSynchronize(func() { won = e.grabReadLocked(req, status) })
	return won
}

func (e *Engine) observeRead(req *reqqueue.Request) {
	if e.observer == nil {
		return
	}
	e.observer.ObserveRead(uint64(req.Transferred), 0, int(req.Status))
}

// onDonated is called on the ISR goroutine for every RX byte not
// intercepted by auto-TX XON/XOFF.
func (e *Engine) onDonated(b byte) bool {
	req := e.currentRead
	if req == nil || req.Transferred >= req.Length {
		return false
	}
	req.Buf[req.Transferred] = b
	req.Transferred++

	if req.Transferred >= req.Length || (readReturnsOnFirstByte(req.Timeouts) && req.Transferred > 0) {
		e.grabReadLocked(req, uapi.StatusSuccess)
		return true
	}
	if req.Owners()&reqqueue.OwnerIntervalTimer != 0 {
		e.timers.Arm(timers.ReadInterval, time.Duration(req.Timeouts.ReadIntervalConstant)*time.Millisecond, req)
	}
	return true
}

// onSpecialChar latches EofReceived when the configured EofChar arrives;
// EventChar raises EventRXFlag in the ISR's wait-event path instead, and
// an ErrorChar match has no effect here (spec §4.6/§6
// GetCommStatus.EofReceived).
func (e *Engine) onSpecialChar(b byte, chars uapi.SpecialChars) {
	if b == chars.EofChar {
		e.eofSeen.Store(true)
	}
}

// EofReceived reports whether EofChar has been seen since the last
// ClearEofReceived, for ctrl.Controller.GetCommStatus to overlay onto its
// own CommStatus snapshot.
func (e *Engine) EofReceived() bool { return e.eofSeen.Load() }

// SetChars replaces the special-byte configuration, pushing it into the
// live isr.Service (whose copy is what onSpecialChar/onXoffByteCounted
// actually see on the wire) and keeping this Engine's own copy in sync
// for anything constructed from Config.Chars at startup (spec §6
// SetChars; ctrl.Controller.SetChars/LsrMstInsert call this instead of
// only updating their own cached copy).
func (e *Engine) SetChars(chars uapi.SpecialChars) {
	e.isr.InterruptSynchronize(func() {
		e.isr.SetChars(chars)
		e.mu.Lock()
		e.chars = chars
		e.mu.Unlock()
	})
}

// ClearEofReceived resets the EofChar-seen latch.
func (e *Engine) ClearEofReceived() { e.eofSeen.Store(false) }

// ---- Write ----

// Write implements spec §4.6 Write start/completion.
func (e *Engine) Write(ctx context.Context, buf []byte, timeouts uapi.Timeouts) (n int, status uapi.CompletionStatus) {
	req := reqqueue.NewRequest(reqqueue.Write, buf, len(buf))
	req.Timeouts = timeouts
	req.Acquire(reqqueue.OwnerEngine)
	req.SetCancel(func() { e.grabWrite(req, uapi.StatusCancelled) })

	e.q.EnqueueOrStart(req)

	select {
	case <-req.Started():
	case <-ctx.Done():
		e.q.Cancel(req)
		<-req.Done()
		e.observeWrite(req)
		return req.Transferred, req.Status
	}

	e.startWrite(req)
	req.Release(reqqueue.OwnerEngine)

	select {
	case <-req.Done():
	case <-ctx.Done():
		e.q.Cancel(req)
		<-req.Done()
	}
	e.observeWrite(req)
	return req.Transferred, req.Status
}

func (e *Engine) startWrite(req *reqqueue.Request) {
	req.SetState(reqqueue.StateArmedInISR)
	e.isr.InterruptSynchronize(func() {
		if e.currentXoff != nil {
			e.grabXoffLocked(e.currentXoff, uapi.StatusMoreWrites)
		}

		if req.Length == 0 {
			req.Status = uapi.StatusSuccess
			req.SetState(reqqueue.StateCompletedOk)
			e.q.PopNext(reqqueue.Write)
			return
		}

		req.Acquire(reqqueue.OwnerISR)
		e.currentWrite = req
		e.isr.EnableTxInterrupt()

		t := req.Timeouts
		total := t.WriteTotalConstant + t.WriteTotalMultiplier*uint32(req.Length)
		if total != 0 {
			req.Acquire(reqqueue.OwnerTotalTimer)
			e.timers.Arm(timers.WriteTotal, time.Duration(total)*time.Millisecond, req)
		}

		if e.flow != nil {
			for _, a := range e.flow.TickRTSToggle(true) {
				e.isr.ApplyAction(a)
			}
		}
	})
}

func (e *Engine) grabWriteLocked(req *reqqueue.Request, status uapi.CompletionStatus) bool {
	if !req.CompareAndSwapState(reqqueue.StateArmedInISR, reqqueue.StateGrabbingFromISR) {
		return false
	}
	if e.currentWrite == req {
		e.currentWrite = nil
	}
	req.Status = status
	req.SetState(terminalStateFor(status))
	req.Release(reqqueue.OwnerISR)
	if e.timers.Cancel(timers.WriteTotal) {
		req.Release(reqqueue.OwnerTotalTimer)
	}
	e.q.PopNext(reqqueue.Write)
	return true
}

func (e *Engine) grabWrite(req *reqqueue.Request, status uapi.CompletionStatus) (won bool) {
	e.isr.InterruptSynchronize(func() { won = e.grabWriteLocked(req, status) })
	return won
}

func (e *Engine) observeWrite(req *reqqueue.Request) {
	if e.observer == nil {
		return
	}
	e.observer.ObserveWrite(uint64(req.Transferred), 0, int(req.Status))
}

func (e *Engine) nextWriteByte() (byte, bool) {
	req := e.currentWrite
	if req == nil || req.Transferred >= req.Length {
		return 0, false
	}
	return req.Buf[req.Transferred], true
}

func (e *Engine) onWriteByteSent() {
	req := e.currentWrite
	if req == nil {
		return
	}
	req.Transferred++
	if req.Transferred >= req.Length {
		e.grabWriteLocked(req, uapi.StatusSuccess)
	}
}

func (e *Engine) onTxIdle() []flow.Action {
	if e.flow == nil {
		return nil
	}
	pending := e.currentWrite != nil && e.currentWrite.Transferred < e.currentWrite.Length
	return e.flow.TickRTSToggle(pending)
}

func (e *Engine) onArmLowerRTSTimer() {
	e.timers.Arm(timers.LowerRTS, constants.RTSToggleLoweringDelay, nil)
}

func (e *Engine) handleLowerRTSFire() {
	e.isr.InterruptSynchronize(func() {
		if e.flow == nil {
			return
		}
		pending := e.currentWrite != nil && e.currentWrite.Transferred < e.currentWrite.Length
		for _, a := range e.flow.LowerRTSNow(pending) {
			e.isr.ApplyAction(a)
		}
	})
}

// ---- Flush ----

// Flush implements spec §4.6 Flush: a zero-length write that completes
// once the write queue head passes it.
func (e *Engine) Flush(ctx context.Context) (status uapi.CompletionStatus) {
	_, status = e.Write(ctx, nil, uapi.Timeouts{})
	return status
}

// ---- ImmediateChar ----

// ImmediateChar implements spec §4.6/§6 ImmediateChar: send b ahead of
// the normal write queue.
func (e *Engine) ImmediateChar(ctx context.Context, b byte) (status uapi.CompletionStatus) {
	req := reqqueue.NewRequest(reqqueue.ImmediateChar, []byte{b}, 1)
	req.Acquire(reqqueue.OwnerEngine)
	req.SetCancel(func() { e.grabImmediate(req, uapi.StatusCancelled) })

	e.q.EnqueueOrStart(req)

	select {
	case <-req.Started():
	case <-ctx.Done():
		e.q.Cancel(req)
		<-req.Done()
		return req.Status
	}

	e.startImmediate(req)
	req.Release(reqqueue.OwnerEngine)

	select {
	case <-req.Done():
	case <-ctx.Done():
		e.q.Cancel(req)
		<-req.Done()
	}
	return req.Status
}

func (e *Engine) startImmediate(req *reqqueue.Request) {
	req.SetState(reqqueue.StateArmedInISR)
	e.isr.InterruptSynchronize(func() {
		req.Acquire(reqqueue.OwnerISR)
		e.currentImm = req
		e.isr.EnableTxInterrupt()
		req.Acquire(reqqueue.OwnerTotalTimer)
		e.timers.Arm(timers.ImmediateTotal, constants.DefaultImmediateCharTimeout, req)
	})
}

func (e *Engine) grabImmediateLocked(req *reqqueue.Request, status uapi.CompletionStatus) bool {
	if !req.CompareAndSwapState(reqqueue.StateArmedInISR, reqqueue.StateGrabbingFromISR) {
		return false
	}
	if e.currentImm == req {
		e.currentImm = nil
	}
	req.Status = status
	req.SetState(terminalStateFor(status))
	req.Release(reqqueue.OwnerISR)
	if e.timers.Cancel(timers.ImmediateTotal) {
		req.Release(reqqueue.OwnerTotalTimer)
	}
	e.q.PopNext(reqqueue.ImmediateChar)
	return true
}

func (e *Engine) grabImmediate(req *reqqueue.Request, status uapi.CompletionStatus) (won bool) {
	e.isr.InterruptSynchronize(func() { won = e.grabImmediateLocked(req, status) })
	return won
}

func (e *Engine) tryImmediate() (byte, bool) {
	req := e.currentImm
	if req == nil || req.Transferred >= req.Length {
		return 0, false
	}
	return req.Buf[req.Transferred], true
}

func (e *Engine) onImmediateSent() {
	req := e.currentImm
	if req == nil {
		return
	}
	req.Transferred++
	e.grabImmediateLocked(req, uapi.StatusSuccess)
}

// ---- XoffCounter ----

// XoffCounter implements spec §4.6/§9: masquerades as a single-byte
// write of xoffChar, then transitions to counting RX bytes until count
// reaches zero, a timeout fires, cancellation arrives, or a new Write
// arrives.
func (e *Engine) XoffCounter(ctx context.Context, count int, timeout time.Duration, xoffChar byte) (status uapi.CompletionStatus) {
	req := reqqueue.NewRequest(reqqueue.XoffCounter, []byte{xoffChar}, count)
	req.Timeout = timeout
	req.Phase = reqqueue.PhaseWriting
	req.Acquire(reqqueue.OwnerEngine)
	req.SetCancel(func() { e.grabXoff(req, uapi.StatusCancelled) })

	e.q.EnqueueOrStart(req)

	select {
	case <-req.Started():
	case <-ctx.Done():
		e.q.Cancel(req)
		<-req.Done()
		return req.Status
	}

	e.startXoff(req)
	req.Release(reqqueue.OwnerEngine)

	select {
	case <-req.Done():
	case <-ctx.Done():
		e.q.Cancel(req)
		<-req.Done()
	}
	return req.Status
}

func (e *Engine) startXoff(req *reqqueue.Request) {
	req.SetState(reqqueue.StateArmedInISR)
	e.isr.InterruptSynchronize(func() {
		req.Acquire(reqqueue.OwnerISR)
		e.currentXoff = req
		e.isr.EnableTxInterrupt()
	})
}

func (e *Engine) grabXoffLocked(req *reqqueue.Request, status uapi.CompletionStatus) bool {
	if !req.CompareAndSwapState(reqqueue.StateArmedInISR, reqqueue.StateGrabbingFromISR) {
		return false
	}
	if e.currentXoff == req {
		e.currentXoff = nil
	}
	req.Status = status
	req.SetState(terminalStateFor(status))
	req.Release(reqqueue.OwnerISR)
	if e.timers.Cancel(timers.XoffCount) {
		req.Release(reqqueue.OwnerXoff)
	}
	e.q.PopNext(reqqueue.XoffCounter)
	return true
}

func (e *Engine) grabXoff(req *reqqueue.Request, status uapi.CompletionStatus) (won bool) {
	e.isr.InterruptSynchronize(func() { won = e.grabXoffLocked(req, status) })
	return won
}

func (e *Engine) tryXoffByte() (byte, bool) {
	req := e.currentXoff
	if req == nil || req.Phase != reqqueue.PhaseWriting {
		return 0, false
	}
	return req.Buf[0], true
}

func (e *Engine) onXoffByteSent() {
	req := e.currentXoff
	if req == nil {
		return
	}
	req.Phase = reqqueue.PhaseCounting
	req.Transferred = 0
	req.Acquire(reqqueue.OwnerXoff)
	e.timers.Arm(timers.XoffCount, req.Timeout, req)
}

func (e *Engine) onXoffByteCounted() {
	req := e.currentXoff
	if req == nil || req.Phase != reqqueue.PhaseCounting {
		return
	}
	req.Transferred++
	if req.Transferred >= req.Length {
		e.grabXoffLocked(req, uapi.StatusSuccess)
	}
}

// ---- Wait ----

// Wait implements spec §4.7/§4.6: suspends until any bit in mask is
// observed, or returns immediately if already buffered in history.
func (e *Engine) Wait(ctx context.Context, mask uapi.WaitEventMask) (events uapi.WaitEventMask, status uapi.CompletionStatus) {
	req := reqqueue.NewRequest(reqqueue.Wait, nil, 0)
	req.Acquire(reqqueue.OwnerEngine)
	req.SetCancel(func() { e.grabWait(req, uapi.StatusCancelled) })

	e.q.EnqueueOrStart(req)

	select {
	case <-req.Started():
	case <-ctx.Done():
		e.q.Cancel(req)
		<-req.Done()
		return req.Events, req.Status
	}

	e.startWait(req, mask)
	req.Release(reqqueue.OwnerEngine)

	select {
	case <-req.Done():
	case <-ctx.Done():
		e.q.Cancel(req)
		<-req.Done()
	}
	return req.Events, req.Status
}

func (e *Engine) startWait(req *reqqueue.Request, mask uapi.WaitEventMask) {
	req.SetState(reqqueue.StateArmedInISR)
	e.isr.InterruptSynchronize(func() {
		if immediate, ok := e.wait.Arm(mask); ok {
			req.Events = immediate
			e.grabWaitLocked(req, uapi.StatusSuccess)
			return
		}
		req.Acquire(reqqueue.OwnerISR)
		e.currentWait = req
	})
}

func (e *Engine) grabWaitLocked(req *reqqueue.Request, status uapi.CompletionStatus) bool {
	if !req.CompareAndSwapState(reqqueue.StateArmedInISR, reqqueue.StateGrabbingFromISR) {
		return false
	}
	if e.currentWait == req {
		e.currentWait = nil
	}
	e.wait.Cancel()
	req.Status = status
	req.SetState(terminalStateFor(status))
	req.Release(reqqueue.OwnerISR)
	e.q.PopNext(reqqueue.Wait)
	return true
}

func (e *Engine) grabWait(req *reqqueue.Request, status uapi.CompletionStatus) (won bool) {
	e.isr.InterruptSynchronize(func() { won = e.grabWaitLocked(req, status) })
	return won
}

func (e *Engine) onEvents(bits uapi.WaitEventMask) {
	if !e.wait.Observe(bits) {
		return
	}
	req := e.currentWait
	if req == nil {
		return
	}
	req.Events = e.wait.Drain()
	e.grabWaitLocked(req, uapi.StatusSuccess)
}

// ---- Purge / ResizeBuffer ----

// Purge implements spec §4.6 Purge: clears the selected combination of
// RX-ring, TX-queue, current-RX, current-TX.
func (e *Engine) Purge(mask uapi.PurgeMask) error {
	e.isr.InterruptSynchronize(func() {
		if mask&uapi.PurgeRxAbort != 0 && e.currentRead != nil {
			e.grabReadLocked(e.currentRead, uapi.StatusCancelled)
		}
		// TxClear alone also aborts the current write: this simulation
		// clocks accepted write bytes onto the wire synchronously, so
		// there is no separate software TX queue to drain without also
		// abandoning whatever is still unsent in the request buffer.
		if (mask&uapi.PurgeTxAbort != 0 || mask&uapi.PurgeTxClear != 0) && e.currentWrite != nil {
			e.grabWriteLocked(e.currentWrite, uapi.StatusCancelled)
		}
		if mask&uapi.PurgeRxClear != 0 {
			e.rx.Purge()
		}
	})
	return nil
}

// ResizeBuffer implements spec §4.6 ResizeBuffer: only upward. The spec's
// two-phase "copy at dispatch level, then synchronized copy of whatever
// the ISR just produced" is simplified here to one InterruptSynchronize
// call around ring.Resize, since this simulation's ring never holds more
// than one resize's worth of in-flight bytes at a time.
func (e *Engine) ResizeBuffer(newCapacity int) error {
	var err error
	e.isr.InterruptSynchronize(func() {
		err = e.rx.Resize(newCapacity)
	})
	return err
}

// ---- Timer fire / comm error ----

func (e *Engine) handleTimerFire(name timers.Name, req *reqqueue.Request) {
	switch name {
	case timers.ReadTotal:
		e.grabRead(req, uapi.StatusTimeout)
		req.Release(reqqueue.OwnerTotalTimer)
	case timers.ReadInterval:
		e.grabRead(req, uapi.StatusTimeout)
		req.Release(reqqueue.OwnerIntervalTimer)
	case timers.WriteTotal:
		e.grabWrite(req, uapi.StatusTimeout)
		req.Release(reqqueue.OwnerTotalTimer)
	case timers.ImmediateTotal:
		e.grabImmediate(req, uapi.StatusTimeout)
		req.Release(reqqueue.OwnerTotalTimer)
	case timers.XoffCount:
		e.grabXoff(req, uapi.StatusCounterTimeout)
		req.Release(reqqueue.OwnerXoff)
	}
}

// onCommError implements spec §4.8/§7: a line-status fault cancels the
// current read and write atomically with SerialError, then their normal
// completion paths run.
func (e *Engine) onCommError(lsr uapi.LSRBits) {
	e.isr.InterruptSynchronize(func() {
		if e.currentRead != nil {
			e.grabReadLocked(e.currentRead, uapi.StatusSerialError)
		}
		if e.currentWrite != nil {
			e.grabWriteLocked(e.currentWrite, uapi.StatusSerialError)
		}
	})
	if e.observer != nil {
		e.observer.ObserveLineError(
			lsr&uapi.LSROverrunError != 0,
			lsr&uapi.LSRParityError != 0,
			lsr&uapi.LSRFramingError != 0,
			lsr&uapi.LSRBreakInterrupt != 0,
		)
	}
}
