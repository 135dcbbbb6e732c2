// Package timers implements TimerSet (spec §4.3): named one-shot timers
// owned by the port, armed/cancelled from any execution context, firing
// onto the deferred-callback queue rather than invoking completion
// directly.
//
// Arm/re-arm discipline is grounded on a stop-drain-reset helper for
// safely resetting a live *time.Timer without a double-fire race
// (jangala-dev-devicecode-go/services/hal/timerutil.go), generalized
// from one timer to a named set of six.
package timers

import (
	"sync"
	"time"

	"github.com/daedaluz/go-uartd/internal/interfaces"
	"github.com/daedaluz/go-uartd/internal/reqqueue"
)

// Name identifies one of the port's six named one-shot timers.
type Name int

const (
	ReadTotal Name = iota
	ReadInterval
	WriteTotal
	ImmediateTotal
	XoffCount
	LowerRTS
)

func (n Name) String() string {
	switch n {
	case ReadTotal:
		return "ReadTotal"
	case ReadInterval:
		return "ReadInterval"
	case WriteTotal:
		return "WriteTotal"
	case ImmediateTotal:
		return "ImmediateTotal"
	case XoffCount:
		return "XoffCount"
	case LowerRTS:
		return "LowerRTS"
	default:
		return "Unknown"
	}
}

// Clock and Handle are aliases of the shared internal/interfaces
// abstractions, so TimerSet, a FakeClock in package uartd's testing.go,
// and anything else in the engine that needs time all agree on one
// Clock shape instead of each package rolling its own.
type Clock = interfaces.Clock
type Handle = interfaces.Timer

// RealClock drives timers with the real wall clock via time.AfterFunc.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) AfterFunc(d time.Duration, f func()) Handle {
	return realHandle{time.AfterFunc(d, f)}
}

type realHandle struct{ t *time.Timer }

func (h realHandle) Stop() bool                 { return h.t.Stop() }
func (h realHandle) Reset(d time.Duration) bool { return h.t.Reset(d) }

type slot struct {
	handle Handle
	req    *reqqueue.Request
	armed  bool
}

// Set holds the six named timers for one port.
type Set struct {
	mu    sync.Mutex
	clock Clock
	fire  func(Name, *reqqueue.Request)
	slots map[Name]*slot
}

// NewSet constructs a Set. fire is invoked from the clock's own callback
// goroutine when a timer expires without having been cancelled first;
// the caller (internal/isr's Deferred queue) is responsible for
// scheduling fire at deferred priority rather than inline.
func NewSet(clock Clock, fire func(Name, *reqqueue.Request)) *Set {
	if clock == nil {
		clock = RealClock{}
	}
	return &Set{
		clock: clock,
		fire:  fire,
		slots: make(map[Name]*slot),
	}
}

// Arm schedules name to fire after d, carrying a reference to req. If
// name was already armed, it is re-armed to the new expiry without
// firing the previous arming; wasArmed reports whether a previous
// arming existed (spec §4.3: "re-arms to new expiry without firing").
func (s *Set) Arm(name Name, d time.Duration, req *reqqueue.Request) (wasArmed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.slots[name]
	if ok && sl.armed {
		sl.handle.Stop()
		wasArmed = true
	}
	if !ok {
		sl = &slot{}
		s.slots[name] = sl
	}
	sl.req = req
	sl.armed = true
	sl.handle = s.clock.AfterFunc(d, func() { s.onFire(name) })
	return wasArmed
}

// Cancel dequeues name if pending. prevented reports whether a fire was
// actually prevented (it was armed and the stop raced ahead of firing).
// If handle.Stop() loses that race (the clock's callback already fired
// or is already running), armed/req are left untouched so the in-flight
// onFire still sees an armed slot and runs fire exactly once instead of
// being shut out by a Cancel that already gave up on it — the owner bit
// onFire releases would otherwise never clear.
func (s *Set) Cancel(name Name) (prevented bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.slots[name]
	if !ok || !sl.armed {
		return false
	}
	stopped := sl.handle.Stop()
	if stopped {
		sl.armed = false
		sl.req = nil
	}
	return stopped
}

func (s *Set) onFire(name Name) {
	s.mu.Lock()
	sl, ok := s.slots[name]
	if !ok || !sl.armed {
		s.mu.Unlock()
		return
	}
	sl.armed = false
	req := sl.req
	sl.req = nil
	fire := s.fire
	s.mu.Unlock()

	if fire != nil {
		fire(name, req)
	}
}
