// Package wait implements WaitEventMatcher (spec §4.7): tracks which
// event bits have occurred since the last arming and satisfies a
// pending Wait request as soon as any armed bit is observed.
//
// Grounded directly on spec §4.7 and the buffered-event note in spec §5
// Ordering guarantees ("an event observed with nothing armed is not
// lost; it is delivered to the next Arm").
package wait

import "github.com/daedaluz/go-uartd/internal/uapi"

// Matcher holds one port's currently-armed mask and the accumulated
// history of events observed since the mask was last armed.
type Matcher struct {
	isrMask uapi.WaitEventMask
	history uapi.WaitEventMask
}

// New constructs an unarmed Matcher.
func New() *Matcher {
	return &Matcher{}
}

// Arm installs mask as the set of bits a Wait request cares about. If
// history already has a bit set that mask also selects, the match is
// immediate: ok is true and immediate holds the already-satisfied bits,
// and no arming is installed (spec §4.7: "Arm on an already-satisfied
// mask completes synchronously").
func (m *Matcher) Arm(mask uapi.WaitEventMask) (immediate uapi.WaitEventMask, ok bool) {
	if hit := m.history & mask; hit != 0 {
		m.history &^= hit
		return hit, true
	}
	m.isrMask = mask
	return 0, false
}

// Observe folds newly-occurred bits into history (history accumulates
// forever until explicitly cleared by history bits being consumed by an
// Arm hit) and reports whether any currently-armed bit was hit.
func (m *Matcher) Observe(bits uapi.WaitEventMask) (satisfied bool) {
	m.history |= bits
	return m.isrMask != 0 && m.history&m.isrMask != 0
}

// Drain returns and clears the bits of history that the currently-armed
// mask selects, for a Wait request whose Observe call just reported
// satisfied=true. Called once per satisfied Wait completion.
func (m *Matcher) Drain() uapi.WaitEventMask {
	hit := m.history & m.isrMask
	m.history &^= hit
	m.isrMask = 0
	return hit
}

// Cancel un-arms the matcher without touching history (spec §4.7:
// "Cancel leaves history intact for the next Arm").
func (m *Matcher) Cancel() {
	m.isrMask = 0
}
