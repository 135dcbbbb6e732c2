// Package reqqueue implements RequestQueue (spec §4.2): an ordered,
// cancelable, per-kind queue of pending operations with exactly-one-
// completion semantics driven by an owner reference bitset.
//
// The owner-bitset Request is the Go-safe rendering spec §9 calls for
// ("typed bitset on a pinned owner") in place of the source driver's raw
// reference-counted request pointers; grounded in shape on the teacher's
// per-tag TagState/tagMutexes tracking in internal/queue/runner.go,
// generalized from one in-flight block-I/O tag to an arbitrary number of
// concurrently queued requests per kind.
package reqqueue

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/daedaluz/go-uartd/internal/uapi"
)

// Kind identifies the operation a Request represents.
type Kind int

const (
	Read Kind = iota
	Write
	Wait
	ImmediateChar
	XoffCounter
	Purge
	Flush
	ResizeBuffer
	Control
)

func (k Kind) String() string {
	switch k {
	case Read:
		return "Read"
	case Write:
		return "Write"
	case Wait:
		return "Wait"
	case ImmediateChar:
		return "ImmediateChar"
	case XoffCounter:
		return "XoffCounter"
	case Purge:
		return "Purge"
	case Flush:
		return "Flush"
	case ResizeBuffer:
		return "ResizeBuffer"
	case Control:
		return "Control"
	default:
		return "Unknown"
	}
}

// OwnerBit is one bit of a Request's reference-count bitset (spec §5:
// ISR, CANCEL, TOTAL_TIMER, INTERVAL_TIMER, XOFF_REF), plus Engine for
// the dispatch path's own hold while a request is being started.
type OwnerBit uint32

const (
	OwnerEngine OwnerBit = 1 << iota
	OwnerISR
	OwnerCancel
	OwnerTotalTimer
	OwnerIntervalTimer
	OwnerXoff
)

// State is the per-kind current-request state machine from spec §4.6:
// Idle -> ArmedInISR -> {terminal}, with an optional GrabbingFromISR hop
// on the cancel/timeout path.
type State int

const (
	StateIdle State = iota
	StateArmedInISR
	StateGrabbingFromISR
	StateCompletedOk
	StateCompletedTimeout
	StateCompletedCancelled
	StateCompletedError
)

func (s State) Terminal() bool {
	return s >= StateCompletedOk
}

// WritePhase distinguishes an XoffCounter's "masquerading as a write"
// phase from its post-emission "counting" phase (spec §9 Masquerading:
// explicit state in the kind variant, no downcasting).
type WritePhase int

const (
	PhaseWriting WritePhase = iota
	PhaseCounting
)

// Request is one queued or in-flight operation. Buf/Length/Transferred
// are mutated only by engine and isr under the engine's
// InterruptSynchronize rendezvous; Status and state transitions follow
// the same rule.
type Request struct {
	Kind   Kind
	Buf    []byte
	Length int

	Transferred int
	Status      uapi.CompletionStatus
	Phase       WritePhase // meaningful only for XoffCounter
	Events      uapi.WaitEventMask // meaningful only for Wait

	// Timeouts/Timeout are the timing configuration snapshotted at
	// request-start time (spec §5: "computed at start, not from live
	// values"); Timeouts serves Read/Write, Timeout serves the
	// single-duration kinds (ImmediateChar/XoffCounter).
	Timeouts uapi.Timeouts
	Timeout  time.Duration

	owners atomic.Uint32
	state  atomic.Int32

	mu       sync.Mutex
	cancelFn func()
	canceled bool

	done     chan struct{}
	doneOnce sync.Once

	started     chan struct{}
	startedOnce sync.Once
}

// NewRequest constructs a Request in StateIdle with no owner bits set.
func NewRequest(kind Kind, buf []byte, length int) *Request {
	return &Request{
		Kind:    kind,
		Buf:     buf,
		Length:  length,
		done:    make(chan struct{}),
		started: make(chan struct{}),
	}
}

// Acquire sets an owner bit (the holder now retains the request).
func (r *Request) Acquire(bit OwnerBit) {
	r.owners.Or(uint32(bit))
}

// Release clears an owner bit. If the resulting set is empty, the
// request's Done channel is closed exactly once, triggering completion.
func (r *Request) Release(bit OwnerBit) (completed bool) {
	r.owners.And(^uint32(bit))
	if r.owners.Load() == 0 {
		r.doneOnce.Do(func() { close(r.done) })
		return true
	}
	return false
}

// Owners reports the current owner bitset (tests and diagnostics only).
func (r *Request) Owners() OwnerBit { return OwnerBit(r.owners.Load()) }

// Done returns the channel closed exactly once, when the last owner bit
// clears (spec §5: "completion fires when the last reference bit clears").
func (r *Request) Done() <-chan struct{} { return r.done }

// SetCancel installs the kind-specific cancel routine. Spec §4.2: "every
// cancelable request has a cancel routine installed while queued or
// current."
func (r *Request) SetCancel(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelFn = fn
}

// Cancel invokes the installed cancel routine exactly once.
func (r *Request) Cancel() {
	r.mu.Lock()
	if r.canceled || r.cancelFn == nil {
		r.mu.Unlock()
		return
	}
	r.canceled = true
	fn := r.cancelFn
	r.mu.Unlock()
	fn()
}

// SetState transitions the per-kind state machine.
func (r *Request) SetState(s State) { r.state.Store(int32(s)) }

// State returns the current per-kind state.
func (r *Request) State() State { return State(r.state.Load()) }

// CompareAndSwapState is the CAS gate every completion path (ISR fill,
// timer fire, cancel, comm error) funnels through, so that exactly one
// caller wins the right to run the "grab" completion sequence for this
// request (spec §5, §9 exactly-once completion).
func (r *Request) CompareAndSwapState(old, new State) bool {
	return r.state.CompareAndSwap(int32(old), int32(new))
}

// MarkStarted closes the Started channel exactly once, signalling the
// dispatch goroutine blocked in Started that its request is now the
// current request for its kind and it may run the request's algorithm
// itself, rather than some other goroutine running it on its behalf.
func (r *Request) MarkStarted() {
	r.startedOnce.Do(func() { close(r.started) })
}

// Started returns the channel closed by MarkStarted, once this request
// becomes the current request for its kind (immediately on
// EnqueueOrStart, or later via PopNext).
func (r *Request) Started() <-chan struct{} { return r.started }

// Queue is the FIFO of Requests per Kind plus the per-kind current-slot
// pointer (spec §4.2, §3 "per-kind current-request slot").
type Queue struct {
	mu      sync.Mutex
	current map[Kind]*Request
	pending map[Kind][]*Request
}

// New constructs an empty Queue.
func New() *Queue {
	return &Queue{
		current: make(map[Kind]*Request),
		pending: make(map[Kind][]*Request),
	}
}

// EnqueueOrStart installs req as current for its kind if none is
// current, returning started=true; otherwise appends it to the pending
// FIFO and returns started=false.
func (q *Queue) EnqueueOrStart(req *Request) (started bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.current[req.Kind]; !ok {
		q.current[req.Kind] = req
		req.MarkStarted()
		return true
	}
	q.pending[req.Kind] = append(q.pending[req.Kind], req)
	return false
}

// Current returns the request currently installed for kind, if any.
func (q *Queue) Current(kind Kind) (*Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	req, ok := q.current[kind]
	return req, ok
}

// PopNext removes the current request for kind and promotes the head of
// its pending FIFO to current, if any. Called only by the completion
// path (spec §4.2).
func (q *Queue) PopNext(kind Kind) (*Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.current, kind)
	fifo := q.pending[kind]
	if len(fifo) == 0 {
		return nil, false
	}
	next := fifo[0]
	q.pending[kind] = fifo[1:]
	q.current[kind] = next
	next.MarkStarted()
	return next, true
}

// Cancel marks req cancelled; if it is the current request of its kind,
// invokes its cancel routine. If it is only pending, it is removed from
// the FIFO and completed with Cancelled directly (it never reached the
// ISR, so no ISR-ownership revocation is needed).
func (q *Queue) Cancel(req *Request) {
	q.mu.Lock()
	isCurrent := q.current[req.Kind] == req
	if !isCurrent {
		fifo := q.pending[req.Kind]
		for i, r := range fifo {
			if r == req {
				q.pending[req.Kind] = append(fifo[:i], fifo[i+1:]...)
				break
			}
		}
	}
	q.mu.Unlock()

	if isCurrent {
		req.Cancel()
		return
	}
	req.Status = uapi.StatusCancelled
	req.SetState(StateCompletedCancelled)
	req.Release(OwnerEngine)
}
