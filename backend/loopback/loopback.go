// Package loopback wires two simulated UARTs into a null-modem pair:
// bytes transmitted on one side are delivered to the other side's RX
// FIFO, rate-limited to approximate the wire time a real baud rate
// would impose (internal/uart's Sim16550 otherwise drains TX
// synchronously with no pacing at all).
//
// Grounded on go-ublk's backend.Memory for the "standard backend
// implementation living in its own subpackage, built by a simple
// constructor" shape; the sharded-lock technique itself doesn't apply
// here since there is no shared buffer to shard, only a byte stream to
// pace.
package loopback

import (
	"context"
	"io"

	"golang.org/x/time/rate"

	"github.com/daedaluz/go-uartd/internal/uart"
)

// bytesPerSecond approximates a UART's effective byte rate for 8N1
// framing: one start bit, eight data bits, one stop bit per byte.
func bytesPerSecond(baud uint32) float64 {
	return float64(baud) / 10.0
}

// wire is an io.Writer that paces each byte through a rate.Limiter
// before injecting it into the far end's RX FIFO.
type wire struct {
	ctx     context.Context
	limiter *rate.Limiter
	target  *uart.Sim16550
}

func (w *wire) Write(p []byte) (int, error) {
	for _, b := range p {
		if err := w.limiter.WaitN(w.ctx, 1); err != nil {
			return 0, err
		}
		w.target.InjectRX([]byte{b})
	}
	return len(p), nil
}

// Pair is a null-modem pair of simulated UARTs: whatever A transmits,
// B receives, and vice versa, each paced at baud.
type Pair struct {
	A, B   *uart.Sim16550
	cancel context.CancelFunc
}

// NewPair constructs a Pair running at baud. Close stops the pacing
// context; it does not need to be called for correctness (the limiters
// hold no resources besides the context), but doing so makes pending
// WaitN calls return promptly instead of pacing out further bytes.
func NewPair(baud uint32) *Pair {
	ctx, cancel := context.WithCancel(context.Background())
	rps := rate.Limit(bytesPerSecond(baud))

	aToB := &wire{ctx: ctx, limiter: rate.NewLimiter(rps, 1)}
	bToA := &wire{ctx: ctx, limiter: rate.NewLimiter(rps, 1)}

	a := uart.NewSim16550(aToB)
	b := uart.NewSim16550(bToA)
	aToB.target = b
	bToA.target = a

	return &Pair{A: a, B: b, cancel: cancel}
}

// Close cancels the pacing context; any in-flight Write on either side
// returns an error from the cancelled context.
func (p *Pair) Close() {
	p.cancel()
}

var _ io.Writer = (*wire)(nil)
