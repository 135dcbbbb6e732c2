package isr

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daedaluz/go-uartd/internal/flow"
	"github.com/daedaluz/go-uartd/internal/ring"
	"github.com/daedaluz/go-uartd/internal/uapi"
	"github.com/daedaluz/go-uartd/internal/uart"
)

func newRunningService(t *testing.T, u *uart.Sim16550, hooks Hooks) (*Service, context.CancelFunc) {
	t.Helper()
	rx := ring.New(64)
	s := New(Config{
		UART:  u,
		RX:    rx,
		Flow:  flow.New(uapi.HandFlow{}),
		Chars: uapi.SpecialChars{},
		Hooks: hooks,
	})
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	t.Cleanup(cancel)
	return s, cancel
}

func TestInterruptSynchronizeRunsExclusivelyOnISRGoroutine(t *testing.T) {
	u := uart.NewSim16550(nil)
	s, _ := newRunningService(t, u, Hooks{})

	var ran bool
	s.InterruptSynchronize(func() { ran = true })
	assert.True(t, ran)
}

func TestRunDrainsInjectedRXIntoRing(t *testing.T) {
	u := uart.NewSim16550(nil)
	u.SetInterruptEnable(false, true, false, false)
	s, _ := newRunningService(t, u, Hooks{})

	u.InjectRX([]byte("hi"))

	require.Eventually(t, func() bool {
		var n int
		s.InterruptSynchronize(func() { n = s.rx.Count() })
		return n == 2
	}, time.Second, 5*time.Millisecond)
}

func TestRunPrefersDonatedBufferOverRing(t *testing.T) {
	u := uart.NewSim16550(nil)
	u.SetInterruptEnable(false, true, false, false)
	var donated []byte
	hooks := Hooks{
		Donated: func(b byte) bool {
			donated = append(donated, b)
			return true
		},
	}
	s, _ := newRunningService(t, u, hooks)

	u.InjectRX([]byte("ab"))

	require.Eventually(t, func() bool {
		return len(donated) == 2
	}, time.Second, 5*time.Millisecond)

	var ringCount int
	s.InterruptSynchronize(func() { ringCount = s.rx.Count() })
	assert.Equal(t, 0, ringCount)
}

func TestDrainRxFIFOInterceptsXoffXonWithoutDelivering(t *testing.T) {
	u := uart.NewSim16550(nil)
	rx := ring.New(64)
	s := New(Config{
		UART:  u,
		RX:    rx,
		Flow:  flow.New(uapi.HandFlow{AutoTX: true}),
		Chars: uapi.SpecialChars{XonChar: 0x11, XoffChar: 0x13},
	})
	u.InjectRX([]byte{0x13, 'A', 0x11})
	s.drainRxFIFO(u.ReadLineStatus())

	dst := make([]byte, 4)
	n := rx.DrainInto(dst)
	require.Equal(t, 1, n)
	assert.Equal(t, byte('A'), dst[0])
}

func TestDeferredPostRunsInFIFOOrder(t *testing.T) {
	d := NewDeferred()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	var order []int
	done := make(chan struct{})
	d.Post(func() { order = append(order, 1) })
	d.Post(func() { order = append(order, 2) })
	d.Post(func() { order = append(order, 3); close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for deferred queue to drain")
	}
	assert.Equal(t, []int{1, 2, 3}, order)
}
