package uartd

import (
	"context"
	"testing"
	"time"

	"github.com/daedaluz/go-uartd/internal/constants"
	"github.com/daedaluz/go-uartd/internal/uapi"
	"github.com/daedaluz/go-uartd/internal/uart"
)

func openLoopbackPort(t *testing.T, name string) *Port {
	t.Helper()
	u := uart.NewSim16550(nil)
	u.SetLoopback(true)

	cfg := DefaultPortConfig()
	cfg.Timeouts = uapi.Timeouts{
		ReadTotalConstant:  2000,
		WriteTotalConstant: 2000,
	}
	p, err := Open(name, u, cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestOpenAndClose(t *testing.T) {
	p := openLoopbackPort(t, constants.AutoAssignPortID)
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Idempotent.
	if err := p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestOpenRejectsDuplicateName(t *testing.T) {
	p := openLoopbackPort(t, "dup-test")
	u := uart.NewSim16550(nil)
	_, err := Open("dup-test", u, DefaultPortConfig())
	if err == nil {
		t.Fatalf("expected an error opening a duplicate name")
	}
	_ = p
}

func TestLookupFindsOpenPort(t *testing.T) {
	p := openLoopbackPort(t, "lookup-test")
	got, ok := Lookup("lookup-test")
	if !ok || got != p {
		t.Fatalf("Lookup did not return the opened port")
	}
	p.Close()
	if _, ok := Lookup("lookup-test"); ok {
		t.Fatalf("expected Lookup to fail after Close")
	}
}

func TestReadWriteRoundTripOverLoopback(t *testing.T) {
	p := openLoopbackPort(t, constants.AutoAssignPortID)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n, status := p.Write(ctx, []byte("hi"))
	if status != uapi.StatusSuccess || n != 2 {
		t.Fatalf("Write = (%d, %v), want (2, Success)", n, status)
	}

	buf := make([]byte, 2)
	n, status = p.Read(ctx, buf)
	if status != uapi.StatusSuccess || n != 2 {
		t.Fatalf("Read = (%d, %v), want (2, Success)", n, status)
	}
	if string(buf) != "hi" {
		t.Fatalf("Read got %q, want %q", buf, "hi")
	}
}

func TestStatsAccumulateAcrossReadWrite(t *testing.T) {
	p := openLoopbackPort(t, constants.AutoAssignPortID)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	p.Write(ctx, []byte("ab"))
	buf := make([]byte, 2)
	p.Read(ctx, buf)

	stats := p.GetStats()
	if stats.BytesTransmitted != 2 {
		t.Errorf("BytesTransmitted = %d, want 2", stats.BytesTransmitted)
	}
	if stats.BytesReceived != 2 {
		t.Errorf("BytesReceived = %d, want 2", stats.BytesReceived)
	}

	snap := p.Stats()
	if snap.ReadOps != 1 || snap.WriteOps != 1 {
		t.Errorf("Stats() ops = (%d,%d), want (1,1)", snap.ReadOps, snap.WriteOps)
	}

	p.ClearStats()
	if stats := p.GetStats(); stats.BytesTransmitted != 0 {
		t.Errorf("expected BytesTransmitted = 0 after ClearStats, got %d", stats.BytesTransmitted)
	}
}

func TestGetCommStatusOverlaysEofReceived(t *testing.T) {
	p := openLoopbackPort(t, constants.AutoAssignPortID)
	if err := p.SetChars(uapi.SpecialChars{EofChar: 0x1A}); err != nil {
		t.Fatalf("SetChars: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	p.Write(ctx, []byte{0x1A})
	buf := make([]byte, 1)
	p.Read(ctx, buf)

	if !p.GetCommStatus().EofReceived {
		t.Fatalf("expected EofReceived to be true after EofChar round-trip")
	}
	p.ClearEofReceived()
	if p.GetCommStatus().EofReceived {
		t.Fatalf("expected EofReceived to be false after ClearEofReceived")
	}
}

func TestSetQueueSizeResizesRing(t *testing.T) {
	p := openLoopbackPort(t, constants.AutoAssignPortID)
	if err := p.SetQueueSize(8192); err != nil {
		t.Fatalf("SetQueueSize: %v", err)
	}
}

func TestPurgeClearsQueues(t *testing.T) {
	p := openLoopbackPort(t, constants.AutoAssignPortID)
	if err := p.Purge(uapi.PurgeTxClear | uapi.PurgeRxClear); err != nil {
		t.Fatalf("Purge: %v", err)
	}
}

func TestSetBreakHoldsAndReleasesTX(t *testing.T) {
	p := openLoopbackPort(t, constants.AutoAssignPortID)
	if err := p.SetBreakOn(); err != nil {
		t.Fatalf("SetBreakOn: %v", err)
	}
	if p.GetCommStatus().TXHolding&uapi.HoldBreak == 0 {
		t.Fatalf("expected HoldBreak set after SetBreakOn")
	}
	if err := p.SetBreakOff(); err != nil {
		t.Fatalf("SetBreakOff: %v", err)
	}
	if p.GetCommStatus().TXHolding&uapi.HoldBreak != 0 {
		t.Fatalf("expected HoldBreak cleared after SetBreakOff")
	}
}
