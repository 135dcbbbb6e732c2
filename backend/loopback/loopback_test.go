package loopback

import (
	"testing"
	"time"
)

func TestPairDeliversBytesAcrossTheWire(t *testing.T) {
	p := NewPair(1_000_000) // fast enough that pacing never blocks the test
	defer p.Close()

	p.A.WriteTxByte('h')
	p.A.WriteTxByte('i')

	deadline := time.Now().Add(time.Second)
	var got []byte
	for len(got) < 2 && time.Now().Before(deadline) {
		if b, ok := p.B.ReadRxByte(); ok {
			got = append(got, b)
		}
	}
	if string(got) != "hi" {
		t.Fatalf("got %q across the wire, want %q", got, "hi")
	}
}

func TestPairIsBidirectional(t *testing.T) {
	p := NewPair(1_000_000)
	defer p.Close()

	p.B.WriteTxByte('x')

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if b, ok := p.A.ReadRxByte(); ok {
			if b != 'x' {
				t.Fatalf("got %q, want 'x'", b)
			}
			return
		}
	}
	t.Fatalf("byte never arrived at A")
}

func TestBytesPerSecond(t *testing.T) {
	if got := bytesPerSecond(9600); got != 960 {
		t.Errorf("bytesPerSecond(9600) = %v, want 960", got)
	}
}
