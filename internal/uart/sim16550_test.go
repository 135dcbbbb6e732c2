package uart

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daedaluz/go-uartd/internal/uapi"
)

func TestSim16550WriteTxDrainsToOut(t *testing.T) {
	var out bytes.Buffer
	s := NewSim16550(&out)

	require.True(t, s.WriteTxByte('h'))
	require.True(t, s.WriteTxByte('i'))
	assert.Equal(t, "hi", out.String())
}

func TestSim16550LoopbackEchoesTX(t *testing.T) {
	s := NewSim16550(nil)
	s.SetLoopback(true)
	s.SetInterruptEnable(false, true, false, false)

	require.True(t, s.WriteTxByte('x'))

	select {
	case <-s.Interrupts():
	case <-time.After(time.Second):
		t.Fatal("expected RX interrupt after loopback TX")
	}

	b, ok := s.ReadRxByte()
	require.True(t, ok)
	assert.Equal(t, byte('x'), b)
}

func TestSim16550InjectRXSetsDataReady(t *testing.T) {
	s := NewSim16550(nil)
	s.SetInterruptEnable(false, true, false, false)

	n := s.InjectRX([]byte("ab"))
	assert.Equal(t, 2, n)

	select {
	case <-s.Interrupts():
	case <-time.After(time.Second):
		t.Fatal("expected RX interrupt")
	}

	assert.NotZero(t, s.ReadLineStatus()&uapi.LSRDataReady)
	b, ok := s.ReadRxByte()
	require.True(t, ok)
	assert.Equal(t, byte('a'), b)
}

func TestSim16550RXFIFOOverrun(t *testing.T) {
	s := NewSim16550(nil)
	full := bytes.Repeat([]byte{'z'}, fifoSize+4)
	n := s.InjectRX(full)
	assert.Equal(t, fifoSize, n)
	assert.NotZero(t, s.ReadLineStatus()&uapi.LSROverrunError)
}

func TestSim16550ModemStatusDeltaClearsOnRead(t *testing.T) {
	s := NewSim16550(nil)
	s.SetInterruptEnable(false, false, false, true)
	s.SetModemLine(true, false, false, false)

	msr := s.ReadModemStatus()
	assert.NotZero(t, msr&uapi.MSRDeltaCTS)
	assert.NotZero(t, msr&uapi.MSRCTS)

	msr2 := s.ReadModemStatus()
	assert.Zero(t, msr2&uapi.MSRDeltaCTS)
}

func TestSim16550InterruptPriorityLineStatusBeatsRxData(t *testing.T) {
	s := NewSim16550(nil)
	s.SetInterruptEnable(true, true, false, false)
	s.InjectRX([]byte("a"))
	s.InjectLineError(uapi.LSRFramingError)

	assert.Equal(t, uapi.CauseLineStatus, s.ReadInterruptIdent())
}
