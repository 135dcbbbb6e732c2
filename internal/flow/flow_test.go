package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/daedaluz/go-uartd/internal/uapi"
)

func handshakeHF() uapi.HandFlow {
	return uapi.HandFlow{
		DTRMode:             uapi.DTRModeHandshake,
		RTSMode:              uapi.RTSModeHandshake,
		XoffLimit:           10,
		XonLimit:            4,
		AutoRX:               true,
		AutoTX:               true,
		OutputHandshakeMask: uapi.OutputHandshakeCTS | uapi.OutputHandshakeDSR,
	}
}

func TestOnRXCountLowersDTRRTSAtHighWater(t *testing.T) {
	f := New(handshakeHF())
	actions := f.OnRXCount(90, 100) // highWater = 100-10 = 90
	assert.Contains(t, actions, LowerDTR)
	assert.Contains(t, actions, LowerRTS)
	assert.Contains(t, actions, EmitXOFF)
	assert.True(t, f.RXBackpressure())
}

func TestOnRXCountRaisesBackAtLowWater(t *testing.T) {
	f := New(handshakeHF())
	f.OnRXCount(90, 100)
	actions := f.OnRXCount(4, 100) // lowWater = 4
	assert.Contains(t, actions, RaiseDTR)
	assert.Contains(t, actions, RaiseRTS)
	assert.Contains(t, actions, EmitXON)
	assert.False(t, f.RXBackpressure())
}

func TestOnRXCountIsIdempotentBetweenWatermarks(t *testing.T) {
	f := New(handshakeHF())
	f.OnRXCount(90, 100)
	actions := f.OnRXCount(50, 100)
	assert.Empty(t, actions)
}

func TestOnModemStatusSetsAndClearsCTSHolding(t *testing.T) {
	f := New(handshakeHF())
	f.OnModemStatus(uapi.MSRDeltaCTS) // CTS bit itself clear => drop
	assert.False(t, f.TXPermitted())
	assert.Equal(t, uapi.HoldCTS, f.TXHolding()&uapi.HoldCTS)

	f.OnModemStatus(uapi.MSRDeltaCTS | uapi.MSRCTS) // CTS now asserted
	assert.True(t, f.TXPermitted())
}

func TestOnModemStatusRecordsWaitEvents(t *testing.T) {
	f := New(handshakeHF())
	f.OnModemStatus(uapi.MSRDeltaCTS | uapi.MSRDeltaDSR | uapi.MSRTrailingRI)
	events := f.ConsumeEvents()
	assert.NotZero(t, events&uapi.EventCTS)
	assert.NotZero(t, events&uapi.EventDSR)
	assert.NotZero(t, events&uapi.EventRing)

	assert.Zero(t, f.ConsumeEvents())
}

func TestOnXoffXonByteConsumesWhenAutoTXEnabled(t *testing.T) {
	f := New(handshakeHF())
	consumed := f.OnXoffXonByte(0x13, 0x11, 0x13)
	assert.True(t, consumed)
	assert.False(t, f.TXPermitted())

	consumed = f.OnXoffXonByte(0x11, 0x11, 0x13)
	assert.True(t, consumed)
	assert.True(t, f.TXPermitted())
}

func TestOnXoffXonByteIgnoresOtherBytesAndDisabledAutoTX(t *testing.T) {
	f := New(uapi.HandFlow{AutoTX: false})
	consumed := f.OnXoffXonByte(0x13, 0x11, 0x13)
	assert.False(t, consumed)

	f2 := New(handshakeHF())
	consumed = f2.OnXoffXonByte('x', 0x11, 0x13)
	assert.False(t, consumed)
}

func TestOnBreakSetsAndClearsHolding(t *testing.T) {
	f := New(handshakeHF())
	f.OnBreak(true)
	assert.False(t, f.TXPermitted())
	events := f.ConsumeEvents()
	assert.NotZero(t, events&uapi.EventBreak)

	f.OnBreak(false)
	assert.True(t, f.TXPermitted())
}

func TestTickRTSToggleArmsLoweringWhenIdle(t *testing.T) {
	f := New(uapi.HandFlow{RTSMode: uapi.RTSModeToggle})
	actions := f.TickRTSToggle(false)
	assert.Contains(t, actions, ArmLowerRTSTimer)

	// a second idle tick must not re-arm while one is already in flight
	actions = f.TickRTSToggle(false)
	assert.Empty(t, actions)
}

func TestTickRTSToggleRaisesRTSWhenTXPending(t *testing.T) {
	f := New(uapi.HandFlow{RTSMode: uapi.RTSModeToggle})
	f.LowerRTSNow(false)
	actions := f.TickRTSToggle(true)
	assert.Contains(t, actions, RaiseRTS)
}

func TestLowerRTSNowAbandonsIfTXBecamePendingBeforeFire(t *testing.T) {
	f := New(uapi.HandFlow{RTSMode: uapi.RTSModeToggle})
	f.TickRTSToggle(false)
	actions := f.LowerRTSNow(true)
	assert.Empty(t, actions)
}

func TestEscapeTriplesBuildsTaggedSequencesWhenConfigured(t *testing.T) {
	triples := EscapeTriples(0x1B, true, uapi.MSRCTS, true, uapi.LSRFramingError, false)
	assert.Len(t, triples, 2)
	assert.Equal(t, []byte{0x1B, byte(uapi.EscapeTagModem), byte(uapi.MSRCTS)}, triples[0])
	assert.Equal(t, []byte{0x1B, byte(uapi.EscapeTagLine), byte(uapi.LSRFramingError)}, triples[1])
}

func TestEscapeTriplesEmptyWhenNoEscapeChar(t *testing.T) {
	triples := EscapeTriples(0, true, uapi.MSRCTS, true, uapi.LSRFramingError, false)
	assert.Nil(t, triples)
}
