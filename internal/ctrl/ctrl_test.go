package ctrl

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daedaluz/go-uartd/internal/flow"
	"github.com/daedaluz/go-uartd/internal/isr"
	"github.com/daedaluz/go-uartd/internal/ring"
	"github.com/daedaluz/go-uartd/internal/uapi"
	"github.com/daedaluz/go-uartd/internal/uart"
)

func newTestController(t *testing.T) *Controller {
	t.Helper()
	u := uart.NewSim16550(nil)
	rx := ring.New(64)
	fc := flow.New(uapi.HandFlow{})
	svc := isr.New(isr.Config{UART: u, RX: rx, Flow: fc})

	ctx, cancel := context.WithCancel(context.Background())
	go svc.Run(ctx)
	go svc.Deferred().Run(ctx)
	t.Cleanup(cancel)

	return New(Config{
		UART:       u,
		RX:         rx,
		Flow:       fc,
		ISR:        svc,
		Baud:       9600,
		Line:       uapi.LineControl{WordLength: 8, StopBits: uapi.StopBits1, Parity: uapi.ParityNone},
		Properties: uapi.Properties{MaxBaud: 115200},
	})
}

func TestSetLineControlRejectsInvalidWordLength(t *testing.T) {
	c := newTestController(t)
	err := c.SetLineControl(uapi.LineControl{WordLength: 9, StopBits: uapi.StopBits1, Parity: uapi.ParityNone})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidParameter)
	assert.Equal(t, 8, c.GetLineControl().WordLength)
}

func TestSetLineControlAppliesValidFormat(t *testing.T) {
	c := newTestController(t)
	err := c.SetLineControl(uapi.LineControl{WordLength: 7, StopBits: uapi.StopBits2, Parity: uapi.ParityEven})
	require.NoError(t, err)
	got := c.GetLineControl()
	assert.Equal(t, 7, got.WordLength)
	assert.Equal(t, uapi.StopBits2, got.StopBits)
	assert.Equal(t, uapi.ParityEven, got.Parity)
}

func TestSetBaudRejectsZero(t *testing.T) {
	c := newTestController(t)
	err := c.SetBaud(0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidParameter)
}

func TestSetBaudRejectsAboveMax(t *testing.T) {
	c := newTestController(t)
	err := c.SetBaud(230400)
	require.Error(t, err)
	assert.Equal(t, uint32(9600), c.GetBaud())
}

func TestSetBaudAppliesWithinRange(t *testing.T) {
	c := newTestController(t)
	require.NoError(t, c.SetBaud(57600))
	assert.Equal(t, uint32(57600), c.GetBaud())
}

func TestSetHandFlowRejectsInvertedLimits(t *testing.T) {
	c := newTestController(t)
	err := c.SetHandFlow(uapi.HandFlow{XonLimit: 40, XoffLimit: 10})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidParameter)
}

func TestSetHandFlowAppliesValidConfig(t *testing.T) {
	c := newTestController(t)
	hf := uapi.HandFlow{RTSMode: uapi.RTSModeHandshake, XoffLimit: 10, XonLimit: 2}
	require.NoError(t, c.SetHandFlow(hf))
	got := c.GetHandFlow()
	assert.Equal(t, uapi.RTSModeHandshake, got.RTSMode)
}

func TestSetDTRAndRTSUpdateBaseline(t *testing.T) {
	c := newTestController(t)
	require.NoError(t, c.SetDTR(true))
	require.NoError(t, c.SetRTS(uapi.RTSOn))
	assert.True(t, c.dtrBaseline)
	assert.True(t, c.rtsBaseline)
}

func TestSetRTSToggleStartSwitchesMode(t *testing.T) {
	c := newTestController(t)
	require.NoError(t, c.SetRTS(uapi.RTSToggleStart))
	assert.Equal(t, uapi.RTSModeToggle, c.GetHandFlow().RTSMode)
}

func TestSetXoffThenSetXonClearsTXHolding(t *testing.T) {
	c := newTestController(t)
	require.NoError(t, c.SetXoff())
	assert.NotZero(t, c.GetCommStatus().TXHolding&uapi.HoldXOFF)
	require.NoError(t, c.SetXon())
	assert.Zero(t, c.GetCommStatus().TXHolding&uapi.HoldXOFF)
}

func TestSetBreakOnHoldsTXAndSetBreakOffReleases(t *testing.T) {
	c := newTestController(t)
	require.NoError(t, c.SetBreakOn())
	assert.NotZero(t, c.GetCommStatus().TXHolding&uapi.HoldBreak)
	require.NoError(t, c.SetBreakOff())
	assert.Zero(t, c.GetCommStatus().TXHolding&uapi.HoldBreak)
}

func TestLsrMstInsertUpdatesEscapeChar(t *testing.T) {
	c := newTestController(t)
	require.NoError(t, c.LsrMstInsert(0x7F))
	assert.Equal(t, byte(0x7F), c.GetChars().EscapeChar)
}

func TestStatsAccumulateAndClear(t *testing.T) {
	c := newTestController(t)
	c.ObserveRead(10, 0, int(uapi.StatusSuccess))
	c.ObserveWrite(5, 0, int(uapi.StatusSuccess))
	c.ObserveLineError(false, true, false, false)

	stats := c.GetStats()
	assert.Equal(t, uint64(10), stats.BytesReceived)
	assert.Equal(t, uint64(5), stats.BytesTransmitted)
	assert.Equal(t, uint64(1), stats.ParityErrors)
	assert.NotZero(t, c.GetCommStatus().ErrorWord&uapi.LSRParityError)

	c.ClearStats()
	stats = c.GetStats()
	assert.Zero(t, stats.BytesReceived)
	assert.Zero(t, stats.ParityErrors)
}

func TestGetPropertiesReturnsConfiguredValues(t *testing.T) {
	c := newTestController(t)
	assert.Equal(t, uint32(115200), c.GetProperties().MaxBaud)
}
