package uapi

// PortConfig is the full configuration snapshot a port is opened or
// reconfigured with: baud/word-format, FIFO trigger, flow control,
// special characters, timeouts, and the two byte-transform knobs
// (ValidDataMask, EscapeChar lives on SpecialChars).
type PortConfig struct {
	Baud          uint32
	LineControl   LineControl
	FIFO          FIFOControl
	HandFlow      HandFlow
	Chars         SpecialChars
	Timeouts      Timeouts
	ValidDataMask byte
	RingCapacity  int
}

// CommStatus mirrors GetCommStatus: hold reasons plus queued-byte counts.
type CommStatus struct {
	TXHolding   HoldingReasons
	RXHolding   HoldingReasons
	InQueue     int
	OutQueue    int
	ErrorWord   LSRBits
	EofReceived bool
}

// HoldingReasons bitsets, exactly as spec §3: TXHolding over
// {CTS,DSR,DCD,XOFF,BREAK}; RXHolding over {DTR,XOFF,RTS,DSR}.
type HoldingReasons uint8

const (
	HoldCTS HoldingReasons = 1 << iota
	HoldDSR
	HoldDCD
	HoldXOFF
	HoldBreak
)

const (
	HoldDTR HoldingReasons = 1 << iota
	HoldRXXOFF
	HoldRTS
	HoldRXDSR
)

// ModemStatus mirrors GetModemStatus: the live line levels and the delta
// bits observed since the last read.
type ModemStatus struct {
	CTS, DSR, RI, DCD bool
	DeltaCTS, DeltaDSR, TrailingRI, DeltaDCD bool
}

// Properties mirrors GetProperties: the static capabilities of the port.
type Properties struct {
	MaxBaud        uint32
	MaxTXQueue     int
	MaxRXQueue     int
	ServiceMask    uint32
	SettableParams uint32
}

// Stats mirrors GetStats/ClearStats (spec §6 Statistics counters).
type Stats struct {
	BytesReceived     uint64
	BytesTransmitted  uint64
	FrameErrors       uint64
	SerialOverrunErrors uint64
	BufferOverrunErrors uint64
	ParityErrors      uint64
}
