package uartd

import (
	"errors"
	"fmt"

	"github.com/daedaluz/go-uartd/internal/uapi"
)

// Error is the structured error type every Port operation returns on
// failure: which operation, which port, which request kind, the
// completion status it maps to, and the underlying cause if any.
//
// Generalizes go-ublk's *Error{Op,DevID,Queue,Code,Errno,Msg,Inner} from
// one device/queue pair to one named port and request kind.
type Error struct {
	Op          string
	PortName    string
	RequestKind string
	Code        uapi.CompletionStatus
	Inner       error
}

func (e *Error) Error() string {
	if e.Inner != nil {
		return fmt.Sprintf("uartd: %s: port %q: %s: %s (%v)", e.Op, e.PortName, e.RequestKind, e.Code, e.Inner)
	}
	return fmt.Sprintf("uartd: %s: port %q: %s: %s", e.Op, e.PortName, e.RequestKind, e.Code)
}

func (e *Error) Unwrap() error { return e.Inner }

// Is reports whether target is an *Error with the same Code, so callers
// can do errors.Is(err, &Error{Code: uapi.StatusTimeout}) without caring
// about Op/PortName/RequestKind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewError constructs an *Error with no underlying cause.
func NewError(op, portName, requestKind string, code uapi.CompletionStatus) *Error {
	return &Error{Op: op, PortName: portName, RequestKind: requestKind, Code: code}
}

// WrapError constructs an *Error wrapping inner, classifying it via
// mapUARTFault when inner is (or wraps) a line-status fault, and falling
// back to StatusInvalidParameter otherwise.
func WrapError(op, portName, requestKind string, inner error) *Error {
	code := uapi.StatusInvalidParameter
	var lsrErr *lineStatusError
	if errors.As(inner, &lsrErr) {
		code = mapUARTFault(lsrErr.bits)
	}
	return &Error{Op: op, PortName: portName, RequestKind: requestKind, Code: code, Inner: inner}
}

// lineStatusError carries a raw LSR fault snapshot so WrapError can
// classify it without internal/uart depending on this package.
type lineStatusError struct {
	bits uapi.LSRBits
}

func (e *lineStatusError) Error() string {
	return fmt.Sprintf("line status fault: %08b", e.bits)
}

// mapUARTFault classifies a line-status register snapshot into the
// CompletionStatus a caller sees, mirroring go-ublk's mapErrnoToCode:
// one fault bit standing in for one errno.
func mapUARTFault(lsr uapi.LSRBits) uapi.CompletionStatus {
	if lsr.HasError() {
		return uapi.StatusSerialError
	}
	return uapi.StatusSuccess
}

// IsCode reports whether err is (or wraps) an *Error with the given
// completion status.
func IsCode(err error, code uapi.CompletionStatus) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Code == code
}

// ErrPortClosed is the sentinel error for an operation on a closed port.
// No Port method returns it: Port does not track whether Close has run.
var ErrPortClosed = errors.New("uartd: port closed")

// ErrPortNameInUse is returned by Open when the requested name already
// has a live port registered.
var ErrPortNameInUse = errors.New("uartd: port name already in use")
