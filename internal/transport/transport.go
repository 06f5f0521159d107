// Package transport owns the physical link to one inverter: a
// stream-oriented, half-duplex request/response channel carrying register
// reads and writes. The Modbus wire encoding itself is delegated to
// github.com/grid-x/modbus; this package adds link-state tracking and the
// error taxonomy the resilience layer depends on.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/sundial-energy/go-sunwatch/internal/register"
)

// Session models a single logical link to one device. Implementations are
// not safe for concurrent use; the resilience layer serializes access.
type Session interface {
	// Connect opens the link. Calling Connect on an open session is a
	// caller bug; the resilience layer guarantees a closed session first.
	Connect(ctx context.Context) error
	// Close releases the link. Safe to call on a closed session.
	Close() error
	// IsOpen reports the last known link state. The far end may have
	// dropped the connection since; a failed operation is how that shows.
	IsOpen() bool

	ReadRegisters(ctx context.Context, class register.Class, address, count uint16) ([]uint16, error)
	WriteRegister(ctx context.Context, class register.Class, address, value uint16) error
}

// LinkError wraps a transport-level failure: timeout, refused connection,
// framing or checksum mismatch. Always retryable per the resilience policy.
type LinkError struct {
	Op  string
	Err error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("link error during %s: %v", e.Op, e.Err)
}

func (e *LinkError) Unwrap() error { return e.Err }

// ProtocolError wraps a device-level rejection (a Modbus exception
// response). The link is healthy; retrying the same request is pointless.
type ProtocolError struct {
	ExceptionCode byte
	Err           error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("device rejected request (exception %d): %v", e.ExceptionCode, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// IsLinkError reports whether err is a transport-level failure.
func IsLinkError(err error) bool {
	var le *LinkError
	return errors.As(err, &le)
}

// IsProtocolError reports whether err is a device-level rejection.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
