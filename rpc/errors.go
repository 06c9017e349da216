package rpc

import (
	"fmt"

	capnp "github.com/MadBase/go-capnproto2/v2"
)

// ErrConnClosed is returned by Conn methods after Close has been
// called (teacher rpc.go: the sentinel returned once the connection's
// manager has shut down locally).
var ErrConnClosed = fmt.Errorf("rpc: connection closed")

// ErrCanceled is the error a question is rejected with when the peer
// returns Return::canceled (spec.md §9 Open Question decision: a
// distinguished sentinel, not a panic, not folded into ErrConnClosed).
var ErrCanceled = fmt.Errorf("rpc: call canceled by receiver")

var (
	errShutdown                = fmt.Errorf("rpc: connection shut down locally")
	errQuestionReused           = fmt.Errorf("rpc: question ID reused while still in use")
	errNoMainInterface          = fmt.Errorf("rpc: no bootstrap interface available")
	errBadTarget                = fmt.Errorf("rpc: call target does not exist")
	errUnimplemented            = fmt.Errorf("rpc: peer sent message of unimplemented kind")
	errDisembargoNonImport      = fmt.Errorf("rpc: disembargo sender-loopback target is not a promised answer")
	errDisembargoMissingAnswer  = fmt.Errorf("rpc: disembargo references unknown answer")
	errDisembargoMismatch       = fmt.Errorf("rpc: disembargo does not match an outstanding embargo")
)

// Exception wraps a decoded RPC exception struct so it satisfies the
// error interface.
type Exception struct {
	e exception
}

func (ex Exception) Error() string {
	reason, err := ex.e.Reason()
	if err != nil || reason == "" {
		return "rpc: exception (no reason given)"
	}
	return "rpc: exception: " + reason
}

// MethodError records which method a failed call targeted.
type MethodError struct {
	Interface uint64
	Method    uint16
	Err       error
}

func (e *MethodError) Error() string {
	return fmt.Sprintf("rpc: call %d.%d: %v", e.Interface, e.Method, e.Err)
}

func (e *MethodError) Unwrap() error { return e.Err }

type bootstrapError struct{ err error }

func (e bootstrapError) Error() string { return "rpc: bootstrap: " + e.err.Error() }
func (e bootstrapError) Unwrap() error { return e.err }

// questionError records which question a protocol-level failure
// concerns, for log messages.
type questionError struct {
	id     questionID
	method *capnp.Call
	err    error
}

func (e *questionError) Error() string {
	if e.method != nil {
		return fmt.Sprintf("rpc: question %d (%d.%d): %v", e.id, e.method.InterfaceID, e.method.MethodID, e.err)
	}
	return fmt.Sprintf("rpc: question %d: %v", e.id, e.err)
}

func (e *questionError) Unwrap() error { return e.err }
