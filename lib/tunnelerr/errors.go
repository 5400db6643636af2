// Package tunnelerr defines the error taxonomy shared by the tunnel data
// plane: configuration errors returned from Start, per-session transient
// faults that close only the affected session, and protocol anomalies that
// are dropped silently. See SPEC_FULL.md section 7.
package tunnelerr

import (
	"errors"
	"fmt"
)

// Configuration errors returned directly from Inlet/Outlet Start.
var (
	// ErrRepeatedStart is returned when Start is called on an already-running Inlet/Outlet.
	ErrRepeatedStart = errors.New("repeated start")

	// ErrNotImplemented is returned for the reserved SOCKS5 transport.
	ErrNotImplemented = errors.New("not implemented")
)

// BindError wraps a listener bind failure with the address that failed.
type BindError struct {
	Addr string
	Err  error
}

// NewBindError creates a BindError for the given listen address.
func NewBindError(addr string, err error) *BindError {
	return &BindError{Addr: addr, Err: err}
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// SessionFault wraps a per-session transient error: crypto failure,
// decompress failure, socket read/write error, or a writer queue that
// stayed full beyond grace. Per SPEC_FULL.md tier 2, a SessionFault closes
// only the session that produced it; it never propagates to the Inlet or
// Outlet's caller.
type SessionFault struct {
	SessionID uint32
	Operation string
	Err       error
}

// NewSessionFault creates a SessionFault with context.
func NewSessionFault(sessionID uint32, operation string, err error) *SessionFault {
	return &SessionFault{SessionID: sessionID, Operation: operation, Err: err}
}

func (e *SessionFault) Error() string {
	return fmt.Sprintf("session %d: %s: %v", e.SessionID, e.Operation, e.Err)
}

func (e *SessionFault) Unwrap() error { return e.Err }

// ProtocolAnomaly marks a message that was dropped rather than acted on:
// a message addressed to an unknown session, or an unexpected variant for
// this side. Per SPEC_FULL.md tier 3 these are never fatal and are logged
// at trace level only.
type ProtocolAnomaly struct {
	SessionID uint32
	Reason    string
}

// NewProtocolAnomaly creates a ProtocolAnomaly for the given session id.
func NewProtocolAnomaly(sessionID uint32, reason string) *ProtocolAnomaly {
	return &ProtocolAnomaly{SessionID: sessionID, Reason: reason}
}

func (e *ProtocolAnomaly) Error() string {
	return fmt.Sprintf("session %d: %s", e.SessionID, e.Reason)
}

// IsProtocolAnomaly reports whether err represents a dropped, non-fatal
// protocol anomaly rather than a real fault.
func IsProtocolAnomaly(err error) bool {
	var anomaly *ProtocolAnomaly
	return errors.As(err, &anomaly)
}
