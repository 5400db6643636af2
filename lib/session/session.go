// Package session holds the per-tunnel-session bookkeeping shared by Inlet
// and Outlet: the negotiated crypto/compression parameters, the in-flight
// byte counter that drives backpressure, and a registry keyed by session id.
//
// Grounded on go-i2p-go-sam-bridge/lib/session/registry.go's RegistryImpl,
// re-keyed from string session ids to the uint32 session_id SPEC_FULL.md
// section 3 defines, and stripped of the destination/style bookkeeping a SAM
// session needs but a tunnel session does not.
package session

import (
	"sync/atomic"

	"github.com/nyancc/tunnelcore/lib/cryptokit"
	"github.com/nyancc/tunnelcore/lib/transport"
)

// State is a session's lifecycle stage.
type State int32

const (
	// StateConnecting is the state of a freshly built Record. Inlet and
	// Outlet both move a record to StateOpen when they register it; the
	// Outlet builds its record only after the backend dial has succeeded.
	StateConnecting State = iota
	// StateOpen is the steady state: frames flow in both directions.
	StateOpen
	// StateClosing names a session draining in-flight writes. Neither
	// lib/inlet nor lib/outlet sets it: a session goes from StateOpen to
	// StateClosed when it is unregistered.
	StateClosing
	// StateClosed is terminal; the session has been unregistered.
	StateClosed
)

// Record is the bookkeeping tunnelcore keeps for one session_id, shared by
// both Inlet and Outlet (which fields are populated differs: see
// SPEC_FULL.md section 3).
type Record struct {
	SessionID uint32

	// Sender is the write queue for the locally-held half of this session:
	// on the Inlet, the accepted client connection; on the Outlet, the
	// dialed backend connection.
	Sender chan<- transport.WriterMessage

	// IsTCP records which acceptor this session belongs to, fixed at
	// creation (SPEC_FULL.md section 3: "fixed for the session's lifetime").
	IsTCP bool

	// IsCompressed and Method/Key are fixed at session creation and never
	// renegotiated mid-session.
	IsCompressed bool
	Method       cryptokit.MethodName
	Key          []byte

	state      atomic.Int32
	readBufLen atomic.Int64
}

// NewRecord constructs a Record in StateConnecting.
func NewRecord(sessionID uint32, isTCP, isCompressed bool, method cryptokit.MethodName, key []byte, sender chan<- transport.WriterMessage) *Record {
	r := &Record{
		SessionID:    sessionID,
		Sender:       sender,
		IsTCP:        isTCP,
		IsCompressed: isCompressed,
		Method:       method,
		Key:          key,
	}
	r.state.Store(int32(StateConnecting))
	return r
}

// State returns the current lifecycle stage.
func (r *Record) State() State {
	return State(r.state.Load())
}

// SetState updates the lifecycle stage.
func (r *Record) SetState(s State) {
	r.state.Store(int32(s))
}

// ReadBufLen returns the current in-flight byte count used for backpressure
// (SPEC_FULL.md section 4.6).
func (r *Record) ReadBufLen() int64 {
	return r.readBufLen.Load()
}

// AddReadBufLen increments the in-flight byte count when a frame is read off
// the wire and handed to the sender side, before any ack has arrived.
func (r *Record) AddReadBufLen(n int) int64 {
	return r.readBufLen.Add(int64(n))
}

// AckReadBufLen decrements the in-flight byte count by n, clamping at zero.
// SPEC_FULL.md section 4.6 and original_source/inlet.rs both treat an ack
// larger than the outstanding count as a protocol anomaly to tolerate, not a
// fatal error: the counter simply floors at zero rather than going negative.
func (r *Record) AckReadBufLen(n uint32) int64 {
	for {
		cur := r.readBufLen.Load()
		next := cur - int64(n)
		if next < 0 {
			next = 0
		}
		if r.readBufLen.CompareAndSwap(cur, next) {
			return next
		}
	}
}
