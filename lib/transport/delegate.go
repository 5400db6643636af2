package transport

import (
	"bytes"
	"context"
	"net"
)

// SessionDelegate is implemented once each by Inlet and Outlet session
// handling (lib/inlet, lib/outlet). The acceptor owns the socket and the
// write queue; the delegate owns tunnel semantics: what a "frame" is on this
// connection, and what happens to one once it is extracted.
//
// TCP sessions have no natural frame boundary, so OnTryExtractFrame is given
// the whole unread buffer and decides how much of it (if any) constitutes one
// maximal frame to hand upstream (SPEC_FULL.md section 4.2: the lib/inlet
// and lib/outlet delegates take everything currently buffered as one frame).
// UDP sessions are inherently message-shaped: each datagram is one frame, and
// the UDP acceptor calls OnRecvFrame directly without consulting
// OnTryExtractFrame.
type SessionDelegate interface {
	// OnSessionStart is invoked once, before any frames are delivered, with a
	// channel the delegate can use to push WriterMessages back out to the
	// local connection. Session id assignment is the delegate's own
	// business (the Inlet mints a fresh id per accepted connection; the
	// Outlet already knows its id from the I2oConnect that created it), so
	// it is not a parameter here.
	OnSessionStart(ctx context.Context, addr net.Addr, sender chan<- WriterMessage) error

	// OnTryExtractFrame inspects buf (data read so far but not yet
	// delivered) and returns the extracted frame plus true if one is ready,
	// or (nil, false) if buf does not yet hold a complete frame. It must not
	// retain buf's backing array past the call.
	OnTryExtractFrame(buf *bytes.Buffer) ([]byte, bool)

	// OnRecvFrame delivers one extracted frame (TCP) or one datagram (UDP).
	OnRecvFrame(ctx context.Context, frame []byte) error

	// OnSessionClose is invoked once the local connection has been closed,
	// for any reason (EOF, error, or a CloseWrite drain).
	OnSessionClose(ctx context.Context)
}

// DelegateFactory constructs one SessionDelegate per accepted connection or
// per newly observed UDP source address.
type DelegateFactory func() SessionDelegate
