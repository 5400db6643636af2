// Package transport provides the generic TCP/UDP acceptor scaffolding that
// Inlet and Outlet both build on: bind/accept loops, per-connection
// reader/writer goroutines, and a delegate contract so the tunnel-specific
// framing and session bookkeeping live outside this package.
package transport

// WriterMessage is one item enqueued on a session's outbound write queue.
// The three variants mirror SPEC_FULL.md section 3's "sender: single-producer
// sink for outbound-to-local writer messages (Data, SendAndAck(data,
// completion), Close)".
type WriterMessage interface {
	isWriterMessage()
}

// DataWrite asks the writer goroutine to write Data to the local connection
// with no completion notification.
type DataWrite struct {
	Data []byte
}

func (DataWrite) isWriterMessage() {}

// AckedWrite asks the writer goroutine to write Data and invoke Done once the
// write has been accepted by the kernel, so the caller can release
// backpressure credit (SPEC_FULL.md section 4.6) exactly once the bytes have
// actually left the process.
type AckedWrite struct {
	Data []byte
	Done func()
}

func (AckedWrite) isWriterMessage() {}

// CloseWrite asks the writer goroutine to close the local connection after
// draining anything already queued ahead of it.
type CloseWrite struct{}

func (CloseWrite) isWriterMessage() {}
