package transport

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// maxFrameReadChunk bounds a single Read() call into the per-connection
// buffer; frames larger than this still work, they just extract over
// multiple reads.
const maxFrameReadChunk = 32 * 1024

// TCPAcceptor binds one listening TCP socket and spawns a reader/writer
// goroutine pair per accepted connection, delegating framing and frame
// handling to a SessionDelegate. Grounded on
// go-i2p-go-sam-bridge/lib/handler/stream_impl.go's StreamingForwarder:
// accept loop selecting on ctx.Done(), one goroutine per connection, and
// bidirectional copy replaced here by the delegate's maximal-frame
// extraction contract (SPEC_FULL.md section 4.2).
type TCPAcceptor struct {
	addr    string
	factory DelegateFactory
	log     *logrus.Entry

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// NewTCPAcceptor constructs a TCPAcceptor bound to addr once Start is
// called. factory is invoked once per accepted connection.
func NewTCPAcceptor(addr string, factory DelegateFactory, log *logrus.Entry) *TCPAcceptor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &TCPAcceptor{addr: addr, factory: factory, log: log}
}

// Start binds the listening socket and begins accepting in the background.
// It returns once the bind has succeeded or failed; the accept loop runs
// until ctx is cancelled or Close is called.
func (a *TCPAcceptor) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.listener != nil {
		return fmt.Errorf("transport: tcp acceptor already started on %s", a.addr)
	}

	ln, err := net.Listen("tcp", a.addr)
	if err != nil {
		return fmt.Errorf("transport: tcp listen %s: %w", a.addr, err)
	}
	a.listener = ln

	a.wg.Add(1)
	go a.acceptLoop(ctx)
	return nil
}

// Close stops accepting and closes the listening socket, then waits for the
// accept loop and for every already-accepted connection's session to end.
// Those sessions end when ctx is cancelled or their connection closes.
func (a *TCPAcceptor) Close() error {
	a.mu.Lock()
	ln := a.listener
	a.mu.Unlock()

	if ln == nil {
		return nil
	}
	err := ln.Close()
	a.wg.Wait()
	return err
}

func (a *TCPAcceptor) acceptLoop(ctx context.Context) {
	defer a.wg.Done()

	for {
		conn, err := a.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				a.log.WithError(err).Warn("tcp accept failed")
				return
			}
		}

		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.handleConn(ctx, conn)
		}()
	}
}

func (a *TCPAcceptor) handleConn(ctx context.Context, conn net.Conn) {
	RunSession(ctx, conn, a.factory(), a.log)
}

// RunSession drives one full-duplex stream connection end to end: starts the
// delegate, spins up a writer goroutine draining WriterMessages onto conn,
// and runs the read loop that accumulates bytes and repeatedly asks the
// delegate to extract maximal frames (SPEC_FULL.md section 4.2) until conn
// is closed or the context is cancelled. Used by TCPAcceptor for accepted
// client connections and by the Outlet for dialed backend connections,
// which have no accept loop of their own but share the same duplex-pump
// shape.
func RunSession(ctx context.Context, conn net.Conn, delegate SessionDelegate, log *logrus.Entry) {
	defer conn.Close()
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	sender := make(chan WriterMessage, 64)
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := delegate.OnSessionStart(connCtx, conn.RemoteAddr(), sender); err != nil {
		log.WithError(err).WithField("remote", conn.RemoteAddr()).Warn("session start rejected")
		return
	}

	var writerWG sync.WaitGroup
	writerWG.Add(1)
	go func() {
		defer writerWG.Done()
		RunWriter(connCtx, conn, sender)
		// The writer exiting (CloseWrite, write error) ends the session:
		// cancelling connCtx also releases a delegate waiting on backpressure.
		cancel()
	}()

	readLoop(connCtx, conn, delegate, log)

	cancel()
	writerWG.Wait()
	delegate.OnSessionClose(ctx)
}

// readLoop pulls bytes off conn, accumulates them in buf, and repeatedly
// asks the delegate to extract maximal frames until it reports none are
// ready, per SPEC_FULL.md section 4.2.
func readLoop(ctx context.Context, conn net.Conn, delegate SessionDelegate, log *logrus.Entry) {
	var buf bytes.Buffer
	chunk := make([]byte, maxFrameReadChunk)

	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			for {
				frame, ok := delegate.OnTryExtractFrame(&buf)
				if !ok {
					break
				}
				if ferr := delegate.OnRecvFrame(ctx, frame); ferr != nil {
					log.WithError(ferr).Warn("frame handling failed")
					return
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// RunWriter drains a session's write queue onto conn until the queue is
// closed, a CloseWrite is received, a write fails, or ctx is cancelled.
// Shared by the TCP/UDP acceptors and by the Outlet's dialed backend
// connections, which have no accept loop of their own but still need the
// same write-queue draining behavior.
//
// Observing ctx.Done() is what lets RunSession's normal close path
// terminate: readLoop returning on EOF cancels connCtx, and without this
// select the writer goroutine would otherwise block forever waiting on an
// empty queue that nothing ever closes, deadlocking writerWG.Wait() and
// leaving OnSessionClose (and the I2oDisconnect/O2iDisconnect it emits)
// never called.
//
// A CloseWrite actively closes conn (rather than just returning) so that a
// reader blocked in conn.Read() wakes with an error and the session's close
// sequence (lib/inlet, lib/outlet's on_session_close) runs promptly instead
// of waiting for the peer to hang up first.
func RunWriter(ctx context.Context, conn net.Conn, queue <-chan WriterMessage) {
	for {
		select {
		case <-ctx.Done():
			conn.Close()
			return
		case msg, ok := <-queue:
			if !ok {
				return
			}
			switch m := msg.(type) {
			case DataWrite:
				if _, err := conn.Write(m.Data); err != nil {
					return
				}
			case AckedWrite:
				if _, err := conn.Write(m.Data); err != nil {
					return
				}
				if m.Done != nil {
					m.Done()
				}
			case CloseWrite:
				conn.Close()
				return
			}
		}
	}
}
