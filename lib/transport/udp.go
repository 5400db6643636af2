package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

// maxDatagramSize is the largest UDP payload this acceptor will read in one
// call; oversized datagrams are truncated by the kernel, which is treated as
// a protocol anomaly at the delegate layer, not here.
const maxDatagramSize = 65507

// udpSourceTTL bounds how long an idle per-source-address demux entry is
// kept before eviction, per SPEC_FULL.md section 9 decision (a): "UDP
// sessions age out on a fixed idle timeout, enforced redundantly by a
// bounded LRU eviction cache and a sweep goroutine."
const udpSourceTTL = 60 * time.Second

// udpSource is the per-source-address delegate plus its last-seen time,
// cached so repeated datagrams from the same client reuse one session
// instead of minting a new one per packet.
type udpSource struct {
	key      string
	delegate SessionDelegate
	sender   chan WriterMessage
	lastSeen atomic.Int64 // unix nanoseconds; avoids a mutex per datagram
	closed   sync.Once    // guards against a duplicate OnSessionClose
}

func (s *udpSource) touch()               { s.lastSeen.Store(time.Now().UnixNano()) }
func (s *udpSource) idleSince() time.Time { return time.Unix(0, s.lastSeen.Load()) }

// UDPAcceptor binds one UDP socket and demuxes datagrams by source address,
// handing each source's first datagram to a freshly built SessionDelegate
// and routing subsequent datagrams from the same address to the same
// delegate. Grounded on go-i2p-go-sam-bridge/lib/datagram/udp.go's
// UDPListener (ReadFrom loop selecting on ctx.Done(), per-datagram
// handleDatagram dispatch); the per-source demux cache and idle sweep are
// this spec's addition, since SAM datagrams route by session nickname in
// the header rather than by a cached source address.
type UDPAcceptor struct {
	addr    string
	factory DelegateFactory
	log     *logrus.Entry

	mu      sync.Mutex
	conn    net.PacketConn
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	sources *lru.Cache[string, *udpSource]
}

// NewUDPAcceptor constructs a UDPAcceptor bound to addr once Start is
// called. maxSources bounds the per-source-address demux cache; entries
// beyond that bound are evicted oldest-first by the LRU, independent of the
// idle-timeout sweep.
func NewUDPAcceptor(addr string, factory DelegateFactory, maxSources int, log *logrus.Entry) (*UDPAcceptor, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	cache, err := lru.New[string, *udpSource](maxSources)
	if err != nil {
		return nil, fmt.Errorf("transport: udp source cache: %w", err)
	}
	return &UDPAcceptor{addr: addr, factory: factory, log: log, sources: cache}, nil
}

// Start binds the UDP socket and begins the receive and sweep loops in the
// background.
func (a *UDPAcceptor) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn != nil {
		return fmt.Errorf("transport: udp acceptor already started on %s", a.addr)
	}

	conn, err := net.ListenPacket("udp", a.addr)
	if err != nil {
		return fmt.Errorf("transport: udp listen %s: %w", a.addr, err)
	}
	a.conn = conn

	loopCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.wg.Add(2)
	go a.receiveLoop(loopCtx)
	go a.sweepLoop(loopCtx)
	return nil
}

// Close stops the receive/sweep loops and closes the socket.
func (a *UDPAcceptor) Close() error {
	a.mu.Lock()
	conn := a.conn
	cancel := a.cancel
	a.mu.Unlock()

	if conn == nil {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	err := conn.Close()
	a.wg.Wait()
	return err
}

func (a *UDPAcceptor) receiveLoop(ctx context.Context) {
	defer a.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := a.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				continue
			}
		}
		if n == 0 {
			continue
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		a.handleDatagram(ctx, addr, frame)
	}
}

func (a *UDPAcceptor) handleDatagram(ctx context.Context, addr net.Addr, frame []byte) {
	key := addr.String()

	src, ok := a.sources.Get(key)
	if !ok {
		sender := make(chan WriterMessage, 64)
		delegate := a.factory()
		if err := delegate.OnSessionStart(ctx, addr, sender); err != nil {
			a.log.WithError(err).WithField("remote", key).Warn("udp session start rejected")
			return
		}
		src = &udpSource{key: key, delegate: delegate, sender: sender}
		a.sources.Add(key, src)

		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			// Returns on a CloseWrite (a *Disconnect arriving through the
			// delegate), a write error, or ctx cancellation (acceptor Close());
			// either way the source is done.
			RunWriter(ctx, udpConnAdapter{a.conn, addr}, sender)
			a.shutdownSource(ctx, src)
		}()
	}
	src.touch()

	if err := src.delegate.OnRecvFrame(ctx, frame); err != nil {
		a.log.WithError(err).WithField("remote", key).Warn("udp frame handling failed")
	}
}

// sweepLoop evicts source entries that have been idle past udpSourceTTL,
// closing their write queues so the delegate's OnSessionClose fires.
func (a *UDPAcceptor) sweepLoop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(udpSourceTTL / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			for _, key := range a.sources.Keys() {
				src, ok := a.sources.Peek(key)
				if !ok {
					continue
				}
				if now.Sub(src.idleSince()) >= udpSourceTTL {
					a.sources.Remove(key)
					close(src.sender)
					a.shutdownSource(ctx, src)
				}
			}
		}
	}
}

// shutdownSource invokes the delegate's OnSessionClose exactly once,
// whether the source is retired by the sweep loop (idle timeout) or by its
// own writer goroutine exiting (CloseWrite/write error). Safe to call from
// both without double-closing.
func (a *UDPAcceptor) shutdownSource(ctx context.Context, src *udpSource) {
	src.closed.Do(func() {
		a.sources.Remove(src.key)
		src.delegate.OnSessionClose(ctx)
	})
}

// udpConnAdapter lets RunWriter's net.Conn-shaped Write() call target one
// fixed peer address on a shared net.PacketConn.
type udpConnAdapter struct {
	pc   net.PacketConn
	addr net.Addr
}

func (u udpConnAdapter) Read(b []byte) (int, error) {
	return 0, fmt.Errorf("transport: udpConnAdapter is write-only")
}
func (u udpConnAdapter) Write(b []byte) (int, error)        { return u.pc.WriteTo(b, u.addr) }
func (u udpConnAdapter) Close() error                       { return nil }
func (u udpConnAdapter) LocalAddr() net.Addr                { return u.pc.LocalAddr() }
func (u udpConnAdapter) RemoteAddr() net.Addr               { return u.addr }
func (u udpConnAdapter) SetDeadline(t time.Time) error      { return nil }
func (u udpConnAdapter) SetReadDeadline(t time.Time) error  { return nil }
func (u udpConnAdapter) SetWriteDeadline(t time.Time) error { return nil }
