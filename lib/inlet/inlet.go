// Package inlet implements the Inlet half of the tunnel data plane: a
// public listener whose accepted client connections are tunneled to a peer
// Outlet as proxy messages. Grounded structurally on
// original_source/np_base/src/proxy/inlet.rs for sequencing (compress then
// encrypt on egress; decrypt then decompress on ingress; a failed
// O2iConnect tears the originating session down) and on
// go-i2p-go-sam-bridge/lib/handler/session.go for the Go idiom of an
// injected-collaborators handler struct with a switch-dispatch Input.
package inlet

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/nyancc/tunnelcore/lib/cryptokit"
	"github.com/nyancc/tunnelcore/lib/metrics"
	"github.com/nyancc/tunnelcore/lib/proxymsg"
	"github.com/nyancc/tunnelcore/lib/session"
	"github.com/nyancc/tunnelcore/lib/transport"
	"github.com/nyancc/tunnelcore/lib/tunnelerr"
)

// TransportType selects the Inlet's listening transport, per SPEC_FULL.md
// section 6 / spec.md section 6 ("transport type {TCP, UDP, SOCKS5-reserved}").
type TransportType int

const (
	TransportTCP TransportType = iota
	TransportUDP
	TransportSOCKS5 // reserved; Start fails with tunnelerr.ErrNotImplemented
)

// READBufMaxLen is spec.md section 6's READ_BUF_MAX_LEN constant: the
// backpressure ceiling in bytes.
const READBufMaxLen = 1048576

// maxUDPSources bounds the Inlet's UDP per-source-address demux cache.
const maxUDPSources = 4096

// OutputCallback is the egress sink described by spec.md section 6's
// on_output_callback: the sole way proxy messages leave the Inlet. It must
// be safe to invoke concurrently and may block.
type OutputCallback func(ctx context.Context, msg proxymsg.Message) error

// Config is the per-Inlet configuration spec.md section 6 lists.
type Config struct {
	ListenAddr   string
	Transport    TransportType
	EndpointAddr string // forwarded verbatim in I2oConnect
	IsCompressed bool
	MethodName   string // resolved via cryptokit.GetMethod; unknown -> None
}

// Inlet owns one listener, its session registry, and the proxy-message
// traffic flowing to and from its paired Outlet.
type Inlet struct {
	cfg    Config
	method cryptokit.MethodName
	output OutputCallback
	m      *metrics.Collector
	log    *logrus.Entry

	registry *session.Registry
	nextID   atomic.Uint32

	mu          sync.Mutex
	running     bool
	cancel      context.CancelFunc
	done        chan struct{}
	tcpAcceptor *transport.TCPAcceptor
	udpAcceptor *transport.UDPAcceptor
}

// New constructs an Inlet. output is required; a nil m disables metrics and
// a nil log selects the standard logrus logger. Start must be called before
// any traffic flows.
func New(cfg Config, output OutputCallback, m *metrics.Collector, log *logrus.Entry) *Inlet {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Inlet{
		cfg:      cfg,
		output:   output,
		m:        m,
		log:      log,
		registry: session.NewRegistry(),
	}
}

// Start binds the configured listener and begins accepting. Per spec.md
// section 4.4: fails with tunnelerr.ErrRepeatedStart if already running,
// with tunnelerr.ErrNotImplemented for the reserved SOCKS5 transport, and
// with a *tunnelerr.BindError if the underlying bind fails.
func (in *Inlet) Start(ctx context.Context) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.running {
		return tunnelerr.ErrRepeatedStart
	}
	if in.cfg.Transport == TransportSOCKS5 {
		return tunnelerr.ErrNotImplemented
	}

	in.method = cryptokit.GetMethod(in.cfg.MethodName)

	runCtx, cancel := context.WithCancel(ctx)
	factory := func() transport.SessionDelegate { return in.newDelegate() }

	switch in.cfg.Transport {
	case TransportTCP:
		acc := transport.NewTCPAcceptor(in.cfg.ListenAddr, factory, in.log)
		if err := acc.Start(runCtx); err != nil {
			cancel()
			return tunnelerr.NewBindError(in.cfg.ListenAddr, err)
		}
		in.tcpAcceptor = acc
	case TransportUDP:
		acc, err := transport.NewUDPAcceptor(in.cfg.ListenAddr, factory, maxUDPSources, in.log)
		if err != nil {
			cancel()
			return tunnelerr.NewBindError(in.cfg.ListenAddr, err)
		}
		if err := acc.Start(runCtx); err != nil {
			cancel()
			return tunnelerr.NewBindError(in.cfg.ListenAddr, err)
		}
		in.udpAcceptor = acc
	default:
		cancel()
		return fmt.Errorf("inlet: unknown transport %d", in.cfg.Transport)
	}

	in.cancel = cancel
	in.done = make(chan struct{})
	in.running = true

	go func() {
		<-runCtx.Done()
		close(in.done)
	}()
	return nil
}

// Stop is idempotent: it stops accepting new connections and waits for the
// acceptor to finish unwinding in-flight sessions through their normal
// close path (spec.md section 4.4, section 5 Cancellation).
func (in *Inlet) Stop() error {
	in.mu.Lock()
	if !in.running {
		in.mu.Unlock()
		return nil
	}
	cancel := in.cancel
	done := in.done
	tcpAcc := in.tcpAcceptor
	udpAcc := in.udpAcceptor
	in.running = false
	in.tcpAcceptor = nil
	in.udpAcceptor = nil
	in.mu.Unlock()

	cancel()
	if tcpAcc != nil {
		tcpAcc.Close()
	}
	if udpAcc != nil {
		udpAcc.Close()
	}
	<-done
	return nil
}

// Input is spec.md section 6's input_proxy_message entry point: every
// inbound O→I message addressed to this Inlet is delivered here by the
// surrounding dispatcher.
func (in *Inlet) Input(ctx context.Context, msg proxymsg.Message) {
	switch m := msg.(type) {
	case proxymsg.O2iConnect:
		if !m.Success {
			in.requestClose(m.SID)
		}
		// success: no action, the session was already accepting bytes.

	case proxymsg.O2iDisconnect:
		in.requestClose(m.SID)

	case proxymsg.O2iSendDataResult:
		rec := in.registry.Get(m.SID)
		if rec == nil {
			in.log.WithField("session_id", m.SID).Trace("send-result for unknown session")
			return
		}
		rec.AckReadBufLen(m.Len)
		if in.m != nil {
			in.m.ObserveReadBufLen(rec.ReadBufLen())
		}

	case proxymsg.O2iRecvData:
		in.handleRecvData(ctx, m)

	default:
		in.log.WithField("kind", msg.Kind()).Error("inlet: unknown message")
	}
}

func (in *Inlet) requestClose(sid uint32) {
	rec := in.registry.Get(sid)
	if rec == nil {
		in.log.WithField("session_id", sid).Trace("close request for unknown session")
		return
	}
	select {
	case rec.Sender <- transport.CloseWrite{}:
	default:
		// Writer queue is already full or gone; the session is unwinding
		// through its own close path regardless.
	}
}

func (in *Inlet) handleRecvData(ctx context.Context, m proxymsg.O2iRecvData) {
	rec := in.registry.Get(m.SID)
	if rec == nil {
		in.log.WithField("session_id", m.SID).Trace("recv-data for unknown session")
		return
	}

	encodedLen := uint32(len(m.Data))
	decoded, err := decodeIngress(rec, m.Data)
	if err != nil {
		in.log.WithError(err).WithField("session_id", m.SID).Error("inlet: decode failed, closing session")
		in.requestClose(m.SID)
		return
	}

	completion := func() {
		if err := in.output(ctx, proxymsg.I2oRecvDataResult{SID: m.SID, Len: encodedLen}); err != nil {
			in.log.WithError(err).WithField("session_id", m.SID).Error("inlet: output callback failed")
		}
	}

	select {
	case rec.Sender <- transport.AckedWrite{Data: decoded, Done: completion}:
	default:
		in.log.WithField("session_id", m.SID).Warn("inlet: writer queue full, dropping frame")
	}
}

// decodeIngress mirrors spec.md section 4.4's O2iRecvData handling:
// decrypt (iff method != None), then decompress (iff is_compressed).
func decodeIngress(rec *session.Record, data []byte) ([]byte, error) {
	plain, err := cryptokit.Decrypt(rec.Method, rec.Key, data)
	if err != nil {
		return nil, fmt.Errorf("inlet: decrypt: %w", err)
	}
	if rec.IsCompressed {
		plain, err = cryptokit.DecompressData(plain)
		if err != nil {
			return nil, fmt.Errorf("inlet: decompress: %w", err)
		}
	}
	return plain, nil
}

// encodeEgress mirrors spec.md section 4.4's on_recv_frame transform order:
// compress (iff is_compressed), then encrypt (iff method != None).
func encodeEgress(rec *session.Record, data []byte) ([]byte, error) {
	out := data
	if rec.IsCompressed {
		compressed, err := cryptokit.CompressData(out)
		if err != nil {
			return nil, fmt.Errorf("inlet: compress: %w", err)
		}
		out = compressed
	}
	encrypted, err := cryptokit.Encrypt(rec.Method, rec.Key, out)
	if err != nil {
		return nil, fmt.Errorf("inlet: encrypt: %w", err)
	}
	return encrypted, nil
}
