// Package outlet implements the Outlet half of the tunnel data plane: on
// each I2oConnect it dials the configured backend and pumps bytes between
// that backend connection and its paired Inlet as proxy messages. There is
// no separate outlet.rs in original_source/np_base/src/proxy/ — only
// inlet.rs exists there — so this package is grounded on that file read in
// the mirrored direction (compress-then-encrypt on egress, decrypt-then-
// decompress on ingress, a failed dial reports O2iConnect{Success:false} and
// discards) and on np_server/src/global/manager/tunnel.rs's tunnel::Model
// for the one-inlet-paired-with-one-outlet relationship, plus
// go-i2p-go-sam-bridge/lib/handler/session.go for the same
// injected-collaborators handler idiom lib/inlet uses.
package outlet

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nyancc/tunnelcore/lib/cryptokit"
	"github.com/nyancc/tunnelcore/lib/metrics"
	"github.com/nyancc/tunnelcore/lib/proxymsg"
	"github.com/nyancc/tunnelcore/lib/session"
	"github.com/nyancc/tunnelcore/lib/transport"
	"github.com/nyancc/tunnelcore/lib/tunnelerr"
)

// READBufMaxLen mirrors lib/inlet.READBufMaxLen: the Outlet enforces the same
// backpressure ceiling on its own backend->peer direction (SPEC_FULL.md
// section 4.5/4.6).
const READBufMaxLen = 1048576

// defaultDialTimeout bounds how long a single I2oConnect's dial attempt may
// take before it is treated as a dial failure.
const defaultDialTimeout = 10 * time.Second

// OutputCallback is the egress sink for O2i* messages, symmetric with
// lib/inlet.OutputCallback.
type OutputCallback func(ctx context.Context, msg proxymsg.Message) error

// Config is the per-Outlet configuration.
type Config struct {
	// DialTimeout bounds each backend dial. Zero selects defaultDialTimeout.
	DialTimeout time.Duration
}

// Outlet owns the session registry for one peer Inlet and dials a fresh
// backend connection per inbound I2oConnect. Unlike Inlet it has no
// listener of its own: every session begins from a message, not an accept.
type Outlet struct {
	cfg    Config
	output OutputCallback
	m      *metrics.Collector
	log    *logrus.Entry

	registry *session.Registry

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	ctx     context.Context
}

// New constructs an Outlet. output is required; a nil m disables metrics and
// a nil log selects the standard logrus logger. Start must be called before
// Input is used.
func New(cfg Config, output OutputCallback, m *metrics.Collector, log *logrus.Entry) *Outlet {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	return &Outlet{
		cfg:      cfg,
		output:   output,
		m:        m,
		log:      log,
		registry: session.NewRegistry(),
	}
}

// Start marks the Outlet ready to accept Input. There is no socket to bind:
// every backend connection is dialed lazily, one per I2oConnect.
func (o *Outlet) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running {
		return tunnelerr.ErrRepeatedStart
	}
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.running = true
	return nil
}

// Stop is idempotent: it closes every live session through its normal close
// path (CloseWrite unblocks the backend read loop, which runs
// OnSessionClose) and cancels the shared context.
func (o *Outlet) Stop() error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	cancel := o.cancel
	o.running = false
	o.mu.Unlock()

	for _, rec := range o.registry.All() {
		select {
		case rec.Sender <- transport.CloseWrite{}:
		default:
		}
	}
	if cancel != nil {
		cancel()
	}
	return nil
}

// Input is the Outlet's entry point for every inbound I→O message addressed
// to it, per SPEC_FULL.md section 4.5.
func (o *Outlet) Input(ctx context.Context, msg proxymsg.Message) {
	switch m := msg.(type) {
	case proxymsg.I2oConnect:
		go o.handleConnect(ctx, m)

	case proxymsg.I2oDisconnect:
		o.requestClose(m.SID)

	case proxymsg.I2oSendData:
		o.handleSendData(ctx, m)

	case proxymsg.I2oRecvDataResult:
		rec := o.registry.Get(m.SID)
		if rec == nil {
			o.log.WithField("session_id", m.SID).Trace("recv-result for unknown session")
			return
		}
		rec.AckReadBufLen(m.Len)
		if o.m != nil {
			o.m.ObserveReadBufLen(rec.ReadBufLen())
		}

	default:
		o.log.WithField("kind", msg.Kind()).Error("outlet: unknown message")
	}
}

// handleConnect is spec.md section 4.5's dial-on-connect: dial the
// negotiated endpoint, report failure and discard on error, or register the
// session and pump the connection on success.
func (o *Outlet) handleConnect(ctx context.Context, m proxymsg.I2oConnect) {
	method := cryptokit.GetMethod(m.MethodName)
	key, err := base64.StdEncoding.DecodeString(m.KeyB64)
	if err != nil {
		o.replyConnectFailure(ctx, m.SID, fmt.Errorf("outlet: decoding key: %w", err))
		return
	}

	network := "tcp"
	if !m.IsTCP {
		network = "udp"
	}

	dialCtx, cancel := context.WithTimeout(ctx, o.cfg.DialTimeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, network, m.EndpointAddr)
	if err != nil {
		if o.m != nil {
			o.m.DialFailure()
		}
		o.replyConnectFailure(ctx, m.SID, err)
		return
	}

	delegate := &sessionDelegate{
		out:          o,
		sid:          m.SID,
		isTCP:        m.IsTCP,
		isCompressed: m.IsCompressed,
		method:       method,
		key:          key,
	}
	transport.RunSession(o.runCtx(ctx), conn, delegate, o.log)
}

func (o *Outlet) replyConnectFailure(ctx context.Context, sid uint32, err error) {
	o.log.WithError(err).WithField("session_id", sid).Warn("outlet: dial failed")
	reply := proxymsg.O2iConnect{SID: sid, Success: false, ErrorMsg: err.Error()}
	if sendErr := o.output(ctx, reply); sendErr != nil {
		o.log.WithError(sendErr).WithField("session_id", sid).Error("outlet: output callback failed for O2iConnect")
	}
}

// runCtx returns the Outlet's shared lifecycle context when Start has run,
// falling back to the caller's ctx otherwise (e.g. in tests driving Input
// directly without Start).
func (o *Outlet) runCtx(ctx context.Context) context.Context {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ctx != nil {
		return o.ctx
	}
	return ctx
}

func (o *Outlet) requestClose(sid uint32) {
	rec := o.registry.Get(sid)
	if rec == nil {
		o.log.WithField("session_id", sid).Trace("close request for unknown session")
		return
	}
	select {
	case rec.Sender <- transport.CloseWrite{}:
	default:
	}
}

// handleSendData is spec.md section 4.5's peer->backend data path:
// I2oSendData is decrypted/decompressed and written to the backend, with a
// completion emitting O2iSendDataResult carrying the pre-decode length.
func (o *Outlet) handleSendData(ctx context.Context, m proxymsg.I2oSendData) {
	rec := o.registry.Get(m.SID)
	if rec == nil {
		o.log.WithField("session_id", m.SID).Trace("send-data for unknown session")
		return
	}

	encodedLen := uint32(len(m.Data))
	decoded, err := decodeIngress(rec, m.Data)
	if err != nil {
		o.log.WithError(err).WithField("session_id", m.SID).Error("outlet: decode failed, closing session")
		o.requestClose(m.SID)
		return
	}

	completion := func() {
		if err := o.output(ctx, proxymsg.O2iSendDataResult{SID: m.SID, Len: encodedLen}); err != nil {
			o.log.WithError(err).WithField("session_id", m.SID).Error("outlet: output callback failed")
		}
	}

	select {
	case rec.Sender <- transport.AckedWrite{Data: decoded, Done: completion}:
	default:
		o.log.WithField("session_id", m.SID).Warn("outlet: writer queue full, dropping frame")
	}
}

// decodeIngress mirrors lib/inlet's decodeIngress: decrypt (iff method !=
// None), then decompress (iff is_compressed). Duplicated rather than shared
// because the two packages intentionally have no dependency on each other;
// both are grounded on the same cryptokit contract (SPEC_FULL.md section 4.1).
func decodeIngress(rec *session.Record, data []byte) ([]byte, error) {
	plain, err := cryptokit.Decrypt(rec.Method, rec.Key, data)
	if err != nil {
		return nil, fmt.Errorf("outlet: decrypt: %w", err)
	}
	if rec.IsCompressed {
		plain, err = cryptokit.DecompressData(plain)
		if err != nil {
			return nil, fmt.Errorf("outlet: decompress: %w", err)
		}
	}
	return plain, nil
}

// encodeEgress mirrors lib/inlet's encodeEgress: compress (iff
// is_compressed), then encrypt (iff method != None).
func encodeEgress(rec *session.Record, data []byte) ([]byte, error) {
	out := data
	if rec.IsCompressed {
		compressed, err := cryptokit.CompressData(out)
		if err != nil {
			return nil, fmt.Errorf("outlet: compress: %w", err)
		}
		out = compressed
	}
	encrypted, err := cryptokit.Encrypt(rec.Method, rec.Key, out)
	if err != nil {
		return nil, fmt.Errorf("outlet: encrypt: %w", err)
	}
	return encrypted, nil
}
