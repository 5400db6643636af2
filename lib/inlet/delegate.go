package inlet

import (
	"bytes"
	"context"
	"encoding/base64"
	"net"
	"runtime"

	"github.com/nyancc/tunnelcore/lib/cryptokit"
	"github.com/nyancc/tunnelcore/lib/metrics"
	"github.com/nyancc/tunnelcore/lib/proxymsg"
	"github.com/nyancc/tunnelcore/lib/session"
	"github.com/nyancc/tunnelcore/lib/transport"
)

// sessionDelegate is one Inlet session's transport.SessionDelegate:
// spec.md section 4.4's on_session_start / on_recv_frame / on_session_close,
// plus frame extraction for the TCP case.
type sessionDelegate struct {
	in  *Inlet
	rec *session.Record
}

func (in *Inlet) newDelegate() transport.SessionDelegate {
	return &sessionDelegate{in: in}
}

// OnSessionStart is spec.md section 4.4's on_session_start: assign a fresh
// session id, generate a key for the fixed method, insert the registry
// entry, and emit I2oConnect.
func (d *sessionDelegate) OnSessionStart(ctx context.Context, addr net.Addr, sender chan<- transport.WriterMessage) error {
	sid := d.in.nextID.Add(1)

	key, err := cryptokit.GenerateKey(d.in.method)
	if err != nil {
		return err
	}

	isTCP := d.in.cfg.Transport == TransportTCP
	d.rec = session.NewRecord(sid, isTCP, d.in.cfg.IsCompressed, d.in.method, key, sender)
	d.rec.SetState(session.StateOpen)
	d.in.registry.Register(d.rec)

	if d.in.m != nil {
		d.in.m.SessionOpened(metrics.SideInlet)
	}

	clientAddr := ""
	if addr != nil {
		clientAddr = addr.String()
	}

	connect := proxymsg.I2oConnect{
		SID:          sid,
		IsTCP:        isTCP,
		IsCompressed: d.in.cfg.IsCompressed,
		EndpointAddr: d.in.cfg.EndpointAddr,
		MethodName:   string(d.in.method),
		KeyB64:       base64.StdEncoding.EncodeToString(key),
		ClientAddr:   clientAddr,
	}
	if err := d.in.output(ctx, connect); err != nil {
		d.in.log.WithError(err).WithField("session_id", sid).Error("inlet: output callback failed for I2oConnect")
	}
	return nil
}

// OnTryExtractFrame implements spec.md section 4.2's maximal frame
// extraction for the Inlet-TCP case: the whole currently-buffered prefix is
// one frame. UDP sessions never call this (one datagram is already one
// frame, delivered straight to OnRecvFrame by the UDP acceptor).
func (d *sessionDelegate) OnTryExtractFrame(buf *bytes.Buffer) ([]byte, bool) {
	if buf.Len() == 0 {
		return nil, false
	}
	frame := make([]byte, buf.Len())
	copy(frame, buf.Bytes())
	buf.Reset()
	return frame, true
}

// OnRecvFrame is spec.md section 4.4's client->peer data path: compress,
// encrypt, enforce backpressure, then emit I2oSendData.
func (d *sessionDelegate) OnRecvFrame(ctx context.Context, frame []byte) error {
	transformed, err := encodeEgress(d.rec, frame)
	if err != nil {
		return err
	}

	d.awaitBackpressure(ctx)
	d.rec.AddReadBufLen(len(transformed))

	if d.in.m != nil {
		d.in.m.BytesOut(metrics.SideInlet, len(transformed))
	}

	if err := d.in.output(ctx, proxymsg.I2oSendData{SID: d.rec.SessionID, Data: transformed}); err != nil {
		d.in.log.WithError(err).WithField("session_id", d.rec.SessionID).Error("inlet: output callback failed for I2oSendData")
	}
	return nil
}

// awaitBackpressure is spec.md section 4.7's spin-and-yield: suspend
// cooperatively while read_buf_len exceeds the ceiling. Acks arrive
// asynchronously (Inlet.Input's O2iSendDataResult case) and release it;
// a session Close releases the waiter by cancelling ctx. For a TCP session
// ctx is the connection's own, cancelled when its writer exits. For a UDP
// session ctx is the UDP acceptor's, cancelled only when the acceptor stops.
func (d *sessionDelegate) awaitBackpressure(ctx context.Context) {
	for d.rec.ReadBufLen() > READBufMaxLen {
		select {
		case <-ctx.Done():
			return
		default:
			runtime.Gosched()
		}
	}
}

// OnSessionClose is spec.md section 4.4's on_session_close: remove the
// registry entry and emit I2oDisconnect, exactly once.
func (d *sessionDelegate) OnSessionClose(ctx context.Context) {
	if d.rec == nil {
		return
	}
	if !d.in.registry.Unregister(d.rec.SessionID) {
		return // already closed
	}
	d.rec.SetState(session.StateClosed)

	if d.in.m != nil {
		d.in.m.SessionClosed(metrics.SideInlet)
	}

	if err := d.in.output(ctx, proxymsg.I2oDisconnect{SID: d.rec.SessionID}); err != nil {
		d.in.log.WithError(err).WithField("session_id", d.rec.SessionID).Error("inlet: output callback failed for I2oDisconnect")
	}
}
