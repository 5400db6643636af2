package outlet

import (
	"bytes"
	"context"
	"net"
	"runtime"

	"github.com/nyancc/tunnelcore/lib/cryptokit"
	"github.com/nyancc/tunnelcore/lib/metrics"
	"github.com/nyancc/tunnelcore/lib/proxymsg"
	"github.com/nyancc/tunnelcore/lib/session"
	"github.com/nyancc/tunnelcore/lib/transport"
)

// sessionDelegate is one Outlet session's transport.SessionDelegate. Unlike
// lib/inlet's delegate, its session id and crypto/compression parameters are
// already known (carried over from the triggering I2oConnect) before the
// delegate is ever invoked; OnSessionStart's job is registering them under
// the dialed connection's write queue and reporting dial success.
type sessionDelegate struct {
	out *Outlet

	sid          uint32
	isTCP        bool
	isCompressed bool
	method       cryptokit.MethodName
	key          []byte

	rec *session.Record
}

// OnSessionStart is spec.md section 4.5's post-dial step: register the
// session against the now-connected backend socket's write queue and report
// success. Mirrors lib/inlet's OnSessionStart ordering so O2iConnect is
// never emitted before the session is registered and reachable by Input.
func (d *sessionDelegate) OnSessionStart(ctx context.Context, addr net.Addr, sender chan<- transport.WriterMessage) error {
	d.rec = session.NewRecord(d.sid, d.isTCP, d.isCompressed, d.method, d.key, sender)
	d.rec.SetState(session.StateOpen)

	if !d.out.registry.Register(d.rec) {
		// Duplicate session id: a protocol anomaly, not a dial failure. The
		// backend connection this delegate just opened is simply dropped by
		// RunSession's defer conn.Close() once OnSessionStart returns an error.
		if d.out.m != nil {
			d.out.m.ProtocolAnomaly()
		}
		return errDuplicateSession(d.sid)
	}

	if d.out.m != nil {
		d.out.m.SessionOpened(metrics.SideOutlet)
	}

	connect := proxymsg.O2iConnect{SID: d.sid, Success: true}
	if err := d.out.output(ctx, connect); err != nil {
		d.out.log.WithError(err).WithField("session_id", d.sid).Error("outlet: output callback failed for O2iConnect")
	}
	return nil
}

// OnTryExtractFrame treats the whole currently-buffered prefix read from the
// backend as one frame, same as lib/inlet's TCP case; UDP backends never
// call this (see lib/transport/udp.go's one-datagram-per-frame delivery).
func (d *sessionDelegate) OnTryExtractFrame(buf *bytes.Buffer) ([]byte, bool) {
	if buf.Len() == 0 {
		return nil, false
	}
	frame := make([]byte, buf.Len())
	copy(frame, buf.Bytes())
	buf.Reset()
	return frame, true
}

// OnRecvFrame is spec.md section 4.5's backend->peer data path: compress,
// encrypt, enforce backpressure, then emit O2iRecvData.
func (d *sessionDelegate) OnRecvFrame(ctx context.Context, frame []byte) error {
	transformed, err := encodeEgress(d.rec, frame)
	if err != nil {
		return err
	}

	d.awaitBackpressure(ctx)
	d.rec.AddReadBufLen(len(transformed))

	if d.out.m != nil {
		d.out.m.BytesOut(metrics.SideOutlet, len(transformed))
	}

	if err := d.out.output(ctx, proxymsg.O2iRecvData{SID: d.sid, Data: transformed}); err != nil {
		d.out.log.WithError(err).WithField("session_id", d.sid).Error("outlet: output callback failed for O2iRecvData")
	}
	return nil
}

// awaitBackpressure mirrors lib/inlet's spin-and-yield wait on the Outlet's
// own read_buf_len, released by I2oRecvDataResult acks processed in Input.
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

// OnSessionClose is spec.md section 4.5's on_session_close: remove the
// registry entry and emit O2iDisconnect, exactly once.
func (d *sessionDelegate) OnSessionClose(ctx context.Context) {
	if d.rec == nil {
		return
	}
	if !d.out.registry.Unregister(d.rec.SessionID) {
		return // already closed, or OnSessionStart never registered it
	}
	d.rec.SetState(session.StateClosed)

	if d.out.m != nil {
		d.out.m.SessionClosed(metrics.SideOutlet)
	}

	if err := d.out.output(ctx, proxymsg.O2iDisconnect{SID: d.rec.SessionID}); err != nil {
		d.out.log.WithError(err).WithField("session_id", d.rec.SessionID).Error("outlet: output callback failed for O2iDisconnect")
	}
}

type duplicateSessionError uint32

func errDuplicateSession(sid uint32) error { return duplicateSessionError(sid) }

func (e duplicateSessionError) Error() string {
	return "outlet: duplicate session id from dialed connection"
}
