package inlet

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nyancc/tunnelcore/lib/cryptokit"
	"github.com/nyancc/tunnelcore/lib/metrics"
	"github.com/nyancc/tunnelcore/lib/proxymsg"
	"github.com/nyancc/tunnelcore/lib/session"
	"github.com/nyancc/tunnelcore/lib/transport"
)

type recordingSink struct {
	mu   sync.Mutex
	msgs []proxymsg.Message
}

func (s *recordingSink) send(ctx context.Context, msg proxymsg.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *recordingSink) snapshot() []proxymsg.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]proxymsg.Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

func newTestInlet(sink *recordingSink) *Inlet {
	return New(Config{IsCompressed: false, MethodName: "none"}, sink.send, metrics.New(), nil)
}

// registerTestSession wires a Record directly into in's registry, bypassing
// the transport layer, so Input's data-path handling can be exercised in
// isolation from a real socket.
func registerTestSession(in *Inlet, sid uint32, sender chan transport.WriterMessage) *session.Record {
	rec := session.NewRecord(sid, true, false, cryptokit.MethodNone, nil, sender)
	rec.SetState(session.StateOpen)
	in.registry.Register(rec)
	return rec
}

func TestInletUnknownSessionMessagesAreDroppedSilently(t *testing.T) {
	sink := &recordingSink{}
	in := newTestInlet(sink)

	in.Input(context.Background(), proxymsg.O2iRecvData{SID: 99, Data: []byte("x")})
	in.Input(context.Background(), proxymsg.O2iSendDataResult{SID: 99, Len: 5})
	in.Input(context.Background(), proxymsg.O2iDisconnect{SID: 99})
	in.Input(context.Background(), proxymsg.O2iConnect{SID: 99, Success: false})

	if got := len(sink.snapshot()); got != 0 {
		t.Fatalf("messages for an unknown session produced %d outputs, want 0", got)
	}
	if in.registry.Count() != 0 {
		t.Fatalf("registry should remain empty, got %d", in.registry.Count())
	}
}

func TestInletRecvDataAckCarriesPreDecodeLength(t *testing.T) {
	sink := &recordingSink{}
	in := newTestInlet(sink)

	sender := make(chan transport.WriterMessage, 4)
	registerTestSession(in, 1, sender)

	payload := []byte("plaintext, no compression or encryption configured")
	in.Input(context.Background(), proxymsg.O2iRecvData{SID: 1, Data: payload})

	msg := <-sender
	write, ok := msg.(transport.AckedWrite)
	if !ok {
		t.Fatalf("writer queue got %T, want AckedWrite", msg)
	}
	if string(write.Data) != string(payload) {
		t.Fatalf("decoded write = %q, want %q", write.Data, payload)
	}

	write.Done()

	got := sink.snapshot()
	if len(got) != 1 {
		t.Fatalf("got %d output messages, want 1", len(got))
	}
	result, ok := got[0].(proxymsg.I2oRecvDataResult)
	if !ok {
		t.Fatalf("output was %T, want I2oRecvDataResult", got[0])
	}
	if result.Len != uint32(len(payload)) {
		t.Fatalf("ack len = %d, want the pre-decode length %d", result.Len, len(payload))
	}
}

func TestInletSendDataResultAcksBackpressureCounter(t *testing.T) {
	sink := &recordingSink{}
	in := newTestInlet(sink)

	sender := make(chan transport.WriterMessage, 1)
	rec := registerTestSession(in, 2, sender)
	rec.AddReadBufLen(1000)

	in.Input(context.Background(), proxymsg.O2iSendDataResult{SID: 2, Len: 400})

	if got := rec.ReadBufLen(); got != 600 {
		t.Fatalf("ReadBufLen after ack = %d, want 600", got)
	}
}

func TestInletFailedConnectClosesSession(t *testing.T) {
	sink := &recordingSink{}
	in := newTestInlet(sink)

	sender := make(chan transport.WriterMessage, 1)
	registerTestSession(in, 5, sender)

	in.Input(context.Background(), proxymsg.O2iConnect{SID: 5, Success: false, ErrorMsg: "refused"})

	msg := <-sender
	if _, ok := msg.(transport.CloseWrite); !ok {
		t.Fatalf("writer queue got %T, want CloseWrite", msg)
	}
}

func TestInletOnSessionCloseIsIdempotent(t *testing.T) {
	sink := &recordingSink{}
	in := newTestInlet(sink)

	d := &sessionDelegate{in: in}
	sender := make(chan transport.WriterMessage, 1)
	if err := d.OnSessionStart(context.Background(), nil, sender); err != nil {
		t.Fatalf("OnSessionStart: %v", err)
	}

	d.OnSessionClose(context.Background())
	d.OnSessionClose(context.Background())

	disconnects := 0
	for _, m := range sink.snapshot() {
		if _, ok := m.(proxymsg.I2oDisconnect); ok {
			disconnects++
		}
	}
	if disconnects != 1 {
		t.Fatalf("I2oDisconnect emitted %d times, want exactly 1", disconnects)
	}
	if in.registry.Count() != 0 {
		t.Fatalf("registry should be empty after close, got %d", in.registry.Count())
	}
}

// TestInletClientDisconnectClosesSessionEndToEnd is SPEC_FULL.md section 8
// scenario 6, driven through a real listener and a real client connection
// rather than by calling the delegate directly: a client dials the Inlet,
// exchanges one frame, then disconnects. The Inlet must emit exactly one
// I2oDisconnect and remove the session from its registry. This is the exact
// path that used to deadlock when the writer goroutine never observed the
// session's context being cancelled after readLoop returned on EOF.
func TestInletClientDisconnectClosesSessionEndToEnd(t *testing.T) {
	sink := &recordingSink{}
	in := New(Config{
		ListenAddr: "127.0.0.1:0",
		Transport:  TransportTCP,
		MethodName: "none",
	}, sink.send, metrics.New(), nil)

	// Bind an ephemeral port the same way lib/transport's own tests do, then
	// point the Inlet at it before Start binds for real.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	in.cfg.ListenAddr = addr

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := in.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer in.Stop()

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	waitForCondition(t, 2*time.Second, func() bool {
		for _, m := range sink.snapshot() {
			if _, ok := m.(proxymsg.I2oConnect); ok {
				return true
			}
		}
		return false
	})

	conn.Close()

	waitForCondition(t, 2*time.Second, func() bool { return in.registry.Count() == 0 })

	disconnects := 0
	for _, m := range sink.snapshot() {
		if _, ok := m.(proxymsg.I2oDisconnect); ok {
			disconnects++
		}
	}
	if disconnects != 1 {
		t.Fatalf("I2oDisconnect emitted %d times, want exactly 1", disconnects)
	}
	if in.registry.Count() != 0 {
		t.Fatalf("registry should be empty after client disconnect, got %d", in.registry.Count())
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
