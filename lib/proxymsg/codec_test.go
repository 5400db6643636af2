package proxymsg

import (
	"bytes"
	"testing"
)

func TestRoundTripAllVariants(t *testing.T) {
	cases := []Message{
		I2oConnect{SID: 1, IsTCP: true, IsCompressed: true, EndpointAddr: "127.0.0.1:9100", MethodName: "chacha20poly1305", KeyB64: "abcd==", ClientAddr: "10.0.0.1:5555"},
		I2oDisconnect{SID: 1},
		I2oSendData{SID: 1, Data: []byte("hello")},
		I2oRecvDataResult{SID: 1, Len: 5},
		O2iConnect{SID: 1, Success: true, ErrorMsg: ""},
		O2iConnect{SID: 2, Success: false, ErrorMsg: "dial tcp: connection refused"},
		O2iDisconnect{SID: 1},
		O2iRecvData{SID: 1, Data: []byte("world")},
		O2iSendDataResult{SID: 1, Len: 5},
	}

	for _, want := range cases {
		encoded, err := Encode(want)
		if err != nil {
			t.Fatalf("Encode(%#v): %v", want, err)
		}
		got, err := Decode(encoded)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if !messagesEqual(t, want, got) {
			t.Errorf("round trip mismatch: want %#v, got %#v", want, got)
		}
	}
}

// messagesEqual compares two messages field by field; the two variants
// carrying []byte aren't comparable with ==.
func messagesEqual(t *testing.T, want, got Message) bool {
	t.Helper()
	switch w := want.(type) {
	case I2oSendData:
		g, ok := got.(I2oSendData)
		return ok && w.SID == g.SID && bytes.Equal(w.Data, g.Data)
	case O2iRecvData:
		g, ok := got.(O2iRecvData)
		return ok && w.SID == g.SID && bytes.Equal(w.Data, g.Data)
	default:
		return want == got
	}
}

func TestDecodeTruncated(t *testing.T) {
	encoded, err := Encode(I2oSendData{SID: 1, Data: []byte("hello world")})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < len(encoded); i++ {
		if _, err := Decode(encoded[:i]); err == nil {
			t.Fatalf("Decode(%d bytes) unexpectedly succeeded", i)
		}
	}
}

func TestDecodeUnknownKind(t *testing.T) {
	if _, err := Decode([]byte{0xFF, 0, 0, 0, 0}); err == nil {
		t.Fatal("expected error for unknown wire kind")
	}
}

func TestEncodeUnknownType(t *testing.T) {
	if _, err := Encode(unknownMessage{}); err == nil {
		t.Fatal("expected error for unknown message type")
	}
}

type unknownMessage struct{}

func (unknownMessage) SessionID() uint32 { return 0 }
func (unknownMessage) Kind() Kind        { return Kind(0xEE) }
