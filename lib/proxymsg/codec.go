package proxymsg

import (
	"encoding/binary"
	"fmt"
)

// Encode serializes a Message to its binary wire form: one Kind byte
// followed by fixed-width fields and length-prefixed strings/blobs, per the
// field types fixed by SPEC_FULL.md section 3 (session_id u32, booleans as
// a single byte, lengths u32, addresses as UTF-8 strings, bytes opaque
// length-prefixed). This codec stands in for "the surrounding framed
// protocol" that spec.md leaves external; the core never imports it.
func Encode(msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case I2oConnect:
		b := newBuilder(KindI2oConnect)
		b.u32(m.SID)
		b.bool(m.IsTCP)
		b.bool(m.IsCompressed)
		b.str(m.EndpointAddr)
		b.str(m.MethodName)
		b.str(m.KeyB64)
		b.str(m.ClientAddr)
		return b.bytes(), nil
	case I2oDisconnect:
		b := newBuilder(KindI2oDisconnect)
		b.u32(m.SID)
		return b.bytes(), nil
	case I2oSendData:
		b := newBuilder(KindI2oSendData)
		b.u32(m.SID)
		b.blob(m.Data)
		return b.bytes(), nil
	case I2oRecvDataResult:
		b := newBuilder(KindI2oRecvDataResult)
		b.u32(m.SID)
		b.u32(m.Len)
		return b.bytes(), nil
	case O2iConnect:
		b := newBuilder(KindO2iConnect)
		b.u32(m.SID)
		b.bool(m.Success)
		b.str(m.ErrorMsg)
		return b.bytes(), nil
	case O2iDisconnect:
		b := newBuilder(KindO2iDisconnect)
		b.u32(m.SID)
		return b.bytes(), nil
	case O2iRecvData:
		b := newBuilder(KindO2iRecvData)
		b.u32(m.SID)
		b.blob(m.Data)
		return b.bytes(), nil
	case O2iSendDataResult:
		b := newBuilder(KindO2iSendDataResult)
		b.u32(m.SID)
		b.u32(m.Len)
		return b.bytes(), nil
	default:
		return nil, fmt.Errorf("proxymsg: unknown message type %T", msg)
	}
}

// Decode parses a Message from its binary wire form produced by Encode.
func Decode(data []byte) (Message, error) {
	d := newReader(data)
	kind, err := d.kindByte()
	if err != nil {
		return nil, err
	}

	switch kind {
	case KindI2oConnect:
		sid, err := d.u32()
		if err != nil {
			return nil, err
		}
		isTCP, err := d.bool()
		if err != nil {
			return nil, err
		}
		isComp, err := d.bool()
		if err != nil {
			return nil, err
		}
		endpoint, err := d.str()
		if err != nil {
			return nil, err
		}
		method, err := d.str()
		if err != nil {
			return nil, err
		}
		key, err := d.str()
		if err != nil {
			return nil, err
		}
		client, err := d.str()
		if err != nil {
			return nil, err
		}
		return I2oConnect{SID: sid, IsTCP: isTCP, IsCompressed: isComp, EndpointAddr: endpoint, MethodName: method, KeyB64: key, ClientAddr: client}, nil
	case KindI2oDisconnect:
		sid, err := d.u32()
		if err != nil {
			return nil, err
		}
		return I2oDisconnect{SID: sid}, nil
	case KindI2oSendData:
		sid, err := d.u32()
		if err != nil {
			return nil, err
		}
		data, err := d.blob()
		if err != nil {
			return nil, err
		}
		return I2oSendData{SID: sid, Data: data}, nil
	case KindI2oRecvDataResult:
		sid, err := d.u32()
		if err != nil {
			return nil, err
		}
		n, err := d.u32()
		if err != nil {
			return nil, err
		}
		return I2oRecvDataResult{SID: sid, Len: n}, nil
	case KindO2iConnect:
		sid, err := d.u32()
		if err != nil {
			return nil, err
		}
		success, err := d.bool()
		if err != nil {
			return nil, err
		}
		errMsg, err := d.str()
		if err != nil {
			return nil, err
		}
		return O2iConnect{SID: sid, Success: success, ErrorMsg: errMsg}, nil
	case KindO2iDisconnect:
		sid, err := d.u32()
		if err != nil {
			return nil, err
		}
		return O2iDisconnect{SID: sid}, nil
	case KindO2iRecvData:
		sid, err := d.u32()
		if err != nil {
			return nil, err
		}
		data, err := d.blob()
		if err != nil {
			return nil, err
		}
		return O2iRecvData{SID: sid, Data: data}, nil
	case KindO2iSendDataResult:
		sid, err := d.u32()
		if err != nil {
			return nil, err
		}
		n, err := d.u32()
		if err != nil {
			return nil, err
		}
		return O2iSendDataResult{SID: sid, Len: n}, nil
	default:
		return nil, fmt.Errorf("proxymsg: unknown wire kind %d", kind)
	}
}

// builder accumulates the binary encoding of a single message.
type builder struct {
	buf []byte
}

func newBuilder(kind Kind) *builder {
	return &builder{buf: []byte{byte(kind)}}
}

func (b *builder) u32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
}

func (b *builder) bool(v bool) {
	if v {
		b.buf = append(b.buf, 1)
	} else {
		b.buf = append(b.buf, 0)
	}
}

func (b *builder) str(s string) {
	b.blob([]byte(s))
}

func (b *builder) blob(data []byte) {
	b.u32(uint32(len(data)))
	b.buf = append(b.buf, data...)
}

func (b *builder) bytes() []byte { return b.buf }

// reader consumes the binary encoding produced by builder.
type reader struct {
	buf []byte
	pos int
}

func newReader(data []byte) *reader { return &reader{buf: data} }

func (r *reader) kindByte() (Kind, error) {
	if r.pos >= len(r.buf) {
		return 0, fmt.Errorf("proxymsg: truncated message, missing kind byte")
	}
	k := Kind(r.buf[r.pos])
	r.pos++
	return k, nil
}

func (r *reader) u32() (uint32, error) {
	if r.pos+4 > len(r.buf) {
		return 0, fmt.Errorf("proxymsg: truncated message, missing u32")
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos : r.pos+4])
	r.pos += 4
	return v, nil
}

func (r *reader) bool() (bool, error) {
	if r.pos >= len(r.buf) {
		return false, fmt.Errorf("proxymsg: truncated message, missing bool")
	}
	v := r.buf[r.pos] != 0
	r.pos++
	return v, nil
}

func (r *reader) blob() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if r.pos+int(n) > len(r.buf) {
		return nil, fmt.Errorf("proxymsg: truncated message, missing %d blob bytes", n)
	}
	data := make([]byte, n)
	copy(data, r.buf[r.pos:r.pos+int(n)])
	r.pos += int(n)
	return data, nil
}

func (r *reader) str() (string, error) {
	data, err := r.blob()
	if err != nil {
		return "", err
	}
	return string(data), nil
}
