package messaging

import (
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Framing bytes in front of every envelope on the wire.
const (
	frameMagic0 = 0x0D
	frameMagic1 = 0xA4
	frameHeader = 5
	// maxFramePayload is the largest payload a 3 byte length can describe.
	maxFramePayload = 1<<24 - 1
)

// Envelope wraps an encoded message with its routing and timing metadata.
type Envelope struct {
	DataType       int32
	SerializedData []byte
	Sent           time.Time
	Received       time.Time
	SampleTime     time.Time
	SenderStamp    uint32
}

// NewEnvelope wraps msg. The sample time equals the sent time.
func NewEnvelope(msg Message, sent time.Time, senderID uint32) Envelope {
	return Envelope{
		DataType:       msg.DataType(),
		SerializedData: msg.Marshal(),
		Sent:           sent,
		SampleTime:     sent,
		SenderStamp:    senderID,
	}
}

func appendTimeStamp(b []byte, num protowire.Number, t time.Time) []byte {
	var ts []byte
	if !t.IsZero() {
		ts = protowire.AppendTag(ts, 1, protowire.VarintType)
		ts = protowire.AppendVarint(ts, protowire.EncodeZigZag(int64(int32(t.Unix()))))
		ts = protowire.AppendTag(ts, 2, protowire.VarintType)
		ts = protowire.AppendVarint(ts, protowire.EncodeZigZag(int64(int32(t.Nanosecond()/1000))))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, ts)
}

// Marshal encodes the envelope in protobuf wire format. Signed fields are zigzag encoded.
func (e Envelope) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(e.DataType)))
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, e.SerializedData)
	b = appendTimeStamp(b, 3, e.Sent)
	b = appendTimeStamp(b, 4, e.Received)
	b = appendTimeStamp(b, 5, e.SampleTime)
	b = protowire.AppendTag(b, 6, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(e.SenderStamp))
}

// Frame prefixes the encoded envelope with the magic bytes and its 3 byte little-endian length.
func (e Envelope) Frame() ([]byte, error) {
	payload := e.Marshal()
	if len(payload) > maxFramePayload {
		return nil, errors.Errorf("envelope of %d bytes is too large to frame", len(payload))
	}
	out := make([]byte, 0, frameHeader+len(payload))
	out = append(out, frameMagic0, frameMagic1, byte(len(payload)), byte(len(payload)>>8), byte(len(payload)>>16))
	return append(out, payload...), nil
}

func consumeTimeStamp(b []byte) (time.Time, error) {
	if len(b) == 0 {
		return time.Time{}, nil
	}
	var sec, usec int64
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return time.Time{}, protowire.ParseError(n)
		}
		b = b[n:]
		if typ != protowire.VarintType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return time.Time{}, protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return time.Time{}, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case 1:
			sec = protowire.DecodeZigZag(v)
		case 2:
			usec = protowire.DecodeZigZag(v)
		}
	}
	return time.Unix(sec, usec*1000), nil
}

// UnmarshalEnvelope decodes an envelope produced by Marshal. Unknown fields are skipped.
func UnmarshalEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Envelope{}, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case typ == protowire.VarintType && (num == 1 || num == 6):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Envelope{}, protowire.ParseError(n)
			}
			b = b[n:]
			if num == 1 {
				e.DataType = int32(protowire.DecodeZigZag(v))
			} else {
				e.SenderStamp = uint32(v)
			}
		case typ == protowire.BytesType && num >= 2 && num <= 5:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Envelope{}, protowire.ParseError(n)
			}
			b = b[n:]
			if num == 2 {
				e.SerializedData = append([]byte(nil), v...)
				continue
			}
			t, err := consumeTimeStamp(v)
			if err != nil {
				return Envelope{}, err
			}
			switch num {
			case 3:
				e.Sent = t
			case 4:
				e.Received = t
			case 5:
				e.SampleTime = t
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Envelope{}, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return e, nil
}

// Unframe checks the magic bytes and length of one framed envelope and decodes it.
func Unframe(b []byte) (Envelope, error) {
	if len(b) < frameHeader || b[0] != frameMagic0 || b[1] != frameMagic1 {
		return Envelope{}, errors.New("not an envelope frame")
	}
	length := int(b[2]) | int(b[3])<<8 | int(b[4])<<16
	if len(b)-frameHeader < length {
		return Envelope{}, errors.Errorf("frame declares %d bytes, has %d", length, len(b)-frameHeader)
	}
	return UnmarshalEnvelope(b[frameHeader : frameHeader+length])
}
