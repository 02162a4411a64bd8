package messaging

import (
	"context"
	"math"
	"net"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.viam.com/test"
	"google.golang.org/protobuf/encoding/protowire"

	"go.viam.com/birdview/logging"
)

// decodeFields maps field numbers to their raw varint or fixed32 values.
func decodeFields(t *testing.T, b []byte) map[protowire.Number]uint64 {
	t.Helper()
	out := map[protowire.Number]uint64{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		test.That(t, n, test.ShouldBeGreaterThan, 0)
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			test.That(t, n, test.ShouldBeGreaterThan, 0)
			out[num] = v
			b = b[n:]
		case protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			test.That(t, n, test.ShouldBeGreaterThan, 0)
			out[num] = uint64(v)
			b = b[n:]
		default:
			t.Fatalf("unexpected wire type %v", typ)
		}
	}
	return out
}

func TestMessageEncoding(t *testing.T) {
	fields := decodeFields(t, FrameStart{FrameID: 42}.Marshal())
	test.That(t, fields, test.ShouldResemble, map[protowire.Number]uint64{1: 42})

	fields = decodeFields(t, ObjectType{Type: 3, ObjectID: 1007}.Marshal())
	test.That(t, fields, test.ShouldResemble, map[protowire.Number]uint64{1: 3, 2: 1007})

	fields = decodeFields(t, ObjectPosition{X: 4.5, Y: -0.25, ObjectID: 2003}.Marshal())
	test.That(t, math.Float32frombits(uint32(fields[1])), test.ShouldEqual, float32(4.5))
	test.That(t, math.Float32frombits(uint32(fields[2])), test.ShouldEqual, float32(-0.25))
	test.That(t, fields[3], test.ShouldEqual, uint64(2003))

	fields = decodeFields(t, ObjectDirection{AzimuthAngle: -12, ZenithAngle: 300, ObjectID: 5}.Marshal())
	test.That(t, math.Float32frombits(uint32(fields[1])), test.ShouldEqual, float32(-12))
	test.That(t, math.Float32frombits(uint32(fields[2])), test.ShouldEqual, float32(300))

	fields = decodeFields(t, ObjectAngularBlob{Width: 20, Height: 40, ObjectID: 5}.Marshal())
	test.That(t, math.Float32frombits(uint32(fields[2])), test.ShouldEqual, float32(40))

	for _, msg := range []Message{FrameStart{}, FrameEnd{}, ObjectType{}, ObjectDirection{}, ObjectAngularBlob{}, ObjectPosition{}} {
		test.That(t, msg.Name(), test.ShouldStartWith, "opendlv.logic.perception.")
	}
	test.That(t, FrameEnd{}.DataType(), test.ShouldEqual, int32(1171))
	test.That(t, ObjectPosition{}.DataType(), test.ShouldEqual, int32(1178))
}

func TestEnvelopeFraming(t *testing.T) {
	sent := time.Unix(1700000000, 123456000)
	env := NewEnvelope(ObjectType{Type: 1, ObjectID: 1002}, sent, 7)
	frame, err := env.Frame()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, frame[0], test.ShouldEqual, byte(0x0D))
	test.That(t, frame[1], test.ShouldEqual, byte(0xA4))
	length := int(frame[2]) | int(frame[3])<<8 | int(frame[4])<<16
	test.That(t, length, test.ShouldEqual, len(frame)-5)

	got, err := Unframe(frame)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got.DataType, test.ShouldEqual, ObjectTypeID)
	test.That(t, got.SenderStamp, test.ShouldEqual, uint32(7))
	test.That(t, got.SerializedData, test.ShouldResemble, ObjectType{Type: 1, ObjectID: 1002}.Marshal())
	test.That(t, got.Sent.Equal(sent), test.ShouldBeTrue)
	test.That(t, got.SampleTime.Equal(sent), test.ShouldBeTrue)
	test.That(t, got.Received.IsZero(), test.ShouldBeTrue)

	// the data type is zigzag encoded
	num, typ, n := protowire.ConsumeTag(frame[5:])
	test.That(t, num, test.ShouldEqual, protowire.Number(1))
	test.That(t, typ, test.ShouldEqual, protowire.VarintType)
	v, _ := protowire.ConsumeVarint(frame[5+n:])
	test.That(t, v, test.ShouldEqual, uint64(2*1174))

	_, err = Unframe([]byte{0x0D, 0xA5, 0, 0, 0})
	test.That(t, err, test.ShouldNotBeNil)
	_, err = Unframe(frame[:len(frame)-1])
	test.That(t, err, test.ShouldNotBeNil)
}

func TestOD4Session(t *testing.T) {
	logger := logging.NewTestLogger(t)
	_, err := NewOD4Session(1, logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, ConferenceAddr(111), test.ShouldEqual, "225.0.0.111:12175")

	listener, err := net.ListenPacket("udp4", "127.0.0.1:0")
	test.That(t, err, test.ShouldBeNil)
	defer listener.Close()

	session, err := dialOD4(111, listener.LocalAddr().String(), logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, session.IsRunning(), test.ShouldBeTrue)

	sent := time.Unix(1700000001, 5000)
	test.That(t, session.Send(context.Background(), FrameStart{FrameID: 9}, sent, 3), test.ShouldBeNil)

	buf := make([]byte, 1500)
	test.That(t, listener.SetReadDeadline(time.Now().Add(5*time.Second)), test.ShouldBeNil)
	n, _, err := listener.ReadFrom(buf)
	test.That(t, err, test.ShouldBeNil)
	env, err := Unframe(buf[:n])
	test.That(t, err, test.ShouldBeNil)
	test.That(t, env.DataType, test.ShouldEqual, FrameStartID)
	test.That(t, env.SenderStamp, test.ShouldEqual, uint32(3))
	test.That(t, env.Sent.Equal(sent), test.ShouldBeTrue)

	test.That(t, session.Close(), test.ShouldBeNil)
	test.That(t, session.Close(), test.ShouldBeNil)
	test.That(t, session.IsRunning(), test.ShouldBeFalse)
	test.That(t, session.Send(context.Background(), FrameEnd{FrameID: 9}, sent, 3), test.ShouldNotBeNil)
}

type fakeRedis struct {
	pingErr   error
	published map[string][]string
	closed    bool
}

func (f *fakeRedis) Ping(ctx context.Context) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx)
	if f.pingErr != nil {
		cmd.SetErr(f.pingErr)
	} else {
		cmd.SetVal("PONG")
	}
	return cmd
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	if f.published == nil {
		f.published = map[string][]string{}
	}
	f.published[channel] = append(f.published[channel], string(message.([]byte)))
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(1)
	return cmd
}

func (f *fakeRedis) Close() error {
	f.closed = true
	return nil
}

func TestRedisPublisher(t *testing.T) {
	logger := logging.NewTestLogger(t)
	ctx := context.Background()

	_, err := NewRedisPublisher(ctx, RedisConfig{}, logger)
	test.That(t, err, test.ShouldNotBeNil)

	down := &fakeRedis{pingErr: errors.New("connection refused")}
	_, err = newRedisPublisher(ctx, down, "", logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, down.closed, test.ShouldBeTrue)

	fake := &fakeRedis{}
	pub, err := newRedisPublisher(ctx, fake, "", logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pub.Channel(4), test.ShouldEqual, "perception.4")

	sent := time.UnixMicro(1700000000000123)
	err = pub.Send(ctx, ObjectPosition{X: 2.5, Y: 1, ObjectID: 1001}, sent, 4)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, fake.published["perception.4"], test.ShouldHaveLength, 1)

	var got struct {
		DataType   int32  `json:"dataType"`
		Name       string `json:"name"`
		SentMicros int64  `json:"sentMicros"`
		Message    struct {
			X        float32 `json:"x"`
			ObjectID uint32  `json:"objectId"`
		} `json:"message"`
	}
	test.That(t, json.Unmarshal([]byte(fake.published["perception.4"][0]), &got), test.ShouldBeNil)
	test.That(t, got.DataType, test.ShouldEqual, ObjectPositionID)
	test.That(t, got.Name, test.ShouldEqual, "opendlv.logic.perception.ObjectPosition")
	test.That(t, got.SentMicros, test.ShouldEqual, int64(1700000000000123))
	test.That(t, got.Message.X, test.ShouldEqual, float32(2.5))
	test.That(t, got.Message.ObjectID, test.ShouldEqual, uint32(1001))

	test.That(t, pub.Close(), test.ShouldBeNil)
	test.That(t, pub.IsRunning(), test.ShouldBeFalse)
	test.That(t, pub.Send(ctx, FrameEnd{}, sent, 4), test.ShouldNotBeNil)
}

func TestRecorderAndMulti(t *testing.T) {
	a, b := NewRecorder(), NewRecorder()
	m := Multi{a, b}
	test.That(t, m.IsRunning(), test.ShouldBeTrue)
	test.That(t, Multi{}.IsRunning(), test.ShouldBeFalse)

	b.StopAfter(func(r Recorded) bool { return r.Envelope.DataType == FrameEndID })
	sent := time.Unix(10, 0)
	test.That(t, m.Send(context.Background(), FrameStart{FrameID: 1}, sent, 0), test.ShouldBeNil)
	test.That(t, m.IsRunning(), test.ShouldBeTrue)
	test.That(t, m.Send(context.Background(), FrameEnd{FrameID: 1}, sent, 0), test.ShouldBeNil)
	test.That(t, m.IsRunning(), test.ShouldBeFalse)
	test.That(t, a.IsRunning(), test.ShouldBeTrue)

	test.That(t, a.Records(), test.ShouldHaveLength, 2)
	test.That(t, a.Records()[1].Message, test.ShouldResemble, FrameEnd{FrameID: 1})
	test.That(t, m.Close(), test.ShouldBeNil)
	test.That(t, a.IsRunning(), test.ShouldBeFalse)
}

func TestLogSender(t *testing.T) {
	logger, logs := logging.NewObservedTestLogger(t)
	s := NewLogSender(logger)
	test.That(t, s.IsRunning(), test.ShouldBeTrue)
	test.That(t, s.Send(context.Background(), ObjectType{Type: 2, ObjectID: 3}, time.Unix(5, 0), 1), test.ShouldBeNil)
	test.That(t, logs.FilterMessage("opendlv.logic.perception.ObjectType").Len(), test.ShouldEqual, 1)

	test.That(t, s.Close(), test.ShouldBeNil)
	test.That(t, s.IsRunning(), test.ShouldBeFalse)
	test.That(t, s.Send(context.Background(), FrameEnd{}, time.Unix(5, 0), 1), test.ShouldNotBeNil)
}
