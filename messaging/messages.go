// Package messaging defines the perception messages emitted per frame and the senders that
// deliver them.
package messaging

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Data type identifiers of the perception messages.
const (
	FrameStartID        int32 = 1170
	FrameEndID          int32 = 1171
	ObjectTypeID        int32 = 1174
	ObjectDirectionID   int32 = 1175
	ObjectAngularBlobID int32 = 1176
	ObjectPositionID    int32 = 1178
)

// Message is a payload that can be wrapped in an envelope.
type Message interface {
	DataType() int32
	// Name is the qualified message name used by JSON transports.
	Name() string
	// Marshal encodes the message in protobuf wire format.
	Marshal() []byte
}

// FrameStart opens the batch of messages for one frame.
type FrameStart struct {
	FrameID uint32 `json:"objectFrameId"`
}

// FrameEnd closes the batch of messages for one frame.
type FrameEnd struct {
	FrameID uint32 `json:"objectFrameId"`
}

// ObjectType carries the class of an object.
type ObjectType struct {
	Type     uint32 `json:"type"`
	ObjectID uint32 `json:"objectId"`
}

// ObjectPosition is the position of an object in meters, X forward and Y to the left.
type ObjectPosition struct {
	X        float32 `json:"x"`
	Y        float32 `json:"y"`
	ObjectID uint32  `json:"objectId"`
}

// ObjectDirection is the direction of an object from the sensor in pixels.
type ObjectDirection struct {
	AzimuthAngle float32 `json:"azimuthAngle"`
	ZenithAngle  float32 `json:"zenithAngle"`
	ObjectID     uint32  `json:"objectId"`
}

// ObjectAngularBlob is the extent of an object on the sensor in pixels.
type ObjectAngularBlob struct {
	Width    float32 `json:"width"`
	Height   float32 `json:"height"`
	ObjectID uint32  `json:"objectId"`
}

func appendUint32(b []byte, num protowire.Number, v uint32) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendFloat32(b []byte, num protowire.Number, v float32) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(v))
}

// DataType implements Message.
func (m FrameStart) DataType() int32 { return FrameStartID }

// Name implements Message.
func (m FrameStart) Name() string { return "opendlv.logic.perception.ObjectFrameStart" }

// Marshal implements Message.
func (m FrameStart) Marshal() []byte {
	return appendUint32(nil, 1, m.FrameID)
}

// DataType implements Message.
func (m FrameEnd) DataType() int32 { return FrameEndID }

// Name implements Message.
func (m FrameEnd) Name() string { return "opendlv.logic.perception.ObjectFrameEnd" }

// Marshal implements Message.
func (m FrameEnd) Marshal() []byte {
	return appendUint32(nil, 1, m.FrameID)
}

// DataType implements Message.
func (m ObjectType) DataType() int32 { return ObjectTypeID }

// Name implements Message.
func (m ObjectType) Name() string { return "opendlv.logic.perception.ObjectType" }

// Marshal implements Message.
func (m ObjectType) Marshal() []byte {
	b := appendUint32(nil, 1, m.Type)
	return appendUint32(b, 2, m.ObjectID)
}

// DataType implements Message.
func (m ObjectPosition) DataType() int32 { return ObjectPositionID }

// Name implements Message.
func (m ObjectPosition) Name() string { return "opendlv.logic.perception.ObjectPosition" }

// Marshal implements Message.
func (m ObjectPosition) Marshal() []byte {
	b := appendFloat32(nil, 1, m.X)
	b = appendFloat32(b, 2, m.Y)
	return appendUint32(b, 3, m.ObjectID)
}

// DataType implements Message.
func (m ObjectDirection) DataType() int32 { return ObjectDirectionID }

// Name implements Message.
func (m ObjectDirection) Name() string { return "opendlv.logic.perception.ObjectDirection" }

// Marshal implements Message.
func (m ObjectDirection) Marshal() []byte {
	b := appendFloat32(nil, 1, m.AzimuthAngle)
	b = appendFloat32(b, 2, m.ZenithAngle)
	return appendUint32(b, 3, m.ObjectID)
}

// DataType implements Message.
func (m ObjectAngularBlob) DataType() int32 { return ObjectAngularBlobID }

// Name implements Message.
func (m ObjectAngularBlob) Name() string { return "opendlv.logic.perception.ObjectAngularBlob" }

// Marshal implements Message.
func (m ObjectAngularBlob) Marshal() []byte {
	b := appendFloat32(nil, 1, m.Width)
	b = appendFloat32(b, 2, m.Height)
	return appendUint32(b, 3, m.ObjectID)
}

func (m FrameStart) String() string { return fmt.Sprintf("FrameStart{%d}", m.FrameID) }

func (m FrameEnd) String() string { return fmt.Sprintf("FrameEnd{%d}", m.FrameID) }
