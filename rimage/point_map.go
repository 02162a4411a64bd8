package rimage

import (
	"encoding/binary"
	"image"
	"math"

	"github.com/golang/geo/r3"
)

const (
	// XYZBytesPerPixel is the stride of one pixel in a .xyz frame: float32 x, y, z and padding.
	XYZBytesPerPixel = 16
	// ConfidenceBytesPerPixel is the stride of one pixel in a .dconf frame.
	ConfidenceBytesPerPixel = 4
)

// PointMap is a bounds-checked view over a stereo point cloud laid out as one little-endian
// float32 (x, y, z, pad) quadruple per pixel.
type PointMap struct {
	data          []byte
	width, height int
}

// NewPointMap wraps data without copying.
func NewPointMap(data []byte, width, height int) (*PointMap, error) {
	if err := checkDims(len(data), width, height, XYZBytesPerPixel); err != nil {
		return nil, err
	}
	return &PointMap{data: data, width: width, height: height}, nil
}

// Width returns the width of the point map.
func (pm *PointMap) Width() int {
	return pm.width
}

// Height returns the height of the point map.
func (pm *PointMap) Height() int {
	return pm.height
}

// Bounds returns the pixel extent of the point map.
func (pm *PointMap) Bounds() image.Rectangle {
	return image.Rect(0, 0, pm.width, pm.height)
}

// At returns the metric point stored at pixel (x, y). Outside the map every component is NaN.
func (pm *PointMap) At(x, y int) r3.Vector {
	if x < 0 || y < 0 || x >= pm.width || y >= pm.height {
		nan := math.NaN()
		return r3.Vector{X: nan, Y: nan, Z: nan}
	}
	off := (y*pm.width + x) * XYZBytesPerPixel
	return r3.Vector{
		X: float64(readFloat32(pm.data[off:])),
		Y: float64(readFloat32(pm.data[off+4:])),
		Z: float64(readFloat32(pm.data[off+8:])),
	}
}

// ConfidenceMap is a bounds-checked view over per-pixel depth confidences (0 to 100) stored as
// little-endian float32.
type ConfidenceMap struct {
	data          []byte
	width, height int
}

// NewConfidenceMap wraps data without copying.
func NewConfidenceMap(data []byte, width, height int) (*ConfidenceMap, error) {
	if err := checkDims(len(data), width, height, ConfidenceBytesPerPixel); err != nil {
		return nil, err
	}
	return &ConfidenceMap{data: data, width: width, height: height}, nil
}

// Width returns the width of the confidence map.
func (cm *ConfidenceMap) Width() int {
	return cm.width
}

// Height returns the height of the confidence map.
func (cm *ConfidenceMap) Height() int {
	return cm.height
}

// Bounds returns the pixel extent of the confidence map.
func (cm *ConfidenceMap) Bounds() image.Rectangle {
	return image.Rect(0, 0, cm.width, cm.height)
}

// At returns the confidence at pixel (x, y), NaN outside the map.
func (cm *ConfidenceMap) At(x, y int) float32 {
	if x < 0 || y < 0 || x >= cm.width || y >= cm.height {
		return float32(math.NaN())
	}
	return readFloat32(cm.data[(y*cm.width+x)*ConfidenceBytesPerPixel:])
}

func readFloat32(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}

// PutFloat32 encodes v at the start of b in the layout the point and confidence maps read.
func PutFloat32(b []byte, v float32) {
	binary.LittleEndian.PutUint32(b, math.Float32bits(v))
}
