package rimage

import (
	"image"
	"math"

	"github.com/golang/geo/r3"
)

// DepthSample is one externally measured 3D point with the sensor's confidence in it.
type DepthSample struct {
	Point      r3.Vector
	Confidence float32
}

// HasValidDepth reports whether the sample carries a usable forward distance.
func (s *DepthSample) HasValidDepth() bool {
	return s != nil && !math.IsNaN(s.Point.Z) && !math.IsInf(s.Point.Z, 0)
}

// DepthSearchRegion is the part of box searched for depth: the upper half of its rows and a
// box-wide band of columns centred on the horizontal anchor. The result is clamped to bounds.
func DepthSearchRegion(box, bounds image.Rectangle) image.Rectangle {
	w, h := box.Dx(), box.Dy()
	anchorX := box.Min.X + w/2
	region := image.Rect(anchorX-w/2, box.Min.Y, anchorX+w/2, box.Min.Y+h/2)
	return region.Intersect(bounds)
}

// BestDepthSample scans the search region of box row by row and returns the sample with the
// highest confidence. The first of equal confidences wins and NaN confidences are skipped.
// It returns false when the maps disagree in size or the clamped region holds no candidate.
func BestDepthSample(conf *ConfidenceMap, xyz *PointMap, box image.Rectangle) (DepthSample, bool) {
	if conf == nil || xyz == nil || conf.Bounds() != xyz.Bounds() {
		return DepthSample{}, false
	}
	region := DepthSearchRegion(box, conf.Bounds())
	if region.Empty() {
		return DepthSample{}, false
	}

	bestX, bestY := -1, -1
	best := float32(math.Inf(-1))
	for y := region.Min.Y; y < region.Max.Y; y++ {
		for x := region.Min.X; x < region.Max.X; x++ {
			c := conf.At(x, y)
			if c > best {
				best, bestX, bestY = c, x, y
			}
		}
	}
	if bestX < 0 {
		return DepthSample{}, false
	}
	return DepthSample{Point: xyz.At(bestX, bestY), Confidence: best}, true
}

// CenterDepthSample reads the point at the centre of box for sensors that publish no
// confidence. The sample's confidence is 0.
func CenterDepthSample(xyz *PointMap, box image.Rectangle) (DepthSample, bool) {
	if xyz == nil {
		return DepthSample{}, false
	}
	center := image.Pt(box.Min.X+box.Dx()/2, box.Min.Y+box.Dy()/2)
	if !center.In(xyz.Bounds()) {
		return DepthSample{}, false
	}
	return DepthSample{Point: xyz.At(center.X, center.Y)}, true
}
