// Package fusion resolves the position of a detected cone from its apparent size and, when one
// is available, an externally measured depth sample.
package fusion

import (
	"fmt"
	"math"

	"go.viam.com/birdview/logging"
	"go.viam.com/birdview/rimage/transform"
	"go.viam.com/birdview/vision/objectdetection"
)

const (
	// SmallConeHeightM is the physical height of yellow, blue and orange cones.
	SmallConeHeightM = 0.325
	// BigConeHeightM is the physical height of the big orange cone.
	BigConeHeightM = 0.505

	// HighConfidenceThreshold is the depth confidence (0 to 100) above which a depth sample is
	// always preferred over the size based estimate.
	HighConfidenceThreshold = 55
	// NearFieldDistance is the size based distance below which any valid depth sample wins.
	NearFieldDistance = 4.0
)

// Source tells where the forward distance of a position came from.
type Source int

const (
	// SourceUnknown means no distance could be resolved and X is 0.
	SourceUnknown Source = iota
	// SourceDepth means the external depth sample was used.
	SourceDepth
	// SourceMonocular means the distance was estimated from the apparent object height.
	SourceMonocular
)

func (s Source) String() string {
	switch s {
	case SourceUnknown:
		return "unknown"
	case SourceDepth:
		return "depth"
	case SourceMonocular:
		return "monocular"
	}
	return fmt.Sprintf("Source(%d)", int(s))
}

// FusedPosition is an object position in the camera frame: X forward, Y lateral. Both are always
// finite.
type FusedPosition struct {
	X      float64
	Y      float64
	Source Source
}

// ObjectHeight returns the physical height in meters of a class, false when the class is unknown.
func ObjectHeight(class objectdetection.ClassID) (float64, bool) {
	switch class {
	case objectdetection.YellowCone, objectdetection.BlueCone, objectdetection.OrangeCone:
		return SmallConeHeightM, true
	case objectdetection.BigOrangeCone:
		return BigConeHeightM, true
	}
	return 0, false
}

// MonocularDistance estimates the distance of an object of realHeightM meters that spans
// boxHeightPx rows on the sensor. It returns false when the box height is not positive.
func MonocularDistance(intr *transform.CameraIntrinsics, realHeightM float64, boxHeightPx int) (float64, bool) {
	if boxHeightPx <= 0 {
		return 0, false
	}
	sensorObjMM := intr.SensorHeightMM * float64(boxHeightPx) / float64(intr.SensorHeightPx)
	return realHeightM * intr.FocalLengthMM / sensorObjMM, true
}

// LateralOffset back-projects the horizontal anchor at a resolved forward distance. Objects
// left of the principal point get a positive offset.
func LateralOffset(intr *transform.CameraIntrinsics, distance float64, anchorX int) float64 {
	return -intr.PixelToPoint(float64(anchorX), intr.PrincipalPointY, distance).X
}

// trustDepth reports whether a depth sample should be adopted outright.
func trustDepth(det *objectdetection.Detection) bool {
	if !det.Depth.HasValidDepth() {
		return false
	}
	conf := float64(det.Depth.Confidence)
	return conf > HighConfidenceThreshold || conf/100 > det.Probability
}

// Fuse resolves the position of det. A confident depth sample wins; otherwise the distance is
// estimated from the class height, and any valid depth sample still wins in the near field.
// Unknown classes are warned whichever source wins. Without a usable depth sample they resolve
// to SourceUnknown at distance 0, as do empty boxes. A depth sample without a finite distance is
// warned and ignored.
func Fuse(intr *transform.CameraIntrinsics, det *objectdetection.Detection, logger logging.Logger) FusedPosition {
	if intr == nil {
		logger.Warnw("no camera intrinsics, cannot place object", "object", det.String())
		return FusedPosition{Source: SourceUnknown}
	}
	anchorX := det.Anchor().X

	height, known := ObjectHeight(det.ClassID)
	if !known {
		logger.Warnw("unknown object class", "class", int(det.ClassID), "track", det.TrackID)
	}
	if det.Depth != nil && !det.Depth.HasValidDepth() {
		logger.Warnw("invalid depth sample, ignored", "z", det.Depth.Point.Z, "track", det.TrackID)
	}

	var pos FusedPosition
	switch {
	case trustDepth(det):
		pos = FusedPosition{X: det.Depth.Point.Z, Source: SourceDepth}
	case !known:
		return FusedPosition{Source: SourceUnknown}
	default:
		distance, ok := MonocularDistance(intr, height, det.Box.Dy())
		if !ok {
			logger.Warnw("empty bounding box, distance left at 0", "box", det.Box, "track", det.TrackID)
			return FusedPosition{Source: SourceUnknown}
		}
		pos = FusedPosition{X: distance, Source: SourceMonocular}
		if distance < NearFieldDistance && det.Depth.HasValidDepth() {
			pos = FusedPosition{X: det.Depth.Point.Z, Source: SourceDepth}
		}
	}

	pos.Y = LateralOffset(intr, pos.X, anchorX)
	if math.IsNaN(pos.Y) || math.IsInf(pos.Y, 0) {
		logger.Warnw("non-finite lateral offset", "x", pos.X, "anchor_x", anchorX)
		return FusedPosition{Source: SourceUnknown}
	}
	logger.Debugw("fused",
		"class", det.ClassID.String(),
		"track", det.TrackID,
		"source", pos.Source.String(),
		"x", pos.X,
		"y", pos.Y,
	)
	return pos
}
