package fusion

import (
	"image"
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/birdview/logging"
	"go.viam.com/birdview/rimage"
	"go.viam.com/birdview/rimage/transform"
	"go.viam.com/birdview/vision/objectdetection"
)

func carHD(t *testing.T) *transform.CameraIntrinsics {
	t.Helper()
	intr, err := transform.IntrinsicsFor(720, transform.VehicleMounted)
	test.That(t, err, test.ShouldBeNil)
	return intr
}

// boxHeightFor inverts the pinhole relation for a distance.
func boxHeightFor(intr *transform.CameraIntrinsics, realHeightM, distance float64) float64 {
	return realHeightM * intr.FocalLengthMM * float64(intr.SensorHeightPx) / (distance * intr.SensorHeightMM)
}

func coneAt(class objectdetection.ClassID, anchorX, top, w, h int) *objectdetection.Detection {
	return &objectdetection.Detection{
		Box:         image.Rect(anchorX-w/2, top, anchorX-w/2+w, top+h),
		ClassID:     class,
		TrackID:     7,
		Probability: 0.9,
	}
}

func TestMonocularMonotonic(t *testing.T) {
	intr := carHD(t)
	logger := logging.NewTestLogger(t)
	prev := math.Inf(1)
	for h := 5; h <= 400; h += 5 {
		pos := Fuse(intr, coneAt(objectdetection.YellowCone, 640, 300, 20, h), logger)
		test.That(t, pos.Source, test.ShouldEqual, SourceMonocular)
		test.That(t, pos.X, test.ShouldBeLessThan, prev)
		prev = pos.X
	}
}

func TestMonocularRoundTrip(t *testing.T) {
	logger := logging.NewTestLogger(t)
	for _, ctx := range []transform.DeploymentContext{transform.VehicleMounted, transform.IndoorRig} {
		for _, height := range transform.SupportedSensorHeights(ctx) {
			intr, err := transform.IntrinsicsFor(height, ctx)
			test.That(t, err, test.ShouldBeNil)
			for _, class := range []objectdetection.ClassID{objectdetection.BlueCone, objectdetection.BigOrangeCone} {
				realHeight, ok := ObjectHeight(class)
				test.That(t, ok, test.ShouldBeTrue)
				for _, want := range []float64{4.5, 7.25, 12} {
					boxH := boxHeightFor(intr, realHeight, want)
					got, ok := MonocularDistance(intr, realHeight, int(math.Round(boxH)))
					test.That(t, ok, test.ShouldBeTrue)
					// pixel rounding bounds the recovered distance
					test.That(t, got, test.ShouldAlmostEqual, want*boxH/math.Round(boxH), 1e-9)

					exact := realHeight * intr.FocalLengthMM / (intr.SensorHeightMM * boxH / float64(intr.SensorHeightPx))
					test.That(t, exact, test.ShouldAlmostEqual, want, 1e-9)
				}
			}
		}
	}

	// whole pixel box heights round trip exactly
	intr := carHD(t)
	d, ok := MonocularDistance(intr, SmallConeHeightM, 50)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, boxHeightFor(intr, SmallConeHeightM, d), test.ShouldAlmostEqual, 50, 1e-9)
	pos := Fuse(intr, coneAt(objectdetection.OrangeCone, 640, 300, 20, 50), logger)
	test.That(t, pos.X, test.ShouldAlmostEqual, d, 1e-12)
}

func TestDepthPriority(t *testing.T) {
	intr := carHD(t)
	logger := logging.NewTestLogger(t)

	det := coneAt(objectdetection.YellowCone, 640, 300, 20, 50)
	det.Depth = &rimage.DepthSample{Point: r3.Vector{X: 0.1, Y: 0.2, Z: 12.5}, Confidence: 60}
	pos := Fuse(intr, det, logger)
	test.That(t, pos.Source, test.ShouldEqual, SourceDepth)
	test.That(t, pos.X, test.ShouldEqual, 12.5)

	// below the threshold but above the detector probability
	det.Probability = 0.3
	det.Depth.Confidence = 40
	pos = Fuse(intr, det, logger)
	test.That(t, pos.X, test.ShouldEqual, 12.5)

	// neither rule holds: size based estimate, which is beyond the near field here
	det.Probability = 0.9
	pos = Fuse(intr, det, logger)
	test.That(t, pos.Source, test.ShouldEqual, SourceMonocular)
	test.That(t, pos.X, test.ShouldBeGreaterThan, NearFieldDistance)
	test.That(t, pos.X, test.ShouldNotEqual, 12.5)

	// NaN depth is never adopted
	det.Depth = &rimage.DepthSample{Point: r3.Vector{Z: math.NaN()}, Confidence: 99}
	pos = Fuse(intr, det, logger)
	test.That(t, pos.Source, test.ShouldEqual, SourceMonocular)
	test.That(t, math.IsNaN(pos.X), test.ShouldBeFalse)
}

func TestNearFieldOverride(t *testing.T) {
	intr := carHD(t)
	logger := logging.NewTestLogger(t)

	// a tall box puts the size based estimate well inside the near field
	det := coneAt(objectdetection.BlueCone, 700, 100, 80, 300)
	mono, ok := MonocularDistance(intr, SmallConeHeightM, 300)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, mono, test.ShouldBeLessThan, NearFieldDistance)

	det.Depth = &rimage.DepthSample{Point: r3.Vector{Z: 1.9}, Confidence: 1}
	pos := Fuse(intr, det, logger)
	test.That(t, pos.Source, test.ShouldEqual, SourceDepth)
	test.That(t, pos.X, test.ShouldEqual, 1.9)

	det.Depth = nil
	pos = Fuse(intr, det, logger)
	test.That(t, pos.Source, test.ShouldEqual, SourceMonocular)
	test.That(t, pos.X, test.ShouldAlmostEqual, mono)
}

func TestLateralOffset(t *testing.T) {
	intr := carHD(t)
	logger := logging.NewTestLogger(t)

	centred := coneAt(objectdetection.YellowCone, 637, 300, 20, 50)
	test.That(t, Fuse(intr, centred, logger).Y, test.ShouldAlmostEqual, 0.704*Fuse(intr, centred, logger).X/intr.FocalLengthPx)

	left := coneAt(objectdetection.YellowCone, 400, 300, 20, 50)
	pos := Fuse(intr, left, logger)
	test.That(t, pos.Y, test.ShouldBeGreaterThan, 0)
	test.That(t, pos.Y, test.ShouldAlmostEqual, -(pos.X*400-pos.X*intr.PrincipalPointX)/intr.FocalLengthPx)

	right := coneAt(objectdetection.YellowCone, 900, 300, 20, 50)
	test.That(t, Fuse(intr, right, logger).Y, test.ShouldBeLessThan, 0)
}

func TestUnknownClassAndEmptyBox(t *testing.T) {
	intr := carHD(t)
	logger, logs := logging.NewObservedTestLogger(t)

	pos := Fuse(intr, coneAt(objectdetection.ClassID(9), 640, 300, 20, 50), logger)
	test.That(t, pos, test.ShouldResemble, FusedPosition{Source: SourceUnknown})
	test.That(t, logs.FilterMessageSnippet("unknown object class").Len(), test.ShouldEqual, 1)

	pos = Fuse(intr, coneAt(objectdetection.YellowCone, 640, 300, 20, 0), logger)
	test.That(t, pos, test.ShouldResemble, FusedPosition{Source: SourceUnknown})
	test.That(t, logs.FilterMessageSnippet("empty bounding box").Len(), test.ShouldEqual, 1)

	// a confident depth sample still places an object of unknown class
	det := coneAt(objectdetection.ClassID(9), 640, 300, 20, 50)
	det.Depth = &rimage.DepthSample{Point: r3.Vector{Z: 3}, Confidence: 90}
	pos = Fuse(intr, det, logger)
	test.That(t, pos.Source, test.ShouldEqual, SourceDepth)
	test.That(t, pos.X, test.ShouldEqual, 3.)
	test.That(t, logs.FilterMessageSnippet("unknown object class").Len(), test.ShouldEqual, 2)

	pos = Fuse(nil, det, logger)
	test.That(t, pos.Source, test.ShouldEqual, SourceUnknown)
}

func TestInvalidDepthWarned(t *testing.T) {
	intr := carHD(t)
	logger, logs := logging.NewObservedTestLogger(t)

	det := coneAt(objectdetection.OrangeCone, 640, 300, 20, 50)
	det.Depth = &rimage.DepthSample{Point: r3.Vector{Z: math.NaN()}, Confidence: 99}
	pos := Fuse(intr, det, logger)
	test.That(t, pos.Source, test.ShouldEqual, SourceMonocular)
	test.That(t, logs.FilterMessage("invalid depth sample, ignored").Len(), test.ShouldEqual, 1)

	// inside the near field an infinite sample still loses to the size based estimate
	near := coneAt(objectdetection.BlueCone, 700, 100, 80, 300)
	near.Depth = &rimage.DepthSample{Point: r3.Vector{Z: math.Inf(1)}, Confidence: 1}
	pos = Fuse(intr, near, logger)
	test.That(t, pos.Source, test.ShouldEqual, SourceMonocular)
	test.That(t, logs.FilterMessage("invalid depth sample, ignored").Len(), test.ShouldEqual, 2)

	near.Depth = &rimage.DepthSample{Point: r3.Vector{Z: 1.9}, Confidence: 1}
	Fuse(intr, near, logger)
	near.Depth = nil
	Fuse(intr, near, logger)
	test.That(t, logs.FilterMessage("invalid depth sample, ignored").Len(), test.ShouldEqual, 2)
}
