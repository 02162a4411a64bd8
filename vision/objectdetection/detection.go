// Package objectdetection defines detections of cones in a camera frame and the detector
// capability that produces and tracks them.
package objectdetection

import (
	"context"
	"fmt"
	"image"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"go.viam.com/birdview/rimage"
)

// DefaultConfidenceFloor is the minimum detector probability a detection needs to be reported.
const DefaultConfidenceFloor = 0.2

// ClassID enumerates the object classes the cone network is trained on.
type ClassID int

const (
	// YellowCone marks the right track boundary.
	YellowCone ClassID = iota
	// BlueCone marks the left track boundary.
	BlueCone
	// OrangeCone marks the start and finish area.
	OrangeCone
	// BigOrangeCone is the tall orange cone used at the timing line.
	BigOrangeCone
)

func (c ClassID) String() string {
	switch c {
	case YellowCone:
		return "yellow"
	case BlueCone:
		return "blue"
	case OrangeCone:
		return "orange"
	case BigOrangeCone:
		return "big_orange"
	}
	return fmt.Sprintf("ClassID(%d)", int(c))
}

// Detection is one object found in a frame. Box is in pixels of whatever image the detector
// saw until Rescale maps it to the full-resolution frame.
type Detection struct {
	Box           image.Rectangle
	ClassID       ClassID
	TrackID       int
	Probability   float64
	FramesCounter int
	// Depth is the externally measured sample for this object, nil when none was found.
	Depth *rimage.DepthSample
}

// Anchor is the horizontal centre of the top edge of the box.
func (d *Detection) Anchor() image.Point {
	return image.Pt(d.Box.Min.X+d.Box.Dx()/2, d.Box.Min.Y)
}

func (d *Detection) String() string {
	return fmt.Sprintf("%s track=%d prob=%.2f box=%v", d.ClassID, d.TrackID, d.Probability, d.Box)
}

// Detector finds objects in a planar input tensor and keeps their track ids stable across frames.
type Detector interface {
	Detect(ctx context.Context, img *tensor.Dense, confidenceFloor float64) ([]Detection, error)
	Track(dets []Detection) []Detection
}

// Backend runs the network. Returned boxes are in input tensor pixels.
type Backend interface {
	Detect(ctx context.Context, img *tensor.Dense, confidenceFloor float64) ([]Detection, error)
}

// BackendFunc adapts a function to the Backend interface.
type BackendFunc func(ctx context.Context, img *tensor.Dense, confidenceFloor float64) ([]Detection, error)

// Detect calls f.
func (f BackendFunc) Detect(ctx context.Context, img *tensor.Dense, confidenceFloor float64) ([]Detection, error) {
	return f(ctx, img, confidenceFloor)
}

// Tracker assigns track ids to the detections of consecutive frames.
type Tracker interface {
	Track(dets []Detection) []Detection
}

type composedDetector struct {
	backend Backend
	tracker Tracker
	post    Postprocessor
}

// New composes a backend, an optional tracker and optional postprocessors into a Detector. A nil
// tracker leaves track ids as the backend reported them.
func New(backend Backend, tracker Tracker, post ...Postprocessor) (Detector, error) {
	if backend == nil {
		return nil, errors.New("object detector must have a Backend")
	}
	return &composedDetector{backend: backend, tracker: tracker, post: Chain(post...)}, nil
}

func (cd *composedDetector) Detect(ctx context.Context, img *tensor.Dense, confidenceFloor float64) ([]Detection, error) {
	dets, err := cd.backend.Detect(ctx, img, confidenceFloor)
	if err != nil {
		return nil, err
	}
	return cd.post(dets), nil
}

func (cd *composedDetector) Track(dets []Detection) []Detection {
	if cd.tracker == nil {
		return dets
	}
	return cd.tracker.Track(dets)
}

// Rescale maps boxes from detector input pixels to full-resolution pixels in place. Every
// coordinate and extent is truncated after scaling.
func Rescale(dets []Detection, widthRatio, heightRatio float64) {
	for i := range dets {
		b := dets[i].Box
		x := int(widthRatio * float64(b.Min.X))
		y := int(heightRatio * float64(b.Min.Y))
		w := int(widthRatio * float64(b.Dx()))
		h := int(heightRatio * float64(b.Dy()))
		dets[i].Box = image.Rect(x, y, x+w, y+h)
	}
}
