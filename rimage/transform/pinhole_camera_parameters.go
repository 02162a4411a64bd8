package transform

import (
	"fmt"
	"slices"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ErrUnsupportedCamera is returned when no calibration exists for a (context, sensor height) pair.
var ErrUnsupportedCamera = errors.New("no camera calibration for this sensor height and deployment context")

// ErrNoIntrinsics is when a camera does not have valid intrinsics parameters.
var ErrNoIntrinsics = errors.New("camera intrinsic parameters are not available")

// NewNoIntrinsicsError is used when the intrinsics are not defined.
func NewNoIntrinsicsError(msg string) error {
	return errors.Wrap(ErrNoIntrinsics, msg)
}

// DeploymentContext selects between calibration sets obtained in different physical installations.
type DeploymentContext int

const (
	// VehicleMounted is the stereo camera mounted on the car.
	VehicleMounted DeploymentContext = iota
	// IndoorRig is the same camera model on the indoor test rig.
	IndoorRig
)

func (dc DeploymentContext) String() string {
	switch dc {
	case VehicleMounted:
		return "car"
	case IndoorRig:
		return "office"
	}
	return fmt.Sprintf("DeploymentContext(%d)", int(dc))
}

// ParseDeploymentContext accepts the names and the numeric selectors used on the command line.
func ParseDeploymentContext(s string) (DeploymentContext, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "car", "vehicle", "0":
		return VehicleMounted, nil
	case "office", "rig", "1":
		return IndoorRig, nil
	}
	return 0, errors.Errorf("unknown deployment context %q (want car or office)", s)
}

type calibrationKey struct {
	context        DeploymentContext
	sensorHeightPx int
}

type calibration struct {
	fx, cx, cy   float64
	pixelPitchMM float64
}

// Left camera matrices of the stereo camera, per resolution and installation.
var calibrations = map[calibrationKey]calibration{
	{VehicleMounted, 1242}: {fx: 1399.57, cx: 1102.41, cy: 625.749, pixelPitchMM: 0.002},
	{VehicleMounted, 1080}: {fx: 1399.57, cx: 958.407, cy: 544.749, pixelPitchMM: 0.002},
	{VehicleMounted, 720}:  {fx: 699.783, cx: 637.704, cy: 360.875, pixelPitchMM: 0.004},
	{VehicleMounted, 376}:  {fx: 349.891, cx: 334.352, cy: 187.937, pixelPitchMM: 0.008},
	{IndoorRig, 1242}:      {fx: 1399.33, cx: 1034.89, cy: 611.436, pixelPitchMM: 0.002},
	{IndoorRig, 1080}:      {fx: 1399.33, cx: 890.891, cy: 530.436, pixelPitchMM: 0.002},
	{IndoorRig, 720}:       {fx: 699.666, cx: 603.946, cy: 353.718, pixelPitchMM: 0.004},
	{IndoorRig, 376}:       {fx: 349.833, cx: 316.973, cy: 183.859, pixelPitchMM: 0.008},
}

// CameraIntrinsics holds the pinhole parameters used to turn apparent object sizes into distances.
// Values are only ever produced by IntrinsicsFor and must be treated as read-only.
type CameraIntrinsics struct {
	Context         DeploymentContext `json:"context"`
	FocalLengthPx   float64           `json:"focal_length_px"`
	FocalLengthMM   float64           `json:"focal_length_mm"`
	PrincipalPointX float64           `json:"ppx"`
	PrincipalPointY float64           `json:"ppy"`
	SensorHeightPx  int               `json:"sensor_height_px"`
	SensorHeightMM  float64           `json:"sensor_height_mm"`
	PixelPitchMM    float64           `json:"pixel_pitch_mm"`
}

// IntrinsicsFor returns the calibrated intrinsics for a sensor height and deployment context.
// An unsupported combination fails with ErrUnsupportedCamera.
func IntrinsicsFor(sensorHeightPx int, ctx DeploymentContext) (*CameraIntrinsics, error) {
	cal, ok := calibrations[calibrationKey{ctx, sensorHeightPx}]
	if !ok {
		return nil, errors.Wrapf(ErrUnsupportedCamera, "height %d, context %s", sensorHeightPx, ctx)
	}
	return &CameraIntrinsics{
		Context:         ctx,
		FocalLengthPx:   cal.fx,
		FocalLengthMM:   cal.fx * cal.pixelPitchMM,
		PrincipalPointX: cal.cx,
		PrincipalPointY: cal.cy,
		SensorHeightPx:  sensorHeightPx,
		SensorHeightMM:  float64(sensorHeightPx) * cal.pixelPitchMM,
		PixelPitchMM:    cal.pixelPitchMM,
	}, nil
}

// SupportedSensorHeights lists the calibrated heights for a context in ascending order.
func SupportedSensorHeights(ctx DeploymentContext) []int {
	heights := make([]int, 0, 4)
	for key := range calibrations {
		if key.context == ctx {
			heights = append(heights, key.sensorHeightPx)
		}
	}
	slices.Sort(heights)
	return heights
}

// CheckValid checks if the fields for CameraIntrinsics have valid inputs.
func (params *CameraIntrinsics) CheckValid() error {
	if params == nil {
		return NewNoIntrinsicsError("Intrinsics do not exist")
	}
	if params.SensorHeightPx <= 0 || params.SensorHeightMM <= 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid sensor height (%#v px, %#v mm)", params.SensorHeightPx, params.SensorHeightMM))
	}
	if params.FocalLengthPx <= 0 || params.FocalLengthMM <= 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid focal length %#v px / %#v mm", params.FocalLengthPx, params.FocalLengthMM))
	}
	if params.PrincipalPointX < 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid principal X point Ppx = %#v", params.PrincipalPointX))
	}
	return nil
}

// PixelToPoint back-projects a pixel at a known depth into the camera frame (x right, y down,
// z forward) by solving the camera matrix for the viewing ray.
func (params *CameraIntrinsics) PixelToPoint(x, y, z float64) r3.Vector {
	if params == nil {
		return r3.Vector{}
	}
	var ray mat.VecDense
	if err := ray.SolveVec(params.CameraMatrix(), mat.NewVecDense(3, []float64{x, y, 1})); err != nil {
		return r3.Vector{}
	}
	return r3.Vector{X: ray.AtVec(0) * z, Y: ray.AtVec(1) * z, Z: z}
}

// CameraMatrix returns the 3x3 matrix [[fx 0 cx] [0 fx cy] [0 0 1]]. Pixels are square so both
// focal lengths are fx.
func (params *CameraIntrinsics) CameraMatrix() *mat.Dense {
	if params == nil {
		return nil
	}
	cameraMatrix := mat.NewDense(3, 3, nil)
	cameraMatrix.Set(0, 0, params.FocalLengthPx)
	cameraMatrix.Set(1, 1, params.FocalLengthPx)
	cameraMatrix.Set(0, 2, params.PrincipalPointX)
	cameraMatrix.Set(1, 2, params.PrincipalPointY)
	cameraMatrix.Set(2, 2, 1)
	return cameraMatrix
}
