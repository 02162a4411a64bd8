package rimage

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// PlaneCount is the number of colour planes in a detector input tensor.
const PlaneCount = 3

// SampleMode selects how source pixels are picked when resampling.
type SampleMode int

const (
	// Nearest takes the source pixel at the floored scaled coordinate.
	Nearest SampleMode = iota
	// Bilinear blends the four surrounding source pixels; pixels outside the source read as 0.
	Bilinear
)

func (m SampleMode) String() string {
	switch m {
	case Nearest:
		return "nearest"
	case Bilinear:
		return "bilinear"
	}
	return fmt.Sprintf("SampleMode(%d)", int(m))
}

// PlanarSize is the number of float32 values a dstW x dstH planar tensor holds.
func PlanarSize(dstW, dstH int) int {
	return PlaneCount * dstW * dstH
}

// Resample converts src into a freshly allocated planar tensor of dstW x dstH. Plane c reads
// source channel 2-c and every value is the raw byte divided by 255.
func Resample(src *ArgbImage, dstW, dstH int, mode SampleMode) ([]float32, error) {
	if dstW <= 0 || dstH <= 0 {
		return nil, errors.Errorf("invalid destination dimensions %dx%d", dstW, dstH)
	}
	dst := make([]float32, PlanarSize(dstW, dstH))
	if err := ResampleInto(dst, src, dstW, dstH, mode); err != nil {
		return nil, err
	}
	return dst, nil
}

// ResampleInto is Resample writing into an existing buffer so the detector input can be reused
// across frames.
func ResampleInto(dst []float32, src *ArgbImage, dstW, dstH int, mode SampleMode) error {
	if src == nil {
		return errors.New("no source image")
	}
	if dstW <= 0 || dstH <= 0 {
		return errors.Errorf("invalid destination dimensions %dx%d", dstW, dstH)
	}
	if need := PlanarSize(dstW, dstH); len(dst) < need {
		return errors.Wrapf(ErrBufferTooSmall, "destination needs %d values, have %d", need, len(dst))
	}
	if mode != Nearest && mode != Bilinear {
		return errors.Errorf("unknown sample mode %v", mode)
	}

	wRatio := float32(src.Width()) / float32(dstW)
	hRatio := float32(src.Height()) / float32(dstH)
	plane := dstW * dstH
	for c := 0; c < PlaneCount; c++ {
		srcChannel := 2 - c
		for j := 0; j < dstH; j++ {
			y := float32(j) * hRatio
			for i := 0; i < dstW; i++ {
				x := float32(i) * wRatio
				var v float32
				if mode == Bilinear {
					v = bilinearChannel(src, x, y, srcChannel)
				} else {
					v = float32(src.Channel(int(x), int(y), srcChannel))
				}
				dst[c*plane+j*dstW+i] = v / 255
			}
		}
	}
	return nil
}

func bilinearChannel(src *ArgbImage, x, y float32, c int) float32 {
	fx := float32(math.Floor(float64(x)))
	fy := float32(math.Floor(float64(y)))
	ix, iy := int(fx), int(fy)
	dx, dy := x-fx, y-fy

	return (1-dy)*(1-dx)*float32(src.Channel(ix, iy, c)) +
		dy*(1-dx)*float32(src.Channel(ix, iy+1, c)) +
		(1-dy)*dx*float32(src.Channel(ix+1, iy, c)) +
		dy*dx*float32(src.Channel(ix+1, iy+1, c))
}

// AsTensor wraps a planar buffer as a 1 x 3 x h x w tensor without copying.
func AsTensor(data []float32, w, h int) (*tensor.Dense, error) {
	if need := PlanarSize(w, h); w <= 0 || h <= 0 || len(data) != need {
		return nil, errors.Errorf("planar buffer of %d values does not match %dx%d", len(data), w, h)
	}
	return tensor.New(tensor.WithShape(1, PlaneCount, h, w), tensor.WithBacking(data)), nil
}
