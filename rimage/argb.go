package rimage

import (
	"image"

	"github.com/pkg/errors"
)

// ArgbBytesPerPixel is the stride of one pixel in an interleaved .argb frame.
const ArgbBytesPerPixel = 4

// ErrBufferTooSmall is returned when a shared buffer cannot hold the declared dimensions.
var ErrBufferTooSmall = errors.New("buffer too small for image dimensions")

// ArgbImage is a read-only, bounds-checked view over an interleaved 4 byte per pixel frame.
// The byte order within a pixel is the producer's; channel 2 holds red.
type ArgbImage struct {
	pix           []byte
	width, height int
}

// NewArgbImage wraps pix without copying. The view must not outlive the lock that guards pix.
func NewArgbImage(pix []byte, width, height int) (*ArgbImage, error) {
	if err := checkDims(len(pix), width, height, ArgbBytesPerPixel); err != nil {
		return nil, err
	}
	return &ArgbImage{pix: pix, width: width, height: height}, nil
}

func checkDims(have, width, height, bytesPerPixel int) error {
	if width <= 0 || height <= 0 {
		return errors.Errorf("invalid image dimensions %dx%d", width, height)
	}
	if need := width * height * bytesPerPixel; have < need {
		return errors.Wrapf(ErrBufferTooSmall, "%dx%d needs %d bytes, have %d", width, height, need, have)
	}
	return nil
}

// Width returns the width of the image.
func (a *ArgbImage) Width() int {
	return a.width
}

// Height returns the height of the image.
func (a *ArgbImage) Height() int {
	return a.height
}

// Bounds returns the pixel extent of the image.
func (a *ArgbImage) Bounds() image.Rectangle {
	return image.Rect(0, 0, a.width, a.height)
}

// In reports whether (x, y) lies inside the image.
func (a *ArgbImage) In(x, y int) bool {
	return x >= 0 && y >= 0 && x < a.width && y < a.height
}

// Channel returns byte c of pixel (x, y), or 0 for any coordinate or channel outside the image.
func (a *ArgbImage) Channel(x, y, c int) byte {
	if !a.In(x, y) || c < 0 || c >= ArgbBytesPerPixel {
		return 0
	}
	return a.pix[(y*a.width+x)*ArgbBytesPerPixel+c]
}
