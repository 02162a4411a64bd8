// Package shm attaches to the single-slot shared memory regions a camera producer overwrites
// with its newest frame, and exposes them as frame sources.
//
// A region is a file under /dev/shm laid out as a 16 byte header followed by the payload. The
// header holds a little-endian uint64 frame counter and a little-endian uint64 payload size.
// Readers take a shared flock while copying; the producer writes under an exclusive flock and
// then bumps the counter with a regular write so file watchers are notified.
package shm

import (
	"context"
	"encoding/binary"

	"github.com/pkg/errors"
)

// DefaultDir is where named regions live.
const DefaultDir = "/dev/shm"

// HeaderSize is the number of bytes in front of the payload.
const HeaderSize = 16

var (
	// ErrInvalidRegion is returned when a region is missing, truncated or declares a payload
	// larger than itself.
	ErrInvalidRegion = errors.New("invalid shared memory region")
	// ErrClosed is returned by operations on a closed region.
	ErrClosed = errors.New("shared memory region closed")
)

// Suffixes of the regions published for one camera.
const (
	SuffixARGB       = ".argb"
	SuffixXYZ        = ".xyz"
	SuffixConfidence = ".dconf"
)

// Options configures where regions are opened or created.
type Options struct {
	// Dir overrides DefaultDir.
	Dir string
}

func (o Options) dir() string {
	if o.Dir == "" {
		return DefaultDir
	}
	return o.Dir
}

// FrameSource is a latest-frame-wins buffer written by another party.
type FrameSource interface {
	// AwaitNext blocks until a frame newer than the last one observed has been published.
	AwaitNext(ctx context.Context) error
	// WithLockedSnapshot calls fn with the payload while holding the read lock. data must not be
	// retained after fn returns.
	WithLockedSnapshot(fn func(data []byte) error) error
}

type header struct {
	counter     uint64
	payloadSize uint64
}

func readHeader(b []byte) header {
	return header{
		counter:     binary.LittleEndian.Uint64(b[0:8]),
		payloadSize: binary.LittleEndian.Uint64(b[8:16]),
	}
}

func putHeader(b []byte, h header) {
	binary.LittleEndian.PutUint64(b[0:8], h.counter)
	binary.LittleEndian.PutUint64(b[8:16], h.payloadSize)
}

// validateHeader checks that a mapping of regionLen bytes can hold the payload h declares.
func validateHeader(name string, h header, regionLen int) error {
	if regionLen < HeaderSize {
		return errors.Wrapf(ErrInvalidRegion, "%s is %d bytes, smaller than its header", name, regionLen)
	}
	if h.payloadSize > uint64(regionLen-HeaderSize) {
		return errors.Wrapf(ErrInvalidRegion, "%s declares %d payload bytes but holds %d", name, h.payloadSize, regionLen-HeaderSize)
	}
	return nil
}
