//go:build !unix

package shm

import (
	"context"

	"github.com/pkg/errors"
)

var errUnsupported = errors.New("shared memory regions need a unix host")

// Region is unavailable on this platform.
type Region struct{}

// Open always fails on this platform.
func Open(name string, opts Options) (*Region, error) {
	return nil, errors.Wrap(errUnsupported, name)
}

// Name returns an empty string.
func (r *Region) Name() string { return "" }

// Valid returns false.
func (r *Region) Valid() bool { return false }

// Size returns 0.
func (r *Region) Size() int { return 0 }

// AwaitNext always fails on this platform.
func (r *Region) AwaitNext(ctx context.Context) error { return errUnsupported }

// WithLockedSnapshot always fails on this platform.
func (r *Region) WithLockedSnapshot(fn func(data []byte) error) error { return errUnsupported }

// Close is a no-op.
func (r *Region) Close() error { return nil }

// Producer is unavailable on this platform.
type Producer struct{}

// Create always fails on this platform.
func Create(name string, payloadSize int, opts Options) (*Producer, error) {
	return nil, errors.Wrap(errUnsupported, name)
}

// Publish always fails on this platform.
func (p *Producer) Publish(payload []byte) error { return errUnsupported }

// Close is a no-op.
func (p *Producer) Close() error { return nil }
