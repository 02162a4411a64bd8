//go:build unix

package shm

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// Region is a read-only attachment to a named shared memory region.
type Region struct {
	name string
	path string

	mu          sync.Mutex
	file        *os.File
	mem         []byte
	watcher     *fsnotify.Watcher
	lastCounter uint64
	locked      bool
}

var _ FrameSource = (*Region)(nil)

// Open maps the region called name read-only. The first Wait returns on the first frame
// published after Open.
func Open(name string, opts Options) (*Region, error) {
	path := filepath.Join(opts.dir(), name)
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidRegion, "%s: %v", name, err)
	}
	r := &Region{name: name, path: path, file: f}
	if err := r.attach(); err != nil {
		return nil, multierr.Combine(err, f.Close())
	}
	return r, nil
}

func (r *Region) attach() error {
	info, err := r.file.Stat()
	if err != nil {
		return err
	}
	size := int(info.Size())
	if size < HeaderSize {
		return validateHeader(r.name, header{}, size)
	}
	mem, err := unix.Mmap(int(r.file.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return errors.Wrapf(err, "cannot map %s", r.name)
	}
	h := readHeader(mem)
	if err := validateHeader(r.name, h, size); err != nil {
		return multierr.Combine(err, unix.Munmap(mem))
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return multierr.Combine(err, unix.Munmap(mem))
	}
	if err := watcher.Add(r.path); err != nil {
		return multierr.Combine(err, watcher.Close(), unix.Munmap(mem))
	}
	r.mem = mem
	r.watcher = watcher
	r.lastCounter = h.counter
	return nil
}

// Name returns the name the region was opened with.
func (r *Region) Name() string {
	return r.name
}

// Valid reports whether the region is attached.
func (r *Region) Valid() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mem != nil
}

// Size returns the payload size declared by the producer.
func (r *Region) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mem == nil {
		return 0
	}
	return int(readHeader(r.mem).payloadSize)
}

// Counter returns the producer's current frame counter.
func (r *Region) Counter() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mem == nil {
		return 0
	}
	return readHeader(r.mem).counter
}

// Data returns the payload. It is only consistent between Lock and Unlock. The header is
// checked against the mapping on every call since a restarted producer may declare a larger
// payload than was mapped at Open.
func (r *Region) Data() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mem == nil {
		return nil, ErrClosed
	}
	h := readHeader(r.mem)
	if err := validateHeader(r.name, h, len(r.mem)); err != nil {
		return nil, err
	}
	return r.mem[HeaderSize : HeaderSize+int(h.payloadSize)], nil
}

// Lock takes the shared lock that keeps the producer from writing.
func (r *Region) Lock() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mem == nil {
		return ErrClosed
	}
	if err := unix.Flock(int(r.file.Fd()), unix.LOCK_SH); err != nil {
		return errors.Wrapf(err, "cannot lock %s", r.name)
	}
	r.locked = true
	return nil
}

// Unlock releases the shared lock.
func (r *Region) Unlock() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mem == nil {
		return ErrClosed
	}
	r.locked = false
	return unix.Flock(int(r.file.Fd()), unix.LOCK_UN)
}

// Wait blocks until the frame counter differs from the one last observed. There is no timeout;
// cancel ctx to give up.
func (r *Region) Wait(ctx context.Context) error {
	r.mu.Lock()
	watcher := r.watcher
	r.mu.Unlock()
	if watcher == nil {
		return ErrClosed
	}
	for {
		if changed, err := r.observeCounter(); err != nil || changed {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-watcher.Events:
			if !ok {
				return ErrClosed
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return ErrClosed
			}
			return errors.Wrapf(err, "watching %s", r.name)
		}
	}
}

func (r *Region) observeCounter() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mem == nil {
		return false, ErrClosed
	}
	counter := readHeader(r.mem).counter
	if counter == r.lastCounter {
		return false, nil
	}
	r.lastCounter = counter
	return true, nil
}

// AwaitNext is Wait.
func (r *Region) AwaitNext(ctx context.Context) error {
	return r.Wait(ctx)
}

// WithLockedSnapshot calls fn with the payload under the shared lock.
func (r *Region) WithLockedSnapshot(fn func(data []byte) error) (err error) {
	if err := r.Lock(); err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, r.Unlock())
	}()
	data, err := r.Data()
	if err != nil {
		return err
	}
	return fn(data)
}

// Close unmaps the region and stops watching it.
func (r *Region) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mem == nil {
		return nil
	}
	var err error
	if r.locked {
		err = multierr.Append(err, unix.Flock(int(r.file.Fd()), unix.LOCK_UN))
	}
	err = multierr.Combine(err, r.watcher.Close(), unix.Munmap(r.mem), r.file.Close())
	r.mem = nil
	r.watcher = nil
	return err
}

// Producer creates a region and publishes frames into it. The detect command only reads
// regions; tests use a Producer in place of the camera process.
type Producer struct {
	name string
	path string

	mu      sync.Mutex
	file    *os.File
	mem     []byte
	counter uint64
}

// Create makes (or truncates) the region called name with room for payloadSize bytes.
func Create(name string, payloadSize int, opts Options) (*Producer, error) {
	if payloadSize <= 0 {
		return nil, errors.Errorf("invalid payload size %d", payloadSize)
	}
	path := filepath.Join(opts.dir(), name)
	//nolint:gosec
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot create %s", name)
	}
	size := HeaderSize + payloadSize
	if err := f.Truncate(int64(size)); err != nil {
		return nil, multierr.Combine(err, f.Close(), os.Remove(path))
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, multierr.Combine(errors.Wrapf(err, "cannot map %s", name), f.Close(), os.Remove(path))
	}
	putHeader(mem, header{payloadSize: uint64(payloadSize)})
	return &Producer{name: name, path: path, file: f, mem: mem}, nil
}

// Name returns the region name.
func (p *Producer) Name() string {
	return p.name
}

// Publish copies payload into the region under the exclusive lock and announces a new frame.
func (p *Producer) Publish(payload []byte) error {
	return p.Write(func(data []byte) error {
		if len(payload) > len(data) {
			return errors.Errorf("payload of %d bytes does not fit region %s of %d", len(payload), p.name, len(data))
		}
		copy(data, payload)
		return nil
	})
}

// Write lets fn fill the payload in place under the exclusive lock, then announces a new frame.
// Nothing is announced if fn fails.
func (p *Producer) Write(fn func(data []byte) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mem == nil {
		return ErrClosed
	}
	fd := int(p.file.Fd())
	if err := unix.Flock(fd, unix.LOCK_EX); err != nil {
		return errors.Wrapf(err, "cannot lock %s", p.name)
	}
	err := fn(p.mem[HeaderSize:])
	if unlockErr := unix.Flock(fd, unix.LOCK_UN); unlockErr != nil {
		return multierr.Combine(err, unlockErr)
	}
	if err != nil {
		return err
	}

	// a write(2) rather than a store into the mapping, so watchers see a modify event
	p.counter++
	var counter [8]byte
	binary.LittleEndian.PutUint64(counter[:], p.counter)
	_, err = p.file.WriteAt(counter[:], 0)
	return err
}

// Close unmaps the region and removes it.
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mem == nil {
		return nil
	}
	err := multierr.Combine(unix.Munmap(p.mem), p.file.Close(), os.Remove(p.path))
	p.mem = nil
	return err
}
