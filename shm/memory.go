package shm

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// MemoryRegion is an in-process FrameSource. Publish overwrites the single slot; a frame that
// was overwritten before AwaitNext observed it counts as dropped.
type MemoryRegion struct {
	mu      sync.Mutex
	cond    *sync.Cond
	data    []byte
	counter uint64
	seen    uint64
	closed  bool

	drops atomic.Uint64
}

var _ FrameSource = (*MemoryRegion)(nil)

// NewMemoryRegion returns a region holding size payload bytes.
func NewMemoryRegion(size int) *MemoryRegion {
	m := &MemoryRegion{data: make([]byte, size)}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Publish copies payload into the slot and wakes any waiter.
func (m *MemoryRegion) Publish(payload []byte) error {
	return m.Write(func(data []byte) error {
		if len(payload) > len(data) {
			return errors.Errorf("payload of %d bytes does not fit region of %d", len(payload), len(data))
		}
		copy(data, payload)
		return nil
	})
}

// Write lets fn fill the slot in place, then announces a new frame unless fn failed.
func (m *MemoryRegion) Write(fn func(data []byte) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if err := fn(m.data); err != nil {
		return err
	}
	if m.counter != m.seen {
		m.drops.Inc()
	}
	m.counter++
	m.cond.Broadcast()
	return nil
}

// AwaitNext blocks until a frame newer than the last observed one is published.
func (m *MemoryRegion) AwaitNext(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	defer stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	for m.counter == m.seen {
		if m.closed {
			return ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		m.cond.Wait()
	}
	m.seen = m.counter
	return nil
}

// WithLockedSnapshot calls fn with the slot while publishers are held off.
func (m *MemoryRegion) WithLockedSnapshot(fn func(data []byte) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return fn(m.data)
}

// Counter returns the number of frames published so far.
func (m *MemoryRegion) Counter() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counter
}

// Drops returns how many frames were overwritten before being observed.
func (m *MemoryRegion) Drops() uint64 {
	return m.drops.Load()
}

// Close wakes waiters and fails further use.
func (m *MemoryRegion) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cond.Broadcast()
	return nil
}
