package messaging

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"
)

// Sender delivers messages to downstream consumers.
type Sender interface {
	// Send delivers msg stamped with sent and the sender id.
	Send(ctx context.Context, msg Message, sent time.Time, senderID uint32) error
	// IsRunning reports whether the transport is still usable. A stopped sender is a request to
	// shut down, not an error.
	IsRunning() bool
	Close() error
}

// Recorded is one message captured by a Recorder.
type Recorded struct {
	Envelope Envelope
	Message  Message
}

// Recorder keeps every sent message in memory.
type Recorder struct {
	mu       sync.Mutex
	records  []Recorded
	stopped  bool
	stopWhen func(Recorded) bool
}

// NewRecorder returns a running Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// StopAfter makes the recorder report not running once a recorded message satisfies fn.
func (r *Recorder) StopAfter(fn func(Recorded) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopWhen = fn
}

// Send implements Sender.
func (r *Recorder) Send(ctx context.Context, msg Message, sent time.Time, senderID uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := Recorded{Envelope: NewEnvelope(msg, sent, senderID), Message: msg}
	r.records = append(r.records, rec)
	if r.stopWhen != nil && r.stopWhen(rec) {
		r.stopped = true
	}
	return nil
}

// IsRunning implements Sender.
func (r *Recorder) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.stopped
}

// Close stops the recorder.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	return nil
}

// Records returns a copy of everything sent so far.
func (r *Recorder) Records() []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Recorded, len(r.records))
	copy(out, r.records)
	return out
}

// Multi fans every message out to several senders.
type Multi []Sender

// Send delivers to every sender and combines their errors.
func (m Multi) Send(ctx context.Context, msg Message, sent time.Time, senderID uint32) error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.Send(ctx, msg, sent, senderID))
	}
	return err
}

// IsRunning is true while every sender is running.
func (m Multi) IsRunning() bool {
	for _, s := range m {
		if !s.IsRunning() {
			return false
		}
	}
	return len(m) > 0
}

// Close closes every sender.
func (m Multi) Close() error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.Close())
	}
	return err
}
