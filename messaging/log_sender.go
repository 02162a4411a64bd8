package messaging

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"go.viam.com/birdview/logging"
)

// LogSender writes every message to a logger instead of a transport, for dry runs.
type LogSender struct {
	logger  logging.Logger
	running atomic.Bool
}

// NewLogSender returns a running LogSender.
func NewLogSender(logger logging.Logger) *LogSender {
	s := &LogSender{logger: logger}
	s.running.Store(true)
	return s
}

// Send implements Sender.
func (s *LogSender) Send(ctx context.Context, msg Message, sent time.Time, senderID uint32) error {
	if !s.running.Load() {
		return errors.New("log sender is closed")
	}
	s.logger.Infow(msg.Name(), "sender", senderID, "sent", sent, "message", msg)
	return nil
}

// IsRunning implements Sender.
func (s *LogSender) IsRunning() bool {
	return s.running.Load()
}

// Close implements Sender.
func (s *LogSender) Close() error {
	s.running.Store(false)
	return nil
}
