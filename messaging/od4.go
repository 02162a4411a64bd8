package messaging

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"go.viam.com/birdview/logging"
)

// OD4Port is the UDP port every conference uses.
const OD4Port = 12175

// ConferenceAddr returns the multicast address of conference cid.
func ConferenceAddr(cid uint8) string {
	return fmt.Sprintf("225.0.0.%d:%d", cid, OD4Port)
}

// OD4Session sends framed envelopes to a UDP multicast conference.
type OD4Session struct {
	cid     uint8
	logger  logging.Logger
	running atomic.Bool

	mu   sync.Mutex
	conn net.Conn
}

// NewOD4Session joins conference cid for sending.
func NewOD4Session(cid uint8, logger logging.Logger) (*OD4Session, error) {
	if cid < 2 || cid > 254 {
		return nil, errors.Errorf("conference id %d out of range [2, 254]", cid)
	}
	return dialOD4(cid, ConferenceAddr(cid), logger)
}

func dialOD4(cid uint8, addr string, logger logging.Logger) (*OD4Session, error) {
	conn, err := net.Dial("udp4", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot join conference %d", cid)
	}
	s := &OD4Session{cid: cid, logger: logger, conn: conn}
	s.running.Store(true)
	logger.Infow("joined OD4 conference", "cid", cid, "addr", addr)
	return s, nil
}

// Send implements Sender.
func (s *OD4Session) Send(ctx context.Context, msg Message, sent time.Time, senderID uint32) error {
	if !s.running.Load() {
		return errors.New("OD4 session is closed")
	}
	frame, err := NewEnvelope(msg, sent, senderID).Frame()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		if err := s.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
	}
	if _, err := s.conn.Write(frame); err != nil {
		return errors.Wrapf(err, "sending %s", msg.Name())
	}
	return nil
}

// IsRunning implements Sender.
func (s *OD4Session) IsRunning() bool {
	return s.running.Load()
}

// Close leaves the conference.
func (s *OD4Session) Close() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}
