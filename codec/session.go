package codec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mklimuk/labinst"
)

// Session serializes command/response exchanges on one transport. Every
// method holds the session lock for the whole exchange so that no other
// command interleaves between a write and its matching read.
//
// A reply that is never read would be taken for the reply of the next
// command. Once an exchange is abandoned after its write the session is
// desynchronized and every later call fails with labinst.ErrDesynchronized.
type Session struct {
	mx        sync.Mutex
	transport labinst.Transport
	dialect   Dialect
	desynced  bool
}

func NewSession(transport labinst.Transport, dialect Dialect) *Session {
	return &Session{transport: transport, dialect: dialect}
}

func (s *Session) Dialect() Dialect {
	return s.dialect
}

// Send writes cmd without expecting a reply.
func (s *Session) Send(ctx context.Context, cmd string) error {
	payload, err := s.dialect.Encode(cmd)
	if err != nil {
		return err
	}
	s.mx.Lock()
	defer s.mx.Unlock()
	if err := s.usable(); err != nil {
		return err
	}
	_, err = s.transport.Write(ctx, payload)
	return err
}

// Query writes cmd and reads a reply of at most max bytes.
func (s *Session) Query(ctx context.Context, cmd string, max int) (Response, error) {
	payload, err := s.dialect.Encode(cmd)
	if err != nil {
		return Response{}, err
	}
	buf := make([]byte, max)
	s.mx.Lock()
	defer s.mx.Unlock()
	if err := s.usable(); err != nil {
		return Response{}, err
	}
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	n, err := s.transport.Query(ctx, payload, buf)
	if err != nil {
		s.abandon(err)
		return Response{}, err
	}
	return s.dialect.Decode(cmd, buf[:n])
}

// Status queries a short status token, bounded to the dialect status size.
func (s *Session) Status(ctx context.Context, cmd string) (Response, error) {
	return s.Query(ctx, cmd, s.statusSize())
}

// Exchange writes cmd, waits for wait (giving the device time to finish an
// operation of known duration) and then reads one status reply. The wait is
// abandoned when ctx is done.
func (s *Session) Exchange(ctx context.Context, cmd string, wait time.Duration) (Response, error) {
	if wait <= 0 {
		return s.Status(ctx, cmd)
	}
	payload, err := s.dialect.Encode(cmd)
	if err != nil {
		return Response{}, err
	}
	s.mx.Lock()
	defer s.mx.Unlock()
	if err := s.usable(); err != nil {
		return Response{}, err
	}
	if _, err := s.transport.Write(ctx, payload); err != nil {
		return Response{}, err
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		s.desynced = true
		return Response{}, fmt.Errorf("%s: waiting for %q: %w", s.dialect.Name, cmd, ctx.Err())
	}
	buf := make([]byte, s.statusSize())
	n, err := s.transport.Read(ctx, buf)
	if err != nil {
		s.abandon(err)
		return Response{}, err
	}
	return s.dialect.Decode(cmd, buf[:n])
}

// Desynchronized reports whether a reply may still be pending on the transport.
func (s *Session) Desynchronized() bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.desynced
}

// usable must be called with s.mx held.
func (s *Session) usable() error {
	if s.desynced {
		return &labinst.InstrumentFault{Instrument: s.dialect.Name, Op: "exchange", Err: labinst.ErrDesynchronized}
	}
	return nil
}

// abandon marks the session after a failed read. A closed transport carries
// no stale reply.
func (s *Session) abandon(err error) {
	if !errors.Is(err, labinst.ErrClosed) {
		s.desynced = true
	}
}

func (s *Session) statusSize() int {
	if s.dialect.StatusSize > 0 {
		return s.dialect.StatusSize
	}
	return 64
}
