package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"linkbridge/protocol"
)

// dialFunc opens the byte stream a stream strategy frames envelopes over.
type dialFunc func(ctx context.Context, address string, port int, opts Options) (io.ReadWriteCloser, error)

// streamStrategy is the shared implementation of the stream-socket variants.
type streamStrategy struct {
	*base
	dial dialFunc

	mu      sync.Mutex
	session *StreamConn
}

func newStreamStrategy(kind string, options Options, dial dialFunc) *streamStrategy {
	return &streamStrategy{base: newBase(kind, options), dial: dial}
}

func (s *streamStrategy) Connect(ctx context.Context, address string, port int) error {
	_ = s.Disconnect()

	opts := s.options()
	dialCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	rwc, err := s.dial(dialCtx, address, port, opts)
	if err != nil {
		return classifyDialError(s.kind, address, port, err)
	}

	// The close callback takes s.mu, so holding it here guarantees the
	// callback observes this session as current.
	s.mu.Lock()
	var session *StreamConn
	session = NewStreamConn(rwc, opts.Framing, s.dispatch, func(closeErr error) {
		s.sessionClosed(&session, closeErr)
	})
	s.session = session
	s.mu.Unlock()

	s.markConnected(endpoint(address, port))
	select {
	case <-session.Done():
		s.sessionClosed(&session, session.Err())
		s.markDisconnected(session.Err())
		return fmt.Errorf("%w: %s stream closed during connect", ErrConnectionFailed, s.kind)
	default:
	}
	return nil
}

func (s *streamStrategy) Disconnect() error {
	s.mu.Lock()
	session := s.session
	s.session = nil
	s.mu.Unlock()

	if session != nil {
		_ = session.Close()
	}
	s.markDisconnected(nil)
	return nil
}

func (s *streamStrategy) Send(env *protocol.Envelope) error {
	s.mu.Lock()
	session := s.session
	s.mu.Unlock()
	if session == nil {
		return ErrNotConnected
	}

	payload, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	if err := session.Send(payload); err != nil {
		return fmt.Errorf("%w: %s send: %v", ErrConnectionFailed, s.kind, err)
	}
	return nil
}

// sessionClosed clears *session if it is still current. The pointer is read
// under s.mu because the read loop may finish before Connect assigns it.
func (s *streamStrategy) sessionClosed(session **StreamConn, err error) {
	s.mu.Lock()
	closed := *session
	current := closed != nil && s.session == closed
	if current {
		s.session = nil
	}
	s.mu.Unlock()

	if current {
		if err != nil {
			s.log.Debug("stream ended", zap.Error(err))
		}
		s.markDisconnected(err)
	}
}

func endpoint(address string, port int) string {
	return net.JoinHostPort(address, strconv.Itoa(port))
}

func classifyDialError(kind, address string, port int, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || protocol.IsTimeout(err) {
		return fmt.Errorf("%w: %s dial %s: %v", ErrTimeout, kind, endpoint(address, port), err)
	}
	if errors.Is(err, ErrRadioUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s dial %s: %v", ErrConnectionFailed, kind, endpoint(address, port), err)
}
