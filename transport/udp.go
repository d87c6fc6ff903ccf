package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"linkbridge/protocol"
)

// UDPStrategy sends one envelope per datagram. Delivery is not guaranteed.
type UDPStrategy struct {
	*base

	mu   sync.Mutex
	conn net.Conn
}

// NewUDP builds a datagram strategy.
func NewUDP(options Options) *UDPStrategy {
	return &UDPStrategy{base: newBase(TypeUDP, options)}
}

// Connect opens the socket, sends a ping and waits for any reply so an
// absent peer is reported as a failure.
func (s *UDPStrategy) Connect(ctx context.Context, address string, port int) error {
	_ = s.Disconnect()

	opts := s.options()
	dialCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, "udp", endpoint(address, port))
	if err != nil {
		return classifyDialError(s.kind, address, port, err)
	}

	probe, err := protocol.Encode(protocol.New(protocol.TypePing, nil))
	if err != nil {
		_ = conn.Close()
		return err
	}
	if _, err := conn.Write(probe); err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: udp probe: %v", ErrConnectionFailed, err)
	}

	replied := make(chan struct{})
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	go s.receiveLoop(conn, replied)

	select {
	case <-replied:
	case <-dialCtx.Done():
		s.connClosed(conn, nil)
		return fmt.Errorf("%w: udp %s did not answer probe", ErrTimeout, endpoint(address, port))
	}

	s.markConnected(endpoint(address, port))
	return nil
}

func (s *UDPStrategy) Disconnect() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	s.markDisconnected(nil)
	return nil
}

func (s *UDPStrategy) Send(env *protocol.Envelope) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil || !s.IsConnected() {
		return ErrNotConnected
	}

	payload, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	if len(payload) > protocol.MaxDatagramSize {
		return fmt.Errorf("%w: %d bytes", ErrDatagramTooLarge, len(payload))
	}
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("%w: udp send: %v", ErrConnectionFailed, err)
	}
	return nil
}

func (s *UDPStrategy) receiveLoop(conn net.Conn, replied chan struct{}) {
	var once sync.Once
	buf := make([]byte, protocol.MaxDatagramSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if protocol.IsClosed(err) {
				return
			}
			// ICMP unreachable surfaces as a read error on connected sockets;
			// the socket stays usable.
			s.log.Debug("udp read error", zap.Error(err))
			s.mu.Lock()
			closed := s.conn != conn
			s.mu.Unlock()
			if closed {
				return
			}
			continue
		}
		once.Do(func() { close(replied) })
		s.dispatch(append([]byte(nil), buf[:n]...))
	}
}

func (s *UDPStrategy) connClosed(conn net.Conn, err error) {
	s.mu.Lock()
	current := s.conn == conn
	if current {
		s.conn = nil
	}
	s.mu.Unlock()

	_ = conn.Close()
	if current {
		s.markDisconnected(err)
	}
}
