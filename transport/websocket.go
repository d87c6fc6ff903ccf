package transport

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"linkbridge/protocol"
)

// WebSocketStrategy exchanges one envelope per websocket text message.
type WebSocketStrategy struct {
	*base

	mu   sync.Mutex
	conn *websocket.Conn

	writeMu sync.Mutex
}

// NewWebSocket builds a websocket strategy. Options.Path selects the endpoint.
func NewWebSocket(options Options) *WebSocketStrategy {
	return &WebSocketStrategy{base: newBase(TypeWebSocket, options)}
}

func (s *WebSocketStrategy) Connect(ctx context.Context, address string, port int) error {
	_ = s.Disconnect()

	opts := s.options()
	target := url.URL{Scheme: "ws", Host: endpoint(address, port), Path: opts.Path}
	dialer := websocket.Dialer{
		HandshakeTimeout:  opts.ConnectTimeout,
		EnableCompression: opts.Compression,
	}

	dialCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(dialCtx, target.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return classifyDialError(s.kind, address, port, err)
	}
	if opts.Compression {
		conn.EnableWriteCompression(true)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.markConnected(target.String())
	go s.readLoop(conn)
	return nil
}

func (s *WebSocketStrategy) Disconnect() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		s.writeMu.Lock()
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		s.writeMu.Unlock()
		_ = conn.Close()
	}
	s.markDisconnected(nil)
	return nil
}

func (s *WebSocketStrategy) Send(env *protocol.Envelope) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	payload, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(s.options().RequestTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		s.connClosed(conn, err)
		return fmt.Errorf("%w: websocket send: %v", ErrConnectionFailed, err)
	}
	return nil
}

func (s *WebSocketStrategy) readLoop(conn *websocket.Conn) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || protocol.IsClosed(err) {
				err = nil
			}
			s.connClosed(conn, err)
			return
		}
		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			s.dispatch(data)
		default:
			s.log.Debug("ignoring websocket frame", zap.Int("message_type", messageType))
		}
	}
}

func (s *WebSocketStrategy) connClosed(conn *websocket.Conn, err error) {
	s.mu.Lock()
	current := s.conn == conn
	if current {
		s.conn = nil
	}
	s.mu.Unlock()

	if current {
		_ = conn.Close()
		s.markDisconnected(err)
	}
}
