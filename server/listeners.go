package server

import (
	"crypto/ed25519"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"linkbridge/identity"
	"linkbridge/protocol"
	"linkbridge/transport"
)

const (
	// PathStatus serves the server status document.
	PathStatus = "/api/status"
	// PathMetrics serves Prometheus metrics.
	PathMetrics = "/metrics"

	wsWriteTimeout = 10 * time.Second
)

func serverTLS(key ed25519.PrivateKey, name string) (*tls.Config, error) {
	conf, err := identity.ServerTLSConfig(key, name, transport.QUICProtocol)
	if err != nil {
		return nil, fmt.Errorf("quic tls config: %w", err)
	}
	return conf, nil
}

// streamPeer adapts a framed byte stream to Conn.
type streamPeer struct {
	sc *transport.StreamConn
}

func (p *streamPeer) Send(env *protocol.Envelope) error {
	payload, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	return p.sc.Send(payload)
}

func (p *streamPeer) Close() error {
	return p.sc.Close()
}

// serveStream registers one stream connection and routes its frames until
// it closes.
func (s *Server) serveStream(rwc io.ReadWriteCloser, remoteAddress, kind string, framing protocol.Framing) {
	ready := make(chan struct{})
	var id string
	peer := &streamPeer{}
	peer.sc = transport.NewStreamConn(rwc, framing,
		func(frame []byte) {
			<-ready
			s.router.Handle(id, frame)
		},
		func(err error) {
			<-ready
			if err != nil {
				s.log.Debug("stream closed", zap.String("client_id", id), zap.Error(err))
			}
			s.registry.RemoveClient(id)
		},
	)
	id = s.accept(peer, remoteAddress, kind)
	close(ready)

	select {
	case <-peer.sc.Done():
	case <-s.ctx.Done():
		_ = peer.sc.Close()
	}
}

func (s *Server) startTCP(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen tcp on %q: %w", addr, err)
	}
	s.bound(transport.TypeTCP, listener.Addr(), listener.Close)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := listener.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) || s.isClosed() {
					return
				}
				s.log.Warn("accept tcp connection failed", zap.Error(err))
				continue
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.serveStream(conn, conn.RemoteAddr().String(), transport.TypeTCP, s.opts.TCPFraming)
			}()
		}
	}()
	return nil
}

// udpPeer sends to one remote address through the shared packet socket.
type udpPeer struct {
	pc   net.PacketConn
	addr net.Addr
}

func (p *udpPeer) Send(env *protocol.Envelope) error {
	payload, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	if len(payload) > protocol.MaxDatagramSize {
		return fmt.Errorf("%w: %d bytes", transport.ErrDatagramTooLarge, len(payload))
	}
	_, err = p.pc.WriteTo(payload, p.addr)
	return err
}

func (p *udpPeer) Close() error { return nil }

func (s *Server) startUDP(addr string) error {
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return fmt.Errorf("listen udp on %q: %w", addr, err)
	}
	s.bound(transport.TypeUDP, pc.LocalAddr(), pc.Close)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		buf := make([]byte, protocol.MaxDatagramSize)
		for {
			n, from, err := pc.ReadFrom(buf)
			if err != nil {
				if errors.Is(err, net.ErrClosed) || s.isClosed() {
					return
				}
				s.log.Debug("udp read failed", zap.Error(err))
				continue
			}
			key := from.String()
			s.mu.Lock()
			id, known := s.udpPeers[key]
			s.mu.Unlock()
			if !known {
				id = s.registry.AddClient(&udpPeer{pc: pc, addr: from}, key, transport.TypeUDP)
				s.mu.Lock()
				s.udpPeers[key] = id
				s.mu.Unlock()
			}
			s.router.Handle(id, append([]byte(nil), buf[:n]...))
		}
	}()
	return nil
}

// wsPeer serializes writes to one websocket connection.
type wsPeer struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (p *wsPeer) Send(env *protocol.Envelope) error {
	payload, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return p.conn.WriteMessage(websocket.TextMessage, payload)
}

func (p *wsPeer) Close() error {
	return p.conn.Close()
}

// mailbox holds envelopes for a polling HTTP client. When full the oldest
// envelope is dropped and reported through dropped with its type. The
// envelope being sent is always kept, so Send does not fail on overflow.
type mailbox struct {
	mu       sync.Mutex
	items    []mailItem
	capacity int
	closed   bool
	dropped  func(msgType string)
}

type mailItem struct {
	msgType string
	payload json.RawMessage
}

func (m *mailbox) Send(env *protocol.Envelope) error {
	payload, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrPeerUnavailable
	}
	var evicted *mailItem
	if len(m.items) >= m.capacity {
		oldest := m.items[0]
		evicted = &oldest
		m.items = m.items[1:]
	}
	m.items = append(m.items, mailItem{msgType: env.Type, payload: payload})
	m.mu.Unlock()

	if evicted != nil && m.dropped != nil {
		m.dropped(evicted.msgType)
	}
	return nil
}

func (m *mailbox) Close() error {
	m.mu.Lock()
	m.closed = true
	m.items = nil
	m.mu.Unlock()
	return nil
}

func (m *mailbox) drain() []json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]json.RawMessage, 0, len(m.items))
	for _, item := range m.items {
		out = append(out, item.payload)
	}
	m.items = nil
	return out
}

func (s *Server) startHTTP(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen http on %q: %w", addr, err)
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 64 * 1024,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	mux := http.NewServeMux()
	mux.HandleFunc(transport.DefaultWebSocketPath, func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Debug("websocket upgrade failed", zap.Error(err))
			return
		}
		s.serveWebSocket(conn, r.RemoteAddr)
	})
	mux.HandleFunc(transport.PathPing, s.servePing)
	mux.HandleFunc(transport.PathMessage, s.serveMessage)
	mux.HandleFunc(transport.PathPoll, s.servePoll)
	mux.HandleFunc(PathStatus, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.Status())
	})
	mux.Handle(PathMetrics, s.metrics.Handler())

	httpServer := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.http = httpServer
	s.mu.Unlock()
	s.bound(transport.TypeHTTP, listener.Addr(), nil)
	s.bound(transport.TypeWebSocket, listener.Addr(), nil)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server stopped", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) serveWebSocket(conn *websocket.Conn, remoteAddress string) {
	conn.SetReadLimit(protocol.MaxFrameSize)
	id := s.accept(&wsPeer{conn: conn}, remoteAddress, transport.TypeWebSocket)
	defer s.registry.RemoveClient(id)
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !s.isClosed() {
				s.log.Debug("websocket read ended", zap.String("client_id", id), zap.Error(err))
			}
			return
		}
		s.router.Handle(id, data)
	}
}

func (s *Server) servePing(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(transport.HeaderClientID)
	s.mu.Lock()
	_, known := s.mailboxes[id]
	s.mu.Unlock()

	if !known {
		remote := r.RemoteAddr
		mb := &mailbox{capacity: s.opts.MailboxSize, dropped: func(msgType string) {
			s.metrics.observeDropped("mailbox")
			s.log.Warn("http mailbox full, dropped oldest envelope",
				zap.String("remote", remote),
				zap.String("type", msgType),
				zap.Error(ErrCapacityExceeded),
			)
		}}
		id = s.registry.AddClient(mb, r.RemoteAddr, transport.TypeHTTP)
		s.mu.Lock()
		s.mailboxes[id] = mb
		s.mu.Unlock()
		s.router.Welcome(id)
	} else {
		s.registry.Touch(id)
	}

	payload, err := protocol.Encode(protocol.New(protocol.TypePong, map[string]any{"clientId": id}))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(payload)
}

func (s *Server) serveMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, ok := s.httpClient(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, protocol.MaxFrameSize))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.router.Handle(id, body)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) servePoll(w http.ResponseWriter, r *http.Request) {
	id, ok := s.httpClient(w, r)
	if !ok {
		return
	}
	s.registry.Touch(id)

	s.mu.Lock()
	mb := s.mailboxes[id]
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, mb.drain())
}

func (s *Server) httpClient(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.Header.Get(transport.HeaderClientID)
	s.mu.Lock()
	_, ok := s.mailboxes[id]
	s.mu.Unlock()
	if id == "" || !ok {
		http.Error(w, "unknown client, ping first", http.StatusNotFound)
		return "", false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
