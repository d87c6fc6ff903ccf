package server

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"linkbridge/protocol"
	"linkbridge/transport"
)

const (
	defaultMailboxSize     = 256
	defaultShutdownTimeout = 5 * time.Second
)

// Options configures a Server. An empty listener address disables that
// listener; use "127.0.0.1:0" for an ephemeral port.
type Options struct {
	HTTPAddr string
	TCPAddr  string
	UDPAddr  string
	QUICAddr string

	TCPFraming protocol.Framing
	// TLSKey signs the QUIC certificate. Nil generates an ephemeral key.
	TLSKey     ed25519.PrivateKey
	DeviceName string

	Queue             QueueOptions
	InactivityTimeout time.Duration
	SweepInterval     time.Duration
	// MailboxSize bounds envelopes held for one polling HTTP client.
	MailboxSize int

	Logger  *zap.Logger
	Metrics *Metrics
}

func (o Options) withDefaults() Options {
	if o.TCPFraming == "" {
		o.TCPFraming = protocol.FramingLength
	}
	if o.DeviceName == "" {
		o.DeviceName = "linkbridge"
	}
	if o.InactivityTimeout <= 0 {
		o.InactivityTimeout = defaultInactivityTimeout
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = defaultSweepInterval
	}
	if o.MailboxSize <= 0 {
		o.MailboxSize = defaultMailboxSize
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Server accepts peers on every configured transport and routes their
// envelopes.
type Server struct {
	opts     Options
	log      *zap.Logger
	metrics  *Metrics
	registry *Registry
	queue    *DeliveryQueue
	router   *Router

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	started   bool
	closed    bool
	addrs     map[string]net.Addr
	closers   []func() error
	http      *http.Server
	mailboxes map[string]*mailbox
	udpPeers  map[string]string
}

// New wires the registry, delivery queue and router. Listeners start with
// Start.
func New(options Options) *Server {
	opts := options.withDefaults()
	s := &Server{
		opts:      opts,
		log:       opts.Logger.Named("server"),
		metrics:   opts.Metrics,
		addrs:     make(map[string]net.Addr),
		mailboxes: make(map[string]*mailbox),
		udpPeers:  make(map[string]string),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	queueOpts := opts.Queue
	queueOpts.Logger = opts.Logger
	queueOpts.Metrics = opts.Metrics
	s.queue = NewDeliveryQueue(s.deliver, queueOpts)
	s.registry = NewRegistry(RegistryOptions{
		Logger:   opts.Logger,
		Metrics:  opts.Metrics,
		OnRemove: s.forget,
	})
	s.router = NewRouter(s.registry, s.queue, RouterOptions{Logger: opts.Logger, Metrics: opts.Metrics})
	return s
}

// Registry returns the client registry.
func (s *Server) Registry() *Registry { return s.registry }

// Router returns the message router.
func (s *Server) Router() *Router { return s.router }

// Queue returns the delivery queue.
func (s *Server) Queue() *DeliveryQueue { return s.queue }

// Addr returns the bound address of a listener by transport type, or nil.
func (s *Server) Addr(kind string) net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addrs[kind]
}

// Listeners returns the bound address of every running listener.
func (s *Server) Listeners() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.addrs))
	for kind, addr := range s.addrs {
		out[kind] = addr.String()
	}
	return out
}

// Start binds every configured listener and starts the inactivity sweep.
// If any listener fails the ones already bound are closed.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return errors.New("server: already started")
	}
	s.started = true
	s.mu.Unlock()

	steps := []struct {
		addr  string
		start func(string) error
	}{
		{s.opts.HTTPAddr, s.startHTTP},
		{s.opts.TCPAddr, s.startTCP},
		{s.opts.UDPAddr, s.startUDP},
		{s.opts.QUICAddr, s.startQUIC},
	}
	for _, step := range steps {
		if step.addr == "" {
			continue
		}
		if err := step.start(step.addr); err != nil {
			return multierr.Append(err, s.Close())
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.registry.RunSweeper(s.ctx, s.opts.SweepInterval, s.opts.InactivityTimeout)
	}()

	s.log.Info("server started", zap.Any("listeners", s.Listeners()))
	return nil
}

// Close stops listeners, disconnects every peer and waits for background
// work.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	closers := s.closers
	s.closers = nil
	httpServer := s.http
	s.mu.Unlock()

	s.cancel()

	var err error
	if httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		err = multierr.Append(err, httpServer.Shutdown(ctx))
		cancel()
	}
	for i := len(closers) - 1; i >= 0; i-- {
		if closeErr := closers[i](); closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
			err = multierr.Append(err, closeErr)
		}
	}
	for _, peer := range s.registry.Peers() {
		if conn, ok := s.registry.Conn(peer.ID); ok {
			_ = conn.Close()
		}
		s.registry.RemoveClient(peer.ID)
	}

	s.wg.Wait()
	err = multierr.Append(err, s.queue.Close())
	s.log.Info("server stopped")
	return err
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) bound(kind string, addr net.Addr, closer func() error) {
	s.mu.Lock()
	s.addrs[kind] = addr
	if closer != nil {
		s.closers = append(s.closers, closer)
	}
	s.mu.Unlock()
	s.log.Info("listener started", zap.String("transport", kind), zap.String("address", addr.String()))
}

// accept registers conn and greets it.
func (s *Server) accept(conn Conn, remoteAddress, kind string) string {
	id := s.registry.AddClient(conn, remoteAddress, kind)
	s.router.Welcome(id)
	return id
}

func (s *Server) deliver(peerID string, env *protocol.Envelope) error {
	conn, ok := s.registry.Conn(peerID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerUnavailable, peerID)
	}
	return conn.Send(env)
}

// forget drops per-peer state once the registry lets go of a peer.
func (s *Server) forget(peerID string) {
	s.queue.Purge(peerID)

	s.mu.Lock()
	if mb, ok := s.mailboxes[peerID]; ok {
		delete(s.mailboxes, peerID)
		_ = mb.Close()
	}
	for addr, id := range s.udpPeers {
		if id == peerID {
			delete(s.udpPeers, addr)
		}
	}
	s.mu.Unlock()
}

// Status is the body of GET /api/status.
type Status struct {
	ConnectedPeers int               `json:"connectedPeers"`
	PrimaryDevice  string            `json:"primaryDevice,omitempty"`
	Listeners      map[string]string `json:"listeners"`
	Clients        []map[string]any  `json:"clients"`
	Discovering    bool              `json:"discovering"`
}

// Status reports the current peers and listeners.
func (s *Server) Status() Status {
	peers := s.registry.Peers()
	status := Status{
		ConnectedPeers: len(peers),
		Listeners:      s.Listeners(),
		Clients:        make([]map[string]any, 0, len(peers)),
		Discovering:    s.router.Discovering(),
	}
	if primary, ok := s.registry.PrimaryDevice(); ok {
		status.PrimaryDevice = primary.ID
	}
	for _, p := range peers {
		status.Clients = append(status.Clients, p.Summary())
	}
	return status
}

// Transports lists the transport types with a running listener, sorted.
func (s *Server) Transports() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.addrs))
	for kind := range s.addrs {
		out = append(out, kind)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

func (s *Server) startQUIC(addr string) error {
	key := s.opts.TLSKey
	if key == nil {
		_, generated, err := ed25519.GenerateKey(nil)
		if err != nil {
			return fmt.Errorf("generate quic key: %w", err)
		}
		key = generated
	}
	tlsConf, err := serverTLS(key, s.opts.DeviceName)
	if err != nil {
		return err
	}
	listener, err := quic.ListenAddr(addr, tlsConf, transport.QUICConfig())
	if err != nil {
		return fmt.Errorf("listen quic on %q: %w", addr, err)
	}
	s.bound(transport.TypeQUIC, listener.Addr(), listener.Close)

	s.wg.Add(1)
	go s.acceptQUIC(listener)
	return nil
}

func (s *Server) acceptQUIC(listener *quic.Listener) {
	defer s.wg.Done()
	for {
		conn, err := listener.Accept(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil && !s.isClosed() {
				s.log.Warn("accept quic connection failed", zap.Error(err))
			}
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			stream, err := conn.AcceptStream(s.ctx)
			if err != nil {
				_ = conn.CloseWithError(0, "no stream")
				return
			}
			s.serveStream(&transport.QUICStream{Stream: stream, Conn: conn}, conn.RemoteAddr().String(), transport.TypeQUIC, protocol.FramingLength)
		}()
	}
}
