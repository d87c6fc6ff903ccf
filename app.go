package main

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"linkbridge/config"
	"linkbridge/connection"
	"linkbridge/identity"
	"linkbridge/logging"
	"linkbridge/protocol"
	"linkbridge/storage"
	"linkbridge/transfer"
	"linkbridge/transport"
)

const keyFileName = "identity.key"

// app holds what every command needs: configuration, logger, store and the
// device key.
type app struct {
	cfg     *config.Config
	cfgPath string
	dataDir string
	log     *zap.Logger

	store       *storage.Store
	key         ed25519.PrivateKey
	fingerprint string
}

func openApp() (*app, error) {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	logger, err := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Output:     os.Stderr,
	})
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	dataDir := filepath.Dir(cfgPath)
	key, err := identity.EnsureKey(filepath.Join(dataDir, keyFileName))
	if err != nil {
		return nil, fmt.Errorf("prepare device key: %w", err)
	}
	store, dbPath, err := storage.Open(dataDir, storage.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	publicKey, _ := key.Public().(ed25519.PublicKey)
	a := &app{
		cfg:         cfg,
		cfgPath:     cfgPath,
		dataDir:     dataDir,
		log:         logger,
		store:       store,
		key:         key,
		fingerprint: identity.Fingerprint(publicKey),
	}
	logger.Debug("runtime ready",
		zap.String("device_id", cfg.Device.ID),
		zap.String("config", cfgPath),
		zap.String("database", dbPath),
	)
	return a, nil
}

func (a *app) Close() error {
	err := a.store.Close()
	// Sync fails on terminals; the error carries nothing actionable.
	_ = a.log.Sync()
	return err
}

// transportOptions maps the client section onto strategy options.
func (a *app) transportOptions(pinned string) transport.Options {
	framing, err := protocol.ParseFraming(a.cfg.Server.TCPFraming)
	if err != nil {
		framing = protocol.FramingLength
	}
	return transport.Options{
		ConnectTimeout:    a.cfg.Client.ConnectTimeout,
		RequestTimeout:    a.cfg.Client.RequestTimeout,
		Framing:           framing,
		ClientID:          a.cfg.Device.ID,
		PinnedFingerprint: pinned,
		Logger:            a.log,
	}
}

// defaultPorts is the listener layout of a peer running with stock settings.
func (a *app) defaultPorts() map[string]int {
	return map[string]int{
		transport.TypeTCP:       a.cfg.Server.TCPPort,
		transport.TypeWebSocket: a.cfg.Server.HTTPPort,
		transport.TypeHTTP:      a.cfg.Server.HTTPPort,
		transport.TypeUDP:       a.cfg.Server.UDPPort,
		transport.TypeQUIC:      a.cfg.Server.QUICPort,
	}
}

// routedStrategy dials its own listener port whatever port Connect is given.
type routedStrategy struct {
	transport.Strategy
	port int
}

func (s routedStrategy) Connect(ctx context.Context, address string, _ int) error {
	return s.Strategy.Connect(ctx, address, s.port)
}

// newCoordinator registers every network strategy. With a non-nil ports map
// each strategy dials the port listed for its type.
func (a *app) newCoordinator(ports map[string]int, pinned string) *connection.Coordinator {
	coord := connection.New(connection.Options{
		RetryAttempts: a.cfg.Client.RetryAttempts,
		RetryDelay:    a.cfg.Client.RetryDelay,
		FallbackOrder: a.cfg.Client.FallbackOrder,
		Logger:        a.log,
	})
	opts := a.transportOptions(pinned)

	factories := map[string]connection.Factory{
		transport.TypeTCP:       func() transport.Strategy { return transport.NewTCP(opts) },
		transport.TypeWebSocket: func() transport.Strategy { return transport.NewWebSocket(opts) },
		transport.TypeHTTP:      func() transport.Strategy { return transport.NewHTTP(opts, nil) },
		transport.TypeUDP:       func() transport.Strategy { return transport.NewUDP(opts) },
		transport.TypeQUIC:      func() transport.Strategy { return transport.NewQUIC(opts) },
		// No radio stack ships with the CLI; selecting it reports
		// transport.ErrRadioUnavailable.
		transport.TypeBluetooth: func() transport.Strategy { return transport.NewRadio(opts, nil) },
	}
	for kind, factory := range factories {
		port, routed := ports[kind]
		if !routed || port <= 0 {
			coord.Register(kind, factory)
			continue
		}
		build := factory
		coord.Register(kind, func() transport.Strategy {
			return routedStrategy{Strategy: build(), port: port}
		})
	}
	return coord
}

func (a *app) newEngine(sender transfer.Sender, downloadDir string, hold bool) (*transfer.Engine, error) {
	if downloadDir == "" {
		downloadDir = a.cfg.Transfer.DownloadDir
	}
	return transfer.New(transfer.Options{
		Sender:            sender,
		Store:             a.store,
		ChunkSize:         a.cfg.Transfer.ChunkSize,
		MaxConcurrent:     a.cfg.Transfer.MaxConcurrent,
		GracePeriod:       a.cfg.Transfer.GracePeriod,
		ChunkDelay:        a.cfg.Transfer.ChunkDelay,
		ChecksumAlgorithm: a.cfg.Transfer.Checksum,
		Compression:       a.cfg.Transfer.Compression,
		DownloadDir:       downloadDir,
		ShareDir:          a.cfg.Transfer.ShareDir,
		Hold:              hold,
		Logger:            a.log,
	})
}

// offline is the transfer sender for commands that never connect.
type offline struct{}

func (offline) Send(*protocol.Envelope) error { return transport.ErrNotConnected }
func (offline) IsConnected() bool             { return false }

// target names the peer a client command connects to.
type target struct {
	deviceID    string
	address     string
	port        int
	ports       map[string]int
	fingerprint string
}

func (t target) String() string {
	return net.JoinHostPort(t.address, strconv.Itoa(t.port))
}

// session is one connected client: a coordinator feeding a transfer engine.
type session struct {
	app    *app
	coord  *connection.Coordinator
	engine *transfer.Engine
}

// dial smart-connects to t, announces this device with role and wires the
// engine to the active connection.
func (a *app) dial(ctx context.Context, t target, preferred, role, downloadDir string) (*session, error) {
	coord := a.newCoordinator(t.ports, t.fingerprint)
	if preferred == "" {
		preferred = a.cfg.Client.PreferredTransport
	}
	if !coord.SmartConnect(ctx, t.address, t.port, preferred) {
		return nil, multierr.Append(
			fmt.Errorf("connect %s: %w", t, connection.ErrNoTransportAvailable),
			coord.Close(),
		)
	}

	// Restored pending transfers start as soon as the engine exists.
	engine, err := a.newEngine(coord, downloadDir, false)
	if err != nil {
		return nil, multierr.Append(err, coord.Close())
	}
	coord.AddMessageListener(engine)
	coord.AddStatusListener(engine)

	s := &session{app: a, coord: coord, engine: engine}
	if err := coord.Send(protocol.New(protocol.TypeDeviceInfo, map[string]any{
		"deviceInfo": map[string]any{
			"deviceId":    a.cfg.Device.ID,
			"name":        a.cfg.Device.Name,
			"role":        role,
			"platform":    "linkbridge",
			"fingerprint": a.fingerprint,
		},
	})); err != nil {
		return nil, multierr.Append(fmt.Errorf("announce device: %w", err), s.Close())
	}

	if t.deviceID != "" {
		err := a.store.UpsertKnownDevice(storage.KnownDevice{
			DeviceID:      t.deviceID,
			Address:       t.address,
			Port:          t.port,
			LastTransport: coord.ActiveType(),
		})
		if err != nil {
			a.log.Warn("remember device failed", zap.String("device_id", t.deviceID), zap.Error(err))
		}
	}
	return s, nil
}

func (s *session) Close() error {
	return multierr.Combine(s.engine.Close(), s.coord.Close())
}

// completions collects terminal outcomes of a set of transfers. Outcomes
// observed before expect are kept, so a fast transfer is never missed.
type completions struct {
	mu       sync.Mutex
	results  map[string]bool
	expected map[string]bool
	done     chan struct{}
	once     sync.Once
}

func newCompletions() *completions {
	return &completions{
		results:  make(map[string]bool),
		expected: make(map[string]bool),
		done:     make(chan struct{}),
	}
}

// expect registers the whole set at once; wait returns when all of ids
// finished.
func (c *completions) expect(ids ...string) {
	c.mu.Lock()
	for _, id := range ids {
		c.expected[id] = true
	}
	c.checkLocked()
	c.mu.Unlock()
}

func (c *completions) observe(rec transfer.Record, success bool) {
	c.mu.Lock()
	c.results[rec.TransferID] = success
	c.checkLocked()
	c.mu.Unlock()
}

func (c *completions) checkLocked() {
	if len(c.expected) == 0 {
		return
	}
	for id := range c.expected {
		if _, ok := c.results[id]; !ok {
			return
		}
	}
	c.once.Do(func() { close(c.done) })
}

// wait blocks until every expected transfer finished or ctx ends.
func (c *completions) wait(ctx context.Context) error {
	select {
	case <-c.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var failed []string
	for id := range c.expected {
		if !c.results[id] {
			failed = append(failed, id)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d transfer(s) failed: %v", len(failed), failed)
	}
	return nil
}

var errNoPeer = errors.New("no peer address: pass --address or --discover")
