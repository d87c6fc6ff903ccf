package discovery

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

const (
	// EventPeerUpserted is emitted when a peer appears or metadata changes.
	EventPeerUpserted EventType = "peer_upserted"
	// EventPeerRemoved is emitted when a previously seen peer disappears.
	EventPeerRemoved EventType = "peer_removed"
)

var (
	// ErrScannerStopped indicates a refresh on a stopped scanner.
	ErrScannerStopped = errors.New("discovery: scanner is stopped")
	// ErrScannerNotStarted indicates a refresh before Start.
	ErrScannerNotStarted = errors.New("discovery: scanner is not started")
)

// EventType identifies peer discovery updates.
type EventType string

// Event carries one discovery update.
type Event struct {
	Type EventType
	Peer DiscoveredPeer
}

// DiscoveredPeer is one linkbridge device found on the LAN.
type DiscoveredPeer struct {
	DeviceID       string
	DeviceName     string
	KeyFingerprint string
	Version        int
	HostName       string
	Port           int
	Addresses      []string
	// Transports maps a transport type to the port it listens on.
	Transports map[string]int
	LastSeen   time.Time
}

// Endpoint returns the address and port to dial for transport. Peers that do
// not list the transport fall back to the advertised SRV port.
func (p DiscoveredPeer) Endpoint(transport string) (string, int, bool) {
	if len(p.Addresses) == 0 {
		return "", 0, false
	}
	if port, ok := p.Transports[transport]; ok {
		return p.Addresses[0], port, true
	}
	if p.Port > 0 {
		return p.Addresses[0], p.Port, true
	}
	return "", 0, false
}

// Summary is the device_discovered payload for this peer.
func (p DiscoveredPeer) Summary() map[string]any {
	transports := make(map[string]any, len(p.Transports))
	for kind, port := range p.Transports {
		transports[kind] = port
	}
	address := ""
	if len(p.Addresses) > 0 {
		address = p.Addresses[0]
	}
	return map[string]any{
		"deviceId":    p.DeviceID,
		"name":        p.DeviceName,
		"address":     address,
		"port":        p.Port,
		"transports":  transports,
		"fingerprint": p.KeyFingerprint,
		"source":      "mdns",
	}
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// PeerScanner discovers peers with periodic and manual mDNS browse operations.
type PeerScanner struct {
	cfg Config
	log *zap.Logger

	browse browseFunc

	mu    sync.RWMutex
	peers map[string]DiscoveredPeer

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewPeerScanner creates a scanner with config defaults applied.
func NewPeerScanner(config Config) (*PeerScanner, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(false); err != nil {
		return nil, err
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &PeerScanner{
		cfg:             cfg,
		log:             cfg.Logger.Named("discovery"),
		browse:          browse,
		peers:           make(map[string]DiscoveredPeer),
		events:          make(chan Event, 128),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Browse runs one scan window and returns the peers seen, without starting
// the background loop.
func Browse(ctx context.Context, config Config) ([]DiscoveredPeer, error) {
	scanner, err := NewPeerScanner(config)
	if err != nil {
		return nil, err
	}
	scanner.ctx, scanner.cancel = context.WithCancel(ctx)
	defer scanner.cancel()

	if err := scanner.runScan(ctx); err != nil {
		return nil, err
	}
	return scanner.ListPeers(), nil
}

// Start begins background peer scanning.
func (s *PeerScanner) Start() error {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
	return nil
}

// Stop stops background scanning and closes the event channel.
func (s *PeerScanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		close(s.events)
	})
}

// Events provides asynchronous discovery updates. Updates are dropped when
// the consumer falls behind.
func (s *PeerScanner) Events() <-chan Event {
	return s.events
}

// Refresh triggers an immediate scan.
func (s *PeerScanner) Refresh(ctx context.Context) error {
	if s.ctx == nil {
		return ErrScannerNotStarted
	}

	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrScannerStopped
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrScannerStopped
	}
}

// ListPeers returns the peers seen by the last scan, sorted by name.
func (s *PeerScanner) ListPeers() []DiscoveredPeer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]DiscoveredPeer, 0, len(s.peers))
	for _, peer := range s.peers {
		out = append(out, peer)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceName == out[j].DeviceName {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].DeviceName < out[j].DeviceName
	})
	return out
}

// Lookup returns the last seen entry for deviceID.
func (s *PeerScanner) Lookup(deviceID string) (DiscoveredPeer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	peer, ok := s.peers[deviceID]
	return peer, ok
}

func (s *PeerScanner) loop() {
	defer s.wg.Done()

	s.scanLogged(context.Background())

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.scanLogged(context.Background())
		case req := <-s.refreshRequests:
			req.done <- s.runScan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *PeerScanner) scanLogged(ctx context.Context) {
	if err := s.runScan(ctx); err != nil && s.ctx.Err() == nil {
		s.log.Warn("mdns scan failed", zap.Error(err))
	}
}

func (s *PeerScanner) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	if requestCtx != nil {
		go func() {
			select {
			case <-requestCtx.Done():
				cancel()
			case <-scanCtx.Done():
			}
		}()
	}

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]DiscoveredPeer)
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				if entry == nil {
					continue
				}
				peer, ok := parseEntry(entry, s.cfg.SelfDeviceID)
				if !ok {
					continue
				}
				peer.LastSeen = time.Now()
				collectedMu.Lock()
				collected[peer.DeviceID] = peer
				collectedMu.Unlock()
			}
		}
	}()

	if err := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries); err != nil && scanCtx.Err() == nil {
		return err
	}

	<-scanCtx.Done()
	<-collectorDone
	collectedMu.Lock()
	next := collected
	collectedMu.Unlock()

	s.applySnapshot(next)

	// A timeout just means this scan window ended naturally.
	if err := scanCtx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *PeerScanner) applySnapshot(next map[string]DiscoveredPeer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.peers
	s.peers = next

	for id, peer := range next {
		old, exists := previous[id]
		if !exists || !peersEqual(old, peer) {
			s.log.Debug("peer discovered", zap.String("device_id", id), zap.String("name", peer.DeviceName))
			s.emitEvent(Event{Type: EventPeerUpserted, Peer: peer})
		}
	}

	for id, peer := range previous {
		if _, exists := next[id]; !exists {
			s.log.Debug("peer gone", zap.String("device_id", id))
			s.emitEvent(Event{Type: EventPeerRemoved, Peer: peer})
		}
	}
}

func (s *PeerScanner) emitEvent(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, selfDeviceID string) (DiscoveredPeer, bool) {
	txt := txtToMap(entry.Text)

	deviceID := strings.TrimSpace(txt[txtDeviceID])
	if deviceID == "" || deviceID == selfDeviceID {
		return DiscoveredPeer{}, false
	}

	version := 0
	if txt[txtVersion] != "" {
		if parsed, err := strconv.Atoi(txt[txtVersion]); err == nil {
			version = parsed
		}
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = deviceID
	}

	return DiscoveredPeer{
		DeviceID:       deviceID,
		DeviceName:     name,
		KeyFingerprint: txt[txtFingerprint],
		Version:        version,
		HostName:       entry.HostName,
		Port:           entry.Port,
		Addresses:      addresses,
		Transports:     parseTransports(txt[txtTransports]),
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}

func peersEqual(a, b DiscoveredPeer) bool {
	if a.DeviceID != b.DeviceID ||
		a.DeviceName != b.DeviceName ||
		a.KeyFingerprint != b.KeyFingerprint ||
		a.Version != b.Version ||
		a.HostName != b.HostName ||
		a.Port != b.Port ||
		len(a.Addresses) != len(b.Addresses) ||
		len(a.Transports) != len(b.Transports) {
		return false
	}
	for i := range a.Addresses {
		if a.Addresses[i] != b.Addresses[i] {
			return false
		}
	}
	for kind, port := range a.Transports {
		if b.Transports[kind] != port {
			return false
		}
	}
	return true
}
